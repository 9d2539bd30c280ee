package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType names the webhook topic carried in X-Escrow-Event.
type EventType string

// EventEscrowSettled is delivered once an escrow's payouts are committed.
const EventEscrowSettled EventType = "escrow.settled"

const (
	HeaderEvent     = "X-Escrow-Event"
	HeaderDelivery  = "X-Escrow-Delivery"
	HeaderTimestamp = "X-Escrow-Timestamp"
	HeaderSignature = "X-Escrow-Signature"

	signatureVersion = "v1="
	queueDepth       = 32
)

var (
	ErrClosed           = errors.New("webhook: dispatcher closed")
	ErrSignatureInvalid = errors.New("webhook: signature mismatch")
	ErrSignatureExpired = errors.New("webhook: signature timestamp outside tolerance")
)

// SettledPayload describes the webhook body for a settled escrow.
type SettledPayload struct {
	Type       EventType       `json:"type"`
	Escrow     string          `json:"escrow"`
	Namespace  string          `json:"namespace"`
	Mint       string          `json:"mint"`
	Balance    uint64          `json:"balance"`
	Paid       uint64          `json:"paid"`
	Residual   uint64          `json:"residual"`
	Payouts    []PayoutPayload `json:"payouts"`
	SettledAt  time.Time       `json:"settledAt"`
	DeliveryID string          `json:"deliveryId"`
}

type PayoutPayload struct {
	Winner string `json:"winner"`
	Share  uint32 `json:"share"`
	Amount uint64 `json:"amount"`
}

// Stats counts finished deliveries.
type Stats struct {
	Delivered uint64
	Abandoned uint64
}

type retryPolicy struct {
	attempts int
	base     time.Duration
	ceiling  time.Duration
}

// wait returns the pause before the given retry. A server-provided
// Retry-After wins but is still capped by the ceiling.
func (p retryPolicy) wait(retry int, hint time.Duration) time.Duration {
	if hint > 0 {
		return min(hint, p.ceiling)
	}
	d := p.base
	for i := 1; i < retry && d < p.ceiling; i++ {
		d *= 2
	}
	return min(d, p.ceiling)
}

// Dispatcher posts signed JSON payloads to a single endpoint from one
// background worker, retrying transient failures.
type Dispatcher struct {
	endpoint string
	secret   []byte
	client   *http.Client
	policy   retryPolicy
	logger   *slog.Logger
	now      func() time.Time

	jobs      chan job
	stop      chan struct{}
	stopOnce  sync.Once
	done      sync.WaitGroup
	delivered atomic.Uint64
	abandoned atomic.Uint64
}

type job struct {
	id    string
	event EventType
	body  []byte
}

type Option func(*Dispatcher)

func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithRetryPolicy sets the attempt budget and the backoff bounds. Zero values
// keep the defaults.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.policy.attempts = maxAttempts
		}
		if minBackoff > 0 {
			d.policy.base = minBackoff
		}
		if maxBackoff > 0 {
			d.policy.ceiling = maxBackoff
		}
		if d.policy.ceiling < d.policy.base {
			d.policy.ceiling = d.policy.base
		}
	}
}

func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret required")
	}
	d := &Dispatcher{
		endpoint: endpoint,
		secret:   bytes.Clone(secret),
		client:   &http.Client{Timeout: 15 * time.Second},
		policy:   retryPolicy{attempts: 5, base: 2 * time.Second, ceiling: 30 * time.Second},
		logger:   slog.Default(),
		now:      time.Now,
		jobs:     make(chan job, queueDepth),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.done.Add(1)
	go d.run()
	return d, nil
}

// Close stops the worker. Queued deliveries that have not started are dropped.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() { close(d.stop) })
	d.done.Wait()
	if n := len(d.jobs); n > 0 {
		d.logger.Warn("webhook deliveries dropped on shutdown", slog.Int("count", n))
	}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{Delivered: d.delivered.Load(), Abandoned: d.abandoned.Load()}
}

// EnqueueSettled queues a settled event. It blocks while the queue is full.
func (d *Dispatcher) EnqueueSettled(payload SettledPayload) error {
	if d == nil {
		return ErrClosed
	}
	payload.Type = EventEscrowSettled
	if payload.SettledAt.IsZero() {
		payload.SettledAt = d.now().UTC()
	}
	if payload.DeliveryID == "" {
		payload.DeliveryID = uuid.NewString()
	}
	if payload.Payouts == nil {
		payload.Payouts = []PayoutPayload{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: encode payload: %w", err)
	}
	select {
	case <-d.stop:
		return ErrClosed
	default:
	}
	select {
	case d.jobs <- job{id: payload.DeliveryID, event: payload.Type, body: body}:
		return nil
	case <-d.stop:
		return ErrClosed
	}
}

func (d *Dispatcher) run() {
	defer d.done.Done()
	for {
		select {
		case <-d.stop:
			return
		case j := <-d.jobs:
			d.deliver(j)
		}
	}
}

func (d *Dispatcher) deliver(j job) {
	log := d.logger.With(slog.String("event", string(j.event)), slog.String("delivery", j.id))
	for attempt := 1; ; attempt++ {
		hint, err := d.post(j)
		if err == nil {
			d.delivered.Add(1)
			return
		}
		var perm permanentError
		if errors.As(err, &perm) || attempt >= d.policy.attempts {
			d.abandoned.Add(1)
			log.Warn("webhook delivery abandoned", slog.Int("attempts", attempt), slog.Any("error", err))
			return
		}
		log.Debug("webhook delivery failed", slog.Int("attempt", attempt), slog.Any("error", err))
		timer := time.NewTimer(d.policy.wait(attempt, hint))
		select {
		case <-timer.C:
		case <-d.stop:
			timer.Stop()
			return
		}
	}
}

// permanentError marks failures that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// post performs one attempt. The returned duration is the endpoint's
// Retry-After hint, if any.
func (d *Dispatcher) post(j job) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.client.Timeout)
	defer cancel()
	go func() {
		select {
		case <-d.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ts := d.now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(j.body))
	if err != nil {
		return 0, permanentError{err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(j.event))
	req.Header.Set(HeaderDelivery, j.id)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, Sign(d.secret, ts, j.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return 0, nil
	case code == http.StatusTooManyRequests, code == http.StatusServiceUnavailable:
		return retryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("webhook: endpoint busy (status %d)", code)
	case code == http.StatusRequestTimeout, code >= 500:
		return 0, fmt.Errorf("webhook: delivery failed with status %d", code)
	default:
		return 0, permanentError{fmt.Errorf("webhook: endpoint rejected delivery with status %d", code)}
	}
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Sign returns the X-Escrow-Signature value for a body sent at unix time ts.
// The MAC covers "<ts>.<body>".
func Sign(secret []byte, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return signatureVersion + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received delivery. tolerance bounds the age of the
// timestamp header; zero disables the age check.
func Verify(secret []byte, header http.Header, body []byte, tolerance time.Duration, now time.Time) error {
	ts, err := strconv.ParseInt(header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrSignatureInvalid)
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(ts, 0))
		if age > tolerance || age < -tolerance {
			return ErrSignatureExpired
		}
	}
	want := Sign(secret, ts, body)
	if !hmac.Equal([]byte(want), []byte(header.Get(HeaderSignature))) {
		return ErrSignatureInvalid
	}
	return nil
}
