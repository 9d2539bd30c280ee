package webhooks

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"buyinescrow/core/events"
	"buyinescrow/native/escrow"
)

// pendingTTL bounds how long a settlement may wait for its payout events.
const pendingTTL = time.Minute

// Relay turns committed ledger events into settlement webhooks. Register
// Handle with Bus.OnEvent: the ledger emits one settled event followed by one
// payout event per winner, and the relay holds the settlement until every
// payout has arrived. Completed payloads are queued in memory and handed to
// the dispatcher by Run, so Handle never blocks the ledger.
type Relay struct {
	dispatcher *Dispatcher
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingSettlement
	outbox  []SettledPayload
	wake    chan struct{}
}

type pendingSettlement struct {
	payload SettledPayload
	winners int
	opened  time.Time
}

func NewRelay(dispatcher *Dispatcher, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		dispatcher: dispatcher,
		logger:     logger.With(slog.String("component", "webhooks")),
		now:        time.Now,
		pending:    make(map[string]*pendingSettlement),
		wake:       make(chan struct{}, 1),
	}
}

// Run forwards completed settlements to the dispatcher until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if n := r.Queued(); n > 0 {
				r.logger.Warn("settlement webhooks not sent before shutdown", slog.Int("count", n))
			}
			return
		case <-r.wake:
		}
		for _, payload := range r.drain() {
			if err := r.dispatcher.EnqueueSettled(payload); err != nil {
				r.logger.Warn("failed to enqueue settlement webhook",
					slog.String("escrow", payload.Escrow), slog.Any("error", err))
			}
		}
	}
}

func (r *Relay) drain() []SettledPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.outbox
	r.outbox = nil
	return out
}

// Queued reports completed settlements not yet handed to the dispatcher.
func (r *Relay) Queued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outbox)
}

// Pending reports settlements still waiting for payout events.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Handle processes one committed event.
func (r *Relay) Handle(evt events.Event) {
	payload, ok := evt.(events.Payload)
	if !ok {
		return
	}
	e := payload.Event()
	if e == nil {
		return
	}
	switch e.Type {
	case escrow.EventTypeEscrowSettled, escrow.EventTypeEscrowPayout:
	default:
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked()
	key := e.Attributes["escrow"]
	var err error
	if e.Type == escrow.EventTypeEscrowSettled {
		err = r.openLocked(key, e.Attributes)
	} else {
		err = r.addPayoutLocked(key, e.Attributes)
	}
	if err != nil {
		delete(r.pending, key)
		r.logger.Warn("dropping malformed settlement event",
			slog.String("type", e.Type), slog.String("escrow", key), slog.Any("error", err))
	}
}

func (r *Relay) openLocked(key string, attrs map[string]string) error {
	var a attrReader
	winners := a.int("winners", attrs)
	settledAt := a.uint("settledAt", attrs)
	p := &pendingSettlement{
		payload: SettledPayload{
			Escrow:    key,
			Namespace: attrs["namespace"],
			Mint:      attrs["mint"],
			Balance:   a.uint("balance", attrs),
			Paid:      a.uint("paid", attrs),
			Residual:  a.uint("residual", attrs),
			SettledAt: time.Unix(int64(settledAt), 0).UTC(),
		},
		winners: winners,
		opened:  r.now(),
	}
	if a.err != nil {
		return a.err
	}
	if winners < 0 {
		return fmt.Errorf("negative winner count %d", winners)
	}
	p.payload.Payouts = make([]PayoutPayload, 0, winners)
	if winners == 0 {
		r.readyLocked(p.payload)
		return nil
	}
	r.pending[key] = p
	return nil
}

func (r *Relay) addPayoutLocked(key string, attrs map[string]string) error {
	p, ok := r.pending[key]
	if !ok {
		return nil
	}
	var a attrReader
	share := a.uint("share", attrs)
	payout := PayoutPayload{
		Winner: attrs["winner"],
		Share:  uint32(share),
		Amount: a.uint("amount", attrs),
	}
	if a.err != nil {
		return a.err
	}
	p.payload.Payouts = append(p.payload.Payouts, payout)
	if len(p.payload.Payouts) == p.winners {
		delete(r.pending, key)
		r.readyLocked(p.payload)
	}
	return nil
}

func (r *Relay) readyLocked(payload SettledPayload) {
	r.outbox = append(r.outbox, payload)
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Relay) evictLocked() {
	now := r.now()
	for key, p := range r.pending {
		if now.Sub(p.opened) > pendingTTL {
			delete(r.pending, key)
			r.logger.Warn("settlement webhook abandoned: payouts incomplete",
				slog.String("escrow", key),
				slog.Int("received", len(p.payload.Payouts)),
				slog.Int("expected", p.winners))
		}
	}
}

// attrReader parses numeric event attributes, keeping the first failure.
type attrReader struct{ err error }

func (a *attrReader) uint(name string, attrs map[string]string) uint64 {
	v, err := strconv.ParseUint(attrs[name], 10, 64)
	if err != nil && a.err == nil {
		a.err = fmt.Errorf("attribute %s: %w", name, err)
	}
	return v
}

func (a *attrReader) int(name string, attrs map[string]string) int {
	v, err := strconv.Atoi(attrs[name])
	if err != nil && a.err == nil {
		a.err = fmt.Errorf("attribute %s: %w", name, err)
	}
	return v
}
