package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit is a token bucket refilled at RequestsPerMinute.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

func (l RateLimit) limiter() *rate.Limiter {
	perSecond := l.RequestsPerMinute / 60
	if perSecond <= 0 {
		perSecond = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), max(l.Burst, 1))
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one bucket per route key and client. Buckets idle longer
// than the ttl are dropped.
type RateLimiter struct {
	logger       *slog.Logger
	limits       map[string]RateLimit
	trustProxy   bool
	onLimit      func(key string)
	clockNow     func() time.Time
	ttl          time.Duration
	mu           sync.Mutex
	buckets      map[string]*bucket
	nextEviction time.Time
}

func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		buckets:  make(map[string]*bucket),
		clockNow: time.Now,
		ttl:      5 * time.Minute,
	}
}

// TrustProxyHeaders keys clients by X-Real-IP / X-Forwarded-For instead of the
// socket address. Only enable behind a proxy that overwrites those headers.
func (r *RateLimiter) TrustProxyHeaders(trust bool) { r.trustProxy = trust }

// OnLimit registers a callback invoked whenever a request is rejected.
func (r *RateLimiter) OnLimit(fn func(key string)) { r.onLimit = fn }

// Middleware limits requests under key. Keys without a configured limit pass
// through.
func (r *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limit, ok := r.limits[key]
		if !ok {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			client := r.clientID(req)
			now := r.clockNow()
			lim := r.bucketFor(key+"|"+client, limit, now)
			if lim.AllowN(now, 1) {
				next.ServeHTTP(w, req)
				return
			}
			r.logger.Debug("request throttled", slog.String("route", key), slog.String("client", client))
			if r.onLimit != nil {
				r.onLimit(key)
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(lim)))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		})
	}
}

func retryAfterSeconds(lim *rate.Limiter) int {
	if lim.Limit() <= 0 {
		return 60
	}
	return int(math.Ceil(1 / float64(lim.Limit())))
}

func (r *RateLimiter) bucketFor(id string, limit RateLimit, now time.Time) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.After(r.nextEviction) {
		for k, b := range r.buckets {
			if now.Sub(b.lastSeen) > r.ttl {
				delete(r.buckets, k)
			}
		}
		r.nextEviction = now.Add(r.ttl / 2)
	}
	b, ok := r.buckets[id]
	if !ok {
		b = &bucket{limiter: limit.limiter()}
		r.buckets[id] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (r *RateLimiter) clientID(req *http.Request) string {
	if r.trustProxy {
		if ip := net.ParseIP(strings.TrimSpace(req.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
		if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
