package core

// rate_limiter.go throttles calls to the spreadsheet API with a token bucket.
//
// The bucket itself is a golang.org/x/time/rate Limiter driven with explicit
// timestamps from the injected Clock, so refill is lazy and proportional to
// elapsed time and tokens never exceed the burst size. Acquire adds the
// bounded-wait loop and the usage counters on top.

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxTokens and DefaultRefillPerSecond match the Sheets API quota
	// of 100 requests per 100 seconds.
	DefaultMaxTokens       = 100
	DefaultRefillPerSecond = 1.0
	DefaultMaxWait         = 30 * time.Second

	minLimiterWait = 10 * time.Millisecond
)

// RateLimiterConfig configures a RateLimiter.
type RateLimiterConfig struct {
	MaxTokens       int
	RefillPerSecond float64
	MaxWait         time.Duration // default wait bound for ExecuteRequest
	Clock           Clock
}

// RateLimiter is a token bucket with a bounded blocking acquire and a FIFO
// request queue. Safe for concurrent use.
type RateLimiter struct {
	clock   Clock
	maxWait time.Duration

	mu        sync.Mutex
	limiter   *rate.Limiter
	maxTokens int
	refill    float64
	stats     limiterCounters

	qmu     sync.Mutex
	queue   []*limiterRequest
	running bool
	closed  bool
}

type limiterCounters struct {
	total      int64
	successful int64
	throttled  int64
	totalWait  time.Duration
}

type limiterRequest struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// NewRateLimiter creates a full bucket.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.RefillPerSecond <= 0 {
		cfg.RefillPerSecond = DefaultRefillPerSecond
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	return &RateLimiter{
		clock:     clockOrDefault(cfg.Clock),
		maxWait:   cfg.MaxWait,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), cfg.MaxTokens),
		maxTokens: cfg.MaxTokens,
		refill:    cfg.RefillPerSecond,
	}
}

// Acquire debits n tokens, waiting up to maxWait for the bucket to refill.
// It returns false when maxWait elapses, ctx is done, or n exceeds the
// bucket size.
func (l *RateLimiter) Acquire(ctx context.Context, n int, maxWait time.Duration) bool {
	if n <= 0 {
		n = 1
	}
	if maxWait <= 0 {
		maxWait = l.maxWait
	}

	start := l.clock.Now()
	throttled := false

	for {
		now := l.clock.Now()
		elapsed := now.Sub(start)

		wait, ok := l.tryTake(now, n)
		if ok {
			l.record(true, throttled, elapsed)
			return true
		}
		throttled = true

		if wait < 0 || elapsed >= maxWait {
			l.record(false, throttled, elapsed)
			return false
		}

		// Escalate linearly as the deadline approaches, capped at 2x.
		factor := math.Min(1+float64(elapsed)/float64(maxWait), 2)
		wait = time.Duration(float64(wait) * factor)
		if wait < minLimiterWait {
			wait = minLimiterWait
		}
		if remaining := maxWait - elapsed; wait > remaining {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			l.record(false, throttled, l.clock.Now().Sub(start))
			return false
		case <-l.clock.After(wait):
		}
	}
}

// tryTake debits n tokens at now, or returns how long the shortfall takes
// to refill. A negative wait means n can never be satisfied.
func (l *RateLimiter) tryTake(now time.Time, n int) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n > l.maxTokens {
		return -1, false
	}
	if l.limiter.AllowN(now, n) {
		return 0, true
	}
	shortfall := float64(n) - l.limiter.TokensAt(now)
	return time.Duration(shortfall / l.refill * float64(time.Second)), false
}

func (l *RateLimiter) record(granted, throttled bool, waited time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stats.total++
	if granted {
		l.stats.successful++
	}
	if throttled {
		l.stats.throttled++
	}
	l.stats.totalWait += waited
}

// ExecuteRequest queues fn behind earlier requests and runs it once a token
// is available. Requests run one at a time in submission order.
func (l *RateLimiter) ExecuteRequest(ctx context.Context, fn func(context.Context) error) error {
	req := &limiterRequest{ctx: ctx, fn: fn, done: make(chan error, 1)}

	l.qmu.Lock()
	if l.closed {
		l.qmu.Unlock()
		return ErrLimiterClosed
	}
	l.queue = append(l.queue, req)
	if !l.running {
		l.running = true
		go l.drain()
	}
	l.qmu.Unlock()

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain is the single worker behind ExecuteRequest. It exits when the
// queue is empty and is restarted by the next submission.
func (l *RateLimiter) drain() {
	for {
		l.qmu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			l.qmu.Unlock()
			return
		}
		req := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.qmu.Unlock()

		if err := req.ctx.Err(); err != nil {
			req.done <- err
			continue
		}
		if !l.Acquire(req.ctx, 1, l.maxWait) {
			if err := req.ctx.Err(); err != nil {
				req.done <- err
				continue
			}
			req.done <- NewRateLimitError("rate limiter wait exceeded", 0, ErrRateLimited)
			continue
		}
		req.done <- req.fn(req.ctx)
	}
}

// Close rejects queued and future ExecuteRequest calls with
// ErrLimiterClosed. A request already running is not interrupted; Acquire
// keeps working.
func (l *RateLimiter) Close() {
	l.qmu.Lock()
	pending := l.queue
	l.queue = nil
	l.closed = true
	l.qmu.Unlock()

	for _, req := range pending {
		req.done <- ErrLimiterClosed
	}
}

// ErrLimiterClosed is returned by ExecuteRequest after Close.
var ErrLimiterClosed = errors.New("rate limiter closed")

// ErrRateLimited is the cause of a RateLimitError produced by the local bucket.
var ErrRateLimited = errors.New("local rate limit exhausted")

// LimiterUsage is a snapshot of the bucket.
type LimiterUsage struct {
	Available   float64 `json:"available"`
	Max         int     `json:"max"`
	PercentUsed float64 `json:"percentUsed"`
	QueueLength int     `json:"queueLength"`
}

// Usage reports available tokens and queued requests.
func (l *RateLimiter) Usage() LimiterUsage {
	l.mu.Lock()
	available := math.Min(l.limiter.TokensAt(l.clock.Now()), float64(l.maxTokens))
	max := l.maxTokens
	l.mu.Unlock()

	l.qmu.Lock()
	queued := len(l.queue)
	l.qmu.Unlock()

	return LimiterUsage{
		Available:   available,
		Max:         max,
		PercentUsed: (float64(max) - available) / float64(max) * 100,
		QueueLength: queued,
	}
}

// LimiterStats are cumulative counters since construction or Reset.
type LimiterStats struct {
	TotalRequests      int64   `json:"totalRequests"`
	SuccessfulRequests int64   `json:"successfulRequests"`
	ThrottledRequests  int64   `json:"throttledRequests"`
	AverageWaitMs      float64 `json:"averageWaitMs"`
	ThrottleRate       float64 `json:"throttleRate"`
}

// Stats reports cumulative acquire counters. ThrottleRate is
// throttled/total and AverageWaitMs is total wait divided by total requests.
func (l *RateLimiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := LimiterStats{
		TotalRequests:      l.stats.total,
		SuccessfulRequests: l.stats.successful,
		ThrottledRequests:  l.stats.throttled,
	}
	if s.TotalRequests > 0 {
		s.AverageWaitMs = float64(l.stats.totalWait.Milliseconds()) / float64(s.TotalRequests)
		s.ThrottleRate = float64(s.ThrottledRequests) / float64(s.TotalRequests)
	}
	return s
}

// Reset refills the bucket and zeroes the counters.
func (l *RateLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limiter = rate.NewLimiter(rate.Limit(l.refill), l.maxTokens)
	l.stats = limiterCounters{}
}

// UpdateConfig changes the bucket size and refill rate. The current token
// balance is kept, clamped to the new maximum.
func (l *RateLimiter) UpdateConfig(maxTokens int, refillPerSecond float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if maxTokens > 0 {
		l.limiter.SetBurstAt(now, maxTokens)
		l.maxTokens = maxTokens
	}
	if refillPerSecond > 0 {
		l.limiter.SetLimitAt(now, rate.Limit(refillPerSecond))
		l.refill = refillPerSecond
	}
}
