package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tdeslauriers/muse/internal/util"
)

// ErrNotAcquired is returned to a waiter that was woken without a permit,
// either because the queue was cleared or its context ended.  Callers
// receiving it must not call Release.
var ErrNotAcquired = errors.New("rate limiter permit not acquired")

// Config holds the tunables for the limiter.
type Config struct {
	MaxTokens     float64 // bucket capacity
	RefillRate    float64 // tokens per second
	MaxConcurrent int     // concurrent in-flight request cap
}

// Validate validates the Config -> input validation.
func (c Config) Validate() error {

	if c.MaxTokens < 1 {
		return fmt.Errorf("max tokens must be at least 1")
	}

	if c.RefillRate <= 0 {
		return fmt.Errorf("refill rate must be greater than zero")
	}

	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent must be at least 1")
	}

	return nil
}

// Status is a point-in-time snapshot of the limiter's internal state.
type Status struct {
	CurrentTokens  float64 `json:"current_tokens"`
	MaxTokens      float64 `json:"max_tokens"`
	RefillRate     float64 `json:"refill_rate"`
	ActiveRequests int     `json:"active_requests"`
	MaxConcurrent  int     `json:"max_concurrent"`
	QueueLength    int     `json:"queue_length"`
}

// RateLimiter is the interface for the process-wide token bucket shared by all
// batches.  A successful Acquire reserves one token and one concurrency slot;
// the slot is held until Release.
type RateLimiter interface {

	// Acquire suspends until one token and one concurrency slot are available,
	// then reserves both.  It returns ErrNotAcquired if the queue is cleared or
	// the context ends first; callers must not Release in that case.
	Acquire(ctx context.Context) error

	// Release returns one concurrency slot and drains the wait queue.
	Release()

	// Execute acquires, runs fn, and releases on every exit path.
	Execute(ctx context.Context, fn func() error) error

	// ClearQueue wakes all waiters without granting permits.
	ClearQueue()

	// UpdateConfig applies new limits, clamping current tokens to the new
	// capacity.  Existing waiters are re-evaluated, never starved.
	UpdateConfig(cfg Config) error

	// Status returns a snapshot of the limiter's state after a refill.
	Status() Status

	// Stop halts the background refill tick.  The limiter remains usable; only
	// periodic draining stops.
	Stop()
}

// New creates a rate limiter with the provided config, returning a pointer to
// the concrete implementation.  The refill tick runs until Stop is called.
func New(cfg Config) (RateLimiter, error) {

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limiter config: %v", err)
	}

	l := &limiter{
		maxTokens:     cfg.MaxTokens,
		refillRate:    cfg.RefillRate,
		maxConcurrent: cfg.MaxConcurrent,
		tokens:        cfg.MaxTokens,
		lastRefill:    time.Now(),
		done:          make(chan struct{}),

		logger: slog.Default().
			With(slog.String(util.ServiceKey, util.ServiceCurator)).
			With(slog.String(util.PackageKey, util.PackageRatelimit)).
			With(slog.String(util.ComponentKey, util.ComponentRateLimiter)),
	}

	// refill tick: drains waiters that became eligible through refill alone,
	// ie, when no Release call arrives to trigger the drain.
	go l.tick()

	return l, nil
}

var _ RateLimiter = (*limiter)(nil)

// waiter is one queued Acquire call.  The channel is buffered so the drainer
// never blocks handing off a permit.
type waiter struct {
	ready chan error
}

// limiter is the concrete implementation of the RateLimiter interface.  All
// mutable state is guarded by mu.
type limiter struct {
	mu sync.Mutex

	maxTokens     float64
	refillRate    float64
	maxConcurrent int

	tokens     float64
	lastRefill time.Time
	active     int
	queue      []*waiter

	done     chan struct{}
	stopOnce sync.Once

	logger *slog.Logger
}

// Acquire is the concrete implementation of the interface method which
// suspends until one token and one concurrency slot are available.
func (l *limiter) Acquire(ctx context.Context) error {

	l.mu.Lock()
	l.refill()

	// fast path: eligible now and nobody queued ahead
	if len(l.queue) == 0 && l.tokens >= 1 && l.active < l.maxConcurrent {
		l.tokens--
		l.active++
		l.mu.Unlock()
		return nil
	}

	// slow path: join the FIFO queue
	w := &waiter{ready: make(chan error, 1)}
	l.queue = append(l.queue, w)
	l.mu.Unlock()

	select {
	case err := <-w.ready:
		return err
	case <-ctx.Done():
		// remove self from the queue if still present; a concurrent drain may
		// have already granted the permit, in which case it must be returned.
		l.mu.Lock()
		for i, queued := range l.queue {
			if queued == w {
				l.queue = append(l.queue[:i], l.queue[i+1:]...)
				l.mu.Unlock()
				return ErrNotAcquired
			}
		}
		l.mu.Unlock()

		// permit was granted before the deadline fired: hand it back
		if err := <-w.ready; err == nil {
			l.Release()
		}
		return ErrNotAcquired
	}
}

// Release is the concrete implementation of the interface method which returns
// one concurrency slot and triggers a wait-queue drain.
func (l *limiter) Release() {

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active > 0 {
		l.active--
	}

	l.drain()
}

// Execute is the concrete implementation of the interface method which
// acquires, runs fn, and releases on every exit path.
func (l *limiter) Execute(ctx context.Context, fn func() error) error {

	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()

	return fn()
}

// ClearQueue is the concrete implementation of the interface method which
// wakes all waiters with a cancellation signal.  No permits are granted.
func (l *limiter) ClearQueue() {

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 {
		return
	}

	l.logger.Info(fmt.Sprintf("clearing rate limiter wait queue of %d waiter(s)", len(l.queue)))

	for _, w := range l.queue {
		w.ready <- ErrNotAcquired
	}
	l.queue = nil
}

// UpdateConfig is the concrete implementation of the interface method which
// applies new limits without starving existing waiters.
func (l *limiter) UpdateConfig(cfg Config) error {

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid rate limiter config: %v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()

	l.maxTokens = cfg.MaxTokens
	l.refillRate = cfg.RefillRate
	l.maxConcurrent = cfg.MaxConcurrent

	// clamp current tokens to the new capacity
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}

	l.logger.Info(fmt.Sprintf("rate limiter config updated: max tokens %.0f, refill %.2f/s, max concurrent %d",
		l.maxTokens, l.refillRate, l.maxConcurrent))

	// new limits may make queued waiters eligible immediately
	l.drain()

	return nil
}

// Status is the concrete implementation of the interface method which returns
// a snapshot of the limiter's state after a refill.
func (l *limiter) Status() Status {

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()

	return Status{
		CurrentTokens:  l.tokens,
		MaxTokens:      l.maxTokens,
		RefillRate:     l.refillRate,
		ActiveRequests: l.active,
		MaxConcurrent:  l.maxConcurrent,
		QueueLength:    len(l.queue),
	}
}

// Stop is the concrete implementation of the interface method which halts the
// background refill tick.
func (l *limiter) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// refill adds elapsed-time tokens and clamps to capacity.  Callers must hold mu.
func (l *limiter) refill() {

	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	l.tokens += elapsed * l.refillRate
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}
	l.lastRefill = now
}

// drain grants permits to queued waiters in FIFO order while tokens and
// concurrency slots remain.  Callers must hold mu.
func (l *limiter) drain() {

	l.refill()

	for len(l.queue) > 0 && l.tokens >= 1 && l.active < l.maxConcurrent {
		w := l.queue[0]
		l.queue = l.queue[1:]

		l.tokens--
		l.active++
		w.ready <- nil
	}
}

// tick drains the queue once per second so waiters blocked purely on refill
// make progress without a Release.
func (l *limiter) tick() {

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			l.drain()
			l.mu.Unlock()
		case <-l.done:
			return
		}
	}
}
