package analysis

// limiter.go implements concurrency control for analysis runs.
//
// The limiter uses a semaphore pattern to restrict parallel analyses to a
// configurable maximum. When all slots are occupied, new requests wait up
// to maxWait before failing with ErrTooManyAnalyses. WaitForDrain blocks
// until in-flight analyses finish, for graceful shutdown.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTooManyAnalyses is returned when all analysis slots are occupied and
// the wait timeout expires. Clients should retry after a short delay.
var ErrTooManyAnalyses = errors.New("too many concurrent analyses, please try again later")

// DefaultMaxConcurrent is the default limit for parallel analyses.
const DefaultMaxConcurrent = 5

// DefaultMaxWait is how long to wait for a slot before rejecting.
const DefaultMaxWait = 30 * time.Second

// Limiter controls concurrent analysis runs.
type Limiter struct {
	semaphore chan struct{}
	maxWait   time.Duration

	mu     sync.RWMutex
	active int
}

// NewLimiter creates a limiter allowing at most maxConcurrent simultaneous
// analyses. Requests that cannot acquire a slot within maxWait receive
// ErrTooManyAnalyses.
func NewLimiter(maxConcurrent int, maxWait time.Duration) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Limiter{
		semaphore: make(chan struct{}, maxConcurrent),
		maxWait:   maxWait,
	}
}

// Acquire blocks for a slot. The caller must call Release exactly once
// after a successful Acquire.
func (l *Limiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTooManyAnalyses
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a previously acquired slot.
func (l *Limiter) Release() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()
	<-l.semaphore
}

// ActiveCount returns the number of analyses currently running.
func (l *Limiter) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// WaitForDrain blocks until all active analyses complete or the context
// is cancelled. Used during shutdown.
func (l *Limiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if l.ActiveCount() == 0 {
				return nil
			}
		}
	}
}
