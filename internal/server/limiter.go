package server

import (
	"context"
	"sync"
)

// Limiter bounds the number of analyses in flight. The limit can be changed
// while requests are waiting; a limit of 0 means unlimited.
type Limiter struct {
	mu       sync.Mutex
	cond     *sync.Cond
	limit    int
	inFlight int
	waiting  int
}

// NewLimiter creates a limiter. Negative limits are treated as 0 (unlimited).
func NewLimiter(limit int) *Limiter {
	l := &Limiter{limit: max(limit, 0)}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Acquire blocks until a slot is free or ctx is done, in which case it
// returns ctx.Err() and holds no slot.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limit == 0 {
		l.inFlight++
		return nil
	}

	// Wake the cond wait when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	l.waiting++
	defer func() { l.waiting-- }()

	for l.limit > 0 && l.inFlight >= l.limit {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.inFlight++
	return nil
}

// Release frees a slot. Calling it more often than Acquire is a no-op.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight > 0 {
		l.inFlight--
	}
	l.cond.Signal()
}

// SetLimit changes the limit. Requests already in flight keep their slots
// when the limit shrinks.
func (l *Limiter) SetLimit(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limit = max(n, 0)
	l.cond.Broadcast()
}

// Limit returns the current limit (0 = unlimited).
func (l *Limiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// InFlight returns the number of held slots.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// Waiting returns the number of callers blocked in Acquire.
func (l *Limiter) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiting
}
