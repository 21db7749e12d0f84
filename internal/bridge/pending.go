package bridge

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/madvault/madserve/internal/errors"
)

// Future is the eventual outcome of one submitted request. It completes
// exactly once, with a Result or an error.
type Future struct {
	id        string
	submitted time.Time
	done      chan struct{}
	result    *Result
	err       error
}

func newFuture(id string, now time.Time) *Future {
	return &Future{id: id, submitted: now, done: make(chan struct{})}
}

// ID returns the request's correlation id.
func (f *Future) ID() string {
	return f.id
}

// Submitted returns when the request was registered.
func (f *Future) Submitted() time.Time {
	return f.submitted
}

// Done is closed when the outcome is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the request completes or ctx is done. Abandoning the
// wait does not cancel the request; its own timeout still applies.
func (f *Future) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", apperrors.ErrCanceled, ctx.Err())
	}
}

// complete must be called at most once, by whoever took the entry.
func (f *Future) complete(res *Result, err error) {
	f.result = res
	f.err = err
	close(f.done)
}

// pendingEntry is an outstanding request awaiting its response.
type pendingEntry struct {
	future   *Future
	deadline time.Time
	timer    *time.Timer
}

// settle stops the timer and completes the future.
func (e *pendingEntry) settle(res *Result, err error) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.future.complete(res, err)
}

// pendingTable maps correlation ids to outstanding requests. It is not
// safe for concurrent use; the Bridge guards it with its mutex.
//
// take and drain are the only removal paths, so an entry is handed to
// exactly one settler.
type pendingTable struct {
	entries map[string]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingEntry)}
}

func (t *pendingTable) has(id string) bool {
	_, ok := t.entries[id]
	return ok
}

func (t *pendingTable) insert(id string, e *pendingEntry) {
	t.entries[id] = e
}

func (t *pendingTable) take(id string) *pendingEntry {
	e, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	return e
}

func (t *pendingTable) drain() []*pendingEntry {
	out := make([]*pendingEntry, 0, len(t.entries))
	for id, e := range t.entries {
		out = append(out, e)
		delete(t.entries, id)
	}
	return out
}

func (t *pendingTable) len() int {
	return len(t.entries)
}
