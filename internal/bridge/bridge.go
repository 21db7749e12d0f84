package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	apperrors "github.com/madvault/madserve/internal/errors"
	"github.com/madvault/madserve/internal/instance/process"
	"github.com/madvault/madserve/internal/logging"
	"github.com/madvault/madserve/internal/protocol"
)

const (
	readChunkSize = 32 * 1024
	maxLoggedLine = 200
	// maxIDAttempts bounds correlation id redraws on collision.
	maxIDAttempts = 8
	// exitDrainTimeout bounds how long the exit sweep waits for the reader
	// to dispatch lines the worker wrote before it exited.
	exitDrainTimeout = 250 * time.Millisecond
)

// Bridge owns one worker process and multiplexes analysis requests over
// its stdin and stdout.
type Bridge struct {
	spawner Spawner
	cfg     *config
	logger  *logging.Logger

	// writeMu serializes whole request lines on stdin.
	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	forensics  bool
	handle     process.Handle
	pending    *pendingTable
	issued     map[string]struct{}
	handshake  chan error
	readerDone chan struct{}
}

// New creates a Bridge that will start its worker with spawner.
// It panics if spawner is nil.
func New(spawner Spawner, opts ...Option) *Bridge {
	if spawner == nil {
		panic("bridge.New: spawner must not be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.normalize()

	b := &Bridge{
		spawner:    spawner,
		cfg:        cfg,
		logger:     cfg.logger.WithComponent("bridge"),
		state:      StateIdle,
		pending:    newPendingTable(),
		readerDone: make(chan struct{}),
	}
	if cfg.trackIDs {
		b.issued = make(map[string]struct{})
	}
	return b
}

// Submit sends an analysis request for inputPath and returns its Future.
// It fails immediately with ErrNotReady unless the worker has completed
// its handshake and is still running. Failures after that point, write
// errors included, are delivered through the Future.
func (b *Bridge) Submit(inputPath string) (*Future, error) {
	b.mu.Lock()
	if b.state != StateReady {
		st := b.state
		b.mu.Unlock()
		return nil, fmt.Errorf("%w (state: %s)", apperrors.ErrNotReady, st)
	}

	id, err := b.nextID()
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}

	now := time.Now()
	entry := &pendingEntry{
		future:   newFuture(id, now),
		deadline: now.Add(b.cfg.requestTimeout),
	}
	entry.timer = time.AfterFunc(b.cfg.requestTimeout, func() { b.expire(id) })
	b.pending.insert(id, entry)
	h := b.handle
	b.mu.Unlock()

	log := b.logger.WithRequest(id)

	line, err := protocol.EncodeRequest(id, inputPath)
	if err == nil {
		b.writeMu.Lock()
		_, err = h.Stdin().Write(line)
		b.writeMu.Unlock()
	}
	if err != nil {
		if e := b.take(id); e != nil {
			e.settle(nil, apperrors.NewWorkerError("write request", fmt.Errorf("%w: %w", apperrors.ErrWorkerCrashed, err)).WithPID(h.PID()))
		}
		log.Warn("request write failed", "error", err)
		return entry.future, nil
	}

	log.Debug("request sent", "input", inputPath)
	return entry.future, nil
}

// Analyze submits inputPath and waits for the outcome. Canceling ctx
// abandons the wait; the request itself still settles on its own.
func (b *Bridge) Analyze(ctx context.Context, inputPath string) (*Result, error) {
	f, err := b.Submit(inputPath)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// nextID draws a correlation id not currently pending and, for a custom
// generator, never issued before. Called with b.mu held.
func (b *Bridge) nextID() (string, error) {
	for range maxIDAttempts {
		id := b.cfg.newID()
		if id == "" || b.pending.has(id) {
			continue
		}
		if b.issued != nil {
			if _, seen := b.issued[id]; seen {
				continue
			}
			b.issued[id] = struct{}{}
		}
		return id, nil
	}
	return "", errors.New("bridge: could not generate a unique request id")
}

func (b *Bridge) take(id string) *pendingEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.take(id)
}

// expire fails a request whose timeout elapsed. A response arriving later
// finds no entry and is dropped.
func (b *Bridge) expire(id string) {
	e := b.take(id)
	if e == nil {
		return
	}
	b.logger.WithRequest(id).Warn("request timed out", "timeout", b.cfg.requestTimeout)
	e.settle(nil, apperrors.NewTimeoutError("analysis request "+id, b.cfg.requestTimeout))
}

// readLoop frames the worker's stdout and dispatches every record until
// the stream ends.
func (b *Bridge) readLoop(h process.Handle) {
	defer close(b.readerDone)

	framer := protocol.NewFramer(b.cfg.maxLineBytes)
	buf := make([]byte, readChunkSize)
	overflows := 0
	stdout := h.Stdout()

	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, rec := range framer.Feed(buf[:n]) {
				b.dispatch(rec)
			}
			if o := framer.Overflows(); o > overflows {
				b.logger.Warn("dropped oversized worker line", "max_bytes", b.cfg.maxLineBytes, "total_dropped", o)
				overflows = o
			}
		}
		if err != nil {
			if rec, ok := framer.Flush(); ok {
				b.dispatch(rec)
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				b.logger.Debug("worker stdout closed", "error", err)
			}
			return
		}
	}
}

// dispatch routes one record to the handshake or to its pending request.
func (b *Bridge) dispatch(rec string) {
	env, err := protocol.Decode(rec)
	if err != nil {
		b.logger.Warn("unparseable worker line", "error", err, "line", truncate(rec, maxLoggedLine))
		return
	}

	b.mu.Lock()
	if b.state == StateAwaitingReady {
		b.handleHandshake(env)
		b.mu.Unlock()
		return
	}
	if !env.IsResponse() {
		b.mu.Unlock()
		b.logger.Debug("ignoring worker message without id", "line", truncate(rec, maxLoggedLine))
		return
	}
	e := b.pending.take(env.ID)
	b.mu.Unlock()

	log := b.logger.WithRequest(env.ID)
	if e == nil {
		log.Debug("ignoring response for unknown or settled request")
		return
	}

	if env.Error != "" {
		log.Info("worker reported request failure", "error", env.Error)
		e.settle(nil, apperrors.NewRequestError(env.ID, env.Error))
		return
	}
	log.Debug("response received", "elapsed", time.Since(e.future.Submitted()))
	e.settle(&Result{ID: env.ID, Fields: env.Fields, Raw: env.Raw}, nil)
}

// handleExit is the worker's exit observer. It fails every outstanding
// request and, if the handshake is still open, the handshake too.
func (b *Bridge) handleExit(st process.ExitStatus) {
	select {
	case <-b.readerDone:
	case <-time.After(exitDrainTimeout):
	}

	b.mu.Lock()
	stopping := b.state == StateStopped
	if b.state != StateStopped && b.state != StateFailed {
		b.state = StateExited
	}
	b.forensics = false
	drained := b.pending.drain()
	hs := b.handshake
	b.handshake = nil
	pid := 0
	if b.handle != nil {
		pid = b.handle.PID()
	}
	b.mu.Unlock()

	cause := apperrors.ErrWorkerCrashed
	msg := "worker exited"
	if stopping {
		cause = apperrors.ErrWorkerStopped
		msg = "worker stopped"
	}
	newErr := func() error {
		return apperrors.NewWorkerError(msg, cause).WithPID(pid).WithExit(st.Code, st.Signal)
	}

	log := b.logger.WithWorker(pid)
	if stopping {
		log.Info("worker exited", "code", st.Code, "signal", st.Signal, "failed_requests", len(drained))
	} else {
		log.Error("worker exited unexpectedly", "code", st.Code, "signal", st.Signal, "failed_requests", len(drained))
	}

	for _, e := range drained {
		e.settle(nil, newErr())
	}
	if hs != nil {
		hs <- newErr()
	}
}

// Stop shuts the worker down: stdin is closed, the worker gets the grace
// period to exit, then it is killed. Outstanding requests fail with
// ErrWorkerStopped. Stop is idempotent.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	switch b.state {
	case StateIdle:
		b.state = StateStopped
		b.mu.Unlock()
		return nil
	case StateStopped:
		b.mu.Unlock()
		return nil
	}
	b.state = StateStopped
	b.forensics = false
	h := b.handle
	b.mu.Unlock()

	if h == nil {
		// Still spawning; Start stops the process when Spawn returns.
		return nil
	}

	b.logger.WithWorker(h.PID()).Info("stopping worker", "grace", b.cfg.stopGrace)
	if err := h.Stop(b.cfg.stopGrace); err != nil && !errors.Is(err, process.ErrAlreadyStopped) {
		return fmt.Errorf("stop worker: %w", err)
	}
	return nil
}

// IsReady reports whether requests are currently accepted.
func (b *Bridge) IsReady() bool {
	return b.State() == StateReady
}

// HasForensics reports the capability the worker announced at handshake.
// It is false whenever the bridge is not ready.
func (b *Bridge) HasForensics() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateReady && b.forensics
}

// State returns the current bridge state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Pending returns the number of outstanding requests.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.len()
}

// PID returns the worker's process id, or 0 before it is spawned.
func (b *Bridge) PID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handle == nil {
		return 0
	}
	return b.handle.PID()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
