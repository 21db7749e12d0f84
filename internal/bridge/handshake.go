package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/madvault/madserve/internal/errors"
	"github.com/madvault/madserve/internal/instance/process"
	"github.com/madvault/madserve/internal/protocol"
)

// ErrAlreadyStarted is returned when Start is called more than once.
var ErrAlreadyStarted = errors.New("bridge already started")

// Start spawns the worker and blocks until it announces readiness, the
// handshake times out, the worker exits, or ctx is done. Start may be
// called once; the bridge never respawns a worker.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateIdle {
		st := b.state
		b.mu.Unlock()
		return fmt.Errorf("%w (state: %s)", ErrAlreadyStarted, st)
	}
	b.state = StateSpawning
	b.mu.Unlock()

	h, err := b.spawner.Spawn(ctx)
	if err != nil {
		b.mu.Lock()
		if b.state == StateSpawning {
			b.state = StateFailed
		}
		b.mu.Unlock()
		b.logger.Error("worker spawn failed", "error", err)
		return err
	}

	outcome := make(chan error, 1)

	b.mu.Lock()
	if b.state == StateStopped {
		// Stop raced with Spawn.
		b.mu.Unlock()
		_ = h.Stop(b.cfg.stopGrace)
		return fmt.Errorf("%w: stopped during startup", apperrors.ErrWorkerStopped)
	}
	b.handle = h
	b.handshake = outcome
	b.state = StateAwaitingReady
	b.mu.Unlock()

	log := b.logger.WithWorker(h.PID())
	log.Info("worker spawned, awaiting handshake", "timeout", b.cfg.handshakeTimeout)

	go b.readLoop(h)
	h.OnExit(b.handleExit)

	timer := time.NewTimer(b.cfg.handshakeTimeout)
	defer timer.Stop()

	select {
	case err := <-outcome:
		if err != nil {
			b.fail(h)
			log.Error("worker handshake failed", "error", err)
			return err
		}
		log.Info("worker ready", "forensics", b.HasForensics())
		return nil

	case <-timer.C:
		err := apperrors.NewWorkerError(
			fmt.Sprintf("no ready message within %s", b.cfg.handshakeTimeout),
			apperrors.ErrHandshakeTimeout,
		).WithPID(h.PID())
		b.fail(h)
		log.Error("worker handshake timed out", "timeout", b.cfg.handshakeTimeout)
		return err

	case <-ctx.Done():
		b.fail(h)
		return fmt.Errorf("%w: waiting for worker handshake: %w", apperrors.ErrCanceled, ctx.Err())
	}
}

// fail marks a failed handshake and stops the worker. A concurrent Stop
// keeps its Stopped state.
func (b *Bridge) fail(h process.Handle) {
	b.mu.Lock()
	if b.state != StateStopped {
		b.state = StateFailed
	}
	b.forensics = false
	b.handshake = nil
	b.mu.Unlock()

	_ = h.Stop(b.cfg.stopGrace)
}

// handleHandshake processes a message received while awaiting readiness.
// Called with b.mu held. It reports whether the message settled the
// handshake.
func (b *Bridge) handleHandshake(env protocol.Envelope) bool {
	switch {
	case env.IsReady():
		b.state = StateReady
		b.forensics = env.Forensics
		b.signalHandshake(nil)
		return true

	case env.IsStartupError():
		msg := env.Message
		if msg == "" {
			msg = "worker reported a startup error"
		}
		b.state = StateFailed
		b.signalHandshake(apperrors.NewWorkerError(msg, apperrors.ErrHandshakeRejected))
		return true
	}

	b.logger.Debug("ignoring message before handshake", "line", truncate(string(env.Raw), maxLoggedLine))
	return false
}

// signalHandshake delivers the handshake outcome once. Called with b.mu held.
func (b *Bridge) signalHandshake(err error) {
	if b.handshake == nil {
		return
	}
	b.handshake <- err
	b.handshake = nil
}
