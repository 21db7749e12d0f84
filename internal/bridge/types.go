package bridge

import (
	"context"
	"encoding/json"

	"github.com/madvault/madserve/internal/instance/process"
)

// Spawner starts the worker process. *process.Supervisor implements it.
type Spawner interface {
	Spawn(ctx context.Context) (process.Handle, error)
}

// State is the bridge's readiness state.
type State int

const (
	// StateIdle means Start has not been called.
	StateIdle State = iota
	// StateSpawning means the worker process is being started.
	StateSpawning
	// StateAwaitingReady means the worker is running and the handshake
	// deadline is counting down.
	StateAwaitingReady
	// StateReady means requests are accepted.
	StateReady
	// StateFailed means the handshake failed. The bridge is unusable.
	StateFailed
	// StateExited means the worker exited after becoming ready.
	StateExited
	// StateStopped means Stop was called.
	StateStopped
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpawning:
		return "spawning"
	case StateAwaitingReady:
		return "awaiting_ready"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateExited:
		return "exited"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Result is a successful worker response.
type Result struct {
	// ID is the correlation id the request was sent with.
	ID string
	// Fields is the decoded response object, envelope fields included.
	Fields map[string]any
	// Raw is the response line exactly as the worker wrote it.
	Raw json.RawMessage
}
