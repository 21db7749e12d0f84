package process

import (
	"errors"
	"io"
	"path/filepath"
	"time"
)

// Common errors returned by Handle implementations.
var (
	// ErrAlreadyStopped is returned by Stop on a handle that was already stopped.
	ErrAlreadyStopped = errors.New("process already stopped")
)

// Environment variables set for every worker process.
const (
	// EnvModelDir tells the worker where its model weights live.
	EnvModelDir = "MAD_MODEL_DIR"
	// EnvUnbuffered disables Python's stdout buffering. Without it the
	// ready line and responses sit in the worker's buffer indefinitely.
	EnvUnbuffered = "PYTHONUNBUFFERED"
)

// Config holds the configuration for spawning the worker process.
type Config struct {
	// BaseDir anchors relative paths and the virtual-environment search.
	// Empty means the current working directory.
	BaseDir string

	// Script is the worker script path, absolute or relative to BaseDir.
	Script string

	// Interpreter, when set, is tried before the default candidates.
	Interpreter string

	// InterpreterArgs are passed to the interpreter before the script path.
	InterpreterArgs []string

	// ModelDir is exported to the worker as MAD_MODEL_DIR.
	// Empty means <BaseDir>/ml/models.
	ModelDir string

	// Env holds extra KEY=VALUE pairs. They override inherited variables.
	Env []string

	// WorkDir is the worker's working directory. Empty inherits ours.
	WorkDir string
}

// Validate checks that the Config has all required fields set.
func (c Config) Validate() error {
	if c.Script == "" {
		return errors.New("Script is required")
	}
	return nil
}

// ScriptPath returns the script path resolved against BaseDir.
func (c Config) ScriptPath() string {
	return c.resolve(c.Script)
}

// ResolvedModelDir returns the model directory exported to the worker.
func (c Config) ResolvedModelDir() string {
	if c.ModelDir == "" {
		return c.resolve(filepath.Join("ml", "models"))
	}
	return c.resolve(c.ModelDir)
}

func (c Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.BaseDir == "" {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}

// ExitStatus describes how a worker process terminated.
type ExitStatus struct {
	// Code is the exit code, or -1 if the process was killed by a signal
	// or its status is unknown.
	Code int
	// Signal is the terminating signal's name, empty if it exited normally.
	Signal string
	// Err is set when waiting on the process failed for reasons other
	// than a non-zero exit.
	Err error
	// At is when the exit was observed.
	At time.Time
}

// Handle is a running worker process.
//
// Stdin and Stdout are the protocol streams. Stderr is consumed by the
// implementation and forwarded to a diagnostic sink; it is never exposed.
//
// The typical lifecycle is:
//
//	h, err := supervisor.Spawn(ctx)
//	if err != nil {
//	    return err
//	}
//	h.OnExit(func(st process.ExitStatus) { ... })
//	go readLoop(h.Stdout())
//	h.Stdin().Write(line)
//	...
//	h.Stop(5 * time.Second)
type Handle interface {
	// PID returns the operating system process id.
	PID() int

	// Stdin is the worker's standard input. Writes are not serialized by
	// the handle; callers writing from several goroutines must do that.
	Stdin() io.Writer

	// Stdout is the worker's standard output. It reports io.EOF once the
	// worker (and anything it spawned sharing the stream) has exited.
	Stdout() io.Reader

	// OnExit registers the exit observer. It is invoked exactly once, from
	// the goroutine that observed the exit, or immediately if the process
	// has already exited. Only one observer is kept; a later registration
	// replaces an earlier one that has not fired yet.
	OnExit(fn func(ExitStatus))

	// Done is closed when the process has exited.
	Done() <-chan struct{}

	// Stop closes stdin, waits up to grace for the worker to exit on its
	// own, then kills it. It returns once the process is gone. Calling Stop
	// again returns ErrAlreadyStopped.
	Stop(grace time.Duration) error
}
