package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	apperrors "github.com/madvault/madserve/internal/errors"
	"github.com/madvault/madserve/internal/logging"
	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"
)

// maxStderrLine bounds a single forwarded stderr line. Python tracebacks
// are multi-line, so individual lines stay short; longer ones are split.
const maxStderrLine = 64 * 1024

// Supervisor spawns worker processes from a Config.
// It is safe for concurrent use.
type Supervisor struct {
	config Config
	fs     afero.Fs
	logger *logging.Logger
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithFs sets the filesystem used to probe the script and interpreter
// candidates. Defaults to the OS filesystem.
func WithFs(fs afero.Fs) SupervisorOption {
	return func(s *Supervisor) {
		s.fs = fs
	}
}

// WithLogger sets the logger that receives lifecycle events and the
// worker's stderr.
func WithLogger(logger *logging.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// NewSupervisor creates a Supervisor for the given config.
func NewSupervisor(config Config, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		config: config,
		fs:     afero.NewOsFs(),
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fs == nil {
		s.fs = afero.NewOsFs()
	}
	if s.logger == nil {
		s.logger = logging.NopLogger()
	}
	return s
}

// Config returns the supervisor's configuration.
func (s *Supervisor) Config() Config {
	return s.config
}

// Interpreter returns the interpreter the next Spawn will use.
func (s *Supervisor) Interpreter() string {
	return ResolveInterpreter(s.fs, s.config.Candidates())
}

// Environ returns the environment for the worker process: ours, plus the
// model directory, unbuffered output, and configured extras, in that order.
func (s *Supervisor) Environ() []string {
	env := os.Environ()
	env = append(env,
		EnvModelDir+"="+s.config.ResolvedModelDir(),
		EnvUnbuffered+"=1",
	)
	return append(env, s.config.Env...)
}

// Spawn starts the worker. The script must exist before any process is
// started; a missing script fails with ErrScriptNotFound. An interpreter that
// cannot be executed fails with ErrWorkerSpawn.
//
// ctx only bounds the spawn itself. The worker outlives it and is ended with
// Handle.Stop.
func (s *Supervisor) Spawn(ctx context.Context) (Handle, error) {
	if err := s.config.Validate(); err != nil {
		return nil, apperrors.NewWorkerError("invalid worker config", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	script := s.config.ScriptPath()
	if info, err := s.fs.Stat(script); err != nil || info.IsDir() {
		return nil, apperrors.NewWorkerError("worker script not found", apperrors.ErrScriptNotFound).
			WithScript(script)
	}

	interpreter := s.Interpreter()
	args := append(append([]string{}, s.config.InterpreterArgs...), script)

	s.logger.Info("spawning worker",
		"interpreter", interpreter,
		"script", script,
		"model_dir", s.config.ResolvedModelDir())

	cmd := exec.Command(interpreter, args...)
	cmd.Env = s.Environ()
	cmd.Dir = s.config.WorkDir

	h, err := startExec(cmd, s.logger)
	if err != nil {
		return nil, apperrors.NewWorkerError("failed to start worker", fmt.Errorf("%w: %w", apperrors.ErrWorkerSpawn, err)).
			WithInterpreter(interpreter).
			WithScript(script)
	}

	s.logger.Info("worker started", "pid", h.PID())
	return h, nil
}

// ExecHandle is a Handle backed by an os/exec command.
//
// Stdout and stderr use our own pipes rather than exec's so that Wait does
// not close them while the bridge is still draining buffered output.
type ExecHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File
	logger *logging.Logger

	wg   conc.WaitGroup
	done chan struct{}

	mu       sync.Mutex
	exited   bool
	status   ExitStatus
	observer func(ExitStatus)

	stopOnce sync.Once
}

// startExec wires pipes to cmd, starts it, and launches the stderr and wait
// goroutines.
func startExec(cmd *exec.Cmd, logger *logging.Logger) (*ExecHandle, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, err
	}

	// The child holds its own copies of the write ends. Closing ours makes
	// the read ends report EOF when the child exits.
	stdoutW.Close()
	stderrW.Close()

	h := &ExecHandle{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		stderr: stderrR,
		logger: logger.With("pid", cmd.Process.Pid),
		done:   make(chan struct{}),
	}
	h.wg.Go(h.drainStderr)
	h.wg.Go(h.waitExit)
	return h, nil
}

// PID returns the worker's process id.
func (h *ExecHandle) PID() int {
	return h.cmd.Process.Pid
}

// Stdin returns the worker's standard input.
func (h *ExecHandle) Stdin() io.Writer {
	return h.stdin
}

// Stdout returns the worker's standard output.
func (h *ExecHandle) Stdout() io.Reader {
	return h.stdout
}

// Done is closed once the process has exited.
func (h *ExecHandle) Done() <-chan struct{} {
	return h.done
}

// ExitStatus returns the exit status and whether the process has exited.
func (h *ExecHandle) ExitStatus() (ExitStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.exited
}

// OnExit registers the exit observer.
func (h *ExecHandle) OnExit(fn func(ExitStatus)) {
	h.mu.Lock()
	if h.exited {
		status := h.status
		h.mu.Unlock()
		fn(status)
		return
	}
	h.observer = fn
	h.mu.Unlock()
}

// Stop ends the worker. Closing stdin lets a well-behaved worker finish its
// read loop and exit; after grace it is killed.
func (h *ExecHandle) Stop(grace time.Duration) error {
	err := ErrAlreadyStopped
	h.stopOnce.Do(func() {
		err = h.stop(grace)
	})
	return err
}

func (h *ExecHandle) stop(grace time.Duration) error {
	_ = h.stdin.Close()

	var killErr error
	select {
	case <-h.done:
	case <-time.After(grace):
		h.logger.Warn("worker did not exit after stdin closed, killing", "grace", grace.String())
		if err := h.cmd.Process.Kill(); err != nil {
			killErr = fmt.Errorf("kill worker: %w", err)
		}
		<-h.done
	}

	h.wg.Wait()
	_ = h.stdout.Close()
	return killErr
}

// drainStderr forwards each stderr line to the logger until EOF.
func (h *ExecHandle) drainStderr() {
	defer h.stderr.Close()

	scanner := bufio.NewScanner(h.stderr)
	scanner.Buffer(make([]byte, 0, 4096), maxStderrLine)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		h.logger.Warn("worker stderr", "line", line)
	}
	if err := scanner.Err(); err != nil {
		h.logger.Debug("worker stderr closed", "error", err.Error())
	}
}

// waitExit reaps the process and notifies the observer.
func (h *ExecHandle) waitExit() {
	waitErr := h.cmd.Wait()

	status := ExitStatus{Code: -1, At: time.Now()}
	if ps := h.cmd.ProcessState; ps != nil {
		status.Code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signal = ws.Signal().String()
		}
	}
	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); !ok {
			status.Err = waitErr
		}
	}

	h.logger.Info("worker exited", "code", status.Code, "signal", status.Signal)

	h.mu.Lock()
	h.exited = true
	h.status = status
	fn := h.observer
	h.observer = nil
	h.mu.Unlock()

	close(h.done)
	if fn != nil {
		fn(status)
	}
}

var _ Handle = (*ExecHandle)(nil)
