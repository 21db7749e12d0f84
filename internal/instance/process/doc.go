// Package process spawns and supervises the analysis worker process.
//
// The worker is a long-lived interpreter running a script that speaks
// newline-delimited JSON over its standard streams. This package only owns
// the operating-system side of that arrangement: locating an interpreter,
// starting the process with the right environment, forwarding its stderr to
// the logger, observing its exit, and stopping it. The protocol itself lives
// in package protocol and the request bookkeeping in package bridge.
//
// # Main Types
//
//   - [Config]: Script, interpreter, model directory and environment
//   - [Supervisor]: Spawns a worker from a Config
//   - [Handle]: A running worker; [ExecHandle] is the os/exec implementation
//   - [ExitStatus]: How the worker terminated
//
// # Interpreter Resolution
//
// Candidates are tried in order: the configured interpreter, a virtual
// environment next to BaseDir, one inside it, then the bare names python3 and
// python. Path candidates are probed on the configured afero filesystem;
// bare names are left to PATH lookup at spawn time.
//
// # Basic Usage
//
//	sup := process.NewSupervisor(process.Config{
//	    BaseDir: "/srv/app/backend",
//	    Script:  "python-workers/analyze_image.py",
//	}, process.WithLogger(logger))
//
//	h, err := sup.Spawn(ctx)
//	if err != nil {
//	    return err
//	}
//	h.OnExit(func(st process.ExitStatus) {
//	    logger.Warn("worker exited", "code", st.Code)
//	})
//	defer h.Stop(5 * time.Second)
//
// # Thread Safety
//
// [Supervisor] and [ExecHandle] are safe for concurrent use. Writes to
// Handle.Stdin are not serialized; the caller owns that.
package process
