package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/madvault/madserve/internal/bridge"
	"github.com/madvault/madserve/internal/config"
	"github.com/madvault/madserve/internal/instance/process"
	"github.com/madvault/madserve/internal/logging"
	"github.com/madvault/madserve/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the worker and serve the HTTP API",
	Long: `Start the Python analysis worker, wait for its ready handshake, then
serve the HTTP API until interrupted.

The server does not listen until the worker is ready. On SIGINT or SIGTERM
the HTTP server drains in-flight requests first, then the worker is stopped.
Changes to the config file are applied to the CORS allow-list and the
concurrency limit without a restart.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "listen address, e.g. :8000")
	serveCmd.Flags().String("script", "", "path to the worker script")
	serveCmd.Flags().String("interpreter", "", "Python interpreter for the worker")
}

// serveFlagKeys maps serve flags to the config keys they override.
var serveFlagKeys = map[string]string{
	"addr":        "server.addr",
	"script":      "worker.script_path",
	"interpreter": "worker.interpreter",
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := bindFlags(cmd.Flags(), serveFlagKeys); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	br, err := startBridge(ctx, cfg, logger)
	if err != nil {
		logger.Error("worker failed to start", "error", err)
		return err
	}
	defer stopBridge(br, logger)

	srv, err := server.New(br, cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	config.Watch(srv.Reload, func(err error) {
		logger.Warn("config reload rejected", "error", err)
	})

	return serveUntilDone(ctx, srv, cmd.OutOrStdout(), br.PID(), cfg.Server.ShutdownTimeout(), logger)
}

// httpServer is the part of *server.Server serveUntilDone drives.
type httpServer interface {
	Listen() (net.Listener, error)
	Serve(ln net.Listener) error
	Shutdown(ctx context.Context) error
}

// serveUntilDone binds the listener, announces it on out, and serves until
// ctx is done. Shutdown waits up to timeout for in-flight requests.
func serveUntilDone(ctx context.Context, srv httpServer, out io.Writer, pid int, timeout time.Duration, logger *logging.Logger) error {
	ln, err := srv.Listen()
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	fmt.Fprintf(out, "madserve listening on %s (worker pid %d)\n", ln.Addr(), pid)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", timeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	return <-errCh
}

// workerProcessConfig translates the worker section into a process config.
func workerProcessConfig(cfg config.WorkerConfig) process.Config {
	return process.Config{
		BaseDir:     cfg.BaseDir,
		Script:      cfg.ScriptPath,
		Interpreter: cfg.Interpreter,
		ModelDir:    cfg.ModelDir,
		Env:         cfg.Env,
		WorkDir:     cfg.BaseDir,
	}
}

// bridgeOptions translates the worker section into bridge options.
func bridgeOptions(cfg config.WorkerConfig, logger *logging.Logger) []bridge.Option {
	return []bridge.Option{
		bridge.WithLogger(logger),
		bridge.WithHandshakeTimeout(cfg.HandshakeTimeout()),
		bridge.WithRequestTimeout(cfg.RequestTimeout()),
		bridge.WithStopGrace(cfg.StopGrace()),
		bridge.WithMaxLineBytes(cfg.MaxLineBytes),
	}
}

// startBridge spawns the worker and blocks until its handshake completes.
func startBridge(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*bridge.Bridge, error) {
	sup := process.NewSupervisor(workerProcessConfig(cfg.Worker), process.WithLogger(logger))
	br := bridge.New(sup, bridgeOptions(cfg.Worker, logger)...)

	logger.Info("starting analysis worker",
		"interpreter", sup.Interpreter(),
		"script", sup.Config().ScriptPath(),
	)
	if err := br.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start analysis worker: %w", err)
	}
	logger.Info("analysis worker ready", "pid", br.PID(), "forensics", br.HasForensics())
	return br, nil
}

func stopBridge(br *bridge.Bridge, logger *logging.Logger) {
	if err := br.Stop(); err != nil && !errors.Is(err, process.ErrAlreadyStopped) {
		logger.Warn("failed to stop analysis worker", "error", err)
	}
}
