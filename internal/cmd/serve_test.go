package cmd

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/madvault/madserve/internal/bridge"
	"github.com/madvault/madserve/internal/config"
	apperrors "github.com/madvault/madserve/internal/errors"
	"github.com/madvault/madserve/internal/logging"
	"github.com/madvault/madserve/internal/server"
	"github.com/spf13/afero"
)

// shellWorker writes a worker script that completes the handshake and then
// idles until stdin closes.
func shellWorker(t *testing.T) *config.Config {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	dir := t.TempDir()
	script := "printf '%s\\n' '{\"status\":\"ready\",\"forensics\":true}'\ncat >/dev/null\n"
	if err := os.WriteFile(filepath.Join(dir, "worker.sh"), []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Worker.BaseDir = dir
	cfg.Worker.ScriptPath = "worker.sh"
	cfg.Worker.Interpreter = "/bin/sh"
	cfg.Worker.HandshakeTimeoutSeconds = 10
	cfg.Worker.StopGraceSeconds = 2
	return cfg
}

func TestStartBridge(t *testing.T) {
	cfg := shellWorker(t)

	br, err := startBridge(context.Background(), cfg, logging.NopLogger())
	if err != nil {
		t.Fatalf("startBridge() error = %v", err)
	}
	if !br.IsReady() || !br.HasForensics() {
		t.Errorf("ready = %v, forensics = %v, want both", br.IsReady(), br.HasForensics())
	}
	if br.PID() <= 0 {
		t.Errorf("PID() = %d", br.PID())
	}

	stopBridge(br, logging.NopLogger())
	if br.State() != bridge.StateStopped {
		t.Errorf("State() = %s after stop, want stopped", br.State())
	}
	// A second stop is quiet.
	stopBridge(br, logging.NopLogger())
}

func TestStartBridge_MissingScript(t *testing.T) {
	cfg := shellWorker(t)
	cfg.Worker.ScriptPath = "missing.py"

	_, err := startBridge(context.Background(), cfg, logging.NopLogger())
	if !errors.Is(err, apperrors.ErrScriptNotFound) {
		t.Errorf("startBridge() error = %v, want ErrScriptNotFound", err)
	}
}

// readyAnalyzer is a worker that is always ready and never called.
type readyAnalyzer struct{}

func (readyAnalyzer) Analyze(context.Context, string) (*bridge.Result, error) {
	return nil, errors.New("unexpected analyze")
}
func (readyAnalyzer) IsReady() bool      { return true }
func (readyAnalyzer) HasForensics() bool { return false }
func (readyAnalyzer) Pending() int       { return 0 }

func newServeTestServer(t *testing.T, addr string) *server.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Addr = addr
	cfg.Upload.Dir = "/srv/uploads"
	srv, err := server.New(readyAnalyzer{}, cfg, server.WithFs(afero.NewMemMapFs()))
	if err != nil {
		t.Fatal(err)
	}
	return srv
}

func TestServeUntilDone(t *testing.T) {
	srv := newServeTestServer(t, "127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	out := &lockedBuffer{}

	errCh := make(chan error, 1)
	go func() {
		errCh <- serveUntilDone(ctx, srv, out, 42, 5*time.Second, logging.NopLogger())
	}()

	var addr string
	deadline := time.Now().Add(5 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		if line := out.String(); strings.Contains(line, " (worker pid 42)") {
			addr = strings.Fields(line)[3]
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		cancel()
		t.Fatalf("no listening line, output = %q", out.String())
	}

	resp, err := http.Get("http://" + addr + "/api/health")
	if err != nil {
		cancel()
		t.Fatalf("GET /api/health: %v", err)
	}
	_ = resp.Body.Close()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("serveUntilDone() = %v after cancel, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serveUntilDone did not return after cancel")
	}
}

func TestServeUntilDone_AddressInUse(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = taken.Close() }()

	srv := newServeTestServer(t, taken.Addr().String())
	var out bytes.Buffer
	err = serveUntilDone(context.Background(), srv, &out, 42, time.Second, logging.NopLogger())
	if err == nil {
		t.Fatal("serveUntilDone() on a bound address should fail")
	}
	if out.Len() != 0 {
		t.Errorf("printed %q before the listener was bound", out.String())
	}
}
