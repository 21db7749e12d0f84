// Package internal contains integration tests that run the process
// supervisor, the bridge and the HTTP server together against a real child
// process speaking the worker protocol.
package internal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/madvault/madserve/internal/bridge"
	"github.com/madvault/madserve/internal/config"
	"github.com/madvault/madserve/internal/instance/process"
	"github.com/madvault/madserve/internal/report"
	"github.com/madvault/madserve/internal/server"
)

// TestHelperWorker is not a real test. It is re-executed as the analysis
// worker: it reads the uploaded file and answers based on its contents.
func TestHelperWorker(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_WORKER") != "1" {
		return
	}

	fmt.Println(`{"status":"ready","forensics":true}`)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req struct {
			ID        string `json:"id"`
			ImagePath string `json:"image_path"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			fmt.Fprintln(os.Stderr, "bad request line")
			continue
		}
		data, err := os.ReadFile(req.ImagePath)
		if err != nil {
			fmt.Printf("{\"id\":%q,\"error\":%q}\n", req.ID, "cannot open image")
			continue
		}
		switch content := string(data); {
		case strings.Contains(content, "crash"):
			os.Exit(1)
		case strings.Contains(content, "corrupt"):
			fmt.Printf("{\"id\":%q,\"error\":%q}\n", req.ID, "cannot identify image file")
		default:
			fmt.Printf(`{"id":%q,"prediction":"AI/Fake","confidence":0.87,"real_prob":0.13,"fake_prob":0.87,`+
				`"model_votes":{"efficientnet":"AI/Fake","resnet34":"AI/Fake"},`+
				`"ela":{"mean":4.2,"max":61,"std":3.8,"suspicious":true},`+
				`"metadata":{"has_exif":false,"suspicious":true},`+
				`"noise":{"variance":1.1,"mean_abs":0.93,"suspicious":false},`+
				`"forensic_flags":2,"forensic_verdict":"suspicious","error":null}`+"\n", req.ID)
		}
	}
	os.Exit(0)
}

type stack struct {
	bridge *bridge.Bridge
	http   *httptest.Server
}

// startStack runs this test binary as the worker behind a real bridge and
// an HTTP server.
func startStack(t *testing.T) *stack {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "analyze_image.py"), []byte("# placeholder\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Upload.Dir = filepath.Join(dir, "uploads")
	cfg.Worker.RequestTimeoutSeconds = 10

	sup := process.NewSupervisor(process.Config{
		BaseDir:         dir,
		Script:          "analyze_image.py",
		Interpreter:     os.Args[0],
		InterpreterArgs: []string{"-test.run=TestHelperWorker", "--"},
		Env:             []string{"GO_WANT_HELPER_WORKER=1"},
	})
	br := bridge.New(sup,
		bridge.WithHandshakeTimeout(10*time.Second),
		bridge.WithRequestTimeout(cfg.Worker.RequestTimeout()),
		bridge.WithStopGrace(2*time.Second),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := br.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	srv, err := server.New(br, cfg)
	if err != nil {
		_ = br.Stop()
		t.Fatalf("server.New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = br.Stop()
	})
	return &stack{bridge: br, http: ts}
}

func (s *stack) upload(t *testing.T, content string) (int, []byte) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="image"; filename="photo.png"`)
	hdr.Set("Content-Type", "image/png")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write([]byte(content))
	_ = mw.Close()

	resp, err := http.Post(s.http.URL+"/api/analyze", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST /api/analyze: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes()
}

func (s *stack) health(t *testing.T) server.Health {
	t.Helper()
	resp, err := http.Get(s.http.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var h server.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	return h
}

func errorMessage(t *testing.T, body []byte) string {
	t.Helper()
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("error body %q: %v", body, err)
	}
	return e.Error
}

func TestIntegration_AnalyzeOverHTTP(t *testing.T) {
	s := startStack(t)

	h := s.health(t)
	if !h.MLReady || !h.ForensicsAvailable {
		t.Fatalf("health = %+v, want ready with forensics", h)
	}

	status, body := s.upload(t, "pixels")
	if status != http.StatusOK {
		t.Fatalf("status = %d, body = %s", status, body)
	}
	var rep report.Report
	if err := json.Unmarshal(body, &rep); err != nil {
		t.Fatal(err)
	}
	if rep.Verdict != report.VerdictAIGenerated || rep.Confidence != 87 {
		t.Errorf("verdict = %q %d%%, want AI-Generated 87%%", rep.Verdict, rep.Confidence)
	}
	if rep.Summary.SuspiciousFlags != 2 {
		t.Errorf("suspicious flags = %d, want 2", rep.Summary.SuspiciousFlags)
	}
	if rep.FileInfo.Name != "photo.png" || rep.FileInfo.Size != int64(len("pixels")) {
		t.Errorf("fileInfo = %+v", rep.FileInfo)
	}

	status, body = s.upload(t, "corrupt")
	if status != http.StatusInternalServerError || errorMessage(t, body) != "cannot identify image file" {
		t.Errorf("worker error: status = %d, body = %s", status, body)
	}

	// A worker-reported error leaves the worker usable.
	if status, body := s.upload(t, "pixels again"); status != http.StatusOK {
		t.Errorf("after worker error: status = %d, body = %s", status, body)
	}
	if s.bridge.Pending() != 0 {
		t.Errorf("Pending() = %d after all requests settled", s.bridge.Pending())
	}
}

func TestIntegration_WorkerCrash(t *testing.T) {
	s := startStack(t)

	status, body := s.upload(t, "crash")
	if status != http.StatusServiceUnavailable {
		t.Fatalf("crash: status = %d, body = %s", status, body)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.bridge.IsReady() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h := s.health(t); h.MLReady || h.ForensicsAvailable {
		t.Errorf("health after crash = %+v, want not ready", h)
	}

	status, body = s.upload(t, "pixels")
	if status != http.StatusServiceUnavailable || errorMessage(t, body) != "ML worker is not ready" {
		t.Errorf("after crash: status = %d, body = %s", status, body)
	}
}

func TestIntegration_Stop(t *testing.T) {
	s := startStack(t)

	if err := s.bridge.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if s.bridge.State() != bridge.StateStopped {
		t.Errorf("State() = %s, want stopped", s.bridge.State())
	}
	if h := s.health(t); h.MLReady {
		t.Error("health reports ready after Stop")
	}
}
