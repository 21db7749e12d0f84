package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const sampleLog = `{"time":"2026-03-01T10:00:00Z","level":"DEBUG","msg":"worker line ignored","component":"bridge"}
{"time":"2026-03-01T10:00:01Z","level":"INFO","msg":"analysis complete","request_id":"5f0c2a","verdict":"Authentic","confidence":97}
not json at all
{"time":"2026-03-01T10:00:02Z","level":"WARN","msg":"failed to remove upload","component":"server","path":"/srv/uploads/x.png"}
{"time":"2026-03-01T10:00:03Z","level":"ERROR","msg":"request failed","status":500}
`

func TestLogEntry_UnmarshalExtra(t *testing.T) {
	var e logEntry
	line := `{"time":"2026-03-01T10:00:01Z","level":"INFO","msg":"m","component":"bridge","request_id":"r1","pid":42}`
	if err := e.UnmarshalJSON([]byte(line)); err != nil {
		t.Fatal(err)
	}
	if e.Component != "bridge" || e.RequestID != "r1" || e.Msg != "m" {
		t.Errorf("entry = %+v", e)
	}
	if len(e.Extra) != 1 || e.Extra["pid"] != float64(42) {
		t.Errorf("Extra = %v, want only pid", e.Extra)
	}
}

func TestNewLogFilter(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 2, 0, time.UTC)

	if _, err := newLogFilter("", "soon", "", now); err == nil {
		t.Error("invalid duration should fail")
	}
	if _, err := newLogFilter("", "", "(", now); err == nil {
		t.Error("invalid pattern should fail")
	}

	f, err := newLogFilter("warn", "1s", "remove", now)
	if err != nil {
		t.Fatal(err)
	}
	if f.minLevel != levelPriority("WARN") {
		t.Errorf("minLevel = %d", f.minLevel)
	}
	if !f.since.Equal(now.Add(-time.Second)) {
		t.Errorf("since = %v", f.since)
	}
}

func TestFormatLogEntry(t *testing.T) {
	e := &logEntry{
		Time:      time.Date(2026, 3, 1, 10, 0, 1, 500_000_000, time.UTC),
		Level:     "info",
		Msg:       "analysis complete",
		Component: "server",
		RequestID: "5f0c2a",
		Extra:     map[string]any{"verdict": "Authentic", "confidence": 97.0},
	}
	got := formatLogEntry(e, false)
	want := "[10:00:01.500] [INFO] server: analysis complete request_id=5f0c2a confidence=97 verdict=Authentic"
	if got != want {
		t.Errorf("formatLogEntry() =\n  %q\nwant\n  %q", got, want)
	}
}

func TestDisplayLogs(t *testing.T) {
	tests := []struct {
		name  string
		tail  int
		level string
		grep  string
		want  []string
	}{
		{
			name: "all",
			want: []string{"worker line ignored", "analysis complete", "not json at all", "failed to remove upload", "request failed"},
		},
		{
			name: "tail",
			tail: 2,
			want: []string{"failed to remove upload", "request failed"},
		},
		{
			name:  "level",
			level: "warn",
			want:  []string{"not json at all", "failed to remove upload", "request failed"},
		},
		{
			name: "grep extra field",
			grep: "Authentic",
			want: []string{"not json at all", "analysis complete"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := newLogFilter(tt.level, "", tt.grep, time.Now())
			if err != nil {
				t.Fatal(err)
			}
			var buf bytes.Buffer
			if err := displayLogs(strings.NewReader(sampleLog), &buf, tt.tail, f, false); err != nil {
				t.Fatalf("displayLogs() error = %v", err)
			}
			out := buf.String()
			lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
			if len(lines) != len(tt.want) {
				t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(tt.want), out)
			}
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("output missing %q:\n%s", want, out)
				}
			}
		})
	}
}

func TestDisplayLogs_NoMatches(t *testing.T) {
	f, _ := newLogFilter("", "", "nothing-matches-this", time.Now())
	var buf bytes.Buffer
	if err := displayLogs(strings.NewReader(sampleLog[:strings.Index(sampleLog, "not json")]), &buf, 0, f, false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No matching log entries found.") {
		t.Errorf("output = %q", buf.String())
	}
}

// lockedBuffer is a bytes.Buffer safe for concurrent use.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFollowLogs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "madserve.log")
	if err := os.WriteFile(path, []byte(`{"time":"2026-03-01T10:00:00Z","level":"INFO","msg":"old entry"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	out := &lockedBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- followLogs(ctx, path, out, logFilter{minLevel: -1}, false)
	}()
	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"time":"2026-03-01T10:00:05Z","level":"WARN","msg":"new entry"}` + "\n")
	_ = f.Close()

	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(out.String(), "new entry") && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("followLogs() error = %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "[WARN] new entry") {
		t.Errorf("followed output = %q, want the appended entry", got)
	}
	if strings.Contains(got, "old entry") {
		t.Errorf("followed output = %q, should start at the end of the file", got)
	}
}
