package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func newTestWriter(t *testing.T, config RotationConfig, maxBytes int64) (*RotatingWriter, string) {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "test.log")
	rw, err := NewRotatingWriter(logPath, config)
	if err != nil {
		t.Fatalf("NewRotatingWriter failed: %v", err)
	}
	if maxBytes > 0 {
		rw.maxSizeB = maxBytes
	}
	return rw, logPath
}

func TestNewRotatingWriter(t *testing.T) {
	t.Run("creates nested directories", func(t *testing.T) {
		logPath := filepath.Join(t.TempDir(), "nested", "dir", "test.log")

		rw, err := NewRotatingWriter(logPath, DefaultRotationConfig())
		if err != nil {
			t.Fatalf("NewRotatingWriter failed: %v", err)
		}
		defer func() { _ = rw.Close() }()

		if _, err := os.Stat(logPath); os.IsNotExist(err) {
			t.Errorf("log file was not created at %s", logPath)
		}
		if rw.FilePath() != logPath {
			t.Errorf("FilePath() = %q, want %q", rw.FilePath(), logPath)
		}
	})

	t.Run("appends to existing file", func(t *testing.T) {
		logPath := filepath.Join(t.TempDir(), "test.log")
		if err := os.WriteFile(logPath, []byte("initial content\n"), 0644); err != nil {
			t.Fatalf("failed to write initial content: %v", err)
		}

		rw, err := NewRotatingWriter(logPath, DefaultRotationConfig())
		if err != nil {
			t.Fatalf("NewRotatingWriter failed: %v", err)
		}
		if rw.CurrentSize() != int64(len("initial content\n")) {
			t.Errorf("CurrentSize() = %d, want existing file size", rw.CurrentSize())
		}
		if _, err := rw.Write([]byte("appended content\n")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		_ = rw.Close()

		content, err := os.ReadFile(logPath)
		if err != nil {
			t.Fatalf("failed to read log file: %v", err)
		}
		if string(content) != "initial content\nappended content\n" {
			t.Errorf("content = %q", content)
		}
	})
}

func TestRotatingWriterWrite(t *testing.T) {
	rw, logPath := newTestWriter(t, DefaultRotationConfig(), 0)

	data := []byte("test message\n")
	n, err := rw.Write(data)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != len(data) {
		t.Errorf("expected to write %d bytes, wrote %d", len(data), n)
	}
	if rw.CurrentSize() != int64(len(data)) {
		t.Errorf("expected size %d, got %d", len(data), rw.CurrentSize())
	}
	_ = rw.Close()

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if string(content) != string(data) {
		t.Errorf("expected %q, got %q", data, content)
	}
}

func TestRotatingWriterRotation(t *testing.T) {
	line := []byte("this message will trigger rotation\n")

	t.Run("rotates when size exceeds max", func(t *testing.T) {
		rw, logPath := newTestWriter(t, RotationConfig{MaxBackups: 3}, 100)

		for range 5 {
			_, _ = rw.Write(line)
		}
		_ = rw.Close()

		if _, err := os.Stat(logPath + ".1"); os.IsNotExist(err) {
			t.Error("backup file .1 was not created")
		}
		info, err := os.Stat(logPath)
		if err != nil {
			t.Fatalf("current log file missing after rotation: %v", err)
		}
		if info.Size() > 100 {
			t.Errorf("current log file is %d bytes, want <= 100", info.Size())
		}
	})

	t.Run("keeps only maxBackups files", func(t *testing.T) {
		rw, logPath := newTestWriter(t, RotationConfig{MaxBackups: 2}, 50)

		for range 10 {
			_, _ = rw.Write(line)
		}
		_ = rw.Close()

		for _, suffix := range []string{".1", ".2"} {
			if _, err := os.Stat(logPath + suffix); os.IsNotExist(err) {
				t.Errorf("backup file %s should exist", suffix)
			}
		}
		if _, err := os.Stat(logPath + ".3"); err == nil {
			t.Error("backup file .3 should not exist")
		}
	})

	t.Run("zero backups truncates in place", func(t *testing.T) {
		rw, logPath := newTestWriter(t, RotationConfig{MaxBackups: 0}, 50)

		for range 4 {
			_, _ = rw.Write(line)
		}
		_ = rw.Close()

		if _, err := os.Stat(logPath + ".1"); err == nil {
			t.Error("no backup should be kept")
		}
		content, _ := os.ReadFile(logPath)
		if string(content) != string(line) {
			t.Errorf("content = %q, want only the last line", content)
		}
	})

	t.Run("oversized single write lands in one file", func(t *testing.T) {
		rw, logPath := newTestWriter(t, RotationConfig{MaxBackups: 1}, 10)

		big := []byte(strings.Repeat("x", 64) + "\n")
		if _, err := rw.Write(big); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		_ = rw.Close()

		content, _ := os.ReadFile(logPath)
		if string(content) != string(big) {
			t.Errorf("content = %q", content)
		}
	})

	t.Run("no rotation when disabled", func(t *testing.T) {
		rw, logPath := newTestWriter(t, RotationConfig{MaxBackups: 3}, 0)

		for range 100 {
			_, _ = rw.Write(line)
		}
		_ = rw.Close()

		if _, err := os.Stat(logPath + ".1"); err == nil {
			t.Error("backup file should not exist when rotation is disabled")
		}
	})
}

func TestRotatingWriterCompression(t *testing.T) {
	rw, logPath := newTestWriter(t, RotationConfig{MaxBackups: 3, Compress: true}, 50)

	first := []byte("test message for compression test\n")
	for range 2 {
		_, _ = rw.Write(first)
	}
	// Close waits for background compression.
	_ = rw.Close()

	if _, err := os.Stat(logPath + ".1"); err == nil {
		t.Error("uncompressed backup should be removed after compression")
	}

	gzFile, err := os.Open(logPath + ".1.gz")
	if err != nil {
		t.Fatalf("failed to open gzip file: %v", err)
	}
	defer func() { _ = gzFile.Close() }()

	gzReader, err := gzip.NewReader(gzFile)
	if err != nil {
		t.Fatalf("failed to create gzip reader: %v", err)
	}
	defer func() { _ = gzReader.Close() }()

	content, err := io.ReadAll(gzReader)
	if err != nil {
		t.Fatalf("failed to read gzip content: %v", err)
	}
	if string(content) != string(first) {
		t.Errorf("decompressed content = %q, want %q", content, first)
	}
}

func TestRotatingWriterConcurrency(t *testing.T) {
	rw, logPath := newTestWriter(t, RotationConfig{MaxBackups: 100}, 2000)

	var wg sync.WaitGroup
	goroutines := 10
	writesPerGoroutine := 50

	for i := range goroutines {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := range writesPerGoroutine {
				if _, err := rw.Write([]byte("concurrent write from goroutine\n")); err != nil {
					t.Errorf("goroutine %d write %d failed: %v", id, j, err)
				}
			}
		}(i)
	}
	wg.Wait()
	_ = rw.Close()

	totalLines := 0
	if content, err := os.ReadFile(logPath); err == nil {
		totalLines += strings.Count(string(content), "\n")
	}
	for i := 1; i <= 100; i++ {
		if content, err := os.ReadFile(fmt.Sprintf("%s.%d", logPath, i)); err == nil {
			totalLines += strings.Count(string(content), "\n")
		}
	}

	if want := goroutines * writesPerGoroutine; totalLines != want {
		t.Errorf("expected %d lines across all files, got %d", want, totalLines)
	}
}

func TestRotatingWriterClose(t *testing.T) {
	rw, _ := newTestWriter(t, DefaultRotationConfig(), 0)

	_, _ = rw.Write([]byte("test message\n"))

	if err := rw.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := rw.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if _, err := rw.Write([]byte("late\n")); err == nil {
		t.Error("expected write after close to fail")
	}
	if err := rw.Sync(); err != nil {
		t.Errorf("Sync after close = %v, want nil", err)
	}
}

func TestNewLoggerWithRotation(t *testing.T) {
	t.Run("logs to file", func(t *testing.T) {
		dir := t.TempDir()

		logger, err := NewLoggerWithRotation(dir, LevelDebug, RotationConfig{MaxSizeMB: 10, MaxBackups: 3})
		if err != nil {
			t.Fatalf("NewLoggerWithRotation failed: %v", err)
		}

		logger.Info("test message", "key", "value")
		_ = logger.Close()

		content, err := os.ReadFile(filepath.Join(dir, FileName))
		if err != nil {
			t.Fatalf("failed to read log file: %v", err)
		}

		var entry map[string]any
		if err := json.Unmarshal(content, &entry); err != nil {
			t.Fatalf("failed to parse log entry: %v", err)
		}
		if entry["msg"] != "test message" {
			t.Errorf("expected msg='test message', got %v", entry["msg"])
		}
		if entry["key"] != "value" {
			t.Errorf("expected key='value', got %v", entry["key"])
		}
	})

	t.Run("writes to stderr when dir is empty", func(t *testing.T) {
		logger, err := NewLoggerWithRotation("", LevelInfo, DefaultRotationConfig())
		if err != nil {
			t.Fatalf("NewLoggerWithRotation failed: %v", err)
		}
		defer func() { _ = logger.Close() }()

		if logger.closer != nil {
			t.Error("expected no file when dir is empty")
		}
	})
}

func TestDefaultRotationConfig(t *testing.T) {
	config := DefaultRotationConfig()
	if config.MaxSizeMB != 10 {
		t.Errorf("MaxSizeMB = %d, want 10", config.MaxSizeMB)
	}
	if config.MaxBackups != 3 {
		t.Errorf("MaxBackups = %d, want 3", config.MaxBackups)
	}
	if !config.Compress {
		t.Error("Compress = false, want true")
	}
}
