package output

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewTraceWriter(t *testing.T) {
	tmpDir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := &TraceWriterConfig{
		Name:          "DLSw",
		LogBasePath:   tmpDir,
		LogMaxSizeMB:  10,
		LogMaxBackups: 3,
		LogCompress:   true,
		Logger:        logger,
	}

	tw := NewTraceWriter(cfg)
	defer tw.Close()

	if tw.name != "DLSw" {
		t.Errorf("name = %q, want %q", tw.name, "DLSw")
	}
}

func TestTraceWriterWrite(t *testing.T) {
	tmpDir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	tw := NewTraceWriter(&TraceWriterConfig{
		Name:        "DLSw",
		LogBasePath: tmpDir,
		Logger:      logger,
	})

	testData := "test trace data"
	if err := tw.Write(testData); err != nil {
		t.Errorf("Write() error = %v", err)
	}

	tw.Close()

	logPath := filepath.Join(tmpDir, "trace_DLSw.log")
	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	if string(content) != testData {
		t.Errorf("Log content = %q, want %q", string(content), testData)
	}
}

func TestTraceWriterWriteLine(t *testing.T) {
	tmpDir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	tw := NewTraceWriter(&TraceWriterConfig{
		Name:        "NullModem-bridge1",
		LogBasePath: tmpDir,
		Logger:      logger,
	})

	if err := tw.WriteLine("line without newline"); err != nil {
		t.Errorf("WriteLine() error = %v", err)
	}
	if err := tw.WriteLine("line with newline\n"); err != nil {
		t.Errorf("WriteLine() error = %v", err)
	}

	tw.Close()

	logPath := filepath.Join(tmpDir, "trace_NullModem-bridge1.log")
	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	expected := "line without newline\nline with newline\n"
	if string(content) != expected {
		t.Errorf("Log content = %q, want %q", string(content), expected)
	}
}

func TestTraceWriterMultipleWrites(t *testing.T) {
	tmpDir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	tw := NewTraceWriter(&TraceWriterConfig{
		Name:        "DLSw",
		LogBasePath: tmpDir,
		Logger:      logger,
	})

	lines := []string{
		BuildTraceLine(ClassLIB, 20, DirSend, "CANUREACH"),
		BuildTraceLine(ClassLIB, 20, DirRecv, "ICANREACH"),
		BuildTraceLine(ClassScanner, 20, DirSend, "SNRM"),
	}

	for _, line := range lines {
		if err := tw.WriteLine(line); err != nil {
			t.Errorf("WriteLine() error = %v", err)
		}
	}

	tw.Close()

	logPath := filepath.Join(tmpDir, "trace_DLSw.log")
	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	contentLines := strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
	if len(contentLines) != len(lines) {
		t.Errorf("Got %d lines, want %d", len(contentLines), len(lines))
	}
	for i, want := range lines {
		if i < len(contentLines) && contentLines[i] != want {
			t.Errorf("Line %d = %q, want %q", i, contentLines[i], want)
		}
	}
}
