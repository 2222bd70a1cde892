package output

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// TraceWriter writes trace lines to a rotating log file (spec §6 "-d —
// enable trace to trace_DLSw.log"). One TraceWriter per `cmd/dlsw` or
// `cmd/nullmodem` instance.
type TraceWriter struct {
	name      string
	logWriter *lumberjack.Logger
	logger    *slog.Logger
	mu        sync.Mutex
}

// TraceWriterConfig contains configuration for TraceWriter.
type TraceWriterConfig struct {
	Name          string // e.g. "DLSw", "NullModem-bridge1"
	LogBasePath   string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogCompress   bool
	Logger        *slog.Logger
}

// NewTraceWriter creates a new TraceWriter that writes to
// <LogBasePath>/trace_<Name>.log.
func NewTraceWriter(cfg *TraceWriterConfig) *TraceWriter {
	logPath := filepath.Join(cfg.LogBasePath, "trace_"+cfg.Name+".log")

	logWriter := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
	}

	tw := &TraceWriter{
		name:      cfg.Name,
		logWriter: logWriter,
		logger:    cfg.Logger,
	}

	cfg.Logger.Info("trace writer initialized", "name", cfg.Name, "log_path", logPath)

	return tw
}

// Write writes raw data to the trace file.
func (tw *TraceWriter) Write(data string) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if _, err := io.WriteString(tw.logWriter, data); err != nil {
		tw.logger.Error("failed to write trace line", "name", tw.name, "error", err)
		return err
	}
	return nil
}

// WriteLine writes a single line (adds a newline if not present).
func (tw *TraceWriter) WriteLine(line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	return tw.Write(line)
}

// Close closes the underlying log file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.logWriter != nil {
		return tw.logWriter.Close()
	}
	return nil
}
