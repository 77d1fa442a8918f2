package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	defaultMaxFileSize = 10 * 1024 * 1024
	defaultMaxFiles    = 5
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	runID    string
	traceID  string
	spanID   string
	maxBytes int64
	maxFiles int
}

// WithRunID configures the run_id field used in emitted log records.
func WithRunID(runID string) Option {
	return func(opts *newOptions) {
		opts.runID = strings.TrimSpace(runID)
	}
}

// WithTraceID configures the trace_id field used in emitted log records.
func WithTraceID(traceID string) Option {
	return func(opts *newOptions) {
		opts.traceID = strings.TrimSpace(traceID)
	}
}

// WithSpanID configures the span_id field used in emitted log records.
func WithSpanID(spanID string) Option {
	return func(opts *newOptions) {
		opts.spanID = strings.TrimSpace(spanID)
	}
}

// WithMaxFileSize caps individual log files; a full file rotates to a new
// one in the same directory.
func WithMaxFileSize(maxBytes int64) Option {
	return func(opts *newOptions) {
		if maxBytes > 0 {
			opts.maxBytes = maxBytes
		}
	}
}

// WithMaxFiles caps how many log files are retained; the oldest are removed
// when a new file is opened.
func WithMaxFiles(maxFiles int) Option {
	return func(opts *newOptions) {
		if maxFiles > 0 {
			opts.maxFiles = maxFiles
		}
	}
}

// RuntimeLogger writes structured JSON logs to disk.
type RuntimeLogger struct {
	Logger     *log.Logger
	sink       *rotatingFile
	baseLogger *log.Logger
	runID      string
	traceID    string
	spanID     string
}

// New initializes logging under ~/.nebula/logs without writing to stdout.
// When no run id is supplied a fresh UUID is assigned so that every
// workspace session's records remain correlatable. Files rotate at the
// configured size cap and the oldest are pruned past the retention count.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	logDir := filepath.Join(homeDir, ".nebula", "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	resolved := resolveOptions(options)
	if resolved.runID == "" {
		resolved.runID = uuid.NewString()
	}
	timestamp := time.Now().UTC().Format("20060102-150405")
	base := fmt.Sprintf("nebula-%s-%s", timestamp, resolved.runID)
	sink, err := newRotatingFile(logDir, base, resolved.maxBytes, resolved.maxFiles)
	if err != nil {
		return nil, err
	}

	logger := log.NewWithOptions(sink, log.Options{
		Level:           log.InfoLevel,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)

	runtimeLogger := &RuntimeLogger{
		sink:       sink,
		baseLogger: logger,
		runID:      resolved.runID,
		traceID:    resolved.traceID,
		spanID:     resolved.spanID,
	}
	runtimeLogger.rebuildLogger()
	runtimeLogger.Logger.With("log_file", sink.Path()).Info("logger initialized")

	_ = ctx
	return runtimeLogger, nil
}

// RunID returns the run identifier attached to emitted records.
func (r *RuntimeLogger) RunID() string {
	if r == nil {
		return ""
	}
	return r.runID
}

// WithRunID updates the run_id field for subsequent log records.
func (r *RuntimeLogger) WithRunID(runID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.runID = strings.TrimSpace(runID)
	r.rebuildLogger()
	return r
}

// WithTraceID updates the trace_id field for subsequent log records.
func (r *RuntimeLogger) WithTraceID(traceID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.traceID = strings.TrimSpace(traceID)
	r.rebuildLogger()
	return r
}

// WithSpanID updates the span_id field for subsequent log records.
func (r *RuntimeLogger) WithSpanID(spanID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.spanID = strings.TrimSpace(spanID)
	r.rebuildLogger()
	return r
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.sink == nil {
		return nil
	}
	return r.sink.Close()
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil || r.sink == nil {
		return ""
	}
	return r.sink.Path()
}

func (r *RuntimeLogger) rebuildLogger() {
	if r == nil || r.baseLogger == nil {
		return
	}
	r.Logger = r.baseLogger.With(
		"run_id", r.runID,
		"trace_id", r.traceID,
		"span_id", r.spanID,
	)
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{
		maxBytes: defaultMaxFileSize,
		maxFiles: defaultMaxFiles,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}

// rotatingFile writes to one log file at a time, rotating when a write
// would push the file past the size cap and pruning the oldest log files
// beyond the retention count.
type rotatingFile struct {
	dir      string
	base     string
	maxBytes int64
	maxFiles int

	mu    sync.Mutex
	file  *os.File
	path  string
	size  int64
	index int
}

func newRotatingFile(dir, base string, maxBytes int64, maxFiles int) (*rotatingFile, error) {
	sink := &rotatingFile{
		dir:      dir,
		base:     base,
		maxBytes: maxBytes,
		maxFiles: maxFiles,
	}
	if err := sink.open(); err != nil {
		return nil, err
	}
	return sink, nil
}

func (r *rotatingFile) open() error {
	name := r.base + ".log"
	if r.index > 0 {
		name = fmt.Sprintf("%s.%d.log", r.base, r.index)
	}
	path := filepath.Join(r.dir, name)
	// #nosec G304 -- path is constructed from trusted local paths.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	r.file = file
	r.path = path
	r.size = 0
	r.prune()
	return nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return 0, os.ErrClosed
	}
	if r.maxBytes > 0 && r.size > 0 && r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotatingFile) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	r.index++
	return r.open()
}

// prune removes the oldest log files in the directory beyond the retention
// count, never touching the file currently being written.
func (r *rotatingFile) prune() {
	if r.maxFiles <= 0 {
		return
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return
	}

	type logFile struct {
		path    string
		modTime time.Time
	}
	var logs []logFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "nebula-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		logs = append(logs, logFile{path: filepath.Join(r.dir, name), modTime: info.ModTime()})
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].modTime.Before(logs[j].modTime) })

	for len(logs) > r.maxFiles {
		if logs[0].path == r.path {
			break
		}
		_ = os.Remove(logs[0].path)
		logs = logs[1:]
	}
}

func (r *rotatingFile) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
