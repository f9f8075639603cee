package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/netforge/pkg/observability"
)

const currentFileName = "audit.log"

// FileLogger appends events as JSON lines to <dir>/audit.log and rotates it
// once it passes MaxSize, keeping at most MaxFiles rotated files.
type FileLogger struct {
	dir      string
	maxSize  int64
	maxFiles int
	logger   *observability.Logger

	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	now     func() time.Time
}

// FileLoggerConfig configures the file logger
type FileLoggerConfig struct {
	Dir      string
	MaxSize  int64 // bytes, default 100MiB
	MaxFiles int   // default 10
}

// NewFileLogger creates dir if needed and opens the current log file
func NewFileLogger(cfg FileLoggerConfig, logger *observability.Logger) (*FileLogger, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("audit log directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100 << 20
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 10
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	l := &FileLogger{
		dir:      cfg.Dir,
		maxSize:  cfg.MaxSize,
		maxFiles: cfg.MaxFiles,
		logger:   logger,
		now:      time.Now,
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) path() string { return filepath.Join(l.dir, currentFileName) }

func (l *FileLogger) open() error {
	file, err := os.OpenFile(l.path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	l.file = file
	l.encoder = json.NewEncoder(file)
	return nil
}

// Log appends event as one JSON line
func (l *FileLogger) Log(_ context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log file is closed")
	}
	if info, err := l.file.Stat(); err == nil && info.Size() >= l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("failed to rotate audit log: %w", err)
		}
	}
	if err := l.encoder.Encode(event); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// rotate must be called with mu held
func (l *FileLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	l.file = nil

	rotated := filepath.Join(l.dir, fmt.Sprintf("audit-%s.log", l.now().UTC().Format("20060102T150405.000000000")))
	if err := os.Rename(l.path(), rotated); err != nil {
		return err
	}
	l.prune()
	return l.open()
}

// prune deletes the oldest rotated files beyond maxFiles. Rotated names sort
// chronologically.
func (l *FileLogger) prune() {
	files, err := filepath.Glob(filepath.Join(l.dir, "audit-*.log"))
	if err != nil || len(files) <= l.maxFiles {
		return
	}
	sort.Strings(files)
	for _, f := range files[:len(files)-l.maxFiles] {
		if err := os.Remove(f); err != nil {
			l.logger.WithError(err).WithField("file", f).Warn("failed to remove old audit log")
		}
	}
}

// ReadRecent returns up to count events from the current file, oldest first
func (l *FileLogger) ReadRecent(count int) ([]*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path())
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	var events []*Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("failed to decode audit log entry: %w", err)
		}
		events = append(events, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if count > 0 && len(events) > count {
		events = events[len(events)-count:]
	}
	return events, nil
}

// Close closes the current file
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
