// Package logging provides the file-backed debug logger shared by the
// orchestrator components.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DebugLogger appends timestamped lines to a log file. A zero-value or
// nil logger is a safe no-op.
type DebugLogger struct {
	mu   sync.Mutex
	file *os.File
}

// New creates a logger writing to logPath, creating parent directories.
// An empty path returns a no-op logger.
func New(logPath string) (*DebugLogger, error) {
	if logPath == "" {
		return &DebugLogger{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	l := &DebugLogger{file: f}
	l.Log("=== ll debug log started at %s ===", time.Now().Format(time.RFC3339))
	return l, nil
}

// ForRepo creates the standard debug logger under .claude/logs in the
// repository. Falls back to a no-op logger on error.
func ForRepo(repoPath string) *DebugLogger {
	l, err := New(filepath.Join(repoPath, ".claude", "logs", "ll-debug.log"))
	if err != nil {
		return &DebugLogger{}
	}
	return l
}

// Nop returns a no-op logger.
func Nop() *DebugLogger {
	return &DebugLogger{}
}

// Log writes a timestamped message. Safe on nil loggers.
func (l *DebugLogger) Log(format string, args ...interface{}) {
	if l == nil || l.file == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.file, "[%s] %s\n", time.Now().Format("15:04:05.000"), msg)
	l.file.Sync()
}

// Close closes the log file. Safe on nil loggers.
func (l *DebugLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
