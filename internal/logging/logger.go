package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// JobLog represents a single job's terminal outcome.
type JobLog struct {
	Timestamp  time.Time `json:"timestamp"`
	JobID      string    `json:"job_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	SpanID     string    `json:"span_id,omitempty"`
	RepoURL    string    `json:"repo_url"`
	Stage      string    `json:"stage"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	HasChanges bool      `json:"has_changes,omitempty"`
}

// Logger handles job outcome logging
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a job outcome log entry
func (l *Logger) Log(entry *JobLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	// Console output (human-readable)
	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		changes := ""
		if entry.HasChanges {
			changes = " [changed]"
		}
		fmt.Printf("[job] %s %s %s %dms%s\n",
			status, entry.JobID, entry.Stage, entry.DurationMs, changes)
		if entry.Error != "" {
			fmt.Printf("[job]   error: %s\n", entry.Error)
		}
	}

	// File output (JSON)
	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
