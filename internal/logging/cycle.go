package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// CycleLog represents a single router-cycle log entry: one dequeue, one
// delivery, one commit.
type CycleLog struct {
	Timestamp  time.Time `json:"timestamp"`
	Seq        uint64    `json:"seq"`
	Endpoint   string    `json:"endpoint"`
	Kind       string    `json:"kind"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Syscalls   int       `json:"syscalls"`
}

// CycleLogger mirrors the request logger's dual console/file output.
type CycleLogger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultCycleLogger = &CycleLogger{enabled: true, console: false}

// DefaultCycleLogger returns the process-wide cycle logger.
func DefaultCycleLogger() *CycleLogger { return defaultCycleLogger }

func (l *CycleLogger) SetOutput(path string) error {
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

func (l *CycleLogger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

func (l *CycleLogger) Log(entry *CycleLog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return
	}
	entry.Timestamp = time.Now()

	if l.console {
		status := "ok"
		if !entry.Success {
			status = "FAIL"
		}
		fmt.Printf("[cycle] seq=%d endpoint=%s kind=%s %s %dms syscalls=%d\n",
			entry.Seq, entry.Endpoint, entry.Kind, status, entry.DurationMs, entry.Syscalls)
		if entry.Error != "" {
			fmt.Printf("[cycle]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

func (l *CycleLogger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
