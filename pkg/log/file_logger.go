package log

import (
	"fmt"
	"os"
	"sync"
)

// FileLogger appends CBOR-encoded events to a capture file.
// Safe for concurrent use.
type FileLogger struct {
	mu     sync.Mutex
	file   *os.File
	closed bool
}

// NewFileLogger creates a FileLogger appending to the file at path,
// creating it if needed.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	return &FileLogger{file: f}, nil
}

// Log writes the event to the file. Encoding errors are dropped:
// capture must never disturb live traffic.
func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	data, err := EncodeEvent(event)
	if err != nil {
		return
	}
	_, _ = l.file.Write(data)
}

// Close flushes and closes the capture file. Idempotent.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// Compile-time interface satisfaction check.
var _ Logger = (*FileLogger)(nil)
