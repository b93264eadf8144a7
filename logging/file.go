package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// FileLogger is the shared write path for log files. Every message gets
// a millisecond timestamp, and writes are serialized so concurrent
// callers never interleave lines. DebugLogger layers its protocol
// filtering on top of this.
type FileLogger struct {
	file   *os.File
	mu     sync.Mutex
	closed bool
}

// NewFileLogger opens a file logger that appends to the file at path,
// creating it if needed.
func NewFileLogger(path string) (*FileLogger, error) {
	return openFileLogger(path, os.O_APPEND)
}

// NewSessionFileLogger opens a file logger that truncates any previous
// contents, so each run starts with a fresh file.
func NewSessionFileLogger(path string) (*FileLogger, error) {
	return openFileLogger(path, os.O_TRUNC)
}

func openFileLogger(path string, mode int) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|mode, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &FileLogger{
		file: file,
	}, nil
}

// Log writes a formatted message to the log file with a timestamp.
// This method is safe to call from any goroutine.
func (l *FileLogger) Log(format string, args ...interface{}) {
	l.write(fmt.Sprintf(format, args...), "")
}

// LogBlock writes a timestamped header line followed by a multi-line
// block, such as a hex dump. The block lines carry no timestamps of
// their own, and no other writer can interleave with them.
func (l *FileLogger) LogBlock(header, block string) {
	l.write(header, block)
}

func (l *FileLogger) write(msg, block string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s %s\n", timestamp, msg)
	if block != "" {
		fmt.Fprintf(l.file, "%s\n", block)
	}
}

// Close closes the log file. Writes after Close are dropped.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	return l.file.Close()
}
