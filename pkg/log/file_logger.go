package log

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
)

// FileLogger appends CBOR-encoded protocol events to a .pvlog file.
// Writes that fail are counted rather than reported so logging never blocks
// or fails PV traffic.
type FileLogger struct {
	mu   sync.Mutex
	file *os.File
	enc  *cbor.Encoder

	dropped atomic.Uint64
}

// NewFileLogger opens path for appending, creating it with mode 0644.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{file: f, enc: eventEnc.NewEncoder(f)}, nil
}

// Log implements Logger.
func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil || l.enc.Encode(event) != nil {
		l.dropped.Add(1)
	}
}

// Dropped returns how many events were not written, including those logged
// after Close.
func (l *FileLogger) Dropped() uint64 { return l.dropped.Load() }

// Close closes the file. Closing twice is a no-op.
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

var _ Logger = (*FileLogger)(nil)
