package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ophyd-epics-devices/epicsdev/pkg/log"
)

// A frame is a big-endian uint32 payload length followed by the payload,
// one CBOR message per frame.
const (
	LengthPrefixSize = 4

	// DefaultMaxMessageSize fits a 1M-element double waveform with headroom.
	DefaultMaxMessageSize = 4 << 20

	// MaxLogFrameDataSize caps the frame bytes copied into log events.
	MaxLogFrameDataSize = 4096
)

var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrMessageEmpty    = errors.New("message is empty")
	ErrFrameTruncated  = errors.New("frame truncated")
)

// FrameOption configures a FrameReader, FrameWriter or Framer.
type FrameOption func(*frameConfig)

type frameConfig struct {
	maxSize uint32
	logger  log.Logger
	session string
}

// WithMaxMessageSize limits payloads to n bytes in both directions.
func WithMaxMessageSize(n uint32) FrameOption {
	return func(c *frameConfig) { c.maxSize = n }
}

// WithFrameLog records every frame as a transport-layer event of session.
func WithFrameLog(logger log.Logger, session string) FrameOption {
	return func(c *frameConfig) { c.logger, c.session = logger, session }
}

func newFrameConfig(opts []FrameOption) frameConfig {
	c := frameConfig{maxSize: DefaultMaxMessageSize}
	for _, o := range opts {
		o(&c)
	}
	return c
}

func (c *frameConfig) check(n uint64) error {
	switch {
	case n == 0:
		return ErrMessageEmpty
	case n > uint64(c.maxSize):
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, n, c.maxSize)
	}
	return nil
}

func (c *frameConfig) record(data []byte, dir log.Direction) {
	if c.logger == nil {
		return
	}
	frame := &log.FrameEvent{Size: LengthPrefixSize + len(data), Data: data}
	if len(data) > MaxLogFrameDataSize {
		frame.Data, frame.Truncated = data[:MaxLogFrameDataSize], true
	}
	c.logger.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: c.session,
		Direction: dir,
		Layer:     log.LayerTransport,
		Category:  log.CategoryMessage,
		Frame:     frame,
	})
}

// FrameWriter writes frames. It is safe for concurrent use.
type FrameWriter struct {
	frameConfig
	mu sync.Mutex
	w  io.Writer
}

// NewFrameWriter returns a writer of frames to w.
func NewFrameWriter(w io.Writer, opts ...FrameOption) *FrameWriter {
	return &FrameWriter{frameConfig: newFrameConfig(opts), w: w}
}

// WriteFrame writes data as one frame.
func (fw *FrameWriter) WriteFrame(data []byte) error {
	if err := fw.check(uint64(len(data))); err != nil {
		return err
	}
	// Prefix and payload go out in one Write so a TLS record never splits
	// them.
	buf := binary.BigEndian.AppendUint32(make([]byte, 0, LengthPrefixSize+len(data)), uint32(len(data)))
	buf = append(buf, data...)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	fw.record(data, log.DirectionOut)
	return nil
}

// FrameReader reads frames. It is not safe for concurrent use.
type FrameReader struct {
	frameConfig
	r   io.Reader
	hdr [LengthPrefixSize]byte
}

// NewFrameReader returns a reader of frames from r.
func NewFrameReader(r io.Reader, opts ...FrameOption) *FrameReader {
	return &FrameReader{frameConfig: newFrameConfig(opts), r: r}
}

// ReadFrame returns the next payload. A clean end of stream between frames
// is io.EOF; an end inside a frame is ErrFrameTruncated.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if err := fr.fill(fr.hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(fr.hdr[:])
	if err := fr.check(uint64(n)); err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if err := fr.fill(payload); err != nil {
		if err == io.EOF {
			err = ErrFrameTruncated
		}
		return nil, err
	}
	fr.record(payload, log.DirectionIn)
	return payload, nil
}

func (fr *FrameReader) fill(buf []byte) error {
	_, err := io.ReadFull(fr.r, buf)
	switch {
	case err == nil, err == io.EOF:
		return err
	case errors.Is(err, io.ErrUnexpectedEOF):
		return ErrFrameTruncated
	default:
		return fmt.Errorf("read frame: %w", err)
	}
}

// Framer reads and writes frames on one stream.
type Framer struct {
	*FrameReader
	*FrameWriter
}

// NewFramer returns a Framer on rw; opts apply to both directions.
func NewFramer(rw io.ReadWriter, opts ...FrameOption) *Framer {
	return &Framer{
		FrameReader: NewFrameReader(rw, opts...),
		FrameWriter: NewFrameWriter(rw, opts...),
	}
}
