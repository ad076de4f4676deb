package terminal

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRange is returned when offset/count fall outside the buffer.
	ErrInvalidRange = errors.New("invalid output range")
	// ErrInvalidSize is returned for non-positive columns or rows.
	ErrInvalidSize = errors.New("invalid terminal size")
	// ErrTransportUnavailable means the sink's underlying channel is closed or gone.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrWriteFailed means the underlying channel rejected the bytes.
	ErrWriteFailed = errors.New("write failed")
	// ErrDetached is returned by a Dispatcher that has no sink attached.
	ErrDetached = errors.New("no output sink attached")
)

// OutputSink receives terminal-generated output on behalf of an external
// transport (SSH channel, local PTY, audit log).
//
// Write hands over data[offset:offset+count]. The slice is only valid for the
// duration of the call: a sink that needs the bytes later must copy them.
// Write must not block indefinitely and must not panic on transport failure;
// failures are contained inside the sink.
type OutputSink interface {
	Write(data []byte, offset, count int)
}

// Resizer is the optional capability of a sink that wants terminal size
// changes, e.g. to resize a remote PTY.
type Resizer interface {
	OnResize(columns, rows int)
}

// ResizableSink is an OutputSink that also accepts resize notifications.
type ResizableSink interface {
	OutputSink
	Resizer
}

// WithResize returns s as a ResizableSink. Sinks that do not implement
// Resizer get a no-op OnResize.
func WithResize(s OutputSink) ResizableSink {
	if rs, ok := s.(ResizableSink); ok {
		return rs
	}
	return noResize{s}
}

type noResize struct {
	OutputSink
}

func (noResize) OnResize(int, int) {}

// SinkFunc adapts a function to OutputSink.
type SinkFunc func(data []byte, offset, count int)

func (f SinkFunc) Write(data []byte, offset, count int) { f(data, offset, count) }

// Chunk is an immutable view over data[off:off+n]. It does not own data.
type Chunk struct {
	data []byte
	off  int
	n    int
}

// NewChunk validates the range and returns a view over it.
func NewChunk(data []byte, offset, count int) (Chunk, error) {
	if err := CheckRange(len(data), offset, count); err != nil {
		return Chunk{}, err
	}
	return Chunk{data: data, off: offset, n: count}, nil
}

// CheckRange reports whether [offset, offset+count) fits a buffer of length size.
func CheckRange(size, offset, count int) error {
	if offset < 0 || count < 0 || offset > size || count > size-offset {
		return fmt.Errorf("%w: offset=%d count=%d len=%d", ErrInvalidRange, offset, count, size)
	}
	return nil
}

// Bytes returns the viewed region. It aliases the caller's buffer.
func (c Chunk) Bytes() []byte {
	return c.data[c.off : c.off+c.n : c.off+c.n]
}

func (c Chunk) Len() int { return c.n }

// Clone returns an owned copy of the viewed bytes.
func (c Chunk) Clone() []byte {
	b := make([]byte, c.n)
	copy(b, c.Bytes())
	return b
}

// Size is a character-grid dimension.
type Size struct {
	Cols int `json:"cols" yaml:"cols"`
	Rows int `json:"rows" yaml:"rows"`
}

func (s Size) Valid() bool { return s.Cols > 0 && s.Rows > 0 }

func (s Size) Validate() error {
	if !s.Valid() {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, s.Cols, s.Rows)
	}
	return nil
}

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Cols, s.Rows) }
