package terminal

import (
	"fmt"
	"log/slog"
	"sync"
)

// SinkFailure is a panic recovered from a sink call. It unwraps to
// ErrWriteFailed.
type SinkFailure struct {
	Op    string
	Value any
}

func (e *SinkFailure) Error() string {
	return fmt.Sprintf("sink %s panicked: %v", e.Op, e.Value)
}

func (e *SinkFailure) Unwrap() error { return ErrWriteFailed }

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for sink failures.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// OnFailure registers a callback for isolated sink failures. It runs on the
// producer's goroutine, after the dispatcher lock is released.
func OnFailure(fn func(error)) Option {
	return func(d *Dispatcher) { d.onFailure = fn }
}

// Dispatcher is the terminal core's side of the OutputSink contract.
//
// It validates ranges and sizes before they reach the sink, serializes all
// calls for one session, delivers a resize at most once per actual change and
// isolates sink panics: the failing call is swallowed, logged and counted,
// and the sink stays attached for the next call.
type Dispatcher struct {
	mu   sync.Mutex
	sink ResizableSink
	size Size

	log       *slog.Logger
	onFailure func(error)
	failures  int
}

func NewDispatcher(sink OutputSink, opts ...Option) *Dispatcher {
	d := &Dispatcher{log: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	if sink != nil {
		d.sink = WithResize(sink)
	}
	return d
}

// Attach replaces the active sink. The last known size, if any, is replayed
// to the new sink so it starts with the right geometry.
func (d *Dispatcher) Attach(sink OutputSink) {
	d.mu.Lock()
	if sink == nil {
		d.sink = nil
		d.mu.Unlock()
		return
	}
	rs := WithResize(sink)
	d.sink = rs
	size := d.size
	var err error
	if size.Valid() {
		err = d.call("resize", func() { rs.OnResize(size.Cols, size.Rows) })
	}
	d.mu.Unlock()
	d.report(err)
}

// Detach drops the active sink. Later calls fail with ErrDetached.
func (d *Dispatcher) Detach() {
	d.mu.Lock()
	d.sink = nil
	d.mu.Unlock()
}

// Write forwards data[offset:offset+count] to the sink. It returns
// ErrInvalidRange without touching the sink when the range is out of bounds
// and ErrDetached when no sink is attached. A panicking sink does not produce
// an error here; see OnFailure.
func (d *Dispatcher) Write(data []byte, offset, count int) error {
	if err := CheckRange(len(data), offset, count); err != nil {
		return err
	}

	d.mu.Lock()
	s := d.sink
	if s == nil {
		d.mu.Unlock()
		return ErrDetached
	}
	err := d.call("write", func() { s.Write(data, offset, count) })
	d.mu.Unlock()

	d.report(err)
	return nil
}

// Resize records the new size and notifies the sink if it differs from the
// last one. Non-positive sizes are rejected.
func (d *Dispatcher) Resize(cols, rows int) error {
	size := Size{Cols: cols, Rows: rows}
	if err := size.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	if size == d.size {
		d.mu.Unlock()
		return nil
	}
	d.size = size
	s := d.sink
	if s == nil {
		d.mu.Unlock()
		return nil
	}
	err := d.call("resize", func() { s.OnResize(cols, rows) })
	d.mu.Unlock()

	d.report(err)
	return nil
}

// Size returns the last accepted size (zero if none).
func (d *Dispatcher) Size() Size {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// Failures returns how many sink calls panicked.
func (d *Dispatcher) Failures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failures
}

// call must be invoked with d.mu held.
func (d *Dispatcher) call(op string, fn func()) (err error) {
	defer func() {
		if v := recover(); v != nil {
			d.failures++
			err = &SinkFailure{Op: op, Value: v}
		}
	}()
	fn()
	return nil
}

func (d *Dispatcher) report(err error) {
	if err == nil {
		return
	}
	d.log.Warn("output sink failure isolated", "err", err)
	if d.onFailure != nil {
		d.onFailure(err)
	}
}
