package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ankouros/ptermbridge/internal/terminal"
)

var (
	// ErrQueueFull is reported when a chunk is dropped because the queue
	// stayed full for longer than the enqueue timeout.
	ErrQueueFull = errors.New("output queue full")
	// ErrClosed is reported for calls made after Close.
	ErrClosed = errors.New("output sink closed")
)

const (
	DefaultQueueSize      = 256
	DefaultEnqueueTimeout = 50 * time.Millisecond
)

// Target is where a QueuedSink delivers bytes. terminal.Session satisfies it.
type Target interface {
	Write(p []byte) error
}

// SizeTarget is the optional resize capability of a Target.
type SizeTarget interface {
	Resize(cols, rows int) error
}

// Options tunes a QueuedSink. Zero values pick the defaults.
type Options struct {
	QueueSize int

	// EnqueueTimeout bounds how long Write waits for queue space.
	// A negative value drops immediately when the queue is full.
	EnqueueTimeout time.Duration

	Logger *slog.Logger

	// OnError receives delivery failures. It is called from the worker
	// goroutine, or from the producer for ErrQueueFull/ErrClosed.
	OnError func(error)
}

type event struct {
	data   []byte
	size   terminal.Size
	resize bool
}

// QueuedSink is a terminal.ResizableSink that copies each chunk into a
// bounded queue and delivers it to its Target from a single worker
// goroutine. Writes and resizes share the queue, so delivery order matches
// call order. Producers never wait longer than EnqueueTimeout.
type QueuedSink struct {
	target  Target
	resizer SizeTarget

	queue   chan event
	abort   chan struct{}
	done    chan struct{}
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	once   sync.Once

	log     *slog.Logger
	onError func(error)

	delivered atomic.Int64
	dropped   atomic.Int64
}

var _ terminal.ResizableSink = (*QueuedSink)(nil)

func NewQueued(target Target, opts Options) *QueuedSink {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.EnqueueTimeout == 0 {
		opts.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	q := &QueuedSink{
		target:  target,
		queue:   make(chan event, opts.QueueSize),
		abort:   make(chan struct{}),
		done:    make(chan struct{}),
		timeout: opts.EnqueueTimeout,
		log:     opts.Logger,
		onError: opts.OnError,
	}
	if st, ok := target.(SizeTarget); ok {
		q.resizer = st
	}

	go q.run()
	return q
}

func (q *QueuedSink) Write(data []byte, offset, count int) {
	c, err := terminal.NewChunk(data, offset, count)
	if err != nil {
		q.fail(err)
		return
	}
	if c.Len() == 0 {
		return
	}
	q.enqueue(event{data: c.Clone()})
}

func (q *QueuedSink) OnResize(columns, rows int) {
	if q.resizer == nil {
		return
	}
	q.enqueue(event{resize: true, size: terminal.Size{Cols: columns, Rows: rows}})
}

func (q *QueuedSink) enqueue(ev event) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.drop(ev, ErrClosed)
		return
	}

	select {
	case q.queue <- ev:
		return
	default:
	}
	if q.timeout < 0 {
		q.drop(ev, ErrQueueFull)
		return
	}

	t := time.NewTimer(q.timeout)
	defer t.Stop()
	select {
	case q.queue <- ev:
	case <-t.C:
		q.drop(ev, ErrQueueFull)
	}
}

func (q *QueuedSink) drop(ev event, reason error) {
	if !ev.resize {
		q.dropped.Add(int64(len(ev.data)))
	}
	q.fail(reason)
}

func (q *QueuedSink) run() {
	defer close(q.done)

	for ev := range q.queue {
		select {
		case <-q.abort:
			q.drop(ev, ErrClosed)
			continue
		default:
		}
		q.deliver(ev)
	}
}

func (q *QueuedSink) deliver(ev event) {
	if ev.resize {
		if err := q.resizer.Resize(ev.size.Cols, ev.size.Rows); err != nil {
			q.fail(classify(fmt.Errorf("resize %s: %w", ev.size, err)))
		}
		return
	}

	if err := q.target.Write(ev.data); err != nil {
		q.dropped.Add(int64(len(ev.data)))
		q.fail(classify(err))
		return
	}
	q.delivered.Add(int64(len(ev.data)))
}

func classify(err error) error {
	if errors.Is(err, terminal.ErrTransportUnavailable) || errors.Is(err, terminal.ErrWriteFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", terminal.ErrWriteFailed, err)
}

func (q *QueuedSink) fail(err error) {
	q.log.Debug("queued sink", "err", err)
	if q.onError != nil {
		q.onError(err)
	}
}

// Close stops accepting new calls and waits for queued events to be
// delivered. If ctx ends first, the remaining events are discarded and
// ctx.Err() is returned. Close is idempotent.
func (q *QueuedSink) Close(ctx context.Context) error {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.queue)
		q.mu.Unlock()
	})

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		q.abortOnce()
		return ctx.Err()
	}
}

func (q *QueuedSink) abortOnce() {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.abort:
	default:
		close(q.abort)
	}
}

// Pending returns the number of queued events not yet delivered.
func (q *QueuedSink) Pending() int { return len(q.queue) }

// Delivered returns the number of bytes accepted by the target.
func (q *QueuedSink) Delivered() int64 { return q.delivered.Load() }

// Dropped returns the number of bytes discarded by the drop policy or by
// target failures.
func (q *QueuedSink) Dropped() int64 { return q.dropped.Load() }
