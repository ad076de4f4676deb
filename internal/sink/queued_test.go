package sink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankouros/ptermbridge/internal/terminal"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingTarget struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	events  []string
	err     error
	block   chan struct{}
	entered chan struct{}
}

func (r *recordingTarget) Write(p []byte) error {
	if r.entered != nil {
		select {
		case r.entered <- struct{}{}:
		default:
		}
	}
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.buf.Write(p)
	r.events = append(r.events, "w:"+string(p))
	return nil
}

func (r *recordingTarget) Resize(cols, rows int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, terminal.Size{Cols: cols, Rows: rows}.String())
	return nil
}

func (r *recordingTarget) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func (r *recordingTarget) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type writeOnlyTarget struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *writeOnlyTarget) Write(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	return nil
}

func closeNow(t *testing.T, q *QueuedSink) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))
}

func TestQueuedSinkPreservesOrder(t *testing.T) {
	target := &recordingTarget{}
	q := NewQueued(target, Options{Logger: quietLogger()})

	for _, c := range []string{"ab", "cd", "ef"} {
		q.Write([]byte(c), 0, len(c))
	}
	closeNow(t, q)

	assert.Equal(t, "abcdef", target.String())
	assert.EqualValues(t, 6, q.Delivered())
	assert.Zero(t, q.Dropped())
}

func TestQueuedSinkCopiesBuffer(t *testing.T) {
	target := &recordingTarget{block: make(chan struct{})}
	q := NewQueued(target, Options{Logger: quietLogger()})

	buf := []byte("--hello--")
	q.Write(buf, 2, 5)
	// The caller reuses its buffer as soon as Write returns.
	copy(buf, "XXXXXXXXX")
	close(target.block)
	closeNow(t, q)

	assert.Equal(t, "hello", target.String())
}

func TestQueuedSinkZeroCountAndBadRange(t *testing.T) {
	var errs []error
	var mu sync.Mutex
	target := &recordingTarget{}
	q := NewQueued(target, Options{
		Logger: quietLogger(),
		OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	})

	q.Write([]byte("abc"), 3, 0)
	q.Write([]byte("abc"), 2, 4)
	closeNow(t, q)

	assert.Empty(t, target.Events())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], terminal.ErrInvalidRange)
}

func TestQueuedSinkResizeOrdering(t *testing.T) {
	target := &recordingTarget{}
	q := NewQueued(target, Options{Logger: quietLogger()})

	q.Write([]byte("a"), 0, 1)
	q.OnResize(100, 30)
	q.Write([]byte("b"), 0, 1)
	closeNow(t, q)

	assert.Equal(t, []string{"w:a", "100x30", "w:b"}, target.Events())
}

func TestQueuedSinkResizeWithoutCapability(t *testing.T) {
	target := &writeOnlyTarget{}
	q := NewQueued(target, Options{Logger: quietLogger()})

	assert.NotPanics(t, func() { q.OnResize(80, 24) })
	q.Write([]byte("x"), 0, 1)
	closeNow(t, q)
	assert.Equal(t, "x", target.buf.String())
}

func TestQueuedSinkDropsWhenFull(t *testing.T) {
	var (
		mu   sync.Mutex
		errs []error
	)
	target := &recordingTarget{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	q := NewQueued(target, Options{
		QueueSize:      1,
		EnqueueTimeout: -1,
		Logger:         quietLogger(),
		OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	})

	q.Write([]byte("1"), 0, 1)
	<-target.entered // worker holds "1"
	q.Write([]byte("2"), 0, 1)

	start := time.Now()
	q.Write([]byte("333"), 0, 3)
	assert.Less(t, time.Since(start), time.Second, "producer must not block")

	close(target.block)
	closeNow(t, q)

	assert.Equal(t, "12", target.String())
	assert.EqualValues(t, 3, q.Dropped())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrQueueFull)
}

func TestQueuedSinkBoundedWait(t *testing.T) {
	target := &recordingTarget{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	q := NewQueued(target, Options{
		QueueSize:      1,
		EnqueueTimeout: 20 * time.Millisecond,
		Logger:         quietLogger(),
	})
	defer func() {
		close(target.block)
		closeNow(t, q)
	}()

	q.Write([]byte("1"), 0, 1)
	<-target.entered
	q.Write([]byte("2"), 0, 1)

	start := time.Now()
	q.Write([]byte("3"), 0, 1)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.EqualValues(t, 1, q.Dropped())
}

func TestQueuedSinkContainsTargetErrors(t *testing.T) {
	var (
		mu   sync.Mutex
		errs []error
	)
	target := &recordingTarget{err: errors.New("broken pipe")}
	q := NewQueued(target, Options{
		Logger: quietLogger(),
		OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	})

	q.Write([]byte("abc"), 0, 3)
	q.Write([]byte("de"), 0, 2)
	closeNow(t, q)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.ErrorIs(t, err, terminal.ErrWriteFailed)
	}
	assert.EqualValues(t, 5, q.Dropped())
}

func TestQueuedSinkKeepsTransportUnavailable(t *testing.T) {
	var got error
	target := &recordingTarget{err: terminal.ErrTransportUnavailable}
	q := NewQueued(target, Options{
		Logger:  quietLogger(),
		OnError: func(err error) { got = err },
	})
	q.Write([]byte("a"), 0, 1)
	closeNow(t, q)

	assert.ErrorIs(t, got, terminal.ErrTransportUnavailable)
	assert.NotErrorIs(t, got, terminal.ErrWriteFailed)
}

func TestQueuedSinkCloseSemantics(t *testing.T) {
	var got []error
	var mu sync.Mutex
	target := &recordingTarget{}
	q := NewQueued(target, Options{
		Logger: quietLogger(),
		OnError: func(err error) {
			mu.Lock()
			got = append(got, err)
			mu.Unlock()
		},
	})

	q.Write([]byte("before"), 0, 6)
	closeNow(t, q)
	closeNow(t, q)

	q.Write([]byte("after"), 0, 5)
	assert.Equal(t, "before", target.String())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0], ErrClosed)
}

func TestQueuedSinkCloseDeadline(t *testing.T) {
	target := &recordingTarget{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	q := NewQueued(target, Options{Logger: quietLogger()})
	q.Write([]byte("stuck"), 0, 5)
	q.Write([]byte("queued"), 0, 6)
	<-target.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(target.block)
	closeNow(t, q)
	assert.Equal(t, "stuck", target.String())
	assert.EqualValues(t, 6, q.Dropped())
}

func TestQueuedSinkThroughDispatcher(t *testing.T) {
	target := &recordingTarget{}
	q := NewQueued(target, Options{Logger: quietLogger()})
	d := terminal.NewDispatcher(q, terminal.WithLogger(quietLogger()))

	require.NoError(t, d.Resize(80, 24))
	require.NoError(t, d.Resize(80, 24))
	for _, c := range []string{"ab", "cd", "ef"} {
		require.NoError(t, d.Write([]byte(c), 0, len(c)))
	}
	closeNow(t, q)

	assert.Equal(t, []string{"80x24", "w:ab", "w:cd", "w:ef"}, target.Events())
}
