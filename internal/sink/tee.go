package sink

import (
	"log/slog"

	"github.com/ankouros/ptermbridge/internal/terminal"
)

type tee struct {
	sinks []terminal.ResizableSink
	log   *slog.Logger
}

// Tee fans every call out to primary and then to others, in that order.
// OnResize only reaches members that implement terminal.Resizer. A member
// that panics is logged and skipped so the rest still receive the call.
func Tee(log *slog.Logger, primary terminal.OutputSink, others ...terminal.OutputSink) terminal.ResizableSink {
	if log == nil {
		log = slog.Default()
	}
	t := &tee{log: log}
	for _, s := range append([]terminal.OutputSink{primary}, others...) {
		if s != nil {
			t.sinks = append(t.sinks, terminal.WithResize(s))
		}
	}
	return t
}

func (t *tee) Write(data []byte, offset, count int) {
	for i, s := range t.sinks {
		t.guard(i, "write", func() { s.Write(data, offset, count) })
	}
}

func (t *tee) OnResize(columns, rows int) {
	for i, s := range t.sinks {
		t.guard(i, "resize", func() { s.OnResize(columns, rows) })
	}
}

func (t *tee) guard(i int, op string, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			t.log.Warn("tee member panicked", "member", i, "op", op, "panic", v)
		}
	}()
	fn()
}
