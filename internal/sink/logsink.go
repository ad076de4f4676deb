package sink

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ankouros/ptermbridge/internal/terminal"
)

// Format selects how a LogSink renders chunks.
type Format string

const (
	FormatRaw    Format = "raw"
	FormatQuoted Format = "quoted"
	FormatHex    Format = "hex"
)

// ParseFormat maps a config/flag value to a Format. Empty means raw.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatRaw:
		return FormatRaw, nil
	case FormatQuoted, FormatHex:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown log format %q", s)
	}
}

// LogSink writes every chunk to w. It has no resize capability.
//
// Writes are synchronous and bounded by w; the chunk is never retained.
// Write errors are logged once per failure streak and the chunk is dropped.
type LogSink struct {
	mu     sync.Mutex
	w      io.Writer
	format Format
	start  time.Time
	now    func() time.Time

	log     *slog.Logger
	failing bool
	errs    int
}

var _ terminal.OutputSink = (*LogSink)(nil)

func NewLogSink(w io.Writer, format Format, log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	if format == "" {
		format = FormatRaw
	}
	return &LogSink{
		w:      w,
		format: format,
		start:  time.Now(),
		now:    time.Now,
		log:    log,
	}
}

func (l *LogSink) Write(data []byte, offset, count int) {
	c, err := terminal.NewChunk(data, offset, count)
	if err != nil {
		l.log.Warn("log sink: bad range", "err", err)
		return
	}
	if c.Len() == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.format {
	case FormatQuoted:
		elapsed := l.now().Sub(l.start).Truncate(time.Millisecond)
		_, err = fmt.Fprintf(l.w, "+%s %s\n", elapsed, strconv.Quote(string(c.Bytes())))
	case FormatHex:
		_, err = io.WriteString(l.w, hex.Dump(c.Bytes()))
	default:
		_, err = l.w.Write(c.Bytes())
	}

	if err != nil {
		l.errs++
		if !l.failing {
			l.failing = true
			l.log.Warn("log sink write failed; dropping until it recovers", "err", err)
		}
		return
	}
	if l.failing {
		l.failing = false
		l.log.Info("log sink recovered", "failed_writes", l.errs)
	}
}

// Errors returns the number of failed writes so far.
func (l *LogSink) Errors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errs
}
