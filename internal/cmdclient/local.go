package cmdclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/ankouros/ptermbridge/internal/model"
	"github.com/ankouros/ptermbridge/internal/terminal"
)

// ProcessSession runs a local command under a pseudo-terminal.
type ProcessSession struct {
	Host model.Host

	cmd *exec.Cmd

	mu  sync.Mutex
	pty *os.File

	output chan []byte
	done   chan struct{}

	log  *slog.Logger
	once sync.Once
}

var _ terminal.Session = (*ProcessSession)(nil)

// StartLocal starts host.Local.Command (default $SHELL, then /bin/sh) on a
// new PTY of cols x rows.
func StartLocal(ctx context.Context, host model.Host, cols, rows int, log *slog.Logger) (*ProcessSession, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lc := host.Local
	if lc == nil {
		lc = &model.LocalConfig{}
	}

	path := strings.TrimSpace(lc.Command)
	if path == "" {
		path = os.Getenv("SHELL")
	}
	if path == "" {
		path = "/bin/sh"
	}

	args := applyPlaceholders(lc.Args, host)
	cmd := exec.Command(path, args...) //nolint:gosec // user-configured executable path

	if wd := strings.TrimSpace(lc.WorkDir); wd != "" {
		cmd.Dir = wd
	}

	cmd.Env = os.Environ()
	if !hasEnvKey(lc.Env, "TERM") {
		cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	}
	for k, v := range lc.Env {
		if k == "" {
			continue
		}
		cmd.Env = append(cmd.Env, k+"="+applyPlaceholdersOne(v, host))
	}

	f, err := pty.StartWithSize(cmd, winsize(cols, rows))
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	log.Info("local session started", "command", path, "pid", cmd.Process.Pid)

	s := &ProcessSession{
		Host:   host,
		cmd:    cmd,
		pty:    f,
		output: make(chan []byte, 128),
		done:   make(chan struct{}),
		log:    log,
	}

	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		s.pump(f)
	}()
	go func() {
		err := cmd.Wait()
		s.log.Debug("local session exited", "pid", cmd.Process.Pid, "err", err)

		// Let the pump drain what the process wrote before exiting.
		select {
		case <-pumped:
		case <-time.After(500 * time.Millisecond):
		}
		_ = s.Close()
	}()

	return s, nil
}

func (s *ProcessSession) Output() <-chan []byte { return s.output }
func (s *ProcessSession) Done() <-chan struct{} { return s.done }

func (s *ProcessSession) pump(r io.Reader) {
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			select {
			case s.output <- b:
			case <-s.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *ProcessSession) file() *os.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pty
}

func (s *ProcessSession) Write(p []byte) error {
	f := s.file()
	if f == nil {
		return fmt.Errorf("%w: process not running", terminal.ErrTransportUnavailable)
	}
	if _, err := f.Write(p); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return fmt.Errorf("%w: %w", terminal.ErrTransportUnavailable, err)
		}
		return err
	}
	return nil
}

func (s *ProcessSession) Resize(cols, rows int) error {
	f := s.file()
	ws := winsize(cols, rows)
	if f == nil || ws == nil {
		return nil
	}
	return pty.Setsize(f, ws)
}

// winsize converts a grid size to a PTY window size, clamping each side to
// the uint16 range of the kernel struct. Non-positive sizes yield nil.
func winsize(cols, rows int) *pty.Winsize {
	if cols <= 0 || rows <= 0 {
		return nil
	}
	return &pty.Winsize{
		Cols: uint16(min(cols, math.MaxUint16)),
		Rows: uint16(min(rows, math.MaxUint16)),
	}
}

func (s *ProcessSession) Close() error {
	s.once.Do(func() {
		close(s.done)

		s.mu.Lock()
		f := s.pty
		s.pty = nil
		s.mu.Unlock()

		if f != nil {
			_ = f.Close()
		}
		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	return nil
}

func hasEnvKey(env map[string]string, key string) bool {
	if env == nil {
		return false
	}
	_, ok := env[key]
	return ok
}

func applyPlaceholders(args []string, host model.Host) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		out = append(out, applyPlaceholdersOne(a, host))
	}
	return out
}

func applyPlaceholdersOne(s string, host model.Host) string {
	s = strings.ReplaceAll(s, "{host}", host.Host)
	s = strings.ReplaceAll(s, "{port}", fmt.Sprint(host.Port))
	s = strings.ReplaceAll(s, "{user}", host.User)
	s = strings.ReplaceAll(s, "{name}", host.Name)
	s = strings.ReplaceAll(s, "{id}", fmt.Sprint(host.ID))
	return s
}
