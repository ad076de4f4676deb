package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/ankouros/ptermbridge/internal/model"
	"github.com/ankouros/ptermbridge/internal/session"
	"github.com/ankouros/ptermbridge/internal/terminal"
)

// EscapeByte (Ctrl-]) ends an interactive session from the local side.
const EscapeByte = 0x1d

const (
	outputPoll     = 15 * time.Millisecond
	outputMaxBytes = 64 * 1024
)

var (
	errEscape       = errors.New("escape")
	errSessionEnded = errors.New("session ended")
)

type ConnectOptions struct {
	// Host is a host name or numeric ID from the config.
	Host string

	// Audit and AuditFormat override the host's audit settings.
	Audit       string
	AuditFormat string

	Reconnect bool

	// IdentityFile is passed to SSH hosts using key auth without a keyPath.
	IdentityFile string

	In     io.Reader
	Out    io.Writer
	Logger *slog.Logger

	// ManagerOptions are appended to the session manager options.
	ManagerOptions []session.Option
}

// Connect opens an interactive session to opts.Host and bridges it to
// opts.In/opts.Out until the session ends, the escape byte is typed or ctx
// is cancelled. When In is a terminal it is put in raw mode and window size
// changes are forwarded to the session.
func Connect(ctx context.Context, cfg model.AppConfig, opts ConnectOptions) error {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	host, ok := cfg.FindHost(opts.Host)
	if !ok {
		return fmt.Errorf("host %q not found", opts.Host)
	}
	cfg = applyOverrides(cfg, host.ID, opts)

	mgrOpts := []session.Option{
		session.WithLogger(log),
		session.WithReconnect(opts.Reconnect),
		session.WithIdentityFile(opts.IdentityFile),
	}
	mgr := session.NewManager(cfg, append(mgrOpts, opts.ManagerOptions...)...)
	defer mgr.DisconnectAll()

	fd := ttyFd(opts.In)
	cols, rows := 80, 24
	if fd >= 0 {
		if c, r, err := term.GetSize(fd); err == nil && c > 0 && r > 0 {
			cols, rows = c, r
		}
	}

	if _, err := mgr.Ensure(ctx, host.ID, cols, rows, passwordPrompt(fd, opts.Out)); err != nil {
		return fmt.Errorf("connect %s: %w", host.Name, err)
	}
	log.Debug("bridging terminal", "host", host.Name, "size", terminal.Size{Cols: cols, Rows: rows}, "tty", fd >= 0)

	if fd >= 0 {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer func() { _ = term.Restore(fd, state) }()

		stop := watchResize(func() {
			c, r, err := term.GetSize(fd)
			if err != nil {
				return
			}
			if err := mgr.Resize(host.ID, c, r); err != nil {
				log.Debug("resize ignored", "cols", c, "rows", r, "err", err)
			}
		})
		defer stop()
	}

	stopInput := make(chan struct{})
	defer close(stopInput)
	input := readInput(opts.In, stopInput)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return forwardInput(gctx, mgr, host.ID, input, log) })
	g.Go(func() error { return pumpOutput(gctx, mgr, host.ID, opts.Out) })

	err := g.Wait()
	switch {
	case errors.Is(err, errEscape):
		log.Info("session closed by escape", "host", host.Name)
		return nil
	case errors.Is(err, errSessionEnded):
		info := mgr.SessionInfo(host.ID)
		log.Info("session ended", "host", host.Name, "reason", info.LastErr)
		return nil
	}
	return err
}

// applyOverrides returns a copy of cfg with the per-invocation audit
// settings applied. cfg itself is not modified.
func applyOverrides(cfg model.AppConfig, hostID int, opts ConnectOptions) model.AppConfig {
	nets := make([]model.Network, len(cfg.Networks))
	for i, n := range cfg.Networks {
		hosts := append([]model.Host(nil), n.Hosts...)
		for j := range hosts {
			if hosts[j].ID == hostID && opts.Audit != "" {
				hosts[j].Audit = opts.Audit
			}
		}
		n.Hosts = hosts
		nets[i] = n
	}
	cfg.Networks = nets
	if opts.AuditFormat != "" {
		cfg.Output.AuditFormat = opts.AuditFormat
	}
	return cfg
}

func ttyFd(r io.Reader) int {
	f, ok := r.(*os.File)
	if !ok {
		return -1
	}
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return -1
	}
	return fd
}

// passwordPrompt asks once on the terminal and reuses the answer for
// reconnects, when the terminal is already in raw mode.
func passwordPrompt(fd int, out io.Writer) func(int) (string, error) {
	var (
		once sync.Once
		pw   string
		err  error
	)
	return func(int) (string, error) {
		once.Do(func() {
			if fd < 0 {
				err = errors.New("password required but input is not a terminal")
				return
			}
			fmt.Fprint(out, "Password: ")
			var b []byte
			b, err = term.ReadPassword(fd)
			fmt.Fprintln(out)
			pw = string(b)
		})
		return pw, err
	}
}

// readInput reads r on its own goroutine. A blocked Read cannot be
// interrupted, so the reader is not part of the errgroup; it exits on the
// next read after stop is closed.
func readInput(r io.Reader, stop <-chan struct{}) <-chan []byte {
	ch := make(chan []byte)
	go func() {
		defer close(ch)
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				b := make([]byte, n)
				copy(b, buf[:n])
				select {
				case ch <- b:
				case <-stop:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

func forwardInput(ctx context.Context, mgr *session.Manager, hostID int, input <-chan []byte, log *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b, ok := <-input:
			if !ok {
				// EOF: keep the session running until it ends on its own.
				return nil
			}

			escape := false
			if i := bytes.IndexByte(b, EscapeByte); i >= 0 {
				b, escape = b[:i], true
			}
			if len(b) > 0 {
				err := mgr.Write(hostID, b)
				switch {
				case errors.Is(err, terminal.ErrTransportUnavailable):
					log.Debug("input dropped", "bytes", len(b), "err", err)
				case err != nil:
					return err
				}
			}
			if escape {
				return errEscape
			}
		}
	}
}

func pumpOutput(ctx context.Context, mgr *session.Manager, hostID int, w io.Writer) error {
	flush := func() error {
		for {
			chunks, more := mgr.DrainBufferedUpTo(hostID, outputMaxBytes)
			for _, c := range chunks {
				if _, err := w.Write(c); err != nil {
					return fmt.Errorf("write output: %w", err)
				}
			}
			if !more {
				return nil
			}
		}
	}

	t := time.NewTicker(outputPoll)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return flush()
		case <-t.C:
		}

		if err := flush(); err != nil {
			return err
		}

		info := mgr.SessionInfo(hostID)
		if info.State == session.StateDisconnected && !info.AutoReconnect {
			// Trailing output may still be in flight from the collector.
			time.Sleep(outputPoll)
			if err := flush(); err != nil {
				return err
			}
			return errSessionEnded
		}
	}
}
