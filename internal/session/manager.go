package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ankouros/ptermbridge/internal/cmdclient"
	"github.com/ankouros/ptermbridge/internal/model"
	"github.com/ankouros/ptermbridge/internal/sink"
	"github.com/ankouros/ptermbridge/internal/sshclient"
	"github.com/ankouros/ptermbridge/internal/terminal"
)

type SessionState int

const (
	StateConnected SessionState = iota
	StateDisconnected
	StateReconnecting
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

type SessionInfo struct {
	ID            string
	State         SessionState
	Attempts      int
	LastErr       string
	AutoReconnect bool

	// Output path counters (terminal core -> transport).
	Delivered int64
	Dropped   int64
	SinkErr   string
	Failures  int
}

// Dialer opens a transport for host with an initial cols x rows geometry.
type Dialer func(ctx context.Context, host model.Host, cols, rows int, pw func(hostID int) (string, error)) (terminal.Session, error)

type ManagedSession struct {
	ID   string
	Host model.Host
	Sess terminal.Session

	State         SessionState
	Err           error
	SinkErr       error
	Attempts      int
	AutoReconnect bool

	cols int
	rows int

	// out is the terminal core's handle on the single active sink.
	out   *terminal.Dispatcher
	queue *sink.QueuedSink
	audit io.Closer
	stop  chan struct{}

	mu sync.Mutex
}

func (ms *ManagedSession) current() terminal.Session {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.Sess
}

// liveTarget resolves the session's transport at delivery time, so the
// queued sink survives reconnects.
type liveTarget struct {
	ms *ManagedSession
}

func (t liveTarget) Write(p []byte) error {
	sess := t.ms.current()
	if sess == nil {
		return fmt.Errorf("%w: session %s not connected", terminal.ErrTransportUnavailable, t.ms.ID)
	}
	return sess.Write(p)
}

func (t liveTarget) Resize(cols, rows int) error {
	sess := t.ms.current()
	if sess == nil {
		return nil
	}
	return sess.Resize(cols, rows)
}

type Manager struct {
	mu sync.Mutex

	cfg model.AppConfig

	sessions map[int]*ManagedSession
	buffers  map[int][][]byte

	passwordProvider func(hostID int) (string, error)

	log           *slog.Logger
	dialer        Dialer
	backoff       func(attempt int) time.Duration
	autoReconnect bool
	identity      string
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithDialer replaces the driver-based dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(m *Manager) { m.backoff = fn }
}

// WithIdentityFile sets the private key used by hosts with auth method key
// that name no key file of their own.
func WithIdentityFile(path string) Option {
	return func(m *Manager) { m.identity = path }
}

// WithReconnect enables or disables automatic reconnects of lost SSH
// sessions. It is enabled by default.
func WithReconnect(enabled bool) Option {
	return func(m *Manager) { m.autoReconnect = enabled }
}

func NewManager(cfg model.AppConfig, opts ...Option) *Manager {
	m := &Manager{
		cfg:           cfg,
		sessions:      make(map[int]*ManagedSession),
		buffers:       make(map[int][][]byte),
		log:           slog.Default(),
		backoff:       backoff,
		autoReconnect: true,
	}
	m.dialer = m.dial
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) SetConfig(cfg model.AppConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *Manager) Config() model.AppConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Ensure returns the live session for hostID, dialing one if needed.
func (m *Manager) Ensure(
	ctx context.Context,
	hostID int,
	cols, rows int,
	pw func(hostID int) (string, error),
) (terminal.Session, error) {

	m.mu.Lock()
	m.passwordProvider = pw

	if ms := m.sessions[hostID]; ms != nil {
		ms.mu.Lock()
		if cols > 0 && rows > 0 {
			ms.cols, ms.rows = cols, rows
		}
		sess := ms.Sess
		state := ms.State
		auto := ms.AutoReconnect
		ms.mu.Unlock()

		// If a session exists and is live, reuse it.
		if sess != nil {
			m.mu.Unlock()
			if cols > 0 && rows > 0 {
				_ = ms.out.Resize(cols, rows)
			}
			return sess, nil
		}

		// A disconnected session without auto-reconnect (local driver, host
		// key failure) is replaced by a fresh dial.
		if state == StateDisconnected && !auto {
			delete(m.sessions, hostID)
			delete(m.buffers, hostID)
			m.mu.Unlock()
			m.teardown(ms)
		} else {
			m.mu.Unlock()
			return nil, errors.New("session reconnecting")
		}
	} else {
		m.mu.Unlock()
	}

	host, ok := m.findHost(hostID)
	if !ok {
		return nil, fmt.Errorf("host %d not found", hostID)
	}

	sess, err := m.dialer(ctx, host, cols, rows, pw)
	if err != nil {
		return nil, err
	}

	ms := &ManagedSession{
		ID:            uuid.NewString(),
		Host:          host,
		Sess:          sess,
		State:         StateConnected,
		AutoReconnect: m.autoReconnect && (host.Driver == "" || host.Driver == model.DriverSSH),
		cols:          cols,
		rows:          rows,
		stop:          make(chan struct{}),
	}
	if err := m.wireOutput(ms); err != nil {
		_ = sess.Close()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[hostID] = ms
	m.mu.Unlock()

	m.log.Info("session connected", "host", host.Name, "session", ms.ID, "driver", host.Driver)

	go m.collect(ms, sess)
	go m.monitor(ms, sess)
	return sess, nil
}

// wireOutput builds the output path: Dispatcher -> [Tee ->] QueuedSink ->
// current transport, plus the optional audit log.
func (m *Manager) wireOutput(ms *ManagedSession) error {
	cfg := m.Config().Output
	log := m.log.With("host", ms.Host.Name, "session", ms.ID)

	ms.queue = sink.NewQueued(liveTarget{ms}, sink.Options{
		QueueSize:      cfg.QueueSize,
		EnqueueTimeout: cfg.EnqueueTimeout,
		Logger:         log,
		OnError:        func(err error) { m.sinkError(ms, err) },
	})

	var out terminal.OutputSink = ms.queue
	if ms.Host.Audit != "" {
		format, err := sink.ParseFormat(cfg.AuditFormat)
		if err != nil {
			_ = ms.queue.Close(context.Background())
			return err
		}
		f, err := os.OpenFile(ms.Host.Audit, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			_ = ms.queue.Close(context.Background())
			return fmt.Errorf("open audit log: %w", err)
		}
		ms.audit = f
		out = sink.Tee(log, ms.queue, sink.NewLogSink(f, format, log))
	}

	ms.out = terminal.NewDispatcher(out,
		terminal.WithLogger(log),
		terminal.OnFailure(func(err error) { m.sinkError(ms, err) }),
	)
	if ms.cols > 0 && ms.rows > 0 {
		_ = ms.out.Resize(ms.cols, ms.rows)
	}
	return nil
}

func (m *Manager) sinkError(ms *ManagedSession, err error) {
	ms.mu.Lock()
	ms.SinkErr = err
	ms.mu.Unlock()
	m.log.Debug("output path error", "host", ms.Host.Name, "session", ms.ID, "err", err)
}

// collect buffers transport output until the transport is done.
func (m *Manager) collect(ms *ManagedSession, sess terminal.Session) {
	for {
		select {
		case b, ok := <-sess.Output():
			if !ok {
				return
			}
			m.bufferFrom(ms, b)
		case <-sess.Done():
			// Pick up whatever is still queued.
			for {
				select {
				case b := <-sess.Output():
					m.bufferFrom(ms, b)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) monitor(ms *ManagedSession, sess terminal.Session) {
	if sess == nil {
		return
	}
	<-sess.Done()

	ms.mu.Lock()
	if ms.Sess != sess {
		// Disconnected explicitly; nothing to do.
		ms.mu.Unlock()
		return
	}
	ms.State = StateDisconnected
	ms.Sess = nil
	if ms.Err == nil {
		ms.Err = errors.New("connection lost")
	}
	auto := ms.AutoReconnect
	ms.mu.Unlock()

	m.log.Warn("session lost", "host", ms.Host.Name, "session", ms.ID, "reconnect", auto)

	if auto {
		go m.reconnect(ms)
	}
}

func backoff(attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<attempt) * time.Second
}

func (m *Manager) reconnect(ms *ManagedSession) {
	// Only SSH sessions are auto-reconnected. Local sessions run an interactive process.
	if ms.Host.Driver != "" && ms.Host.Driver != model.DriverSSH {
		return
	}

	for attempt := 1; ; attempt++ {
		ms.mu.Lock()
		auto := ms.AutoReconnect
		if auto {
			ms.State = StateReconnecting
			ms.Attempts = attempt
		}
		ms.mu.Unlock()
		if !auto {
			return
		}

		select {
		case <-time.After(m.backoff(attempt)):
		case <-ms.stop:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)

		ms.mu.Lock()
		cols, rows := ms.cols, ms.rows
		ms.mu.Unlock()

		sess, err := m.dialer(ctx, ms.Host, cols, rows, func(hostID int) (string, error) {
			m.mu.Lock()
			pw := m.passwordProvider
			m.mu.Unlock()
			if pw == nil {
				return "", errors.New("password provider not set")
			}
			return pw(hostID)
		})
		cancel()

		if err != nil {
			// Host key problems MUST NOT auto-reconnect.
			if sshclient.IsHostKeyError(err) {
				ms.mu.Lock()
				ms.State = StateDisconnected
				ms.AutoReconnect = false
				ms.Err = err
				ms.Attempts = 0
				ms.mu.Unlock()
				m.log.Error("reconnect stopped: host key", "host", ms.Host.Name, "err", err)
				return
			}

			ms.mu.Lock()
			ms.Err = err
			ms.mu.Unlock()
			m.log.Warn("reconnect failed", "host", ms.Host.Name, "attempt", attempt, "err", err)
			continue
		}

		ms.mu.Lock()
		if !ms.AutoReconnect {
			// Disconnected while dialing.
			ms.mu.Unlock()
			_ = sess.Close()
			return
		}
		ms.Sess = sess
		ms.State = StateConnected
		ms.Err = nil
		ms.Attempts = 0
		// Resizes that arrived while dialing found no transport.
		wantCols, wantRows := ms.cols, ms.rows
		ms.mu.Unlock()

		if (wantCols != cols || wantRows != rows) && wantCols > 0 && wantRows > 0 {
			if err := sess.Resize(wantCols, wantRows); err != nil {
				m.log.Warn("resize after reconnect failed", "host", ms.Host.Name, "err", err)
			}
		}

		m.log.Info("session reconnected", "host", ms.Host.Name, "session", ms.ID, "attempt", attempt)

		go m.collect(ms, sess)
		go m.monitor(ms, sess)
		return
	}
}

// Resize records the new geometry and forwards it through the session's
// output path. Sizes that did not change are not re-sent.
func (m *Manager) Resize(hostID, cols, rows int) error {
	m.mu.Lock()
	ms := m.sessions[hostID]
	m.mu.Unlock()
	if ms == nil {
		return nil
	}

	if err := (terminal.Size{Cols: cols, Rows: rows}).Validate(); err != nil {
		return err
	}

	ms.mu.Lock()
	ms.cols, ms.rows = cols, rows
	ms.mu.Unlock()

	return ms.out.Resize(cols, rows)
}

func (m *Manager) SessionInfo(hostID int) SessionInfo {
	m.mu.Lock()
	ms := m.sessions[hostID]
	m.mu.Unlock()
	if ms == nil {
		return SessionInfo{State: StateDisconnected}
	}

	info := SessionInfo{
		Delivered: ms.queue.Delivered(),
		Dropped:   ms.queue.Dropped(),
		Failures:  ms.out.Failures(),
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	info.ID = ms.ID
	info.State = ms.State
	info.Attempts = ms.Attempts
	info.AutoReconnect = ms.AutoReconnect
	if ms.Err != nil {
		info.LastErr = ms.Err.Error()
	}
	if ms.SinkErr != nil {
		info.SinkErr = ms.SinkErr.Error()
	}
	return info
}

var truncatedOutputMsg = []byte("\r\n[ptermbridge: output truncated]\r\n")

func (m *Manager) BufferOutput(hostID int, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bufferLocked(hostID, data)
}

// bufferFrom drops output of a session that was disconnected or replaced, so
// a new session never starts with a dead one's scrollback.
func (m *Manager) bufferFrom(ms *ManagedSession, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[ms.Host.ID] != ms {
		return
	}
	m.bufferLocked(ms.Host.ID, data)
}

func (m *Manager) bufferLocked(hostID int, data []byte) {
	// Coalesce small chunks to reduce allocations during bursts.
	const coalesceIfLastBelow = 8 * 1024
	const coalesceMaxLastSize = 64 * 1024
	maxChunks := m.cfg.Output.ScrollbackChunks
	if maxChunks <= 1 {
		maxChunks = 2000
	}

	b := m.buffers[hostID]
	if n := len(b); n > 0 && len(b[n-1]) < coalesceIfLastBelow && len(b[n-1])+len(data) <= coalesceMaxLastSize {
		b[n-1] = append(b[n-1], data...)
	} else {
		b = append(b, data)
	}

	if len(b) > maxChunks {
		kept := b[len(b)-maxChunks+1:]
		b = make([][]byte, 0, maxChunks)
		b = append(b, append([]byte(nil), truncatedOutputMsg...))
		b = append(b, kept...)
	}
	m.buffers[hostID] = b
}

func (m *Manager) DrainBuffered(hostID int) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.buffers[hostID]
	m.buffers[hostID] = nil
	return b
}

func (m *Manager) DrainBufferedUpTo(hostID int, maxBytes int) ([][]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.buffers[hostID]
	if len(b) == 0 {
		return nil, false
	}

	total := 0
	n := 0
	for n < len(b) {
		// Always take at least one chunk.
		if maxBytes > 0 && n > 0 && total+len(b[n]) > maxBytes {
			break
		}
		total += len(b[n])
		n++
		if maxBytes > 0 && total >= maxBytes {
			break
		}
	}

	out := make([][]byte, n)
	copy(out, b[:n])
	m.buffers[hostID] = b[n:]
	return out, len(m.buffers[hostID]) > 0
}

// Write hands data to the session's output sink. The caller may reuse data
// as soon as Write returns.
func (m *Manager) Write(hostID int, data []byte) error {
	m.mu.Lock()
	ms := m.sessions[hostID]
	m.mu.Unlock()

	if ms == nil || ms.current() == nil {
		return fmt.Errorf("%w: session not connected", terminal.ErrTransportUnavailable)
	}
	return ms.out.Write(data, 0, len(data))
}

func (m *Manager) dial(
	ctx context.Context,
	host model.Host,
	cols, rows int,
	pw func(hostID int) (string, error),
) (terminal.Session, error) {
	driver := host.Driver
	if driver == "" {
		driver = model.DriverSSH
	}
	cfg := m.Config()

	switch driver {
	case model.DriverSSH:
		ns, err := sshclient.DialAndStart(ctx, host, cols, rows, func() (string, error) {
			if pw == nil {
				return "", errors.New("password provider not set")
			}
			return pw(host.ID)
		}, sshclient.Options{
			KeepAlive:    cfg.Output.KeepAlive,
			IdentityFile: m.identity,
			Logger:       m.log,
		})
		if err != nil {
			return nil, err
		}
		return ns, nil

	case model.DriverLocal:
		ps, err := cmdclient.StartLocal(ctx, host, cols, rows, m.log)
		if err != nil {
			return nil, err
		}
		return ps, nil

	default:
		return nil, fmt.Errorf("unknown connection driver: %s", driver)
	}
}

// teardown detaches the output path, drains it into the transport and closes
// both. It is safe to call on a session that is already torn down.
func (m *Manager) teardown(ms *ManagedSession) error {
	ms.mu.Lock()
	ms.AutoReconnect = false
	select {
	case <-ms.stop:
	default:
		close(ms.stop)
	}
	ms.mu.Unlock()

	ms.out.Detach()

	drain := m.Config().Output.DrainTimeout
	if drain <= 0 {
		drain = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), drain)
	if err := ms.queue.Close(ctx); err != nil {
		m.log.Warn("output not fully drained", "host", ms.Host.Name, "session", ms.ID, "dropped", ms.queue.Dropped())
	}
	cancel()

	ms.mu.Lock()
	sess := ms.Sess
	audit := ms.audit
	ms.Sess = nil
	ms.audit = nil
	ms.State = StateDisconnected
	ms.Attempts = 0
	ms.Err = nil
	ms.mu.Unlock()

	if audit != nil {
		_ = audit.Close()
	}
	if sess != nil {
		return sess.Close()
	}
	return nil
}

func (m *Manager) Disconnect(hostID int) error {
	m.mu.Lock()
	ms := m.sessions[hostID]
	if ms == nil {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, hostID)
	delete(m.buffers, hostID)
	m.mu.Unlock()

	m.log.Info("session disconnect", "host", ms.Host.Name, "session", ms.ID)
	return m.teardown(ms)
}

func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	sessions := make([]*ManagedSession, 0, len(m.sessions))
	for _, ms := range m.sessions {
		if ms != nil {
			sessions = append(sessions, ms)
		}
	}
	m.sessions = make(map[int]*ManagedSession)
	m.buffers = make(map[int][][]byte)
	m.mu.Unlock()

	for _, ms := range sessions {
		_ = m.teardown(ms)
	}
}

func (m *Manager) findHost(id int) (model.Host, bool) {
	return m.Config().HostByID(id)
}
