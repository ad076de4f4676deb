package sshclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ankouros/ptermbridge/internal/model"
	"github.com/ankouros/ptermbridge/internal/terminal"
)

/*
Known-hosts UX errors
*/

type ErrUnknownHostKey struct {
	HostPort    string
	Fingerprint string
	Key         ssh.PublicKey
}

func (e ErrUnknownHostKey) Error() string {
	return "unknown host key: " + e.HostPort + " (" + e.Fingerprint + ")"
}

type ErrHostKeyMismatch struct {
	HostPort    string
	Fingerprint string
	Key         ssh.PublicKey
}

func (e ErrHostKeyMismatch) Error() string {
	return "host key mismatch: " + e.HostPort + " (" + e.Fingerprint + ")"
}

// IsHostKeyError reports whether err must not be retried automatically.
func IsHostKeyError(err error) bool {
	var unk ErrUnknownHostKey
	var mismatch ErrHostKeyMismatch
	return errors.As(err, &unk) || errors.As(err, &mismatch)
}

// Options are the transport knobs that are not part of model.Host.
type Options struct {
	// KeepAlive is the interval between keepalive@openssh.com requests.
	// Zero disables keepalives.
	KeepAlive time.Duration

	// KnownHostsPath defaults to ~/.ssh/known_hosts.
	KnownHostsPath string

	// IdentityFile is the key for auth method key when the host has no
	// keyPath. Empty means ~/.ssh/id_rsa.
	IdentityFile string

	Logger *slog.Logger
}

func (o Options) knownHosts() string {
	if o.KnownHostsPath != "" {
		return o.KnownHostsPath
	}
	return expandHome("~/.ssh/known_hosts")
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

/*
NodeSession
*/

type NodeSession struct {
	Node model.Host

	client *ssh.Client
	sess   *ssh.Session

	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	output chan []byte
	done   chan struct{}

	log    *slog.Logger
	cancel context.CancelFunc
	once   sync.Once
}

var _ terminal.Session = (*NodeSession)(nil)

// DialClient dials and authenticates without opening a session.
// The returned cleanup releases auth resources such as an agent socket.
func DialClient(
	ctx context.Context,
	host model.Host,
	passwordProvider func() (string, error),
	opts Options,
) (*ssh.Client, func(), error) {
	log := opts.logger()

	cfg, cleanup, err := buildClientConfig(host, passwordProvider, opts)
	if err != nil {
		return nil, nil, err
	}

	addr := net.JoinHostPort(host.Host, fmt.Sprint(host.Port))
	log.Debug("ssh dial", "addr", addr, "user", host.User)

	dialer := net.Dialer{Timeout: 8 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		if cleanup != nil {
			cleanup()
		}
		log.Warn("ssh handshake failed", "addr", addr, "err", err)
		return nil, nil, err
	}

	log.Info("ssh connected", "addr", addr)
	return ssh.NewClient(c, chans, reqs), cleanup, nil
}

// DialAndStart connects, requests a PTY of cols x rows and starts a shell.
func DialAndStart(
	ctx context.Context,
	host model.Host,
	cols, rows int,
	passwordProvider func() (string, error),
	opts Options,
) (*NodeSession, error) {

	client, cleanup, err := DialClient(ctx, host, passwordProvider, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cleanup != nil {
			cleanup()
		}
	}()

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, err
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	if cols <= 0 || rows <= 0 {
		cols, rows = 80, 24
	}
	if err := sess.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		_ = sess.Close()
		client.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		client.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		client.Close()
		return nil, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		_ = sess.Close()
		client.Close()
		return nil, err
	}

	if err := sess.Shell(); err != nil {
		_ = sess.Close()
		client.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	ctx2, cancel := context.WithCancel(context.Background())

	ns := &NodeSession{
		Node:   host,
		client: client,
		sess:   sess,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		output: make(chan []byte, 128),
		done:   make(chan struct{}),
		log:    opts.logger(),
		cancel: cancel,
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		ns.pump(ctx2, stdout)
	}()
	go func() {
		defer wg.Done()
		ns.pump(ctx2, stderr)
	}()

	// Close the session once both output streams are done (EOF / disconnect).
	go func() {
		wg.Wait()
		_ = ns.Close()
	}()

	if opts.KeepAlive > 0 {
		go ns.keepAlive(ctx2, opts.KeepAlive)
	}

	return ns, nil
}

/*
Pump output
*/

func (s *NodeSession) pump(ctx context.Context, r io.Reader) {
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			select {
			case s.output <- b:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *NodeSession) keepAlive(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				s.log.Warn("ssh keepalive failed", "host", s.Node.Name, "err", err)
				_ = s.Close()
				return
			}
		}
	}
}

func (s *NodeSession) Output() <-chan []byte { return s.output }
func (s *NodeSession) Done() <-chan struct{} { return s.done }

func (s *NodeSession) Write(p []byte) error {
	select {
	case <-s.done:
		return terminal.ErrTransportUnavailable
	default:
	}
	if _, err := s.stdin.Write(p); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("%w: %w", terminal.ErrTransportUnavailable, err)
		}
		return err
	}
	return nil
}

func (s *NodeSession) Resize(cols, rows int) error {
	if s.sess == nil || cols <= 0 || rows <= 0 {
		return nil
	}
	return s.sess.WindowChange(rows, cols)
}

func (s *NodeSession) Close() error {
	first := false
	s.once.Do(func() {
		first = true
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
	})
	if !first {
		return nil
	}

	if s.sess != nil {
		_ = s.sess.Close()
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

/*
Client config
*/

func buildClientConfig(
	host model.Host,
	passwordProvider func() (string, error),
	opts Options,
) (*ssh.ClientConfig, func(), error) {

	if host.Auth.Method == model.AuthKey && host.Auth.KeyPath == "" {
		host.Auth.KeyPath = opts.IdentityFile
	}
	auth, cleanup, err := authMethod(host, passwordProvider)
	if err != nil {
		return nil, nil, err
	}

	hkcb, err := hostKeyCallback(host, opts.knownHosts())
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, nil, err
	}

	return &ssh.ClientConfig{
		User:            host.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hkcb,
		Timeout:         10 * time.Second,
	}, cleanup, nil
}

/*
Authentication
*/

func authMethod(
	host model.Host,
	passwordProvider func() (string, error),
) (ssh.AuthMethod, func(), error) {

	switch host.Auth.Method {

	case model.AuthPassword:
		if host.Auth.Password != "" {
			return ssh.Password(host.Auth.Password), nil, nil
		}
		if passwordProvider == nil {
			return nil, nil, errors.New("password provider not set")
		}
		pwd, err := passwordProvider()
		if err != nil {
			return nil, nil, err
		}
		return ssh.Password(pwd), nil, nil

	case model.AuthKeyboardInteractive:
		if passwordProvider == nil {
			return nil, nil, errors.New("password provider not set")
		}
		// The provider is only asked once the server actually challenges.
		return ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range questions {
				a, err := passwordProvider()
				if err != nil {
					return nil, err
				}
				answers[i] = a
			}
			return answers, nil
		}), nil, nil

	case model.AuthKey:
		kp := expandHome(host.Auth.KeyPath)
		if kp == "" {
			kp = expandHome("~/.ssh/id_rsa")
		}
		b, err := os.ReadFile(kp)
		if err != nil {
			return nil, nil, err
		}
		signer, err := ssh.ParsePrivateKey(b)
		if err != nil {
			return nil, nil, fmt.Errorf("parse key %s: %w", kp, err)
		}
		return ssh.PublicKeys(signer), nil, nil

	case model.AuthAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, nil, errors.New("SSH_AUTH_SOCK is not set")
		}
		conn, err := net.DialTimeout("unix", sock, 2*time.Second)
		if err != nil {
			return nil, nil, err
		}
		ag := agent.NewClient(conn)
		return ssh.PublicKeysCallback(ag.Signers), func() { _ = conn.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown auth method: %s", host.Auth.Method)
	}
}

/*
Host key verification
*/

func hostKeyCallback(host model.Host, khPath string) (ssh.HostKeyCallback, error) {
	if host.HostKey.Mode == model.HostKeyInsecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		fp := ssh.FingerprintSHA256(key)
		hostPort := knownhosts.Normalize(hostname)

		if _, err := os.Stat(khPath); errors.Is(err, os.ErrNotExist) {
			return ErrUnknownHostKey{
				HostPort:    hostPort,
				Fingerprint: fp,
				Key:         key,
			}
		}

		matcher, err := knownhosts.New(khPath)
		if err != nil {
			return err
		}

		err = matcher(hostname, remote, key)
		if err == nil {
			return nil
		}

		var kerr *knownhosts.KeyError
		if errors.As(err, &kerr) {

			// Unknown host
			if len(kerr.Want) == 0 {
				return ErrUnknownHostKey{
					HostPort:    hostPort,
					Fingerprint: fp,
					Key:         key,
				}
			}

			// Host key mismatch
			return ErrHostKeyMismatch{
				HostPort:    hostPort,
				Fingerprint: fp,
				Key:         key,
			}
		}

		return err
	}, nil
}

/*
Trust helper
*/

// TrustHostKey appends hostPort's key to the known_hosts file at khPath
// (default ~/.ssh/known_hosts when empty).
func TrustHostKey(khPath, hostPort string, key ssh.PublicKey) error {
	if khPath == "" {
		khPath = expandHome("~/.ssh/known_hosts")
	}

	if err := os.MkdirAll(filepath.Dir(khPath), 0o700); err != nil {
		return err
	}

	line := knownhosts.Line([]string{hostPort}, key)

	f, err := os.OpenFile(khPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(line + "\n")
	return err
}

// FetchHostKey performs a handshake only to learn the server's host key.
func FetchHostKey(ctx context.Context, host model.Host) (string, ssh.PublicKey, error) {
	addr := net.JoinHostPort(host.Host, fmt.Sprint(host.Port))

	var got ssh.PublicKey
	errGotKey := errors.New("host key captured")
	cfg := &ssh.ClientConfig{
		User: host.User,
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			got = key
			return errGotKey
		},
		Timeout: 10 * time.Second,
	}

	dialer := net.Dialer{Timeout: 8 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	_, _, _, err = ssh.NewClientConn(conn, addr, cfg)
	if got == nil {
		if err == nil {
			err = errors.New("server did not present a host key")
		}
		return "", nil, err
	}
	return knownhosts.Normalize(addr), got, nil
}

/*
Utils
*/

func expandHome(p string) string {
	if len(p) >= 2 && p[:2] == "~/" {
		if h, err := os.UserHomeDir(); err == nil {
			return filepath.Join(h, p[2:])
		}
	}
	return p
}
