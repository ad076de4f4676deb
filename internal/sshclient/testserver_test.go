package sshclient

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/ankouros/ptermbridge/internal/model"
	"github.com/ankouros/ptermbridge/internal/terminal"
)

const (
	testUser     = "bridge"
	testPassword = "correct-horse"
	testAnswer   = "keyboard-kiwi"
)

// testServer is an in-process SSH server. Shell sessions echo stdin back;
// exec requests run one of a few canned commands (see runCommand).
type testServer struct {
	addr    *net.TCPAddr
	hostKey ssh.Signer
	stop    chan struct{}

	mu         sync.Mutex
	ptySize    terminal.Size
	resizes    []terminal.Size
	keepalives int
	commands   []string
}

func (s *testServer) PtySize() terminal.Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ptySize
}

func (s *testServer) Resizes() []terminal.Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]terminal.Size(nil), s.resizes...)
}

func (s *testServer) KeepAlives() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepalives
}

func (s *testServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func passwordServerConfig() *ssh.ServerConfig {
	return &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() != testUser || string(password) != testPassword {
				return nil, errors.New("denied")
			}
			return nil, nil
		},
	}
}

// startEchoServer accepts testUser/testPassword.
func startEchoServer(t *testing.T) *testServer {
	return startTestServer(t, passwordServerConfig())
}

func startTestServer(t *testing.T, cfg *ssh.ServerConfig) *testServer {
	t.Helper()
	hostKey, err := ssh.NewSignerFromKey(mustEd25519(t))
	require.NoError(t, err)
	cfg.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &testServer{
		addr:    ln.Addr().(*net.TCPAddr),
		hostKey: hostKey,
		stop:    make(chan struct{}),
	}
	t.Cleanup(func() {
		close(srv.stop)
		_ = ln.Close()
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serve(conn, cfg)
		}
	}()
	return srv
}

func (s *testServer) serve(conn net.Conn, cfg *ssh.ServerConfig) {
	defer conn.Close()
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go s.globalRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "only sessions")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			return
		}
		go s.session(ch, chReqs)
	}
}

func (s *testServer) globalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.Type == "keepalive@openssh.com" {
			s.mu.Lock()
			s.keepalives++
			s.mu.Unlock()
		}
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
	}
}

func (s *testServer) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		ok := true
		switch req.Type {
		case "pty-req":
			var p struct {
				Term          string
				Cols, Rows    uint32
				Width, Height uint32
				Modes         string
			}
			if err := ssh.Unmarshal(req.Payload, &p); err == nil {
				s.mu.Lock()
				s.ptySize = terminal.Size{Cols: int(p.Cols), Rows: int(p.Rows)}
				s.mu.Unlock()
			}
		case "shell":
			go echo(ch)
		case "exec":
			var p struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				ok = false
				break
			}
			s.mu.Lock()
			s.commands = append(s.commands, p.Command)
			s.mu.Unlock()
			go s.runCommand(ch, p.Command)
		case "window-change":
			var p struct {
				Cols, Rows    uint32
				Width, Height uint32
			}
			if err := ssh.Unmarshal(req.Payload, &p); err == nil {
				s.mu.Lock()
				s.resizes = append(s.resizes, terminal.Size{Cols: int(p.Cols), Rows: int(p.Rows)})
				s.mu.Unlock()
			}
		default:
			ok = false
		}
		if req.WantReply {
			_ = req.Reply(ok, nil)
		}
	}
}

func echo(ch ssh.Channel) {
	defer ch.Close()
	buf := make([]byte, 1024)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			if _, werr := ch.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// runCommand understands:
//
//	fail       writes to stderr and exits 3
//	no-status  closes without an exit status
//	hang       never finishes
//
// Anything else is echoed back as "ran: <command>" with status 0.
func (s *testServer) runCommand(ch ssh.Channel, command string) {
	defer ch.Close()
	status := uint32(0)
	switch command {
	case "fail":
		_, _ = ch.Stderr().Write([]byte("boom\n"))
		status = 3
	case "no-status":
		return
	case "hang":
		<-s.stop
		return
	default:
		_, _ = ch.Write([]byte("ran: " + command + "\n"))
	}
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
}

func (s *testServer) host() model.Host {
	return model.Host{
		Name:    "echo",
		Host:    s.addr.IP.String(),
		Port:    s.addr.Port,
		User:    testUser,
		Auth:    model.AuthConfig{Method: model.AuthPassword, Password: testPassword},
		HostKey: model.HostKeyConfig{Mode: model.HostKeyInsecure},
	}
}

func readOutput(t *testing.T, sess terminal.Session, want string) string {
	t.Helper()
	var got []byte
	deadline := time.After(5 * time.Second)
	for len(got) < len(want) {
		select {
		case b := <-sess.Output():
			got = append(got, b...)
		case <-deadline:
			t.Fatalf("timed out waiting for %q, got %q", want, got)
		}
	}
	return string(got)
}

func mustEd25519(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv
}

// startAgent serves a keyring holding key on a unix socket and returns the
// socket path.
func startAgent(t *testing.T, key ed25519.PrivateKey) string {
	t.Helper()
	keyring := agent.NewKeyring()
	require.NoError(t, keyring.Add(agent.AddedKey{PrivateKey: key, Comment: "agent-key"}))

	sock := filepath.Join(t.TempDir(), "agent.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_ = agent.ServeAgent(keyring, conn)
			}()
		}
	}()
	return sock
}
