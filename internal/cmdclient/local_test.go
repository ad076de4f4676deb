//go:build unix

package cmdclient

import (
	"context"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankouros/ptermbridge/internal/model"
	"github.com/ankouros/ptermbridge/internal/terminal"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, sess terminal.Session, needle string) string {
	t.Helper()
	var got strings.Builder
	deadline := time.After(5 * time.Second)
	for !strings.Contains(got.String(), needle) {
		select {
		case b := <-sess.Output():
			got.Write(b)
		case <-deadline:
			t.Fatalf("timed out waiting for %q, got %q", needle, got.String())
		}
	}
	return got.String()
}

func TestStartLocalEchoAndResize(t *testing.T) {
	host := model.Host{
		Name:   "cat",
		Driver: model.DriverLocal,
		Local:  &model.LocalConfig{Command: "/bin/cat"},
	}
	s, err := StartLocal(context.Background(), host, 100, 30, quietLogger())
	require.NoError(t, err)
	defer s.Close()

	ws, err := pty.GetsizeFull(s.file())
	require.NoError(t, err)
	assert.EqualValues(t, 100, ws.Cols)
	assert.EqualValues(t, 30, ws.Rows)

	require.NoError(t, s.Write([]byte("ab")))
	require.NoError(t, s.Write([]byte("cd")))
	require.NoError(t, s.Write([]byte("ef\n")))
	waitFor(t, s, "abcdef")

	require.NoError(t, s.Resize(132, 50))
	require.NoError(t, s.Resize(-1, 50))
	ws, err = pty.GetsizeFull(s.file())
	require.NoError(t, err)
	assert.EqualValues(t, 132, ws.Cols)
	assert.EqualValues(t, 50, ws.Rows)
}

func TestWinsizeClamps(t *testing.T) {
	assert.Nil(t, winsize(0, 24))
	assert.Nil(t, winsize(80, -1))

	ws := winsize(70000, 24)
	require.NotNil(t, ws)
	assert.EqualValues(t, math.MaxUint16, ws.Cols)
	assert.EqualValues(t, 24, ws.Rows)

	ws = winsize(80, 1<<20)
	assert.EqualValues(t, 80, ws.Cols)
	assert.EqualValues(t, math.MaxUint16, ws.Rows)
}

func TestResizeOversizedDoesNotWrap(t *testing.T) {
	host := model.Host{Name: "cat", Driver: model.DriverLocal, Local: &model.LocalConfig{Command: "/bin/cat"}}
	s, err := StartLocal(context.Background(), host, 80, 24, quietLogger())
	require.NoError(t, err)
	defer s.Close()

	// 65536 would wrap to 0 without clamping.
	require.NoError(t, s.Resize(65536, 40))
	ws, err := pty.GetsizeFull(s.file())
	require.NoError(t, err)
	assert.EqualValues(t, math.MaxUint16, ws.Cols)
	assert.EqualValues(t, 40, ws.Rows)
}

func TestStartLocalExitClosesSession(t *testing.T) {
	host := model.Host{
		Name:  "true",
		Local: &model.LocalConfig{Command: "/bin/sh", Args: []string{"-c", "echo {name}-{id}"}},
		ID:    7,
	}
	s, err := StartLocal(context.Background(), host, 80, 24, quietLogger())
	require.NoError(t, err)

	waitFor(t, s, "true-7")

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session not closed after process exit")
	}
	assert.ErrorIs(t, s.Write([]byte("x")), terminal.ErrTransportUnavailable)
	assert.NoError(t, s.Resize(80, 24))
	assert.NoError(t, s.Close())
}

func TestStartLocalCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := StartLocal(ctx, model.Host{}, 80, 24, quietLogger())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestApplyPlaceholders(t *testing.T) {
	host := model.Host{ID: 3, Name: "db", Host: "10.0.0.5", Port: 2222, User: "ops"}
	got := applyPlaceholders([]string{" ", "-p", "{port}", "{user}@{host}", "{name}#{id}"}, host)
	assert.Equal(t, []string{"-p", "2222", "ops@10.0.0.5", "db#3"}, got)
}
