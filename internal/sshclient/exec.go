package sshclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/ankouros/ptermbridge/internal/model"
)

// ExecResult is the outcome of a command run without a PTY.
type ExecResult struct {
	Stdout     []byte
	Stderr     []byte
	ExitStatus int
}

// Exec runs command on host over a fresh connection and waits for it to exit.
// A non-zero exit status is reported in the result, not as an error.
// Cancelling ctx closes the connection.
func Exec(
	ctx context.Context,
	host model.Host,
	command string,
	passwordProvider func() (string, error),
	opts Options,
) (ExecResult, error) {
	client, cleanup, err := DialClient(ctx, host, passwordProvider, opts)
	if err != nil {
		return ExecResult{}, err
	}
	defer client.Close()
	if cleanup != nil {
		defer cleanup()
	}

	sess, err := client.NewSession()
	if err != nil {
		return ExecResult{}, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	var stderr bytes.Buffer
	sess.Stderr = &stderr

	out, err := sess.Output(command)
	res := ExecResult{Stdout: out, Stderr: stderr.Bytes()}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitStatus = exitErr.ExitStatus()
	case ctx.Err() != nil:
		return res, ctx.Err()
	default:
		return res, fmt.Errorf("exec %q: %w", command, err)
	}

	opts.logger().Debug("ssh exec finished", "host", host.Name, "exit", res.ExitStatus)
	return res, nil
}
