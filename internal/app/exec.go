package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ankouros/ptermbridge/internal/model"
	"github.com/ankouros/ptermbridge/internal/sshclient"
)

type ExecOptions struct {
	Host    string
	Command string

	IdentityFile   string
	KnownHostsPath string

	// In is only used to prompt for a password.
	In     io.Reader
	Out    io.Writer
	ErrOut io.Writer
	Logger *slog.Logger
}

// Exec runs one command on an SSH host, copies its output to Out and ErrOut
// and returns the remote exit status.
func Exec(ctx context.Context, cfg model.AppConfig, opts ExecOptions) (int, error) {
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
	if opts.ErrOut == nil {
		opts.ErrOut = os.Stderr
	}

	host, ok := cfg.FindHost(opts.Host)
	if !ok {
		return 0, fmt.Errorf("host %q not found", opts.Host)
	}
	if host.Driver == model.DriverLocal {
		return 0, fmt.Errorf("host %q uses the local driver; exec needs an ssh host", host.Name)
	}
	if opts.Command == "" {
		return 0, fmt.Errorf("no command given")
	}

	prompt := passwordPrompt(ttyFd(opts.In), opts.ErrOut)
	res, err := sshclient.Exec(ctx, host, opts.Command, func() (string, error) {
		return prompt(host.ID)
	}, sshclient.Options{
		KnownHostsPath: opts.KnownHostsPath,
		IdentityFile:   opts.IdentityFile,
		Logger:         log,
	})
	if err != nil {
		return 0, fmt.Errorf("exec on %s: %w", host.Name, err)
	}

	if _, err := opts.Out.Write(res.Stdout); err != nil {
		return res.ExitStatus, err
	}
	if _, err := opts.ErrOut.Write(res.Stderr); err != nil {
		return res.ExitStatus, err
	}
	log.Info("remote command finished", "host", host.Name, "exit", res.ExitStatus)
	return res.ExitStatus, nil
}
