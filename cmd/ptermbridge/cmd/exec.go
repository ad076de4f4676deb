package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ankouros/ptermbridge/internal/app"
	"github.com/ankouros/ptermbridge/internal/sshclient"
)

// ExitError carries a remote exit status out to main.
type ExitError struct {
	Code int
}

func (e ExitError) Error() string { return fmt.Sprintf("remote command exited with status %d", e.Code) }
func (e ExitError) ExitCode() int { return e.Code }

var execCmd = &cobra.Command{
	Use:   "exec <host> -- <command> [args...]",
	Short: "Run one command on a host without a terminal",
	Long: `Runs <command> on <host> over SSH, prints its output and exits with the
remote exit status. The arguments after -- are joined with spaces and
interpreted by the remote shell.

Examples:
  ptermbridge exec web1 -- uptime
  ptermbridge exec web1 --timeout 10s -- 'df -h /'`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		khPath, _ := cmd.Flags().GetString("known-hosts")

		cfg, log, closeLog, err := loadEnv(slog.LevelWarn)
		if err != nil {
			return err
		}
		defer closeLog()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		code, err := app.Exec(ctx, cfg, app.ExecOptions{
			Host:           args[0],
			Command:        strings.Join(args[1:], " "),
			IdentityFile:   managedIdentity(),
			KnownHostsPath: khPath,
			In:             cmd.InOrStdin(),
			Out:            cmd.OutOrStdout(),
			ErrOut:         cmd.ErrOrStderr(),
			Logger:         log,
		})
		var unk sshclient.ErrUnknownHostKey
		if errors.As(err, &unk) {
			return fmt.Errorf("%w\nrun 'ptermbridge trust %s' to accept it", err, args[0])
		}
		if err != nil {
			return err
		}
		if code != 0 {
			return ExitError{Code: code}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().Duration("timeout", time.Minute, "give up after this long (0 waits forever)")
	execCmd.Flags().String("known-hosts", "", "known_hosts file (defaults to ~/.ssh/known_hosts)")
}
