package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ankouros/ptermbridge/internal/app"
	"github.com/ankouros/ptermbridge/internal/sink"
	"github.com/ankouros/ptermbridge/internal/sshclient"
)

var connectCmd = &cobra.Command{
	Use:   "connect <host>",
	Short: "Open an interactive session to a host",
	Long: `Connects the local terminal to <host> (a name or numeric ID from the config).

Keystrokes are sent to the host and its output is written to the terminal.
Window size changes are forwarded. Press Ctrl-] to close the session.

Examples:
  ptermbridge connect web1
  ptermbridge connect 3 --audit /tmp/web1.log --audit-format quoted`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		audit, _ := cmd.Flags().GetString("audit")
		auditFormat, _ := cmd.Flags().GetString("audit-format")
		noReconnect, _ := cmd.Flags().GetBool("no-reconnect")

		if _, err := sink.ParseFormat(auditFormat); err != nil {
			return err
		}

		// Logs would garble the raw terminal; stay quiet unless asked.
		cfg, log, closeLog, err := loadEnv(slog.LevelWarn)
		if err != nil {
			return err
		}
		defer closeLog()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Fprintf(os.Stderr, "Connecting to %s. Escape character is '^]'.\r\n", args[0])
		err = app.Connect(ctx, cfg, app.ConnectOptions{
			Host:         args[0],
			Audit:        audit,
			AuditFormat:  auditFormat,
			Reconnect:    !noReconnect,
			IdentityFile: managedIdentity(),
			In:           os.Stdin,
			Out:          os.Stdout,
			Logger:       log,
		})
		var unk sshclient.ErrUnknownHostKey
		if errors.As(err, &unk) {
			return fmt.Errorf("%w\nrun 'ptermbridge trust %s' to accept it", err, args[0])
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(connectCmd)
	connectCmd.Flags().String("audit", "", "append every byte sent to the host to this file")
	connectCmd.Flags().String("audit-format", "", "audit format: raw, quoted or hex (default from config)")
	connectCmd.Flags().Bool("no-reconnect", false, "end the session instead of reconnecting when the link drops")
}
