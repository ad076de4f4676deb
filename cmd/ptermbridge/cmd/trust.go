package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/ankouros/ptermbridge/internal/model"
	"github.com/ankouros/ptermbridge/internal/sshclient"
)

var trustCmd = &cobra.Command{
	Use:   "trust <host>",
	Short: "Record a host's SSH key in known_hosts",
	Long: `Fetches the host key presented by <host>, shows its fingerprint and,
after confirmation, appends it to the known_hosts file.

Examples:
  ptermbridge trust web1
  ptermbridge trust web1 --yes --known-hosts ~/.ssh/known_hosts`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		khPath, _ := cmd.Flags().GetString("known-hosts")

		cfg, log, closeLog, err := loadEnv(slog.LevelInfo)
		if err != nil {
			return err
		}
		defer closeLog()

		host, ok := cfg.FindHost(args[0])
		if !ok {
			return fmt.Errorf("host %q not found", args[0])
		}
		if host.Driver == model.DriverLocal {
			return fmt.Errorf("host %q uses the local driver; there is no host key", host.Name)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		hostPort, key, err := sshclient.FetchHostKey(ctx, host)
		if err != nil {
			return fmt.Errorf("fetch host key: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s presents a %s key\n  %s\n", hostPort, key.Type(), ssh.FingerprintSHA256(key))

		if !yes {
			fmt.Fprint(out, "Trust this key? [y/N] ")
			reader := bufio.NewReader(cmd.InOrStdin())
			answer, _ := reader.ReadString('\n')
			if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "y") {
				fmt.Fprintln(out, "Cancelled.")
				return nil
			}
		}

		if err := sshclient.TrustHostKey(khPath, hostPort, key); err != nil {
			return fmt.Errorf("write known_hosts: %w", err)
		}
		log.Info("host key trusted", "host", host.Name, "addr", hostPort)
		fmt.Fprintln(out, "Host key recorded.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(trustCmd)
	trustCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	trustCmd.Flags().String("known-hosts", "", "known_hosts file (defaults to ~/.ssh/known_hosts)")
}
