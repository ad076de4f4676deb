package cmd

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ankouros/ptermbridge/internal/model"
)

var hostsCmd = &cobra.Command{
	Use:     "hosts",
	Aliases: []string{"ls"},
	Short:   "List configured hosts",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, closeLog, err := loadEnv(slog.LevelInfo)
		if err != nil {
			return err
		}
		defer closeLog()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tNETWORK\tDRIVER\tTARGET\tAUTH")
		for _, n := range cfg.Networks {
			for _, h := range n.Hosts {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", h.ID, h.Name, n.Name, h.Driver, target(h), auth(h))
			}
		}
		return w.Flush()
	},
}

func target(h model.Host) string {
	if h.Driver == model.DriverLocal {
		cmd := os.Getenv("SHELL")
		if h.Local != nil && h.Local.Command != "" {
			cmd = h.Local.Command
		}
		if cmd == "" {
			cmd = "/bin/sh"
		}
		return cmd
	}
	addr := net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
	if h.User != "" {
		addr = h.User + "@" + addr
	}
	return addr
}

func auth(h model.Host) string {
	if h.Driver == model.DriverLocal {
		return "-"
	}
	return string(h.Auth.Method)
}

func init() {
	rootCmd.AddCommand(hostsCmd)
}
