package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ankouros/ptermbridge/internal/buildinfo"
	"github.com/ankouros/ptermbridge/internal/config"
	"github.com/ankouros/ptermbridge/internal/logging"
	"github.com/ankouros/ptermbridge/internal/model"
)

var (
	flagConfig   string
	flagVerbose  bool
	flagJSONLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "ptermbridge",
	Short: "Bridge a local terminal to SSH hosts and local PTY sessions",
	Long: `ptermbridge connects the local terminal to a configured host.

Hosts are read from ~/.config/ptermbridge/config.yaml (created on first run).
Use --config or PTERMBRIDGE_CONFIG to point at another file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flagConfig != "" {
			return os.Setenv(config.ConfigPathEnv, flagConfig)
		}
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = buildinfo.String()
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLogs, "json-logs", false, "log as JSON")
}

// loadEnv loads the config and builds the logger it describes. fallback is
// the level used when the config sets none. The returned func closes the log
// file, if any.
func loadEnv(fallback slog.Level) (model.AppConfig, *slog.Logger, func(), error) {
	cfg, _, err := config.EnsureConfig()
	if err != nil {
		return model.AppConfig{}, nil, nil, fmt.Errorf("load config: %w", err)
	}

	level := fallback
	if cfg.Logging.Level != "" {
		if level, err = logging.ParseLevel(cfg.Logging.Level); err != nil {
			return model.AppConfig{}, nil, nil, err
		}
	}
	if flagVerbose {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return model.AppConfig{}, nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closeFn = func() { _ = f.Close() }
	}

	log := logging.New(w, level, flagJSONLogs || cfg.Logging.JSON)
	slog.SetDefault(log)
	return cfg, log, closeFn, nil
}
