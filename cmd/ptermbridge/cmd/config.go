package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ankouros/ptermbridge/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or replace the config file",
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := config.ConfigPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), p)
		return nil
	},
}

var configImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace the config with a YAML file",
	Long: `Validates <file>, backs up the current config next to it and installs the
imported one.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, log, closeLog, err := loadEnv(slog.LevelInfo)
		if err != nil {
			return err
		}
		defer closeLog()

		cfg, backup, err := config.ImportFromFile(args[0])
		if err != nil {
			return err
		}

		hosts := 0
		for _, n := range cfg.Networks {
			hosts += len(n.Hosts)
		}
		log.Info("config imported", "source", args[0], "backup", backup, "hosts", hosts)
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Imported %d hosts.\n", hosts)
		if backup != "" {
			fmt.Fprintf(out, "Previous config saved to %s\n", backup)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configImportCmd)
}
