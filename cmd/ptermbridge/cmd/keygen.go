package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ankouros/ptermbridge/internal/config"
	"github.com/ankouros/ptermbridge/internal/sshclient"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Manage the SSH key pair used for key auth",
	Long: `Generates an ed25519 key pair next to the config file and prints the
public key to add to the hosts' authorized_keys. Hosts with auth method
"key" and no keyPath use this key.

Examples:
  ptermbridge keygen
  ptermbridge keygen --show
  ptermbridge keygen --force
  ptermbridge keygen --delete`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		show, _ := cmd.Flags().GetBool("show")
		del, _ := cmd.Flags().GetBool("delete")
		force, _ := cmd.Flags().GetBool("force")
		comment, _ := cmd.Flags().GetString("comment")

		if countTrue(show, del, force) > 1 {
			return errors.New("--show, --delete and --force are mutually exclusive")
		}

		_, log, closeLog, err := loadEnv(slog.LevelInfo)
		if err != nil {
			return err
		}
		defer closeLog()

		ks, err := keyStore()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		switch {
		case del:
			if err := ks.Delete(); err != nil {
				return err
			}
			log.Info("ssh key deleted", "path", ks.PrivatePath())
			fmt.Fprintln(out, "Key pair deleted.")
			return nil

		case show:
			line, err := ks.PublicKey()
			if errors.Is(err, sshclient.ErrNoKey) {
				return fmt.Errorf("%w; run 'ptermbridge keygen' first", err)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(out, line)
			return nil
		}

		if comment == "" {
			comment = defaultKeyComment()
		}
		line, err := ks.Generate(comment, force)
		if errors.Is(err, sshclient.ErrKeyExists) {
			return fmt.Errorf("%w; use --force to replace it", err)
		}
		if err != nil {
			return err
		}
		log.Info("ssh key generated", "path", ks.PrivatePath())
		fmt.Fprintf(out, "Private key: %s\nAdd this line to authorized_keys on your hosts:\n%s\n", ks.PrivatePath(), line)
		return nil
	},
}

func keyStore() (sshclient.KeyStore, error) {
	dir, err := config.KeyDir()
	if err != nil {
		return sshclient.KeyStore{}, err
	}
	return sshclient.KeyStore{Dir: dir}, nil
}

// managedIdentity is the generated private key, if there is one.
func managedIdentity() string {
	ks, err := keyStore()
	if err != nil || !ks.Has() {
		return ""
	}
	return ks.PrivatePath()
}

func countTrue(flags ...bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

func defaultKeyComment() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "ptermbridge"
	}
	return "ptermbridge@" + h
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().Bool("show", false, "print the public key")
	keygenCmd.Flags().Bool("delete", false, "delete the key pair")
	keygenCmd.Flags().Bool("force", false, "replace an existing key pair")
	keygenCmd.Flags().String("comment", "", "key comment (defaults to ptermbridge@<hostname>)")
}
