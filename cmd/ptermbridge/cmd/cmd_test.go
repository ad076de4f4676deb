package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankouros/ptermbridge/internal/config"
)

func useTempConfig(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), config.ConfigFileName)
	t.Setenv(config.ConfigPathEnv, p)
	return p
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		rootCmd.SetIn(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestConnectCommandStructure(t *testing.T) {
	assert.Equal(t, "connect <host>", connectCmd.Use)
	for _, name := range []string{"audit", "audit-format", "no-reconnect"} {
		assert.NotNil(t, connectCmd.Flags().Lookup(name), "missing --%s", name)
	}
	assert.Error(t, connectCmd.Args(connectCmd, []string{}))
	assert.NoError(t, connectCmd.Args(connectCmd, []string{"web1"}))
}

func TestConnectRejectsBadAuditFormat(t *testing.T) {
	useTempConfig(t)
	t.Cleanup(func() { _ = connectCmd.Flags().Set("audit-format", "") })

	_, err := run(t, "connect", "local", "--audit-format", "morse")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "morse")
}

func TestHostsListsDefaults(t *testing.T) {
	useTempConfig(t)
	out, err := run(t, "hosts")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "ID"), out)
	assert.Contains(t, out, "local")
	assert.Contains(t, out, "example")
}

func TestConfigPathHonorsFlag(t *testing.T) {
	useTempConfig(t)
	p := filepath.Join(t.TempDir(), "other.yaml")
	t.Cleanup(func() { flagConfig = "" })

	out, err := run(t, "--config", p, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, p, strings.TrimSpace(out))
}

func TestConfigImport(t *testing.T) {
	useTempConfig(t)
	src := filepath.Join(t.TempDir(), "import.yaml")
	raw := "networks:\n  - name: lab\n    hosts:\n      - name: a\n        host: 10.0.0.1\n      - name: b\n        host: 10.0.0.2\n"
	require.NoError(t, os.WriteFile(src, []byte(raw), 0o600))

	out, err := run(t, "config", "import", src)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 2 hosts")

	out, err = run(t, "hosts")
	require.NoError(t, err)
	assert.Contains(t, out, "10.0.0.2")
}

func TestTrustRejectsLocalHost(t *testing.T) {
	useTempConfig(t)
	_, err := run(t, "trust", "local", "--yes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local driver")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "ptermbridge")
}

func resetFlags(c *cobra.Command) {
	c.Flags().VisitAll(func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})
}

func TestKeygenLifecycle(t *testing.T) {
	p := useTempConfig(t)
	keygen := func(args ...string) (string, error) {
		resetFlags(keygenCmd)
		return run(t, append([]string{"keygen"}, args...)...)
	}
	t.Cleanup(func() { resetFlags(keygenCmd) })

	_, err := keygen("--show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run 'ptermbridge keygen' first")
	assert.Empty(t, managedIdentity())

	out, err := keygen("--comment", "me@test")
	require.NoError(t, err)
	assert.Contains(t, out, "ssh-ed25519 ")
	assert.Contains(t, out, "me@test")

	keyDir := filepath.Join(filepath.Dir(p), "keys")
	assert.Equal(t, filepath.Join(keyDir, "id_ed25519"), managedIdentity())

	_, err = keygen()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	shown, err := keygen("--show")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(shown, "ssh-ed25519 "), shown)

	_, err = keygen("--show", "--delete")
	require.Error(t, err)

	_, err = keygen("--delete")
	require.NoError(t, err)
	assert.Empty(t, managedIdentity())
	_, err = os.Stat(filepath.Join(keyDir, "id_ed25519.pub"))
	assert.True(t, os.IsNotExist(err))
}

func TestExecCommandStructure(t *testing.T) {
	assert.Equal(t, "exec <host> -- <command> [args...]", execCmd.Use)
	assert.NotNil(t, execCmd.Flags().Lookup("timeout"))
	assert.NotNil(t, execCmd.Flags().Lookup("known-hosts"))
	assert.Error(t, execCmd.Args(execCmd, []string{"web1"}))
	assert.NoError(t, execCmd.Args(execCmd, []string{"web1", "uptime"}))
}

func TestExecRejectsLocalHost(t *testing.T) {
	useTempConfig(t)
	_, err := run(t, "exec", "local", "--", "true")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local driver")
}

func TestExitErrorCode(t *testing.T) {
	var err error = fmt.Errorf("wrapped: %w", ExitError{Code: 7})
	var exit ExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 7, exit.ExitCode())
}
