package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf("conf:\n  sslDomain: board.example\n  dbPath: %s\n  logLevel: warn\n", filepath.Join(dir, "test.db"))
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0600))
	return path
}

func run(t *testing.T, config string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", config}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestUserAdd(t *testing.T) {
	config := writeTestConfig(t)

	out, err := run(t, config, "user", "add", "alice", "--name", "Alice")
	require.NoError(t, err)
	assert.Contains(t, out, "https://board.example/users/alice")
	assert.Contains(t, out, "https://board.example/users/alice#main-key")

	_, err = run(t, config, "user", "add", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = run(t, config, "user", "add", "Not Valid")
	assert.Error(t, err)
}

func TestDomainCommands(t *testing.T) {
	config := writeTestConfig(t)

	_, err := run(t, config, "domain", "block", "Spam.Example")
	require.NoError(t, err)
	_, err = run(t, config, "domain", "allow", "friends.example")
	require.NoError(t, err)

	out, err := run(t, config, "domain", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "mode: blocklist")
	assert.Contains(t, out, "block spam.example")
	assert.Contains(t, out, "allow friends.example")

	_, err = run(t, config, "domain", "mode", "allowlist")
	require.NoError(t, err)
	_, err = run(t, config, "domain", "unblock", "spam.example")
	require.NoError(t, err)

	out, err = run(t, config, "domain", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "mode: allowlist")
	assert.NotContains(t, out, "block spam.example")

	_, err = run(t, config, "domain", "mode", "denylist")
	assert.Error(t, err)
}

func TestPurgeAndJobs(t *testing.T) {
	config := writeTestConfig(t)

	out, err := run(t, config, "purge", "--delivered", "1h", "--abandoned", "2h")
	require.NoError(t, err)
	assert.Contains(t, out, "purged 0 delivered jobs older than 1h0m0s")
	assert.Contains(t, out, "purged 0 abandoned jobs older than 2h0m0s")

	out, err = run(t, config, "jobs", "--status", "failed")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "ID"), out)

	_, err = run(t, config, "jobs", "--status", "lost")
	assert.Error(t, err)
}
