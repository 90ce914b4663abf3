package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/models"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/testutil/fakeremote"
)

// =====================================================
// Test Helpers
// =====================================================

type cli struct {
	config string
	server *fakeremote.Server
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	server := fakeremote.New(nil)
	t.Cleanup(server.Close)

	dir := t.TempDir()
	path := filepath.Join(dir, "khssync.yaml")
	yaml := "database:\n  path: \"" + filepath.Join(dir, "crm.db") + "\"\n" +
		"remote:\n  base_url: \"" + server.URL() + "\"\n  request_timeout: \"2s\"\n" +
		"log:\n  level: \"error\"\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return &cli{config: path, server: server}
}

func (c *cli) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := Execute(context.Background(), append([]string{"--config", c.config}, args...), &out, &errOut)
	return out.String(), err
}

// =====================================================
// Command Tree Tests
// =====================================================

// TestRootCommand verifies the root command metadata.
func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "khssync", cmd.Use)
	assert.Equal(t, Version, cmd.Version)
}

// TestCommandPresence verifies every subcommand is registered.
func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	paths := [][]string{
		{"status"}, {"sync"}, {"get"}, {"list"}, {"create"}, {"update"}, {"delete"},
		{"conflicts"}, {"run"},
		{"queue", "list"}, {"queue", "retry"}, {"queue", "retry-all"}, {"queue", "discard"},
	}
	for _, p := range paths {
		sub, _, err := cmd.Find(p)
		require.NoError(t, err, "command %v should exist", p)
		assert.Equal(t, p[len(p)-1], sub.Name())
	}
}

// TestGlobalFlags verifies persistent flag defaults.
func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	config := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, config)
	assert.Equal(t, "c", config.Shorthand)

	syncCmd, _, err := cmd.Find([]string{"sync"})
	require.NoError(t, err)
	assert.NotNil(t, syncCmd.Flags().Lookup("full"))
}

// TestGetExitCode verifies error to exit code mapping.
func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "bad", nil)))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("boom")))
	_, err := models.ParseEntityType("invoice")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

// =====================================================
// Command Execution Tests
// =====================================================

// TestInvalidFormat verifies a bad --format is a command error.
func TestInvalidFormat(t *testing.T) {
	c := newCLI(t)
	_, err := c.run(t, "--format", "xml", "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

// TestMissingConfig verifies an explicit missing config file is reported.
func TestMissingConfig(t *testing.T) {
	var out bytes.Buffer
	err := Execute(context.Background(), []string{"--config", filepath.Join(t.TempDir(), "nope.yaml"), "status"}, &out, &out)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

// TestCreateListGet verifies an online create is sent inline and readable.
func TestCreateListGet(t *testing.T) {
	c := newCLI(t)

	out, err := c.run(t, "create", "customer", `{"name":"Ann Lee","city":"Austin"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "customer cust_1")
	assert.Contains(t, out, "synced")

	out, err = c.run(t, "--format", "json", "list", "customers", "--where", "city=Austin")
	require.NoError(t, err)
	var recs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "cust_1", recs[0]["id"])

	out, err = c.run(t, "get", "customer", "cust_1")
	require.NoError(t, err)
	assert.Contains(t, out, `"name": "Ann Lee"`)

	_, err = c.run(t, "list", "customers", "--where", "city")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

// TestOfflineQueueAndSync verifies offline writes are queued and pushed by
// the sync command.
func TestOfflineQueueAndSync(t *testing.T) {
	c := newCLI(t)
	c.server.SetDown(true)

	out, err := c.run(t, "create", "job", `{"customerId":"cust_1","title":"Fix sink"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "pending")

	out, err = c.run(t, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "create")

	out, err = c.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "pending:     1")

	c.server.SetDown(false)
	out, err = c.run(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "pushed 1")

	out, err = c.run(t, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "queue is empty")
}

// TestDeleteMissing verifies deleting an unknown entity fails.
func TestDeleteMissing(t *testing.T) {
	c := newCLI(t)
	_, err := c.run(t, "delete", "customer", "cust_404")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

// TestConflictsEmpty verifies the empty conflict history message.
func TestConflictsEmpty(t *testing.T) {
	c := newCLI(t)
	out, err := c.run(t, "conflicts")
	require.NoError(t, err)
	assert.Contains(t, out, "no conflicts")
}
