package setup

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func TestLoadConfig_Missing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "none.json"))
	require.NoError(t, err)
	assert.Empty(t, cfg.MCPServers)
}

func TestConfigure_PreservesOtherEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client", "config.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(`{
  "theme": "dark",
  "mcpServers": {"other": {"command": "/usr/bin/other"}}
}`), 0644))

	got, err := Configure(Options{ConfigPath: path, BinaryPath: "/opt/kfre/kfre-mcp", DataDir: "/data/kfre"})
	require.NoError(t, err)
	assert.Equal(t, path, got)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.JSONEq(t, `"dark"`, string(raw["theme"]))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Contains(t, cfg.MCPServers, "other")
	entry := cfg.MCPServers[ServerKey]
	assert.Equal(t, "/opt/kfre/kfre-mcp", entry.Command)
	assert.Equal(t, "/data/kfre", entry.Env["KFRE_DATA_DIR"])
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	removed, err := Remove(path)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = Configure(Options{ConfigPath: path, BinaryPath: "/bin/true"})
	require.NoError(t, err)

	removed, err = Remove(path)
	require.NoError(t, err)
	assert.True(t, removed)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.NotContains(t, cfg.MCPServers, ServerKey)
}

func TestGetStatus(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	dataDir := filepath.Join(dir, "data")

	status, err := GetStatus(path, dataDir)
	require.NoError(t, err)
	assert.False(t, status.Configured)
	assert.Equal(t, dataDir, status.DataDir)
	assert.False(t, status.AuditDB)

	binary := filepath.Join(dir, "kfre-mcp")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"), 0755))
	require.NoError(t, os.MkdirAll(dataDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "audit.db"), nil, 0644))

	_, err = Configure(Options{ConfigPath: path, BinaryPath: binary, DataDir: dataDir})
	require.NoError(t, err)

	status, err = GetStatus(path, "/elsewhere")
	require.NoError(t, err)
	assert.True(t, status.Configured)
	assert.True(t, status.BinaryExists)
	assert.Equal(t, dataDir, status.DataDir)
	assert.True(t, status.AuditDB)
}

func TestCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	var out bytes.Buffer
	app := &cli.Command{
		Name:     "kfre-mcp",
		Writer:   &out,
		Commands: []*cli.Command{Command(dir)},
	}

	err := app.Run(context.Background(), []string{"kfre-mcp", "setup", "install", "--config", path, "--binary", "/opt/kfre-mcp"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Registered kfre-risk")

	out.Reset()
	app = &cli.Command{Name: "kfre-mcp", Writer: &out, Commands: []*cli.Command{Command(dir)}}
	require.NoError(t, app.Run(context.Background(), []string{"kfre-mcp", "setup", "status", "--config", path}))
	assert.Contains(t, out.String(), "Registered:  yes")
	assert.Contains(t, out.String(), "/opt/kfre-mcp (missing)")
}
