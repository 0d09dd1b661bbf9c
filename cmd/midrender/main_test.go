package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRootCommand(t *testing.T) {
	cmd := buildRootCommand()

	assert.NotNil(t, cmd)
	assert.Equal(t, "midrender", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	commands := cmd.Commands()
	assert.Len(t, commands, 2, "should have run and status subcommands")

	names := make(map[string]bool)
	for _, c := range commands {
		names[c.Use] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["status"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()
	assert.Equal(t, "run", cmd.Use)
	assert.NotNil(t, cmd.RunE)
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()
	assert.Equal(t, "status", cmd.Use)
	assert.NotNil(t, cmd.RunE)
}

func TestShowStatusOnEmptyFarm(t *testing.T) {
	tmpDir := t.TempDir()
	farmRoot := filepath.Join(tmpDir, "farm")
	configPath := filepath.Join(tmpDir, "config.yaml")

	configYAML := "node:\n  farm_root: " + farmRoot + "\nhttp:\n  host: 127.0.0.1\n  port: 8420\nudp:\n  multicast_addr: 239.192.42.43:4243\n"
	require.NoError(t, os.WriteFile(configPath, []byte(configYAML), 0644))

	configFile = configPath
	err := showStatus()
	assert.NoError(t, err, "status on a freshly-created farm root should not error")
}

func TestShowStatusMissingConfig(t *testing.T) {
	configFile = "/nonexistent/config.yaml"
	err := showStatus()
	assert.Error(t, err)
}
