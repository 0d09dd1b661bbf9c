package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "midrender.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
node:
  farm_root: /tmp/farm
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/farm", cfg.Node.FarmRoot)
	assert.Equal(t, DefaultHTTPPort, cfg.HTTP.Port)
	assert.Equal(t, DefaultUDPMulticast, cfg.UDP.MulticastAddr)
	assert.Equal(t, DefaultRegistryPoll, cfg.Intervals.RegistryPoll)
	assert.Equal(t, DefaultDispatchTick, cfg.Intervals.DispatchTick)
	assert.Equal(t, DefaultRenderPump, cfg.Intervals.RenderPump)
	assert.Equal(t, DefaultAgentConnect, cfg.Agent.ConnectTimeout)
	assert.Equal(t, DefaultMetricsPort, cfg.Metrics.Port)
}

func TestLoadHonorsExplicitValues(t *testing.T) {
	path := writeConfig(t, `
node:
  farm_root: /tmp/farm
  id: node-7
  priority: 10
  tags: ["leader"]
http:
  host: 0.0.0.0
  port: 9420
udp:
  multicast_addr: 239.192.42.99:4244
intervals:
  registry_poll: 5s
  dispatch_tick: 1s
metrics:
  enabled: true
  port: 9091
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-7", string(cfg.Node.ID))
	assert.Equal(t, 10, cfg.Node.Priority)
	assert.Equal(t, []string{"leader"}, cfg.Node.Tags)
	assert.Equal(t, "0.0.0.0", cfg.HTTP.Host)
	assert.Equal(t, 9420, cfg.HTTP.Port)
	assert.Equal(t, "239.192.42.99:4244", cfg.UDP.MulticastAddr)
	assert.Equal(t, 5*time.Second, cfg.Intervals.RegistryPoll)
	assert.Equal(t, 1*time.Second, cfg.Intervals.DispatchTick)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9091, cfg.Metrics.Port)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAMLReturnsError(t *testing.T) {
	path := writeConfig(t, "node: [this is not a map")
	_, err := Load(path)
	assert.Error(t, err)
}
