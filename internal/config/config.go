// Package config loads MidRender's single YAML configuration file into
// the structs every other component constructs from. Grounded on the
// teacher's internal/cli.Config shape (one struct per subsystem, YAML
// tags, a loadConfig(path) helper) but pointed at render-farm settings
// instead of worker-pool/WAL settings; config loading itself stays as
// thin as spec.md's Non-goals require — one read at startup, no
// hot-reload, no remote source.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cbkow/mid-render/pkg/types"
)

// Config is the complete process configuration, read once at startup.
type Config struct {
	Node struct {
		FarmRoot string       `yaml:"farm_root"`
		ID       types.NodeID `yaml:"id"` // optional; auto-assigned and persisted on first run if empty
		Priority int          `yaml:"priority"`
		Tags     []string     `yaml:"tags"`
	} `yaml:"node"`

	HTTP struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"http"`

	UDP struct {
		MulticastAddr string `yaml:"multicast_addr"`
	} `yaml:"udp"`

	Agent struct {
		Path           string        `yaml:"path"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
	} `yaml:"agent"`

	Intervals struct {
		RegistryPoll time.Duration `yaml:"registry_poll"`
		DispatchTick time.Duration `yaml:"dispatch_tick"`
		RenderPump   time.Duration `yaml:"render_pump"`
	} `yaml:"intervals"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Render struct {
		// StagingEnabled substitutes each chunk's output directory with
		// a scratch subdirectory under the node's local app-data dir
		// during the render, copying results back to the manifest's
		// real output_dir only on success. Protects a slow/shared
		// output mount from partial files left by a chunk that fails
		// mid-render.
		StagingEnabled bool `yaml:"staging_enabled"`
	} `yaml:"render"`
}

// Defaults matching spec.md §5/§6: HTTP mesh on 8420, UDP multicast on
// 4243, registry loop ~3s, dispatch tick ~2s.
const (
	DefaultHTTPPort      = 8420
	DefaultUDPMulticast  = "239.192.42.43:4243"
	DefaultRegistryPoll  = 3 * time.Second
	DefaultDispatchTick  = 2 * time.Second
	DefaultRenderPump    = 100 * time.Millisecond
	DefaultAgentConnect  = 5 * time.Second
	DefaultMetricsPort   = 9090
)

// Load reads and parses the YAML config file at path, filling in any
// unset field with its spec-mandated default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
	if c.UDP.MulticastAddr == "" {
		c.UDP.MulticastAddr = DefaultUDPMulticast
	}
	if c.Agent.ConnectTimeout == 0 {
		c.Agent.ConnectTimeout = DefaultAgentConnect
	}
	if c.Intervals.RegistryPoll == 0 {
		c.Intervals.RegistryPoll = DefaultRegistryPoll
	}
	if c.Intervals.DispatchTick == 0 {
		c.Intervals.DispatchTick = DefaultDispatchTick
	}
	if c.Intervals.RenderPump == 0 {
		c.Intervals.RenderPump = DefaultRenderPump
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
}
