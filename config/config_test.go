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
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Zero(t, cfg.FenceTimeout())
	assert.Zero(t, cfg.MemoryBudget())
	assert.True(t, cfg.Device.PreferDedicatedCompute)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[particles]
count = 1024
mesh = "meshes/bunny.obj"

[sync]
fence_timeout_ms = 250

[memory]
budget_mb = 64

[log]
level = "debug"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.Particles.Count)
	assert.Equal(t, "meshes/bunny.obj", cfg.Particles.Mesh)
	assert.Equal(t, 256, cfg.Particles.WorkgroupSize)
	assert.Equal(t, 800, cfg.Window.Width)
	assert.Equal(t, 250*time.Millisecond, cfg.FenceTimeout())
	assert.Equal(t, 64<<20, cfg.MemoryBudget())
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "[window]\ndepth = 3\n"))
	assert.Error(t, err)
}

func TestLoadReportsPosition(t *testing.T) {
	_, err := Load(writeConfig(t, "[window]\nwidth = = 3\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.toml:2:")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"window":    func(c *Config) { c.Window.Height = 0 },
		"count":     func(c *Config) { c.Particles.Count = 0 },
		"workgroup": func(c *Config) { c.Particles.WorkgroupSize = -1 },
		"point":     func(c *Config) { c.Particles.PointSize = 0 },
		"shader":    func(c *Config) { c.Shaders.Compute = "" },
		"timeout":   func(c *Config) { c.Sync.FenceTimeoutMS = -5 },
		"budget":    func(c *Config) { c.Memory.BudgetMB = -1 },
		"level":     func(c *Config) { c.Log.Level = "loud" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
