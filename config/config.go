// Package config holds the renderer settings read from a TOML file.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"

	"github.com/vkngwrapper/vulkan-engine/logging"
)

// MaxFrameSlots bounds the per-frame uniform ring. A chain with more images
// than this fails to initialize.
const MaxFrameSlots = 8

type Window struct {
	Title  string `toml:"title"`
	Width  int    `toml:"width"`
	Height int    `toml:"height"`
}

type Device struct {
	// Validation enables the Khronos validation layer and routes its
	// messages into the log.
	Validation             bool `toml:"validation"`
	PreferDedicatedCompute bool `toml:"prefer_dedicated_compute"`
}

type Particles struct {
	Count         int   `toml:"count"`
	WorkgroupSize int   `toml:"workgroup_size"`
	Seed          int64 `toml:"seed"`
	// Mesh is an optional OBJ file whose vertices seed the particle positions.
	Mesh string `toml:"mesh"`
	// Texture is an optional PNG sampled by the point sprites.
	Texture   string  `toml:"texture"`
	PointSize float32 `toml:"point_size"`
}

type Shaders struct {
	Vertex   string `toml:"vertex"`
	Fragment string `toml:"fragment"`
	Compute  string `toml:"compute"`
}

type Sync struct {
	// FenceTimeoutMS bounds every fence wait. Zero waits forever.
	FenceTimeoutMS int `toml:"fence_timeout_ms"`
}

type Log struct {
	Level string `toml:"level"`
}

type Memory struct {
	// BudgetMB logs a warning when live device allocations pass it. Zero
	// disables the warning.
	BudgetMB int `toml:"budget_mb"`
}

type Config struct {
	Window    Window    `toml:"window"`
	Device    Device    `toml:"device"`
	Particles Particles `toml:"particles"`
	Shaders   Shaders   `toml:"shaders"`
	Sync      Sync      `toml:"sync"`
	Log       Log       `toml:"log"`
	Memory    Memory    `toml:"memory"`
}

func Default() Config {
	return Config{
		Window: Window{
			Title:  "Compute Shader",
			Width:  800,
			Height: 600,
		},
		Device: Device{
			PreferDedicatedCompute: true,
		},
		Particles: Particles{
			Count:         8192,
			WorkgroupSize: 256,
			Seed:          1,
			PointSize:     2,
		},
		Shaders: Shaders{
			Vertex:   "shaders/vert.spv",
			Fragment: "shaders/frag.spv",
			Compute:  "shaders/comp.spv",
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over the defaults, so a file only needs the keys it
// changes. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "opening config %s", path)
	}
	defer f.Close()

	dec := toml.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return cfg, errors.Wrapf(err, "%s:%d:%d", path, row, col)
		}
		return cfg, errors.Wrapf(err, "decoding config %s", path)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.Window.Width <= 0 || c.Window.Height <= 0:
		return errors.Newf("window size %dx%d must be positive", c.Window.Width, c.Window.Height)
	case c.Particles.Count <= 0:
		return errors.Newf("particle count %d must be positive", c.Particles.Count)
	case c.Particles.WorkgroupSize <= 0:
		return errors.Newf("workgroup size %d must be positive", c.Particles.WorkgroupSize)
	case c.Particles.PointSize <= 0:
		return errors.Newf("point size %v must be positive", c.Particles.PointSize)
	case c.Shaders.Vertex == "" || c.Shaders.Fragment == "" || c.Shaders.Compute == "":
		return errors.New("vertex, fragment and compute shader paths are required")
	case c.Sync.FenceTimeoutMS < 0:
		return errors.Newf("fence timeout %dms must not be negative", c.Sync.FenceTimeoutMS)
	case c.Memory.BudgetMB < 0:
		return errors.Newf("memory budget %dMB must not be negative", c.Memory.BudgetMB)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// FenceTimeout is the configured fence wait bound, or zero for none.
func (c Config) FenceTimeout() time.Duration {
	return time.Duration(c.Sync.FenceTimeoutMS) * time.Millisecond
}

func (c Config) MemoryBudget() int {
	return c.Memory.BudgetMB << 20
}
