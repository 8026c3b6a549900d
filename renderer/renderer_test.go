package renderer

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/vulkan-engine/config"
	"github.com/vkngwrapper/vulkan-engine/gpu"
	"github.com/vkngwrapper/vulkan-engine/gpu/gputest"
	"github.com/vkngwrapper/vulkan-engine/logging"
)

var (
	extent  = core1_0.Extent2D{Width: 800, Height: 600}
	shaders = Shaders{Vertex: make([]byte, 8), Fragment: make([]byte, 8), Compute: make([]byte, 8)}
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Particles.Count = 600
	return cfg
}

func newRenderer(t *testing.T, dev *gputest.Device, surface *gputest.Surface) *Renderer {
	t.Helper()
	r := New(testConfig(), nil)
	var now time.Duration
	r.Clock = func() time.Duration {
		now += 16 * time.Millisecond
		return now
	}
	require.NoError(t, r.Init(dev, surface, extent, shaders))
	return r
}

// frameSubmissions returns the graphics submissions that draw.
func frameSubmissions(dev *gputest.Device) []gputest.Submission {
	var frames []gputest.Submission
	for _, s := range dev.Submissions {
		if s.Count(gputest.OpDraw) > 0 {
			frames = append(frames, s)
		}
	}
	return frames
}

func assertShutdownClean(t *testing.T, r *Renderer, dev *gputest.Device) {
	t.Helper()
	r.Shutdown()
	r.Shutdown()
	assert.True(t, dev.Destroyed)
	assert.Empty(t, dev.Leaks())
	assert.Empty(t, dev.Misuse)
}

func TestFrameLoopSharedFamily(t *testing.T) {
	dev := gputest.Combined()
	r := newRenderer(t, dev, gputest.NewSurface())

	for i := 0; i < 7; i++ {
		require.NoError(t, r.DrawFrame(extent), "frame %d", i)
	}
	assert.Equal(t, 7, r.Frames())
	assert.Len(t, dev.Presentations, 7)
	assert.Equal(t, 7, r.Particles().Submitted())
	for _, s := range dev.Submissions {
		assert.Empty(t, s.Ownership())
	}
	assert.Same(t, dev.Queue(0), r.GraphicsQueue())
	assert.NotNil(t, r.DescriptorPool())
	assert.NotNil(t, r.Assets())

	assertShutdownClean(t, r, dev)
}

func TestFrameLoopDistinctFamilies(t *testing.T) {
	dev := gputest.Split()
	r := newRenderer(t, dev, gputest.NewSurface())

	for i := 0; i < 5; i++ {
		require.NoError(t, r.DrawFrame(extent), "frame %d", i)
	}

	frames := frameSubmissions(dev)
	require.Len(t, frames, 5)
	for i, f := range frames {
		assert.Equal(t, 0, f.Queue)
		acquires := 0
		for _, b := range f.Ownership() {
			if b.SrcFamily == 1 && b.DstFamily == 0 {
				acquires++
				assert.Equal(t, core1_0.AccessVertexAttributeRead, b.DstAccess)
			}
		}
		if i == 0 {
			assert.Zero(t, acquires)
		} else {
			assert.Equal(t, 1, acquires, "frame %d", i)
		}
	}
	assert.Len(t, dev.SubmissionsOn(1), 6)

	assertShutdownClean(t, r, dev)
}

func TestPreSignalBeforeFirstFrame(t *testing.T) {
	dev := gputest.Split()
	r := newRenderer(t, dev, gputest.NewSurface())
	require.NoError(t, r.DrawFrame(extent))

	first := -1
	for i, s := range dev.Submissions {
		if s.Count(gputest.OpDraw) > 0 {
			first = i
			break
		}
	}
	require.Greater(t, first, 0)
	pre := dev.Submissions[first-1]
	assert.Equal(t, 1, pre.Queue)
	assert.Empty(t, pre.Submit.CommandBuffers)
	assert.True(t, pre.Signals(r.Particles().ComputeFinished()))

	_, ok := dev.Submissions[first].Waits(r.Particles().ComputeFinished())
	assert.True(t, ok)

	assertShutdownClean(t, r, dev)
}

func TestTwoImageSurface(t *testing.T) {
	dev := gputest.Split()
	surface := gputest.NewSurface()
	surface.Supported.Capabilities.MinImageCount = 2
	surface.Supported.Capabilities.MaxImageCount = 2
	r := newRenderer(t, dev, surface)

	require.Equal(t, 2, r.Chain().Len())
	for i := 0; i < 6; i++ {
		require.NoError(t, r.DrawFrame(extent), "frame %d", i)
	}
	for i, p := range dev.Presentations {
		assert.Equal(t, i%2, p.ImageIndex)
	}

	// Frame slots alternate, so do the dynamic offsets.
	stride := r.FrameDescriptor().Stride
	for i, f := range frameSubmissions(dev) {
		for _, c := range f.Commands[0] {
			if c.Op == gputest.OpBindDescriptorSets {
				assert.Equal(t, []int{(i % 2) * stride}, c.DynamicOffsets)
			}
		}
	}

	assertShutdownClean(t, r, dev)
}

func TestWorkgroupSizeReachesDispatch(t *testing.T) {
	dev := gputest.Split()
	cfg := testConfig()
	cfg.Particles.WorkgroupSize = 512
	r := New(cfg, nil)
	require.NoError(t, r.Init(dev, gputest.NewSurface(), extent, shaders))
	require.NoError(t, r.DrawFrame(extent))

	var groups []int
	for _, s := range dev.SubmissionsOn(1) {
		for _, cmds := range s.Commands {
			for _, c := range cmds {
				if c.Op == gputest.OpDispatch {
					groups = append(groups, c.Groups[0])
				}
			}
		}
	}
	require.Equal(t, []int{2}, groups)
	assert.GreaterOrEqual(t, groups[0]*cfg.Particles.WorkgroupSize, cfg.Particles.Count)

	assertShutdownClean(t, r, dev)
}

func TestWorkgroupSizeOverDeviceLimitFailsInit(t *testing.T) {
	dev := gputest.Combined()
	cfg := testConfig()
	cfg.Particles.WorkgroupSize = 2048
	require.NoError(t, cfg.Validate())

	r := New(cfg, nil)
	err := r.Init(dev, gputest.NewSurface(), extent, shaders)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gpu.ErrCapability))

	assertShutdownClean(t, r, dev)
}

func TestFrameUniformsWritten(t *testing.T) {
	dev := gputest.Combined()
	r := newRenderer(t, dev, gputest.NewSurface())
	require.NoError(t, r.DrawFrame(extent))

	frame := r.FrameDescriptor()
	raw, err := frame.Buffer.ReadData(frame.Offset(0), FrameUniformsSize)
	require.NoError(t, err)
	pointSize := math.Float32frombits(common.ByteOrder.Uint32(raw[64:68]))
	assert.Equal(t, testConfig().Particles.PointSize, pointSize)
	// Ortho over [-4/3, 4/3] scales x by 3/4.
	assert.InDelta(t, 0.75, math.Float32frombits(common.ByteOrder.Uint32(raw[0:4])), 1e-6)

	assertShutdownClean(t, r, dev)
}

func TestOutOfDateRecreates(t *testing.T) {
	dev := gputest.Split()
	surface := gputest.NewSurface()
	r := newRenderer(t, dev, surface)
	for i := 0; i < 2; i++ {
		require.NoError(t, r.DrawFrame(extent))
	}

	dev.InvalidateSurface()
	surface.Supported.Capabilities.CurrentExtent = core1_0.Extent2D{Width: 1024, Height: 512}
	require.NoError(t, r.DrawFrame(extent))
	assert.Equal(t, 2, r.Chain().Generation())
	assert.Equal(t, 2, r.Frames())
	assert.Equal(t, core1_0.Extent2D{Width: 1024, Height: 512}, r.Chain().Extent())
	assert.Equal(t, 2, dev.Live(gputest.KindPipeline))

	for i := 0; i < 4; i++ {
		require.NoError(t, r.DrawFrame(extent))
	}
	assert.Equal(t, 6, r.Frames())

	assertShutdownClean(t, r, dev)
}

func TestResize(t *testing.T) {
	dev := gputest.Combined()
	r := newRenderer(t, dev, gputest.NewSurface())

	require.NoError(t, r.Resize(core1_0.Extent2D{}))
	assert.Equal(t, 1, r.Chain().Generation())

	require.NoError(t, r.Resize(extent))
	assert.Equal(t, 2, r.Chain().Generation())
	require.NoError(t, r.DrawFrame(extent))

	assertShutdownClean(t, r, dev)
}

func TestTooManyImagesFailsInit(t *testing.T) {
	dev := gputest.Combined()
	surface := gputest.NewSurface()
	surface.Supported.Capabilities.MinImageCount = config.MaxFrameSlots
	surface.Supported.Capabilities.MaxImageCount = 0

	r := New(testConfig(), nil)
	err := r.Init(dev, surface, extent, shaders)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gpu.ErrCapability))
	assert.Error(t, r.DrawFrame(extent))

	assertShutdownClean(t, r, dev)
}

func TestInitAllocationFailureReleasesEverything(t *testing.T) {
	for _, after := range []int{0, 1, 3, 5} {
		dev := gputest.Split()
		dev.FailAllocationAfter = after

		r := New(testConfig(), nil)
		err := r.Init(dev, gputest.NewSurface(), extent, shaders)
		require.Error(t, err, "failing after %d allocations", after)
		assert.True(t, errors.Is(err, gpu.ErrAllocation), "%+v", err)

		r.Shutdown()
		assert.Empty(t, dev.Leaks(), "failing after %d allocations", after)
	}
}

func TestInitTwice(t *testing.T) {
	dev := gputest.Combined()
	r := newRenderer(t, dev, gputest.NewSurface())
	assert.Error(t, r.Init(dev, gputest.NewSurface(), extent, shaders))
	assertShutdownClean(t, r, dev)
}

func TestInitLogs(t *testing.T) {
	var out bytes.Buffer
	dev := gputest.Combined()
	r := New(testConfig(), logging.New(slog.LevelInfo, &out))
	require.NoError(t, r.Init(dev, gputest.NewSurface(), extent, shaders))
	r.Shutdown()

	assert.Contains(t, out.String(), "renderer initialized")
	assert.Contains(t, out.String(), "created swapchain")
	assert.Contains(t, out.String(), "renderer shut down")
}

func TestInitSeedsFromMesh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tri.obj")
	require.NoError(t, os.WriteFile(path, []byte("v 0 0 0\nv 2 0 0\nv 0 2 0\nf 1 2 3\n"), 0o600))

	cfg := testConfig()
	cfg.Particles.Mesh = path
	dev := gputest.Combined()
	r := New(cfg, nil)
	require.NoError(t, r.Init(dev, gputest.NewSurface(), extent, shaders))

	_, ok := r.Assets().Mesh("seed")
	assert.True(t, ok)
	assertShutdownClean(t, r, dev)
}

func TestLoadShaders(t *testing.T) {
	dir := t.TempDir()
	paths := config.Shaders{
		Vertex:   filepath.Join(dir, "vert.spv"),
		Fragment: filepath.Join(dir, "frag.spv"),
		Compute:  filepath.Join(dir, "comp.spv"),
	}
	for i, p := range []string{paths.Vertex, paths.Fragment, paths.Compute} {
		require.NoError(t, os.WriteFile(p, bytes.Repeat([]byte{byte(i)}, 4), 0o600))
	}

	s, err := LoadShaders(paths)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 2, 2, 2}, s.Compute)

	paths.Fragment = filepath.Join(dir, "missing.spv")
	_, err = LoadShaders(paths)
	assert.Error(t, err)
}
