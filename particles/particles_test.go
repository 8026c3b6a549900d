package particles

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"

	"github.com/vkngwrapper/vulkan-engine/descriptor"
	"github.com/vkngwrapper/vulkan-engine/gpu"
	"github.com/vkngwrapper/vulkan-engine/gpu/gputest"
	"github.com/vkngwrapper/vulkan-engine/memory"
	"github.com/vkngwrapper/vulkan-engine/resource"
)

var shaderCode = make([]byte, 16)

type harness struct {
	dev      *gputest.Device
	transfer *resource.Transfer
	system   *System
	pool     *descriptor.Pool
	gfxPool  gpu.CommandPool
	gfxCmd   gpu.CommandBuffer
}

func newHarness(t *testing.T, dev *gputest.Device, count int) *harness {
	t.Helper()
	return newHarnessWith(t, dev, Options{
		Particles:  Spawn(count, rand.New(rand.NewSource(1)), 4.0/3.0),
		ShaderCode: shaderCode,
	})
}

func newHarnessWith(t *testing.T, dev *gputest.Device, o Options) *harness {
	t.Helper()
	alloc := memory.NewAllocator(dev, 0, nil)
	transfer, err := resource.NewTransfer(alloc, dev.Queue(dev.Indices.Graphics))
	require.NoError(t, err)

	system, err := New(transfer, dev.Indices, o)
	require.NoError(t, err)

	pool, err := descriptor.NewPool(dev, 0, system.Set)
	require.NoError(t, err)
	require.NoError(t, system.Bind(pool))

	gfxPool, err := dev.CreateCommandPool(dev.Indices.Graphics)
	require.NoError(t, err)
	buffers, err := dev.AllocateCommandBuffers(gfxPool, 1)
	require.NoError(t, err)

	return &harness{dev: dev, transfer: transfer, system: system, pool: pool, gfxPool: gfxPool, gfxCmd: buffers[0]}
}

func (h *harness) frame(t *testing.T) {
	t.Helper()
	cmd := h.gfxCmd
	require.NoError(t, cmd.Reset())
	require.NoError(t, cmd.Begin(false))
	require.NoError(t, h.system.RecordGraphicsAcquire(cmd))
	require.NoError(t, cmd.BeginRenderPass(nil, nil, core1_0.Extent2D{Width: 1, Height: 1}, [4]float32{}))
	h.system.RecordDraw(cmd)
	cmd.EndRenderPass()
	require.NoError(t, h.system.RecordGraphicsRelease(cmd))
	require.NoError(t, cmd.End())

	queue := h.dev.Queue(h.dev.Indices.Graphics)
	require.NoError(t, queue.Submit(nil, h.system.GraphicsSubmit(gpu.Submit{CommandBuffers: []gpu.CommandBuffer{cmd}})))

	require.NoError(t, h.system.WaitCompute())
	require.NoError(t, h.system.RecordCompute(16*time.Millisecond))
	require.NoError(t, h.system.SubmitCompute())
}

func (h *harness) destroy() {
	h.dev.FreeCommandBuffers([]gpu.CommandBuffer{h.gfxCmd})
	h.gfxPool.Destroy()
	h.system.Destroy()
	h.pool.Destroy()
	h.transfer.Destroy()
}

// frames returns the graphics and compute submissions made after the pre-signal.
func (h *harness) frames() (graphics, compute []gputest.Submission) {
	for _, s := range h.dev.Submissions {
		if len(s.Commands) == 0 || s.Count(gputest.OpCopyBuffer) > 0 {
			continue
		}
		if s.Count(gputest.OpDispatch) > 0 {
			compute = append(compute, s)
		} else {
			graphics = append(graphics, s)
		}
	}
	return graphics, compute
}

func TestUploadWritesParticles(t *testing.T) {
	h := newHarness(t, gputest.Split(), 100)
	defer h.destroy()

	expected, err := resource.Encode(Spawn(100, rand.New(rand.NewSource(1)), 4.0/3.0))
	require.NoError(t, err)
	assert.Equal(t, expected, h.system.Storage.Handle.(*gputest.Buffer).Contents())
	assert.Equal(t, 100*ParticleSize, h.system.Storage.Size)

	require.Len(t, h.dev.Submissions, 1)
	assert.Equal(t, 0, h.dev.Submissions[0].Queue)
	assert.Equal(t, 0, h.system.Ownership().Owner())
}

func TestPreSignalPrecedesFirstGraphicsSubmit(t *testing.T) {
	h := newHarness(t, gputest.Split(), 10)
	defer h.destroy()

	require.NoError(t, h.system.PreSignal())
	h.frame(t)

	subs := h.dev.Submissions
	require.Len(t, subs, 4)
	pre := subs[1]
	assert.Equal(t, 1, pre.Queue)
	assert.Empty(t, pre.Submit.CommandBuffers)
	assert.Empty(t, pre.Submit.Wait)
	assert.True(t, pre.Signals(h.system.ComputeFinished()))

	first := subs[2]
	assert.Equal(t, 0, first.Queue)
	stage, ok := first.Waits(h.system.ComputeFinished())
	require.True(t, ok)
	assert.Equal(t, core1_0.PipelineStageVertexInput, stage)
	assert.True(t, first.Signals(h.system.GraphicsFinished()))

	compute := subs[3]
	assert.Equal(t, 1, compute.Queue)
	stage, ok = compute.Waits(h.system.GraphicsFinished())
	require.True(t, ok)
	assert.Equal(t, core1_0.PipelineStageComputeShader, stage)
	assert.True(t, compute.Signals(h.system.ComputeFinished()))
	assert.Empty(t, h.dev.Misuse)
}

func TestFirstFrameWithoutPreSignalStalls(t *testing.T) {
	h := newHarness(t, gputest.Split(), 10)
	defer h.destroy()

	cmd := h.gfxCmd
	require.NoError(t, cmd.Begin(true))
	require.NoError(t, cmd.End())
	err := h.dev.Queue(0).Submit(nil, h.system.GraphicsSubmit(gpu.Submit{CommandBuffers: []gpu.CommandBuffer{cmd}}))
	assert.True(t, errors.Is(err, gputest.ErrWouldBlock))
}

func TestDistinctFamiliesTransferOwnership(t *testing.T) {
	h := newHarness(t, gputest.Split(), 1000)
	defer h.destroy()
	require.NoError(t, h.system.PreSignal())

	const frames = 4
	for i := 0; i < frames; i++ {
		h.frame(t)
	}

	graphics, compute := h.frames()
	require.Len(t, graphics, frames)
	require.Len(t, compute, frames)
	storage := h.system.Storage.Handle

	for i := 0; i < frames; i++ {
		g := graphics[i].Ownership()
		if i == 0 {
			require.Len(t, g, 1, "first frame only releases")
		} else {
			require.Len(t, g, 2, "frame %d", i)
			acquire := g[0]
			assert.Equal(t, 1, acquire.SrcFamily)
			assert.Equal(t, 0, acquire.DstFamily)
			assert.Equal(t, core1_0.AccessVertexAttributeRead, acquire.DstAccess)
			assert.Equal(t, storage, acquire.Buffer)
		}
		release := g[len(g)-1]
		assert.Equal(t, 0, release.SrcFamily)
		assert.Equal(t, 1, release.DstFamily)
		assert.Equal(t, core1_0.AccessVertexAttributeRead, release.SrcAccess)

		c := compute[i].Ownership()
		require.Len(t, c, 2, "frame %d", i)
		assert.Equal(t, 0, c[0].SrcFamily)
		assert.Equal(t, 1, c[0].DstFamily)
		assert.Equal(t, core1_0.AccessShaderRead|core1_0.AccessShaderWrite, c[0].DstAccess)
		assert.Equal(t, 1, c[1].SrcFamily)
		assert.Equal(t, 0, c[1].DstFamily)
		assert.Equal(t, core1_0.AccessShaderWrite, c[1].SrcAccess)
		assert.Len(t, compute[i].BufferBarriers(), 2)

		acquires := 0
		for _, b := range g {
			if b.DstFamily == 0 {
				acquires++
			}
		}
		if i > 0 {
			assert.Equal(t, 1, acquires, "one compute-write to graphics-read acquire on frame %d", i)
		}
	}

	assert.Equal(t, 1, h.system.Ownership().Owner())
	assert.Equal(t, 0, h.system.Ownership().Pending())
	assert.Equal(t, frames, h.system.Submitted())
	assert.Empty(t, h.dev.Misuse)
}

func TestSharedFamilyHasNoOwnershipBarriers(t *testing.T) {
	h := newHarness(t, gputest.Combined(), 1000)
	defer h.destroy()
	require.NoError(t, h.system.PreSignal())

	for i := 0; i < 3; i++ {
		h.frame(t)
	}

	for _, s := range h.dev.Submissions {
		assert.Empty(t, s.Ownership())
	}
	graphics, compute := h.frames()
	require.Len(t, graphics, 3)
	require.Len(t, compute, 3)
	for i := range graphics {
		assert.Empty(t, graphics[i].BufferBarriers())

		barriers := compute[i].BufferBarriers()
		require.Len(t, barriers, 2)
		assert.Equal(t, core1_0.AccessVertexAttributeRead, barriers[0].SrcAccess)
		assert.Equal(t, core1_0.AccessShaderRead|core1_0.AccessShaderWrite, barriers[0].DstAccess)
		assert.Equal(t, core1_0.AccessShaderWrite, barriers[1].SrcAccess)
		assert.Equal(t, core1_0.AccessVertexAttributeRead, barriers[1].DstAccess)
		assert.Equal(t, gpu.QueueFamilyIgnored, barriers[0].SrcFamily)
	}
	assert.Empty(t, h.dev.Misuse)
}

func TestComputeDispatchAndParams(t *testing.T) {
	h := newHarness(t, gputest.Split(), 1000)
	defer h.destroy()
	require.NoError(t, h.system.PreSignal())
	h.frame(t)

	_, compute := h.frames()
	require.Len(t, compute, 1)
	var dispatch gputest.Command
	for _, c := range compute[0].Commands[0] {
		if c.Op == gputest.OpDispatch {
			dispatch = c
		}
	}
	assert.Equal(t, [3]int{4, 1, 1}, dispatch.Groups)

	raw, err := h.system.params.Buffer.ReadData(0, ParamsSize)
	require.NoError(t, err)
	assert.InDelta(t, 16, math.Float32frombits(common.ByteOrder.Uint32(raw[0:4])), 1e-4)
	assert.Equal(t, float32(1), math.Float32frombits(common.ByteOrder.Uint32(raw[8:12])))
	assert.Equal(t, ParamsSize, binary.Size(Params{}))
}

func TestDispatchCoversEveryParticle(t *testing.T) {
	for _, tc := range []struct {
		count, workgroup, groups int
	}{
		{count: 600, workgroup: 0, groups: 3},
		{count: 600, workgroup: 64, groups: 10},
		{count: 600, workgroup: 512, groups: 2},
		{count: 600, workgroup: 1024, groups: 1},
		{count: 1000, workgroup: 100, groups: 10},
	} {
		h := newHarnessWith(t, gputest.Split(), Options{
			Particles:     make([]Particle, tc.count),
			WorkgroupSize: tc.workgroup,
			ShaderCode:    shaderCode,
		})
		require.NoError(t, h.system.PreSignal())
		h.frame(t)

		size := tc.workgroup
		if size == 0 {
			size = DefaultWorkgroupSize
		}
		pipeline := h.system.pipeline.(*gputest.Pipeline)
		assert.Equal(t, size, pipeline.Compute.WorkgroupSize, "pipeline specialized to the dispatch size")

		_, compute := h.frames()
		require.Len(t, compute, 1)
		var dispatch gputest.Command
		for _, c := range compute[0].Commands[0] {
			if c.Op == gputest.OpDispatch {
				dispatch = c
			}
		}
		assert.Equal(t, [3]int{tc.groups, 1, 1}, dispatch.Groups, "%d particles in groups of %d", tc.count, size)
		assert.GreaterOrEqual(t, dispatch.Groups[0]*pipeline.Compute.WorkgroupSize, tc.count)
		assert.Empty(t, h.dev.Misuse)
		h.destroy()
	}
}

func TestWorkgroupOverDeviceLimit(t *testing.T) {
	dev := gputest.Split()
	alloc := memory.NewAllocator(dev, 0, nil)
	transfer, err := resource.NewTransfer(alloc, dev.Queue(dev.Indices.Graphics))
	require.NoError(t, err)
	defer transfer.Destroy()

	_, err = New(transfer, dev.Indices, Options{
		Particles:     make([]Particle, 10),
		WorkgroupSize: dev.DeviceLimits.MaxComputeWorkgroupSize + 1,
		ShaderCode:    shaderCode,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, gpu.ErrCapability))
	assert.Zero(t, dev.Live(gputest.KindBuffer))
}

func TestComputeSubmitFailureIsSynchronization(t *testing.T) {
	h := newHarness(t, gputest.Combined(), 10)
	defer h.destroy()
	require.NoError(t, h.system.PreSignal())

	h.dev.FailSubmit = true
	require.NoError(t, h.system.WaitCompute())
	require.NoError(t, h.system.RecordCompute(time.Millisecond))
	err := h.system.SubmitCompute()
	require.Error(t, err)
	assert.True(t, errors.Is(err, gpu.ErrSynchronization))
	assert.True(t, errors.Is(h.system.PreSignal(), gpu.ErrSynchronization))
}

func TestDestroyReleasesEverything(t *testing.T) {
	dev := gputest.Split()
	h := newHarness(t, dev, 10)
	require.NoError(t, h.system.PreSignal())
	h.frame(t)
	h.destroy()
	h.system.Destroy()

	assert.Empty(t, dev.Leaks())
	assert.Empty(t, dev.Misuse)
}

func TestNewRejectsUploadOffGraphics(t *testing.T) {
	dev := gputest.Split()
	alloc := memory.NewAllocator(dev, 0, nil)
	transfer, err := resource.NewTransfer(alloc, dev.Queue(1))
	require.NoError(t, err)
	defer transfer.Destroy()

	_, err = New(transfer, dev.Indices, Options{Particles: make([]Particle, 1)})
	assert.Error(t, err)
	_, err = New(transfer, dev.Indices, Options{})
	assert.Error(t, err)
}

func TestOwnershipRejectsOutOfOrderHandOff(t *testing.T) {
	dev := gputest.Split()
	pool, err := dev.CreateCommandPool(0)
	require.NoError(t, err)
	buffers, err := dev.AllocateCommandBuffers(pool, 1)
	require.NoError(t, err)
	cmd := buffers[0]
	require.NoError(t, cmd.Begin(true))

	o := NewOwnership(dev.Indices)
	assert.Error(t, o.Release(cmd, 1, nil))
	assert.Error(t, o.Acquire(cmd, 1, nil))
	require.NoError(t, o.Acquire(cmd, 0, nil))
	require.NoError(t, o.Release(cmd, 0, nil))
	assert.Error(t, o.Release(cmd, 0, nil))
	assert.Error(t, o.Acquire(cmd, 0, nil))
	require.NoError(t, o.Acquire(cmd, 1, nil))
	assert.Equal(t, 1, o.Owner())
	assert.Len(t, cmd.(*gputest.CommandBuffer).Commands, 2)
}

func TestSpawn(t *testing.T) {
	particles := Spawn(500, rand.New(rand.NewSource(7)), 16.0/9.0)
	require.Len(t, particles, 500)
	for _, p := range particles {
		assert.LessOrEqual(t, p.Position.Len(), float32(0.2501))
		assert.InDelta(t, initialSpeed, p.Velocity.Len(), 1e-7)
		assert.Equal(t, float32(1), p.Color.W())
	}
}

func TestSeedFromVertices(t *testing.T) {
	vertices := []mgl32.Vec3{{2, 0, 5}, {0, -4, 1}, {1, 1, 0}}
	particles := SeedFromVertices(vertices, 7, rand.New(rand.NewSource(3)))
	require.Len(t, particles, 7)
	assert.InDelta(t, 0.25, particles[0].Position.X(), 1e-6)
	assert.InDelta(t, -0.5, particles[1].Position.Y(), 1e-6)
	assert.Equal(t, particles[0].Position, particles[3].Position)
	for _, p := range particles {
		assert.LessOrEqual(t, p.Position.Len(), float32(0.5001))
		assert.InDelta(t, initialSpeed, p.Velocity.Len(), 1e-7)
	}

	assert.Len(t, SeedFromVertices(nil, 3, rand.New(rand.NewSource(3))), 3)
}

func TestAttributesMatchParticleLayout(t *testing.T) {
	assert.Equal(t, ParticleSize, binary.Size(Particle{}))
	attrs := Attributes()
	require.Len(t, attrs, 2)
	assert.Equal(t, 16, attrs[1].Offset)
}
