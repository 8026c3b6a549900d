// Package renderer drives the particle frame loop on a device: it owns the
// allocator, the asset registry, the particle system, the descriptor pool,
// the presentation chain and the graphics pipeline, and tears them down in
// reverse order.
package renderer

import (
	"math/rand"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/loov/hrtime"
	"github.com/vkngwrapper/core/core1_0"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/vulkan-engine/assets"
	"github.com/vkngwrapper/vulkan-engine/config"
	"github.com/vkngwrapper/vulkan-engine/descriptor"
	"github.com/vkngwrapper/vulkan-engine/gpu"
	"github.com/vkngwrapper/vulkan-engine/logging"
	"github.com/vkngwrapper/vulkan-engine/memory"
	"github.com/vkngwrapper/vulkan-engine/particles"
	"github.com/vkngwrapper/vulkan-engine/resource"
	"github.com/vkngwrapper/vulkan-engine/swapchain"
)

// FrameUniforms is the per-frame block the vertex shader reads through a
// dynamic offset.
type FrameUniforms struct {
	Projection mgl32.Mat4
	PointSize  float32
	_          [3]float32
}

const FrameUniformsSize = 80

var clearColor = [4]float32{0, 0, 0, 1}

// Shaders holds SPIR-V code for the three pipeline stages.
type Shaders struct {
	Vertex   []byte
	Fragment []byte
	Compute  []byte
}

func LoadShaders(paths config.Shaders) (Shaders, error) {
	var s Shaders
	for _, stage := range []struct {
		path string
		code *[]byte
	}{
		{paths.Vertex, &s.Vertex},
		{paths.Fragment, &s.Fragment},
		{paths.Compute, &s.Compute},
	} {
		code, err := os.ReadFile(stage.path)
		if err != nil {
			return s, errors.Wrapf(err, "reading shader %s", stage.path)
		}
		*stage.code = code
	}
	return s, nil
}

type Renderer struct {
	cfg    config.Config
	logger *slog.Logger
	// Clock returns a monotonic time. It drives the compute delta time.
	Clock func() time.Duration

	device   gpu.Device
	families gpu.QueueFamilyIndices
	graphics gpu.Queue
	present  gpu.Queue
	shaders  Shaders

	alloc     *memory.Allocator
	transfer  *resource.Transfer
	assets    *assets.Registry
	particles *particles.System
	set       *descriptor.Set
	frame     *descriptor.Dynamic
	pool      *descriptor.Pool
	chain     *swapchain.Chain
	layout    gpu.PipelineLayout
	pipeline  gpu.Pipeline

	lifetime *resource.Scope
	last     time.Duration
	frames   int
	shutdown bool
}

func New(cfg config.Config, logger *slog.Logger) *Renderer {
	return &Renderer{cfg: cfg, logger: logging.Or(logger), Clock: hrtime.Now}
}

func (r *Renderer) Device() gpu.Device { return r.device }
func (r *Renderer) GraphicsQueue() gpu.Queue { return r.graphics }
func (r *Renderer) DescriptorPool() *descriptor.Pool { return r.pool }
func (r *Renderer) Chain() *swapchain.Chain { return r.chain }
func (r *Renderer) Assets() *assets.Registry { return r.assets }
func (r *Renderer) Particles() *particles.System { return r.particles }
func (r *Renderer) Frames() int { return r.frames }
func (r *Renderer) Allocator() *memory.Allocator { return r.alloc }
func (r *Renderer) FrameDescriptor() *descriptor.Dynamic { return r.frame }

// Init builds everything needed to draw on device. The renderer owns device
// from here on: Shutdown destroys it, also after a failed Init.
func (r *Renderer) Init(device gpu.Device, surface gpu.Surface, extent core1_0.Extent2D, shaders Shaders) error {
	if r.device != nil {
		return errors.New("renderer already initialized")
	}
	r.device = device
	if err := r.cfg.Validate(); err != nil {
		return err
	}
	r.families = device.QueueFamilies()
	r.graphics = device.Queue(r.families.Graphics)
	r.present = device.Queue(r.families.Present)
	r.shaders = shaders

	var scope resource.Scope
	defer scope.Release()

	r.alloc = memory.NewAllocator(device, r.cfg.MemoryBudget(), r.logger)
	var err error
	if r.transfer, err = resource.NewTransfer(r.alloc, r.graphics); err != nil {
		return err
	}
	scope.Defer(r.transfer.Destroy)

	r.assets = assets.NewRegistry(r.transfer, r.logger)
	scope.Defer(r.assets.Destroy)

	seed, err := r.seedParticles()
	if err != nil {
		return err
	}
	r.particles, err = particles.New(r.transfer, r.families, particles.Options{
		Particles:     seed,
		Bounds:        bounds(extent),
		WorkgroupSize: r.cfg.Particles.WorkgroupSize,
		ShaderCode:    shaders.Compute,
		FenceTimeout:  r.cfg.FenceTimeout(),
		Logger:        r.logger,
	})
	if err != nil {
		return errors.Wrap(err, "creating particle system")
	}
	scope.Defer(r.particles.Destroy)

	r.set = descriptor.NewSet("graphics")
	scope.Defer(r.set.Destroy)
	if err := r.createGraphicsSet(); err != nil {
		return err
	}

	if r.pool, err = descriptor.NewPool(device, 0, r.particles.Set, r.set); err != nil {
		return err
	}
	scope.Defer(r.pool.Destroy)
	if err := r.particles.Bind(r.pool); err != nil {
		return errors.Wrap(err, "binding compute set")
	}
	if err := r.set.Allocate(r.pool); err != nil {
		return err
	}
	if err := r.set.Commit(device); err != nil {
		return err
	}

	r.chain = swapchain.New(device, swapchain.Options{
		Surface:      surface,
		Families:     r.families,
		RenderPass:   true,
		FenceTimeout: r.cfg.FenceTimeout(),
		Logger:       r.logger,
	})
	scope.Defer(r.chain.Destroy)
	if err := r.chain.Create(extent); err != nil {
		return err
	}
	if err := r.checkSlots(); err != nil {
		return err
	}

	if r.layout, err = device.CreatePipelineLayout([]gpu.DescriptorSetLayout{r.set.Layout}); err != nil {
		return gpu.AllocationError(err, "creating graphics pipeline layout")
	}
	scope.Defer(r.layout.Destroy)
	scope.Defer(r.destroyPipeline)
	if err := r.createPipeline(); err != nil {
		return err
	}

	if err := r.particles.PreSignal(); err != nil {
		return err
	}

	r.lifetime = scope.Take()
	r.last = r.Clock()
	r.logger.Info("renderer initialized",
		slog.Int("Particles", r.particles.Count()),
		slog.Int("Images", r.chain.Len()),
		slog.Bool("OwnershipTransfers", r.families.FamiliesDiffer()))
	return nil
}

func bounds(extent core1_0.Extent2D) mgl32.Vec2 {
	if extent.Height <= 0 {
		return mgl32.Vec2{1, 1}
	}
	return mgl32.Vec2{float32(extent.Width) / float32(extent.Height), 1}
}

func (r *Renderer) seedParticles() ([]particles.Particle, error) {
	rng := rand.New(rand.NewSource(r.cfg.Particles.Seed))
	if r.cfg.Particles.Mesh == "" {
		return particles.Spawn(r.cfg.Particles.Count, rng, 1), nil
	}
	mesh, err := r.assets.LoadMeshFile("seed", r.cfg.Particles.Mesh)
	if err != nil {
		return nil, err
	}
	return particles.SeedFromVertices(mesh.Vertices, r.cfg.Particles.Count, rng), nil
}

func (r *Renderer) createGraphicsSet() error {
	texture, err := r.texture()
	if err != nil {
		return err
	}

	if r.frame, err = r.set.AddDynamic(core1_0.StageVertex, FrameUniformsSize, config.MaxFrameSlots); err != nil {
		return err
	}
	if _, err = r.set.AddImageSampler(core1_0.StageFragment, texture.Image, gpu.SamplerOptions{
		Linear:        true,
		MaxAnisotropy: r.device.Limits().MaxSamplerAnisotropy,
	}); err != nil {
		return err
	}
	if err := r.set.Create(r.alloc); err != nil {
		return err
	}
	return r.set.BuildLayout(r.device)
}

func (r *Renderer) texture() (*assets.Texture, error) {
	if r.cfg.Particles.Texture == "" {
		return r.assets.DefaultTexture()
	}
	return r.assets.LoadTextureFile("sprite", r.cfg.Particles.Texture)
}

func (r *Renderer) checkSlots() error {
	if r.chain.Len() > config.MaxFrameSlots {
		return gpu.CapabilityErrorf("swapchain of %d images exceeds %d frame slots", r.chain.Len(), config.MaxFrameSlots)
	}
	return nil
}

func (r *Renderer) createPipeline() error {
	pipeline, err := r.device.CreateGraphicsPipeline(gpu.GraphicsPipelineOptions{
		VertexCode:   r.shaders.Vertex,
		FragmentCode: r.shaders.Fragment,
		Layout:       r.layout,
		RenderPass:   r.chain.RenderPass(),
		Extent:       r.chain.Extent(),
		VertexStride: particles.ParticleSize,
		Attributes:   particles.Attributes(),
		Topology:     core1_0.PrimitiveTopologyPointList,
		AlphaBlend:   true,
	})
	if err != nil {
		return gpu.AllocationError(err, "creating graphics pipeline")
	}
	r.pipeline = pipeline
	return nil
}

func (r *Renderer) destroyPipeline() {
	if r.pipeline != nil {
		r.pipeline.Destroy()
		r.pipeline = nil
	}
}

func (r *Renderer) projection() mgl32.Mat4 {
	aspect := bounds(r.chain.Extent()).X()
	return mgl32.Ortho(-aspect, aspect, -1, 1, -1, 1)
}

// DrawFrame renders and presents one frame. extent is the current
// framebuffer size, used if the chain has to be rebuilt.
func (r *Renderer) DrawFrame(extent core1_0.Extent2D) error {
	if r.lifetime == nil {
		return errors.New("drawing with an uninitialized renderer")
	}

	slot, imageIndex, status, err := r.chain.Acquire()
	if err != nil {
		return err
	}
	if status == gpu.StatusOutOfDate {
		return r.Resize(extent)
	}
	if err := r.device.ResetFences(slot.InFlight); err != nil {
		return gpu.SynchronizationError(err, "resetting frame fence")
	}

	frameSlot := r.chain.Current()
	if err := r.frame.Set(frameSlot, FrameUniforms{
		Projection: r.projection(),
		PointSize:  r.cfg.Particles.PointSize,
	}); err != nil {
		return err
	}
	if err := r.frame.FlushObject(frameSlot); err != nil {
		return err
	}

	if err := r.particles.WaitCompute(); err != nil {
		return err
	}
	if err := r.recordGraphics(slot.CommandBuffer, frameSlot, imageIndex); err != nil {
		return err
	}
	err = r.graphics.Submit(slot.InFlight, r.particles.GraphicsSubmit(gpu.Submit{
		Wait:           []gpu.Semaphore{slot.ImageAcquired},
		WaitStages:     []core1_0.PipelineStageFlags{core1_0.PipelineStageColorAttachmentOutput},
		CommandBuffers: []gpu.CommandBuffer{slot.CommandBuffer},
		Signal:         []gpu.Semaphore{r.chain.Slot(imageIndex).RenderFinished},
	}))
	if err != nil {
		return gpu.SynchronizationError(err, "submitting graphics frame %d", r.frames)
	}

	now := r.Clock()
	delta := now - r.last
	r.last = now
	if err := r.particles.RecordCompute(delta); err != nil {
		return err
	}
	if err := r.particles.SubmitCompute(); err != nil {
		return err
	}

	status, err = r.chain.Present(r.present, imageIndex)
	if err != nil {
		return err
	}
	r.chain.Advance()
	r.frames++

	if status.Invalidated() {
		return r.Resize(extent)
	}
	return nil
}

func (r *Renderer) recordGraphics(cmd gpu.CommandBuffer, frameSlot, imageIndex int) error {
	if err := cmd.Reset(); err != nil {
		return errors.Wrap(err, "resetting graphics command buffer")
	}
	if err := cmd.Begin(false); err != nil {
		return errors.Wrap(err, "beginning graphics command buffer")
	}
	if err := r.particles.RecordGraphicsAcquire(cmd); err != nil {
		return err
	}

	framebuffer := r.chain.Slot(imageIndex).Framebuffer
	if err := cmd.BeginRenderPass(r.chain.RenderPass(), framebuffer, r.chain.Extent(), clearColor); err != nil {
		return errors.Wrap(err, "beginning render pass")
	}
	cmd.BindPipeline(core1_0.PipelineBindPointGraphics, r.pipeline)
	cmd.BindDescriptorSets(core1_0.PipelineBindPointGraphics, r.layout,
		[]gpu.DescriptorSet{r.set.Handle}, []int{r.frame.Offset(frameSlot)})
	r.particles.RecordDraw(cmd)
	cmd.EndRenderPass()

	if err := r.particles.RecordGraphicsRelease(cmd); err != nil {
		return err
	}
	if err := cmd.End(); err != nil {
		return errors.Wrap(err, "ending graphics command buffer")
	}
	return nil
}

// Resize rebuilds the chain and the graphics pipeline for a framebuffer of
// the given size. A zero-sized framebuffer is skipped until it grows.
func (r *Renderer) Resize(extent core1_0.Extent2D) error {
	if r.lifetime == nil {
		return errors.New("resizing an uninitialized renderer")
	}
	if extent.Width <= 0 || extent.Height <= 0 {
		return nil
	}
	if err := r.chain.Recreate(extent); err != nil {
		return err
	}
	if err := r.checkSlots(); err != nil {
		return err
	}
	r.destroyPipeline()
	if err := r.createPipeline(); err != nil {
		return err
	}
	r.particles.SetBounds(bounds(r.chain.Extent()))
	return nil
}

// Shutdown waits for the device, releases everything Init built in reverse
// order and destroys the device. It is safe to call more than once.
func (r *Renderer) Shutdown() {
	if r.shutdown || r.device == nil {
		return
	}
	r.shutdown = true
	if err := r.device.WaitIdle(); err != nil {
		r.logger.Error("waiting for device idle at shutdown", slog.Any("Error", err))
	}
	r.lifetime.Release()
	r.lifetime = nil

	if r.alloc != nil {
		stats := r.alloc.Stats()
		r.logger.Info("renderer shut down",
			slog.Int("Frames", r.frames),
			slog.Int("LiveAllocations", stats.Allocations),
			slog.Int("PeakBytes", stats.PeakBytes))
	}
	r.device.Destroy()
}
