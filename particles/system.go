// Package particles runs a particle simulation on the compute queue and
// hands the particle buffer to the graphics queue for drawing every frame.
//
// The frame protocol is:
//
//	graphics: wait ComputeFinished at vertex input, acquire, draw, release,
//	          signal GraphicsFinished
//	compute:  wait GraphicsFinished at compute shader, acquire, dispatch,
//	          release, signal ComputeFinished
//
// ComputeFinished is signaled once by PreSignal before the first frame so
// the first graphics submission has something to wait on.
package particles

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/vkngwrapper/core/core1_0"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/vulkan-engine/descriptor"
	"github.com/vkngwrapper/vulkan-engine/gpu"
	"github.com/vkngwrapper/vulkan-engine/logging"
	"github.com/vkngwrapper/vulkan-engine/resource"
)

const DefaultWorkgroupSize = 256

type Options struct {
	Particles []Particle
	Bounds    mgl32.Vec2
	// WorkgroupSize specializes the compute shader's local_size_x and sets
	// the dispatch group count. It is bounded by the device limit.
	WorkgroupSize int
	ShaderCode    []byte
	// FenceTimeout bounds compute fence waits. gpu.NoTimeout waits forever.
	FenceTimeout time.Duration
	Logger       *slog.Logger
}

type System struct {
	// Storage is the buffer shared between the queues.
	Storage *resource.Buffer
	// Set is the compute descriptor set: parameters at binding 0 and the
	// storage buffer at binding 1.
	Set *descriptor.Set

	device    gpu.Device
	families  gpu.QueueFamilyIndices
	queue     gpu.Queue
	ownership *Ownership
	options   Options
	logger    *slog.Logger
	count     int

	params           *descriptor.Plain
	layout           gpu.PipelineLayout
	pipeline         gpu.Pipeline
	pool             gpu.CommandPool
	cmd              gpu.CommandBuffer
	fence            gpu.Fence
	computeFinished  gpu.Semaphore
	graphicsFinished gpu.Semaphore
	submitted        int

	lifetime *resource.Scope
}

// New creates the shared buffer, uploads o.Particles to it through transfer,
// and prepares the compute set and synchronization objects. The transfer
// must run on the graphics queue.
func New(transfer *resource.Transfer, families gpu.QueueFamilyIndices, o Options) (*System, error) {
	if len(o.Particles) == 0 {
		return nil, errors.New("particle system needs at least one particle")
	}
	if transfer.Queue().Family() != families.Graphics {
		return nil, errors.Newf("particle upload on family %d, graphics is %d", transfer.Queue().Family(), families.Graphics)
	}
	if o.WorkgroupSize <= 0 {
		o.WorkgroupSize = DefaultWorkgroupSize
	}
	if o.FenceTimeout == 0 {
		o.FenceTimeout = gpu.NoTimeout
	}
	if o.Bounds == (mgl32.Vec2{}) {
		o.Bounds = mgl32.Vec2{1, 1}
	}

	alloc := transfer.Allocator()
	device := alloc.Device()
	if limit := device.Limits().MaxComputeWorkgroupSize; o.WorkgroupSize > limit {
		return nil, gpu.CapabilityErrorf("workgroup size %d exceeds the device limit of %d", o.WorkgroupSize, limit)
	}
	s := &System{
		device:    device,
		families:  families,
		queue:     device.Queue(families.Compute),
		ownership: NewOwnership(families),
		options:   o,
		logger:    logging.Or(o.Logger),
		count:     len(o.Particles),
	}

	var scope resource.Scope
	defer scope.Release()

	storage, err := resource.NewBuffer(alloc, s.count*ParticleSize,
		core1_0.BufferUsageStorageBuffer|core1_0.BufferUsageVertexBuffer|core1_0.BufferUsageTransferDst,
		core1_0.MemoryPropertyDeviceLocal)
	scope.Defer(storage.Destroy)
	if err != nil {
		return nil, errors.Wrap(err, "creating particle storage buffer")
	}
	s.Storage = storage

	if err := s.Upload(transfer, o.Particles); err != nil {
		return nil, err
	}

	s.Set = descriptor.NewSet("compute")
	scope.Defer(s.Set.Destroy)
	if s.params, err = s.Set.AddPlain(core1_0.StageCompute, ParamsSize, 1); err != nil {
		return nil, err
	}
	if _, err = s.Set.AddStorage(core1_0.StageCompute, storage); err != nil {
		return nil, err
	}
	if err := s.Set.Create(alloc); err != nil {
		return nil, err
	}
	if err := s.Set.BuildLayout(device); err != nil {
		return nil, err
	}

	if s.pool, err = device.CreateCommandPool(families.Compute); err != nil {
		return nil, gpu.AllocationError(err, "creating compute command pool")
	}
	scope.Defer(s.pool.Destroy)
	buffers, err := device.AllocateCommandBuffers(s.pool, 1)
	if err != nil {
		return nil, gpu.AllocationError(err, "allocating compute command buffer")
	}
	scope.Defer(func() { device.FreeCommandBuffers(buffers) })
	s.cmd = buffers[0]

	if s.fence, err = device.CreateFence(true); err != nil {
		return nil, gpu.AllocationError(err, "creating compute fence")
	}
	scope.Defer(s.fence.Destroy)
	if s.computeFinished, err = device.CreateSemaphore(); err != nil {
		return nil, gpu.AllocationError(err, "creating compute semaphore")
	}
	scope.Defer(s.computeFinished.Destroy)
	if s.graphicsFinished, err = device.CreateSemaphore(); err != nil {
		return nil, gpu.AllocationError(err, "creating graphics semaphore")
	}
	scope.Defer(s.graphicsFinished.Destroy)

	s.logger.Info("created particle system",
		slog.Int("Particles", s.count),
		slog.Int("GraphicsFamily", families.Graphics),
		slog.Int("ComputeFamily", families.Compute),
		slog.Bool("OwnershipTransfers", s.ownership.FamiliesDiffer()))

	s.lifetime = scope.Take()
	return s, nil
}

// Upload replaces the buffer contents. The graphics family owns the buffer
// afterwards.
func (s *System) Upload(transfer *resource.Transfer, particles []Particle) error {
	if len(particles) != s.count {
		return errors.Newf("uploading %d particles to a buffer of %d", len(particles), s.count)
	}
	data, err := resource.Encode(particles)
	if err != nil {
		return err
	}
	if err := transfer.Upload(s.Storage, data); err != nil {
		return errors.Wrap(err, "uploading particles")
	}
	return nil
}

// Bind allocates and writes the compute set from pool and builds the
// compute pipeline.
func (s *System) Bind(pool *descriptor.Pool) error {
	if err := s.Set.Allocate(pool); err != nil {
		return err
	}
	if err := s.Set.Commit(s.device); err != nil {
		return err
	}

	var err error
	if s.layout, err = s.device.CreatePipelineLayout([]gpu.DescriptorSetLayout{s.Set.Layout}); err != nil {
		return gpu.AllocationError(err, "creating compute pipeline layout")
	}
	s.lifetime.Defer(s.layout.Destroy)

	if s.pipeline, err = s.device.CreateComputePipeline(gpu.ComputePipelineOptions{
		Code:          s.options.ShaderCode,
		Entry:         "main",
		Layout:        s.layout,
		WorkgroupSize: s.options.WorkgroupSize,
	}); err != nil {
		return gpu.AllocationError(err, "creating compute pipeline")
	}
	s.lifetime.Defer(s.pipeline.Destroy)
	return nil
}

// SetBounds changes the half extents particles bounce inside from the next
// RecordCompute on.
func (s *System) SetBounds(bounds mgl32.Vec2) { s.options.Bounds = bounds }

func (s *System) Count() int { return s.count }

// Groups is the dispatch width covering every particle.
func (s *System) Groups() int {
	return (s.count + s.options.WorkgroupSize - 1) / s.options.WorkgroupSize
}
func (s *System) Ownership() *Ownership { return s.ownership }
func (s *System) ComputeFinished() gpu.Semaphore { return s.computeFinished }
func (s *System) GraphicsFinished() gpu.Semaphore { return s.graphicsFinished }

// PreSignal submits an empty compute batch that signals ComputeFinished and
// waits for the compute queue to go idle.
func (s *System) PreSignal() error {
	err := s.queue.Submit(nil, gpu.Submit{Signal: []gpu.Semaphore{s.computeFinished}})
	if err != nil {
		return gpu.SynchronizationError(err, "pre-signaling compute semaphore")
	}
	if err := s.queue.WaitIdle(); err != nil {
		return gpu.SynchronizationError(err, "waiting for compute queue after pre-signal")
	}
	return nil
}

// GraphicsSubmit adds the particle semaphores to a graphics submission.
func (s *System) GraphicsSubmit(submit gpu.Submit) gpu.Submit {
	submit.Wait = append(submit.Wait, s.computeFinished)
	submit.WaitStages = append(submit.WaitStages, core1_0.PipelineStageVertexInput)
	submit.Signal = append(submit.Signal, s.graphicsFinished)
	return submit
}

// RecordGraphicsAcquire records, before the draw, the graphics family
// taking the buffer back from compute.
func (s *System) RecordGraphicsAcquire(cmd gpu.CommandBuffer) error {
	return s.ownership.Acquire(cmd, s.families.Graphics, s.Storage.Handle)
}

// RecordGraphicsRelease records, after the draw, the graphics family
// handing the buffer to compute.
func (s *System) RecordGraphicsRelease(cmd gpu.CommandBuffer) error {
	return s.ownership.Release(cmd, s.families.Graphics, s.Storage.Handle)
}

// RecordDraw binds the buffer as vertex input and draws one point per particle.
func (s *System) RecordDraw(cmd gpu.CommandBuffer) {
	cmd.BindVertexBuffers([]gpu.Buffer{s.Storage.Handle}, []int{0})
	cmd.Draw(s.count, 1)
}

// WaitCompute blocks until the previous compute submission has finished.
func (s *System) WaitCompute() error {
	if err := s.device.WaitForFences(s.options.FenceTimeout, s.fence); err != nil {
		return gpu.SynchronizationError(err, "waiting for compute fence")
	}
	return nil
}

// RecordCompute writes the simulation parameters and records acquire,
// dispatch and release into the compute command buffer. WaitCompute must
// have returned since the last SubmitCompute.
func (s *System) RecordCompute(deltaTime time.Duration) error {
	if s.pipeline == nil {
		return errors.New("recording compute before the pipeline was bound")
	}
	params := Params{
		DeltaTime: float32(deltaTime.Seconds() * 1000),
		Bounds:    s.options.Bounds,
	}
	if err := s.params.Update(params); err != nil {
		return errors.Wrap(err, "writing compute parameters")
	}

	cmd := s.cmd
	buf := s.Storage.Handle
	if err := cmd.Reset(); err != nil {
		return errors.Wrap(err, "resetting compute command buffer")
	}
	if err := cmd.Begin(false); err != nil {
		return errors.Wrap(err, "beginning compute command buffer")
	}
	if err := s.ownership.Acquire(cmd, s.families.Compute, buf); err != nil {
		return err
	}
	if err := s.ownership.Dependency(cmd, ToCompute, buf); err != nil {
		return err
	}

	cmd.BindPipeline(core1_0.PipelineBindPointCompute, s.pipeline)
	cmd.BindDescriptorSets(core1_0.PipelineBindPointCompute, s.layout, []gpu.DescriptorSet{s.Set.Handle}, nil)
	cmd.Dispatch(s.Groups(), 1, 1)

	if err := s.ownership.Dependency(cmd, ToGraphics, buf); err != nil {
		return err
	}
	if err := s.ownership.Release(cmd, s.families.Compute, buf); err != nil {
		return err
	}
	if err := cmd.End(); err != nil {
		return errors.Wrap(err, "ending compute command buffer")
	}
	return nil
}

// SubmitCompute submits the recorded compute work after the graphics
// submission of the same frame.
func (s *System) SubmitCompute() error {
	if err := s.device.ResetFences(s.fence); err != nil {
		return gpu.SynchronizationError(err, "resetting compute fence")
	}
	err := s.queue.Submit(s.fence, gpu.Submit{
		Wait:           []gpu.Semaphore{s.graphicsFinished},
		WaitStages:     []core1_0.PipelineStageFlags{core1_0.PipelineStageComputeShader},
		CommandBuffers: []gpu.CommandBuffer{s.cmd},
		Signal:         []gpu.Semaphore{s.computeFinished},
	})
	if err != nil {
		return gpu.SynchronizationError(err, "submitting compute")
	}
	s.submitted++
	return nil
}

// Submitted counts compute submissions, not counting the pre-signal.
func (s *System) Submitted() int { return s.submitted }

// Destroy releases everything the system created. The device must be idle.
func (s *System) Destroy() {
	if s == nil {
		return
	}
	s.lifetime.Release()
	s.lifetime = nil
}
