package gputest

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/core1_0"

	"github.com/vkngwrapper/vulkan-engine/gpu"
)

type Op string

const (
	OpBarrier            Op = "barrier"
	OpCopyBuffer         Op = "copy-buffer"
	OpCopyBufferToImage  Op = "copy-buffer-to-image"
	OpBeginRenderPass    Op = "begin-render-pass"
	OpEndRenderPass      Op = "end-render-pass"
	OpBindPipeline       Op = "bind-pipeline"
	OpBindDescriptorSets Op = "bind-descriptor-sets"
	OpBindVertexBuffers  Op = "bind-vertex-buffers"
	OpDraw               Op = "draw"
	OpDispatch           Op = "dispatch"
)

// Command is one recorded command. Only the fields relevant to Op are set.
type Command struct {
	Op Op

	SrcStage       core1_0.PipelineStageFlags
	DstStage       core1_0.PipelineStageFlags
	BufferBarriers []gpu.BufferBarrier
	ImageBarriers  []gpu.ImageBarrier

	Src  gpu.Buffer
	Dst  gpu.Buffer
	Size int

	BindPoint      core1_0.PipelineBindPoint
	Pipeline       gpu.Pipeline
	Sets           []gpu.DescriptorSet
	DynamicOffsets []int
	VertexBuffers  []gpu.Buffer

	Vertices  int
	Instances int
	Groups    [3]int
}

// Submission is one batch of a Queue.Submit call, with the commands each
// command buffer held at submit time.
type Submission struct {
	Queue    int
	Fence    gpu.Fence
	Submit   gpu.Submit
	Commands [][]Command
}

// BufferBarriers flattens every buffer barrier recorded in the submission.
func (s Submission) BufferBarriers() []gpu.BufferBarrier {
	var out []gpu.BufferBarrier
	for _, commands := range s.Commands {
		for _, c := range commands {
			if c.Op == OpBarrier {
				out = append(out, c.BufferBarriers...)
			}
		}
	}
	return out
}

// Ownership returns the buffer barriers that transfer queue family ownership.
func (s Submission) Ownership() []gpu.BufferBarrier {
	var out []gpu.BufferBarrier
	for _, b := range s.BufferBarriers() {
		if b.OwnershipTransfer() {
			out = append(out, b)
		}
	}
	return out
}

// Count returns how many commands of op the submission recorded.
func (s Submission) Count(op Op) int {
	n := 0
	for _, commands := range s.Commands {
		for _, c := range commands {
			if c.Op == op {
				n++
			}
		}
	}
	return n
}

// Signals reports whether sem is among the submission's signal semaphores.
func (s Submission) Signals(sem gpu.Semaphore) bool {
	for _, sig := range s.Submit.Signal {
		if sig == sem {
			return true
		}
	}
	return false
}

// Waits reports the stage sem is waited at, if it is waited at all.
func (s Submission) Waits(sem gpu.Semaphore) (core1_0.PipelineStageFlags, bool) {
	for i, w := range s.Submit.Wait {
		if w == sem {
			return s.Submit.WaitStages[i], true
		}
	}
	return 0, false
}

type Semaphore struct {
	object
	signaled bool
}

// Signaled reports whether a signal is pending on the semaphore.
func (s *Semaphore) Signaled() bool { return s.signaled }

func (d *Device) CreateSemaphore() (gpu.Semaphore, error) {
	return &Semaphore{object: d.newObject(KindSemaphore)}, nil
}

func (d *Device) semaphore(sem gpu.Semaphore) (*Semaphore, error) {
	s, ok := sem.(*Semaphore)
	if !ok || s.released {
		return nil, d.misuse("foreign or destroyed semaphore")
	}
	return s, nil
}

func (d *Device) signal(sem gpu.Semaphore) error {
	s, err := d.semaphore(sem)
	if err != nil {
		return err
	}
	if s.signaled {
		return d.misuse("semaphore signaled while a signal is already pending")
	}
	s.signaled = true
	return nil
}

// consume checks every wait can be satisfied before unsignaling any of them.
func (d *Device) consume(waits []gpu.Semaphore) error {
	sems := make([]*Semaphore, 0, len(waits))
	for _, w := range waits {
		s, err := d.semaphore(w)
		if err != nil {
			return err
		}
		if !s.signaled {
			return errors.Wrap(ErrWouldBlock, "wait on a semaphore with no pending signal")
		}
		sems = append(sems, s)
	}
	for _, s := range sems {
		s.signaled = false
	}
	return nil
}

type Fence struct {
	object
	signaled bool
}

func (f *Fence) Signaled() bool { return f.signaled }

func (d *Device) CreateFence(signaled bool) (gpu.Fence, error) {
	return &Fence{object: d.newObject(KindFence), signaled: signaled}, nil
}

func (d *Device) fence(fence gpu.Fence) (*Fence, error) {
	f, ok := fence.(*Fence)
	if !ok || f.released {
		return nil, d.misuse("foreign or destroyed fence")
	}
	return f, nil
}

// WaitForFences fails instead of blocking when a fence is unsignaled,
// since nothing in the fake could ever signal it later.
func (d *Device) WaitForFences(timeout time.Duration, fences ...gpu.Fence) error {
	d.FenceWaits++
	for _, fence := range fences {
		f, err := d.fence(fence)
		if err != nil {
			return err
		}
		if !f.signaled {
			if timeout == gpu.NoTimeout {
				return errors.Wrap(ErrWouldBlock, "wait on a fence that was never submitted")
			}
			return errors.Wrapf(ErrWouldBlock, "fence wait timed out after %v", timeout)
		}
	}
	return nil
}

func (d *Device) ResetFences(fences ...gpu.Fence) error {
	for _, fence := range fences {
		f, err := d.fence(fence)
		if err != nil {
			return err
		}
		f.signaled = false
	}
	return nil
}

type CommandPool struct {
	object
	Family int
}

func (d *Device) CreateCommandPool(family int) (gpu.CommandPool, error) {
	return &CommandPool{object: d.newObject(KindCommandPool), Family: family}, nil
}

type CommandBuffer struct {
	object
	Pool      *CommandPool
	Commands  []Command
	recording bool
	ended     bool
	inPass    bool
}

func (d *Device) AllocateCommandBuffers(pool gpu.CommandPool, count int) ([]gpu.CommandBuffer, error) {
	p, ok := pool.(*CommandPool)
	if !ok || p.released {
		return nil, d.misuse("allocation from foreign or destroyed command pool")
	}
	if count <= 0 {
		return nil, d.misuse("allocation of %d command buffers", count)
	}
	out := make([]gpu.CommandBuffer, count)
	for i := range out {
		out[i] = &CommandBuffer{object: d.newObject(KindCommandBuffer), Pool: p}
	}
	return out, nil
}

func (d *Device) FreeCommandBuffers(buffers []gpu.CommandBuffer) {
	for _, b := range buffers {
		cb, ok := b.(*CommandBuffer)
		if !ok {
			d.misuse("free of foreign command buffer")
			continue
		}
		cb.release()
	}
}

func (c *CommandBuffer) Begin(oneTime bool) error {
	if c.released {
		return c.dev.misuse("begin on freed command buffer")
	}
	if c.recording {
		return c.dev.misuse("begin on a command buffer already recording")
	}
	c.Commands = nil
	c.recording = true
	c.ended = false
	return nil
}

func (c *CommandBuffer) End() error {
	if !c.recording {
		return c.dev.misuse("end on a command buffer that is not recording")
	}
	if c.inPass {
		return c.dev.misuse("end inside a render pass")
	}
	c.recording = false
	c.ended = true
	return nil
}

func (c *CommandBuffer) Reset() error {
	c.Commands = nil
	c.recording = false
	c.ended = false
	c.inPass = false
	return nil
}

func (c *CommandBuffer) record(cmd Command) error {
	if !c.recording {
		return c.dev.misuse("%s recorded outside Begin/End", cmd.Op)
	}
	c.Commands = append(c.Commands, cmd)
	return nil
}

func (c *CommandBuffer) PipelineBarrier(src, dst core1_0.PipelineStageFlags, buffers []gpu.BufferBarrier, images []gpu.ImageBarrier) error {
	if c.inPass {
		return c.dev.misuse("barrier inside a render pass")
	}
	return c.record(Command{
		Op:             OpBarrier,
		SrcStage:       src,
		DstStage:       dst,
		BufferBarriers: append([]gpu.BufferBarrier(nil), buffers...),
		ImageBarriers:  append([]gpu.ImageBarrier(nil), images...),
	})
}

func (c *CommandBuffer) CopyBuffer(src, dst gpu.Buffer, size int) error {
	s, ok := src.(*Buffer)
	d, ok2 := dst.(*Buffer)
	if !ok || !ok2 || s.memory == nil || d.memory == nil {
		return c.dev.misuse("copy between unbound or foreign buffers")
	}
	if size > s.Options.Size || size > d.Options.Size {
		return c.dev.misuse("copy of %d bytes exceeds %d/%d byte buffers", size, s.Options.Size, d.Options.Size)
	}
	return c.record(Command{Op: OpCopyBuffer, Src: src, Dst: dst, Size: size})
}

func (c *CommandBuffer) CopyBufferToImage(src gpu.Buffer, dst gpu.Image, extent core1_0.Extent2D) error {
	s, ok := src.(*Buffer)
	if !ok || s.memory == nil {
		return c.dev.misuse("image copy from unbound or foreign buffer")
	}
	if extent.Width*extent.Height*4 > s.Options.Size {
		return c.dev.misuse("image copy of %dx%d reads past a %d byte buffer", extent.Width, extent.Height, s.Options.Size)
	}
	return c.record(Command{Op: OpCopyBufferToImage, Src: src, Size: extent.Width * extent.Height * 4})
}

func (c *CommandBuffer) BeginRenderPass(pass gpu.RenderPass, framebuffer gpu.Framebuffer, extent core1_0.Extent2D, clear [4]float32) error {
	if c.inPass {
		return c.dev.misuse("nested render pass")
	}
	if err := c.record(Command{Op: OpBeginRenderPass}); err != nil {
		return err
	}
	c.inPass = true
	return nil
}

func (c *CommandBuffer) EndRenderPass() {
	if !c.inPass {
		c.dev.misuse("end of render pass that was not begun")
	}
	c.inPass = false
	c.record(Command{Op: OpEndRenderPass})
}

func (c *CommandBuffer) BindPipeline(bindPoint core1_0.PipelineBindPoint, pipeline gpu.Pipeline) {
	c.record(Command{Op: OpBindPipeline, BindPoint: bindPoint, Pipeline: pipeline})
}

func (c *CommandBuffer) BindDescriptorSets(bindPoint core1_0.PipelineBindPoint, layout gpu.PipelineLayout, sets []gpu.DescriptorSet, dynamicOffsets []int) {
	c.record(Command{
		Op:             OpBindDescriptorSets,
		BindPoint:      bindPoint,
		Sets:           append([]gpu.DescriptorSet(nil), sets...),
		DynamicOffsets: append([]int(nil), dynamicOffsets...),
	})
}

func (c *CommandBuffer) BindVertexBuffers(buffers []gpu.Buffer, offsets []int) {
	c.record(Command{Op: OpBindVertexBuffers, VertexBuffers: append([]gpu.Buffer(nil), buffers...)})
}

func (c *CommandBuffer) Draw(vertexCount, instanceCount int) {
	if !c.inPass {
		c.dev.misuse("draw outside a render pass")
	}
	c.record(Command{Op: OpDraw, Vertices: vertexCount, Instances: instanceCount})
}

func (c *CommandBuffer) Dispatch(x, y, z int) {
	if c.inPass {
		c.dev.misuse("dispatch inside a render pass")
	}
	c.record(Command{Op: OpDispatch, Groups: [3]int{x, y, z}})
}

func (c *CommandBuffer) execute() {
	for _, cmd := range c.Commands {
		if cmd.Op == OpCopyBuffer {
			copy(cmd.Dst.(*Buffer).Contents()[:cmd.Size], cmd.Src.(*Buffer).Contents()[:cmd.Size])
		}
	}
}

type Queue struct {
	dev    *Device
	family int
	Idles  int
}

func (q *Queue) Family() int { return q.family }

func (q *Queue) Submit(fence gpu.Fence, submits ...gpu.Submit) error {
	d := q.dev
	if d.FailSubmit {
		return ErrInjectedSubmit
	}
	var f *Fence
	if fence != nil {
		var err error
		if f, err = d.fence(fence); err != nil {
			return err
		}
		if f.signaled {
			return d.misuse("submit with a fence that is still signaled")
		}
	}

	for _, s := range submits {
		if len(s.Wait) != len(s.WaitStages) {
			return d.misuse("%d wait semaphores with %d wait stages", len(s.Wait), len(s.WaitStages))
		}
		for _, b := range s.CommandBuffers {
			cb, ok := b.(*CommandBuffer)
			if !ok || cb.released {
				return d.misuse("submit of foreign or freed command buffer")
			}
			if !cb.ended {
				return d.misuse("submit of a command buffer that was not ended")
			}
			if cb.Pool.Family != q.family {
				return d.misuse("command buffer from family %d submitted to family %d", cb.Pool.Family, q.family)
			}
		}
		if err := d.consume(s.Wait); err != nil {
			return err
		}

		record := Submission{Queue: q.family, Fence: fence, Submit: s}
		for _, b := range s.CommandBuffers {
			cb := b.(*CommandBuffer)
			cb.execute()
			record.Commands = append(record.Commands, append([]Command(nil), cb.Commands...))
		}
		for _, sig := range s.Signal {
			if err := d.signal(sig); err != nil {
				return err
			}
		}
		d.Submissions = append(d.Submissions, record)
	}

	if f != nil {
		f.signaled = true
	}
	return nil
}

func (q *Queue) Present(swapchain gpu.Swapchain, imageIndex int, wait ...gpu.Semaphore) (gpu.Status, error) {
	d := q.dev
	sc, ok := swapchain.(*Swapchain)
	if !ok || sc.released {
		return gpu.StatusSuccess, d.misuse("present to foreign or destroyed swapchain")
	}
	if imageIndex < 0 || imageIndex >= len(sc.images) {
		return gpu.StatusSuccess, d.misuse("present of image %d from a chain of %d", imageIndex, len(sc.images))
	}
	if err := d.consume(wait); err != nil {
		return gpu.StatusSuccess, err
	}
	status := gpu.StatusSuccess
	if d.outOfDate {
		status = gpu.StatusOutOfDate
	}
	d.Presentations = append(d.Presentations, Presentation{
		Queue:      q.family,
		ImageIndex: imageIndex,
		Wait:       append([]gpu.Semaphore(nil), wait...),
		Status:     status,
	})
	return status, nil
}

func (q *Queue) WaitIdle() error {
	q.Idles++
	return nil
}
