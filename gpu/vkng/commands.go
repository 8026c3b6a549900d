package vkng

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_swapchain"

	"github.com/vkngwrapper/vulkan-engine/gpu"
)

func timeoutOf(timeout time.Duration) time.Duration {
	if timeout < 0 {
		return common.NoTimeout
	}
	return timeout
}

type Semaphore struct{ semaphore core1_0.Semaphore }

func (s *Semaphore) Destroy() { s.semaphore.Destroy(nil) }

func (d *Device) CreateSemaphore() (gpu.Semaphore, error) {
	semaphore, res, err := d.device.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
	if err != nil {
		return nil, classify(res, err, "creating semaphore")
	}
	return &Semaphore{semaphore: semaphore}, nil
}

func semaphoresOf(semaphores []gpu.Semaphore) ([]core1_0.Semaphore, error) {
	var out []core1_0.Semaphore
	for _, semaphore := range semaphores {
		s, ok := semaphore.(*Semaphore)
		if !ok {
			return nil, errors.Newf("vkng: foreign semaphore %T", semaphore)
		}
		out = append(out, s.semaphore)
	}
	return out, nil
}

type Fence struct{ fence core1_0.Fence }

func (f *Fence) Destroy() { f.fence.Destroy(nil) }

func (d *Device) CreateFence(signaled bool) (gpu.Fence, error) {
	var flags core1_0.FenceCreateFlags
	if signaled {
		flags = core1_0.FenceCreateSignaled
	}
	fence, res, err := d.device.CreateFence(nil, core1_0.FenceCreateInfo{
		Flags: flags,
	})
	if err != nil {
		return nil, classify(res, err, "creating fence")
	}
	return &Fence{fence: fence}, nil
}

func fencesOf(fences []gpu.Fence) ([]core1_0.Fence, error) {
	var out []core1_0.Fence
	for _, fence := range fences {
		f, ok := fence.(*Fence)
		if !ok {
			return nil, errors.Newf("vkng: foreign fence %T", fence)
		}
		out = append(out, f.fence)
	}
	return out, nil
}

func (d *Device) WaitForFences(timeout time.Duration, fences ...gpu.Fence) error {
	vkFences, err := fencesOf(fences)
	if err != nil {
		return err
	}
	res, err := d.device.WaitForFences(true, timeoutOf(timeout), vkFences)
	if err != nil {
		return gpu.SynchronizationError(err, "waiting for %d fences", len(fences))
	}
	if res == core1_0.VKTimeout {
		return gpu.SynchronizationError(errors.New("timeout"), "waiting %s for %d fences", timeout, len(fences))
	}
	return nil
}

func (d *Device) ResetFences(fences ...gpu.Fence) error {
	vkFences, err := fencesOf(fences)
	if err != nil {
		return err
	}
	if _, err := d.device.ResetFences(vkFences); err != nil {
		return gpu.SynchronizationError(err, "resetting %d fences", len(fences))
	}
	return nil
}

type CommandPool struct{ pool core1_0.CommandPool }

func (p *CommandPool) Destroy() { p.pool.Destroy(nil) }

// CreateCommandPool creates a pool whose buffers can be reset one by one.
func (d *Device) CreateCommandPool(family int) (gpu.CommandPool, error) {
	pool, res, err := d.device.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: family,
	})
	if err != nil {
		return nil, classify(res, err, "creating command pool for family %d", family)
	}
	return &CommandPool{pool: pool}, nil
}

func (d *Device) AllocateCommandBuffers(pool gpu.CommandPool, count int) ([]gpu.CommandBuffer, error) {
	p, ok := pool.(*CommandPool)
	if !ok {
		return nil, errors.Newf("vkng: foreign command pool %T", pool)
	}
	buffers, res, err := d.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        p.pool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: count,
	})
	if err != nil {
		return nil, classify(res, err, "allocating %d command buffers", count)
	}
	out := make([]gpu.CommandBuffer, len(buffers))
	for i, buffer := range buffers {
		out[i] = &CommandBuffer{buffer: buffer}
	}
	return out, nil
}

func commandBuffersOf(buffers []gpu.CommandBuffer) ([]core1_0.CommandBuffer, error) {
	var out []core1_0.CommandBuffer
	for _, buffer := range buffers {
		b, ok := buffer.(*CommandBuffer)
		if !ok {
			return nil, errors.Newf("vkng: foreign command buffer %T", buffer)
		}
		out = append(out, b.buffer)
	}
	return out, nil
}

func (d *Device) FreeCommandBuffers(buffers []gpu.CommandBuffer) {
	vkBuffers, err := commandBuffersOf(buffers)
	if err != nil || len(vkBuffers) == 0 {
		return
	}
	d.device.FreeCommandBuffers(vkBuffers)
}

// CommandBuffer records into a primary command buffer. Binding calls with a
// handle this package did not create are dropped; the recording error they
// would raise surfaces as validation output instead.
type CommandBuffer struct {
	buffer core1_0.CommandBuffer
}

func (c *CommandBuffer) Begin(oneTime bool) error {
	var flags core1_0.CommandBufferUsageFlags
	if oneTime {
		flags = core1_0.CommandBufferUsageOneTimeSubmit
	}
	if _, err := c.buffer.Begin(core1_0.CommandBufferBeginInfo{Flags: flags}); err != nil {
		return errors.Wrap(err, "beginning command buffer")
	}
	return nil
}

func (c *CommandBuffer) End() error {
	if _, err := c.buffer.End(); err != nil {
		return errors.Wrap(err, "ending command buffer")
	}
	return nil
}

func (c *CommandBuffer) Reset() error {
	if _, err := c.buffer.Reset(0); err != nil {
		return errors.Wrap(err, "resetting command buffer")
	}
	return nil
}

func (c *CommandBuffer) PipelineBarrier(src, dst core1_0.PipelineStageFlags, buffers []gpu.BufferBarrier, images []gpu.ImageBarrier) error {
	var bufferBarriers []core1_0.BufferMemoryBarrier
	for _, b := range buffers {
		buf, ok := b.Buffer.(*Buffer)
		if !ok {
			return errors.Newf("vkng: foreign buffer %T", b.Buffer)
		}
		size := b.Size
		if size == 0 {
			size = buf.size - b.Offset
		}
		bufferBarriers = append(bufferBarriers, core1_0.BufferMemoryBarrier{
			SrcAccessMask:       b.SrcAccess,
			DstAccessMask:       b.DstAccess,
			SrcQueueFamilyIndex: b.SrcFamily,
			DstQueueFamilyIndex: b.DstFamily,
			Buffer:              buf.buffer,
			Offset:              b.Offset,
			Size:                size,
		})
	}

	var imageBarriers []core1_0.ImageMemoryBarrier
	for _, b := range images {
		img, err := imageOf(b.Image)
		if err != nil {
			return err
		}
		imageBarriers = append(imageBarriers, core1_0.ImageMemoryBarrier{
			OldLayout:           b.OldLayout,
			NewLayout:           b.NewLayout,
			SrcQueueFamilyIndex: gpu.QueueFamilyIgnored,
			DstQueueFamilyIndex: gpu.QueueFamilyIgnored,
			Image:               img,
			SubresourceRange: core1_0.ImageSubresourceRange{
				AspectMask:     b.Aspect,
				BaseMipLevel:   0,
				LevelCount:     1,
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
			SrcAccessMask: b.SrcAccess,
			DstAccessMask: b.DstAccess,
		})
	}

	return c.buffer.CmdPipelineBarrier(src, dst, 0, nil, bufferBarriers, imageBarriers)
}

func (c *CommandBuffer) CopyBuffer(src, dst gpu.Buffer, size int) error {
	s, ok := src.(*Buffer)
	if !ok {
		return errors.Newf("vkng: foreign buffer %T", src)
	}
	d, ok := dst.(*Buffer)
	if !ok {
		return errors.Newf("vkng: foreign buffer %T", dst)
	}
	return c.buffer.CmdCopyBuffer(s.buffer, d.buffer, []core1_0.BufferCopy{
		{
			SrcOffset: 0,
			DstOffset: 0,
			Size:      size,
		},
	})
}

// CopyBufferToImage expects dst in the transfer destination layout.
func (c *CommandBuffer) CopyBufferToImage(src gpu.Buffer, dst gpu.Image, extent core1_0.Extent2D) error {
	s, ok := src.(*Buffer)
	if !ok {
		return errors.Newf("vkng: foreign buffer %T", src)
	}
	img, err := imageOf(dst)
	if err != nil {
		return err
	}
	return c.buffer.CmdCopyBufferToImage(s.buffer, img, core1_0.ImageLayoutTransferDstOptimal, []core1_0.BufferImageCopy{
		{
			BufferOffset:      0,
			BufferRowLength:   0,
			BufferImageHeight: 0,

			ImageSubresource: core1_0.ImageSubresourceLayers{
				AspectMask:     core1_0.ImageAspectColor,
				MipLevel:       0,
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
			ImageOffset: core1_0.Offset3D{X: 0, Y: 0, Z: 0},
			ImageExtent: core1_0.Extent3D{Width: extent.Width, Height: extent.Height, Depth: 1},
		},
	})
}

func (c *CommandBuffer) BeginRenderPass(pass gpu.RenderPass, framebuffer gpu.Framebuffer, extent core1_0.Extent2D, clear [4]float32) error {
	p, ok := pass.(*RenderPass)
	if !ok {
		return errors.Newf("vkng: foreign render pass %T", pass)
	}
	f, ok := framebuffer.(*Framebuffer)
	if !ok {
		return errors.Newf("vkng: foreign framebuffer %T", framebuffer)
	}
	return c.buffer.CmdBeginRenderPass(core1_0.SubpassContentsInline,
		core1_0.RenderPassBeginInfo{
			RenderPass:  p.pass,
			Framebuffer: f.framebuffer,
			RenderArea: core1_0.Rect2D{
				Offset: core1_0.Offset2D{X: 0, Y: 0},
				Extent: extent,
			},
			ClearValues: []core1_0.ClearValue{
				core1_0.ClearValueFloat(clear),
			},
		})
}

func (c *CommandBuffer) EndRenderPass() { c.buffer.CmdEndRenderPass() }

func (c *CommandBuffer) BindPipeline(bindPoint core1_0.PipelineBindPoint, pipeline gpu.Pipeline) {
	if p, ok := pipeline.(*Pipeline); ok {
		c.buffer.CmdBindPipeline(bindPoint, p.pipeline)
	}
}

func (c *CommandBuffer) BindDescriptorSets(bindPoint core1_0.PipelineBindPoint, layout gpu.PipelineLayout, sets []gpu.DescriptorSet, dynamicOffsets []int) {
	l, ok := layout.(*PipelineLayout)
	if !ok {
		return
	}
	vkSets, err := setsOf(sets)
	if err != nil {
		return
	}
	c.buffer.CmdBindDescriptorSets(bindPoint, l.layout, vkSets, dynamicOffsets)
}

func (c *CommandBuffer) BindVertexBuffers(buffers []gpu.Buffer, offsets []int) {
	var vkBuffers []core1_0.Buffer
	for _, buffer := range buffers {
		b, ok := buffer.(*Buffer)
		if !ok {
			return
		}
		vkBuffers = append(vkBuffers, b.buffer)
	}
	c.buffer.CmdBindVertexBuffers(vkBuffers, offsets)
}

func (c *CommandBuffer) Draw(vertexCount, instanceCount int) {
	c.buffer.CmdDraw(vertexCount, instanceCount, 0, 0)
}

func (c *CommandBuffer) Dispatch(x, y, z int) {
	c.buffer.CmdDispatch(x, y, z)
}

type Queue struct {
	dev    *Device
	family int
	queue  core1_0.Queue
}

func (q *Queue) Family() int { return q.family }

func (q *Queue) Submit(fence gpu.Fence, submits ...gpu.Submit) error {
	var vkFence core1_0.Fence
	if fence != nil {
		fences, err := fencesOf([]gpu.Fence{fence})
		if err != nil {
			return err
		}
		vkFence = fences[0]
	}

	var infos []core1_0.SubmitInfo
	for _, s := range submits {
		wait, err := semaphoresOf(s.Wait)
		if err != nil {
			return err
		}
		signal, err := semaphoresOf(s.Signal)
		if err != nil {
			return err
		}
		buffers, err := commandBuffersOf(s.CommandBuffers)
		if err != nil {
			return err
		}
		infos = append(infos, core1_0.SubmitInfo{
			WaitSemaphores:   wait,
			WaitDstStageMask: s.WaitStages,
			CommandBuffers:   buffers,
			SignalSemaphores: signal,
		})
	}

	res, err := q.queue.Submit(vkFence, infos)
	if err != nil {
		if res == core1_0.VKErrorOutOfHostMemory || res == core1_0.VKErrorOutOfDeviceMemory {
			return classify(res, err, "submitting to family %d", q.family)
		}
		return gpu.SynchronizationError(err, "submitting to family %d", q.family)
	}
	return nil
}

// Present maps out-of-date and suboptimal results to a Status rather than an
// error.
func (q *Queue) Present(swapchain gpu.Swapchain, imageIndex int, wait ...gpu.Semaphore) (gpu.Status, error) {
	sc, ok := swapchain.(*Swapchain)
	if !ok {
		return gpu.StatusSuccess, errors.Newf("vkng: foreign swapchain %T", swapchain)
	}
	semaphores, err := semaphoresOf(wait)
	if err != nil {
		return gpu.StatusSuccess, err
	}

	res, err := q.dev.swapchains.QueuePresent(q.queue, khr_swapchain.PresentInfo{
		WaitSemaphores: semaphores,
		Swapchains:     []khr_swapchain.Swapchain{sc.swapchain},
		ImageIndices:   []int{imageIndex},
	})
	switch {
	case res == khr_swapchain.VKErrorOutOfDate:
		return gpu.StatusOutOfDate, nil
	case res == khr_swapchain.VKSuboptimal:
		return gpu.StatusSuboptimal, nil
	case err != nil:
		return gpu.StatusSuccess, gpu.SynchronizationError(err, "presenting image %d", imageIndex)
	}
	return gpu.StatusSuccess, nil
}

func (q *Queue) WaitIdle() error {
	if _, err := q.queue.WaitIdle(); err != nil {
		return gpu.SynchronizationError(err, "waiting for family %d idle", q.family)
	}
	return nil
}
