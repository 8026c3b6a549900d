package resource

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/core1_0"

	"github.com/vkngwrapper/vulkan-engine/gpu"
	"github.com/vkngwrapper/vulkan-engine/memory"
)

// Transfer records one-time command buffers on a queue and waits for each
// to finish before returning.
type Transfer struct {
	alloc *memory.Allocator
	queue gpu.Queue
	pool  gpu.CommandPool
}

func NewTransfer(alloc *memory.Allocator, queue gpu.Queue) (*Transfer, error) {
	pool, err := alloc.Device().CreateCommandPool(queue.Family())
	if err != nil {
		return nil, gpu.AllocationError(err, "creating transfer command pool for family %d", queue.Family())
	}
	return &Transfer{alloc: alloc, queue: queue, pool: pool}, nil
}

func (t *Transfer) Queue() gpu.Queue {
	return t.queue
}

func (t *Transfer) Allocator() *memory.Allocator {
	return t.alloc
}

func (t *Transfer) Destroy() {
	if t == nil || t.pool == nil {
		return
	}
	t.pool.Destroy()
	t.pool = nil
}

// Run records commands into a fresh command buffer, submits it and waits
// for the queue to go idle.
func (t *Transfer) Run(record func(cmd gpu.CommandBuffer) error) error {
	device := t.alloc.Device()
	buffers, err := device.AllocateCommandBuffers(t.pool, 1)
	if err != nil {
		return gpu.AllocationError(err, "allocating transfer command buffer")
	}
	defer device.FreeCommandBuffers(buffers)
	cmd := buffers[0]

	if err := cmd.Begin(true); err != nil {
		return errors.Wrap(err, "beginning transfer command buffer")
	}
	if err := record(cmd); err != nil {
		return err
	}
	if err := cmd.End(); err != nil {
		return errors.Wrap(err, "ending transfer command buffer")
	}

	if err := t.queue.Submit(nil, gpu.Submit{CommandBuffers: []gpu.CommandBuffer{cmd}}); err != nil {
		return gpu.SynchronizationError(err, "submitting transfer to family %d", t.queue.Family())
	}
	if err := t.queue.WaitIdle(); err != nil {
		return gpu.SynchronizationError(err, "waiting for transfer on family %d", t.queue.Family())
	}
	return nil
}

func (t *Transfer) CopyBuffer(src, dst *Buffer, size int) error {
	return t.Run(func(cmd gpu.CommandBuffer) error {
		return cmd.CopyBuffer(src.Handle, dst.Handle, size)
	})
}

func recordTransition(cmd gpu.CommandBuffer, img *Image, newLayout core1_0.ImageLayout) error {
	var sourceStage, destStage core1_0.PipelineStageFlags
	var sourceAccess, destAccess core1_0.AccessFlags

	oldLayout := img.Layout
	if oldLayout == core1_0.ImageLayoutUndefined && newLayout == core1_0.ImageLayoutTransferDstOptimal {
		destAccess = core1_0.AccessTransferWrite
		sourceStage = core1_0.PipelineStageTopOfPipe
		destStage = core1_0.PipelineStageTransfer
	} else if oldLayout == core1_0.ImageLayoutTransferDstOptimal && newLayout == core1_0.ImageLayoutShaderReadOnlyOptimal {
		sourceAccess = core1_0.AccessTransferWrite
		destAccess = core1_0.AccessShaderRead
		sourceStage = core1_0.PipelineStageTransfer
		destStage = core1_0.PipelineStageFragmentShader
	} else {
		return errors.Newf("unexpected layout transition: %s -> %s", oldLayout, newLayout)
	}

	err := cmd.PipelineBarrier(sourceStage, destStage, nil, []gpu.ImageBarrier{
		{
			Image:     img.Handle,
			OldLayout: oldLayout,
			NewLayout: newLayout,
			SrcAccess: sourceAccess,
			DstAccess: destAccess,
			Aspect:    img.Aspect,
		},
	})
	if err != nil {
		return errors.Wrap(err, "recording layout transition")
	}
	img.Layout = newLayout
	return nil
}

func (t *Transfer) staging(data []byte) (*Buffer, error) {
	staging, err := NewBuffer(t.alloc, len(data), core1_0.BufferUsageTransferSrc, HostStaged)
	if err != nil {
		return staging, errors.Wrap(err, "creating staging buffer")
	}
	if err := staging.UpdateData(0, data); err != nil {
		staging.Destroy()
		return staging, errors.Wrap(err, "filling staging buffer")
	}
	return staging, nil
}

// Upload writes data to the start of a device-local buffer through a
// temporary host-visible staging buffer.
func (t *Transfer) Upload(dst *Buffer, data []byte) error {
	if len(data) > dst.Size {
		return errors.Newf("upload of %d bytes to %d byte buffer", len(data), dst.Size)
	}
	staging, err := t.staging(data)
	defer staging.Destroy()
	if err != nil {
		return err
	}
	return t.CopyBuffer(staging, dst, len(data))
}

// UploadImage fills an image with tightly packed texels and leaves it
// ready for sampling.
func (t *Transfer) UploadImage(dst *Image, texels []byte) error {
	staging, err := t.staging(texels)
	defer staging.Destroy()
	if err != nil {
		return err
	}
	return t.Run(func(cmd gpu.CommandBuffer) error {
		if err := recordTransition(cmd, dst, core1_0.ImageLayoutTransferDstOptimal); err != nil {
			return err
		}
		if err := cmd.CopyBufferToImage(staging.Handle, dst.Handle, dst.Extent()); err != nil {
			return errors.Wrap(err, "recording image copy")
		}
		return recordTransition(cmd, dst, core1_0.ImageLayoutShaderReadOnlyOptimal)
	})
}
