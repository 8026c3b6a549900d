// Package gpu is the device surface the renderer core is written against.
//
// The interfaces mirror the subset of Vulkan the core needs: buffers and
// images with explicitly bound memory, descriptor layouts/pools/sets,
// command recording, queue submission with semaphores and fences, and the
// presentable image chain. Flags and enums are the vkngwrapper core1_0 and
// khr_surface types so the production implementation in gpu/vkng passes
// them through unchanged, while gpu/gputest provides a recording fake.
package gpu

import (
	"time"

	"github.com/vkngwrapper/core/core1_0"
)

// QueueFamilyIgnored marks a barrier that does not transfer queue family ownership.
const QueueFamilyIgnored = -1

// NoTimeout makes a wait block until the condition is met.
const NoTimeout = time.Duration(-1)

type Status int

const (
	StatusSuccess Status = iota
	StatusSuboptimal
	StatusOutOfDate
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusSuboptimal:
		return "suboptimal"
	case StatusOutOfDate:
		return "out of date"
	}
	return "unknown"
}

// Invalidated reports whether the surface must be recreated before the next frame.
func (s Status) Invalidated() bool {
	return s == StatusSuboptimal || s == StatusOutOfDate
}

type MemoryRequirements struct {
	Size           int
	Alignment      int
	MemoryTypeBits uint32
}

type DeviceMemory interface {
	Size() int
	// Map returns a host view of size bytes starting at offset. The slice is
	// only valid until Unmap.
	Map(offset, size int) ([]byte, error)
	Unmap()
	Free()
}

type Buffer interface {
	Size() int
	MemoryRequirements() MemoryRequirements
	BindMemory(memory DeviceMemory, offset int) error
	Destroy()
}

type Image interface {
	MemoryRequirements() MemoryRequirements
	BindMemory(memory DeviceMemory, offset int) error
	Destroy()
}

type ImageView interface{ Destroy() }
type Sampler interface{ Destroy() }
type DescriptorSetLayout interface{ Destroy() }
type DescriptorPool interface{ Destroy() }

// DescriptorSet is released together with the pool it was allocated from.
type DescriptorSet interface{}

type CommandPool interface{ Destroy() }
type Semaphore interface{ Destroy() }
type Fence interface{ Destroy() }
type RenderPass interface{ Destroy() }
type Framebuffer interface{ Destroy() }
type PipelineLayout interface{ Destroy() }
type Pipeline interface{ Destroy() }

type Swapchain interface {
	Images() ([]Image, error)
	// AcquireNextImage signals acquired once the returned image may be
	// rendered to. On StatusOutOfDate nothing is signaled.
	AcquireNextImage(timeout time.Duration, acquired Semaphore) (int, Status, error)
	Destroy()
}

// Surface is the platform presentation target handed over by the windowing collaborator.
type Surface interface {
	Support() (*SurfaceSupport, error)
}

type Queue interface {
	Family() int
	Submit(fence Fence, submits ...Submit) error
	Present(swapchain Swapchain, imageIndex int, wait ...Semaphore) (Status, error)
	WaitIdle() error
}

type CommandBuffer interface {
	Begin(oneTime bool) error
	End() error
	Reset() error

	PipelineBarrier(src, dst core1_0.PipelineStageFlags, buffers []BufferBarrier, images []ImageBarrier) error
	CopyBuffer(src, dst Buffer, size int) error
	CopyBufferToImage(src Buffer, dst Image, extent core1_0.Extent2D) error

	BeginRenderPass(pass RenderPass, framebuffer Framebuffer, extent core1_0.Extent2D, clear [4]float32) error
	EndRenderPass()
	BindPipeline(bindPoint core1_0.PipelineBindPoint, pipeline Pipeline)
	BindDescriptorSets(bindPoint core1_0.PipelineBindPoint, layout PipelineLayout, sets []DescriptorSet, dynamicOffsets []int)
	BindVertexBuffers(buffers []Buffer, offsets []int)
	Draw(vertexCount, instanceCount int)
	Dispatch(x, y, z int)
}

// Device is the logical device together with the physical device
// properties the core consults.
type Device interface {
	Limits() Limits
	MemoryTypes() []core1_0.MemoryType
	QueueFamilies() QueueFamilyIndices
	Queue(family int) Queue

	CreateBuffer(o BufferOptions) (Buffer, error)
	AllocateMemory(size, typeIndex int) (DeviceMemory, error)
	CreateImage(o ImageOptions) (Image, error)
	CreateImageView(image Image, format core1_0.Format, aspect core1_0.ImageAspectFlags) (ImageView, error)
	CreateSampler(o SamplerOptions) (Sampler, error)

	CreateDescriptorSetLayout(bindings []LayoutBinding) (DescriptorSetLayout, error)
	CreateDescriptorPool(maxSets int, sizes []PoolSize) (DescriptorPool, error)
	AllocateDescriptorSet(pool DescriptorPool, layout DescriptorSetLayout) (DescriptorSet, error)
	UpdateDescriptorSets(writes []DescriptorWrite) error

	CreateCommandPool(family int) (CommandPool, error)
	AllocateCommandBuffers(pool CommandPool, count int) ([]CommandBuffer, error)
	FreeCommandBuffers(buffers []CommandBuffer)

	CreateSemaphore() (Semaphore, error)
	CreateFence(signaled bool) (Fence, error)
	WaitForFences(timeout time.Duration, fences ...Fence) error
	ResetFences(fences ...Fence) error

	CreateRenderPass(colorFormat core1_0.Format) (RenderPass, error)
	CreateFramebuffer(pass RenderPass, view ImageView, extent core1_0.Extent2D) (Framebuffer, error)
	CreatePipelineLayout(layouts []DescriptorSetLayout) (PipelineLayout, error)
	CreateComputePipeline(o ComputePipelineOptions) (Pipeline, error)
	CreateGraphicsPipeline(o GraphicsPipelineOptions) (Pipeline, error)

	CreateSwapchain(o SwapchainOptions) (Swapchain, error)

	WaitIdle() error
	Destroy()
}
