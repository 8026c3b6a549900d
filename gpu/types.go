package gpu

import (
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_surface"
)

type Limits struct {
	MinUniformBufferOffsetAlignment int
	MaxSamplerAnisotropy            float32
	// MaxComputeWorkgroupSize bounds a one-dimensional workgroup: the
	// smaller of the x size limit and the invocation limit.
	MaxComputeWorkgroupSize int
}

// QueueFamilyIndices are the families chosen at device selection time.
// Any two of them may coincide.
type QueueFamilyIndices struct {
	Graphics int
	Compute  int
	Present  int
}

// FamiliesDiffer reports whether the shared storage buffer needs explicit
// ownership transfers between the compute and graphics queues.
func (i QueueFamilyIndices) FamiliesDiffer() bool {
	return i.Graphics != i.Compute
}

// Unique returns each distinct family once, graphics first.
func (i QueueFamilyIndices) Unique() []int {
	unique := []int{i.Graphics}
	for _, family := range []int{i.Compute, i.Present} {
		found := false
		for _, seen := range unique {
			if seen == family {
				found = true
				break
			}
		}
		if !found {
			unique = append(unique, family)
		}
	}
	return unique
}

type BufferOptions struct {
	Size  int
	Usage core1_0.BufferUsageFlags
	// SharingFamilies with more than one entry creates the buffer in
	// concurrent sharing mode.
	SharingFamilies []int
}

type ImageOptions struct {
	Width  int
	Height int
	Format core1_0.Format
	Tiling core1_0.ImageTiling
	Usage  core1_0.ImageUsageFlags
}

type SamplerOptions struct {
	Linear bool
	Repeat bool
	// MaxAnisotropy of zero disables anisotropic filtering.
	MaxAnisotropy float32
}

type LayoutBinding struct {
	Binding int
	Type    core1_0.DescriptorType
	Count   int
	Stages  core1_0.ShaderStageFlags
}

type PoolSize struct {
	Type  core1_0.DescriptorType
	Count int
}

type BufferInfo struct {
	Buffer Buffer
	Offset int
	Range  int
}

type ImageInfo struct {
	View    ImageView
	Sampler Sampler
	Layout  core1_0.ImageLayout
}

// DescriptorWrite carries exactly one of Buffer or Image.
type DescriptorWrite struct {
	Set     DescriptorSet
	Binding int
	Type    core1_0.DescriptorType
	Buffer  *BufferInfo
	Image   *ImageInfo
}

type Submit struct {
	Wait           []Semaphore
	WaitStages     []core1_0.PipelineStageFlags
	CommandBuffers []CommandBuffer
	Signal         []Semaphore
}

type BufferBarrier struct {
	SrcAccess core1_0.AccessFlags
	DstAccess core1_0.AccessFlags
	SrcFamily int
	DstFamily int
	Buffer    Buffer
	Offset    int
	// Size of zero covers the whole buffer from Offset.
	Size int
}

// OwnershipTransfer reports whether the barrier is one half of a queue
// family ownership transfer.
func (b BufferBarrier) OwnershipTransfer() bool {
	return b.SrcFamily != QueueFamilyIgnored && b.DstFamily != QueueFamilyIgnored && b.SrcFamily != b.DstFamily
}

type ImageBarrier struct {
	Image     Image
	OldLayout core1_0.ImageLayout
	NewLayout core1_0.ImageLayout
	SrcAccess core1_0.AccessFlags
	DstAccess core1_0.AccessFlags
	Aspect    core1_0.ImageAspectFlags
}

// WorkgroupSizeConstant is the specialization constant id compute shaders
// take their local_size_x from.
const WorkgroupSizeConstant = 0

type ComputePipelineOptions struct {
	Code   []byte
	Entry  string
	Layout PipelineLayout
	// WorkgroupSize specializes WorkgroupSizeConstant. Zero keeps the
	// shader's default.
	WorkgroupSize int
}

type VertexAttribute struct {
	Location int
	Format   core1_0.Format
	Offset   int
}

type GraphicsPipelineOptions struct {
	VertexCode   []byte
	FragmentCode []byte
	Layout       PipelineLayout
	RenderPass   RenderPass
	Extent       core1_0.Extent2D
	VertexStride int
	Attributes   []VertexAttribute
	Topology     core1_0.PrimitiveTopology
	AlphaBlend   bool
}

type SurfaceSupport struct {
	Capabilities *khr_surface.Capabilities
	Formats      []khr_surface.Format
	PresentModes []khr_surface.PresentMode
}

type SwapchainOptions struct {
	Capabilities    *khr_surface.Capabilities
	MinImageCount   int
	Format          khr_surface.Format
	Extent          core1_0.Extent2D
	PresentMode     khr_surface.PresentMode
	SharingFamilies []int
}
