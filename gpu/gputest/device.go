// Package gputest provides a recording in-memory implementation of
// gpu.Device for tests.
//
// Commands run synchronously at submit time: buffer copies move bytes,
// fences signal immediately, and semaphores are tracked as binary signals
// so a wait on a semaphore nobody signaled fails instead of hanging.
package gputest

import (
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_surface"

	"github.com/vkngwrapper/vulkan-engine/gpu"
)

var (
	ErrWouldBlock     = errors.New("wait would never complete")
	ErrOutOfMemory    = errors.New("out of device memory")
	ErrPoolExhausted  = errors.New("out of pool memory")
	ErrInvalidUsage   = errors.New("invalid usage")
	ErrInjectedSubmit = errors.New("injected submit failure")
)

// Object kinds reported by Live and Leaks.
const (
	KindBuffer         = "buffer"
	KindMemory         = "memory"
	KindImage          = "image"
	KindImageView      = "image-view"
	KindSampler        = "sampler"
	KindLayout         = "descriptor-set-layout"
	KindPool           = "descriptor-pool"
	KindCommandPool    = "command-pool"
	KindCommandBuffer  = "command-buffer"
	KindSemaphore      = "semaphore"
	KindFence          = "fence"
	KindRenderPass     = "render-pass"
	KindFramebuffer    = "framebuffer"
	KindPipelineLayout = "pipeline-layout"
	KindPipeline       = "pipeline"
	KindSwapchain      = "swapchain"
)

const (
	requirementAlignment = 64
	allTypeBits          = ^uint32(0)
)

// Presentation records one Queue.Present call.
type Presentation struct {
	Queue      int
	ImageIndex int
	Wait       []gpu.Semaphore
	Status     gpu.Status
}

type Device struct {
	Indices      gpu.QueueFamilyIndices
	Types        []core1_0.MemoryType
	DeviceLimits gpu.Limits

	// BufferTypeBits restricts the memory types a buffer may live in. Zero
	// means every type.
	BufferTypeBits uint32
	// FailAllocationAfter makes every allocation after the given number of
	// successful ones fail. Negative disables the failure.
	FailAllocationAfter int
	// FailSubmit makes every queue submission fail.
	FailSubmit bool

	Submissions    []Submission
	Presentations  []Presentation
	Updates        [][]gpu.DescriptorWrite
	Swapchains     []gpu.SwapchainOptions
	IdleWaits      int
	FenceWaits     int
	Misuse         []error
	Destroyed      bool
	AllocatedBytes int

	queues      map[int]*Queue
	live        map[string]int
	allocations int
	outOfDate   bool
}

// NewDevice returns a device with a device-local, a host-visible/coherent
// and a combined memory type, in that order.
func NewDevice(indices gpu.QueueFamilyIndices) *Device {
	return &Device{
		Indices: indices,
		Types: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent},
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent},
		},
		DeviceLimits: gpu.Limits{
			MinUniformBufferOffsetAlignment: 256,
			MaxSamplerAnisotropy:            16,
			MaxComputeWorkgroupSize:         1024,
		},
		FailAllocationAfter: -1,
		queues:              map[int]*Queue{},
		live:                map[string]int{},
	}
}

// Combined is a device whose single queue family does graphics, compute and present.
func Combined() *Device {
	return NewDevice(gpu.QueueFamilyIndices{Graphics: 0, Compute: 0, Present: 0})
}

// Split is a device with a dedicated compute family.
func Split() *Device {
	return NewDevice(gpu.QueueFamilyIndices{Graphics: 0, Compute: 1, Present: 0})
}

// InvalidateSurface makes acquires and presents report StatusOutOfDate
// until the next swapchain is created.
func (d *Device) InvalidateSurface() {
	d.outOfDate = true
}

// Live returns the number of objects of kind that were created and not yet released.
func (d *Device) Live(kind string) int {
	return d.live[kind]
}

// Leaks describes every kind with live objects.
func (d *Device) Leaks() []string {
	var leaks []string
	for kind, count := range d.live {
		if count != 0 {
			leaks = append(leaks, fmt.Sprintf("%s: %d", kind, count))
		}
	}
	sort.Strings(leaks)
	return leaks
}

// SubmissionsOn returns the submissions made to the queue of family, in order.
func (d *Device) SubmissionsOn(family int) []Submission {
	var out []Submission
	for _, s := range d.Submissions {
		if s.Queue == family {
			out = append(out, s)
		}
	}
	return out
}

func (d *Device) misuse(format string, args ...interface{}) error {
	err := errors.Mark(errors.Newf(format, args...), ErrInvalidUsage)
	d.Misuse = append(d.Misuse, err)
	return err
}

type object struct {
	dev      *Device
	kind     string
	released bool
}

func (d *Device) newObject(kind string) object {
	d.live[kind]++
	return object{dev: d, kind: kind}
}

func (o *object) release() {
	if o.released {
		o.dev.misuse("%s released twice", o.kind)
		return
	}
	o.released = true
	o.dev.live[o.kind]--
}

func (o *object) Destroy() { o.release() }

func (d *Device) Limits() gpu.Limits                   { return d.DeviceLimits }
func (d *Device) MemoryTypes() []core1_0.MemoryType    { return d.Types }
func (d *Device) QueueFamilies() gpu.QueueFamilyIndices { return d.Indices }

func (d *Device) Queue(family int) gpu.Queue {
	q, ok := d.queues[family]
	if !ok {
		q = &Queue{dev: d, family: family}
		d.queues[family] = q
	}
	return q
}

func alignUp(size, align int) int {
	return (size + align - 1) / align * align
}

type Memory struct {
	object
	TypeIndex int
	data      []byte
	mapped    bool
}

func (m *Memory) Size() int { return len(m.data) }

func (m *Memory) Map(offset, size int) ([]byte, error) {
	if m.released {
		return nil, m.dev.misuse("map of freed memory")
	}
	if m.dev.Types[m.TypeIndex].PropertyFlags&core1_0.MemoryPropertyHostVisible == 0 {
		return nil, m.dev.misuse("map of memory type %d that is not host visible", m.TypeIndex)
	}
	if m.mapped {
		return nil, m.dev.misuse("memory mapped twice")
	}
	if offset < 0 || size < 0 || offset+size > len(m.data) {
		return nil, m.dev.misuse("map range [%d, %d) outside allocation of %d bytes", offset, offset+size, len(m.data))
	}
	m.mapped = true
	return m.data[offset : offset+size], nil
}

func (m *Memory) Unmap() {
	if !m.mapped {
		m.dev.misuse("unmap of memory that is not mapped")
	}
	m.mapped = false
}

func (m *Memory) Free() {
	if !m.released {
		m.dev.AllocatedBytes -= len(m.data)
	}
	m.release()
}

// Bytes exposes the contents regardless of memory type.
func (m *Memory) Bytes() []byte { return m.data }

func (d *Device) AllocateMemory(size, typeIndex int) (gpu.DeviceMemory, error) {
	if typeIndex < 0 || typeIndex >= len(d.Types) {
		return nil, d.misuse("memory type index %d out of range", typeIndex)
	}
	if d.FailAllocationAfter >= 0 && d.allocations >= d.FailAllocationAfter {
		return nil, ErrOutOfMemory
	}
	d.allocations++
	d.AllocatedBytes += size
	return &Memory{object: d.newObject(KindMemory), TypeIndex: typeIndex, data: make([]byte, size)}, nil
}

type bound struct {
	memory *Memory
	offset int
}

func (d *Device) bind(b *bound, req gpu.MemoryRequirements, memory gpu.DeviceMemory, offset int) error {
	m, ok := memory.(*Memory)
	if !ok || m.released {
		return d.misuse("bind of foreign or freed memory")
	}
	if b.memory != nil {
		return d.misuse("memory bound twice")
	}
	if req.MemoryTypeBits&(1<<uint(m.TypeIndex)) == 0 {
		return d.misuse("memory type %d not allowed by requirements", m.TypeIndex)
	}
	if len(m.data)-offset < req.Size {
		return d.misuse("memory of %d bytes at offset %d cannot hold %d bytes", len(m.data), offset, req.Size)
	}
	b.memory = m
	b.offset = offset
	return nil
}

type Buffer struct {
	object
	bound
	Options gpu.BufferOptions
}

func (b *Buffer) Size() int { return b.Options.Size }

func (b *Buffer) MemoryRequirements() gpu.MemoryRequirements {
	bits := b.dev.BufferTypeBits
	if bits == 0 {
		bits = allTypeBits
	}
	return gpu.MemoryRequirements{
		Size:           alignUp(b.Options.Size, requirementAlignment),
		Alignment:      requirementAlignment,
		MemoryTypeBits: bits,
	}
}

func (b *Buffer) BindMemory(memory gpu.DeviceMemory, offset int) error {
	return b.dev.bind(&b.bound, b.MemoryRequirements(), memory, offset)
}

// Contents is the bound memory covering the buffer, or nil when unbound.
func (b *Buffer) Contents() []byte {
	if b.memory == nil {
		return nil
	}
	return b.memory.data[b.offset : b.offset+b.Options.Size]
}

func (d *Device) CreateBuffer(o gpu.BufferOptions) (gpu.Buffer, error) {
	if o.Size <= 0 {
		return nil, d.misuse("buffer size %d", o.Size)
	}
	if o.Usage == 0 {
		return nil, d.misuse("buffer without usage")
	}
	return &Buffer{object: d.newObject(KindBuffer), Options: o}, nil
}

type Image struct {
	object
	bound
	Options   gpu.ImageOptions
	swapchain bool
}

func (i *Image) MemoryRequirements() gpu.MemoryRequirements {
	return gpu.MemoryRequirements{
		Size:           alignUp(i.Options.Width*i.Options.Height*4, requirementAlignment),
		Alignment:      requirementAlignment,
		MemoryTypeBits: allTypeBits,
	}
}

func (i *Image) BindMemory(memory gpu.DeviceMemory, offset int) error {
	if i.swapchain {
		return i.dev.misuse("bind of swapchain image")
	}
	return i.dev.bind(&i.bound, i.MemoryRequirements(), memory, offset)
}

func (i *Image) Destroy() {
	if i.swapchain {
		i.dev.misuse("destroy of swapchain-owned image")
		return
	}
	i.release()
}

func (d *Device) CreateImage(o gpu.ImageOptions) (gpu.Image, error) {
	if o.Width <= 0 || o.Height <= 0 {
		return nil, d.misuse("image extent %dx%d", o.Width, o.Height)
	}
	return &Image{object: d.newObject(KindImage), Options: o}, nil
}

type ImageView struct {
	object
	Image  *Image
	Format core1_0.Format
}

func (d *Device) CreateImageView(image gpu.Image, format core1_0.Format, aspect core1_0.ImageAspectFlags) (gpu.ImageView, error) {
	img, ok := image.(*Image)
	if !ok || img.released {
		return nil, d.misuse("view of foreign or destroyed image")
	}
	if !img.swapchain && img.memory == nil {
		return nil, d.misuse("view of image without memory")
	}
	return &ImageView{object: d.newObject(KindImageView), Image: img, Format: format}, nil
}

type Sampler struct {
	object
	Options gpu.SamplerOptions
}

func (d *Device) CreateSampler(o gpu.SamplerOptions) (gpu.Sampler, error) {
	if o.MaxAnisotropy > d.DeviceLimits.MaxSamplerAnisotropy {
		return nil, d.misuse("anisotropy %f above limit", o.MaxAnisotropy)
	}
	return &Sampler{object: d.newObject(KindSampler), Options: o}, nil
}

type Layout struct {
	object
	Bindings []gpu.LayoutBinding
}

func (d *Device) CreateDescriptorSetLayout(bindings []gpu.LayoutBinding) (gpu.DescriptorSetLayout, error) {
	seen := map[int]bool{}
	for _, b := range bindings {
		if seen[b.Binding] {
			return nil, d.misuse("binding %d declared twice", b.Binding)
		}
		seen[b.Binding] = true
	}
	return &Layout{object: d.newObject(KindLayout), Bindings: append([]gpu.LayoutBinding(nil), bindings...)}, nil
}

type Pool struct {
	object
	MaxSets   int
	remaining map[core1_0.DescriptorType]int
	Sets      []*Set
}

type Set struct {
	Layout   *Layout
	Pool     *Pool
	Bindings map[int]gpu.DescriptorWrite
}

func (d *Device) CreateDescriptorPool(maxSets int, sizes []gpu.PoolSize) (gpu.DescriptorPool, error) {
	if maxSets <= 0 {
		return nil, d.misuse("pool with %d sets", maxSets)
	}
	remaining := map[core1_0.DescriptorType]int{}
	for _, s := range sizes {
		remaining[s.Type] += s.Count
	}
	return &Pool{object: d.newObject(KindPool), MaxSets: maxSets, remaining: remaining}, nil
}

func (d *Device) AllocateDescriptorSet(pool gpu.DescriptorPool, layout gpu.DescriptorSetLayout) (gpu.DescriptorSet, error) {
	p, ok := pool.(*Pool)
	if !ok || p.released {
		return nil, d.misuse("allocation from foreign or destroyed pool")
	}
	l, ok := layout.(*Layout)
	if !ok || l.released {
		return nil, d.misuse("allocation with foreign or destroyed layout")
	}
	if len(p.Sets) >= p.MaxSets {
		return nil, ErrPoolExhausted
	}
	need := map[core1_0.DescriptorType]int{}
	for _, b := range l.Bindings {
		need[b.Type] += b.Count
	}
	for t, n := range need {
		if p.remaining[t] < n {
			return nil, ErrPoolExhausted
		}
	}
	for t, n := range need {
		p.remaining[t] -= n
	}
	set := &Set{Layout: l, Pool: p, Bindings: map[int]gpu.DescriptorWrite{}}
	p.Sets = append(p.Sets, set)
	return set, nil
}

func (d *Device) UpdateDescriptorSets(writes []gpu.DescriptorWrite) error {
	for _, w := range writes {
		set, ok := w.Set.(*Set)
		if !ok || set.Pool.released {
			return d.misuse("write to foreign or freed set")
		}
		var declared *gpu.LayoutBinding
		for i := range set.Layout.Bindings {
			if set.Layout.Bindings[i].Binding == w.Binding {
				declared = &set.Layout.Bindings[i]
			}
		}
		if declared == nil {
			return d.misuse("write to undeclared binding %d", w.Binding)
		}
		if declared.Type != w.Type {
			return d.misuse("binding %d declared as %v, written as %v", w.Binding, declared.Type, w.Type)
		}
		if (w.Buffer == nil) == (w.Image == nil) {
			return d.misuse("binding %d write needs exactly one of buffer or image info", w.Binding)
		}
		if w.Buffer != nil {
			buf, ok := w.Buffer.Buffer.(*Buffer)
			if !ok || buf.released || buf.memory == nil {
				return d.misuse("binding %d refers to an unusable buffer", w.Binding)
			}
			if w.Buffer.Offset+w.Buffer.Range > buf.Options.Size {
				return d.misuse("binding %d range exceeds buffer", w.Binding)
			}
		}
	}
	for _, w := range writes {
		w.Set.(*Set).Bindings[w.Binding] = w
	}
	d.Updates = append(d.Updates, append([]gpu.DescriptorWrite(nil), writes...))
	return nil
}

type simple struct{ object }

type RenderPass struct {
	object
	Format core1_0.Format
}

type Framebuffer struct {
	object
	View   *ImageView
	Extent core1_0.Extent2D
}

type Pipeline struct {
	object
	Compute  *gpu.ComputePipelineOptions
	Graphics *gpu.GraphicsPipelineOptions
}

func (d *Device) CreateRenderPass(colorFormat core1_0.Format) (gpu.RenderPass, error) {
	return &RenderPass{object: d.newObject(KindRenderPass), Format: colorFormat}, nil
}

func (d *Device) CreateFramebuffer(pass gpu.RenderPass, view gpu.ImageView, extent core1_0.Extent2D) (gpu.Framebuffer, error) {
	v, ok := view.(*ImageView)
	if !ok || v.released {
		return nil, d.misuse("framebuffer over foreign or destroyed view")
	}
	if _, ok := pass.(*RenderPass); !ok {
		return nil, d.misuse("framebuffer with foreign render pass")
	}
	return &Framebuffer{object: d.newObject(KindFramebuffer), View: v, Extent: extent}, nil
}

func (d *Device) CreatePipelineLayout(layouts []gpu.DescriptorSetLayout) (gpu.PipelineLayout, error) {
	for _, l := range layouts {
		if layout, ok := l.(*Layout); !ok || layout.released {
			return nil, d.misuse("pipeline layout over foreign or destroyed set layout")
		}
	}
	return &simple{object: d.newObject(KindPipelineLayout)}, nil
}

func checkCode(code []byte) bool {
	return len(code) > 0 && len(code)%4 == 0
}

func (d *Device) CreateComputePipeline(o gpu.ComputePipelineOptions) (gpu.Pipeline, error) {
	if !checkCode(o.Code) {
		return nil, d.misuse("compute shader code of %d bytes", len(o.Code))
	}
	if o.WorkgroupSize < 0 || o.WorkgroupSize > d.DeviceLimits.MaxComputeWorkgroupSize {
		return nil, d.misuse("workgroup size %d over limit %d", o.WorkgroupSize, d.DeviceLimits.MaxComputeWorkgroupSize)
	}
	return &Pipeline{object: d.newObject(KindPipeline), Compute: &o}, nil
}

func (d *Device) CreateGraphicsPipeline(o gpu.GraphicsPipelineOptions) (gpu.Pipeline, error) {
	if !checkCode(o.VertexCode) || !checkCode(o.FragmentCode) {
		return nil, d.misuse("graphics shader code of %d/%d bytes", len(o.VertexCode), len(o.FragmentCode))
	}
	if o.Extent.Width <= 0 || o.Extent.Height <= 0 {
		return nil, d.misuse("pipeline viewport %dx%d", o.Extent.Width, o.Extent.Height)
	}
	return &Pipeline{object: d.newObject(KindPipeline), Graphics: &o}, nil
}

type Swapchain struct {
	object
	Options gpu.SwapchainOptions
	images  []gpu.Image
	next    int
}

func (d *Device) CreateSwapchain(o gpu.SwapchainOptions) (gpu.Swapchain, error) {
	if o.MinImageCount <= 0 {
		return nil, d.misuse("swapchain with %d images", o.MinImageCount)
	}
	if o.Capabilities != nil && o.Capabilities.MaxImageCount > 0 && o.MinImageCount > o.Capabilities.MaxImageCount {
		return nil, d.misuse("swapchain with %d images above surface maximum %d", o.MinImageCount, o.Capabilities.MaxImageCount)
	}
	sc := &Swapchain{object: d.newObject(KindSwapchain), Options: o}
	for i := 0; i < o.MinImageCount; i++ {
		sc.images = append(sc.images, &Image{
			object:    object{dev: d, kind: "swapchain-image"},
			Options:   gpu.ImageOptions{Width: o.Extent.Width, Height: o.Extent.Height, Format: o.Format.Format},
			swapchain: true,
		})
	}
	d.Swapchains = append(d.Swapchains, o)
	d.outOfDate = false
	return sc, nil
}

func (s *Swapchain) Images() ([]gpu.Image, error) {
	if s.released {
		return nil, s.dev.misuse("images of destroyed swapchain")
	}
	return append([]gpu.Image(nil), s.images...), nil
}

func (s *Swapchain) AcquireNextImage(timeout time.Duration, acquired gpu.Semaphore) (int, gpu.Status, error) {
	if s.released {
		return 0, gpu.StatusSuccess, s.dev.misuse("acquire from destroyed swapchain")
	}
	if s.dev.outOfDate {
		return 0, gpu.StatusOutOfDate, nil
	}
	if err := s.dev.signal(acquired); err != nil {
		return 0, gpu.StatusSuccess, err
	}
	index := s.next
	s.next = (s.next + 1) % len(s.images)
	return index, gpu.StatusSuccess, nil
}

// Surface is a fake window surface with mutable capabilities.
type Surface struct {
	Supported gpu.SurfaceSupport
	Queries   int
}

// NewSurface reports min 2 / max 3 images, an 800x600 current extent, an
// sRGB BGRA format and FIFO plus mailbox presentation.
func NewSurface() *Surface {
	return &Surface{Supported: gpu.SurfaceSupport{
		Capabilities: &khr_surface.Capabilities{
			MinImageCount:  2,
			MaxImageCount:  3,
			CurrentExtent:  core1_0.Extent2D{Width: 800, Height: 600},
			MinImageExtent: core1_0.Extent2D{Width: 1, Height: 1},
			MaxImageExtent: core1_0.Extent2D{Width: 4096, Height: 4096},
		},
		Formats: []khr_surface.Format{
			{Format: core1_0.FormatB8G8R8A8SRGB, ColorSpace: khr_surface.ColorSpaceSRGBNonlinear},
		},
		PresentModes: []khr_surface.PresentMode{khr_surface.PresentModeFIFO, khr_surface.PresentModeMailbox},
	}}
}

func (s *Surface) Support() (*gpu.SurfaceSupport, error) {
	s.Queries++
	caps := *s.Supported.Capabilities
	return &gpu.SurfaceSupport{
		Capabilities: &caps,
		Formats:      append([]khr_surface.Format(nil), s.Supported.Formats...),
		PresentModes: append([]khr_surface.PresentMode(nil), s.Supported.PresentModes...),
	}, nil
}

func (d *Device) WaitIdle() error {
	d.IdleWaits++
	return nil
}

func (d *Device) Destroy() {
	if d.Destroyed {
		d.misuse("device destroyed twice")
	}
	d.Destroyed = true
}
