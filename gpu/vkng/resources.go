package vkng

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/core1_0"

	"github.com/vkngwrapper/vulkan-engine/gpu"
)

type Memory struct {
	memory core1_0.DeviceMemory
	size   int
}

func (m *Memory) Size() int { return m.size }

func (m *Memory) Map(offset, size int) ([]byte, error) {
	memoryPtr, res, err := m.memory.Map(offset, size, 0)
	if err != nil {
		return nil, classify(res, err, "mapping %d bytes at %d", size, offset)
	}
	return unsafe.Slice((*byte)(memoryPtr), size), nil
}

func (m *Memory) Unmap() { m.memory.Unmap() }
func (m *Memory) Free()  { m.memory.Free(nil) }

func (d *Device) AllocateMemory(size, typeIndex int) (gpu.DeviceMemory, error) {
	memory, _, err := d.device.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: typeIndex,
	})
	if err != nil {
		return nil, gpu.AllocationError(err, "allocating %d bytes of memory type %d", size, typeIndex)
	}
	return &Memory{memory: memory, size: size}, nil
}

func requirements(r *core1_0.MemoryRequirements) gpu.MemoryRequirements {
	return gpu.MemoryRequirements{
		Size:           r.Size,
		Alignment:      r.Alignment,
		MemoryTypeBits: r.MemoryTypeBits,
	}
}

func memoryOf(memory gpu.DeviceMemory) (core1_0.DeviceMemory, error) {
	m, ok := memory.(*Memory)
	if !ok {
		return nil, errors.Newf("vkng: foreign device memory %T", memory)
	}
	return m.memory, nil
}

type Buffer struct {
	buffer core1_0.Buffer
	size   int
}

func (b *Buffer) Size() int { return b.size }

func (b *Buffer) MemoryRequirements() gpu.MemoryRequirements {
	return requirements(b.buffer.MemoryRequirements())
}

func (b *Buffer) BindMemory(memory gpu.DeviceMemory, offset int) error {
	mem, err := memoryOf(memory)
	if err != nil {
		return err
	}
	res, err := b.buffer.BindBufferMemory(mem, offset)
	if err != nil {
		return classify(res, err, "binding buffer memory")
	}
	return nil
}

func (b *Buffer) Destroy() { b.buffer.Destroy(nil) }

func sharing(families []int) (core1_0.SharingMode, []int) {
	if len(families) > 1 {
		return core1_0.SharingModeConcurrent, families
	}
	return core1_0.SharingModeExclusive, nil
}

func (d *Device) CreateBuffer(o gpu.BufferOptions) (gpu.Buffer, error) {
	sharingMode, families := sharing(o.SharingFamilies)
	buffer, res, err := d.device.CreateBuffer(nil, core1_0.BufferCreateInfo{
		Size:               o.Size,
		Usage:              o.Usage,
		SharingMode:        sharingMode,
		QueueFamilyIndices: families,
	})
	if err != nil {
		return nil, classify(res, err, "creating %d byte buffer", o.Size)
	}
	return &Buffer{buffer: buffer, size: o.Size}, nil
}

type Image struct {
	image core1_0.Image
	// Swapchain images are owned by their swapchain.
	swapchain bool
}

func (i *Image) MemoryRequirements() gpu.MemoryRequirements {
	return requirements(i.image.MemoryRequirements())
}

func (i *Image) BindMemory(memory gpu.DeviceMemory, offset int) error {
	if i.swapchain {
		return errors.New("vkng: swapchain images come with their own memory")
	}
	mem, err := memoryOf(memory)
	if err != nil {
		return err
	}
	res, err := i.image.BindImageMemory(mem, offset)
	if err != nil {
		return classify(res, err, "binding image memory")
	}
	return nil
}

func (i *Image) Destroy() {
	if !i.swapchain {
		i.image.Destroy(nil)
	}
}

func (d *Device) CreateImage(o gpu.ImageOptions) (gpu.Image, error) {
	image, res, err := d.device.CreateImage(nil, core1_0.ImageCreateOptions{
		ImageType: core1_0.ImageType2D,
		Extent: core1_0.Extent3D{
			Width:  o.Width,
			Height: o.Height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Format:        o.Format,
		Tiling:        o.Tiling,
		InitialLayout: core1_0.ImageLayoutUndefined,
		Usage:         o.Usage,
		SharingMode:   core1_0.SharingModeExclusive,
		Samples:       core1_0.Samples1,
	})
	if err != nil {
		return nil, classify(res, err, "creating %dx%d image", o.Width, o.Height)
	}
	return &Image{image: image}, nil
}

func imageOf(image gpu.Image) (core1_0.Image, error) {
	i, ok := image.(*Image)
	if !ok {
		return nil, errors.Newf("vkng: foreign image %T", image)
	}
	return i.image, nil
}

type ImageView struct{ view core1_0.ImageView }

func (v *ImageView) Destroy() { v.view.Destroy(nil) }

func (d *Device) CreateImageView(image gpu.Image, format core1_0.Format, aspect core1_0.ImageAspectFlags) (gpu.ImageView, error) {
	img, err := imageOf(image)
	if err != nil {
		return nil, err
	}
	imageView, res, err := d.device.CreateImageView(nil, core1_0.ImageViewCreateInfo{
		Image:    img,
		ViewType: core1_0.ImageViewType2D,
		Format:   format,
		SubresourceRange: core1_0.ImageSubresourceRange{
			AspectMask:     aspect,
			BaseMipLevel:   0,
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	})
	if err != nil {
		return nil, classify(res, err, "creating image view")
	}
	return &ImageView{view: imageView}, nil
}

type Sampler struct{ sampler core1_0.Sampler }

func (s *Sampler) Destroy() { s.sampler.Destroy(nil) }

func (d *Device) CreateSampler(o gpu.SamplerOptions) (gpu.Sampler, error) {
	filter := core1_0.FilterNearest
	mipmapMode := core1_0.SamplerMipmapModeNearest
	if o.Linear {
		filter = core1_0.FilterLinear
		mipmapMode = core1_0.SamplerMipmapModeLinear
	}
	addressMode := core1_0.SamplerAddressModeClampToEdge
	if o.Repeat {
		addressMode = core1_0.SamplerAddressModeRepeat
	}

	sampler, res, err := d.device.CreateSampler(nil, core1_0.SamplerCreateInfo{
		MagFilter:    filter,
		MinFilter:    filter,
		AddressModeU: addressMode,
		AddressModeV: addressMode,
		AddressModeW: addressMode,

		AnisotropyEnable: o.MaxAnisotropy > 0,
		MaxAnisotropy:    o.MaxAnisotropy,

		BorderColor: core1_0.BorderColorIntOpaqueBlack,

		MipmapMode: mipmapMode,
	})
	if err != nil {
		return nil, classify(res, err, "creating sampler")
	}
	return &Sampler{sampler: sampler}, nil
}

type DescriptorSetLayout struct{ layout core1_0.DescriptorSetLayout }

func (l *DescriptorSetLayout) Destroy() { l.layout.Destroy(nil) }

func (d *Device) CreateDescriptorSetLayout(bindings []gpu.LayoutBinding) (gpu.DescriptorSetLayout, error) {
	var layoutBindings []core1_0.DescriptorSetLayoutBinding
	for _, b := range bindings {
		layoutBindings = append(layoutBindings, core1_0.DescriptorSetLayoutBinding{
			Binding:         b.Binding,
			DescriptorType:  b.Type,
			DescriptorCount: b.Count,

			StageFlags: b.Stages,
		})
	}
	layout, res, err := d.device.CreateDescriptorSetLayout(nil, core1_0.DescriptorSetLayoutCreateInfo{
		Bindings: layoutBindings,
	})
	if err != nil {
		return nil, classify(res, err, "creating descriptor set layout")
	}
	return &DescriptorSetLayout{layout: layout}, nil
}

func layoutsOf(layouts []gpu.DescriptorSetLayout) ([]core1_0.DescriptorSetLayout, error) {
	var out []core1_0.DescriptorSetLayout
	for _, layout := range layouts {
		l, ok := layout.(*DescriptorSetLayout)
		if !ok {
			return nil, errors.Newf("vkng: foreign descriptor set layout %T", layout)
		}
		out = append(out, l.layout)
	}
	return out, nil
}

type DescriptorPool struct{ pool core1_0.DescriptorPool }

func (p *DescriptorPool) Destroy() { p.pool.Destroy(nil) }

func (d *Device) CreateDescriptorPool(maxSets int, sizes []gpu.PoolSize) (gpu.DescriptorPool, error) {
	var poolSizes []core1_0.DescriptorPoolSize
	for _, s := range sizes {
		poolSizes = append(poolSizes, core1_0.DescriptorPoolSize{
			Type:            s.Type,
			DescriptorCount: s.Count,
		})
	}
	pool, res, err := d.device.CreateDescriptorPool(nil, core1_0.DescriptorPoolCreateInfo{
		MaxSets:   maxSets,
		PoolSizes: poolSizes,
	})
	if err != nil {
		return nil, classify(res, err, "creating descriptor pool for %d sets", maxSets)
	}
	return &DescriptorPool{pool: pool}, nil
}

type DescriptorSet struct{ set core1_0.DescriptorSet }

func (d *Device) AllocateDescriptorSet(pool gpu.DescriptorPool, layout gpu.DescriptorSetLayout) (gpu.DescriptorSet, error) {
	p, ok := pool.(*DescriptorPool)
	if !ok {
		return nil, errors.Newf("vkng: foreign descriptor pool %T", pool)
	}
	layouts, err := layoutsOf([]gpu.DescriptorSetLayout{layout})
	if err != nil {
		return nil, err
	}
	sets, res, err := d.device.AllocateDescriptorSets(core1_0.DescriptorSetAllocateInfo{
		DescriptorPool: p.pool,
		SetLayouts:     layouts,
	})
	if err != nil {
		return nil, classify(res, err, "allocating descriptor set")
	}
	return &DescriptorSet{set: sets[0]}, nil
}

func setsOf(sets []gpu.DescriptorSet) ([]core1_0.DescriptorSet, error) {
	var out []core1_0.DescriptorSet
	for _, set := range sets {
		s, ok := set.(*DescriptorSet)
		if !ok {
			return nil, errors.Newf("vkng: foreign descriptor set %T", set)
		}
		out = append(out, s.set)
	}
	return out, nil
}

func (d *Device) UpdateDescriptorSets(writes []gpu.DescriptorWrite) error {
	var descriptorWrites []core1_0.WriteDescriptorSet
	for _, w := range writes {
		sets, err := setsOf([]gpu.DescriptorSet{w.Set})
		if err != nil {
			return err
		}
		write := core1_0.WriteDescriptorSet{
			DstSet:          sets[0],
			DstBinding:      w.Binding,
			DstArrayElement: 0,

			DescriptorType: w.Type,
		}
		switch {
		case w.Buffer != nil:
			b, ok := w.Buffer.Buffer.(*Buffer)
			if !ok {
				return errors.Newf("vkng: foreign buffer %T", w.Buffer.Buffer)
			}
			write.BufferInfo = []core1_0.DescriptorBufferInfo{
				{
					Buffer: b.buffer,
					Offset: w.Buffer.Offset,
					Range:  w.Buffer.Range,
				},
			}
		case w.Image != nil:
			v, ok := w.Image.View.(*ImageView)
			if !ok {
				return errors.Newf("vkng: foreign image view %T", w.Image.View)
			}
			s, ok := w.Image.Sampler.(*Sampler)
			if !ok {
				return errors.Newf("vkng: foreign sampler %T", w.Image.Sampler)
			}
			write.ImageInfo = []core1_0.DescriptorImageInfo{
				{
					ImageView:   v.view,
					Sampler:     s.sampler,
					ImageLayout: w.Image.Layout,
				},
			}
		default:
			return errors.Newf("vkng: write to binding %d carries neither a buffer nor an image", w.Binding)
		}
		descriptorWrites = append(descriptorWrites, write)
	}
	return d.device.UpdateDescriptorSets(descriptorWrites, nil)
}
