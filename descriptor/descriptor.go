// Package descriptor binds buffers and sampled images to shader binding
// slots.
//
// A Descriptor pairs a binding index and shader stage mask with exactly one
// Resource variant: a Plain uniform or storage buffer, a Dynamic uniform
// buffer addressed per object by offset, or an ImageSampler. Descriptors are
// only built through a Set, which assigns binding indices densely in the
// order they are added.
package descriptor

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/core1_0"

	"github.com/vkngwrapper/vulkan-engine/gpu"
	"github.com/vkngwrapper/vulkan-engine/memory"
	"github.com/vkngwrapper/vulkan-engine/resource"
)

// Resource is implemented by *Plain, *Dynamic and *ImageSampler only.
type Resource interface {
	variant()
}

// Plain binds one whole buffer. It owns its buffer unless it was added
// with a buffer created elsewhere.
type Plain struct {
	Type   core1_0.DescriptorType
	Range  int
	Count  int
	Buffer *resource.Buffer

	external bool
}

func (*Plain) variant() {}

// Update writes value at the start of an owned buffer.
func (p *Plain) Update(value any) error {
	if p.Buffer == nil {
		return errors.New("descriptor buffer has not been created")
	}
	return resource.UpdateBufferData(p.Buffer, 0, value)
}

// Dynamic is a uniform buffer holding Count objects of Range bytes, each
// starting at a multiple of Stride, bound with a per-draw dynamic offset.
// Writes go to a host staging block and reach the device on FlushObject.
type Dynamic struct {
	Range  int
	Count  int
	Stride int
	Buffer *resource.Buffer

	staging []byte
}

func (*Dynamic) variant() {}

func (d *Dynamic) checkIndex(i int) error {
	if d.staging == nil {
		return errors.New("dynamic descriptor has not been created")
	}
	if i < 0 || i >= d.Count {
		return errors.Newf("object %d outside dynamic descriptor of %d objects", i, d.Count)
	}
	return nil
}

// SetBytes stages data for object i.
func (d *Dynamic) SetBytes(i int, data []byte) error {
	if err := d.checkIndex(i); err != nil {
		return err
	}
	if len(data) > d.Range {
		return errors.Newf("%d bytes written to %d byte dynamic object", len(data), d.Range)
	}
	copy(d.staging[d.Offset(i):], data)
	return nil
}

// Set stages the encoding of value for object i.
func (d *Dynamic) Set(i int, value any) error {
	data, err := resource.Encode(value)
	if err != nil {
		return err
	}
	return d.SetBytes(i, data)
}

// Offset is the dynamic offset that selects object i at bind time.
func (d *Dynamic) Offset(i int) int {
	return i * d.Stride
}

// FlushObject copies only object i, leaving other objects' device memory
// untouched while they may still be read.
func (d *Dynamic) FlushObject(i int) error {
	if err := d.checkIndex(i); err != nil {
		return err
	}
	off := d.Offset(i)
	return d.Buffer.UpdateData(off, d.staging[off:off+d.Stride])
}

// ImageSampler samples a referenced image through a sampler it owns.
type ImageSampler struct {
	Image   *resource.Image
	Sampler gpu.Sampler
	Options gpu.SamplerOptions
}

func (*ImageSampler) variant() {}

type Descriptor struct {
	Binding  int
	Stages   core1_0.ShaderStageFlags
	Resource Resource
}

func (d *Descriptor) Type() core1_0.DescriptorType {
	switch r := d.Resource.(type) {
	case *Plain:
		return r.Type
	case *Dynamic:
		return core1_0.DescriptorTypeUniformBufferDynamic
	case *ImageSampler:
		return core1_0.DescriptorTypeCombinedImageSampler
	}
	panic(errors.AssertionFailedf("unknown descriptor resource %T", d.Resource))
}

func alignUp(size, align int) int {
	if align <= 1 {
		return size
	}
	return (size + align - 1) / align * align
}

func plainUsage(t core1_0.DescriptorType) core1_0.BufferUsageFlags {
	if t == core1_0.DescriptorTypeStorageBuffer {
		return core1_0.BufferUsageStorageBuffer
	}
	return core1_0.BufferUsageUniformBuffer
}

// create builds whatever the descriptor owns. Range and Count must be set.
func (d *Descriptor) create(alloc *memory.Allocator) error {
	limits := alloc.Device().Limits()

	switch r := d.Resource.(type) {
	case *Plain:
		if r.external {
			if r.Buffer == nil || r.Buffer.Handle == nil {
				return errors.Newf("binding %d refers to a destroyed buffer", d.Binding)
			}
			return nil
		}
		if r.Range <= 0 || r.Count <= 0 {
			return errors.Newf("binding %d has range %d and count %d", d.Binding, r.Range, r.Count)
		}
		buf, err := resource.NewBuffer(alloc, r.Range*r.Count, plainUsage(r.Type), resource.HostStaged)
		if err != nil {
			return errors.Wrapf(err, "creating buffer for binding %d", d.Binding)
		}
		r.Buffer = buf

	case *Dynamic:
		if r.Range <= 0 || r.Count <= 0 {
			return errors.Newf("binding %d has range %d and count %d", d.Binding, r.Range, r.Count)
		}
		r.Stride = alignUp(r.Range, limits.MinUniformBufferOffsetAlignment)
		buf, err := resource.NewBuffer(alloc, r.Stride*r.Count, core1_0.BufferUsageUniformBuffer, resource.HostStaged)
		if err != nil {
			return errors.Wrapf(err, "creating dynamic buffer for binding %d", d.Binding)
		}
		r.Buffer = buf
		r.staging = make([]byte, r.Stride*r.Count)

	case *ImageSampler:
		if r.Image == nil || r.Image.View == nil {
			return errors.Newf("binding %d refers to a destroyed image", d.Binding)
		}
		if r.Options.MaxAnisotropy > limits.MaxSamplerAnisotropy {
			r.Options.MaxAnisotropy = limits.MaxSamplerAnisotropy
		}
		sampler, err := alloc.Device().CreateSampler(r.Options)
		if err != nil {
			return gpu.AllocationError(err, "creating sampler for binding %d", d.Binding)
		}
		r.Sampler = sampler
	}
	return nil
}

func (d *Descriptor) destroy() {
	switch r := d.Resource.(type) {
	case *Plain:
		if !r.external {
			r.Buffer.Destroy()
			r.Buffer = nil
		}
	case *Dynamic:
		r.Buffer.Destroy()
		r.Buffer = nil
		r.staging = nil
	case *ImageSampler:
		if r.Sampler != nil {
			r.Sampler.Destroy()
			r.Sampler = nil
		}
	}
}

func (d *Descriptor) write(set gpu.DescriptorSet) (gpu.DescriptorWrite, error) {
	w := gpu.DescriptorWrite{Set: set, Binding: d.Binding, Type: d.Type()}

	switch r := d.Resource.(type) {
	case *Plain:
		if r.Buffer == nil || r.Buffer.Handle == nil {
			return w, errors.Newf("binding %d has no buffer", d.Binding)
		}
		w.Buffer = &gpu.BufferInfo{Buffer: r.Buffer.Handle, Range: r.Range * r.Count}
	case *Dynamic:
		if r.Buffer == nil || r.Buffer.Handle == nil {
			return w, errors.Newf("binding %d has no buffer", d.Binding)
		}
		w.Buffer = &gpu.BufferInfo{Buffer: r.Buffer.Handle, Range: r.Range}
	case *ImageSampler:
		if r.Sampler == nil || r.Image.View == nil {
			return w, errors.Newf("binding %d has no sampler", d.Binding)
		}
		w.Image = &gpu.ImageInfo{
			View:    r.Image.View,
			Sampler: r.Sampler,
			Layout:  core1_0.ImageLayoutShaderReadOnlyOptimal,
		}
	}
	return w, nil
}
