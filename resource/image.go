package resource

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/core1_0"

	"github.com/vkngwrapper/vulkan-engine/gpu"
	"github.com/vkngwrapper/vulkan-engine/memory"
)

type ImageOptions struct {
	Width      int
	Height     int
	Format     core1_0.Format
	Tiling     core1_0.ImageTiling
	Usage      core1_0.ImageUsageFlags
	Aspect     core1_0.ImageAspectFlags
	Properties core1_0.MemoryPropertyFlags
}

// Image is an image, its memory and a view over the whole image.
type Image struct {
	Handle gpu.Image
	Block  *memory.Block
	View   gpu.ImageView

	Width  int
	Height int
	Format core1_0.Format
	Usage  core1_0.ImageUsageFlags
	Aspect core1_0.ImageAspectFlags
	// Layout is the last layout a Transfer moved the image to.
	Layout core1_0.ImageLayout
}

func NewImage(alloc *memory.Allocator, o ImageOptions) (*Image, error) {
	img := &Image{
		Width:  o.Width,
		Height: o.Height,
		Format: o.Format,
		Usage:  o.Usage,
		Aspect: o.Aspect,
		Layout: core1_0.ImageLayoutUndefined,
	}
	if img.Aspect == 0 {
		img.Aspect = core1_0.ImageAspectColor
	}

	device := alloc.Device()
	handle, err := device.CreateImage(gpu.ImageOptions{
		Width:  o.Width,
		Height: o.Height,
		Format: o.Format,
		Tiling: o.Tiling,
		Usage:  o.Usage,
	})
	if err != nil {
		return img, gpu.AllocationError(err, "creating %dx%d image", o.Width, o.Height)
	}
	img.Handle = handle

	block, err := alloc.Allocate(handle.MemoryRequirements(), o.Properties)
	if err != nil {
		img.Destroy()
		return img, errors.Wrapf(err, "allocating memory for %dx%d image", o.Width, o.Height)
	}
	img.Block = block

	if err := handle.BindMemory(block.Memory, 0); err != nil {
		img.Destroy()
		return img, gpu.AllocationError(err, "binding memory to %dx%d image", o.Width, o.Height)
	}

	view, err := device.CreateImageView(handle, o.Format, img.Aspect)
	if err != nil {
		img.Destroy()
		return img, gpu.AllocationError(err, "creating view of %dx%d image", o.Width, o.Height)
	}
	img.View = view

	return img, nil
}

// Destroy releases the view, the image and then its memory.
func (i *Image) Destroy() {
	if i == nil {
		return
	}
	if i.View != nil {
		i.View.Destroy()
		i.View = nil
	}
	if i.Handle != nil {
		i.Handle.Destroy()
		i.Handle = nil
	}
	i.Block.Free()
	i.Block = nil
}

func (i *Image) Extent() core1_0.Extent2D {
	return core1_0.Extent2D{Width: i.Width, Height: i.Height}
}
