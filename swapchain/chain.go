// Package swapchain manages the ring of presentable images and everything
// allocated per image: views, framebuffers, command buffers, fences and
// semaphores. Every per-image collection always has the same length.
package swapchain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_surface"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/vulkan-engine/gpu"
	"github.com/vkngwrapper/vulkan-engine/logging"
)

type State int

const (
	Uninitialized State = iota
	Created
	Recreating
	Destroyed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Created:
		return "created"
	case Recreating:
		return "recreating"
	case Destroyed:
		return "destroyed"
	}
	return "unknown"
}

// Slot holds what one presentable image and one frame in flight need.
// Framebuffer is nil when the chain has no render pass.
type Slot struct {
	Image          gpu.Image
	View           gpu.ImageView
	Framebuffer    gpu.Framebuffer
	CommandBuffer  gpu.CommandBuffer
	InFlight       gpu.Fence
	ImageAcquired  gpu.Semaphore
	RenderFinished gpu.Semaphore
}

type Options struct {
	Surface  gpu.Surface
	Families gpu.QueueFamilyIndices

	PreferredFormat khr_surface.Format
	// RenderPass creates a single-attachment render pass for the chain's
	// format and one framebuffer per image.
	RenderPass bool
	// FenceTimeout bounds frame fence waits. gpu.NoTimeout waits forever.
	FenceTimeout time.Duration

	Logger *slog.Logger
}

type Chain struct {
	device  gpu.Device
	options Options
	logger  *slog.Logger

	state       State
	handle      gpu.Swapchain
	format      khr_surface.Format
	presentMode khr_surface.PresentMode
	extent      core1_0.Extent2D
	renderPass  gpu.RenderPass
	pool        gpu.CommandPool
	slots       []Slot
	current     int
	generation  int
}

func New(device gpu.Device, o Options) *Chain {
	if o.PreferredFormat == (khr_surface.Format{}) {
		o.PreferredFormat = PreferredFormat
	}
	if o.FenceTimeout == 0 {
		o.FenceTimeout = gpu.NoTimeout
	}
	return &Chain{device: device, options: o, logger: logging.Or(o.Logger)}
}

func (c *Chain) State() State { return c.state }
func (c *Chain) Len() int { return len(c.slots) }
func (c *Chain) Extent() core1_0.Extent2D { return c.extent }
func (c *Chain) Format() khr_surface.Format { return c.format }
func (c *Chain) PresentMode() khr_surface.PresentMode { return c.presentMode }
func (c *Chain) RenderPass() gpu.RenderPass { return c.renderPass }
func (c *Chain) Handle() gpu.Swapchain { return c.handle }

// Generation counts how many times the chain has been built.
func (c *Chain) Generation() int { return c.generation }

func (c *Chain) Slot(i int) *Slot { return &c.slots[i] }

// Current is the frame slot the next Acquire uses.
func (c *Chain) Current() int { return c.current }

// Advance moves to the next frame slot.
func (c *Chain) Advance() {
	c.current = (c.current + 1) % len(c.slots)
}

// Create builds the chain for a framebuffer of the given size.
func (c *Chain) Create(framebuffer core1_0.Extent2D) error {
	if c.state != Uninitialized && c.state != Recreating {
		return errors.Newf("creating swapchain in state %s", c.state)
	}

	support, err := c.options.Surface.Support()
	if err != nil {
		return errors.Wrap(err, "querying surface support")
	}
	if len(support.Formats) == 0 || len(support.PresentModes) == 0 {
		return gpu.CapabilityErrorf("surface offers %d formats and %d present modes", len(support.Formats), len(support.PresentModes))
	}

	c.format = ChooseSurfaceFormat(support.Formats, c.options.PreferredFormat)
	c.presentMode = ChoosePresentMode(support.PresentModes, khr_surface.PresentModeMailbox)
	c.extent = ChooseExtent(support.Capabilities, framebuffer)
	imageCount := ImageCount(support.Capabilities)

	var sharing []int
	families := c.options.Families
	if families.Graphics != families.Present {
		sharing = []int{families.Graphics, families.Present}
	}

	handle, err := c.device.CreateSwapchain(gpu.SwapchainOptions{
		Capabilities:    support.Capabilities,
		MinImageCount:   imageCount,
		Format:          c.format,
		Extent:          c.extent,
		PresentMode:     c.presentMode,
		SharingFamilies: sharing,
	})
	if err != nil {
		return gpu.AllocationError(err, "creating swapchain of %d images", imageCount)
	}
	c.handle = handle

	if err := c.createSlots(); err != nil {
		c.teardown()
		return err
	}

	c.state = Created
	c.current = 0
	c.generation++
	c.logger.Info("created swapchain",
		slog.Int("Images", len(c.slots)),
		slog.Int("Width", c.extent.Width),
		slog.Int("Height", c.extent.Height),
		slog.Any("PresentMode", c.presentMode),
		slog.Int("Generation", c.generation))
	return nil
}

func (c *Chain) createSlots() error {
	images, err := c.handle.Images()
	if err != nil {
		return errors.Wrap(err, "retrieving swapchain images")
	}

	if c.options.RenderPass {
		c.renderPass, err = c.device.CreateRenderPass(c.format.Format)
		if err != nil {
			return gpu.AllocationError(err, "creating render pass")
		}
	}

	if c.pool == nil {
		c.pool, err = c.device.CreateCommandPool(c.options.Families.Graphics)
		if err != nil {
			return gpu.AllocationError(err, "creating graphics command pool")
		}
	}
	buffers, err := c.device.AllocateCommandBuffers(c.pool, len(images))
	if err != nil {
		return gpu.AllocationError(err, "allocating %d command buffers", len(images))
	}

	c.slots = make([]Slot, len(images))
	for i, image := range images {
		c.slots[i].Image = image
		c.slots[i].CommandBuffer = buffers[i]
	}
	for i := range c.slots {
		slot := &c.slots[i]
		if slot.View, err = c.device.CreateImageView(slot.Image, c.format.Format, core1_0.ImageAspectColor); err != nil {
			return gpu.AllocationError(err, "creating view of swapchain image %d", i)
		}
		if c.renderPass != nil {
			if slot.Framebuffer, err = c.device.CreateFramebuffer(c.renderPass, slot.View, c.extent); err != nil {
				return gpu.AllocationError(err, "creating framebuffer %d", i)
			}
		}
		if slot.InFlight, err = c.device.CreateFence(true); err != nil {
			return gpu.AllocationError(err, "creating frame fence %d", i)
		}
		if slot.ImageAcquired, err = c.device.CreateSemaphore(); err != nil {
			return gpu.AllocationError(err, "creating image semaphore %d", i)
		}
		if slot.RenderFinished, err = c.device.CreateSemaphore(); err != nil {
			return gpu.AllocationError(err, "creating render semaphore %d", i)
		}
	}
	return nil
}

// teardown releases everything but the command pool, newest first.
func (c *Chain) teardown() {
	var buffers []gpu.CommandBuffer
	for i := len(c.slots) - 1; i >= 0; i-- {
		slot := &c.slots[i]
		for _, s := range []gpu.Semaphore{slot.RenderFinished, slot.ImageAcquired} {
			if s != nil {
				s.Destroy()
			}
		}
		if slot.InFlight != nil {
			slot.InFlight.Destroy()
		}
		if slot.Framebuffer != nil {
			slot.Framebuffer.Destroy()
		}
		if slot.View != nil {
			slot.View.Destroy()
		}
		if slot.CommandBuffer != nil {
			buffers = append(buffers, slot.CommandBuffer)
		}
	}
	if len(buffers) > 0 {
		c.device.FreeCommandBuffers(buffers)
	}
	c.slots = nil

	if c.renderPass != nil {
		c.renderPass.Destroy()
		c.renderPass = nil
	}
	if c.handle != nil {
		c.handle.Destroy()
		c.handle = nil
	}
}

// Recreate waits for the device to go idle, tears the chain down and builds
// it again from freshly queried surface capabilities.
func (c *Chain) Recreate(framebuffer core1_0.Extent2D) error {
	if c.state != Created && c.state != Recreating {
		return errors.Newf("recreating swapchain in state %s", c.state)
	}
	c.state = Recreating

	if err := c.device.WaitIdle(); err != nil {
		return gpu.SynchronizationError(err, "waiting for device idle before swapchain recreation")
	}
	c.teardown()
	return c.Create(framebuffer)
}

// Acquire waits for the current slot's previous frame to finish and
// acquires the next image, signaling the slot's ImageAcquired semaphore.
// On StatusOutOfDate nothing was acquired and the chain must be recreated.
func (c *Chain) Acquire() (*Slot, int, gpu.Status, error) {
	if c.state != Created {
		return nil, 0, gpu.StatusSuccess, errors.Newf("acquiring from swapchain in state %s", c.state)
	}
	slot := &c.slots[c.current]
	if err := c.device.WaitForFences(c.options.FenceTimeout, slot.InFlight); err != nil {
		return nil, 0, gpu.StatusSuccess, gpu.SynchronizationError(err, "waiting for frame slot %d", c.current)
	}

	imageIndex, status, err := c.handle.AcquireNextImage(c.options.FenceTimeout, slot.ImageAcquired)
	if err != nil {
		return nil, 0, status, gpu.SynchronizationError(err, "acquiring swapchain image")
	}
	return slot, imageIndex, status, nil
}

// Present queues image imageIndex once its RenderFinished semaphore is signaled.
func (c *Chain) Present(queue gpu.Queue, imageIndex int) (gpu.Status, error) {
	status, err := queue.Present(c.handle, imageIndex, c.slots[imageIndex].RenderFinished)
	if err != nil {
		return status, gpu.SynchronizationError(err, "presenting image %d", imageIndex)
	}
	return status, nil
}

// Destroy tears the chain down. It does not wait for the device.
func (c *Chain) Destroy() {
	if c.state == Destroyed {
		return
	}
	c.teardown()
	if c.pool != nil {
		c.pool.Destroy()
		c.pool = nil
	}
	c.state = Destroyed
}
