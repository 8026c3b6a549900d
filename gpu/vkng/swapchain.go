package vkng

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_surface"
	"github.com/vkngwrapper/extensions/khr_swapchain"

	"github.com/vkngwrapper/vulkan-engine/gpu"
)

// Surface answers support queries for the physical device the surface was
// opened with. It is destroyed together with its Device.
type Surface struct {
	dev *Device
}

var _ gpu.Surface = (*Surface)(nil)

func (s *Surface) Support() (*gpu.SurfaceSupport, error) {
	if s.dev.surface == nil {
		return nil, errors.New("vkng: surface already destroyed")
	}
	return querySupport(s.dev.surface, s.dev.physical)
}

func querySupport(surface khr_surface.Surface, device core1_0.PhysicalDevice) (*gpu.SurfaceSupport, error) {
	var details gpu.SurfaceSupport
	var err error

	details.Capabilities, _, err = surface.PhysicalDeviceSurfaceCapabilities(device)
	if err != nil {
		return nil, errors.Wrap(err, "querying surface capabilities")
	}

	details.Formats, _, err = surface.PhysicalDeviceSurfaceFormats(device)
	if err != nil {
		return nil, errors.Wrap(err, "querying surface formats")
	}

	details.PresentModes, _, err = surface.PhysicalDeviceSurfacePresentModes(device)
	if err != nil {
		return nil, errors.Wrap(err, "querying present modes")
	}
	return &details, nil
}

type Swapchain struct {
	swapchain khr_swapchain.Swapchain
}

func (s *Swapchain) Destroy() { s.swapchain.Destroy(nil) }

func (s *Swapchain) Images() ([]gpu.Image, error) {
	images, res, err := s.swapchain.SwapchainImages()
	if err != nil {
		return nil, classify(res, err, "listing swapchain images")
	}
	out := make([]gpu.Image, len(images))
	for i, image := range images {
		out[i] = &Image{image: image, swapchain: true}
	}
	return out, nil
}

func (s *Swapchain) AcquireNextImage(timeout time.Duration, acquired gpu.Semaphore) (int, gpu.Status, error) {
	semaphores, err := semaphoresOf([]gpu.Semaphore{acquired})
	if err != nil {
		return 0, gpu.StatusSuccess, err
	}
	imageIndex, res, err := s.swapchain.AcquireNextImage(timeoutOf(timeout), semaphores[0], nil)
	switch {
	case res == khr_swapchain.VKErrorOutOfDate:
		return 0, gpu.StatusOutOfDate, nil
	case err != nil:
		return 0, gpu.StatusSuccess, gpu.SynchronizationError(err, "acquiring swapchain image")
	case res == core1_0.VKTimeout || res == core1_0.VKNotReady:
		return 0, gpu.StatusSuccess, gpu.SynchronizationError(errors.New("timeout"), "acquiring swapchain image within %s", timeout)
	case res == khr_swapchain.VKSuboptimal:
		return imageIndex, gpu.StatusSuboptimal, nil
	}
	return imageIndex, gpu.StatusSuccess, nil
}

func (d *Device) CreateSwapchain(o gpu.SwapchainOptions) (gpu.Swapchain, error) {
	if o.Capabilities == nil {
		return nil, errors.New("vkng: swapchain options carry no surface capabilities")
	}
	sharingMode, families := sharing(o.SharingFamilies)

	swapchain, res, err := d.swapchains.CreateSwapchain(d.device, nil, khr_swapchain.SwapchainCreateInfo{
		Surface: d.surface,

		MinImageCount:    o.MinImageCount,
		ImageFormat:      o.Format.Format,
		ImageColorSpace:  o.Format.ColorSpace,
		ImageExtent:      o.Extent,
		ImageArrayLayers: 1,
		ImageUsage:       core1_0.ImageUsageColorAttachment,

		ImageSharingMode:   sharingMode,
		QueueFamilyIndices: families,

		PreTransform:   o.Capabilities.CurrentTransform,
		CompositeAlpha: khr_surface.CompositeAlphaOpaque,
		PresentMode:    o.PresentMode,
		Clipped:        true,
	})
	if err != nil {
		return nil, classify(res, err, "creating swapchain")
	}
	return &Swapchain{swapchain: swapchain}, nil
}

var (
	_ gpu.Queue         = (*Queue)(nil)
	_ gpu.CommandBuffer = (*CommandBuffer)(nil)
	_ gpu.Swapchain     = (*Swapchain)(nil)
	_ gpu.Buffer        = (*Buffer)(nil)
	_ gpu.Image         = (*Image)(nil)
	_ gpu.DeviceMemory  = (*Memory)(nil)
)
