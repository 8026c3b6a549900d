package swapchain

import (
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_surface"
)

// PreferredFormat is the surface format chosen whenever the surface offers it.
var PreferredFormat = khr_surface.Format{
	Format:     core1_0.FormatB8G8R8A8SRGB,
	ColorSpace: khr_surface.ColorSpaceSRGBNonlinear,
}

// ChooseSurfaceFormat returns preferred if available, else the first format.
func ChooseSurfaceFormat(available []khr_surface.Format, preferred khr_surface.Format) khr_surface.Format {
	for _, format := range available {
		if format.Format == preferred.Format && format.ColorSpace == preferred.ColorSpace {
			return format
		}
	}

	return available[0]
}

// ChoosePresentMode returns preferred if available, else FIFO, which every
// surface supports.
func ChoosePresentMode(available []khr_surface.PresentMode, preferred khr_surface.PresentMode) khr_surface.PresentMode {
	for _, presentMode := range available {
		if presentMode == preferred {
			return presentMode
		}
	}

	return khr_surface.PresentModeFIFO
}

// ChooseExtent uses the surface's current extent when it has one, and
// otherwise the framebuffer size clamped to the surface limits.
func ChooseExtent(capabilities *khr_surface.Capabilities, framebuffer core1_0.Extent2D) core1_0.Extent2D {
	if capabilities.CurrentExtent.Width != -1 {
		return capabilities.CurrentExtent
	}

	width := framebuffer.Width
	height := framebuffer.Height

	if width < capabilities.MinImageExtent.Width {
		width = capabilities.MinImageExtent.Width
	}
	if width > capabilities.MaxImageExtent.Width {
		width = capabilities.MaxImageExtent.Width
	}
	if height < capabilities.MinImageExtent.Height {
		height = capabilities.MinImageExtent.Height
	}
	if height > capabilities.MaxImageExtent.Height {
		height = capabilities.MaxImageExtent.Height
	}

	return core1_0.Extent2D{Width: width, Height: height}
}

// ImageCount asks for one image more than the minimum, capped at the
// maximum. A maximum of zero means no limit.
func ImageCount(capabilities *khr_surface.Capabilities) int {
	imageCount := capabilities.MinImageCount + 1
	if capabilities.MaxImageCount > 0 && capabilities.MaxImageCount < imageCount {
		imageCount = capabilities.MaxImageCount
	}
	return imageCount
}
