package gpu

import "github.com/vkngwrapper/core/core1_0"

// QueueFamily is what device selection needs to know about one queue family.
type QueueFamily struct {
	Flags          core1_0.QueueFlags
	PresentSupport bool
}

func (f QueueFamily) has(flags core1_0.QueueFlags) bool {
	return f.Flags&flags == flags
}

// SelectQueueFamilies picks the graphics, compute and present families.
//
// Presentation prefers the graphics family. Compute prefers a family
// without graphics support when preferDedicatedCompute is set, then the
// graphics family, then any compute-capable family.
func SelectQueueFamilies(families []QueueFamily, preferDedicatedCompute bool) (QueueFamilyIndices, error) {
	indices := QueueFamilyIndices{Graphics: -1, Compute: -1, Present: -1}

	for i, family := range families {
		if family.has(core1_0.QueueGraphics) {
			indices.Graphics = i
			break
		}
	}
	if indices.Graphics < 0 {
		return indices, CapabilityErrorf("no queue family supports graphics")
	}

	if families[indices.Graphics].PresentSupport {
		indices.Present = indices.Graphics
	} else {
		for i, family := range families {
			if family.PresentSupport {
				indices.Present = i
				break
			}
		}
	}
	if indices.Present < 0 {
		return indices, CapabilityErrorf("no queue family can present to the surface")
	}

	if preferDedicatedCompute {
		for i, family := range families {
			if family.has(core1_0.QueueCompute) && !family.has(core1_0.QueueGraphics) {
				indices.Compute = i
				break
			}
		}
	}
	if indices.Compute < 0 && families[indices.Graphics].has(core1_0.QueueCompute) {
		indices.Compute = indices.Graphics
	}
	if indices.Compute < 0 {
		for i, family := range families {
			if family.has(core1_0.QueueCompute) {
				indices.Compute = i
				break
			}
		}
	}
	if indices.Compute < 0 {
		return indices, CapabilityErrorf("no queue family supports compute")
	}

	return indices, nil
}
