// Package memory selects device memory types and allocates the blocks that
// back buffers and images.
package memory

import (
	"github.com/vkngwrapper/core/core1_0"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/vulkan-engine/gpu"
	"github.com/vkngwrapper/vulkan-engine/logging"
)

// InvalidIndex is returned by FindMemoryType when no type qualifies.
const InvalidIndex = -1

// FindMemoryType returns the first memory type allowed by typeBits whose
// property flags include every flag in props.
func FindMemoryType(types []core1_0.MemoryType, typeBits uint32, props core1_0.MemoryPropertyFlags) int {
	for i, t := range types {
		if i >= 32 {
			break
		}
		if typeBits&(1<<uint(i)) == 0 {
			continue
		}
		if t.PropertyFlags&props == props {
			return i
		}
	}
	return InvalidIndex
}

// Block is one device memory allocation. Size is never less than the
// requirement it was allocated for.
type Block struct {
	Memory    gpu.DeviceMemory
	Size      int
	TypeIndex int

	alloc *Allocator
}

// Free releases the block. Calling it more than once, or on a nil block, is a no-op.
func (b *Block) Free() {
	if b == nil || b.Memory == nil {
		return
	}
	b.Memory.Free()
	b.Memory = nil
	if b.alloc != nil {
		b.alloc.release(b.Size)
	}
}

type Stats struct {
	Allocations int
	Bytes       int
	// PeakBytes is the highest Bytes has been since the allocator was created.
	PeakBytes int
}

type Allocator struct {
	device gpu.Device
	logger *slog.Logger
	budget int

	stats      Stats
	overBudget bool
}

// NewAllocator returns an allocator for device. A budget of zero disables
// the soft budget warning.
func NewAllocator(device gpu.Device, budget int, logger *slog.Logger) *Allocator {
	return &Allocator{device: device, logger: logging.Or(logger), budget: budget}
}

func (a *Allocator) Device() gpu.Device {
	return a.device
}

func (a *Allocator) Stats() Stats {
	return a.stats
}

// Allocate returns a block satisfying req in a memory type with props.
// Both failures are allocation errors.
func (a *Allocator) Allocate(req gpu.MemoryRequirements, props core1_0.MemoryPropertyFlags) (*Block, error) {
	typeIndex := FindMemoryType(a.device.MemoryTypes(), req.MemoryTypeBits, props)
	if typeIndex == InvalidIndex {
		return nil, gpu.AllocationErrorf("no memory type in bits %#x has properties %s", req.MemoryTypeBits, props)
	}

	memory, err := a.device.AllocateMemory(req.Size, typeIndex)
	if err != nil {
		return nil, gpu.AllocationError(err, "allocating %d bytes of memory type %d", req.Size, typeIndex)
	}

	a.stats.Allocations++
	a.stats.Bytes += req.Size
	if a.stats.Bytes > a.stats.PeakBytes {
		a.stats.PeakBytes = a.stats.Bytes
	}
	a.logger.Debug("allocated device memory",
		slog.Int("Size", req.Size),
		slog.Int("MemoryTypeIndex", typeIndex),
		slog.Int("LiveBytes", a.stats.Bytes))

	if a.budget > 0 && a.stats.Bytes > a.budget && !a.overBudget {
		a.overBudget = true
		a.logger.Warn("device memory use above soft budget",
			slog.Int("LiveBytes", a.stats.Bytes),
			slog.Int("Budget", a.budget))
	}

	return &Block{Memory: memory, Size: req.Size, TypeIndex: typeIndex, alloc: a}, nil
}

func (a *Allocator) release(size int) {
	a.stats.Allocations--
	a.stats.Bytes -= size
	if a.budget > 0 && a.stats.Bytes <= a.budget {
		a.overBudget = false
	}
}
