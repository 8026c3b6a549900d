package memory

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/core1_0"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/vulkan-engine/gpu"
	"github.com/vkngwrapper/vulkan-engine/gpu/gputest"
	"github.com/vkngwrapper/vulkan-engine/logging"
)

var testTypes = []core1_0.MemoryType{
	{PropertyFlags: core1_0.MemoryPropertyDeviceLocal},
	{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent},
	{PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent},
	{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyLazilyAllocated},
}

func TestFindMemoryTypeSuperset(t *testing.T) {
	masks := []core1_0.MemoryPropertyFlags{
		0,
		core1_0.MemoryPropertyDeviceLocal,
		core1_0.MemoryPropertyHostVisible,
		core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
		core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible,
		core1_0.MemoryPropertyLazilyAllocated,
	}

	for _, mask := range masks {
		index := FindMemoryType(testTypes, ^uint32(0), mask)
		require.NotEqual(t, InvalidIndex, index, "mask %s", mask)
		assert.Equal(t, mask, testTypes[index].PropertyFlags&mask)
	}
}

func TestFindMemoryTypeFirstMatch(t *testing.T) {
	assert.Equal(t, 1, FindMemoryType(testTypes, ^uint32(0), core1_0.MemoryPropertyHostVisible))
	assert.Equal(t, 2, FindMemoryType(testTypes, 0b1100, core1_0.MemoryPropertyHostVisible))
	assert.Equal(t, 3, FindMemoryType(testTypes, 0b1000, core1_0.MemoryPropertyHostVisible))
}

func TestFindMemoryTypeInvalid(t *testing.T) {
	assert.Equal(t, InvalidIndex, FindMemoryType(testTypes, ^uint32(0), core1_0.MemoryPropertyLazilyAllocated))
	assert.Equal(t, InvalidIndex, FindMemoryType(testTypes, 0b0001, core1_0.MemoryPropertyHostVisible))
	assert.Equal(t, InvalidIndex, FindMemoryType(testTypes, 0, 0))
	assert.Equal(t, InvalidIndex, FindMemoryType(nil, ^uint32(0), 0))
}

func TestAllocatorTracksBlocks(t *testing.T) {
	dev := gputest.Combined()
	alloc := NewAllocator(dev, 0, nil)

	req := gpu.MemoryRequirements{Size: 512, Alignment: 64, MemoryTypeBits: ^uint32(0)}
	first, err := alloc.Allocate(req, core1_0.MemoryPropertyHostVisible)
	require.NoError(t, err)
	assert.Equal(t, 1, first.TypeIndex)
	assert.GreaterOrEqual(t, first.Size, req.Size)

	second, err := alloc.Allocate(gpu.MemoryRequirements{Size: 256, MemoryTypeBits: ^uint32(0)}, core1_0.MemoryPropertyDeviceLocal)
	require.NoError(t, err)
	assert.Equal(t, 0, second.TypeIndex)

	assert.Equal(t, Stats{Allocations: 2, Bytes: 768, PeakBytes: 768}, alloc.Stats())

	first.Free()
	first.Free()
	assert.Equal(t, Stats{Allocations: 1, Bytes: 256, PeakBytes: 768}, alloc.Stats())

	second.Free()
	var nilBlock *Block
	nilBlock.Free()
	assert.Equal(t, 0, dev.Live(gputest.KindMemory))
	assert.Empty(t, dev.Misuse)
}

func TestAllocatorErrors(t *testing.T) {
	dev := gputest.Combined()
	alloc := NewAllocator(dev, 0, nil)

	_, err := alloc.Allocate(gpu.MemoryRequirements{Size: 64, MemoryTypeBits: 0b0001}, core1_0.MemoryPropertyHostVisible)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gpu.ErrAllocation))

	dev.FailAllocationAfter = 0
	_, err = alloc.Allocate(gpu.MemoryRequirements{Size: 64, MemoryTypeBits: ^uint32(0)}, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gpu.ErrAllocation))
	assert.True(t, errors.Is(err, gputest.ErrOutOfMemory))
	assert.Equal(t, Stats{}, alloc.Stats())
}

func TestAllocatorBudgetWarnsOnce(t *testing.T) {
	var out bytes.Buffer
	dev := gputest.Combined()
	alloc := NewAllocator(dev, 1000, logging.New(slog.LevelWarn, &out))

	req := gpu.MemoryRequirements{Size: 600, MemoryTypeBits: ^uint32(0)}
	a, err := alloc.Allocate(req, 0)
	require.NoError(t, err)
	assert.Empty(t, out.String())

	b, err := alloc.Allocate(req, 0)
	require.NoError(t, err)
	c, err := alloc.Allocate(req, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(out.Bytes(), []byte("soft budget")))

	b.Free()
	c.Free()
	d, err := alloc.Allocate(req, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(out.Bytes(), []byte("soft budget")))

	a.Free()
	d.Free()
}
