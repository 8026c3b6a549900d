package descriptor

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/core1_0"

	"github.com/vkngwrapper/vulkan-engine/gpu"
	"github.com/vkngwrapper/vulkan-engine/gpu/gputest"
	"github.com/vkngwrapper/vulkan-engine/memory"
	"github.com/vkngwrapper/vulkan-engine/resource"
)

type fixture struct {
	dev     *gputest.Device
	alloc   *memory.Allocator
	storage *resource.Buffer
	image   *resource.Image
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev := gputest.Combined()
	alloc := memory.NewAllocator(dev, 0, nil)

	storage, err := resource.NewBuffer(alloc, 4096, core1_0.BufferUsageStorageBuffer|core1_0.BufferUsageVertexBuffer, core1_0.MemoryPropertyDeviceLocal)
	require.NoError(t, err)
	img, err := resource.NewImage(alloc, resource.ImageOptions{
		Width:      1,
		Height:     1,
		Format:     core1_0.FormatR8G8B8A8SRGB,
		Usage:      core1_0.ImageUsageSampled,
		Properties: core1_0.MemoryPropertyDeviceLocal,
	})
	require.NoError(t, err)

	return &fixture{dev: dev, alloc: alloc, storage: storage, image: img}
}

func (f *fixture) destroy() {
	f.image.Destroy()
	f.storage.Destroy()
}

func (f *fixture) fullSet(t *testing.T) (*Set, *Dynamic) {
	t.Helper()
	set := NewSet("frame")
	_, err := set.AddPlain(core1_0.StageCompute, 16, 1)
	require.NoError(t, err)
	_, err = set.AddStorage(core1_0.StageCompute, f.storage)
	require.NoError(t, err)
	dyn, err := set.AddDynamic(core1_0.StageVertex, 72, 3)
	require.NoError(t, err)
	_, err = set.AddImageSampler(core1_0.StageFragment, f.image, gpu.SamplerOptions{Linear: true, MaxAnisotropy: 64})
	require.NoError(t, err)
	return set, dyn
}

func TestSetBindingsDenseAscending(t *testing.T) {
	f := newFixture(t)
	defer f.destroy()
	set, _ := f.fullSet(t)

	require.NoError(t, set.Create(f.alloc))
	require.NoError(t, set.BuildLayout(f.dev))
	pool, err := NewPool(f.dev, 1, set)
	require.NoError(t, err)
	require.NoError(t, set.Allocate(pool))
	require.NoError(t, set.Commit(f.dev))
	assert.True(t, set.Committed())

	layout := set.Layout.(*gputest.Layout)
	require.Len(t, layout.Bindings, 4)
	for i, b := range layout.Bindings {
		assert.Equal(t, i, b.Binding)
		assert.Equal(t, 1, b.Count)
	}
	assert.Equal(t, core1_0.DescriptorTypeUniformBuffer, layout.Bindings[0].Type)
	assert.Equal(t, core1_0.DescriptorTypeStorageBuffer, layout.Bindings[1].Type)
	assert.Equal(t, core1_0.DescriptorTypeUniformBufferDynamic, layout.Bindings[2].Type)
	assert.Equal(t, core1_0.DescriptorTypeCombinedImageSampler, layout.Bindings[3].Type)
	assert.Equal(t, core1_0.StageFragment, layout.Bindings[3].Stages)

	require.Len(t, f.dev.Updates, 1)
	assert.Len(t, f.dev.Updates[0], 4)
	written := set.Handle.(*gputest.Set).Bindings
	assert.Len(t, written, 4)
	assert.Equal(t, f.storage.Handle, written[1].Buffer.Buffer)
	assert.Equal(t, f.image.View, written[3].Image.View)

	require.NoError(t, set.Commit(f.dev))
	assert.Len(t, f.dev.Updates, 2)
	assert.Len(t, set.Handle.(*gputest.Set).Bindings, 4)

	set.Destroy()
	pool.Destroy()
	assert.Empty(t, f.dev.Misuse)
}

func TestDynamicStrideAlignment(t *testing.T) {
	for _, align := range []int{0, 1, 16, 64, 256} {
		f := newFixture(t)
		f.dev.DeviceLimits.MinUniformBufferOffsetAlignment = align
		set, dyn := f.fullSet(t)
		require.NoError(t, set.Create(f.alloc))

		if align > 1 {
			assert.Zero(t, dyn.Stride%align, "alignment %d", align)
		}
		assert.GreaterOrEqual(t, dyn.Stride, dyn.Range)
		assert.LessOrEqual(t, dyn.Stride*dyn.Count, dyn.Buffer.Size)
		assert.Equal(t, 2*dyn.Stride, dyn.Offset(2))

		set.Destroy()
		f.destroy()
		assert.Empty(t, f.dev.Leaks())
	}
}

func TestDynamicStaging(t *testing.T) {
	f := newFixture(t)
	defer f.destroy()
	set, dyn := f.fullSet(t)

	assert.Error(t, dyn.Set(0, float32(1)))
	require.NoError(t, set.Create(f.alloc))
	defer set.Destroy()

	require.NoError(t, dyn.Set(1, [2]float32{1, 2}))
	assert.Error(t, dyn.Set(3, float32(1)))
	assert.Error(t, dyn.SetBytes(0, make([]byte, 73)))

	require.NoError(t, dyn.FlushObject(1))
	wanted, err := resource.Encode([2]float32{1, 2})
	require.NoError(t, err)
	got, err := dyn.Buffer.ReadData(dyn.Offset(1), len(wanted))
	require.NoError(t, err)
	assert.Equal(t, wanted, got)
	assert.Error(t, dyn.FlushObject(dyn.Count))
}

func TestSetSealedAfterLayout(t *testing.T) {
	f := newFixture(t)
	defer f.destroy()
	set := NewSet("sealed")
	_, err := set.AddPlain(core1_0.StageVertex, 16, 1)
	require.NoError(t, err)
	require.NoError(t, set.BuildLayout(f.dev))

	_, err = set.AddPlain(core1_0.StageVertex, 16, 1)
	assert.True(t, errors.Is(err, ErrSetSealed))
	_, err = set.AddImageSampler(core1_0.StageFragment, f.image, gpu.SamplerOptions{})
	assert.True(t, errors.Is(err, ErrSetSealed))
	assert.True(t, errors.Is(set.BuildLayout(f.dev), ErrSetSealed))
	assert.Len(t, set.Descriptors, 1)

	set.Destroy()
}

func TestSetOrderingErrors(t *testing.T) {
	f := newFixture(t)
	defer f.destroy()
	set := NewSet("ordering")
	_, err := set.AddPlain(core1_0.StageVertex, 16, 1)
	require.NoError(t, err)

	pool, err := NewPool(f.dev, 0, set)
	require.NoError(t, err)
	defer pool.Destroy()

	assert.Error(t, set.Allocate(pool))
	assert.Error(t, set.Commit(f.dev))

	require.NoError(t, set.BuildLayout(f.dev))
	require.NoError(t, set.Allocate(pool))
	assert.Error(t, set.Allocate(pool))
	assert.Error(t, set.Commit(f.dev))

	require.NoError(t, set.Create(f.alloc))
	assert.Error(t, set.Create(f.alloc))
	require.NoError(t, set.Commit(f.dev))
	set.Destroy()
}

func TestPoolExhaustion(t *testing.T) {
	f := newFixture(t)
	defer f.destroy()

	first := NewSet("first")
	_, err := first.AddPlain(core1_0.StageVertex, 16, 1)
	require.NoError(t, err)
	second := NewSet("second")
	_, err = second.AddPlain(core1_0.StageVertex, 16, 1)
	require.NoError(t, err)
	require.NoError(t, first.BuildLayout(f.dev))
	require.NoError(t, second.BuildLayout(f.dev))

	pool, err := NewPool(f.dev, 1, first, second)
	require.NoError(t, err)
	require.NoError(t, first.Allocate(pool))

	err = second.Allocate(pool)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gpu.ErrAllocation))

	first.Destroy()
	second.Destroy()
	pool.Destroy()
	assert.Error(t, second.Allocate(pool))
}

func TestPoolSizesFor(t *testing.T) {
	f := newFixture(t)
	defer f.destroy()
	a, _ := f.fullSet(t)
	b := NewSet("compute")
	_, err := b.AddPlain(core1_0.StageCompute, 8, 1)
	require.NoError(t, err)

	sizes := PoolSizesFor(a, b)
	counts := map[core1_0.DescriptorType]int{}
	for _, s := range sizes {
		counts[s.Type] = s.Count
	}
	assert.Equal(t, map[core1_0.DescriptorType]int{
		core1_0.DescriptorTypeUniformBuffer:        2,
		core1_0.DescriptorTypeStorageBuffer:        1,
		core1_0.DescriptorTypeUniformBufferDynamic: 1,
		core1_0.DescriptorTypeCombinedImageSampler: 1,
	}, counts)
	assert.Empty(t, PoolSizesFor())
}

func TestSamplerAnisotropyClamped(t *testing.T) {
	f := newFixture(t)
	defer f.destroy()
	set := NewSet("texture")
	is, err := set.AddImageSampler(core1_0.StageFragment, f.image, gpu.SamplerOptions{MaxAnisotropy: 64})
	require.NoError(t, err)
	require.NoError(t, set.Create(f.alloc))
	assert.Equal(t, float32(16), is.Sampler.(*gputest.Sampler).Options.MaxAnisotropy)

	set.Destroy()
	assert.Nil(t, is.Sampler)
	assert.Equal(t, 0, f.dev.Live(gputest.KindSampler))
}
