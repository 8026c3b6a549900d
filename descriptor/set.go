package descriptor

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/core1_0"

	"github.com/vkngwrapper/vulkan-engine/gpu"
	"github.com/vkngwrapper/vulkan-engine/memory"
	"github.com/vkngwrapper/vulkan-engine/resource"
)

// ErrSetSealed is returned when a descriptor is added after the layout was built.
var ErrSetSealed = errors.New("descriptor set layout already built")

type state int

const (
	stateOpen state = iota
	stateLaidOut
	stateAllocated
	stateCommitted
)

// Set is an ordered group of descriptors bound together. Binding i is the
// i-th descriptor added.
type Set struct {
	Name        string
	Descriptors []*Descriptor
	Layout      gpu.DescriptorSetLayout
	Handle      gpu.DescriptorSet

	state   state
	created bool
}

func NewSet(name string) *Set {
	return &Set{Name: name}
}

func (s *Set) add(stages core1_0.ShaderStageFlags, r Resource) error {
	if s.state != stateOpen {
		return errors.Wrapf(ErrSetSealed, "adding binding %d to set %q", len(s.Descriptors), s.Name)
	}
	s.Descriptors = append(s.Descriptors, &Descriptor{
		Binding:  len(s.Descriptors),
		Stages:   stages,
		Resource: r,
	})
	return nil
}

// AddPlain adds a uniform buffer of count objects of size bytes, owned by the set.
func (s *Set) AddPlain(stages core1_0.ShaderStageFlags, size, count int) (*Plain, error) {
	p := &Plain{Type: core1_0.DescriptorTypeUniformBuffer, Range: size, Count: count}
	return p, s.add(stages, p)
}

// AddStorage binds an existing storage buffer the set does not own.
func (s *Set) AddStorage(stages core1_0.ShaderStageFlags, buf *resource.Buffer) (*Plain, error) {
	p := &Plain{Type: core1_0.DescriptorTypeStorageBuffer, Range: buf.Size, Count: 1, Buffer: buf, external: true}
	return p, s.add(stages, p)
}

// AddDynamic adds a dynamic uniform buffer of count objects of size bytes.
func (s *Set) AddDynamic(stages core1_0.ShaderStageFlags, size, count int) (*Dynamic, error) {
	d := &Dynamic{Range: size, Count: count}
	return d, s.add(stages, d)
}

func (s *Set) AddImageSampler(stages core1_0.ShaderStageFlags, img *resource.Image, options gpu.SamplerOptions) (*ImageSampler, error) {
	is := &ImageSampler{Image: img, Options: options}
	return is, s.add(stages, is)
}

// Create builds the buffers and samplers owned by the set's descriptors.
func (s *Set) Create(alloc *memory.Allocator) error {
	if s.created {
		return errors.Newf("descriptor set %q already created", s.Name)
	}
	for _, d := range s.Descriptors {
		if err := d.create(alloc); err != nil {
			return errors.Wrapf(err, "creating descriptor set %q", s.Name)
		}
	}
	s.created = true
	return nil
}

// Bindings derives one layout binding per descriptor in binding order.
func (s *Set) Bindings() []gpu.LayoutBinding {
	bindings := make([]gpu.LayoutBinding, 0, len(s.Descriptors))
	for _, d := range s.Descriptors {
		bindings = append(bindings, gpu.LayoutBinding{
			Binding: d.Binding,
			Type:    d.Type(),
			Count:   1,
			Stages:  d.Stages,
		})
	}
	return bindings
}

// BuildLayout creates the set layout and seals the descriptor list.
func (s *Set) BuildLayout(device gpu.Device) error {
	if s.state != stateOpen {
		return errors.Wrapf(ErrSetSealed, "building layout of set %q twice", s.Name)
	}
	layout, err := device.CreateDescriptorSetLayout(s.Bindings())
	if err != nil {
		return gpu.AllocationError(err, "creating layout of set %q", s.Name)
	}
	s.Layout = layout
	s.state = stateLaidOut
	return nil
}

// Allocate allocates the set from pool. An exhausted pool is an allocation error.
func (s *Set) Allocate(pool *Pool) error {
	if s.state != stateLaidOut {
		return errors.Newf("allocating set %q before its layout was built or after it was allocated", s.Name)
	}
	handle, err := pool.allocate(s.Layout)
	if err != nil {
		return gpu.AllocationError(err, "allocating set %q", s.Name)
	}
	s.Handle = handle
	s.state = stateAllocated
	return nil
}

// Commit writes every descriptor into the allocated set in one update.
// Committing again overwrites the previous bindings.
func (s *Set) Commit(device gpu.Device) error {
	if s.state < stateAllocated {
		return errors.Newf("committing set %q before allocation", s.Name)
	}
	if !s.created {
		return errors.Newf("committing set %q before its resources were created", s.Name)
	}
	writes := make([]gpu.DescriptorWrite, 0, len(s.Descriptors))
	for _, d := range s.Descriptors {
		w, err := d.write(s.Handle)
		if err != nil {
			return errors.Wrapf(err, "committing set %q", s.Name)
		}
		writes = append(writes, w)
	}
	if err := device.UpdateDescriptorSets(writes); err != nil {
		return errors.Wrapf(err, "updating set %q", s.Name)
	}
	s.state = stateCommitted
	return nil
}

func (s *Set) Committed() bool {
	return s.state == stateCommitted
}

// Destroy releases the layout and everything the descriptors own. The set
// handle goes back with its pool.
func (s *Set) Destroy() {
	if s == nil {
		return
	}
	for _, d := range s.Descriptors {
		d.destroy()
	}
	s.created = false
	if s.Layout != nil {
		s.Layout.Destroy()
		s.Layout = nil
	}
	s.Handle = nil
}

type Pool struct {
	Handle  gpu.DescriptorPool
	MaxSets int
	Sizes   []gpu.PoolSize

	device gpu.Device
}

// PoolSizesFor counts descriptors per type across sets, ordered by type.
func PoolSizesFor(sets ...*Set) []gpu.PoolSize {
	counts := map[core1_0.DescriptorType]int{}
	for _, s := range sets {
		for _, b := range s.Bindings() {
			counts[b.Type] += b.Count
		}
	}
	sizes := make([]gpu.PoolSize, 0, len(counts))
	for t, n := range counts {
		sizes = append(sizes, gpu.PoolSize{Type: t, Count: n})
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i].Type < sizes[j].Type })
	return sizes
}

// NewPool creates a pool holding at most maxSets sets with room for the
// descriptors of sets. A maxSets of zero allows one set per entry of sets.
func NewPool(device gpu.Device, maxSets int, sets ...*Set) (*Pool, error) {
	if maxSets <= 0 {
		maxSets = len(sets)
	}
	sizes := PoolSizesFor(sets...)
	handle, err := device.CreateDescriptorPool(maxSets, sizes)
	if err != nil {
		return nil, gpu.AllocationError(err, "creating descriptor pool for %d sets", maxSets)
	}
	return &Pool{Handle: handle, MaxSets: maxSets, Sizes: sizes, device: device}, nil
}

func (p *Pool) allocate(layout gpu.DescriptorSetLayout) (gpu.DescriptorSet, error) {
	if p == nil || p.Handle == nil {
		return nil, errors.New("descriptor pool has been destroyed")
	}
	return p.device.AllocateDescriptorSet(p.Handle, layout)
}

func (p *Pool) Destroy() {
	if p == nil || p.Handle == nil {
		return
	}
	p.Handle.Destroy()
	p.Handle = nil
}
