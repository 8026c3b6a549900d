package particles

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/core1_0"

	"github.com/vkngwrapper/vulkan-engine/gpu"
)

// Ownership tracks which queue family owns the shared buffer as recorded
// so far, and produces the barriers for each hand-off.
//
// With distinct families every hand-off is a release recorded on the owner
// followed by an acquire recorded on the receiver, both naming the same
// families. With one family ownership never moves and the hand-off is a
// plain memory dependency recorded on the compute side.
type Ownership struct {
	familiesDiffer bool
	graphics       int
	compute        int

	owner   int
	pending int
}

// NewOwnership starts with graphics owning the buffer, which is where the
// initial upload runs.
func NewOwnership(families gpu.QueueFamilyIndices) *Ownership {
	return &Ownership{
		familiesDiffer: families.FamiliesDiffer(),
		graphics:       families.Graphics,
		compute:        families.Compute,
		owner:          families.Graphics,
		pending:        gpu.QueueFamilyIgnored,
	}
}

func (o *Ownership) FamiliesDiffer() bool { return o.familiesDiffer }

// Owner is the family that owns the buffer once all recorded barriers have run.
func (o *Ownership) Owner() int { return o.owner }

// Pending is the family a release has been recorded toward, or
// gpu.QueueFamilyIgnored.
func (o *Ownership) Pending() int { return o.pending }

// computeAccess is what the simulation does to the buffer: it reads each
// particle and writes it back.
const computeAccess = core1_0.AccessShaderRead | core1_0.AccessShaderWrite

// srcAccess is the access family makes visible when handing the buffer off.
func (o *Ownership) srcAccess(family int) core1_0.AccessFlags {
	if family == o.compute {
		return core1_0.AccessShaderWrite
	}
	return core1_0.AccessVertexAttributeRead
}

// dstAccess is the access family performs once it holds the buffer.
func (o *Ownership) dstAccess(family int) core1_0.AccessFlags {
	if family == o.compute {
		return computeAccess
	}
	return core1_0.AccessVertexAttributeRead
}

func (o *Ownership) stage(family int) core1_0.PipelineStageFlags {
	if family == o.compute {
		return core1_0.PipelineStageComputeShader
	}
	return core1_0.PipelineStageVertexInput
}

func (o *Ownership) other(family int) int {
	if family == o.compute {
		return o.graphics
	}
	return o.compute
}

// Release records family giving up the buffer. It records nothing when the
// families coincide.
func (o *Ownership) Release(cmd gpu.CommandBuffer, family int, buf gpu.Buffer) error {
	if !o.familiesDiffer {
		return nil
	}
	if o.owner != family || o.pending != gpu.QueueFamilyIgnored {
		return errors.AssertionFailedf("family %d releasing buffer owned by %d (pending %d)", family, o.owner, o.pending)
	}
	to := o.other(family)
	err := cmd.PipelineBarrier(o.stage(family), core1_0.PipelineStageBottomOfPipe, []gpu.BufferBarrier{
		{
			SrcAccess: o.srcAccess(family),
			SrcFamily: family,
			DstFamily: to,
			Buffer:    buf,
		},
	}, nil)
	if err != nil {
		return errors.Wrapf(err, "recording release from family %d", family)
	}
	o.pending = to
	return nil
}

// Acquire records family taking the buffer after a matching release. It
// records nothing when the families coincide or family already owns it.
func (o *Ownership) Acquire(cmd gpu.CommandBuffer, family int, buf gpu.Buffer) error {
	if !o.familiesDiffer {
		return nil
	}
	if o.pending == gpu.QueueFamilyIgnored && o.owner == family {
		return nil
	}
	if o.pending != family {
		return errors.AssertionFailedf("family %d acquiring buffer released toward %d", family, o.pending)
	}
	from := o.owner
	err := cmd.PipelineBarrier(core1_0.PipelineStageTopOfPipe, o.stage(family), []gpu.BufferBarrier{
		{
			DstAccess: o.dstAccess(family),
			SrcFamily: from,
			DstFamily: family,
			Buffer:    buf,
		},
	}, nil)
	if err != nil {
		return errors.Wrapf(err, "recording acquire on family %d", family)
	}
	o.owner = family
	o.pending = gpu.QueueFamilyIgnored
	return nil
}

// Direction names which side of the frame the buffer is handed to.
type Direction int

const (
	ToCompute Direction = iota
	ToGraphics
)

// Dependency records a memory dependency for the hand-off in direction
// without moving ownership. It records nothing when the families differ;
// Release and Acquire carry the dependency then.
func (o *Ownership) Dependency(cmd gpu.CommandBuffer, direction Direction, buf gpu.Buffer) error {
	if o.familiesDiffer {
		return nil
	}
	srcAccess, dstAccess := core1_0.AccessVertexAttributeRead, computeAccess
	srcStage, dstStage := core1_0.PipelineStageVertexInput, core1_0.PipelineStageComputeShader
	if direction == ToGraphics {
		srcAccess, dstAccess = core1_0.AccessShaderWrite, core1_0.AccessVertexAttributeRead
		srcStage, dstStage = dstStage, srcStage
	}
	err := cmd.PipelineBarrier(srcStage, dstStage, []gpu.BufferBarrier{
		{
			SrcAccess: srcAccess,
			DstAccess: dstAccess,
			SrcFamily: gpu.QueueFamilyIgnored,
			DstFamily: gpu.QueueFamilyIgnored,
			Buffer:    buf,
		},
	}, nil)
	if err != nil {
		return errors.Wrap(err, "recording buffer dependency")
	}
	return nil
}
