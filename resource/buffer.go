// Package resource owns GPU buffers and images together with the memory
// bound to them.
//
// Every constructor follows the same protocol: create the handle, allocate
// a block for its reported requirements, then bind. A failed step tears down
// what was built, and Destroy is safe to call on any value these
// constructors return, any number of times.
package resource

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"

	"github.com/vkngwrapper/vulkan-engine/gpu"
	"github.com/vkngwrapper/vulkan-engine/memory"
)

// HostStaged is the property mask for buffers written from the CPU.
const HostStaged = core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent

type Buffer struct {
	Handle     gpu.Buffer
	Block      *memory.Block
	Size       int
	Usage      core1_0.BufferUsageFlags
	Properties core1_0.MemoryPropertyFlags
}

func NewBuffer(alloc *memory.Allocator, size int, usage core1_0.BufferUsageFlags, props core1_0.MemoryPropertyFlags) (*Buffer, error) {
	b := &Buffer{Size: size, Usage: usage, Properties: props}

	handle, err := alloc.Device().CreateBuffer(gpu.BufferOptions{Size: size, Usage: usage})
	if err != nil {
		return b, gpu.AllocationError(err, "creating %d byte buffer", size)
	}
	b.Handle = handle

	block, err := alloc.Allocate(handle.MemoryRequirements(), props)
	if err != nil {
		b.Destroy()
		return b, errors.Wrapf(err, "allocating memory for %d byte buffer", size)
	}
	b.Block = block

	if err := handle.BindMemory(block.Memory, 0); err != nil {
		b.Destroy()
		return b, gpu.AllocationError(err, "binding memory to %d byte buffer", size)
	}
	return b, nil
}

// Destroy releases the handle and then its memory.
func (b *Buffer) Destroy() {
	if b == nil {
		return
	}
	if b.Handle != nil {
		b.Handle.Destroy()
		b.Handle = nil
	}
	b.Block.Free()
	b.Block = nil
}

func (b *Buffer) HostVisible() bool {
	return b.Properties&core1_0.MemoryPropertyHostVisible != 0
}

func (b *Buffer) hostRange(offset, size int) error {
	if b.Handle == nil || b.Block == nil {
		return errors.New("buffer has been destroyed")
	}
	if !b.HostVisible() {
		return errors.Newf("buffer memory %s is not host visible", b.Properties)
	}
	if offset < 0 || size < 0 || offset+size > b.Size {
		return errors.Newf("range [%d, %d) outside %d byte buffer", offset, offset+size, b.Size)
	}
	return nil
}

// UpdateData copies data into the buffer at offset.
func (b *Buffer) UpdateData(offset int, data []byte) error {
	if err := b.hostRange(offset, len(data)); err != nil {
		return err
	}
	view, err := b.Block.Memory.Map(offset, len(data))
	if err != nil {
		return gpu.AllocationError(err, "mapping buffer memory")
	}
	defer b.Block.Memory.Unmap()

	copy(view, data)
	return nil
}

// ReadData returns a copy of size bytes starting at offset.
func (b *Buffer) ReadData(offset, size int) ([]byte, error) {
	if err := b.hostRange(offset, size); err != nil {
		return nil, err
	}
	view, err := b.Block.Memory.Map(offset, size)
	if err != nil {
		return nil, gpu.AllocationError(err, "mapping buffer memory")
	}
	defer b.Block.Memory.Unmap()

	return append([]byte(nil), view...), nil
}

// Encode lays out a fixed-size value the way shaders read it on this host.
func Encode(value any) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, common.ByteOrder, value); err != nil {
		return nil, errors.Wrapf(err, "encoding %T", value)
	}
	return buf.Bytes(), nil
}

// UpdateBufferData encodes value and writes it to buf at offset.
func UpdateBufferData(buf *Buffer, offset int, value any) error {
	data, err := Encode(value)
	if err != nil {
		return err
	}
	return buf.UpdateData(offset, data)
}
