package soft

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

const cpuHandleBase uint64 = 0x7f00_0000_0000

type DescriptorHeap struct {
	dev       *Device
	label     string
	visible   bool
	stride    uint64
	cpuBase   uint64
	gpuBase   uint64
	destroyed atomic.Bool

	mu    sync.RWMutex
	slots []hal.Descriptor
}

func (h *DescriptorHeap) Capacity() uint32 {
	return uint32(len(h.slots))
}

func (h *DescriptorHeap) ShaderVisible() bool {
	return h.visible
}

func (h *DescriptorHeap) CPUHandle(slot uint32) uint64 {
	return h.cpuBase + uint64(slot)*h.stride
}

func (h *DescriptorHeap) GPUHandle(slot uint32) uint64 {
	if !h.visible {
		return 0
	}
	return h.gpuBase + uint64(slot)*h.stride
}

func (h *DescriptorHeap) checkRange(slot, count uint32) error {
	if uint64(slot)+uint64(count) > uint64(len(h.slots)) {
		return fmt.Errorf("descriptor heap %q: slots [%d,%d) out of range (capacity=%d): %w",
			h.label, slot, slot+count, len(h.slots), core.ErrRecordOutOfRange)
	}
	return nil
}

func (h *DescriptorHeap) Write(slot uint32, desc hal.Descriptor) error {
	if err := h.checkRange(slot, 1); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.slots[slot] = desc
	return nil
}

func (h *DescriptorHeap) Read(slot uint32) (hal.Descriptor, error) {
	if err := h.checkRange(slot, 1); err != nil {
		return hal.Descriptor{}, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.slots[slot], nil
}

func (h *DescriptorHeap) CopyFrom(dstSlot uint32, src hal.DescriptorHeap, srcSlot, count uint32) error {
	from, ok := src.(*DescriptorHeap)
	if !ok {
		return fmt.Errorf("descriptor heap %q: cannot copy from a foreign heap", h.label)
	}
	if err := h.checkRange(dstSlot, count); err != nil {
		return err
	}
	if err := from.checkRange(srcSlot, count); err != nil {
		return err
	}
	tmp := make([]hal.Descriptor, count)
	from.mu.RLock()
	copy(tmp, from.slots[srcSlot:srcSlot+count])
	from.mu.RUnlock()

	h.mu.Lock()
	copy(h.slots[dstSlot:dstSlot+count], tmp)
	h.mu.Unlock()
	return nil
}

func (h *DescriptorHeap) Destroy() {
	if h.destroyed.Swap(true) {
		return
	}
	if h.visible {
		h.dev.memory.release(h.gpuBase)
	}
}

// ResolveDescriptor returns the descriptor a shader-visible GPU handle points at.
func (d *Device) ResolveDescriptor(handle uint64) (hal.Descriptor, error) {
	owner, off, ok := d.memory.owner(handle)
	heap, isHeap := owner.(*DescriptorHeap)
	if !ok || !isHeap {
		return hal.Descriptor{}, fmt.Errorf("handle 0x%x is not a descriptor", handle)
	}
	if off%heap.stride != 0 {
		return hal.Descriptor{}, fmt.Errorf("handle 0x%x is not aligned to a descriptor slot", handle)
	}
	return heap.Read(uint32(off / heap.stride))
}
