package vulkan

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

// VulkanDescriptorHeap keeps descriptors on the host. Slots are translated
// into descriptor set writes when a pipeline that reads them is bound.
type VulkanDescriptorHeap struct {
	label   string
	visible bool
	cpuBase uint64
	gpuBase uint64

	mu    sync.RWMutex
	slots []hal.Descriptor
}

func NewVulkanDescriptorHeap(context *VulkanContext, desc hal.DescriptorHeapDesc) (*VulkanDescriptorHeap, error) {
	if desc.Capacity == 0 {
		return nil, fmt.Errorf("descriptor heap %q: zero capacity: %w", desc.Label, core.ErrInvalidState)
	}
	size := uint64(desc.Capacity) * uint64(VULKAN_DESCRIPTOR_SIZE)
	h := &VulkanDescriptorHeap{
		label:   desc.Label,
		visible: desc.ShaderVisible,
		cpuBase: context.reserveCPUHandles(size),
		slots:   make([]hal.Descriptor, desc.Capacity),
	}
	if h.visible {
		h.gpuBase = context.reserveGPUAddress(size)
	}
	return h, nil
}

func (h *VulkanDescriptorHeap) Capacity() uint32 {
	return uint32(len(h.slots))
}

func (h *VulkanDescriptorHeap) ShaderVisible() bool {
	return h.visible
}

func (h *VulkanDescriptorHeap) CPUHandle(slot uint32) uint64 {
	return h.cpuBase + uint64(slot)*uint64(VULKAN_DESCRIPTOR_SIZE)
}

func (h *VulkanDescriptorHeap) GPUHandle(slot uint32) uint64 {
	if !h.visible {
		return 0
	}
	return h.gpuBase + uint64(slot)*uint64(VULKAN_DESCRIPTOR_SIZE)
}

func (h *VulkanDescriptorHeap) checkRange(slot, count uint32) error {
	if uint64(slot)+uint64(count) > uint64(len(h.slots)) {
		return fmt.Errorf("descriptor heap %q: slots [%d,%d) out of range: %w", h.label, slot, slot+count, core.ErrRecordOutOfRange)
	}
	return nil
}

func (h *VulkanDescriptorHeap) Write(slot uint32, desc hal.Descriptor) error {
	if err := h.checkRange(slot, 1); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.slots[slot] = desc
	return nil
}

func (h *VulkanDescriptorHeap) Read(slot uint32) (hal.Descriptor, error) {
	if err := h.checkRange(slot, 1); err != nil {
		return hal.Descriptor{}, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.slots[slot], nil
}

func (h *VulkanDescriptorHeap) CopyFrom(dstSlot uint32, src hal.DescriptorHeap, srcSlot, count uint32) error {
	if err := h.checkRange(dstSlot, count); err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		d, err := src.Read(srcSlot + i)
		if err != nil {
			return err
		}
		if err := h.Write(dstSlot+i, d); err != nil {
			return err
		}
	}
	return nil
}

func (h *VulkanDescriptorHeap) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.slots = nil
}
