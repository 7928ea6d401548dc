package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

// VulkanBuffer is a persistently mapped host-visible, host-coherent buffer.
type VulkanBuffer struct {
	context *VulkanContext
	Label   string
	Handle  vk.Buffer
	Memory  vk.DeviceMemory
	size    uint64
	address uint64
	mapped  []byte
}

func usageFlags(usage hal.BufferUsage) vk.BufferUsageFlags {
	flags := vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit
	if usage&hal.BufferUsageConstant != 0 {
		flags |= vk.BufferUsageUniformBufferBit
	}
	if usage&(hal.BufferUsageShaderTable|hal.BufferUsageStorage) != 0 {
		flags |= vk.BufferUsageStorageBufferBit
	}
	if usage&hal.BufferUsageVertex != 0 {
		flags |= vk.BufferUsageVertexBufferBit
	}
	if usage&hal.BufferUsageIndex != 0 {
		flags |= vk.BufferUsageIndexBufferBit
	}
	return vk.BufferUsageFlags(flags)
}

func NewVulkanBuffer(context *VulkanContext, desc hal.BufferDesc) (*VulkanBuffer, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("buffer %q: zero size: %w", desc.Label, core.ErrInvalidState)
	}
	b := &VulkanBuffer{context: context, Label: desc.Label, size: desc.Size}
	device := context.Device.LogicalDevice

	bufferInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(desc.Size),
		Usage:       usageFlags(desc.Usage),
		SharingMode: vk.SharingModeExclusive,
	}
	var buffer vk.Buffer
	if res := vk.CreateBuffer(device, &bufferInfo, context.Allocator, &buffer); res != vk.Success {
		err := fmt.Errorf("failed to create buffer %q: %s", desc.Label, VulkanResultString(res, true))
		core.LogError(err.Error())
		return nil, err
	}
	b.Handle = buffer

	var memReqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(device, buffer, &memReqs)
	memReqs.Deref()

	memoryIndex := context.FindMemoryIndex(memReqs.MemoryTypeBits, uint32(vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit))
	if memoryIndex == -1 {
		b.Destroy()
		err := fmt.Errorf("buffer %q: no host visible memory type", desc.Label)
		core.LogError(err.Error())
		return nil, err
	}

	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: uint32(memoryIndex),
	}
	var memory vk.DeviceMemory
	if res := vk.AllocateMemory(device, &allocInfo, context.Allocator, &memory); res != vk.Success {
		b.Destroy()
		err := fmt.Errorf("failed to allocate memory for buffer %q: %s", desc.Label, VulkanResultString(res, true))
		core.LogError(err.Error())
		return nil, err
	}
	b.Memory = memory

	if res := vk.BindBufferMemory(device, buffer, memory, 0); res != vk.Success {
		b.Destroy()
		err := fmt.Errorf("failed to bind memory for buffer %q: %s", desc.Label, VulkanResultString(res, true))
		core.LogError(err.Error())
		return nil, err
	}

	var data unsafe.Pointer
	if res := vk.MapMemory(device, memory, 0, vk.DeviceSize(desc.Size), 0, &data); res != vk.Success {
		b.Destroy()
		err := fmt.Errorf("failed to map buffer %q: %s", desc.Label, VulkanResultString(res, true))
		core.LogError(err.Error())
		return nil, err
	}
	b.mapped = unsafe.Slice((*byte)(data), desc.Size)
	b.address = context.reserveGPUAddress(desc.Size)
	return b, nil
}

func (b *VulkanBuffer) Size() uint64 {
	return b.size
}

func (b *VulkanBuffer) GPUAddress() uint64 {
	return b.address
}

func (b *VulkanBuffer) Mapped() []byte {
	return b.mapped
}

func (b *VulkanBuffer) Destroy() {
	device := b.context.Device.LogicalDevice
	if b.mapped != nil {
		vk.UnmapMemory(device, b.Memory)
		b.mapped = nil
	}
	if b.Memory != nil {
		vk.FreeMemory(device, b.Memory, b.context.Allocator)
		b.Memory = nil
	}
	if b.Handle != nil {
		vk.DestroyBuffer(device, b.Handle, b.context.Allocator)
		b.Handle = nil
	}
}
