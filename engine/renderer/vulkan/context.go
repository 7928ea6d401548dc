package vulkan

import (
	"sync/atomic"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rt/engine/core"
)

// Synthetic address ranges. The goki binding predates buffer device
// addresses, so shader table handles are assigned by the backend.
const (
	gpuAddressBase uint64 = 0x2_0000_0000
	cpuHandleBase  uint64 = 0x7e00_0000_0000
	addressAlign   uint64 = 64 * 1024
)

type VulkanContext struct {
	Instance  vk.Instance
	Allocator *vk.AllocationCallbacks

	// TODO: only in DEBUG mode
	debugMessenger vk.DebugReportCallback

	Device *VulkanDevice
	Locks  *VulkanLockPool

	nextGPUAddress atomic.Uint64
	nextCPUHandle  atomic.Uint64
}

func newVulkanContext() *VulkanContext {
	c := &VulkanContext{
		Allocator: nil,
		Device:    &VulkanDevice{},
		Locks:     NewVulkanLockPool(),
	}
	c.nextGPUAddress.Store(gpuAddressBase)
	c.nextCPUHandle.Store(cpuHandleBase)
	return c
}

func (vc *VulkanContext) reserveGPUAddress(size uint64) uint64 {
	size = (size + addressAlign - 1) / addressAlign * addressAlign
	return vc.nextGPUAddress.Add(size) - size
}

func (vc *VulkanContext) reserveCPUHandles(size uint64) uint64 {
	return vc.nextCPUHandle.Add(size) - size
}

func (vc *VulkanContext) FindMemoryIndex(typeFilter, propertyFlags uint32) int32 {
	var memoryProperties vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(vc.Device.PhysicalDevice, &memoryProperties)
	memoryProperties.Deref()

	for i := uint32(0); i < memoryProperties.MemoryTypeCount; i++ {
		// Check each memory type to see if its bit is set to 1.
		memoryProperties.MemoryTypes[i].Deref()
		if (typeFilter&(1<<i)) != 0 && (uint32(memoryProperties.MemoryTypes[i].PropertyFlags)&propertyFlags) == propertyFlags {
			return int32(i)
		}
	}
	core.LogWarn("Unable to find suitable memory type!")
	return -1
}
