package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

type VulkanCommandBufferState int

const (
	COMMAND_BUFFER_STATE_READY VulkanCommandBufferState = iota
	COMMAND_BUFFER_STATE_RECORDING
	COMMAND_BUFFER_STATE_RECORDING_ENDED
	COMMAND_BUFFER_STATE_SUBMITTED
	COMMAND_BUFFER_STATE_NOT_ALLOCATED
)

// VulkanCommandBuffer implements hal.CommandList on top of a primary
// command buffer.
type VulkanCommandBuffer struct {
	context *VulkanContext
	Handle  vk.CommandBuffer
	// Command buffer state.
	State VulkanCommandBufferState

	err error
}

func NewVulkanCommandBuffer(context *VulkanContext, pool vk.CommandPool, isPrimary bool) (*VulkanCommandBuffer, error) {
	vCommandBuffer := &VulkanCommandBuffer{
		context: context,
		State:   COMMAND_BUFFER_STATE_NOT_ALLOCATED,
	}

	level := vk.CommandBufferLevelSecondary
	if isPrimary {
		level = vk.CommandBufferLevelPrimary
	}

	allocateInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		CommandBufferCount: 1,
		Level:              level,
		PNext:              nil,
	}

	handles := make([]vk.CommandBuffer, 1)
	err := context.Locks.SafeCall(CommandBufferManagement, func() error {
		if res := vk.AllocateCommandBuffers(context.Device.LogicalDevice, &allocateInfo, handles); res != vk.Success {
			err := fmt.Errorf("failed to allocate command buffer: %s", VulkanResultString(res, false))
			core.LogError(err.Error())
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	vCommandBuffer.Handle = handles[0]
	vCommandBuffer.State = COMMAND_BUFFER_STATE_READY

	return vCommandBuffer, nil
}

func (v *VulkanCommandBuffer) Free(pool vk.CommandPool) {
	_ = v.context.Locks.SafeCall(CommandBufferManagement, func() error {
		vk.FreeCommandBuffers(v.context.Device.LogicalDevice, pool, 1, []vk.CommandBuffer{v.Handle})
		return nil
	})
	v.Handle = nil
	v.State = COMMAND_BUFFER_STATE_NOT_ALLOCATED
}

func (v *VulkanCommandBuffer) Begin(isSingleUse, isSimultaneousUse bool) error {
	vBeginInfo := &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: 0,
	}
	if isSingleUse {
		vBeginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit)
	}
	if isSimultaneousUse {
		vBeginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageSimultaneousUseBit)
	}

	if res := vk.BeginCommandBuffer(v.Handle, vBeginInfo); res != vk.Success {
		err := fmt.Errorf("failed to begin command buffer: %s", VulkanResultString(res, false))
		core.LogError(err.Error())
		return err
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING
	return nil
}

func (v *VulkanCommandBuffer) End() error {
	if res := vk.EndCommandBuffer(v.Handle); res != vk.Success {
		err := fmt.Errorf("failed to end command buffer: %s", VulkanResultString(res, false))
		core.LogError(err.Error())
		return err
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING_ENDED
	return nil
}

func (v *VulkanCommandBuffer) UpdateSubmitted() {
	v.State = COMMAND_BUFFER_STATE_SUBMITTED
}

// Reset implements hal.CommandList: the buffer is reset and recording begins.
func (v *VulkanCommandBuffer) Reset() error {
	if v.State == COMMAND_BUFFER_STATE_NOT_ALLOCATED {
		return fmt.Errorf("reset of a freed command buffer: %w", core.ErrInvalidState)
	}
	if res := vk.ResetCommandBuffer(v.Handle, 0); res != vk.Success {
		err := fmt.Errorf("failed to reset command buffer: %s", VulkanResultString(res, false))
		core.LogError(err.Error())
		return err
	}
	v.State = COMMAND_BUFFER_STATE_READY
	v.err = nil
	return v.Begin(true, false)
}

func (v *VulkanCommandBuffer) Close() error {
	if v.State != COMMAND_BUFFER_STATE_RECORDING {
		return fmt.Errorf("close of a command buffer that is not recording: %w", core.ErrInvalidState)
	}
	if err := v.End(); err != nil {
		return err
	}
	return v.err
}

func (v *VulkanCommandBuffer) fail(err error) {
	if v.err == nil {
		v.err = err
	}
}

// Descriptor heaps are emulated on the host, so binding them records nothing.
func (v *VulkanCommandBuffer) SetDescriptorHeap(heap hal.DescriptorHeap) {
	if _, ok := heap.(*VulkanDescriptorHeap); !ok {
		v.fail(fmt.Errorf("descriptor heap %T does not belong to the vulkan device", heap))
	}
}

func (v *VulkanCommandBuffer) SetGlobalBindings(handles []uint64) {}

func (v *VulkanCommandBuffer) SetRayTracingPipeline(pipeline hal.RayTracingPipeline) {
	v.fail(fmt.Errorf("ray tracing pipelines: %w", core.ErrUnsupported))
}

func (v *VulkanCommandBuffer) BuildAccelerationStructure(as hal.AccelerationStructure) {
	v.fail(fmt.Errorf("acceleration structure builds: %w", core.ErrUnsupported))
}

func (v *VulkanCommandBuffer) DispatchRays(desc *hal.DispatchRaysDesc) {
	v.fail(fmt.Errorf("ray dispatch: %w", core.ErrUnsupported))
}

func (v *VulkanCommandBuffer) Destroy() {
	if v.Handle != nil {
		v.Free(v.context.Device.CommandPool)
	}
}

// AllocateAndBeginSingleUse allocates a primary buffer and begins recording.
func AllocateAndBeginSingleUse(context *VulkanContext, pool vk.CommandPool) (*VulkanCommandBuffer, error) {
	cb, err := NewVulkanCommandBuffer(context, pool, true)
	if err != nil {
		return nil, err
	}
	if err := cb.Begin(true, false); err != nil {
		return nil, err
	}
	return cb, nil
}

// EndSingleUse ends recording, submits to and waits for the queue, then
// frees the command buffer.
func (v *VulkanCommandBuffer) EndSingleUse(pool vk.CommandPool, queue vk.Queue) error {
	if err := v.End(); err != nil {
		return err
	}

	submitInfo := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{v.Handle},
	}

	err := v.context.Locks.SafeQueueCall(uint32(v.context.Device.QueueIndex), func() error {
		if res := vk.QueueSubmit(queue, 1, []vk.SubmitInfo{submitInfo}, nil); res != vk.Success {
			return fmt.Errorf("failed submit info to queue: %s", VulkanResultString(res, true))
		}
		// Wait for it to finish
		if res := vk.QueueWaitIdle(queue); res != vk.Success {
			return fmt.Errorf("queue failed to wait in idle mode: %s", VulkanResultString(res, true))
		}
		return nil
	})
	if err != nil {
		core.LogError(err.Error())
		return err
	}

	v.Free(pool)
	return nil
}
