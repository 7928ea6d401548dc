package vulkan

import (
	"encoding/binary"
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

// VulkanShaderStage is a single shader module created from SPIR-V.
type VulkanShaderStage struct {
	/** @brief The shader module creation info. */
	CreateInfo vk.ShaderModuleCreateInfo
	/** @brief The internal shader module Handle. */
	Handle vk.ShaderModule
}

// NewShaderModule validates SPIR-V byte code by creating a module from it.
func NewShaderModule(context *VulkanContext, code []byte) (*VulkanShaderStage, error) {
	if len(code) < 4 || len(code)%4 != 0 {
		return nil, &hal.ShaderCompileError{Message: fmt.Sprintf("SPIR-V size %d is not a multiple of 4", len(code))}
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	if words[0] != spirvMagic {
		return nil, &hal.ShaderCompileError{Message: "library is not SPIR-V"}
	}

	stage := &VulkanShaderStage{}
	stage.CreateInfo = vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint64(len(code)),
		PCode:    words,
	}

	var module vk.ShaderModule
	err := context.Locks.SafeCall(PipelineManagement, func() error {
		if res := vk.CreateShaderModule(context.Device.LogicalDevice, &stage.CreateInfo, context.Allocator, &module); res != vk.Success {
			return &hal.ShaderCompileError{Message: fmt.Sprintf("vkCreateShaderModule: %s", VulkanResultString(res, true))}
		}
		return nil
	})
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	stage.Handle = module
	return stage, nil
}

func (s *VulkanShaderStage) Destroy(context *VulkanContext) {
	if s.Handle != nil {
		vk.DestroyShaderModule(context.Device.LogicalDevice, s.Handle, context.Allocator)
		s.Handle = nil
	}
}
