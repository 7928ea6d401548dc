// Package vulkan is the goki/vulkan backend of the hal device interface. It
// runs headless: frames are paced with fences and presentation is a no-op.
// The binding exposes no ray tracing entry points, so pipeline creation,
// acceleration structures and dispatch report core.ErrUnsupported.
package vulkan

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

var (
	loaderOnce sync.Once
	loaderErr  error
)

type VulkanRenderer struct {
	context *VulkanContext
	appName string
	debug   bool
}

func New(appName string, debug bool) *VulkanRenderer {
	return &VulkanRenderer{
		context: newVulkanContext(),
		appName: appName,
		debug:   debug,
	}
}

func (vr *VulkanRenderer) Initialize() error {
	loaderOnce.Do(func() {
		if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
			loaderErr = fmt.Errorf("failed to load Vulkan library: %w", err)
			return
		}
		loaderErr = vk.Init()
	})
	if loaderErr != nil {
		core.LogError("failed to initialize vk: %s", loaderErr)
		return loaderErr
	}

	// Setup Vulkan instance.
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 1, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(vr.appName),
		PEngineName:        VulkanSafeString("Anima RT"),
	}

	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	requiredExtensions := []string{}
	if runtime.GOOS == "darwin" {
		requiredExtensions = append(requiredExtensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		createInfo.Flags |= 1
	}
	if vr.debug {
		requiredExtensions = append(requiredExtensions, vk.ExtDebugReportExtensionName)
		core.LogDebug("Required extensions: %v", requiredExtensions)
	}
	createInfo.EnabledExtensionCount = uint32(len(requiredExtensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(requiredExtensions)

	// Validation layers should only be enabled on non-release builds.
	requiredLayers := []string{}
	if vr.debug {
		found, err := hasInstanceLayer("VK_LAYER_KHRONOS_validation")
		if err != nil {
			return err
		}
		if found {
			requiredLayers = append(requiredLayers, "VK_LAYER_KHRONOS_validation")
		} else {
			core.LogWarn("Validation layer VK_LAYER_KHRONOS_validation is missing, continuing without it.")
		}
	}
	createInfo.EnabledLayerCount = uint32(len(requiredLayers))
	createInfo.PpEnabledLayerNames = VulkanSafeStrings(requiredLayers)

	var instance vk.Instance
	if res := vk.CreateInstance(&createInfo, vr.context.Allocator, &instance); res != vk.Success {
		err := fmt.Errorf("failed in creating the Vulkan Instance with error `%s`", VulkanResultString(res, true))
		core.LogError(err.Error())
		return err
	}
	vr.context.Instance = instance
	if err := vk.InitInstance(vr.context.Instance); err != nil {
		core.LogError(err.Error())
		return err
	}
	core.LogInfo("Vulkan Instance created.")

	if vr.debug {
		debugCreateInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit),
			PfnCallback: dbgCallbackFunc,
		}
		var dbg vk.DebugReportCallback
		if err := vk.Error(vk.CreateDebugReportCallback(vr.context.Instance, &debugCreateInfo, nil, &dbg)); err != nil {
			core.LogError("vk.CreateDebugReportCallback failed with %s", err)
			return err
		}
		vr.context.debugMessenger = dbg
		core.LogDebug("Vulkan debugger created.")
	}

	if err := DeviceCreate(vr.context); err != nil {
		return err
	}

	// One empty round trip proves the queue accepts work before the frame
	// loop starts relying on it.
	cb, err := AllocateAndBeginSingleUse(vr.context, vr.context.Device.CommandPool)
	if err != nil {
		return err
	}
	if err := cb.EndSingleUse(vr.context.Device.CommandPool, vr.context.Device.Queue); err != nil {
		return err
	}

	core.LogInfo("Vulkan renderer initialized successfully.")
	return nil
}

func hasInstanceLayer(name string) (bool, error) {
	var count uint32
	if res := vk.EnumerateInstanceLayerProperties(&count, nil); res != vk.Success {
		return false, fmt.Errorf("failed to enumerate instance layers: %s", VulkanResultString(res, false))
	}
	layers := make([]vk.LayerProperties, count)
	if res := vk.EnumerateInstanceLayerProperties(&count, layers); res != vk.Success {
		return false, fmt.Errorf("failed to enumerate instance layers: %s", VulkanResultString(res, false))
	}
	for i := range layers {
		layers[i].Deref()
		if cString(layers[i].LayerName[:]) == name {
			return true, nil
		}
	}
	return false, nil
}

func (vr *VulkanRenderer) Name() string {
	return "vulkan"
}

func (vr *VulkanRenderer) Limits() hal.Limits {
	cbAlignment := uint32(vr.context.Device.Properties.Limits.MinUniformBufferOffsetAlignment)
	if cbAlignment < 256 {
		cbAlignment = 256
	}
	return hal.Limits{
		ShaderIdentifierSize:    VULKAN_SHADER_GROUP_HANDLE_SIZE,
		ShaderTableAlignment:    VULKAN_SHADER_GROUP_BASE_ALIGNMENT,
		ShaderRecordAlignment:   VULKAN_SHADER_GROUP_HANDLE_ALIGNMENT,
		ConstantBufferAlignment: cbAlignment,
		DescriptorSize:          VULKAN_DESCRIPTOR_SIZE,
		MaxRecursionDepth:       1,
	}
}

func (vr *VulkanRenderer) CreateTimeline() (hal.Timeline, error) {
	return NewVulkanTimeline(vr.context), nil
}

func (vr *VulkanRenderer) CreateCommandList() (hal.CommandList, error) {
	return NewVulkanCommandBuffer(vr.context, vr.context.Device.CommandPool, true)
}

func (vr *VulkanRenderer) Submit(lists []hal.CommandList, timeline hal.Timeline, value uint64) error {
	tl, ok := timeline.(*VulkanTimeline)
	if !ok {
		return fmt.Errorf("timeline %T does not belong to the vulkan device: %w", timeline, core.ErrInvalidState)
	}
	handles := make([]vk.CommandBuffer, 0, len(lists))
	buffers := make([]*VulkanCommandBuffer, 0, len(lists))
	for i, l := range lists {
		cb, ok := l.(*VulkanCommandBuffer)
		if !ok {
			return fmt.Errorf("command list %d does not belong to the vulkan device: %w", i, core.ErrInvalidState)
		}
		if cb.State != COMMAND_BUFFER_STATE_RECORDING_ENDED {
			return fmt.Errorf("command list %d submitted while open: %w", i, core.ErrInvalidState)
		}
		handles = append(handles, cb.Handle)
		buffers = append(buffers, cb)
	}

	return vr.context.Locks.SafeQueueCall(uint32(vr.context.Device.QueueIndex), func() error {
		fence, err := tl.signalFence(value)
		if err != nil {
			return err
		}
		submitInfo := vk.SubmitInfo{
			SType:              vk.StructureTypeSubmitInfo,
			CommandBufferCount: uint32(len(handles)),
			PCommandBuffers:    handles,
		}
		res := vk.QueueSubmit(vr.context.Device.Queue, 1, []vk.SubmitInfo{submitInfo}, fence.Handle)
		switch res {
		case vk.Success:
		case vk.ErrorDeviceLost:
			err := fmt.Errorf("vkQueueSubmit: %w", core.ErrDeviceLost)
			tl.abandon(err)
			core.LogError(err.Error())
			return err
		default:
			err := fmt.Errorf("vkQueueSubmit: %s", VulkanResultString(res, true))
			tl.abandon(err)
			core.LogError(err.Error())
			return err
		}
		for _, cb := range buffers {
			cb.UpdateSubmitted()
		}
		return nil
	})
}

func (vr *VulkanRenderer) CreateBuffer(desc hal.BufferDesc) (hal.Buffer, error) {
	var b *VulkanBuffer
	err := vr.context.Locks.SafeCall(BufferManagement, func() error {
		var err error
		b, err = NewVulkanBuffer(vr.context, desc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (vr *VulkanRenderer) CreateDescriptorHeap(desc hal.DescriptorHeapDesc) (hal.DescriptorHeap, error) {
	return NewVulkanDescriptorHeap(vr.context, desc)
}

// CreateRayTracingPipeline validates the library as SPIR-V, then reports
// that ray tracing pipelines cannot be created through this binding.
func (vr *VulkanRenderer) CreateRayTracingPipeline(desc *hal.RayTracingPipelineDesc) (hal.RayTracingPipeline, error) {
	stage, err := NewShaderModule(vr.context, desc.Library)
	if err != nil {
		return nil, err
	}
	stage.Destroy(vr.context)
	return nil, fmt.Errorf("ray tracing pipeline %q: %w", desc.Label, core.ErrUnsupported)
}

func (vr *VulkanRenderer) CreateBottomLevel(desc *hal.BottomLevelDesc) (hal.AccelerationStructure, error) {
	return nil, fmt.Errorf("bottom level %q: %w", desc.Label, core.ErrUnsupported)
}

func (vr *VulkanRenderer) CreateTopLevel(desc *hal.TopLevelDesc) (hal.AccelerationStructure, error) {
	return nil, fmt.Errorf("top level %q: %w", desc.Label, core.ErrUnsupported)
}

// Present is a no-op without a surface.
func (vr *VulkanRenderer) Present() error {
	return nil
}

func (vr *VulkanRenderer) Destroy() {
	if vr.context.Device.LogicalDevice != nil {
		vk.DeviceWaitIdle(vr.context.Device.LogicalDevice)
	}

	// Destroy in the opposite order of creation.
	DeviceDestroy(vr.context)

	if vr.context.debugMessenger != nil {
		core.LogDebug("Destroying Vulkan debugger...")
		vk.DestroyDebugReportCallback(vr.context.Instance, vr.context.debugMessenger, vr.context.Allocator)
		vr.context.debugMessenger = nil
	}

	if vr.context.Instance != nil {
		core.LogDebug("Destroying Vulkan instance...")
		vk.DestroyInstance(vr.context.Instance, vr.context.Allocator)
		vr.context.Instance = nil
	}
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("ERROR: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		core.LogWarn("WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogDebug("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}
