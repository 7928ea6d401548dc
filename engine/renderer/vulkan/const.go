package vulkan

// Maximum number of submissions whose fences are tracked at once. Older
// submissions are waited on when the ring is full.
const VULKAN_MAX_PENDING_SUBMISSIONS int = 64

// Limits reported for the shader table layout. They mirror the values of
// the ray tracing pipeline extension on current hardware.
const (
	VULKAN_SHADER_GROUP_HANDLE_SIZE      uint32 = 32
	VULKAN_SHADER_GROUP_BASE_ALIGNMENT   uint32 = 64
	VULKAN_SHADER_GROUP_HANDLE_ALIGNMENT uint32 = 32
	VULKAN_DESCRIPTOR_SIZE               uint32 = 32
)

const spirvMagic uint32 = 0x07230203
