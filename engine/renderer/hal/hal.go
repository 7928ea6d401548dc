// Package hal is the boundary between the renderer core and a GPU backend.
// The frame and raytracing packages only ever talk to these interfaces; the
// soft and vulkan packages implement them.
package hal

// Limits reports the hardware constants the shader table layout depends on.
type Limits struct {
	// Size in bytes of the opaque identifier prefix of every shader record.
	ShaderIdentifierSize uint32
	// Required alignment of a shader table start address and record stride.
	ShaderTableAlignment uint32
	// Required alignment of an individual record.
	ShaderRecordAlignment uint32
	// Required alignment for constant buffer views.
	ConstantBufferAlignment uint32
	// Size in bytes of one descriptor inside a heap.
	DescriptorSize    uint32
	MaxRecursionDepth uint32
}

// Device creates GPU objects and executes submitted work asynchronously.
type Device interface {
	Name() string
	Limits() Limits

	CreateTimeline() (Timeline, error)
	CreateCommandList() (CommandList, error)
	// Submit enqueues closed lists in order and signals value on timeline once
	// all of them have finished executing.
	Submit(lists []CommandList, timeline Timeline, value uint64) error

	CreateBuffer(desc BufferDesc) (Buffer, error)
	CreateDescriptorHeap(desc DescriptorHeapDesc) (DescriptorHeap, error)
	CreateRayTracingPipeline(desc *RayTracingPipelineDesc) (RayTracingPipeline, error)
	CreateBottomLevel(desc *BottomLevelDesc) (AccelerationStructure, error)
	CreateTopLevel(desc *TopLevelDesc) (AccelerationStructure, error)

	// Present hands the finished frame to the presentation engine.
	Present() error
	Destroy()
}

// Timeline is a monotonically increasing GPU completion counter.
type Timeline interface {
	// Completed returns the last value the GPU has signaled. A lost device
	// reports an error wrapping core.ErrDeviceLost.
	Completed() (uint64, error)
	// Wait blocks until Completed() >= value. There is no timeout.
	Wait(value uint64) error
	Destroy()
}

// CommandList records GPU commands. Recording calls never fail on their own;
// the first recording error is reported by Close.
type CommandList interface {
	Reset() error
	Close() error

	SetDescriptorHeap(heap DescriptorHeap)
	SetRayTracingPipeline(pipeline RayTracingPipeline)
	// SetGlobalBindings binds the pipeline-wide layout, one 8-byte handle per
	// declared global binding.
	SetGlobalBindings(handles []uint64)
	BuildAccelerationStructure(as AccelerationStructure)
	DispatchRays(desc *DispatchRaysDesc)

	Destroy()
}

type BufferUsage uint32

const (
	BufferUsageConstant BufferUsage = 1 << iota
	BufferUsageShaderTable
	BufferUsageVertex
	BufferUsageIndex
	BufferUsageStorage
)

type BufferDesc struct {
	Label string
	Size  uint64
	Usage BufferUsage
}

// Buffer is host visible and persistently mapped.
type Buffer interface {
	Size() uint64
	GPUAddress() uint64
	Mapped() []byte
	Destroy()
}

type ResourceKind uint8

const (
	// ResourceReadOnly is a readable buffer or texture (SRV).
	ResourceReadOnly ResourceKind = iota
	// ResourceReadWrite is a writable buffer or texture (UAV).
	ResourceReadWrite
	ResourceSampler
	// ResourceConstant is a small constant block (CBV).
	ResourceConstant
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceReadOnly:
		return "SRV"
	case ResourceReadWrite:
		return "UAV"
	case ResourceSampler:
		return "Sampler"
	case ResourceConstant:
		return "CBV"
	}
	return "Unknown"
}

// Descriptor is a view of a resource as it is stored inside a heap slot.
type Descriptor struct {
	Kind    ResourceKind
	Address uint64
	Size    uint64
}

type DescriptorHeapDesc struct {
	Label         string
	Capacity      uint32
	ShaderVisible bool
}

type DescriptorHeap interface {
	Capacity() uint32
	ShaderVisible() bool
	CPUHandle(slot uint32) uint64
	// GPUHandle is zero for heaps that are not shader visible.
	GPUHandle(slot uint32) uint64
	Write(slot uint32, desc Descriptor) error
	Read(slot uint32) (Descriptor, error)
	// CopyFrom copies count descriptors starting at srcSlot of src into this
	// heap starting at dstSlot.
	CopyFrom(dstSlot uint32, src DescriptorHeap, srcSlot, count uint32) error
	Destroy()
}
