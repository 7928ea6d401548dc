package hal

import (
	"fmt"

	"github.com/spaghettifunk/anima-rt/engine/core"
)

type ShaderKind uint8

const (
	ShaderRayGeneration ShaderKind = iota
	ShaderMiss
	ShaderClosestHit
	ShaderAnyHit
)

func (k ShaderKind) String() string {
	switch k {
	case ShaderRayGeneration:
		return "raygen"
	case ShaderMiss:
		return "miss"
	case ShaderClosestHit:
		return "closesthit"
	case ShaderAnyHit:
		return "anyhit"
	}
	return "unknown"
}

type ShaderDesc struct {
	Name string
	Kind ShaderKind
}

type HitGroupDesc struct {
	Name       string
	ClosestHit string
	// AnyHit is optional.
	AnyHit string
}

type BindingDesc struct {
	Name     string
	Kind     ResourceKind
	Register uint32
	Space    uint32
}

// LocalLayoutDesc is the root signature of one shader table export (a
// ray generation shader, a miss shader or a hit group).
type LocalLayoutDesc struct {
	Export   string
	Bindings []BindingDesc
}

type RayTracingPipelineDesc struct {
	Label string
	// Library is the compiled shader library.
	Library           []byte
	Shaders           []ShaderDesc
	HitGroups         []HitGroupDesc
	GlobalLayout      []BindingDesc
	LocalLayouts      []LocalLayoutDesc
	MaxRecursionDepth uint32
	MaxPayloadSize    uint32
	MaxAttributeSize  uint32
}

type RayTracingPipeline interface {
	// ShaderIdentifier returns the Limits.ShaderIdentifierSize bytes that
	// identify export inside a shader table record.
	ShaderIdentifier(export string) ([]byte, error)
	Destroy()
}

// TableRange describes one region of a shader table in GPU address space.
type TableRange struct {
	Address uint64
	Size    uint64
	Stride  uint64
}

type DispatchRaysDesc struct {
	RayGeneration TableRange
	Miss          TableRange
	HitGroups     TableRange
	Width         uint32
	Height        uint32
	Depth         uint32
}

type AccelerationLevel uint8

const (
	BottomLevel AccelerationLevel = iota
	TopLevel
)

type BottomLevelDesc struct {
	Label        string
	Vertices     Buffer
	VertexCount  uint32
	VertexStride uint32
	// Indices is optional; nil means non-indexed triangles.
	Indices    Buffer
	IndexCount uint32
}

type InstanceDesc struct {
	BottomLevel AccelerationStructure
	// Row-major 3x4 object to world transform.
	Transform  [12]float32
	InstanceID uint32
	Mask       uint8
	// HitGroupOffset is the instance's contribution to the hit group record
	// index, in records.
	HitGroupOffset uint32
}

type TopLevelDesc struct {
	Label     string
	Instances []InstanceDesc
}

type AccelerationStructure interface {
	Level() AccelerationLevel
	GPUAddress() uint64
	// InstanceCount is the number of instances of a top-level structure and
	// zero for a bottom-level one.
	InstanceCount() uint32
	Destroy()
}

// ShaderCompileError is returned by CreateRayTracingPipeline when the library
// cannot be turned into a pipeline. It is recoverable.
type ShaderCompileError struct {
	Export  string
	Line    int
	Message string
}

func (e *ShaderCompileError) Error() string {
	switch {
	case e.Line > 0:
		return fmt.Sprintf("shader library line %d: %s", e.Line, e.Message)
	case e.Export != "":
		return fmt.Sprintf("export %q: %s", e.Export, e.Message)
	}
	return e.Message
}

func (e *ShaderCompileError) Unwrap() error {
	return core.ErrPipelineBuild
}
