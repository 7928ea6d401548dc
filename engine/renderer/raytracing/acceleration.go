package raytracing

import (
	"fmt"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/frame"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

// Deferrer destroys GPU objects once no submitted frame can use them.
type Deferrer interface {
	Defer(fn func())
}

// AccelerationBuilder records acceleration structure builds for the scene
// layer. Bottom-level structures are identified by small reusable ids.
type AccelerationBuilder struct {
	device    hal.Device
	frames    Deferrer
	hitGroups uint32
	ids       *core.IdentifierPool
}

// NewAccelerationBuilder creates a builder for a pipeline with hitGroups hit
// groups per instance; instance i gets hit group record offset i*hitGroups.
func NewAccelerationBuilder(device hal.Device, frames Deferrer, hitGroups uint32) *AccelerationBuilder {
	return &AccelerationBuilder{
		device:    device,
		frames:    frames,
		hitGroups: hitGroups,
		ids:       core.NewIdentifierPool(64),
	}
}

type Geometry struct {
	Label        string
	Vertices     hal.Buffer
	VertexCount  uint32
	VertexStride uint32
	// Indices is optional, 32-bit.
	Indices    hal.Buffer
	IndexCount uint32
}

// BottomLevel is the acceleration structure of one mesh. It owns its
// geometry and outlives any top-level structure referencing it.
type BottomLevel struct {
	id        uint32
	label     string
	as        hal.AccelerationStructure
	builder   *AccelerationBuilder
	destroyed bool
}

func (b *BottomLevel) ID() uint32 {
	return b.id
}

func (b *BottomLevel) GPUAddress() uint64 {
	return b.as.GPUAddress()
}

func (b *BottomLevel) Destroy() {
	if b.destroyed {
		return
	}
	b.destroyed = true
	if err := b.builder.ids.Release(b.id); err != nil {
		core.LogWarn("bottom level %q: %s", b.label, err)
	}
	b.builder.frames.Defer(b.as.Destroy)
}

// BuildBottomLevel creates the structure for one mesh and records its build
// into cb.
func (ab *AccelerationBuilder) BuildBottomLevel(cb *frame.CommandBuffer, g Geometry) (*BottomLevel, error) {
	list, err := cb.Commands()
	if err != nil {
		return nil, err
	}
	as, err := ab.device.CreateBottomLevel(&hal.BottomLevelDesc{
		Label:        g.Label,
		Vertices:     g.Vertices,
		VertexCount:  g.VertexCount,
		VertexStride: g.VertexStride,
		Indices:      g.Indices,
		IndexCount:   g.IndexCount,
	})
	if err != nil {
		err = fmt.Errorf("failed to create bottom level %q: %w", g.Label, err)
		core.LogError(err.Error())
		return nil, err
	}
	list.BuildAccelerationStructure(as)

	b := &BottomLevel{label: g.Label, as: as, builder: ab}
	b.id = ab.ids.Acquire(b)
	core.LogDebug("bottom level %q (id %d) recorded", g.Label, b.id)
	return b, nil
}

type Instance struct {
	Mesh      *BottomLevel
	Transform math.Mat4
	// Mask of 0 means visible to every ray.
	Mask uint8
}

// TopLevel references bottom-level structures without owning them.
type TopLevel struct {
	as     hal.AccelerationStructure
	meshes []*BottomLevel
	frames Deferrer
}

func (t *TopLevel) InstanceCount() uint32 {
	return t.as.InstanceCount()
}

func (t *TopLevel) GPUAddress() uint64 {
	return t.as.GPUAddress()
}

// Mesh returns the bottom-level structure of instance i.
func (t *TopLevel) Mesh(i int) *BottomLevel {
	return t.meshes[i]
}

func (t *TopLevel) Destroy() {
	t.frames.Defer(t.as.Destroy)
}

// BuildTopLevel creates the scene structure and records its build into cb.
// The order of instances is the order of the hit group table.
func (ab *AccelerationBuilder) BuildTopLevel(cb *frame.CommandBuffer, label string, instances []Instance) (*TopLevel, error) {
	list, err := cb.Commands()
	if err != nil {
		return nil, err
	}
	desc := &hal.TopLevelDesc{Label: label, Instances: make([]hal.InstanceDesc, len(instances))}
	meshes := make([]*BottomLevel, len(instances))
	for i, inst := range instances {
		if inst.Mesh == nil || inst.Mesh.destroyed {
			return nil, fmt.Errorf("top level %q: instance %d has no live bottom level: %w", label, i, core.ErrInvalidState)
		}
		mask := inst.Mask
		if mask == 0 {
			mask = 0xFF
		}
		desc.Instances[i] = hal.InstanceDesc{
			BottomLevel:    inst.Mesh.as,
			Transform:      [12]float32(inst.Transform.Affine()),
			InstanceID:     uint32(i),
			Mask:           mask,
			HitGroupOffset: uint32(i) * ab.hitGroups,
		}
		meshes[i] = inst.Mesh
	}
	as, err := ab.device.CreateTopLevel(desc)
	if err != nil {
		err = fmt.Errorf("failed to create top level %q: %w", label, err)
		core.LogError(err.Error())
		return nil, err
	}
	list.BuildAccelerationStructure(as)
	core.LogDebug("top level %q recorded with %d instances", label, len(instances))
	return &TopLevel{as: as, meshes: meshes, frames: ab.frames}, nil
}
