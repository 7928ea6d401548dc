package soft

import (
	"fmt"
	"sync/atomic"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

const accelerationStructureSize = 256

type AccelerationStructure struct {
	dev       *Device
	level     hal.AccelerationLevel
	label     string
	address   uint64
	instances []hal.InstanceDesc
	built     atomic.Bool
	destroyed atomic.Bool
}

func (a *AccelerationStructure) Level() hal.AccelerationLevel {
	return a.level
}

func (a *AccelerationStructure) GPUAddress() uint64 {
	return a.address
}

func (a *AccelerationStructure) InstanceCount() uint32 {
	return uint32(len(a.instances))
}

// Built reports whether a build command for this structure has executed.
func (a *AccelerationStructure) Built() bool {
	return a.built.Load()
}

func (a *AccelerationStructure) Destroy() {
	if a.destroyed.Swap(true) {
		return
	}
	a.dev.memory.release(a.address)
}

func (d *Device) CreateBottomLevel(desc *hal.BottomLevelDesc) (hal.AccelerationStructure, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	if desc.Vertices == nil || desc.VertexCount == 0 {
		return nil, fmt.Errorf("bottom level %q: no vertices: %w", desc.Label, core.ErrInvalidState)
	}
	if desc.VertexStride < 12 {
		return nil, fmt.Errorf("bottom level %q: vertex stride %d is smaller than a position: %w", desc.Label, desc.VertexStride, core.ErrInvalidState)
	}
	if uint64(desc.VertexCount)*uint64(desc.VertexStride) > desc.Vertices.Size() {
		return nil, fmt.Errorf("bottom level %q: %d vertices do not fit in %d bytes: %w", desc.Label, desc.VertexCount, desc.Vertices.Size(), core.ErrRecordOutOfRange)
	}
	primitives := desc.VertexCount
	if desc.Indices != nil {
		if uint64(desc.IndexCount)*4 > desc.Indices.Size() {
			return nil, fmt.Errorf("bottom level %q: %d indices do not fit in %d bytes: %w", desc.Label, desc.IndexCount, desc.Indices.Size(), core.ErrRecordOutOfRange)
		}
		primitives = desc.IndexCount
	}
	if primitives%3 != 0 {
		return nil, fmt.Errorf("bottom level %q: %d is not a triangle list: %w", desc.Label, primitives, core.ErrInvalidState)
	}

	as := &AccelerationStructure{dev: d, level: hal.BottomLevel, label: desc.Label}
	as.address = d.memory.reserve(accelerationStructureSize, nil, as)
	return as, nil
}

func (d *Device) CreateTopLevel(desc *hal.TopLevelDesc) (hal.AccelerationStructure, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	for i, inst := range desc.Instances {
		blas, ok := inst.BottomLevel.(*AccelerationStructure)
		if !ok || blas.level != hal.BottomLevel {
			return nil, fmt.Errorf("top level %q: instance %d does not reference a bottom level structure: %w", desc.Label, i, core.ErrInvalidState)
		}
	}
	as := &AccelerationStructure{
		dev:       d,
		level:     hal.TopLevel,
		label:     desc.Label,
		instances: append([]hal.InstanceDesc(nil), desc.Instances...),
	}
	as.address = d.memory.reserve(accelerationStructureSize, nil, as)
	return as, nil
}

func (a *AccelerationStructure) build() error {
	if a.destroyed.Load() {
		return fmt.Errorf("build of destroyed acceleration structure %q", a.label)
	}
	for i, inst := range a.instances {
		blas := inst.BottomLevel.(*AccelerationStructure)
		if blas.destroyed.Load() || !blas.built.Load() {
			return fmt.Errorf("top level %q: instance %d references bottom level %q that is not built", a.label, i, blas.label)
		}
	}
	a.built.Store(true)
	return nil
}
