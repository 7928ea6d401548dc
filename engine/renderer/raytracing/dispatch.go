package raytracing

import (
	"fmt"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/frame"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

// Scene is the top-level acceleration structure rays are traced against.
type Scene interface {
	InstanceCount() uint32
	GPUAddress() uint64
}

// SetScene binds the top-level structure checked by Dispatch.
func (p *Pipeline) SetScene(scene Scene) {
	p.scene = scene
}

// Dispatch binds the global layout and the pipeline object and traces a
// width x height grid of rays against the current frame's table.
func (p *Pipeline) Dispatch(cb *frame.CommandBuffer, width, height uint32) error {
	if p.object == nil {
		return fmt.Errorf("pipeline %q: dispatch: %w", p.label, core.ErrNoPipeline)
	}
	if p.scene == nil {
		return fmt.Errorf("pipeline %q: dispatch without a scene: %w", p.label, core.ErrInvalidState)
	}
	if n := p.scene.InstanceCount(); n != p.numInstances {
		err := fmt.Errorf("pipeline %q: scene has %d instances, shader table has %d: %w", p.label, n, p.numInstances, core.ErrInstanceCountMismatch)
		core.LogError(err.Error())
		return err
	}
	if w := p.written[p.slot]; w.frame != p.frame || w.build != p.buildID {
		return fmt.Errorf("pipeline %q: shader table of frame %d has not been written: %w", p.label, p.frame, core.ErrInvalidState)
	}
	if width == 0 || height == 0 {
		return fmt.Errorf("pipeline %q: empty dispatch %dx%d: %w", p.label, width, height, core.ErrInvalidState)
	}
	list, err := cb.Commands()
	if err != nil {
		return err
	}

	globals := make([]uint64, len(p.values[0]))
	for i, b := range p.values[0] {
		globals[i] = b.handle
	}
	rayGen, miss, hitGroups := p.table.Ranges(p.slot)

	list.SetDescriptorHeap(p.frames.DescriptorHeap())
	list.SetRayTracingPipeline(p.object)
	list.SetGlobalBindings(globals)
	list.DispatchRays(&hal.DispatchRaysDesc{
		RayGeneration: rayGen,
		Miss:          miss,
		HitGroups:     hitGroups,
		Width:         width,
		Height:        height,
		Depth:         1,
	})
	core.LogDebug("pipeline %q: dispatch %dx%d in frame %d", p.label, width, height, p.frame)
	return nil
}
