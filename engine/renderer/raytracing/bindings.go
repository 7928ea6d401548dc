package raytracing

import (
	"fmt"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

// Resource is what a caller hands the table for one binding: either a
// descriptor staged in some heap, or a raw GPU virtual address.
type Resource struct {
	kind    hal.ResourceKind
	heap    hal.DescriptorHeap
	slot    uint32
	address uint64
	staged  bool
}

// FromDescriptor refers to a descriptor in a (usually CPU only) heap. Every
// set copies it into the shader visible ring of the current frame.
func FromDescriptor(heap hal.DescriptorHeap, slot uint32) Resource {
	return Resource{heap: heap, slot: slot, staged: true}
}

// FromAddress binds a GPU virtual address directly, for constant data and
// acceleration structures. It stays valid across frames.
func FromAddress(kind hal.ResourceKind, address uint64) Resource {
	return Resource{kind: kind, address: address}
}

type binding struct {
	handle uint64
	// frame the handle was produced in. Only transient handles go stale.
	frame     uint64
	transient bool
	set       bool
}

func (p *Pipeline) resolve(r Resource, want hal.ResourceKind, what string) (binding, error) {
	if !r.staged {
		if r.kind != want {
			return binding{}, fmt.Errorf("pipeline %q: %s is %s, resource is %s: %w", p.label, what, want, r.kind, core.ErrBindingMismatch)
		}
		return binding{handle: r.address, frame: p.frame, set: true}, nil
	}

	if r.heap == nil {
		return binding{}, fmt.Errorf("pipeline %q: %s: descriptor without a heap: %w", p.label, what, core.ErrBindingMismatch)
	}
	desc, err := r.heap.Read(r.slot)
	if err != nil {
		return binding{}, fmt.Errorf("pipeline %q: %s: %w", p.label, what, err)
	}
	if desc.Kind != want {
		return binding{}, fmt.Errorf("pipeline %q: %s is %s, descriptor is %s: %w", p.label, what, want, desc.Kind, core.ErrBindingMismatch)
	}
	rng, err := p.frames.AllocateDescriptors(1)
	if err != nil {
		return binding{}, err
	}
	if err := rng.Heap().CopyFrom(rng.First, r.heap, r.slot, 1); err != nil {
		return binding{}, fmt.Errorf("pipeline %q: %s: %w", p.label, what, err)
	}
	return binding{handle: rng.GPU, frame: rng.Frame, transient: true, set: true}, nil
}

func (p *Pipeline) checkOpen(op string) error {
	if p.table == nil {
		return fmt.Errorf("pipeline %q: %s: %w", p.label, op, core.ErrNoPipeline)
	}
	if !p.tableOpen {
		return fmt.Errorf("pipeline %q: %s outside BeginTable/EndTable: %w", p.label, op, core.ErrInvalidState)
	}
	return nil
}

// BeginTable opens the shader table of the current frame. Instance bindings
// are cleared; global and stage bindings carry over but transient handles
// have to be set again.
func (p *Pipeline) BeginTable() error {
	if p.table == nil {
		return fmt.Errorf("pipeline %q: begin table before the first build: %w", p.label, core.ErrNoPipeline)
	}
	if p.tableOpen {
		return fmt.Errorf("pipeline %q: table of frame %d is already open: %w", p.label, p.frame, core.ErrInvalidState)
	}
	for i := range p.instances {
		p.instances[i] = p.instances[i][:0]
		p.started[i] = false
	}
	p.tableOpen = true
	return nil
}

func (p *Pipeline) setSlot(slot BindingSlot, r Resource, allowed func(exportKind) bool, op string) error {
	if err := p.checkOpen(op); err != nil {
		return err
	}
	if slot.layout < 0 || slot.layout >= len(p.layouts) || slot.index >= len(p.layouts[slot.layout].bindings) {
		return fmt.Errorf("pipeline %q: %s: invalid slot: %w", p.label, op, core.ErrBindingMismatch)
	}
	l := p.layouts[slot.layout]
	if !allowed(l.kind) {
		return fmt.Errorf("pipeline %q: %s: binding of %s stage %q: %w", p.label, op, l.kind, l.stage, core.ErrBindingMismatch)
	}
	decl := l.bindings[slot.index]
	b, err := p.resolve(r, decl.Kind, fmt.Sprintf("binding %q of %q", decl.Name, l.stage))
	if err != nil {
		return err
	}
	p.values[slot.layout][slot.index] = b
	return nil
}

// SetGlobalBinding sets a binding of the global layout.
func (p *Pipeline) SetGlobalBinding(slot BindingSlot, r Resource) error {
	return p.setSlot(slot, r, func(k exportKind) bool { return k == exportGlobal }, "set global binding")
}

// SetStageBinding sets a binding of the ray generation shader or of a miss
// shader. Hit group bindings are per instance.
func (p *Pipeline) SetStageBinding(slot BindingSlot, r Resource) error {
	return p.setSlot(slot, r, func(k exportKind) bool {
		return k == exportRayGeneration || k == exportMiss
	}, "set stage binding")
}

func (p *Pipeline) instanceIndex(h HitGroupIndex, instance uint32) (int, error) {
	if int(h) >= len(p.hitGroups) {
		return 0, fmt.Errorf("pipeline %q: hit group %d of %d: %w", p.label, h, len(p.hitGroups), core.ErrRecordOutOfRange)
	}
	if instance >= p.numInstances {
		return 0, fmt.Errorf("pipeline %q: instance %d of %d: %w", p.label, instance, p.numInstances, core.ErrRecordOutOfRange)
	}
	return int(instance)*len(p.hitGroups) + int(h), nil
}

// ResetInstanceBindings starts the binding list of hit group h for one
// instance. It must precede the AddInstanceBinding calls for that pair.
func (p *Pipeline) ResetInstanceBindings(h HitGroupIndex, instance uint32) error {
	if err := p.checkOpen("reset instance bindings"); err != nil {
		return err
	}
	i, err := p.instanceIndex(h, instance)
	if err != nil {
		return err
	}
	p.instances[i] = p.instances[i][:0]
	p.started[i] = true
	return nil
}

// AddInstanceBinding appends the next binding of hit group h for instance.
// Bindings are written to the record in call order.
func (p *Pipeline) AddInstanceBinding(h HitGroupIndex, instance uint32, r Resource) error {
	if err := p.checkOpen("add instance binding"); err != nil {
		return err
	}
	i, err := p.instanceIndex(h, instance)
	if err != nil {
		return err
	}
	hg := p.hitGroups[h].Name
	if !p.started[i] {
		return fmt.Errorf("pipeline %q: add binding for %q instance %d before ResetInstanceBindings: %w", p.label, hg, instance, core.ErrInvalidState)
	}
	l := p.layouts[p.hits[h]]
	n := len(p.instances[i])
	if n >= len(l.bindings) {
		return fmt.Errorf("pipeline %q: hit group %q declares %d bindings, instance %d adds another: %w",
			p.label, hg, len(l.bindings), instance, core.ErrBindingMismatch)
	}
	decl := l.bindings[n]
	b, err := p.resolve(r, decl.Kind, fmt.Sprintf("binding %q of %q instance %d", decl.Name, hg, instance))
	if err != nil {
		return err
	}
	p.instances[i] = append(p.instances[i], b)
	return nil
}

func (p *Pipeline) checkBound(b binding, l *layout, i int) error {
	if !b.set {
		return fmt.Errorf("pipeline %q: binding %q of %s stage %q is not set: %w", p.label, l.bindings[i].Name, l.kind, l.stage, core.ErrBindingMismatch)
	}
	if b.transient && b.frame != p.frame {
		return fmt.Errorf("pipeline %q: binding %q of %q was set in frame %d, now in frame %d: %w",
			p.label, l.bindings[i].Name, l.stage, b.frame, p.frame, core.ErrStaleBinding)
	}
	return nil
}

func (p *Pipeline) writeRecord(index uint32, layoutIndex int, handles []binding) error {
	rec, err := p.table.Record(p.slot, index)
	if err != nil {
		return err
	}
	if err := rec.SetIdentifier(p.identifiers[layoutIndex]); err != nil {
		return err
	}
	rec.clear()
	for i, b := range handles {
		if err := rec.SetHandle(i, b.handle); err != nil {
			return err
		}
	}
	return nil
}

// EndTable checks every binding and writes the current frame's records:
// ray generation, misses, then every instance and hit group.
func (p *Pipeline) EndTable() error {
	if err := p.checkOpen("end table"); err != nil {
		return err
	}

	for li, l := range p.layouts {
		if l.kind == exportHitGroup {
			continue
		}
		for i, b := range p.values[li] {
			if err := p.checkBound(b, l, i); err != nil {
				core.LogError(err.Error())
				return err
			}
		}
	}
	for i, list := range p.instances {
		h := i % len(p.hitGroups)
		l := p.layouts[p.hits[h]]
		if len(list) != len(l.bindings) {
			err := fmt.Errorf("pipeline %q: hit group %q instance %d has %d of %d bindings: %w",
				p.label, l.stage, i/len(p.hitGroups), len(list), len(l.bindings), core.ErrBindingMismatch)
			core.LogError(err.Error())
			return err
		}
	}

	t := p.table
	if err := p.writeRecord(0, p.rayGen, p.values[p.rayGen]); err != nil {
		return err
	}
	for m, li := range p.misses {
		if err := p.writeRecord(t.MissRecord(uint32(m)), li, p.values[li]); err != nil {
			return err
		}
	}
	for i := uint32(0); i < t.numInstances; i++ {
		for h, li := range p.hits {
			idx := int(i)*len(p.hits) + h
			if err := p.writeRecord(t.HitGroupRecord(i, HitGroupIndex(h)), li, p.instances[idx]); err != nil {
				return err
			}
		}
	}

	p.written[p.slot] = tableWrite{frame: p.frame, build: p.buildID}
	p.tableOpen = false
	core.LogDebug("pipeline %q: frame %d table written to slot %d (%d records)", p.label, p.frame, p.slot, t.Records())
	return nil
}
