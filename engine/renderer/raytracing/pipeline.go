package raytracing

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/frame"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

// Frames is the part of the frame orchestrator a pipeline depends on.
type Frames interface {
	Frame() uint64
	NumFrames() uint32
	DescriptorHeap() hal.DescriptorHeap
	AllocateDescriptors(count uint32) (frame.DescriptorRange, error)
	Track(a frame.Advancer) error
	Untrack(a frame.Advancer)
	Defer(fn func())
}

type PipelineDesc struct {
	Label  string
	Device hal.Device
	Frames Frames
	// NumInstances sizes the hit group table. It must match the instance
	// count of the top-level structure bound at dispatch.
	NumInstances      uint32
	MaxRecursionDepth uint32
	MaxPayloadSize    uint32
	MaxAttributeSize  uint32
}

type phase uint8

const (
	phaseShaders phase = iota
	phaseHitGroups
	phaseBindings
	phaseBuilt
)

func (p phase) String() string {
	switch p {
	case phaseShaders:
		return "declaring shaders"
	case phaseHitGroups:
		return "declaring hit groups"
	case phaseBindings:
		return "declaring bindings"
	case phaseBuilt:
		return "built"
	}
	return "unknown"
}

type shaderDecl struct {
	name string
	kind hal.ShaderKind
}

// tableWrite remembers which frame and build last filled a frame slot.
type tableWrite struct {
	frame uint64
	build uuid.UUID
}

// Pipeline owns a ray tracing pipeline object, its binding layouts and the
// shader table. It is not safe for concurrent use.
type Pipeline struct {
	label  string
	device hal.Device
	frames Frames
	limits hal.Limits
	desc   PipelineDesc

	phase     phase
	shaders   []shaderDecl
	exports   map[string]bool
	hitGroups []hal.HitGroupDesc
	hitIndex  map[string]HitGroupIndex

	// layouts[0] is the global layout, stage layouts follow in declaration
	// order. recordLayouts gives them in table order.
	layouts     []*layout
	layoutIndex map[string]int
	rayGen      int
	misses      []int
	hits        []int

	object      hal.RayTracingPipeline
	identifiers [][]byte
	buildID     uuid.UUID
	builds      int
	errs        []string

	table        *ShaderTable
	numInstances uint32

	frame     uint64
	slot      uint32
	numFrames uint32
	tableOpen bool
	values    [][]binding
	instances [][]binding
	started   []bool
	written   []tableWrite
	scene     Scene
}

// NewPipeline creates an empty pipeline and registers it to be advanced with
// every frame.
func NewPipeline(desc PipelineDesc) (*Pipeline, error) {
	if desc.Device == nil || desc.Frames == nil {
		return nil, fmt.Errorf("pipeline %q needs a device and frames: %w", desc.Label, core.ErrInvalidConfig)
	}
	limits := desc.Device.Limits()
	if desc.MaxRecursionDepth > limits.MaxRecursionDepth {
		return nil, fmt.Errorf("pipeline %q: recursion depth %d exceeds the device limit %d: %w",
			desc.Label, desc.MaxRecursionDepth, limits.MaxRecursionDepth, core.ErrInvalidConfig)
	}
	f := desc.Frames.NumFrames()
	if f == 0 {
		return nil, fmt.Errorf("pipeline %q: no frames in flight: %w", desc.Label, core.ErrInvalidConfig)
	}
	p := &Pipeline{
		label:        desc.Label,
		device:       desc.Device,
		frames:       desc.Frames,
		limits:       limits,
		desc:         desc,
		exports:      make(map[string]bool),
		hitIndex:     make(map[string]HitGroupIndex),
		layouts:      []*layout{newLayout(Global, exportGlobal)},
		layoutIndex:  map[string]int{Global: 0},
		rayGen:       -1,
		numInstances: desc.NumInstances,
		frame:        desc.Frames.Frame(),
		slot:         uint32(desc.Frames.Frame() % uint64(f)),
		numFrames:    f,
		written:      make([]tableWrite, f),
	}
	if err := desc.Frames.Track(p); err != nil {
		return nil, err
	}
	p.resetInstances()
	return p, nil
}

func (p *Pipeline) enter(next phase, op string) error {
	if p.phase > next {
		err := fmt.Errorf("pipeline %q: %s while %s: %w", p.label, op, p.phase, core.ErrConstructionOrder)
		core.LogError(err.Error())
		return err
	}
	p.phase = next
	return nil
}

// AddShader declares an entry point of the shader library. All shaders come
// before any hit group.
func (p *Pipeline) AddShader(name string, kind hal.ShaderKind) error {
	if err := p.enter(phaseShaders, fmt.Sprintf("add shader %q", name)); err != nil {
		return err
	}
	if name == Global {
		return fmt.Errorf("pipeline %q: empty shader name: %w", p.label, core.ErrUnknownName)
	}
	if p.exports[name] {
		return fmt.Errorf("pipeline %q: shader %q: %w", p.label, name, core.ErrDuplicateName)
	}
	switch kind {
	case hal.ShaderRayGeneration:
		if p.rayGen >= 0 {
			return fmt.Errorf("pipeline %q: second ray generation shader %q: %w", p.label, name, core.ErrDuplicateName)
		}
		p.rayGen = p.addLayout(name, exportRayGeneration)
	case hal.ShaderMiss:
		p.misses = append(p.misses, p.addLayout(name, exportMiss))
	case hal.ShaderClosestHit, hal.ShaderAnyHit:
	default:
		return fmt.Errorf("pipeline %q: shader %q has unknown kind %d: %w", p.label, name, kind, core.ErrInvalidState)
	}
	p.exports[name] = true
	p.shaders = append(p.shaders, shaderDecl{name: name, kind: kind})
	return nil
}

func (p *Pipeline) addLayout(stage string, kind exportKind) int {
	p.layouts = append(p.layouts, newLayout(stage, kind))
	p.layoutIndex[stage] = len(p.layouts) - 1
	return len(p.layouts) - 1
}

func (p *Pipeline) shaderKind(name string) (hal.ShaderKind, bool) {
	for _, s := range p.shaders {
		if s.name == name {
			return s.kind, true
		}
	}
	return 0, false
}

// AddHitGroup declares a hit group from a closest hit shader and an
// optional any hit shader.
func (p *Pipeline) AddHitGroup(name, closestHit, anyHit string) error {
	if err := p.enter(phaseHitGroups, fmt.Sprintf("add hit group %q", name)); err != nil {
		return err
	}
	if name == Global || p.exports[name] {
		return fmt.Errorf("pipeline %q: hit group %q: %w", p.label, name, core.ErrDuplicateName)
	}
	if kind, ok := p.shaderKind(closestHit); !ok || kind != hal.ShaderClosestHit {
		return fmt.Errorf("pipeline %q: hit group %q: %q is not a closest hit shader: %w", p.label, name, closestHit, core.ErrUnknownName)
	}
	if anyHit != "" {
		if kind, ok := p.shaderKind(anyHit); !ok || kind != hal.ShaderAnyHit {
			return fmt.Errorf("pipeline %q: hit group %q: %q is not an any hit shader: %w", p.label, name, anyHit, core.ErrUnknownName)
		}
	}
	p.exports[name] = true
	p.hitIndex[name] = HitGroupIndex(len(p.hitGroups))
	p.hitGroups = append(p.hitGroups, hal.HitGroupDesc{Name: name, ClosestHit: closestHit, AnyHit: anyHit})
	p.hits = append(p.hits, p.addLayout(name, exportHitGroup))
	p.resetInstances()
	return nil
}

func (p *Pipeline) bind(stage, name string, kind hal.ResourceKind, register, space uint32) error {
	if err := p.enter(phaseBindings, fmt.Sprintf("bind %q", name)); err != nil {
		return err
	}
	li, ok := p.layoutIndex[stage]
	if !ok {
		return fmt.Errorf("pipeline %q: bind %q: %q is not a ray generation shader, miss shader or hit group: %w",
			p.label, name, stage, core.ErrUnknownName)
	}
	return p.layouts[li].add(hal.BindingDesc{Name: name, Kind: kind, Register: register, Space: space})
}

// BindUAV declares a writable resource of stage, or of the global layout
// when stage is Global.
func (p *Pipeline) BindUAV(stage, name string, register, space uint32) error {
	return p.bind(stage, name, hal.ResourceReadWrite, register, space)
}

// BindSRV declares a readable resource.
func (p *Pipeline) BindSRV(stage, name string, register, space uint32) error {
	return p.bind(stage, name, hal.ResourceReadOnly, register, space)
}

func (p *Pipeline) BindSampler(stage, name string, register, space uint32) error {
	return p.bind(stage, name, hal.ResourceSampler, register, space)
}

// BindCBV declares a constant block.
func (p *Pipeline) BindCBV(stage, name string, register, space uint32) error {
	return p.bind(stage, name, hal.ResourceConstant, register, space)
}

// recordLayouts returns the stage layouts in record order.
func (p *Pipeline) recordLayouts() []int {
	out := make([]int, 0, 1+len(p.misses)+len(p.hits))
	out = append(out, p.rayGen)
	out = append(out, p.misses...)
	return append(out, p.hits...)
}

// EntrySize is the stride of every shader table record: the largest
// identifier plus handles of any stage, aligned for the table.
func (p *Pipeline) EntrySize() uint64 {
	largest := uint64(p.limits.ShaderIdentifierSize)
	for _, li := range p.recordLayouts() {
		if li < 0 {
			continue
		}
		size := uint64(p.limits.ShaderIdentifierSize) + 8*uint64(len(p.layouts[li].bindings))
		largest = math.Max(largest, size)
	}
	align := math.Max(uint64(p.limits.ShaderTableAlignment), uint64(p.limits.ShaderRecordAlignment))
	return math.AlignUp(largest, align)
}

// TableSize is the size of one frame's shader table.
func (p *Pipeline) TableSize() uint64 {
	records := 1 + uint64(len(p.misses)) + uint64(p.numInstances)*uint64(len(p.hitGroups))
	return records * p.EntrySize()
}

func (p *Pipeline) NumInstances() uint32 {
	return p.numInstances
}

func (p *Pipeline) NumHitGroups() uint32 {
	return uint32(len(p.hitGroups))
}

// Slot resolves a declared binding. stage is Global for the global layout.
func (p *Pipeline) Slot(stage, name string) (BindingSlot, error) {
	li, ok := p.layoutIndex[stage]
	if !ok {
		return BindingSlot{}, fmt.Errorf("pipeline %q: unknown stage %q: %w", p.label, stage, core.ErrUnknownName)
	}
	bi, ok := p.layouts[li].index[name]
	if !ok {
		return BindingSlot{}, fmt.Errorf("pipeline %q: stage %q has no binding %q: %w", p.label, stage, name, core.ErrUnknownName)
	}
	return BindingSlot{layout: li, index: bi, kind: p.layouts[li].bindings[bi].Kind}, nil
}

func (p *Pipeline) HitGroup(name string) (HitGroupIndex, error) {
	h, ok := p.hitIndex[name]
	if !ok {
		return 0, fmt.Errorf("pipeline %q: unknown hit group %q: %w", p.label, name, core.ErrUnknownName)
	}
	return h, nil
}

// BuildID changes with every successful build.
func (p *Pipeline) BuildID() uuid.UUID {
	return p.buildID
}

func (p *Pipeline) Built() bool {
	return p.object != nil
}

// Errors returns the accumulated text of failed builds since the last
// AcknowledgeErrors.
func (p *Pipeline) Errors() string {
	return strings.Join(p.errs, "\n")
}

func (p *Pipeline) AcknowledgeErrors() {
	p.errs = p.errs[:0]
}

func (p *Pipeline) validate() error {
	if p.rayGen < 0 {
		return fmt.Errorf("pipeline %q has no ray generation shader: %w", p.label, core.ErrInvalidState)
	}
	for _, s := range p.shaders {
		if s.kind != hal.ShaderClosestHit && s.kind != hal.ShaderAnyHit {
			continue
		}
		used := false
		for _, hg := range p.hitGroups {
			used = used || hg.ClosestHit == s.name || hg.AnyHit == s.name
		}
		if !used {
			core.LogWarn("pipeline %q: %s shader %q is not part of any hit group", p.label, s.kind, s.name)
		}
	}
	return nil
}

func (p *Pipeline) pipelineDesc(library []byte) *hal.RayTracingPipelineDesc {
	desc := &hal.RayTracingPipelineDesc{
		Label:             p.label,
		Library:           library,
		HitGroups:         append([]hal.HitGroupDesc(nil), p.hitGroups...),
		GlobalLayout:      append([]hal.BindingDesc(nil), p.layouts[0].bindings...),
		MaxRecursionDepth: p.desc.MaxRecursionDepth,
		MaxPayloadSize:    p.desc.MaxPayloadSize,
		MaxAttributeSize:  p.desc.MaxAttributeSize,
	}
	for _, s := range p.shaders {
		desc.Shaders = append(desc.Shaders, hal.ShaderDesc{Name: s.name, Kind: s.kind})
	}
	for _, li := range p.recordLayouts() {
		l := p.layouts[li]
		desc.LocalLayouts = append(desc.LocalLayouts, hal.LocalLayoutDesc{
			Export:   l.stage,
			Bindings: append([]hal.BindingDesc(nil), l.bindings...),
		})
	}
	return desc
}

// Build creates the pipeline object from a compiled shader library. A failed
// build keeps the previous pipeline object active and adds its message to
// Errors.
func (p *Pipeline) Build(library []byte) error {
	if p.tableOpen {
		return fmt.Errorf("pipeline %q: build while the shader table is open: %w", p.label, core.ErrInvalidState)
	}
	if err := p.validate(); err != nil {
		p.errs = append(p.errs, err.Error())
		core.LogError(err.Error())
		return err
	}
	p.builds++

	obj, err := p.device.CreateRayTracingPipeline(p.pipelineDesc(library))
	if err != nil {
		return p.buildFailed(err)
	}
	ids := make([][]byte, len(p.layouts))
	for _, li := range p.recordLayouts() {
		id, err := obj.ShaderIdentifier(p.layouts[li].stage)
		if err == nil && uint32(len(id)) != p.limits.ShaderIdentifierSize {
			err = fmt.Errorf("identifier of %q has %d bytes", p.layouts[li].stage, len(id))
		}
		if err != nil {
			obj.Destroy()
			return p.buildFailed(err)
		}
		ids[li] = id
	}

	if p.table == nil {
		table, err := p.newTable(p.numInstances)
		if err != nil {
			obj.Destroy()
			return err
		}
		p.table = table
		p.values = make([][]binding, len(p.layouts))
		for i, l := range p.layouts {
			p.values[i] = make([]binding, len(l.bindings))
		}
	}

	old := p.object
	p.object = obj
	p.identifiers = ids
	p.buildID = uuid.New()
	p.phase = phaseBuilt
	if old != nil {
		p.frames.Defer(old.Destroy)
	}
	core.LogInfo("pipeline %q built (build %d, id %s): %d miss, %d hit groups, %d instances, entry size %d",
		p.label, p.builds, p.buildID, len(p.misses), len(p.hitGroups), p.numInstances, p.EntrySize())
	return nil
}

func (p *Pipeline) buildFailed(err error) error {
	if frame.IsDeviceLost(err) || errors.Is(err, core.ErrUnsupported) {
		core.LogError("pipeline %q: %s", p.label, err)
		return err
	}
	if !errors.Is(err, core.ErrPipelineBuild) {
		err = fmt.Errorf("%w: %v", core.ErrPipelineBuild, err)
	}
	p.errs = append(p.errs, fmt.Sprintf("build %d: %s", p.builds, err))
	if p.object != nil {
		core.LogWarn("pipeline %q: build %d failed, keeping the previous pipeline: %s", p.label, p.builds, err)
	} else {
		core.LogWarn("pipeline %q: build %d failed: %s", p.label, p.builds, err)
	}
	return fmt.Errorf("pipeline %q: %w", p.label, err)
}

// BuildFile reads a shader library from disk and builds it.
func (p *Pipeline) BuildFile(path string) error {
	library, err := os.ReadFile(path)
	if err != nil {
		p.errs = append(p.errs, err.Error())
		return fmt.Errorf("pipeline %q: %w", p.label, err)
	}
	return p.Build(library)
}

func (p *Pipeline) newTable(instances uint32) (*ShaderTable, error) {
	t := &ShaderTable{
		idSize:       uint64(p.limits.ShaderIdentifierSize),
		entrySize:    p.EntrySize(),
		numMiss:      uint32(len(p.misses)),
		numHitGroups: uint32(len(p.hitGroups)),
		numInstances: instances,
		numFrames:    p.numFrames,
	}
	buf, err := p.device.CreateBuffer(hal.BufferDesc{
		Label: p.label + " shader table",
		Size:  t.SizePerFrame() * uint64(p.numFrames),
		Usage: hal.BufferUsageShaderTable,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: shader table: %w", p.label, err)
	}
	t.buffer = buf
	return t, nil
}

// Table returns the shader table, nil before the first successful build.
func (p *Pipeline) Table() *ShaderTable {
	return p.table
}

// SetInstanceCount resizes the hit group table. The old table is destroyed
// once the GPU is done with it.
func (p *Pipeline) SetInstanceCount(n uint32) error {
	if p.tableOpen {
		return fmt.Errorf("pipeline %q: resize while the shader table is open: %w", p.label, core.ErrInvalidState)
	}
	if n == p.numInstances {
		return nil
	}
	if p.table != nil {
		table, err := p.newTable(n)
		if err != nil {
			return err
		}
		old := p.table
		p.table = table
		p.frames.Defer(old.Destroy)
		for i := range p.written {
			p.written[i] = tableWrite{}
		}
	}
	core.LogDebug("pipeline %q: %d instances (was %d)", p.label, n, p.numInstances)
	p.numInstances = n
	p.resetInstances()
	return nil
}

func (p *Pipeline) resetInstances() {
	count := int(p.numInstances) * len(p.hitGroups)
	p.instances = make([][]binding, count)
	p.started = make([]bool, count)
}

// Advance moves the pipeline to the frame slot the orchestrator starts.
func (p *Pipeline) Advance(ev frame.FrameAdvance) error {
	if err := ev.Follows("pipeline "+p.label, p.frame, p.numFrames); err != nil {
		return err
	}
	p.frame = ev.Frame
	p.slot = ev.Slot
	p.tableOpen = false
	return nil
}

func (p *Pipeline) Destroy() {
	p.frames.Untrack(p)
	obj, table := p.object, p.table
	p.object, p.table = nil, nil
	p.frames.Defer(func() {
		if obj != nil {
			obj.Destroy()
		}
		if table != nil {
			table.Destroy()
		}
	})
}
