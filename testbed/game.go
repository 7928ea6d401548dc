package testbed

import (
	"encoding/binary"
	"fmt"
	gomath "math"

	"github.com/spaghettifunk/anima-rt/engine"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/frame"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
	"github.com/spaghettifunk/anima-rt/engine/renderer/raytracing"
	"github.com/spaghettifunk/anima-rt/engine/systems"
)

// TestGame path traces a row of spinning quads: one ray generation shader,
// one miss shader and one hit group, with per-instance geometry and
// material bindings.
type TestGame struct {
	*engine.Game
}

type bindingSlots struct {
	output   raytracing.BindingSlot
	scene    raytracing.BindingSlot
	camera   raytracing.BindingSlot
	hitGroup raytracing.HitGroupIndex
}

type gameState struct {
	renderer *systems.RendererSystem
	pipeline *raytracing.Pipeline
	builder  *raytracing.AccelerationBuilder
	slots    bindingSlots

	vertices hal.Buffer
	indices  hal.Buffer
	mesh     *raytracing.BottomLevel
	scene    *raytracing.TopLevel

	image  hal.Buffer
	output frame.DescriptorRange

	width, height uint32
	angle         float32
}

// Quad in the XY plane, two triangles.
var (
	quadVertices = []float32{
		-0.5, -0.5, 0,
		0.5, -0.5, 0,
		0.5, 0.5, 0,
		-0.5, 0.5, 0,
	}
	quadIndices = []uint32{0, 1, 2, 0, 2, 3}
)

func NewTestGame(app *engine.ApplicationConfig) *TestGame {
	tg := &TestGame{
		Game: &engine.Game{
			ApplicationConfig: app,
			State:             &gameState{},
		},
	}
	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnRender = tg.Render
	tg.FnShutdown = tg.Shutdown
	return tg
}

func (g *TestGame) state() *gameState {
	return g.State.(*gameState)
}

func (g *TestGame) Initialize(sm *systems.SystemManager) error {
	core.LogInfo("initializing testbed...")
	s := g.state()
	s.renderer = sm.RendererSystem
	cfg := s.renderer.Config()
	s.width, s.height = cfg.Renderer.Width, cfg.Renderer.Height

	p, err := s.renderer.NewPipeline("pathtracer")
	if err != nil {
		return err
	}
	s.pipeline = p
	for _, err := range []error{
		p.AddShader("RayGen", hal.ShaderRayGeneration),
		p.AddShader("Miss", hal.ShaderMiss),
		p.AddShader("ClosestHit", hal.ShaderClosestHit),
		p.AddHitGroup("HitGroup", "ClosestHit", ""),
		p.BindUAV(raytracing.Global, "Output", 0, 0),
		p.BindSRV(raytracing.Global, "Scene", 0, 0),
		p.BindCBV("RayGen", "Camera", 0, 0),
		p.BindSRV("HitGroup", "Vertices", 1, 0),
		p.BindSRV("HitGroup", "Indices", 2, 0),
		p.BindCBV("HitGroup", "Material", 1, 0),
	} {
		if err != nil {
			return err
		}
	}
	if err := s.renderer.BuildPipeline(p, cfg.RayTracing.ShaderLibrary); err != nil {
		return err
	}
	if s.slots.output, err = p.Slot(raytracing.Global, "Output"); err != nil {
		return err
	}
	if s.slots.scene, err = p.Slot(raytracing.Global, "Scene"); err != nil {
		return err
	}
	if s.slots.camera, err = p.Slot("RayGen", "Camera"); err != nil {
		return err
	}
	if s.slots.hitGroup, err = p.HitGroup("HitGroup"); err != nil {
		return err
	}

	if err := g.createResources(); err != nil {
		return err
	}

	s.builder = raytracing.NewAccelerationBuilder(s.renderer.Device(), s.renderer.Orchestrator(), p.NumHitGroups())
	return s.renderer.Setup(func(cb *frame.CommandBuffer) error {
		mesh, err := s.builder.BuildBottomLevel(cb, raytracing.Geometry{
			Label:        "quad",
			Vertices:     s.vertices,
			VertexCount:  uint32(len(quadVertices) / 3),
			VertexStride: 12,
			Indices:      s.indices,
			IndexCount:   uint32(len(quadIndices)),
		})
		if err != nil {
			return err
		}
		s.mesh = mesh
		s.scene, err = s.builder.BuildTopLevel(cb, "scene", g.instances())
		return err
	})
}

func (g *TestGame) createResources() error {
	s := g.state()
	device := s.renderer.Device()

	var err error
	if s.vertices, err = device.CreateBuffer(hal.BufferDesc{Label: "quad vertices", Size: uint64(len(quadVertices)) * 4, Usage: hal.BufferUsageVertex}); err != nil {
		return err
	}
	for i, v := range quadVertices {
		binary.LittleEndian.PutUint32(s.vertices.Mapped()[i*4:], gomath.Float32bits(v))
	}
	if s.indices, err = device.CreateBuffer(hal.BufferDesc{Label: "quad indices", Size: uint64(len(quadIndices)) * 4, Usage: hal.BufferUsageIndex}); err != nil {
		return err
	}
	for i, v := range quadIndices {
		binary.LittleEndian.PutUint32(s.indices.Mapped()[i*4:], v)
	}

	size := uint64(s.width) * uint64(s.height) * 4
	if s.image, err = device.CreateBuffer(hal.BufferDesc{Label: "output image", Size: size, Usage: hal.BufferUsageStorage}); err != nil {
		return err
	}
	static := s.renderer.StaticDescriptors()
	if static == nil {
		return fmt.Errorf("testbed needs a static descriptor region: %w", core.ErrInvalidConfig)
	}
	if s.output, err = static.Allocate(1); err != nil {
		return err
	}
	return s.output.Write(0, hal.Descriptor{Kind: hal.ResourceReadWrite, Address: s.image.GPUAddress(), Size: size})
}

// instances spaces the quads along x and spins each around y.
func (g *TestGame) instances() []raytracing.Instance {
	s := g.state()
	n := s.pipeline.NumInstances()
	list := make([]raytracing.Instance, n)
	for i := range list {
		offset := float32(i) - float32(n-1)/2
		list[i] = raytracing.Instance{
			Mesh: s.mesh,
			Transform: math.NewMat4EulerY(s.angle + float32(i)*0.25).
				Mul(math.NewMat4Translation(math.NewVec3(offset*1.5, 0, -4))),
		}
	}
	return list
}

func (g *TestGame) Update(deltaTime float64) error {
	g.state().angle += float32(0.5 * deltaTime)
	return nil
}

func putFloats(dst []byte, values ...float32) {
	for i, v := range values {
		binary.LittleEndian.PutUint32(dst[i*4:], gomath.Float32bits(v))
	}
}

func (g *TestGame) Render(f *frame.Frame, deltaTime float64) error {
	s := g.state()
	orch := s.renderer.Orchestrator()
	p := s.pipeline

	// The scene moves every frame; the previous structure is released once
	// the frames using it have completed.
	scene, err := s.builder.BuildTopLevel(f.Commands, "scene", g.instances())
	if err != nil {
		return err
	}
	s.scene.Destroy()
	s.scene = scene

	if err := p.BeginTable(); err != nil {
		return err
	}
	if err := p.SetGlobalBinding(s.slots.output, raytracing.FromDescriptor(s.output.Heap(), s.output.First)); err != nil {
		return err
	}
	if err := p.SetGlobalBinding(s.slots.scene, raytracing.FromAddress(hal.ResourceReadOnly, scene.GPUAddress())); err != nil {
		return err
	}

	camera, err := orch.AllocateConstants(32)
	if err != nil {
		return err
	}
	putFloats(camera.Data, 0, 0, 0, 1, float32(s.width), float32(s.height), 1, float32(f.Number))
	if err := p.SetStageBinding(s.slots.camera, raytracing.FromAddress(hal.ResourceConstant, camera.GPUAddress)); err != nil {
		return err
	}

	for i := uint32(0); i < p.NumInstances(); i++ {
		material, err := orch.AllocateConstants(16)
		if err != nil {
			return err
		}
		hue := float32(i) / float32(p.NumInstances())
		putFloats(material.Data, hue, 1-hue, 0.5, 1)

		if err := p.ResetInstanceBindings(s.slots.hitGroup, i); err != nil {
			return err
		}
		for _, r := range []raytracing.Resource{
			raytracing.FromAddress(hal.ResourceReadOnly, s.vertices.GPUAddress()),
			raytracing.FromAddress(hal.ResourceReadOnly, s.indices.GPUAddress()),
			raytracing.FromAddress(hal.ResourceConstant, material.GPUAddress),
		} {
			if err := p.AddInstanceBinding(s.slots.hitGroup, i, r); err != nil {
				return err
			}
		}
	}
	if err := p.EndTable(); err != nil {
		return err
	}

	p.SetScene(scene)
	return p.Dispatch(f.Commands, s.width, s.height)
}

func (g *TestGame) Shutdown() error {
	core.LogInfo("shutting down testbed...")
	s := g.state()
	if s.pipeline == nil {
		return nil
	}
	s.renderer.ForgetPipeline(s.pipeline)
	s.pipeline.Destroy()
	if s.scene != nil {
		s.scene.Destroy()
	}
	if s.mesh != nil {
		s.mesh.Destroy()
	}
	orch := s.renderer.Orchestrator()
	for _, b := range []hal.Buffer{s.vertices, s.indices, s.image} {
		if b != nil {
			orch.Defer(b.Destroy)
		}
	}
	return nil
}
