package systems

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/spaghettifunk/anima-rt/engine/assets"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/frame"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
	"github.com/spaghettifunk/anima-rt/engine/renderer/raytracing"
)

// RendererSystem owns the frame machinery built on top of one device: the
// queue, the command pool, the shader visible descriptor heap (a static
// region followed by the per-frame ring), the constant ring and the
// orchestrator. It also rebuilds pipelines when their shader library
// changes on disk.
type RendererSystem struct {
	config       *core.Config
	device       hal.Device
	jobs         *JobSystem
	assetManager *assets.AssetManager

	queue          *frame.CommandQueue
	pool           *frame.CommandPool
	heap           hal.DescriptorHeap
	static         *frame.StaticDescriptorAllocator
	ring           *frame.DescriptorRing
	constantBuffer hal.Buffer
	constants      *frame.ConstantRing
	orchestrator   *frame.Orchestrator

	// Pipelines by shader library path.
	libraries map[string][]*raytracing.Pipeline

	reloadMu sync.Mutex
	reloads  map[string]struct{}
}

// NewRendererSystem builds the frame machinery described by cfg. The
// asset manager is optional; without it BuildPipeline reads files directly
// and there is no hot reload.
func NewRendererSystem(cfg *core.Config, device hal.Device, jobs *JobSystem, am *assets.AssetManager) (*RendererSystem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &RendererSystem{
		config:       cfg,
		device:       device,
		jobs:         jobs,
		assetManager: am,
		libraries:    make(map[string][]*raytracing.Pipeline),
		reloads:      make(map[string]struct{}),
	}
	if err := r.initialize(); err != nil {
		r.destroy()
		return nil, err
	}
	if am != nil && cfg.Assets.Watch {
		am.OnChange(assets.AssetTypeShaderLibrary, func(info assets.AssetInfo) {
			r.QueueReload(info.Path)
		})
	}
	return r, nil
}

func (r *RendererSystem) initialize() error {
	cfg := r.config
	numFrames := cfg.Renderer.NumFrames
	limits := r.device.Limits()

	var err error
	if r.queue, err = frame.NewCommandQueue(r.device); err != nil {
		return err
	}
	if r.pool, err = frame.NewCommandPool(r.device, r.queue.Fence(), int(cfg.CommandPoolSize())); err != nil {
		return err
	}

	staticSlots := cfg.Descriptors.StaticSlots
	r.heap, err = r.device.CreateDescriptorHeap(hal.DescriptorHeapDesc{
		Label:         "frame descriptors",
		Capacity:      staticSlots + cfg.Descriptors.SlotsPerFrame*numFrames,
		ShaderVisible: true,
	})
	if err != nil {
		return err
	}
	if staticSlots > 0 {
		if r.static, err = frame.NewStaticDescriptorAllocator(r.heap, 0, staticSlots); err != nil {
			return err
		}
	}
	if r.ring, err = frame.NewDescriptorRing(r.heap, staticSlots, cfg.Descriptors.SlotsPerFrame, numFrames); err != nil {
		return err
	}

	alignment := uint64(limits.ConstantBufferAlignment)
	bytesPerFrame := math.AlignUp(cfg.Constants.BytesPerFrame, alignment)
	r.constantBuffer, err = r.device.CreateBuffer(hal.BufferDesc{
		Label: "frame constants",
		Size:  bytesPerFrame * uint64(numFrames),
		Usage: hal.BufferUsageConstant,
	})
	if err != nil {
		return err
	}
	if r.constants, err = frame.NewConstantRing(r.constantBuffer, bytesPerFrame, numFrames, alignment); err != nil {
		return err
	}

	r.orchestrator, err = frame.NewOrchestrator(frame.OrchestratorDesc{
		Presenter:   r.device,
		Queue:       r.queue,
		Pool:        r.pool,
		Descriptors: r.ring,
		Constants:   r.constants,
		NumFrames:   numFrames,
	})
	if err != nil {
		return err
	}

	core.LogInfo("renderer on %q: %d frames in flight, %d command buffers, %d static + %dx%d ring descriptors, %dx%d bytes of constants",
		r.device.Name(), numFrames, r.pool.Size(), staticSlots, numFrames, cfg.Descriptors.SlotsPerFrame, numFrames, bytesPerFrame)
	return nil
}

func (r *RendererSystem) Device() hal.Device {
	return r.device
}

func (r *RendererSystem) Config() *core.Config {
	return r.config
}

func (r *RendererSystem) Orchestrator() *frame.Orchestrator {
	return r.orchestrator
}

// StaticDescriptors is nil when the config reserves no static slots.
func (r *RendererSystem) StaticDescriptors() *frame.StaticDescriptorAllocator {
	return r.static
}

// NewPipeline creates a pipeline sized from the ray tracing config. The
// label must be unique.
func (r *RendererSystem) NewPipeline(label string) (*raytracing.Pipeline, error) {
	rt := r.config.RayTracing
	return raytracing.NewPipeline(raytracing.PipelineDesc{
		Label:             label,
		Device:            r.device,
		Frames:            r.orchestrator,
		NumInstances:      rt.NumInstances,
		MaxRecursionDepth: rt.MaxRecursionDepth,
		MaxPayloadSize:    rt.MaxPayloadSize,
		MaxAttributeSize:  rt.MaxAttributeSize,
	})
}

// BuildPipeline builds p from the shader library at path and rebuilds it
// whenever the library changes, for as long as p lives.
func (r *RendererSystem) BuildPipeline(p *raytracing.Pipeline, path string) error {
	registered := false
	for _, other := range r.libraries[path] {
		registered = registered || other == p
	}
	if !registered {
		r.libraries[path] = append(r.libraries[path], p)
	}
	return r.build(p, path)
}

// ForgetPipeline stops rebuilding p.
func (r *RendererSystem) ForgetPipeline(p *raytracing.Pipeline) {
	for path, list := range r.libraries {
		for i, other := range list {
			if other == p {
				r.libraries[path] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

func (r *RendererSystem) build(p *raytracing.Pipeline, path string) error {
	if r.assetManager == nil {
		return p.BuildFile(path)
	}
	res, err := r.assetManager.LoadAsset(path)
	if err != nil {
		return err
	}
	defer func() { _ = r.assetManager.UnloadAsset(res) }()
	return p.Build(res.Data)
}

// QueueReload marks a shader library as changed. Pipelines using it are
// rebuilt at the next frame boundary. Safe to call from any goroutine.
func (r *RendererSystem) QueueReload(path string) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()
	r.reloads[path] = struct{}{}
}

func (r *RendererSystem) applyReloads() error {
	r.reloadMu.Lock()
	paths := make([]string, 0, len(r.reloads))
	for path := range r.reloads {
		paths = append(paths, path)
	}
	r.reloads = make(map[string]struct{})
	r.reloadMu.Unlock()
	sort.Strings(paths)

	for _, path := range paths {
		for _, p := range r.libraries[path] {
			err := r.build(p, path)
			switch {
			case err == nil:
				core.LogInfo("pipeline rebuilt from %s", path)
			case frame.IsDeviceLost(err):
				return err
			default:
				core.LogWarn("reload of %s failed, previous pipeline stays active: %s", path, err)
			}
		}
	}
	return nil
}

// Setup records one-off work, such as acceleration structure builds,
// before the first frame.
func (r *RendererSystem) Setup(record func(cb *frame.CommandBuffer) error) error {
	return r.orchestrator.Setup(record)
}

// BeginFrame applies pending shader reloads and starts the next frame.
func (r *RendererSystem) BeginFrame() (*frame.Frame, error) {
	if err := r.applyReloads(); err != nil {
		return nil, err
	}
	return r.orchestrator.BeginFrame()
}

func (r *RendererSystem) EndFrame() error {
	return r.orchestrator.EndFrame()
}

func (r *RendererSystem) AbortFrame(cause error) error {
	return r.orchestrator.AbortFrame(cause)
}

// RecordParallel acquires n command buffers for the current frame and
// records them concurrently on the job system. They are submitted after
// the frame's primary buffer, in index order. If any recording fails the
// frame is aborted.
func (r *RendererSystem) RecordParallel(n int, record func(i int, cb *frame.CommandBuffer) error) error {
	buffers := make([]*frame.CommandBuffer, n)
	for i := range buffers {
		cb, err := r.orchestrator.AcquireCommandBuffer()
		if err != nil {
			// Buffers acquired so far would be submitted empty.
			return r.abortParallel(fmt.Errorf("acquiring command buffer %d of %d: %w", i, n, err))
		}
		buffers[i] = cb
	}

	fns := make([]func() error, n)
	for i, cb := range buffers {
		fns[i] = func() error { return record(i, cb) }
	}
	if err := r.jobs.RunAll("record", fns); err != nil {
		return r.abortParallel(err)
	}
	return nil
}

func (r *RendererSystem) abortParallel(err error) error {
	if r.orchestrator.State() != frame.FrameRecording {
		return fmt.Errorf("parallel recording: %w", err)
	}
	if abortErr := r.orchestrator.AbortFrame(err); abortErr != nil {
		return errors.Join(err, abortErr)
	}
	return fmt.Errorf("parallel recording: %w", err)
}

// Shutdown waits for the GPU and releases every object the system created.
// The device itself belongs to the caller.
func (r *RendererSystem) Shutdown() error {
	if r.orchestrator == nil {
		return nil
	}
	if r.orchestrator.State() == frame.FrameRecording {
		_ = r.orchestrator.AbortFrame(errors.New("renderer shutdown"))
	}
	err := r.orchestrator.Flush()
	if err != nil && !frame.IsDeviceLost(err) {
		core.LogError("renderer shutdown: %s", err)
	}
	r.destroy()
	core.LogInfo("renderer shut down")
	return err
}

func (r *RendererSystem) destroy() {
	if r.pool != nil {
		r.pool.Destroy()
		r.pool = nil
	}
	if r.constantBuffer != nil {
		r.constantBuffer.Destroy()
		r.constantBuffer = nil
	}
	if r.heap != nil {
		r.heap.Destroy()
		r.heap = nil
	}
	if r.queue != nil {
		r.queue.Destroy()
		r.queue = nil
	}
	r.orchestrator = nil
}
