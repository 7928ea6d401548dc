package frame

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spaghettifunk/anima-rt/engine/containers"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

type FrameState int32

const (
	FrameIdle FrameState = iota
	FrameRecording
	FrameSubmitted
)

func (s FrameState) String() string {
	switch s {
	case FrameIdle:
		return "idle"
	case FrameRecording:
		return "recording"
	case FrameSubmitted:
		return "submitted"
	}
	return "unknown"
}

// Presenter hands a finished frame to whatever displays it.
type Presenter interface {
	Present() error
}

type OrchestratorDesc struct {
	Presenter   Presenter
	Queue       *CommandQueue
	Pool        *CommandPool
	Descriptors *DescriptorRing
	Constants   *ConstantRing
	NumFrames   uint32
	// Metrics is optional.
	Metrics *core.FrameMetrics
	// MaxDeferred bounds the deferred destruction queue. Defaults to 256.
	MaxDeferred int
}

// Frame is the recording context handed out by BeginFrame.
type Frame struct {
	Number   uint64
	Slot     uint32
	Commands *CommandBuffer
}

type deferred struct {
	value uint64
	fn    func()
}

// Orchestrator brackets every frame. BeginFrame waits until the GPU is done
// with the frame slot about to be reused, then advances the rings into it;
// EndFrame submits, presents and remembers the fence value for the slot.
type Orchestrator struct {
	presenter   Presenter
	queue       *CommandQueue
	pool        *CommandPool
	descriptors *DescriptorRing
	constants   *ConstantRing
	numFrames   uint32
	metrics     *core.FrameMetrics
	clock       *core.Clock

	mu          sync.Mutex
	state       FrameState
	frame       uint64
	slot        uint32
	fenceValues []uint64
	primary     *CommandBuffer
	secondary   []*CommandBuffer
	trackers    []Advancer
	pending     []func()
	deferred    *containers.RingQueue[deferred]
}

func NewOrchestrator(desc OrchestratorDesc) (*Orchestrator, error) {
	if desc.Presenter == nil || desc.Queue == nil || desc.Pool == nil || desc.Descriptors == nil || desc.Constants == nil {
		return nil, fmt.Errorf("orchestrator needs a presenter, queue, pool and both rings: %w", core.ErrInvalidConfig)
	}
	if desc.NumFrames == 0 {
		return nil, fmt.Errorf("orchestrator needs at least one frame in flight: %w", core.ErrInvalidConfig)
	}
	if desc.Descriptors.numFrames != desc.NumFrames || desc.Constants.numFrames != desc.NumFrames {
		return nil, fmt.Errorf("rings are partitioned for %d and %d frames, orchestrator for %d: %w",
			desc.Descriptors.numFrames, desc.Constants.numFrames, desc.NumFrames, core.ErrInvalidConfig)
	}
	if desc.Pool.Size() <= int(desc.NumFrames) {
		core.LogWarn("command pool of %d buffers will stall with %d frames in flight", desc.Pool.Size(), desc.NumFrames)
	}
	if desc.Metrics == nil {
		desc.Metrics = core.NewFrameMetrics()
	}
	if desc.MaxDeferred <= 0 {
		desc.MaxDeferred = 256
	}
	return &Orchestrator{
		presenter:   desc.Presenter,
		queue:       desc.Queue,
		pool:        desc.Pool,
		descriptors: desc.Descriptors,
		constants:   desc.Constants,
		numFrames:   desc.NumFrames,
		metrics:     desc.Metrics,
		clock:       core.NewClock(),
		fenceValues: make([]uint64, desc.NumFrames),
		deferred:    containers.NewRingQueue[deferred](desc.MaxDeferred),
	}, nil
}

func (o *Orchestrator) State() FrameState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Frame returns the number of the current (or last) frame. Frame 0 is the
// setup frame before the first BeginFrame.
func (o *Orchestrator) Frame() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.frame
}

func (o *Orchestrator) Slot() uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.slot
}

func (o *Orchestrator) NumFrames() uint32 {
	return o.numFrames
}

func (o *Orchestrator) Queue() *CommandQueue {
	return o.queue
}

// DescriptorHeap is the shader visible heap transient descriptors live in.
func (o *Orchestrator) DescriptorHeap() hal.DescriptorHeap {
	return o.descriptors.Heap()
}

func (o *Orchestrator) Metrics() *core.FrameMetrics {
	return o.metrics
}

// Track registers an allocator to be advanced together with the rings. It
// must be at the same frame as the orchestrator.
func (o *Orchestrator) Track(a Advancer) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != FrameIdle {
		return fmt.Errorf("track while frame %d is %s: %w", o.frame, o.state, core.ErrInvalidState)
	}
	o.trackers = append(o.trackers, a)
	return nil
}

func (o *Orchestrator) Untrack(a Advancer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, t := range o.trackers {
		if t == a {
			o.trackers = append(o.trackers[:i], o.trackers[i+1:]...)
			return
		}
	}
}

// Setup records and submits one-off work in frame 0, before the first
// BeginFrame. Ring allocations made in it belong to slot 0.
func (o *Orchestrator) Setup(record func(cb *CommandBuffer) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.frame != 0 || o.state != FrameIdle {
		return fmt.Errorf("setup in frame %d (%s): %w", o.frame, o.state, core.ErrInvalidState)
	}
	cb, err := o.pool.Acquire()
	if err != nil {
		return err
	}
	if err := record(cb); err != nil {
		o.pool.Release(cb)
		return err
	}
	value, err := o.queue.Submit(cb)
	if err != nil {
		return err
	}
	o.fenceValues[0] = value
	return nil
}

// BeginFrame starts recording the next frame.
func (o *Orchestrator) BeginFrame() (*Frame, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != FrameIdle {
		return nil, fmt.Errorf("begin frame %d while frame %d is %s: %w", o.frame+1, o.frame, o.state, core.ErrInvalidState)
	}
	if err := o.queue.Lost(); err != nil {
		return nil, err
	}
	if o.frame == 0 {
		// Anything submitted straight to the queue during setup used slot 0.
		if v := o.queue.Fence().LastSignaled(); v > o.fenceValues[0] {
			o.fenceValues[0] = v
		}
	}

	next := o.frame + 1
	ev := NewFrameAdvance(next, o.numFrames)

	if v := o.fenceValues[ev.Slot]; v != 0 {
		fence := o.queue.Fence()
		if !fence.IsComplete(v) {
			start := time.Now()
			if err := o.queue.Wait(v); err != nil {
				return nil, err
			}
			waited := time.Since(start)
			o.metrics.RecordWait(waited)
			core.LogDebug("frame %d waited %s for slot %d (fence value %d)", next, waited, ev.Slot, v)
		}
	}
	o.collect()

	cb, err := o.pool.Acquire()
	if err != nil {
		return nil, err
	}

	if err := o.descriptors.Advance(ev); err != nil {
		o.pool.Release(cb)
		return nil, err
	}
	if err := o.constants.Advance(ev); err != nil {
		o.pool.Release(cb)
		return nil, err
	}
	for _, t := range o.trackers {
		if err := t.Advance(ev); err != nil {
			o.pool.Release(cb)
			return nil, err
		}
	}

	o.frame = next
	o.slot = ev.Slot
	o.primary = cb
	o.secondary = o.secondary[:0]
	o.state = FrameRecording
	o.clock.Start()

	return &Frame{Number: next, Slot: ev.Slot, Commands: cb}, nil
}

// AcquireCommandBuffer hands out an extra command buffer for the current
// frame. It is submitted after the primary one, in acquisition order. Safe
// for concurrent use by recording goroutines.
func (o *Orchestrator) AcquireCommandBuffer() (*CommandBuffer, error) {
	o.mu.Lock()
	if o.state != FrameRecording {
		defer o.mu.Unlock()
		return nil, fmt.Errorf("acquire command buffer in frame %d while %s: %w", o.frame, o.state, core.ErrInvalidState)
	}
	o.mu.Unlock()

	// Acquire may block on the GPU; the lock is not held across it.
	cb, err := o.pool.Acquire()
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != FrameRecording {
		o.pool.Release(cb)
		return nil, fmt.Errorf("frame %d ended during acquire: %w", o.frame, core.ErrInvalidState)
	}
	o.secondary = append(o.secondary, cb)
	return cb, nil
}

// EndFrame submits every buffer of the frame, presents and stores the fence
// value that releases the frame slot.
func (o *Orchestrator) EndFrame() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != FrameRecording {
		return fmt.Errorf("end frame %d while %s: %w", o.frame, o.state, core.ErrInvalidState)
	}

	buffers := make([]*CommandBuffer, 0, 1+len(o.secondary))
	buffers = append(buffers, o.primary)
	buffers = append(buffers, o.secondary...)

	value, err := o.queue.Submit(buffers...)
	o.primary = nil
	o.secondary = o.secondary[:0]
	if err != nil {
		o.state = FrameIdle
		o.flushPending(o.queue.Fence().LastSignaled())
		return fmt.Errorf("frame %d: %w", o.frame, err)
	}
	o.state = FrameSubmitted
	o.fenceValues[o.slot] = value
	o.flushPending(value)

	err = o.presenter.Present()
	o.state = FrameIdle

	o.clock.Update()
	o.metrics.Update(o.clock.Elapsed())
	o.clock.Stop()

	if err != nil {
		return fmt.Errorf("present frame %d: %w", o.frame, err)
	}
	return nil
}

// AbortFrame drops everything recorded in the current frame. The slot keeps
// the fence value of its previous use.
func (o *Orchestrator) AbortFrame(cause error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.abort(cause)
}

func (o *Orchestrator) abort(cause error) error {
	if o.state != FrameRecording {
		return fmt.Errorf("abort frame %d while %s: %w", o.frame, o.state, core.ErrInvalidState)
	}
	o.pool.Release(o.primary)
	for _, cb := range o.secondary {
		o.pool.Release(cb)
	}
	o.primary = nil
	o.secondary = o.secondary[:0]
	o.state = FrameIdle
	o.flushPending(o.queue.Fence().LastSignaled())
	o.clock.Stop()
	core.LogWarn("frame %d aborted: %v", o.frame, cause)
	return nil
}

func (o *Orchestrator) allocationAllowed() error {
	if o.state == FrameRecording || (o.state == FrameIdle && o.frame == 0) {
		return nil
	}
	return fmt.Errorf("allocation in frame %d while %s: %w", o.frame, o.state, core.ErrInvalidState)
}

// abortOnCapacity aborts the current frame when err is a capacity error.
func (o *Orchestrator) abortOnCapacity(err error) error {
	var capErr *CapacityError
	if errors.As(err, &capErr) && o.state == FrameRecording {
		_ = o.abort(err)
		return fmt.Errorf("frame %d aborted: %w", o.frame, err)
	}
	return err
}

// AllocateDescriptors reserves count transient descriptors in the current
// frame. Running out aborts the frame.
func (o *Orchestrator) AllocateDescriptors(count uint32) (DescriptorRange, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.allocationAllowed(); err != nil {
		return DescriptorRange{}, err
	}
	r, err := o.descriptors.Allocate(count)
	if err != nil {
		return DescriptorRange{}, o.abortOnCapacity(err)
	}
	return r, nil
}

// AllocateConstants reserves size bytes of transient constant data in the
// current frame. Running out aborts the frame.
func (o *Orchestrator) AllocateConstants(size uint64) (ConstantAllocation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.allocationAllowed(); err != nil {
		return ConstantAllocation{}, err
	}
	a, err := o.constants.Allocate(size)
	if err != nil {
		return ConstantAllocation{}, o.abortOnCapacity(err)
	}
	return a, nil
}

// Defer runs fn once the GPU can no longer reference anything submitted so
// far. Calls made while a frame is recording also cover that frame.
func (o *Orchestrator) Defer(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == FrameRecording {
		o.pending = append(o.pending, fn)
		return
	}
	o.enqueue(deferred{value: o.queue.Fence().LastSignaled(), fn: fn})
}

func (o *Orchestrator) flushPending(value uint64) {
	for _, fn := range o.pending {
		o.enqueue(deferred{value: value, fn: fn})
	}
	o.pending = o.pending[:0]
}

func (o *Orchestrator) enqueue(d deferred) {
	if o.deferred.IsFull() {
		oldest, _ := o.deferred.Dequeue()
		if err := o.queue.Wait(oldest.value); err != nil {
			core.LogError("deferred destruction: %s", err)
		}
		oldest.fn()
	}
	_ = o.deferred.Enqueue(d)
}

// collect runs every deferred function whose fence value has completed.
func (o *Orchestrator) collect() {
	fence := o.queue.Fence()
	for !o.deferred.IsEmpty() {
		d, _ := o.deferred.Peek()
		if !fence.IsComplete(d.value) {
			return
		}
		_, _ = o.deferred.Dequeue()
		d.fn()
	}
}

// Flush waits for the GPU to go idle and runs all deferred destruction.
func (o *Orchestrator) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == FrameRecording {
		return fmt.Errorf("flush while frame %d is recording: %w", o.frame, core.ErrInvalidState)
	}
	err := o.queue.Flush()
	for !o.deferred.IsEmpty() {
		d, _ := o.deferred.Dequeue()
		d.fn()
	}
	return err
}
