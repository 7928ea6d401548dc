package frame

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
	"github.com/spaghettifunk/anima-rt/engine/renderer/soft"
)

const (
	testSlotsPerFrame = 16
	testBytesPerFrame = 1024
)

type rig struct {
	dev       *soft.Device
	queue     *CommandQueue
	pool      *CommandPool
	heap      hal.DescriptorHeap
	buffer    hal.Buffer
	desc      *DescriptorRing
	constants *ConstantRing
	orch      *Orchestrator
}

func newRig(t *testing.T, numFrames uint32) *rig {
	t.Helper()
	r := &rig{dev: soft.New(soft.Options{Name: t.Name()})}
	t.Cleanup(r.dev.Destroy)

	var err error
	if r.queue, err = NewCommandQueue(r.dev); err != nil {
		t.Fatal(err)
	}
	if r.pool, err = NewCommandPool(r.dev, r.queue.Fence(), int(numFrames)*2+1); err != nil {
		t.Fatal(err)
	}
	if r.heap, err = r.dev.CreateDescriptorHeap(hal.DescriptorHeapDesc{
		Label:         "test",
		Capacity:      testSlotsPerFrame * numFrames,
		ShaderVisible: true,
	}); err != nil {
		t.Fatal(err)
	}
	if r.buffer, err = r.dev.CreateBuffer(hal.BufferDesc{
		Label: "constants",
		Size:  testBytesPerFrame * uint64(numFrames),
		Usage: hal.BufferUsageConstant,
	}); err != nil {
		t.Fatal(err)
	}
	if r.desc, err = NewDescriptorRing(r.heap, 0, testSlotsPerFrame, numFrames); err != nil {
		t.Fatal(err)
	}
	if r.constants, err = NewConstantRing(r.buffer, testBytesPerFrame, numFrames, 256); err != nil {
		t.Fatal(err)
	}
	if r.orch, err = NewOrchestrator(OrchestratorDesc{
		Presenter:   r.dev,
		Queue:       r.queue,
		Pool:        r.pool,
		Descriptors: r.desc,
		Constants:   r.constants,
		NumFrames:   numFrames,
	}); err != nil {
		t.Fatal(err)
	}
	return r
}

// runFrame begins and ends one frame.
func (r *rig) runFrame(t *testing.T) *Frame {
	t.Helper()
	f, err := r.orch.BeginFrame()
	if err != nil {
		t.Fatalf("BeginFrame() = %v", err)
	}
	if err := r.orch.EndFrame(); err != nil {
		t.Fatalf("EndFrame() = %v", err)
	}
	return f
}

func TestDescriptorRingMonotonic(t *testing.T) {
	r := newRig(t, 2)

	var last uint32
	for i, n := range []uint32{3, 5, 1, 7} {
		rng, err := r.desc.Allocate(n)
		if err != nil {
			t.Fatalf("Allocate(%d) = %v", n, err)
		}
		if i > 0 && rng.First < last {
			t.Fatalf("allocation %d starts at %d, overlapping previous end %d", i, rng.First, last)
		}
		if rng.CPU != r.heap.CPUHandle(rng.First) || rng.GPU != r.heap.GPUHandle(rng.First) {
			t.Fatalf("allocation %d handles do not match heap slot %d", i, rng.First)
		}
		last = rng.First + rng.Count
	}
	if last != 16 {
		t.Fatalf("allocations end at %d, want 16", last)
	}
}

func TestDescriptorRingCapacity(t *testing.T) {
	r := newRig(t, 2)

	if _, err := r.desc.Allocate(14); err != nil {
		t.Fatal(err)
	}
	_, err := r.desc.Allocate(3)
	if !errors.Is(err, core.ErrCapacityExhausted) {
		t.Fatalf("Allocate(3) = %v, want ErrCapacityExhausted", err)
	}
	var capErr *CapacityError
	if !errors.As(err, &capErr) || capErr.Remaining != 2 || capErr.Requested != 3 {
		t.Fatalf("error = %#v, want 3 requested with 2 remaining", err)
	}
	// A failed request does not consume anything.
	rng, err := r.desc.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate(2) after failure = %v", err)
	}
	if rng.First != 14 {
		t.Fatalf("First = %d, want 14", rng.First)
	}
	if _, err := r.desc.Allocate(0); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("Allocate(0) = %v, want ErrInvalidState", err)
	}
}

func TestRingsWrapAfterNumFrames(t *testing.T) {
	r := newRig(t, 3)

	first := func() uint32 {
		t.Helper()
		rng, err := r.desc.Allocate(1)
		if err != nil {
			t.Fatal(err)
		}
		return rng.First
	}
	address := func() uint64 {
		t.Helper()
		a, err := r.constants.Allocate(4)
		if err != nil {
			t.Fatal(err)
		}
		return a.GPUAddress
	}

	want := []uint32{0, 16, 32, 0}
	base := r.buffer.GPUAddress()
	for frame := uint64(0); frame < 4; frame++ {
		if frame > 0 {
			ev := NewFrameAdvance(frame, 3)
			if err := r.desc.Advance(ev); err != nil {
				t.Fatal(err)
			}
			if err := r.constants.Advance(ev); err != nil {
				t.Fatal(err)
			}
		}
		if got := first(); got != want[frame] {
			t.Errorf("frame %d: descriptor slot %d, want %d", frame, got, want[frame])
		}
		wantAddr := base + uint64(want[frame]/testSlotsPerFrame)*testBytesPerFrame
		if got := address(); got != wantAddr {
			t.Errorf("frame %d: constant address %#x, want %#x", frame, got, wantAddr)
		}
	}
}

func TestRingAdvanceOutOfSync(t *testing.T) {
	r := newRig(t, 3)

	tests := []struct {
		name string
		ev   FrameAdvance
	}{
		{"skips a frame", NewFrameAdvance(2, 3)},
		{"repeats the frame", NewFrameAdvance(0, 3)},
		{"other frame count", NewFrameAdvance(1, 2)},
		{"wrong slot", FrameAdvance{Frame: 1, Slot: 2, NumFrames: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.desc.Advance(tt.ev); !errors.Is(err, core.ErrFrameOutOfSync) {
				t.Fatalf("descriptor Advance(%+v) = %v", tt.ev, err)
			}
			if err := r.constants.Advance(tt.ev); !errors.Is(err, core.ErrFrameOutOfSync) {
				t.Fatalf("constant Advance(%+v) = %v", tt.ev, err)
			}
		})
	}
}

func TestConstantRingAlignment(t *testing.T) {
	r := newRig(t, 2)

	a, err := r.constants.Allocate(10)
	if err != nil {
		t.Fatal(err)
	}
	addr, err := r.constants.Write([]byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if addr-a.GPUAddress != 256 {
		t.Fatalf("second allocation %d bytes after the first, want 256", addr-a.GPUAddress)
	}
	if len(a.Data) != 10 || cap(a.Data) != 10 {
		t.Fatalf("Data has len %d cap %d, want 10", len(a.Data), cap(a.Data))
	}
	if got := r.buffer.Mapped()[256:259]; got[0] != 1 || got[2] != 3 {
		t.Fatalf("mapped bytes = %v", got)
	}
	// 1024 bytes per frame: two slots used, two 256 byte slots remain.
	if _, err := r.constants.Allocate(513); !errors.Is(err, core.ErrCapacityExhausted) {
		t.Fatalf("Allocate(513) = %v, want ErrCapacityExhausted", err)
	}
}

func TestConstantRingRejectsOversizedRequest(t *testing.T) {
	r := newRig(t, 2)

	for _, size := range []uint64{^uint64(0), ^uint64(0) - 255, testBytesPerFrame + 1} {
		_, err := r.constants.Allocate(size)
		var capErr *CapacityError
		if !errors.As(err, &capErr) || !errors.Is(err, core.ErrCapacityExhausted) {
			t.Fatalf("Allocate(%d) = %v, want a capacity error", size, err)
		}
		if capErr.Remaining != testBytesPerFrame {
			t.Errorf("Allocate(%d) reports %d remaining, want %d", size, capErr.Remaining, testBytesPerFrame)
		}
	}
	// The failed requests consumed nothing.
	if _, err := r.constants.Allocate(testBytesPerFrame); err != nil {
		t.Fatalf("Allocate of the whole partition = %v", err)
	}
}

func TestOrchestratorOversizedConstantsAbortFrame(t *testing.T) {
	r := newRig(t, 2)
	if _, err := r.orch.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.orch.AllocateConstants(^uint64(0)); !errors.Is(err, core.ErrCapacityExhausted) {
		t.Fatalf("AllocateConstants = %v, want ErrCapacityExhausted", err)
	}
	if r.orch.State() != FrameIdle {
		t.Fatalf("state = %s after capacity error, want idle", r.orch.State())
	}
}

func TestStaticDescriptorsNeverWrap(t *testing.T) {
	r := newRig(t, 2)

	static, err := NewStaticDescriptorAllocator(r.heap, 28, 4)
	if err != nil {
		t.Fatal(err)
	}
	rng, err := static.Allocate(4)
	if err != nil {
		t.Fatal(err)
	}
	if rng.First != 28 {
		t.Fatalf("First = %d, want 28", rng.First)
	}
	if _, err := static.Allocate(1); !errors.Is(err, core.ErrCapacityExhausted) {
		t.Fatalf("Allocate past the end = %v, want ErrCapacityExhausted", err)
	}
	if _, err := NewStaticDescriptorAllocator(r.heap, 30, 4); !errors.Is(err, core.ErrInvalidConfig) {
		t.Fatalf("oversized region = %v, want ErrInvalidConfig", err)
	}
}

func TestFenceIdempotentWait(t *testing.T) {
	r := newRig(t, 2)

	cb, err := r.pool.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	v, err := r.queue.Submit(cb)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 || cb.FenceValue() != 1 || cb.State() != CommandBufferSubmitted {
		t.Fatalf("Submit = %d, buffer fence %d state %s", v, cb.FenceValue(), cb.State())
	}
	for i := 0; i < 2; i++ {
		if err := r.queue.Wait(v); err != nil {
			t.Fatalf("Wait #%d = %v", i, err)
		}
	}
	if !r.queue.Fence().IsComplete(v) {
		t.Fatal("fence not complete after Wait")
	}
	if err := r.queue.Fence().Wait(v + 5); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("Wait on unsignaled value = %v, want ErrInvalidState", err)
	}
}

func TestSignalCoversEarlierSubmissions(t *testing.T) {
	r := newRig(t, 2)
	r.dev.Pause()

	cb, _ := r.pool.Acquire()
	v1, err := r.queue.Submit(cb)
	if err != nil {
		t.Fatal(err)
	}
	v2, err := r.queue.Signal()
	if err != nil {
		t.Fatal(err)
	}
	if v2 <= v1 {
		t.Fatalf("Signal() = %d, not after %d", v2, v1)
	}
	r.dev.Resume()
	if err := r.queue.Wait(v2); err != nil {
		t.Fatal(err)
	}
	if !r.queue.Fence().IsComplete(v1) {
		t.Fatalf("value %d incomplete after waiting on %d", v1, v2)
	}
}

func TestPoolAcquireWaitsForInFlightBuffer(t *testing.T) {
	dev := soft.New(soft.Options{Name: t.Name()})
	t.Cleanup(dev.Destroy)
	queue, err := NewCommandQueue(dev)
	if err != nil {
		t.Fatal(err)
	}
	pool, err := NewCommandPool(dev, queue.Fence(), 2)
	if err != nil {
		t.Fatal(err)
	}

	dev.Pause()
	for i := 0; i < 2; i++ {
		cb, err := pool.Acquire()
		if err != nil {
			t.Fatal(err)
		}
		if _, err := queue.Submit(cb); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan *CommandBuffer)
	go func() {
		cb, err := pool.Acquire()
		if err != nil {
			t.Error(err)
		}
		done <- cb
	}()

	select {
	case <-done:
		t.Fatal("Acquire returned a buffer that is still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	dev.Resume()
	select {
	case cb := <-done:
		if cb.Index() != 0 || cb.State() != CommandBufferRecording {
			t.Fatalf("got buffer %d in state %s, want buffer 0 recording", cb.Index(), cb.State())
		}
		if !queue.Fence().IsComplete(1) {
			t.Fatal("buffer reused before its fence value completed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Acquire did not return after the device resumed")
	}
}

func TestPoolConcurrentAcquire(t *testing.T) {
	const workers = 8
	dev := soft.New(soft.Options{Name: t.Name()})
	t.Cleanup(dev.Destroy)
	queue, err := NewCommandQueue(dev)
	if err != nil {
		t.Fatal(err)
	}
	pool, err := NewCommandPool(dev, queue.Fence(), workers)
	if err != nil {
		t.Fatal(err)
	}

	buffers := make([]*CommandBuffer, workers)
	errs := make([]error, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			buffers[i], errs[i] = pool.Acquire()
		}(i)
	}
	close(start)
	wg.Wait()

	seen := make(map[int]bool)
	for i, cb := range buffers {
		if errs[i] != nil {
			t.Fatalf("worker %d: Acquire() = %v", i, errs[i])
		}
		if seen[cb.Index()] {
			t.Fatalf("buffer %d handed out twice", cb.Index())
		}
		seen[cb.Index()] = true
		if cb.State() != CommandBufferRecording {
			t.Errorf("buffer %d is %s, want recording", cb.Index(), cb.State())
		}
	}
}

func TestPoolRejectsBufferStillRecording(t *testing.T) {
	dev := soft.New(soft.Options{Name: t.Name()})
	t.Cleanup(dev.Destroy)
	queue, _ := NewCommandQueue(dev)
	pool, err := NewCommandPool(dev, queue.Fence(), 1)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := pool.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Acquire(); !errors.Is(err, core.ErrCommandBufferBusy) {
		t.Fatalf("second Acquire = %v, want ErrCommandBufferBusy", err)
	}
	pool.Release(cb)
	if _, err := pool.Acquire(); err != nil {
		t.Fatalf("Acquire after Release = %v", err)
	}
}

func TestCommandsOnlyWhileRecording(t *testing.T) {
	r := newRig(t, 2)
	cb, _ := r.pool.Acquire()
	if _, err := cb.Commands(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.queue.Submit(cb); err != nil {
		t.Fatal(err)
	}
	if _, err := cb.Commands(); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("Commands() after submit = %v, want ErrInvalidState", err)
	}
	if _, err := r.queue.Submit(cb); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("second Submit = %v, want ErrInvalidState", err)
	}
}

func TestDeviceLossIsFatal(t *testing.T) {
	r := newRig(t, 2)
	r.dev.Lose()

	cb, err := r.pool.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.queue.Submit(cb)
	if !IsDeviceLost(err) {
		t.Fatalf("Submit on lost device = %v", err)
	}
	if !IsDeviceLost(r.queue.Lost()) {
		t.Fatalf("Lost() = %v", r.queue.Lost())
	}
	if _, err := r.queue.Signal(); !IsDeviceLost(err) {
		t.Fatalf("Signal after loss = %v", err)
	}
	if _, err := r.orch.BeginFrame(); !IsDeviceLost(err) {
		t.Fatalf("BeginFrame after loss = %v", err)
	}
}

func TestContentErrorKeepsQueueUsable(t *testing.T) {
	r := newRig(t, 2)

	cb, _ := r.pool.Acquire()
	list, _ := cb.Commands()
	// A pipeline from no device is a recording error reported by Close.
	list.SetRayTracingPipeline(nil)
	if _, err := r.queue.Submit(cb); err == nil || IsDeviceLost(err) {
		t.Fatalf("Submit of a bad list = %v, want a content error", err)
	}
	if cb.State() != CommandBufferReady {
		t.Fatalf("dropped buffer is %s, want ready", cb.State())
	}
	if err := r.queue.Flush(); err != nil {
		t.Fatalf("Flush after content error = %v", err)
	}
}

func TestOrchestratorSkipsWaitsForFirstFrames(t *testing.T) {
	r := newRig(t, 3)
	r.dev.Pause()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			if _, err := r.orch.BeginFrame(); err != nil {
				t.Error(err)
				return
			}
			if err := r.orch.EndFrame(); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("the first NumFrames frames blocked on the GPU")
	}

	fourth := make(chan *Frame)
	go func() {
		f, err := r.orch.BeginFrame()
		if err != nil {
			t.Error(err)
		}
		fourth <- f
	}()
	select {
	case <-fourth:
		t.Fatal("frame 4 started before frame 1 left the GPU")
	case <-time.After(50 * time.Millisecond):
	}

	r.dev.Resume()
	select {
	case f := <-fourth:
		if f.Number != 4 || f.Slot != 1 {
			t.Fatalf("frame = %d slot %d, want 4 slot 1", f.Number, f.Slot)
		}
		if !r.queue.Fence().IsComplete(1) {
			t.Fatal("slot 1 reused before frame 1 completed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("frame 4 never started")
	}
	if n, _ := r.orch.Metrics().Waits(); n != 1 {
		t.Fatalf("recorded %d waits, want 1", n)
	}
	if err := r.orch.EndFrame(); err != nil {
		t.Fatal(err)
	}
	if got := r.dev.Presents(); got != 4 {
		t.Fatalf("Presents() = %d, want 4", got)
	}
}

func TestOrchestratorStateMachine(t *testing.T) {
	r := newRig(t, 2)

	if err := r.orch.EndFrame(); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("EndFrame while idle = %v", err)
	}
	if _, err := r.orch.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	if r.orch.State() != FrameRecording {
		t.Fatalf("State() = %s, want recording", r.orch.State())
	}
	if _, err := r.orch.BeginFrame(); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("nested BeginFrame = %v", err)
	}
	if err := r.orch.Setup(func(*CommandBuffer) error { return nil }); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("Setup after frame 0 = %v", err)
	}
	if err := r.orch.EndFrame(); err != nil {
		t.Fatal(err)
	}
	if r.orch.State() != FrameIdle {
		t.Fatalf("State() = %s, want idle", r.orch.State())
	}
	if _, err := r.orch.AllocateDescriptors(1); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("allocation between frames = %v", err)
	}
}

func TestOrchestratorAdvancesRingsAndTrackers(t *testing.T) {
	r := newRig(t, 2)
	tr := &countingAdvancer{}
	if err := r.orch.Track(tr); err != nil {
		t.Fatal(err)
	}

	// Frame 0 allocations are allowed while idle and use slot 0.
	rng, err := r.orch.AllocateDescriptors(2)
	if err != nil || rng.First != 0 || rng.Frame != 0 {
		t.Fatalf("setup allocation = %+v, %v", rng, err)
	}

	for frame := uint64(1); frame <= 3; frame++ {
		f, err := r.orch.BeginFrame()
		if err != nil {
			t.Fatal(err)
		}
		rng, err := r.orch.AllocateDescriptors(1)
		if err != nil {
			t.Fatal(err)
		}
		if rng.Frame != frame || rng.First != f.Slot*testSlotsPerFrame {
			t.Fatalf("frame %d: range %+v", frame, rng)
		}
		c, err := r.orch.AllocateConstants(16)
		if err != nil {
			t.Fatal(err)
		}
		if c.Frame != frame {
			t.Fatalf("constant allocation tagged with frame %d, want %d", c.Frame, frame)
		}
		if err := r.orch.EndFrame(); err != nil {
			t.Fatal(err)
		}
	}
	if len(tr.events) != 3 || tr.events[2].Frame != 3 || tr.events[2].Slot != 1 {
		t.Fatalf("tracker saw %+v", tr.events)
	}
}

type countingAdvancer struct {
	events []FrameAdvance
}

func (c *countingAdvancer) Advance(ev FrameAdvance) error {
	c.events = append(c.events, ev)
	return nil
}

func TestOrchestratorCapacityAbortsFrame(t *testing.T) {
	r := newRig(t, 2)

	if _, err := r.orch.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.orch.AllocateDescriptors(testSlotsPerFrame + 1); !errors.Is(err, core.ErrCapacityExhausted) {
		t.Fatalf("oversized allocation = %v", err)
	}
	if r.orch.State() != FrameIdle {
		t.Fatalf("State() = %s after capacity error, want idle", r.orch.State())
	}
	if err := r.orch.EndFrame(); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("EndFrame of an aborted frame = %v", err)
	}
	if r.dev.Presents() != 0 {
		t.Fatal("aborted frame was presented")
	}
	if f := r.runFrame(t); f.Number != 2 {
		t.Fatalf("next frame = %d, want 2", f.Number)
	}
}

func TestOrchestratorSubmitsSecondaryBuffers(t *testing.T) {
	r := newRig(t, 2)

	f, err := r.orch.BeginFrame()
	if err != nil {
		t.Fatal(err)
	}
	var extra []*CommandBuffer
	for i := 0; i < 2; i++ {
		cb, err := r.orch.AcquireCommandBuffer()
		if err != nil {
			t.Fatal(err)
		}
		extra = append(extra, cb)
	}
	if err := r.orch.EndFrame(); err != nil {
		t.Fatal(err)
	}
	for _, cb := range extra {
		if cb.FenceValue() != f.Commands.FenceValue() || cb.State() != CommandBufferSubmitted {
			t.Fatalf("buffer %d: fence %d state %s, primary fence %d", cb.Index(), cb.FenceValue(), cb.State(), f.Commands.FenceValue())
		}
	}
	if _, err := r.orch.AcquireCommandBuffer(); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("AcquireCommandBuffer between frames = %v", err)
	}
}

func TestOrchestratorAbortReleasesBuffers(t *testing.T) {
	r := newRig(t, 2)

	f, err := r.orch.BeginFrame()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.orch.AbortFrame(errors.New("test")); err != nil {
		t.Fatal(err)
	}
	if f.Commands.State() != CommandBufferReady {
		t.Fatalf("aborted buffer is %s, want ready", f.Commands.State())
	}
	if err := r.orch.AbortFrame(errors.New("again")); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("AbortFrame while idle = %v", err)
	}
}

func TestOrchestratorDeferredDestruction(t *testing.T) {
	r := newRig(t, 3)

	destroyed := false
	if _, err := r.orch.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	r.orch.Defer(func() { destroyed = true })

	r.dev.Pause()
	if err := r.orch.EndFrame(); err != nil {
		t.Fatal(err)
	}
	// Frame 2 starts without waiting and must not run the callback yet.
	r.runFrame(t)
	if destroyed {
		t.Fatal("deferred function ran while its frame was in flight")
	}

	r.dev.Resume()
	if err := r.orch.Flush(); err != nil {
		t.Fatal(err)
	}
	if !destroyed {
		t.Fatal("deferred function did not run after Flush")
	}
}

func TestOrchestratorSetupProtectsSlotZero(t *testing.T) {
	r := newRig(t, 2)

	err := r.orch.Setup(func(cb *CommandBuffer) error {
		_, err := cb.Commands()
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.queue.Fence().LastSignaled() != 1 {
		t.Fatalf("setup did not submit, last signaled %d", r.queue.Fence().LastSignaled())
	}
	r.runFrame(t)
	// Frame 2 reuses slot 0 and so waits for the setup submission.
	if _, err := r.orch.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	if !r.queue.Fence().IsComplete(1) {
		t.Fatal("slot 0 reused before the setup submission completed")
	}
}
