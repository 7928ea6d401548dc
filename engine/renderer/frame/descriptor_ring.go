package frame

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

// CapacityError reports that an allocator has no room left for a request.
// It is fatal for the frame being recorded.
type CapacityError struct {
	Ring      string
	Slot      uint32
	Requested uint64
	Remaining uint64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s (frame slot %d): requested %d, %d remaining", e.Ring, e.Slot, e.Requested, e.Remaining)
}

func (e *CapacityError) Unwrap() error {
	return core.ErrCapacityExhausted
}

// DescriptorRange is a run of consecutive heap slots.
type DescriptorRange struct {
	heap  hal.DescriptorHeap
	First uint32
	Count uint32
	CPU   uint64
	GPU   uint64
	// Frame is the frame number the range was allocated in.
	Frame uint64
}

func (r DescriptorRange) Heap() hal.DescriptorHeap {
	return r.heap
}

func (r DescriptorRange) CPUHandle(i uint32) uint64 {
	return r.heap.CPUHandle(r.First + i)
}

func (r DescriptorRange) GPUHandle(i uint32) uint64 {
	return r.heap.GPUHandle(r.First + i)
}

// Write stores desc in the i-th slot of the range.
func (r DescriptorRange) Write(i uint32, desc hal.Descriptor) error {
	if i >= r.Count {
		return fmt.Errorf("descriptor %d of a range of %d: %w", i, r.Count, core.ErrRecordOutOfRange)
	}
	return r.heap.Write(r.First+i, desc)
}

// DescriptorRing splits slotsPerFrame*numFrames slots of a heap into one
// partition per frame in flight and bump-allocates inside the current one.
// It does no GPU synchronization of its own; the Orchestrator only advances
// it into a partition after the GPU finished with it.
type DescriptorRing struct {
	heap          hal.DescriptorHeap
	base          uint32
	slotsPerFrame uint32
	numFrames     uint32

	mu     sync.Mutex
	frame  uint64
	slot   uint32
	offset uint32
}

func NewDescriptorRing(heap hal.DescriptorHeap, base, slotsPerFrame, numFrames uint32) (*DescriptorRing, error) {
	if slotsPerFrame == 0 || numFrames == 0 {
		return nil, fmt.Errorf("descriptor ring needs slots and frames, got %d x %d: %w", slotsPerFrame, numFrames, core.ErrInvalidConfig)
	}
	if !heap.ShaderVisible() {
		return nil, fmt.Errorf("descriptor ring heap must be shader visible: %w", core.ErrInvalidConfig)
	}
	need := uint64(base) + uint64(slotsPerFrame)*uint64(numFrames)
	if need > uint64(heap.Capacity()) {
		return nil, fmt.Errorf("descriptor ring needs %d slots, heap has %d: %w", need, heap.Capacity(), core.ErrInvalidConfig)
	}
	return &DescriptorRing{
		heap:          heap,
		base:          base,
		slotsPerFrame: slotsPerFrame,
		numFrames:     numFrames,
	}, nil
}

func (r *DescriptorRing) Heap() hal.DescriptorHeap {
	return r.heap
}

// Allocate reserves count slots in the current frame's partition.
func (r *DescriptorRing) Allocate(count uint32) (DescriptorRange, error) {
	if count == 0 {
		return DescriptorRange{}, fmt.Errorf("descriptor ring: zero-sized allocation: %w", core.ErrInvalidState)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	remaining := r.slotsPerFrame - r.offset
	if count > remaining {
		return DescriptorRange{}, &CapacityError{
			Ring:      "descriptor ring",
			Slot:      r.slot,
			Requested: uint64(count),
			Remaining: uint64(remaining),
		}
	}
	first := r.base + r.slot*r.slotsPerFrame + r.offset
	r.offset += count
	return DescriptorRange{
		heap:  r.heap,
		First: first,
		Count: count,
		CPU:   r.heap.CPUHandle(first),
		GPU:   r.heap.GPUHandle(first),
		Frame: r.frame,
	}, nil
}

func (r *DescriptorRing) Advance(ev FrameAdvance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ev.Follows("descriptor ring", r.frame, r.numFrames); err != nil {
		return err
	}
	r.frame = ev.Frame
	r.slot = ev.Slot
	r.offset = 0
	return nil
}

// Frame is the number of the frame allocations currently belong to.
func (r *DescriptorRing) Frame() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frame
}

func (r *DescriptorRing) Remaining() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slotsPerFrame - r.offset
}

// StaticDescriptorAllocator hands out slots that live for the whole run.
// Slots are never freed and exhausting the region is an error.
type StaticDescriptorAllocator struct {
	heap     hal.DescriptorHeap
	base     uint32
	capacity uint32

	mu   sync.Mutex
	next uint32
}

func NewStaticDescriptorAllocator(heap hal.DescriptorHeap, base, capacity uint32) (*StaticDescriptorAllocator, error) {
	if uint64(base)+uint64(capacity) > uint64(heap.Capacity()) {
		return nil, fmt.Errorf("static descriptors [%d,%d) exceed heap capacity %d: %w", base, base+capacity, heap.Capacity(), core.ErrInvalidConfig)
	}
	return &StaticDescriptorAllocator{heap: heap, base: base, capacity: capacity}, nil
}

func (a *StaticDescriptorAllocator) Allocate(count uint32) (DescriptorRange, error) {
	if count == 0 {
		return DescriptorRange{}, fmt.Errorf("static descriptors: zero-sized allocation: %w", core.ErrInvalidState)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if count > a.capacity-a.next {
		return DescriptorRange{}, &CapacityError{
			Ring:      "static descriptors",
			Requested: uint64(count),
			Remaining: uint64(a.capacity - a.next),
		}
	}
	first := a.base + a.next
	a.next += count
	return DescriptorRange{
		heap:  a.heap,
		First: first,
		Count: count,
		CPU:   a.heap.CPUHandle(first),
		GPU:   a.heap.GPUHandle(first),
	}, nil
}

func (a *StaticDescriptorAllocator) Heap() hal.DescriptorHeap {
	return a.heap
}
