package frame

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

// ConstantAllocation is a piece of the constant ring: Data is the CPU
// writable view of the bytes the GPU reads at GPUAddress.
type ConstantAllocation struct {
	GPUAddress uint64
	Offset     uint64
	Data       []byte
	Frame      uint64
}

// ConstantRing bump-allocates transient constant data out of a mapped
// buffer split into one partition per frame in flight.
type ConstantRing struct {
	buffer        hal.Buffer
	bytesPerFrame uint64
	numFrames     uint32
	alignment     uint64

	mu     sync.Mutex
	frame  uint64
	slot   uint32
	offset uint64
}

func NewConstantRing(buffer hal.Buffer, bytesPerFrame uint64, numFrames uint32, alignment uint64) (*ConstantRing, error) {
	if alignment == 0 || !math.IsPowerOfTwo(alignment) {
		return nil, fmt.Errorf("constant ring alignment %d is not a power of two: %w", alignment, core.ErrInvalidConfig)
	}
	if bytesPerFrame == 0 || bytesPerFrame%alignment != 0 {
		return nil, fmt.Errorf("constant ring partition of %d bytes is not a multiple of %d: %w", bytesPerFrame, alignment, core.ErrInvalidConfig)
	}
	if numFrames == 0 {
		return nil, fmt.Errorf("constant ring needs at least one frame: %w", core.ErrInvalidConfig)
	}
	if need := bytesPerFrame * uint64(numFrames); need > buffer.Size() {
		return nil, fmt.Errorf("constant ring needs %d bytes, buffer has %d: %w", need, buffer.Size(), core.ErrInvalidConfig)
	}
	return &ConstantRing{
		buffer:        buffer,
		bytesPerFrame: bytesPerFrame,
		numFrames:     numFrames,
		alignment:     alignment,
	}, nil
}

// Allocate reserves size bytes, aligned for constant buffer views.
func (r *ConstantRing) Allocate(size uint64) (ConstantAllocation, error) {
	if size == 0 {
		return ConstantAllocation{}, fmt.Errorf("constant ring: zero-sized allocation: %w", core.ErrInvalidState)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	remaining := r.bytesPerFrame - r.offset
	// Checked before aligning: sizes near 2^64 wrap when rounded up.
	if size > remaining || math.AlignUp(size, r.alignment) > remaining {
		return ConstantAllocation{}, &CapacityError{
			Ring:      "constant ring",
			Slot:      r.slot,
			Requested: size,
			Remaining: remaining,
		}
	}
	aligned := math.AlignUp(size, r.alignment)
	start := uint64(r.slot)*r.bytesPerFrame + r.offset
	r.offset += aligned
	return ConstantAllocation{
		GPUAddress: r.buffer.GPUAddress() + start,
		Offset:     start,
		Data:       r.buffer.Mapped()[start : start+size : start+size],
		Frame:      r.frame,
	}, nil
}

// Write copies data into a fresh allocation and returns its GPU address.
func (r *ConstantRing) Write(data []byte) (uint64, error) {
	a, err := r.Allocate(uint64(len(data)))
	if err != nil {
		return 0, err
	}
	copy(a.Data, data)
	return a.GPUAddress, nil
}

func (r *ConstantRing) Advance(ev FrameAdvance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ev.Follows("constant ring", r.frame, r.numFrames); err != nil {
		return err
	}
	r.frame = ev.Frame
	r.slot = ev.Slot
	r.offset = 0
	return nil
}

func (r *ConstantRing) Frame() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frame
}

func (r *ConstantRing) Buffer() hal.Buffer {
	return r.buffer
}
