package frame

import (
	"fmt"

	"github.com/spaghettifunk/anima-rt/engine/core"
)

// FrameAdvance is the single event that moves every per-frame allocator to
// the next frame. Only the Orchestrator creates them.
type FrameAdvance struct {
	// Frame is the number of the frame being started. Frame 0 is the setup
	// frame that exists before the first BeginFrame.
	Frame     uint64
	Slot      uint32
	NumFrames uint32
}

func NewFrameAdvance(frame uint64, numFrames uint32) FrameAdvance {
	return FrameAdvance{
		Frame:     frame,
		Slot:      uint32(frame % uint64(numFrames)),
		NumFrames: numFrames,
	}
}

// Advancer is implemented by everything partitioned per frame in flight.
type Advancer interface {
	Advance(ev FrameAdvance) error
}

// Follows validates that ev is the direct successor of frame current for an
// allocator named name that was built for numFrames frames in flight.
func (ev FrameAdvance) Follows(name string, current uint64, numFrames uint32) error {
	if ev.NumFrames != numFrames {
		return fmt.Errorf("%s: advance for %d frames in flight, configured for %d: %w", name, ev.NumFrames, numFrames, core.ErrFrameOutOfSync)
	}
	if ev.Frame != current+1 {
		return fmt.Errorf("%s: advance to frame %d from frame %d: %w", name, ev.Frame, current, core.ErrFrameOutOfSync)
	}
	if ev.Slot != uint32(ev.Frame%uint64(numFrames)) {
		return fmt.Errorf("%s: frame %d cannot use slot %d: %w", name, ev.Frame, ev.Slot, core.ErrFrameOutOfSync)
	}
	return nil
}
