// Package frame paces CPU recording against the asynchronously executing
// GPU. Its pieces are the fence, command buffer pool and queue, the
// per-frame descriptor and constant rings, and the Orchestrator that ties
// them into a BeginFrame/EndFrame bracket.
package frame

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

// Fence is a monotonically increasing GPU completion counter. Only the
// CommandQueue that owns it advances the signaled value.
type Fence struct {
	timeline  hal.Timeline
	signaled  atomic.Uint64
	completed atomic.Uint64
}

func NewFence(device hal.Device) (*Fence, error) {
	tl, err := device.CreateTimeline()
	if err != nil {
		return nil, fmt.Errorf("failed to create fence: %w", err)
	}
	return &Fence{timeline: tl}, nil
}

// LastSignaled is the highest value handed to the device so far.
func (f *Fence) LastSignaled() uint64 {
	return f.signaled.Load()
}

func (f *Fence) observe(v uint64) {
	for {
		cur := f.completed.Load()
		if v <= cur || f.completed.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Completed queries the device for the last completed value.
func (f *Fence) Completed() (uint64, error) {
	v, err := f.timeline.Completed()
	f.observe(v)
	if err != nil {
		return f.completed.Load(), err
	}
	return f.completed.Load(), nil
}

// IsComplete reports whether v has been reached. It never blocks.
func (f *Fence) IsComplete(v uint64) bool {
	if v <= f.completed.Load() {
		return true
	}
	c, err := f.Completed()
	return err == nil && c >= v
}

// Wait blocks until the GPU has reached v. Waiting on a value that already
// completed returns immediately, any number of times.
func (f *Fence) Wait(v uint64) error {
	if v <= f.completed.Load() {
		return nil
	}
	if v > f.signaled.Load() {
		return fmt.Errorf("wait on fence value %d, last signaled is %d: %w", v, f.signaled.Load(), core.ErrInvalidState)
	}
	if err := f.timeline.Wait(v); err != nil {
		return fmt.Errorf("wait on fence value %d: %w", v, err)
	}
	f.observe(v)
	return nil
}

func (f *Fence) Destroy() {
	f.timeline.Destroy()
}

// IsDeviceLost reports whether err means the device is gone. Such errors are
// fatal for the process.
func IsDeviceLost(err error) bool {
	return errors.Is(err, core.ErrDeviceLost)
}
