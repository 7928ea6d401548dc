package frame

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

// CommandQueue submits command buffers to the device and owns the fence
// that tracks their completion.
type CommandQueue struct {
	device hal.Device
	fence  *Fence

	mu   sync.Mutex
	lost error
}

func NewCommandQueue(device hal.Device) (*CommandQueue, error) {
	fence, err := NewFence(device)
	if err != nil {
		return nil, err
	}
	return &CommandQueue{device: device, fence: fence}, nil
}

func (q *CommandQueue) Fence() *Fence {
	return q.fence
}

func (q *CommandQueue) markLost(err error) error {
	if IsDeviceLost(err) && q.lost == nil {
		q.lost = err
		core.LogError("command queue: %s", err)
	}
	return err
}

// Submit closes the buffers and enqueues them in order. The returned fence
// value completes once all of them have executed. Buffers must not be
// recorded into again until they are reacquired from the pool.
func (q *CommandQueue) Submit(cbs ...*CommandBuffer) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.lost != nil {
		return 0, q.lost
	}

	drop := func() {
		for _, cb := range cbs {
			cb.fenceValue.Store(0)
			cb.state.Store(int32(CommandBufferReady))
		}
	}

	for _, cb := range cbs {
		if s := cb.State(); s != CommandBufferRecording {
			return 0, fmt.Errorf("submit of command buffer %d in state %s: %w", cb.index, s, core.ErrInvalidState)
		}
	}

	lists := make([]hal.CommandList, 0, len(cbs))
	var closeErr error
	for _, cb := range cbs {
		if err := cb.list.Close(); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("command buffer %d: %w", cb.index, err)
		}
		cb.state.Store(int32(CommandBufferRecordingEnded))
		lists = append(lists, cb.list)
	}
	if closeErr != nil {
		// Content errors drop the work but leave the queue usable.
		drop()
		core.LogError(closeErr.Error())
		return 0, closeErr
	}

	value := q.fence.LastSignaled() + 1
	if err := q.device.Submit(lists, q.fence.timeline, value); err != nil {
		drop()
		return 0, q.markLost(fmt.Errorf("submit: %w", err))
	}
	q.fence.signaled.Store(value)
	for _, cb := range cbs {
		cb.fenceValue.Store(value)
		cb.state.Store(int32(CommandBufferSubmitted))
	}
	return value, nil
}

// Signal returns a fence value that completes after everything submitted
// before the call.
func (q *CommandQueue) Signal() (uint64, error) {
	return q.Submit()
}

func (q *CommandQueue) Wait(v uint64) error {
	if err := q.fence.Wait(v); err != nil {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.markLost(err)
	}
	return nil
}

// Flush blocks until the GPU has finished all submitted work.
func (q *CommandQueue) Flush() error {
	v, err := q.Signal()
	if err != nil {
		return err
	}
	return q.Wait(v)
}

// Lost returns the device loss that disabled the queue, if any.
func (q *CommandQueue) Lost() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lost
}

func (q *CommandQueue) Destroy() {
	q.fence.Destroy()
}
