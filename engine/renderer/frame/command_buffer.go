package frame

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

type CommandBufferState int32

const (
	CommandBufferReady CommandBufferState = iota
	CommandBufferRecording
	CommandBufferRecordingEnded
	CommandBufferSubmitted
)

func (s CommandBufferState) String() string {
	switch s {
	case CommandBufferReady:
		return "ready"
	case CommandBufferRecording:
		return "recording"
	case CommandBufferRecordingEnded:
		return "recording ended"
	case CommandBufferSubmitted:
		return "submitted"
	}
	return "unknown"
}

// CommandBuffer owns one device command list and remembers the fence value
// of its last submission.
type CommandBuffer struct {
	index      int
	list       hal.CommandList
	state      atomic.Int32
	fenceValue atomic.Uint64
}

func (cb *CommandBuffer) State() CommandBufferState {
	return CommandBufferState(cb.state.Load())
}

// FenceValue is the value that marks the last submission complete, or zero.
func (cb *CommandBuffer) FenceValue() uint64 {
	return cb.fenceValue.Load()
}

func (cb *CommandBuffer) Index() int {
	return cb.index
}

// Commands gives access to the command list while the buffer is recording.
func (cb *CommandBuffer) Commands() (hal.CommandList, error) {
	if s := cb.State(); s != CommandBufferRecording {
		return nil, fmt.Errorf("command buffer %d is %s, not recording: %w", cb.index, s, core.ErrInvalidState)
	}
	return cb.list, nil
}

// claim moves a ready or submitted buffer into recording. It fails when
// another owner still holds the buffer.
func (cb *CommandBuffer) claim() (CommandBufferState, bool) {
	for {
		s := cb.state.Load()
		if CommandBufferState(s) != CommandBufferReady && CommandBufferState(s) != CommandBufferSubmitted {
			return CommandBufferState(s), false
		}
		if cb.state.CompareAndSwap(s, int32(CommandBufferRecording)) {
			return CommandBufferState(s), true
		}
	}
}

// CommandPool is a fixed ring of reusable command buffers. Acquire is its
// only synchronization point with the GPU.
type CommandPool struct {
	fence   *Fence
	buffers []*CommandBuffer

	mu   sync.Mutex
	next int
}

func NewCommandPool(device hal.Device, fence *Fence, size int) (*CommandPool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("command pool size must be positive, got %d: %w", size, core.ErrInvalidConfig)
	}
	p := &CommandPool{
		fence:   fence,
		buffers: make([]*CommandBuffer, size),
	}
	for i := range p.buffers {
		list, err := device.CreateCommandList()
		if err != nil {
			p.Destroy()
			return nil, fmt.Errorf("failed to create command buffer %d: %w", i, err)
		}
		p.buffers[i] = &CommandBuffer{index: i, list: list}
	}
	core.LogDebug("command pool created with %d buffers", size)
	return p, nil
}

func (p *CommandPool) Size() int {
	return len(p.buffers)
}

// Acquire returns the next buffer in ring order, reset and recording. If the
// buffer is still in flight, Acquire blocks until the GPU is done with it.
// Safe for concurrent use.
func (p *CommandPool) Acquire() (*CommandBuffer, error) {
	p.mu.Lock()
	cb := p.buffers[p.next]
	p.next = (p.next + 1) % len(p.buffers)
	p.mu.Unlock()

	prev, ok := cb.claim()
	if !ok {
		return nil, fmt.Errorf("command buffer %d is %s (pool of %d is too small): %w", cb.index, prev, len(p.buffers), core.ErrCommandBufferBusy)
	}
	if v := cb.fenceValue.Load(); v != 0 {
		if !p.fence.IsComplete(v) {
			core.LogDebug("command buffer %d waits for fence value %d", cb.index, v)
		}
		if err := p.fence.Wait(v); err != nil {
			cb.state.Store(int32(prev))
			return nil, err
		}
	}
	if err := cb.list.Reset(); err != nil {
		cb.state.Store(int32(CommandBufferReady))
		return nil, fmt.Errorf("failed to reset command buffer %d: %w", cb.index, err)
	}
	cb.fenceValue.Store(0)
	return cb, nil
}

// Release hands back a buffer that was acquired but will not be submitted.
func (p *CommandPool) Release(cb *CommandBuffer) {
	cb.fenceValue.Store(0)
	cb.state.Store(int32(CommandBufferReady))
}

func (p *CommandPool) Destroy() {
	for _, cb := range p.buffers {
		if cb != nil {
			cb.list.Destroy()
		}
	}
}
