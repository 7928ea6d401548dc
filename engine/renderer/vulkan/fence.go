package vulkan

import (
	"fmt"
	"math"
	"sync"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rt/engine/containers"
	"github.com/spaghettifunk/anima-rt/engine/core"
)

type VulkanFence struct {
	Handle     vk.Fence
	IsSignaled bool
}

func NewFence(context *VulkanContext, createSignaled bool) (*VulkanFence, error) {
	fence := &VulkanFence{
		// Make sure to signal the fence if required.
		IsSignaled: createSignaled,
	}

	fenceCreateInfo := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}
	if fence.IsSignaled {
		fenceCreateInfo.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}

	var pFence vk.Fence
	if res := vk.CreateFence(context.Device.LogicalDevice, &fenceCreateInfo, context.Allocator, &pFence); res != vk.Success {
		err := fmt.Errorf("failed to create fence: %s", VulkanResultString(res, false))
		core.LogError(err.Error())
		return nil, err
	}
	fence.Handle = pFence
	return fence, nil
}

func (vf *VulkanFence) FenceDestroy(context *VulkanContext) {
	if vf.Handle != nil {
		vk.DestroyFence(context.Device.LogicalDevice, vf.Handle, context.Allocator)
		vf.Handle = nil
	}
	vf.IsSignaled = false
}

// FenceWait blocks for up to timeoutNs. A lost device is reported as
// core.ErrDeviceLost.
func (vf *VulkanFence) FenceWait(context *VulkanContext, timeoutNs uint64) (bool, error) {
	if vf.IsSignaled {
		// If already signaled, do not wait.
		return true, nil
	}
	result := vk.WaitForFences(context.Device.LogicalDevice, 1, []vk.Fence{vf.Handle}, vk.True, timeoutNs)
	return vf.handleResult(result, "vk_fence_wait")
}

// FenceStatus polls the fence without blocking.
func (vf *VulkanFence) FenceStatus(context *VulkanContext) (bool, error) {
	if vf.IsSignaled {
		return true, nil
	}
	return vf.handleResult(vk.GetFenceStatus(context.Device.LogicalDevice, vf.Handle), "vk_fence_status")
}

func (vf *VulkanFence) handleResult(result vk.Result, op string) (bool, error) {
	switch result {
	case vk.Success:
		vf.IsSignaled = true
		return true, nil
	case vk.Timeout, vk.NotReady:
		return false, nil
	case vk.ErrorDeviceLost:
		err := fmt.Errorf("%s - VK_ERROR_DEVICE_LOST: %w", op, core.ErrDeviceLost)
		core.LogError(err.Error())
		return false, err
	default:
		err := fmt.Errorf("%s - %s", op, VulkanResultString(result, true))
		core.LogError(err.Error())
		return false, err
	}
}

func (vf *VulkanFence) FenceReset(context *VulkanContext) error {
	if vf.IsSignaled {
		if res := vk.ResetFences(context.Device.LogicalDevice, 1, []vk.Fence{vf.Handle}); res != vk.Success {
			err := fmt.Errorf("failed to reset fence: %s", VulkanResultString(res, false))
			core.LogError(err.Error())
			return err
		}
		vf.IsSignaled = false
	}
	return nil
}

type pendingSignal struct {
	fence *VulkanFence
	value uint64
}

// VulkanTimeline emulates a timeline semaphore with one binary fence per
// submission. Fences retire in submission order.
type VulkanTimeline struct {
	context *VulkanContext

	mu        sync.Mutex
	completed uint64
	submitted uint64
	pending   *containers.RingQueue[pendingSignal]
	free      []*VulkanFence
	lost      error
}

func NewVulkanTimeline(context *VulkanContext) *VulkanTimeline {
	return &VulkanTimeline{
		context: context,
		pending: containers.NewRingQueue[pendingSignal](VULKAN_MAX_PENDING_SUBMISSIONS),
	}
}

// signalFence returns the fence the next submission must signal so that
// value completes with it. Called with the queue lock held.
func (t *VulkanTimeline) signalFence(value uint64) (*VulkanFence, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lost != nil {
		return nil, t.lost
	}
	if value <= t.submitted {
		return nil, fmt.Errorf("timeline value %d does not exceed %d: %w", value, t.submitted, core.ErrInvalidState)
	}
	if t.pending.IsFull() {
		if err := t.retireOldest(math.MaxUint64); err != nil {
			return nil, err
		}
	}

	var fence *VulkanFence
	if n := len(t.free); n > 0 {
		fence = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		f, err := NewFence(t.context, false)
		if err != nil {
			return nil, err
		}
		fence = f
	}
	if err := t.pending.Enqueue(pendingSignal{fence: fence, value: value}); err != nil {
		return nil, err
	}
	t.submitted = value
	return fence, nil
}

// retireOldest waits up to timeoutNs for the oldest pending fence.
func (t *VulkanTimeline) retireOldest(timeoutNs uint64) error {
	head, err := t.pending.Peek()
	if err != nil {
		return nil
	}
	var signaled bool
	if timeoutNs == 0 {
		signaled, err = head.fence.FenceStatus(t.context)
	} else {
		signaled, err = head.fence.FenceWait(t.context, timeoutNs)
	}
	if err != nil {
		t.lost = err
		return err
	}
	if !signaled {
		return nil
	}
	_, _ = t.pending.Dequeue()
	if err := head.fence.FenceReset(t.context); err != nil {
		return err
	}
	t.free = append(t.free, head.fence)
	t.completed = head.value
	return nil
}

func (t *VulkanTimeline) Completed() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for !t.pending.IsEmpty() && t.lost == nil {
		before := t.pending.Len()
		if err := t.retireOldest(0); err != nil {
			return t.completed, err
		}
		if t.pending.Len() == before {
			break
		}
	}
	return t.completed, t.lost
}

func (t *VulkanTimeline) Wait(value uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for t.completed < value {
		if t.lost != nil {
			return t.lost
		}
		if t.pending.IsEmpty() {
			return fmt.Errorf("wait on timeline value %d that was never submitted: %w", value, core.ErrInvalidState)
		}
		if err := t.retireOldest(math.MaxUint64); err != nil {
			return err
		}
	}
	return nil
}

func (t *VulkanTimeline) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for !t.pending.IsEmpty() {
		p, _ := t.pending.Dequeue()
		p.fence.FenceDestroy(t.context)
	}
	for _, f := range t.free {
		f.FenceDestroy(t.context)
	}
	t.free = nil
}

// abandon marks the timeline failed after a submission that was assigned a
// fence could not reach the queue.
func (t *VulkanTimeline) abandon(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lost == nil {
		t.lost = err
	}
}
