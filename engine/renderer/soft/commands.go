package soft

import (
	"fmt"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

type listState uint8

const (
	listClosed listState = iota
	listRecording
	listDestroyed
)

type opcode uint8

const (
	opSetHeap opcode = iota
	opSetPipeline
	opSetGlobals
	opBuildAccelerationStructure
	opDispatchRays
)

type command struct {
	op       opcode
	heap     *DescriptorHeap
	pipeline *Pipeline
	globals  []uint64
	as       *AccelerationStructure
	dispatch hal.DispatchRaysDesc
}

// CommandList is not safe for concurrent use; one recorder at a time.
type CommandList struct {
	dev      *Device
	state    listState
	commands []command
	err      error
}

func (l *CommandList) Reset() error {
	if l.state == listDestroyed {
		return fmt.Errorf("reset of a destroyed command list: %w", core.ErrInvalidState)
	}
	l.state = listRecording
	l.commands = l.commands[:0]
	l.err = nil
	return nil
}

func (l *CommandList) Close() error {
	if l.state != listRecording {
		return fmt.Errorf("close of a command list that is not recording: %w", core.ErrInvalidState)
	}
	l.state = listClosed
	return l.err
}

func (l *CommandList) fail(format string, args ...interface{}) {
	if l.err == nil {
		l.err = fmt.Errorf(format, args...)
	}
}

func (l *CommandList) record(cmd command) {
	if l.state != listRecording {
		l.fail("recording into a command list that is not open: %w", core.ErrInvalidState)
		return
	}
	l.commands = append(l.commands, cmd)
}

func (l *CommandList) SetDescriptorHeap(heap hal.DescriptorHeap) {
	h, ok := heap.(*DescriptorHeap)
	if !ok {
		l.fail("descriptor heap %T does not belong to the soft device", heap)
		return
	}
	if !h.visible {
		l.fail("descriptor heap %q is not shader visible", h.label)
		return
	}
	l.record(command{op: opSetHeap, heap: h})
}

func (l *CommandList) SetRayTracingPipeline(pipeline hal.RayTracingPipeline) {
	p, ok := pipeline.(*Pipeline)
	if !ok {
		l.fail("pipeline %T does not belong to the soft device", pipeline)
		return
	}
	l.record(command{op: opSetPipeline, pipeline: p})
}

func (l *CommandList) SetGlobalBindings(handles []uint64) {
	l.record(command{op: opSetGlobals, globals: append([]uint64(nil), handles...)})
}

func (l *CommandList) BuildAccelerationStructure(as hal.AccelerationStructure) {
	a, ok := as.(*AccelerationStructure)
	if !ok {
		l.fail("acceleration structure %T does not belong to the soft device", as)
		return
	}
	l.record(command{op: opBuildAccelerationStructure, as: a})
}

func (l *CommandList) DispatchRays(desc *hal.DispatchRaysDesc) {
	l.record(command{op: opDispatchRays, dispatch: *desc})
}

func (l *CommandList) Destroy() {
	l.state = listDestroyed
	l.commands = nil
}
