package core

import (
	"errors"
)

var (
	// ErrCapacityExhausted means a per-frame ring ran out of space. The
	// current frame cannot be recorded any further and must be aborted.
	ErrCapacityExhausted = errors.New("capacity exhausted for this frame")
	// ErrPipelineBuild is a recoverable shader or pipeline creation failure.
	// The previous pipeline object stays active.
	ErrPipelineBuild = errors.New("pipeline build failed")
	// ErrDeviceLost is fatal for the process.
	ErrDeviceLost = errors.New("device lost")
	// ErrInstanceCountMismatch is returned when the bound top-level
	// acceleration structure and the shader table disagree on the number
	// of geometry instances.
	ErrInstanceCountMismatch = errors.New("acceleration structure instance count does not match shader table")

	ErrInvalidState       = errors.New("invalid state")
	ErrConstructionOrder  = errors.New("pipeline declared out of order")
	ErrUnknownName        = errors.New("unknown name")
	ErrDuplicateName      = errors.New("duplicate name")
	ErrBindingMismatch    = errors.New("binding does not match layout")
	ErrRecordOutOfRange   = errors.New("shader table record out of range")
	ErrStaleBinding       = errors.New("binding refers to a previous frame")
	ErrFrameOutOfSync     = errors.New("frame advance out of sequence")
	ErrCommandBufferBusy  = errors.New("command buffer still recording")
	ErrUnsupported        = errors.New("unsupported by device")
	ErrNoPipeline         = errors.New("no pipeline object has been built")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrIdentifierReleased = errors.New("identifier not in use")
)
