package engine

import (
	"github.com/spaghettifunk/anima-rt/engine/renderer/frame"
	"github.com/spaghettifunk/anima-rt/engine/systems"
)

type Game struct {
	ApplicationConfig *ApplicationConfig
	State             interface{}
	FnInitialize      Initialize
	FnUpdate          Update
	FnRender          Render
	FnShutdown        Shutdown
}

type Initialize func(sm *systems.SystemManager) error
type Update func(deltaTime float64) error

// Render records one frame into f. Returning an error wrapping
// core.ErrCapacityExhausted skips the frame instead of stopping the engine.
type Render func(f *frame.Frame, deltaTime float64) error
type Shutdown func() error
