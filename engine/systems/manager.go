package systems

import (
	"errors"
	"runtime"

	"github.com/spaghettifunk/anima-rt/engine/assets"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

type SystemManager struct {
	JobSystem      *JobSystem
	RendererSystem *RendererSystem
}

func NewSystemManager(cfg *core.Config, device hal.Device, am *assets.AssetManager) (*SystemManager, error) {
	workers := int(cfg.Renderer.CommandBuffersPerFrame)
	if n := runtime.NumCPU(); workers > n {
		workers = n
	}
	js, err := NewJobSystem(workers, int(cfg.Renderer.CommandBuffersPerFrame)*2)
	if err != nil {
		return nil, err
	}

	rs, err := NewRendererSystem(cfg, device, js, am)
	if err != nil {
		_ = js.Shutdown()
		return nil, err
	}
	return &SystemManager{
		JobSystem:      js,
		RendererSystem: rs,
	}, nil
}

// Shutdown stops the systems in reverse order of creation.
func (sm *SystemManager) Shutdown() error {
	var errs []error
	if err := sm.RendererSystem.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if err := sm.JobSystem.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
