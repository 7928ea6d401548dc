package engine

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/spaghettifunk/anima-rt/engine/assets"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/frame"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
	"github.com/spaghettifunk/anima-rt/engine/renderer/soft"
	"github.com/spaghettifunk/anima-rt/engine/renderer/vulkan"
	"github.com/spaghettifunk/anima-rt/engine/systems"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently booting up
	EngineStageBooting
	// Engine completed boot process and is ready to be initialized
	EngineStageBootComplete
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

type Engine struct {
	currentStage  Stage
	gameInstance  *Game
	config        *core.Config
	isRunning     atomic.Bool
	device        hal.Device
	assetManager  *assets.AssetManager
	systemManager *systems.SystemManager
	clock         *core.Clock
	lastTime      float64

	frames  uint64
	skipped uint64
}

func New(g *Game) (*Engine, error) {
	e := &Engine{
		currentStage: EngineStageBooting,
		gameInstance: g,
		clock:        core.NewClock(),
	}

	cfg, err := loadConfig(g.ApplicationConfig)
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	e.config = cfg
	core.SetLogLevel(core.ParseLogLevel(cfg.LogLevel))
	if g.ApplicationConfig.LogLevel != nil {
		core.SetLogLevel(*g.ApplicationConfig.LogLevel)
	}

	if e.device, err = newDevice(cfg, g.ApplicationConfig); err != nil {
		core.LogError(err.Error())
		return nil, err
	}

	if e.assetManager, err = assets.NewAssetManager(); err != nil {
		core.LogError(err.Error())
		e.device.Destroy()
		return nil, err
	}

	if e.systemManager, err = systems.NewSystemManager(cfg, e.device, e.assetManager); err != nil {
		core.LogError(err.Error())
		_ = e.assetManager.Shutdown()
		e.device.Destroy()
		return nil, err
	}

	e.isRunning.Store(true)
	e.currentStage = EngineStageBootComplete
	return e, nil
}

func loadConfig(app *ApplicationConfig) (*core.Config, error) {
	switch {
	case app.Config != nil:
		return app.Config, app.Config.Validate()
	case app.ConfigPath != "":
		return core.LoadConfig(app.ConfigPath)
	}
	return core.DefaultConfig(), nil
}

func newDevice(cfg *core.Config, app *ApplicationConfig) (hal.Device, error) {
	switch cfg.Renderer.Backend {
	case core.BackendVulkan:
		vr := vulkan.New(app.Name, app.Debug)
		if err := vr.Initialize(); err != nil {
			return nil, fmt.Errorf("failed to initialize the vulkan backend: %w", err)
		}
		return vr, nil
	case core.BackendSoft:
		return soft.New(soft.Options{Name: app.Name}), nil
	}
	return nil, fmt.Errorf("unknown backend %q: %w", cfg.Renderer.Backend, core.ErrInvalidConfig)
}

func (e *Engine) Config() *core.Config {
	return e.config
}

func (e *Engine) SystemManager() *systems.SystemManager {
	return e.systemManager
}

func (e *Engine) Initialize() error {
	e.currentStage = EngineStageInitializing

	dir := e.config.Assets.Dir
	if _, err := os.Stat(dir); err == nil {
		if err := e.assetManager.Initialize(dir, e.config.Assets.Watch); err != nil {
			return err
		}
	} else {
		core.LogWarn("asset directory %s not found, shader hot reload disabled: %s", dir, err)
	}

	if e.gameInstance.FnInitialize != nil {
		if err := e.gameInstance.FnInitialize(e.systemManager); err != nil {
			return err
		}
	}
	e.currentStage = EngineStageInitialized
	return nil
}

// Stop makes Run return after the frame in progress. Safe to call from any
// goroutine.
func (e *Engine) Stop() {
	e.isRunning.Store(false)
}

// Run drives frames until Stop is called, the configured number of frames
// has been rendered or an unrecoverable error occurs.
func (e *Engine) Run() error {
	e.currentStage = EngineStageRunning

	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed().Seconds()

	renderer := e.systemManager.RendererSystem
	maxFrames := e.config.Renderer.MaxFrames

	for e.isRunning.Load() {
		if maxFrames != 0 && e.frames >= maxFrames {
			break
		}
		e.clock.Update()
		currentTime := e.clock.Elapsed().Seconds()
		delta := currentTime - e.lastTime

		if e.gameInstance.FnUpdate != nil {
			if err := e.gameInstance.FnUpdate(delta); err != nil {
				core.LogError("Game update failed, shutting down: %s", err)
				return err
			}
		}

		if err := e.renderFrame(renderer, delta); err != nil {
			core.LogError("Game render failed, shutting down: %s", err)
			return err
		}
		e.lastTime = currentTime
	}

	metrics := renderer.Orchestrator().Metrics()
	waits, waited := metrics.Waits()
	core.LogInfo("rendered %d frames (%d skipped), %.2f ms/frame, %d fence waits totalling %s",
		e.frames, e.skipped, metrics.FrameTime(), waits, waited)
	return nil
}

func (e *Engine) renderFrame(renderer *systems.RendererSystem, delta float64) error {
	f, err := renderer.BeginFrame()
	if err != nil {
		return err
	}
	if e.gameInstance.FnRender != nil {
		err = e.gameInstance.FnRender(f, delta)
	}
	if frameLocal(err) {
		// Ring allocations abort the frame themselves; anything else still
		// leaves it recording.
		if renderer.Orchestrator().State() == frame.FrameRecording {
			_ = renderer.AbortFrame(err)
		}
		core.LogWarn("frame %d skipped: %s", f.Number, err)
		e.skipped++
		e.frames++
		return nil
	}
	if err != nil {
		if renderer.Orchestrator().State() == frame.FrameRecording {
			_ = renderer.AbortFrame(err)
		}
		return err
	}
	if err := renderer.EndFrame(); err != nil {
		return err
	}
	e.frames++
	return nil
}

// frameLocal reports whether err only spoils the frame being recorded.
// Device loss and anything unexpected stop the loop.
func frameLocal(err error) bool {
	for _, target := range []error{
		core.ErrCapacityExhausted,
		core.ErrInstanceCountMismatch,
		core.ErrBindingMismatch,
		core.ErrStaleBinding,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Skipped returns how many frames were aborted and skipped.
func (e *Engine) Skipped() uint64 {
	return e.skipped
}

// Frames returns how many frames Run has started, skipped ones included.
func (e *Engine) Frames() uint64 {
	return e.frames
}

func (e *Engine) Shutdown() error {
	e.currentStage = EngineStageShuttingDown
	e.Stop()

	var errs []error
	if e.gameInstance.FnShutdown != nil {
		if err := e.gameInstance.FnShutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.systemManager.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if err := e.assetManager.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	e.device.Destroy()
	e.currentStage = EngineStageUninitialized
	return errors.Join(errs...)
}
