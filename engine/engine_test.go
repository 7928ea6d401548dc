package engine_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spaghettifunk/anima-rt/engine"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/frame"
	"github.com/spaghettifunk/anima-rt/testbed"
)

func testConfig(t *testing.T) *core.Config {
	t.Helper()
	dir := t.TempDir()
	library := filepath.Join(dir, "shaders", "pathtracer.rtlib")
	if err := os.MkdirAll(filepath.Dir(library), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(library, []byte("export RayGen\nexport Miss\nexport ClosestHit\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := core.DefaultConfig()
	cfg.Renderer.NumFrames = 2
	cfg.Renderer.MaxFrames = 6
	cfg.Renderer.Width, cfg.Renderer.Height = 8, 4
	cfg.Descriptors.SlotsPerFrame = 16
	cfg.Descriptors.StaticSlots = 4
	cfg.Constants.BytesPerFrame = 4096
	cfg.RayTracing.NumInstances = 2
	cfg.RayTracing.ShaderLibrary = library
	cfg.Assets.Dir = dir
	cfg.Assets.Watch = false
	return cfg
}

func TestRunTestbed(t *testing.T) {
	app := &engine.ApplicationConfig{Name: "engine test", Config: testConfig(t)}
	e, err := engine.New(testbed.NewTestGame(app).Game)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Initialize(); err != nil {
		_ = e.Shutdown()
		t.Fatal(err)
	}
	if err := e.Run(); err != nil {
		_ = e.Shutdown()
		t.Fatal(err)
	}
	if e.Frames() != 6 {
		t.Errorf("Frames() = %d, want 6", e.Frames())
	}
	if err := e.Shutdown(); err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
}

func TestStopBeforeRun(t *testing.T) {
	app := &engine.ApplicationConfig{Name: "engine test", Config: testConfig(t)}
	e, err := engine.New(&engine.Game{ApplicationConfig: app})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = e.Shutdown() }()
	if err := e.Initialize(); err != nil {
		t.Fatal(err)
	}
	e.Stop()
	if err := e.Run(); err != nil {
		t.Fatal(err)
	}
	if e.Frames() != 0 {
		t.Errorf("Frames() = %d after Stop, want 0", e.Frames())
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Renderer.NumFrames = 0
	if _, err := engine.New(&engine.Game{ApplicationConfig: &engine.ApplicationConfig{Config: cfg}}); err == nil {
		t.Fatal("invalid config accepted")
	}
}

func TestMismatchSkipsFrame(t *testing.T) {
	app := &engine.ApplicationConfig{Name: "engine test", Config: testConfig(t)}
	g := &engine.Game{ApplicationConfig: app}
	g.FnRender = func(f *frame.Frame, deltaTime float64) error {
		if f.Number%2 == 0 {
			return fmt.Errorf("frame %d: %w", f.Number, core.ErrInstanceCountMismatch)
		}
		return nil
	}
	e, err := engine.New(g)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = e.Shutdown() }()
	if err := e.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(); err != nil {
		t.Fatalf("Run() = %v, want the loop to continue past mismatches", err)
	}
	if e.Frames() != 6 || e.Skipped() != 3 {
		t.Errorf("Frames() = %d, Skipped() = %d, want 6 and 3", e.Frames(), e.Skipped())
	}
}

func TestDeviceLossStopsRun(t *testing.T) {
	app := &engine.ApplicationConfig{Name: "engine test", Config: testConfig(t)}
	g := &engine.Game{ApplicationConfig: app}
	g.FnRender = func(f *frame.Frame, deltaTime float64) error {
		return fmt.Errorf("frame %d: %w", f.Number, core.ErrDeviceLost)
	}
	e, err := engine.New(g)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = e.Shutdown() }()
	if err := e.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(); !errors.Is(err, core.ErrDeviceLost) {
		t.Fatalf("Run() = %v, want ErrDeviceLost", err)
	}
	if e.Frames() != 0 {
		t.Errorf("Frames() = %d after a fatal error, want 0", e.Frames())
	}
}
