/*
This is an example of application that will use the
engine package to path trace a small scene
*/
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/anima-rt/engine"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/testbed"
)

func main() {
	configPath := flag.String("config", "anima.toml", "renderer configuration file")
	frames := flag.Uint64("frames", 0, "stop after this many frames (0 uses the config)")
	logLevel := flag.String("log", "", "log level override (debug, info, warn, error)")
	debug := flag.Bool("debug", false, "enable the vulkan validation layers")
	flag.Parse()

	app := &engine.ApplicationConfig{
		Name:  "Anima RT Testbed",
		Debug: *debug,
	}
	if _, err := os.Stat(*configPath); err == nil {
		app.ConfigPath = *configPath
	}
	if *logLevel != "" {
		level := core.ParseLogLevel(*logLevel)
		app.LogLevel = &level
	}
	tb := testbed.NewTestGame(app)

	engine, err := engine.New(tb.Game)
	if err != nil {
		os.Exit(1)
	}
	if *frames != 0 {
		engine.Config().Renderer.MaxFrames = *frames
	}

	if err := engine.Initialize(); err != nil {
		_ = engine.Shutdown()
		core.LogFatal("initialization failed: %s", err)
	}

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	// stop the frame loop; shutdown happens once Run returns
	go func() {
		<-sigCh
		engine.Stop()
	}()

	runErr := engine.Run()
	if err := engine.Shutdown(); err != nil {
		core.LogError("shutdown: %s", err)
	}
	if runErr != nil {
		os.Exit(1)
	}
}
