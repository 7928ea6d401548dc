package engine

import (
	"github.com/spaghettifunk/anima-rt/engine/core"
)

type ApplicationConfig struct {
	// The application name, also used as the device label.
	Name string
	// LogLevel overrides the level from the config file when set.
	LogLevel *core.LogLevel
	// ConfigPath is a TOML file read on top of the defaults. Ignored when
	// Config is set.
	ConfigPath string
	Config     *core.Config
	// Debug enables the Vulkan validation layers.
	Debug bool
}
