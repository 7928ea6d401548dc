package core

import (
	"bytes"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

type Backend string

const (
	BackendSoft   Backend = "soft"
	BackendVulkan Backend = "vulkan"
)

type RendererConfig struct {
	Backend Backend `toml:"backend"`
	// Frames in flight. Fixed for the lifetime of the renderer.
	NumFrames              uint32 `toml:"num_frames"`
	CommandBuffersPerFrame uint32 `toml:"command_buffers_per_frame"`
	// 0 derives NumFrames*CommandBuffersPerFrame+1.
	CommandPoolSize uint32 `toml:"command_pool_size"`
	// 0 runs until the engine is stopped.
	MaxFrames uint64 `toml:"max_frames"`
	Width     uint32 `toml:"width"`
	Height    uint32 `toml:"height"`
}

type DescriptorConfig struct {
	SlotsPerFrame uint32 `toml:"slots_per_frame"`
	StaticSlots   uint32 `toml:"static_slots"`
}

type ConstantConfig struct {
	BytesPerFrame uint64 `toml:"bytes_per_frame"`
}

type RayTracingConfig struct {
	NumInstances      uint32 `toml:"num_instances"`
	MaxRecursionDepth uint32 `toml:"max_recursion_depth"`
	MaxPayloadSize    uint32 `toml:"max_payload_size"`
	MaxAttributeSize  uint32 `toml:"max_attribute_size"`
	ShaderLibrary     string `toml:"shader_library"`
}

type AssetsConfig struct {
	Dir   string `toml:"dir"`
	Watch bool   `toml:"watch"`
}

// Config is the construction-time configuration of the renderer core.
type Config struct {
	LogLevel    string           `toml:"log_level"`
	Renderer    RendererConfig   `toml:"renderer"`
	Descriptors DescriptorConfig `toml:"descriptors"`
	Constants   ConstantConfig   `toml:"constants"`
	RayTracing  RayTracingConfig `toml:"raytracing"`
	Assets      AssetsConfig     `toml:"assets"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Renderer: RendererConfig{
			Backend:                BackendSoft,
			NumFrames:              3,
			CommandBuffersPerFrame: 2,
			Width:                  1280,
			Height:                 720,
		},
		Descriptors: DescriptorConfig{
			SlotsPerFrame: 1024,
			StaticSlots:   256,
		},
		Constants: ConstantConfig{
			BytesPerFrame: 64 * 1024,
		},
		RayTracing: RayTracingConfig{
			NumInstances:      2,
			MaxRecursionDepth: 1,
			MaxPayloadSize:    16,
			MaxAttributeSize:  8,
			ShaderLibrary:     "assets/shaders/pathtracer.rtlib",
		},
		Assets: AssetsConfig{
			Dir:   "assets",
			Watch: true,
		},
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CommandPoolSize returns the configured pool size or the smallest size
// that never stalls acquisition.
func (c *Config) CommandPoolSize() uint32 {
	if c.Renderer.CommandPoolSize != 0 {
		return c.Renderer.CommandPoolSize
	}
	return c.Renderer.NumFrames*c.Renderer.CommandBuffersPerFrame + 1
}

func (c *Config) Validate() error {
	r := c.Renderer
	switch r.Backend {
	case BackendSoft, BackendVulkan:
	default:
		return fmt.Errorf("unknown backend %q: %w", r.Backend, ErrInvalidConfig)
	}
	if r.NumFrames == 0 {
		return fmt.Errorf("num_frames must be at least 1: %w", ErrInvalidConfig)
	}
	if r.CommandBuffersPerFrame == 0 {
		return fmt.Errorf("command_buffers_per_frame must be at least 1: %w", ErrInvalidConfig)
	}
	if c.CommandPoolSize() <= r.NumFrames*r.CommandBuffersPerFrame {
		return fmt.Errorf("command_pool_size %d must exceed frames in flight (%d) times buffers per frame (%d): %w",
			c.CommandPoolSize(), r.NumFrames, r.CommandBuffersPerFrame, ErrInvalidConfig)
	}
	if c.Descriptors.SlotsPerFrame == 0 {
		return fmt.Errorf("descriptors.slots_per_frame must be positive: %w", ErrInvalidConfig)
	}
	if c.Constants.BytesPerFrame == 0 {
		return fmt.Errorf("constants.bytes_per_frame must be positive: %w", ErrInvalidConfig)
	}
	if r.NumFrames > 3 {
		LogWarn("num_frames=%d: more than three frames in flight adds latency without throughput", r.NumFrames)
	}
	return nil
}
