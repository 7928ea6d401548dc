package core

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	if got, want := cfg.CommandPoolSize(), cfg.Renderer.NumFrames*cfg.Renderer.CommandBuffersPerFrame+1; got != want {
		t.Errorf("CommandPoolSize() = %d, want %d", got, want)
	}
}

func TestParseConfigOverridesDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
log_level = "debug"

[renderer]
num_frames = 2
command_pool_size = 9

[raytracing]
num_instances = 5
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "debug" || cfg.Renderer.NumFrames != 2 || cfg.RayTracing.NumInstances != 5 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.CommandPoolSize() != 9 {
		t.Errorf("CommandPoolSize() = %d, want 9", cfg.CommandPoolSize())
	}
	// Untouched fields keep their defaults.
	if cfg.Descriptors.SlotsPerFrame != DefaultConfig().Descriptors.SlotsPerFrame {
		t.Errorf("slots_per_frame = %d, want the default", cfg.Descriptors.SlotsPerFrame)
	}
}

func TestParseConfigRejectsUnknownFields(t *testing.T) {
	if _, err := ParseConfig([]byte("[renderer]\nframes_in_flight = 2\n")); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Renderer.Backend = "metal" }},
		{"no frames", func(c *Config) { c.Renderer.NumFrames = 0 }},
		{"no command buffers", func(c *Config) { c.Renderer.CommandBuffersPerFrame = 0 }},
		{"pool too small", func(c *Config) { c.Renderer.CommandPoolSize = c.Renderer.NumFrames * c.Renderer.CommandBuffersPerFrame }},
		{"no descriptor slots", func(c *Config) { c.Descriptors.SlotsPerFrame = 0 }},
		{"no constants", func(c *Config) { c.Constants.BytesPerFrame = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestIdentifierPoolReusesReleasedIds(t *testing.T) {
	p := NewIdentifierPool(4)
	a, b := p.Acquire("a"), p.Acquire("b")
	if a != 0 || b != 1 {
		t.Fatalf("ids = %d, %d, want 0, 1", a, b)
	}
	if err := p.Release(a); err != nil {
		t.Fatal(err)
	}
	if p.Owner(a) != nil {
		t.Errorf("released id still owned by %v", p.Owner(a))
	}
	if c := p.Acquire("c"); c != a {
		t.Errorf("Acquire() = %d, want reused id %d", c, a)
	}
	if err := p.Release(b); err != nil {
		t.Fatal(err)
	}
	if err := p.Release(b); !errors.Is(err, ErrIdentifierReleased) {
		t.Errorf("double release = %v, want ErrIdentifierReleased", err)
	}
	if err := p.Release(42); !errors.Is(err, ErrIdentifierReleased) {
		t.Errorf("out of range release = %v, want ErrIdentifierReleased", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DebugLevel,
		" WARN ":  WarnLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"info":    InfoLevel,
		"chatty":  InfoLevel,
	}
	for name, want := range tests {
		if got := ParseLogLevel(name); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestFrameMetrics(t *testing.T) {
	m := NewFrameMetrics()
	for i := 0; i < int(AVG_COUNT); i++ {
		m.Update(10 * time.Millisecond)
	}
	if got := m.FrameTime(); got != 10 {
		t.Errorf("FrameTime() = %v, want 10", got)
	}

	m.RecordWait(2 * time.Millisecond)
	m.RecordWait(3 * time.Millisecond)
	count, total := m.Waits()
	if count != 2 || total != 5*time.Millisecond {
		t.Errorf("Waits() = %d, %s, want 2, 5ms", count, total)
	}
	if m.LastWait() != 3*time.Millisecond {
		t.Errorf("LastWait() = %s, want 3ms", m.LastWait())
	}
}

func TestClock(t *testing.T) {
	c := NewClock()
	c.Update()
	if c.Running() || c.Elapsed() != 0 {
		t.Fatal("unstarted clock advanced")
	}
	c.Start()
	time.Sleep(time.Millisecond)
	c.Update()
	if !c.Running() || c.Elapsed() <= 0 {
		t.Errorf("Elapsed() = %s after start", c.Elapsed())
	}
	c.Stop()
	elapsed := c.Elapsed()
	c.Update()
	if c.Elapsed() != elapsed {
		t.Error("stopped clock advanced")
	}
}
