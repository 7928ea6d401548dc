package vulkan

import (
	"errors"
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

func TestVulkanSafeString(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "\x00"},
		{"VK_LAYER", "VK_LAYER\x00"},
		{"done\x00", "done\x00"},
	}
	for _, tt := range tests {
		if got := VulkanSafeString(tt.in); got != tt.want {
			t.Errorf("VulkanSafeString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCString(t *testing.T) {
	var name [16]byte
	copy(name[:], "llvmpipe")
	if got := cString(name[:]); got != "llvmpipe" {
		t.Errorf("cString() = %q", got)
	}
	full := []byte("abcd")
	if got := cString(full); got != "abcd" {
		t.Errorf("cString(unterminated) = %q", got)
	}
}

func TestVulkanResultString(t *testing.T) {
	if got := VulkanResultString(vk.ErrorDeviceLost, false); got != "VK_ERROR_DEVICE_LOST" {
		t.Errorf("short form = %q", got)
	}
	if got := VulkanResultString(vk.Result(-12345), false); got != "VkResult(-12345)" {
		t.Errorf("unknown result = %q", got)
	}
}

func TestLockPoolSerializesQueue(t *testing.T) {
	pool := NewVulkanLockPool()
	pool.SetQueueFamily(0)
	counter := 0
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			_ = pool.SafeQueueCall(0, func() error {
				counter++
				return nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	if counter != 8 {
		t.Fatalf("counter = %d, want 8", counter)
	}
}

func TestHeadlessDevice(t *testing.T) {
	r := New("anima-rt-test", false)
	if err := r.Initialize(); err != nil {
		t.Skipf("no usable Vulkan implementation: %v", err)
	}
	defer r.Destroy()

	tl, _ := r.CreateTimeline()
	defer tl.Destroy()
	list, err := r.CreateCommandList()
	if err != nil {
		t.Fatal(err)
	}
	defer list.Destroy()

	for v := uint64(1); v <= 3; v++ {
		if err := list.Reset(); err != nil {
			t.Fatal(err)
		}
		if err := list.Close(); err != nil {
			t.Fatal(err)
		}
		if err := r.Submit([]hal.CommandList{list}, tl, v); err != nil {
			t.Fatalf("Submit(%d) = %v", v, err)
		}
		if err := tl.Wait(v); err != nil {
			t.Fatalf("Wait(%d) = %v", v, err)
		}
	}
	if got, _ := tl.Completed(); got != 3 {
		t.Fatalf("Completed() = %d, want 3", got)
	}

	_, err = r.CreateRayTracingPipeline(&hal.RayTracingPipelineDesc{Label: "rt", Library: []byte("export RayGen\n")})
	if !errors.Is(err, core.ErrPipelineBuild) {
		t.Errorf("non SPIR-V library = %v, want ErrPipelineBuild", err)
	}
}

func TestShaderModuleRejectsInvalidSPIRV(t *testing.T) {
	tests := map[string][]byte{
		"empty":       nil,
		"unaligned":   {0x03, 0x02, 0x23, 0x07, 0x00},
		"wrong magic": []byte("export RayGen\n\x00\x00"),
	}
	for name, code := range tests {
		t.Run(name, func(t *testing.T) {
			// Rejected before the device is touched.
			_, err := NewShaderModule(newVulkanContext(), code)
			var compileErr *hal.ShaderCompileError
			if !errors.As(err, &compileErr) || !errors.Is(err, core.ErrPipelineBuild) {
				t.Fatalf("NewShaderModule() = %v, want a shader compile error", err)
			}
		})
	}
}
