package soft

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

const testLibrary = `
# test library
export RayGen
export Miss
export ClosestHit
`

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	d := New(Options{Name: t.Name()})
	t.Cleanup(d.Destroy)
	return d
}

func closedList(t *testing.T, d *Device, record func(hal.CommandList)) hal.CommandList {
	t.Helper()
	l, err := d.CreateCommandList()
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Reset(); err != nil {
		t.Fatal(err)
	}
	if record != nil {
		record(l)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	return l
}

func TestSubmitSignalsTimeline(t *testing.T) {
	d := newTestDevice(t)
	tl, _ := d.CreateTimeline()

	if err := d.Submit([]hal.CommandList{closedList(t, d, nil)}, tl, 1); err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if err := tl.Wait(1); err != nil {
		t.Fatalf("Wait(1) = %v", err)
	}
	if v, err := tl.Completed(); v != 1 || err != nil {
		t.Fatalf("Completed() = %d, %v; want 1, nil", v, err)
	}
	// Waiting again on a passed value returns at once.
	if err := tl.Wait(1); err != nil {
		t.Fatalf("second Wait(1) = %v", err)
	}
}

func TestSubmitRejectsOpenList(t *testing.T) {
	d := newTestDevice(t)
	tl, _ := d.CreateTimeline()
	l, _ := d.CreateCommandList()
	_ = l.Reset()

	if err := d.Submit([]hal.CommandList{l}, tl, 1); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("Submit(open list) = %v, want ErrInvalidState", err)
	}
}

func TestPauseHoldsSubmissions(t *testing.T) {
	d := newTestDevice(t)
	tl, _ := d.CreateTimeline()

	d.Pause()
	if err := d.Submit([]hal.CommandList{closedList(t, d, nil)}, tl, 1); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if v, _ := tl.Completed(); v != 0 {
		t.Fatalf("Completed() = %d while paused, want 0", v)
	}
	d.Resume()
	if err := tl.Wait(1); err != nil {
		t.Fatalf("Wait(1) = %v", err)
	}
}

func TestLoseWakesWaiters(t *testing.T) {
	d := newTestDevice(t)
	tl, _ := d.CreateTimeline()

	d.Pause()
	if err := d.Submit([]hal.CommandList{closedList(t, d, nil)}, tl, 1); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- tl.Wait(1) }()

	late := closedList(t, d, nil)
	d.Lose()
	select {
	case err := <-done:
		if !errors.Is(err, core.ErrDeviceLost) {
			t.Fatalf("Wait() = %v, want ErrDeviceLost", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait() did not return after device loss")
	}
	if err := d.Submit([]hal.CommandList{late}, tl, 2); !errors.Is(err, core.ErrDeviceLost) {
		t.Fatalf("Submit() after loss = %v, want ErrDeviceLost", err)
	}
	if _, err := d.CreateCommandList(); !errors.Is(err, core.ErrDeviceLost) {
		t.Fatalf("CreateCommandList() after loss = %v, want ErrDeviceLost", err)
	}
}

type tableFixture struct {
	dev      *Device
	pipeline hal.RayTracingPipeline
	heap     hal.DescriptorHeap
	table    hal.Buffer
}

func newTableFixture(t *testing.T) *tableFixture {
	t.Helper()
	d := newTestDevice(t)
	p, err := d.CreateRayTracingPipeline(&hal.RayTracingPipelineDesc{
		Label:   "test",
		Library: []byte(testLibrary),
		Shaders: []hal.ShaderDesc{
			{Name: "RayGen", Kind: hal.ShaderRayGeneration},
			{Name: "Miss", Kind: hal.ShaderMiss},
			{Name: "ClosestHit", Kind: hal.ShaderClosestHit},
		},
		HitGroups: []hal.HitGroupDesc{{Name: "HitGroup", ClosestHit: "ClosestHit"}},
		LocalLayouts: []hal.LocalLayoutDesc{
			{Export: "HitGroup", Bindings: []hal.BindingDesc{{Name: "Vertices", Kind: hal.ResourceReadOnly}}},
		},
		MaxRecursionDepth: 1,
	})
	if err != nil {
		t.Fatalf("CreateRayTracingPipeline() = %v", err)
	}
	heap, _ := d.CreateDescriptorHeap(hal.DescriptorHeapDesc{Label: "visible", Capacity: 8, ShaderVisible: true})
	table, _ := d.CreateBuffer(hal.BufferDesc{Label: "table", Size: 3 * 64, Usage: hal.BufferUsageShaderTable})
	return &tableFixture{dev: d, pipeline: p, heap: heap, table: table}
}

func (f *tableFixture) writeIdentifier(t *testing.T, offset int, export string) {
	t.Helper()
	id, err := f.pipeline.ShaderIdentifier(export)
	if err != nil {
		t.Fatal(err)
	}
	copy(f.table.Mapped()[offset:], id)
}

func (f *tableFixture) dispatch(t *testing.T) error {
	t.Helper()
	base := f.table.GPUAddress()
	l := closedList(t, f.dev, func(l hal.CommandList) {
		l.SetDescriptorHeap(f.heap)
		l.SetRayTracingPipeline(f.pipeline)
		l.SetGlobalBindings(nil)
		l.DispatchRays(&hal.DispatchRaysDesc{
			RayGeneration: hal.TableRange{Address: base, Size: 64, Stride: 64},
			Miss:          hal.TableRange{Address: base + 64, Size: 64, Stride: 64},
			HitGroups:     hal.TableRange{Address: base + 128, Size: 64, Stride: 64},
			Width:         4, Height: 2, Depth: 1,
		})
	})
	tl, _ := f.dev.CreateTimeline()
	if err := f.dev.Submit([]hal.CommandList{l}, tl, 1); err != nil {
		return err
	}
	return tl.Wait(1)
}

func TestDispatchReadsShaderTable(t *testing.T) {
	f := newTableFixture(t)
	f.writeIdentifier(t, 0, "RayGen")
	f.writeIdentifier(t, 64, "Miss")
	f.writeIdentifier(t, 128, "HitGroup")
	binary.LittleEndian.PutUint64(f.table.Mapped()[128+identifierSize:], 0xdeadbeef)

	if err := f.dispatch(t); err != nil {
		t.Fatalf("dispatch = %v", err)
	}
	traces := f.dev.Traces()
	if len(traces) != 1 {
		t.Fatalf("len(Traces()) = %d, want 1", len(traces))
	}
	tr := traces[0]
	if tr.RayGeneration.Export != "RayGen" {
		t.Errorf("ray generation export = %q", tr.RayGeneration.Export)
	}
	if len(tr.Miss) != 1 || tr.Miss[0].Export != "Miss" {
		t.Errorf("miss records = %+v", tr.Miss)
	}
	if len(tr.HitGroups) != 1 || tr.HitGroups[0].Export != "HitGroup" {
		t.Fatalf("hit group records = %+v", tr.HitGroups)
	}
	if got := tr.HitGroups[0].Handles; len(got) != 1 || got[0] != 0xdeadbeef {
		t.Errorf("hit group handles = %#x, want [0xdeadbeef]", got)
	}
}

func TestUnknownIdentifierLosesDevice(t *testing.T) {
	f := newTableFixture(t)
	copy(f.table.Mapped(), []byte("not an identifier"))
	f.writeIdentifier(t, 64, "Miss")
	f.writeIdentifier(t, 128, "HitGroup")

	if err := f.dispatch(t); !errors.Is(err, core.ErrDeviceLost) {
		t.Fatalf("dispatch = %v, want ErrDeviceLost", err)
	}
}

func TestPipelineBuildErrors(t *testing.T) {
	d := newTestDevice(t)
	tests := []struct {
		name    string
		library string
		shaders []hal.ShaderDesc
	}{
		{"missing export", "export RayGen\n", []hal.ShaderDesc{{Name: "Miss", Kind: hal.ShaderMiss}}},
		{"syntax", "export RayGen\nfunction Miss\n", []hal.ShaderDesc{{Name: "RayGen", Kind: hal.ShaderRayGeneration}}},
		{"empty", "# nothing\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.CreateRayTracingPipeline(&hal.RayTracingPipelineDesc{Library: []byte(tt.library), Shaders: tt.shaders})
			if !errors.Is(err, core.ErrPipelineBuild) {
				t.Fatalf("err = %v, want ErrPipelineBuild", err)
			}
			var ce *hal.ShaderCompileError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %T, want *hal.ShaderCompileError", err)
			}
		})
	}
}

func TestShaderIdentifiersDifferPerBuild(t *testing.T) {
	f := newTableFixture(t)
	other := newTableFixture(t)
	a, _ := f.pipeline.ShaderIdentifier("RayGen")
	b, _ := other.pipeline.ShaderIdentifier("RayGen")
	if len(a) != identifierSize {
		t.Fatalf("identifier size = %d, want %d", len(a), identifierSize)
	}
	if string(a[:16]) != string(b[:16]) {
		t.Error("export half of the identifier should be stable across builds")
	}
	if string(a) == string(b) {
		t.Error("identifiers of two builds should differ")
	}
}

func TestResolveDescriptor(t *testing.T) {
	d := newTestDevice(t)
	cpu, _ := d.CreateDescriptorHeap(hal.DescriptorHeapDesc{Label: "cpu", Capacity: 4})
	gpu, _ := d.CreateDescriptorHeap(hal.DescriptorHeapDesc{Label: "gpu", Capacity: 4, ShaderVisible: true})

	want := hal.Descriptor{Kind: hal.ResourceReadWrite, Address: 0x1234, Size: 64}
	if err := cpu.Write(2, want); err != nil {
		t.Fatal(err)
	}
	if err := gpu.CopyFrom(3, cpu, 2, 1); err != nil {
		t.Fatal(err)
	}
	got, err := d.ResolveDescriptor(gpu.GPUHandle(3))
	if err != nil || got != want {
		t.Fatalf("ResolveDescriptor() = %+v, %v; want %+v", got, err, want)
	}
	if cpu.GPUHandle(0) != 0 {
		t.Error("non shader visible heap must not have GPU handles")
	}
	if err := gpu.CopyFrom(3, cpu, 2, 2); !errors.Is(err, core.ErrRecordOutOfRange) {
		t.Errorf("CopyFrom past the end = %v, want ErrRecordOutOfRange", err)
	}
}
