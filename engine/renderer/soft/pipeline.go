package soft

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

// identifierSize matches the 32-byte identifiers of real hardware: a name
// based UUID for the export followed by the pipeline's generation UUID.
const identifierSize = 32

var identifierNamespace = uuid.MustParse("5b0d8a4e-3c1f-4f6a-9e27-8a61c4d2f90b")

type Pipeline struct {
	dev        *Device
	label      string
	generation uuid.UUID
	destroyed  atomic.Bool

	identifiers map[string][]byte
	exports     map[string]string
	// Number of 8-byte handles following the identifier, per export.
	handles map[string]int
	globals int
}

func (p *Pipeline) ShaderIdentifier(export string) ([]byte, error) {
	if p.destroyed.Load() {
		return nil, fmt.Errorf("pipeline %q has been destroyed: %w", p.label, core.ErrInvalidState)
	}
	id, ok := p.identifiers[export]
	if !ok {
		return nil, fmt.Errorf("%q is not a shader table export of pipeline %q: %w", export, p.label, core.ErrUnknownName)
	}
	return append([]byte(nil), id...), nil
}

func (p *Pipeline) Destroy() {
	p.destroyed.Store(true)
}

func (p *Pipeline) exportFor(id []byte) (string, bool) {
	name, ok := p.exports[string(id)]
	return name, ok
}

// parseLibrary reads the soft device's shader library format: one
// `export <name>` directive per line, `#` comments and blank lines ignored.
func parseLibrary(library []byte) (map[string]bool, error) {
	exports := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(library))
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 || fields[0] != "export" {
			return nil, &hal.ShaderCompileError{Line: line, Message: fmt.Sprintf("unexpected %q", text)}
		}
		if exports[fields[1]] {
			return nil, &hal.ShaderCompileError{Line: line, Message: fmt.Sprintf("duplicate export %q", fields[1])}
		}
		exports[fields[1]] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, &hal.ShaderCompileError{Message: err.Error()}
	}
	if len(exports) == 0 {
		return nil, &hal.ShaderCompileError{Message: "library has no exports"}
	}
	return exports, nil
}

func (d *Device) CreateRayTracingPipeline(desc *hal.RayTracingPipelineDesc) (hal.RayTracingPipeline, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	if desc.MaxRecursionDepth > d.limits.MaxRecursionDepth {
		return nil, &hal.ShaderCompileError{Message: fmt.Sprintf("max recursion depth %d exceeds device limit %d",
			desc.MaxRecursionDepth, d.limits.MaxRecursionDepth)}
	}

	available, err := parseLibrary(desc.Library)
	if err != nil {
		return nil, err
	}

	kinds := make(map[string]hal.ShaderKind, len(desc.Shaders))
	for _, s := range desc.Shaders {
		if !available[s.Name] {
			return nil, &hal.ShaderCompileError{Export: s.Name, Message: "entry point not found in library"}
		}
		kinds[s.Name] = s.Kind
	}

	p := &Pipeline{
		dev:         d,
		label:       desc.Label,
		generation:  uuid.New(),
		identifiers: make(map[string][]byte),
		exports:     make(map[string]string),
		handles:     make(map[string]int),
		globals:     len(desc.GlobalLayout),
	}
	addExport := func(name string) {
		id := make([]byte, 0, identifierSize)
		nameID := uuid.NewSHA1(identifierNamespace, []byte(name))
		id = append(id, nameID[:]...)
		id = append(id, p.generation[:]...)
		p.identifiers[name] = id
		p.exports[string(id)] = name
	}

	for _, s := range desc.Shaders {
		if s.Kind == hal.ShaderRayGeneration || s.Kind == hal.ShaderMiss {
			addExport(s.Name)
		}
	}
	for _, hg := range desc.HitGroups {
		if kind, ok := kinds[hg.ClosestHit]; !ok || kind != hal.ShaderClosestHit {
			return nil, &hal.ShaderCompileError{Export: hg.Name, Message: fmt.Sprintf("closest hit shader %q is not declared", hg.ClosestHit)}
		}
		if hg.AnyHit != "" {
			if kind, ok := kinds[hg.AnyHit]; !ok || kind != hal.ShaderAnyHit {
				return nil, &hal.ShaderCompileError{Export: hg.Name, Message: fmt.Sprintf("any hit shader %q is not declared", hg.AnyHit)}
			}
		}
		if _, dup := p.identifiers[hg.Name]; dup {
			return nil, &hal.ShaderCompileError{Export: hg.Name, Message: "hit group name collides with another export"}
		}
		addExport(hg.Name)
	}
	for _, layout := range desc.LocalLayouts {
		if _, ok := p.identifiers[layout.Export]; !ok {
			return nil, &hal.ShaderCompileError{Export: layout.Export, Message: "local layout for an unknown export"}
		}
		p.handles[layout.Export] = len(layout.Bindings)
	}

	core.LogDebug("soft device: pipeline %q created with %d exports (generation %s)", desc.Label, len(p.identifiers), p.generation)
	return p, nil
}
