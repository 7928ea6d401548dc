// Package raytracing builds a ray tracing pipeline object together with its
// shader binding table and dispatches it. Declarations are name based; after
// the first build every binding is addressed by a BindingSlot resolved once.
package raytracing

import (
	"fmt"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

// Global is the stage of pipeline-wide bindings.
const Global = ""

type exportKind uint8

const (
	exportGlobal exportKind = iota
	exportRayGeneration
	exportMiss
	exportHitGroup
)

func (k exportKind) String() string {
	switch k {
	case exportGlobal:
		return "global"
	case exportRayGeneration:
		return "ray generation"
	case exportMiss:
		return "miss"
	case exportHitGroup:
		return "hit group"
	}
	return "unknown"
}

// layout is the ordered binding list of one stage. Bindings are written into
// records in declaration order.
type layout struct {
	stage    string
	kind     exportKind
	bindings []hal.BindingDesc
	index    map[string]int
}

func newLayout(stage string, kind exportKind) *layout {
	return &layout{stage: stage, kind: kind, index: make(map[string]int)}
}

// registerClass groups kinds that share a register namespace.
func registerClass(k hal.ResourceKind) byte {
	switch k {
	case hal.ResourceReadOnly:
		return 't'
	case hal.ResourceReadWrite:
		return 'u'
	case hal.ResourceSampler:
		return 's'
	}
	return 'b'
}

func (l *layout) add(b hal.BindingDesc) error {
	if _, dup := l.index[b.Name]; dup {
		return fmt.Errorf("binding %q already declared for %s stage %q: %w", b.Name, l.kind, l.stage, core.ErrDuplicateName)
	}
	for _, other := range l.bindings {
		if registerClass(other.Kind) == registerClass(b.Kind) && other.Register == b.Register && other.Space == b.Space {
			return fmt.Errorf("binding %q reuses register %c%d space%d of %q in stage %q: %w",
				b.Name, registerClass(b.Kind), b.Register, b.Space, other.Name, l.stage, core.ErrBindingMismatch)
		}
	}
	l.index[b.Name] = len(l.bindings)
	l.bindings = append(l.bindings, b)
	return nil
}

// BindingSlot addresses one declared binding without going through its
// name. Slots are resolved with Pipeline.Slot.
type BindingSlot struct {
	layout int
	index  int
	kind   hal.ResourceKind
}

func (s BindingSlot) Kind() hal.ResourceKind {
	return s.kind
}

// Index is the position of the binding inside its stage's layout.
func (s BindingSlot) Index() int {
	return s.index
}

// HitGroupIndex is the position of a hit group in declaration order. It is
// the per-instance record offset of that hit group.
type HitGroupIndex uint32
