package soft

import (
	"encoding/binary"
	"fmt"

	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

// Record is one shader table record as the device read it.
type Record struct {
	Export  string
	Handles []uint64
}

// RayTrace is what a DispatchRays command resolved to when it executed.
type RayTrace struct {
	Width, Height, Depth uint32
	Globals              []uint64
	RayGeneration        Record
	Miss                 []Record
	HitGroups            []Record
}

type executionState struct {
	heap     *DescriptorHeap
	pipeline *Pipeline
	globals  []uint64
}

func (d *Device) execute(sub *submission) error {
	var st executionState
	for _, cmd := range sub.commands {
		switch cmd.op {
		case opSetHeap:
			st.heap = cmd.heap
		case opSetPipeline:
			st.pipeline = cmd.pipeline
		case opSetGlobals:
			st.globals = cmd.globals
		case opBuildAccelerationStructure:
			if err := cmd.as.build(); err != nil {
				return err
			}
		case opDispatchRays:
			trace, err := d.traceRays(&st, &cmd.dispatch)
			if err != nil {
				return err
			}
			d.mu.Lock()
			d.traces = append(d.traces, trace)
			d.mu.Unlock()
		}
	}
	return nil
}

func (d *Device) traceRays(st *executionState, desc *hal.DispatchRaysDesc) (RayTrace, error) {
	trace := RayTrace{Width: desc.Width, Height: desc.Height, Depth: desc.Depth}
	p := st.pipeline
	if p == nil {
		return trace, fmt.Errorf("dispatch without a ray tracing pipeline")
	}
	if p.destroyed.Load() {
		return trace, fmt.Errorf("dispatch uses destroyed pipeline %q", p.label)
	}
	if st.heap == nil || st.heap.destroyed.Load() {
		return trace, fmt.Errorf("dispatch without a shader visible descriptor heap")
	}
	if len(st.globals) != p.globals {
		return trace, fmt.Errorf("dispatch binds %d global handles, pipeline %q declares %d", len(st.globals), p.label, p.globals)
	}
	trace.Globals = st.globals

	if desc.RayGeneration.Size < identifierSize {
		return trace, fmt.Errorf("ray generation record of %d bytes is smaller than an identifier", desc.RayGeneration.Size)
	}
	rg, err := d.readRecord(p, desc.RayGeneration.Address, desc.RayGeneration.Size)
	if err != nil {
		return trace, err
	}
	trace.RayGeneration = rg

	if trace.Miss, err = d.readTable(p, "miss", desc.Miss); err != nil {
		return trace, err
	}
	if trace.HitGroups, err = d.readTable(p, "hit group", desc.HitGroups); err != nil {
		return trace, err
	}
	return trace, nil
}

func (d *Device) readTable(p *Pipeline, name string, r hal.TableRange) ([]Record, error) {
	if r.Size == 0 {
		return nil, nil
	}
	if r.Stride < identifierSize || r.Stride%uint64(d.limits.ShaderRecordAlignment) != 0 {
		return nil, fmt.Errorf("%s table stride %d is invalid", name, r.Stride)
	}
	if r.Size%r.Stride != 0 {
		return nil, fmt.Errorf("%s table size %d is not a multiple of its stride %d", name, r.Size, r.Stride)
	}
	records := make([]Record, 0, r.Size/r.Stride)
	for off := uint64(0); off < r.Size; off += r.Stride {
		rec, err := d.readRecord(p, r.Address+off, r.Stride)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (d *Device) readRecord(p *Pipeline, addr, span uint64) (Record, error) {
	if addr%uint64(d.limits.ShaderRecordAlignment) != 0 {
		return Record{}, fmt.Errorf("shader record at 0x%x is misaligned", addr)
	}
	data, err := d.memory.resolve(addr, span)
	if err != nil {
		return Record{}, err
	}
	export, ok := p.exportFor(data[:identifierSize])
	if !ok {
		return Record{}, fmt.Errorf("unrecognized shader identifier at 0x%x", addr)
	}
	count := p.handles[export]
	if uint64(identifierSize+8*count) > span {
		return Record{}, fmt.Errorf("record for %q at 0x%x needs %d bytes, has %d", export, addr, identifierSize+8*count, span)
	}
	rec := Record{Export: export, Handles: make([]uint64, count)}
	for i := range rec.Handles {
		off := identifierSize + 8*i
		rec.Handles[i] = binary.LittleEndian.Uint64(data[off : off+8])
	}
	return rec, nil
}
