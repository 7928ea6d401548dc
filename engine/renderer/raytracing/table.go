package raytracing

import (
	"encoding/binary"
	"fmt"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

// ShaderTable is the multi-buffered shader binding table. Each frame slot
// holds, low to high: one ray generation record, the miss records, then one
// record per instance and hit group (instance major).
type ShaderTable struct {
	buffer       hal.Buffer
	idSize       uint64
	entrySize    uint64
	numMiss      uint32
	numHitGroups uint32
	numInstances uint32
	numFrames    uint32
}

// Records is the number of records in one frame slot.
func (t *ShaderTable) Records() uint32 {
	return 1 + t.numMiss + t.numInstances*t.numHitGroups
}

func (t *ShaderTable) EntrySize() uint64 {
	return t.entrySize
}

// SizePerFrame is the byte size of one frame slot of the table.
func (t *ShaderTable) SizePerFrame() uint64 {
	return uint64(t.Records()) * t.entrySize
}

func (t *ShaderTable) NumInstances() uint32 {
	return t.numInstances
}

func (t *ShaderTable) Buffer() hal.Buffer {
	return t.buffer
}

func (t *ShaderTable) base(slot uint32) uint64 {
	return uint64(slot) * t.SizePerFrame()
}

// MissRecord is the record index of miss shader m.
func (t *ShaderTable) MissRecord(m uint32) uint32 {
	return 1 + m
}

// HitGroupRecord is the record index of hit group h for instance i.
func (t *ShaderTable) HitGroupRecord(instance uint32, h HitGroupIndex) uint32 {
	return 1 + t.numMiss + instance*t.numHitGroups + uint32(h)
}

// Record returns the checked view of one record of a frame slot.
func (t *ShaderTable) Record(slot, index uint32) (Record, error) {
	if slot >= t.numFrames {
		return Record{}, fmt.Errorf("frame slot %d of a table with %d slots: %w", slot, t.numFrames, core.ErrRecordOutOfRange)
	}
	if index >= t.Records() {
		return Record{}, fmt.Errorf("record %d of a table with %d records: %w", index, t.Records(), core.ErrRecordOutOfRange)
	}
	start := t.base(slot) + uint64(index)*t.entrySize
	end := start + t.entrySize
	return Record{
		index:  index,
		idSize: t.idSize,
		data:   t.buffer.Mapped()[start:end:end],
	}, nil
}

// Ranges describes the three tables of a frame slot in GPU address space.
func (t *ShaderTable) Ranges(slot uint32) (rayGen, miss, hitGroups hal.TableRange) {
	base := t.buffer.GPUAddress() + t.base(slot)
	rayGen = hal.TableRange{Address: base, Size: t.entrySize, Stride: t.entrySize}
	miss = hal.TableRange{
		Address: base + t.entrySize,
		Size:    uint64(t.numMiss) * t.entrySize,
		Stride:  t.entrySize,
	}
	hitGroups = hal.TableRange{
		Address: base + uint64(1+t.numMiss)*t.entrySize,
		Size:    uint64(t.numInstances*t.numHitGroups) * t.entrySize,
		Stride:  t.entrySize,
	}
	return rayGen, miss, hitGroups
}

func (t *ShaderTable) Destroy() {
	t.buffer.Destroy()
}

// Record is a length-checked window on one shader table record: an
// identifier followed by 8-byte handles.
type Record struct {
	index  uint32
	idSize uint64
	data   []byte
}

func (r Record) Index() uint32 {
	return r.index
}

// Capacity is how many handles fit after the identifier.
func (r Record) Capacity() int {
	return int((uint64(len(r.data)) - r.idSize) / 8)
}

func (r Record) SetIdentifier(id []byte) error {
	if uint64(len(id)) != r.idSize {
		return fmt.Errorf("record %d: identifier of %d bytes, want %d: %w", r.index, len(id), r.idSize, core.ErrRecordOutOfRange)
	}
	copy(r.data, id)
	return nil
}

func (r Record) SetHandle(i int, handle uint64) error {
	if i < 0 || i >= r.Capacity() {
		return fmt.Errorf("record %d: handle %d of %d: %w", r.index, i, r.Capacity(), core.ErrRecordOutOfRange)
	}
	off := r.idSize + uint64(i)*8
	binary.LittleEndian.PutUint64(r.data[off:off+8], handle)
	return nil
}

// Handle reads back handle i.
func (r Record) Handle(i int) (uint64, error) {
	if i < 0 || i >= r.Capacity() {
		return 0, fmt.Errorf("record %d: handle %d of %d: %w", r.index, i, r.Capacity(), core.ErrRecordOutOfRange)
	}
	off := r.idSize + uint64(i)*8
	return binary.LittleEndian.Uint64(r.data[off : off+8]), nil
}

func (r Record) Identifier() []byte {
	return r.data[:r.idSize]
}

// clear zeroes the handle area.
func (r Record) clear() {
	for i := r.idSize; i < uint64(len(r.data)); i++ {
		r.data[i] = 0
	}
}
