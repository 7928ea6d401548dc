package soft

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/anima-rt/engine/math"
)

const (
	addressBase      uint64 = 0x1_0000_0000
	addressAlignment uint64 = 64 * 1024
)

type region struct {
	base  uint64
	size  uint64
	data  []byte
	owner interface{}
}

// addressSpace hands out GPU virtual addresses and resolves them back to
// host memory when the executor reads shader tables.
type addressSpace struct {
	mu      sync.RWMutex
	next    uint64
	regions []*region
}

func newAddressSpace() *addressSpace {
	return &addressSpace{next: addressBase}
}

func (a *addressSpace) reserve(size uint64, data []byte, owner interface{}) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	base := a.next
	a.next = math.AlignUp(base+math.Max(size, 1), addressAlignment)
	// Bases only grow, so appending keeps the slice sorted.
	a.regions = append(a.regions, &region{base: base, size: size, data: data, owner: owner})
	return base
}

func (a *addressSpace) release(base uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, r := range a.regions {
		if r.base == base {
			a.regions = append(a.regions[:i], a.regions[i+1:]...)
			return
		}
	}
}

func (a *addressSpace) find(addr uint64) *region {
	i := sort.Search(len(a.regions), func(i int) bool {
		return a.regions[i].base+a.regions[i].size > addr
	})
	if i == len(a.regions) || addr < a.regions[i].base {
		return nil
	}
	return a.regions[i]
}

func (a *addressSpace) resolve(addr, size uint64) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	r := a.find(addr)
	if r == nil || addr+size > r.base+r.size {
		return nil, fmt.Errorf("address range 0x%x+%d is not mapped", addr, size)
	}
	if r.data == nil {
		return nil, fmt.Errorf("address 0x%x is not backed by a buffer", addr)
	}
	off := addr - r.base
	return r.data[off : off+size], nil
}

func (a *addressSpace) owner(addr uint64) (interface{}, uint64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	r := a.find(addr)
	if r == nil {
		return nil, 0, false
	}
	return r.owner, addr - r.base, true
}

// Buffer is host memory with a GPU virtual address.
type Buffer struct {
	dev       *Device
	label     string
	data      []byte
	address   uint64
	destroyed atomic.Bool
}

func (b *Buffer) Size() uint64 {
	return uint64(len(b.data))
}

func (b *Buffer) GPUAddress() uint64 {
	return b.address
}

func (b *Buffer) Mapped() []byte {
	return b.data
}

func (b *Buffer) Destroy() {
	if b.destroyed.Swap(true) {
		return
	}
	b.dev.memory.release(b.address)
}
