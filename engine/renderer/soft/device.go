// Package soft is an in-process GPU. Submitted command lists execute on a
// worker goroutine, asynchronously to the caller, and shader tables are read
// back out of buffer memory at execution time the same way hardware would.
package soft

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/hal"
)

type Options struct {
	Name string
	// Latency is added before each submission executes.
	Latency time.Duration
	// QueueDepth bounds how many submissions may be pending before Submit
	// blocks. Defaults to 64.
	QueueDepth int
}

type submission struct {
	commands []command
	timeline *Timeline
	value    uint64
}

type Device struct {
	name    string
	limits  hal.Limits
	latency time.Duration
	memory  *addressSpace

	cpuHandles atomic.Uint64
	presents   atomic.Uint64

	// sendMu keeps Destroy from closing work under a concurrent Submit.
	sendMu sync.RWMutex
	work   chan *submission
	wg     sync.WaitGroup
	once   sync.Once

	mu        sync.Mutex
	cond      *sync.Cond
	paused    bool
	destroyed bool
	lost      error
	traces    []RayTrace
}

func New(opts Options) *Device {
	if opts.Name == "" {
		opts.Name = "soft"
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	d := &Device{
		name: opts.Name,
		limits: hal.Limits{
			ShaderIdentifierSize:    identifierSize,
			ShaderTableAlignment:    64,
			ShaderRecordAlignment:   32,
			ConstantBufferAlignment: 256,
			DescriptorSize:          32,
			MaxRecursionDepth:       31,
		},
		latency: opts.Latency,
		memory:  newAddressSpace(),
		work:    make(chan *submission, opts.QueueDepth),
	}
	d.cpuHandles.Store(cpuHandleBase)
	d.cond = sync.NewCond(&d.mu)

	d.wg.Add(1)
	go d.run()

	core.LogInfo("soft device %q started", d.name)
	return d
}

func (d *Device) Name() string {
	return d.name
}

func (d *Device) Limits() hal.Limits {
	return d.limits
}

func (d *Device) alive() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost != nil {
		return d.lost
	}
	if d.destroyed {
		return fmt.Errorf("soft device %q destroyed: %w", d.name, core.ErrInvalidState)
	}
	return nil
}

func (d *Device) run() {
	defer d.wg.Done()
	for sub := range d.work {
		d.mu.Lock()
		for d.paused && d.lost == nil {
			d.cond.Wait()
		}
		lost := d.lost
		d.mu.Unlock()

		if lost != nil {
			// Work behind a lost device never completes.
			continue
		}
		if d.latency > 0 {
			time.Sleep(d.latency)
		}
		if err := d.execute(sub); err != nil {
			d.lose(err)
			continue
		}

		d.mu.Lock()
		if sub.value > sub.timeline.completed {
			sub.timeline.completed = sub.value
		}
		d.cond.Broadcast()
		d.mu.Unlock()
	}
}

func (d *Device) lose(cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost == nil {
		d.lost = fmt.Errorf("soft device %q: %v: %w", d.name, cause, core.ErrDeviceLost)
		core.LogError(d.lost.Error())
	}
	d.cond.Broadcast()
}

// Lose puts the device in the lost state, as a driver reset would.
func (d *Device) Lose() {
	d.lose(errors.New("lost on request"))
}

// Pause stops the executor before the next submission. Already running work
// finishes.
func (d *Device) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = true
}

func (d *Device) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = false
	d.cond.Broadcast()
}

// Traces returns every dispatch executed so far, in execution order.
func (d *Device) Traces() []RayTrace {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]RayTrace(nil), d.traces...)
}

func (d *Device) Presents() uint64 {
	return d.presents.Load()
}

func (d *Device) CreateTimeline() (hal.Timeline, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	return &Timeline{dev: d}, nil
}

func (d *Device) CreateCommandList() (hal.CommandList, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	return &CommandList{dev: d}, nil
}

func (d *Device) CreateBuffer(desc hal.BufferDesc) (hal.Buffer, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("buffer %q: zero size: %w", desc.Label, core.ErrInvalidState)
	}
	b := &Buffer{dev: d, label: desc.Label, data: make([]byte, desc.Size)}
	b.address = d.memory.reserve(desc.Size, b.data, b)
	return b, nil
}

func (d *Device) CreateDescriptorHeap(desc hal.DescriptorHeapDesc) (hal.DescriptorHeap, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	if desc.Capacity == 0 {
		return nil, fmt.Errorf("descriptor heap %q: zero capacity: %w", desc.Label, core.ErrInvalidState)
	}
	stride := uint64(d.limits.DescriptorSize)
	size := uint64(desc.Capacity) * stride
	h := &DescriptorHeap{
		dev:     d,
		label:   desc.Label,
		visible: desc.ShaderVisible,
		stride:  stride,
		cpuBase: d.cpuHandles.Add(size) - size,
		slots:   make([]hal.Descriptor, desc.Capacity),
	}
	if h.visible {
		h.gpuBase = d.memory.reserve(size, nil, h)
	}
	return h, nil
}

func (d *Device) Submit(lists []hal.CommandList, timeline hal.Timeline, value uint64) error {
	tl, ok := timeline.(*Timeline)
	if !ok || tl.dev != d {
		return fmt.Errorf("timeline does not belong to soft device %q: %w", d.name, core.ErrInvalidState)
	}
	sub := &submission{timeline: tl, value: value}
	for i, l := range lists {
		cl, ok := l.(*CommandList)
		if !ok || cl.dev != d {
			return fmt.Errorf("command list %d does not belong to soft device %q: %w", i, d.name, core.ErrInvalidState)
		}
		if cl.state != listClosed {
			return fmt.Errorf("command list %d submitted while open: %w", i, core.ErrInvalidState)
		}
		sub.commands = append(sub.commands, cl.commands...)
	}

	d.sendMu.RLock()
	defer d.sendMu.RUnlock()

	d.mu.Lock()
	if d.lost != nil {
		d.mu.Unlock()
		return d.lost
	}
	if d.destroyed {
		d.mu.Unlock()
		return fmt.Errorf("submit to destroyed soft device %q: %w", d.name, core.ErrInvalidState)
	}
	if value <= tl.submitted {
		d.mu.Unlock()
		return fmt.Errorf("timeline value %d does not exceed %d: %w", value, tl.submitted, core.ErrInvalidState)
	}
	tl.submitted = value
	d.mu.Unlock()

	d.work <- sub
	return nil
}

func (d *Device) Present() error {
	if err := d.alive(); err != nil {
		return err
	}
	d.presents.Add(1)
	return nil
}

// Destroy drains pending work and stops the executor.
func (d *Device) Destroy() {
	d.once.Do(func() {
		d.mu.Lock()
		d.destroyed = true
		d.paused = false
		d.cond.Broadcast()
		d.mu.Unlock()

		d.sendMu.Lock()
		close(d.work)
		d.sendMu.Unlock()

		d.wg.Wait()
		core.LogInfo("soft device %q destroyed", d.name)
	})
}

// Timeline values are guarded by the owning device's mutex.
type Timeline struct {
	dev       *Device
	completed uint64
	submitted uint64
}

func (t *Timeline) Completed() (uint64, error) {
	t.dev.mu.Lock()
	defer t.dev.mu.Unlock()
	return t.completed, t.dev.lost
}

func (t *Timeline) Wait(value uint64) error {
	t.dev.mu.Lock()
	defer t.dev.mu.Unlock()
	for t.completed < value && t.dev.lost == nil {
		t.dev.cond.Wait()
	}
	if t.completed >= value {
		return nil
	}
	return t.dev.lost
}

func (t *Timeline) Destroy() {}
