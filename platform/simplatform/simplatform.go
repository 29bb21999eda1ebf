// Package simplatform is an in-memory platform.Services implementation used
// by the usb and opal test suites. Its virtual clock lets tests fast-forward
// through stall/timer waits instead of sleeping in wall-clock time.
package simplatform

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opalusb/corefw/platform"
)

// Clock is a virtual clock: Stall and timers advance only when Advance is
// called, so tests drive the 1-second root-hub poll and the 100ms/50ms/1ms
// reset settle times deterministically and instantly.
type Clock struct {
	mu      sync.Mutex
	now     time.Duration
	stalls  int
	timers  []*timer
}

type timer struct {
	period  time.Duration
	next    time.Duration
	cb      func()
	cancel  bool
}

func NewClock() *Clock {
	return &Clock{}
}

func (c *Clock) Stall(d time.Duration) {
	c.mu.Lock()
	c.stalls++
	c.now += d
	c.mu.Unlock()
	c.fireDue()
}

func (c *Clock) StartTimer(period time.Duration, cb func()) func() {
	c.mu.Lock()
	t := &timer{period: period, next: c.now + period, cb: cb}
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		t.cancel = true
		c.mu.Unlock()
	}
}

// Advance moves the virtual clock forward by d, firing any timers whose
// period has elapsed (possibly more than once for large d).
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
	c.fireDue()
}

func (c *Clock) fireDue() {
	for {
		c.mu.Lock()
		var due *timer
		for _, t := range c.timers {
			if t.cancel {
				continue
			}
			if t.next <= c.now {
				due = t
				break
			}
		}
		if due != nil {
			due.next += due.period
		}
		c.mu.Unlock()
		if due == nil {
			return
		}
		due.cb()
	}
}

// Stalls reports how many times Stall was called, for asserting
// retry-budget boundary behaviors (e.g. "0 retries still performs one
// attempt").
func (c *Clock) Stalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stalls
}

// Pages is a PageAllocator backed by plain heap slices; alignment is
// asserted rather than physically enforced since this runs hosted.
type Pages struct {
	mu        sync.Mutex
	allocated map[*byte]int
	limit     int
}

func NewPages(limitPages int) *Pages {
	return &Pages{allocated: make(map[*byte]int), limit: limitPages}
}

func (p *Pages) AllocatePages(count int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.limit > 0 {
		used := 0
		for _, n := range p.allocated {
			used += n
		}
		if used+count > p.limit {
			return nil, platformErr("out of resources")
		}
	}
	buf := make([]byte, count*4096)
	p.allocated[&buf[0]] = count
	return buf, nil
}

func (p *Pages) FreePages(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocated, &buf[0])
	return nil
}

type platformErr string

func (e platformErr) Error() string { return string(e) }

// PCI is an in-memory PCI config space keyed by (bus, device, function).
type PCI struct {
	mu    sync.Mutex
	space map[[3]uint8]map[uint16]uint32
}

func NewPCI() *PCI {
	return &PCI{space: make(map[[3]uint8]map[uint16]uint32)}
}

func (p *PCI) key(bus, dev, fn uint8) [3]uint8 { return [3]uint8{bus, dev, fn} }

func (p *PCI) regs(bus, dev, fn uint8) map[uint16]uint32 {
	k := p.key(bus, dev, fn)
	r, ok := p.space[k]
	if !ok {
		r = make(map[uint16]uint32)
		p.space[k] = r
	}
	return r
}

func (p *PCI) ReadConfig32(bus, dev, fn uint8, offset uint16) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.regs(bus, dev, fn)[offset], nil
}

func (p *PCI) WriteConfig32(bus, dev, fn uint8, offset uint16, value uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs(bus, dev, fn)[offset] = value
	return nil
}

func (p *PCI) ReadConfig16(bus, dev, fn uint8, offset uint16) (uint16, error) {
	v, err := p.ReadConfig32(bus, dev, fn, offset&^1)
	return uint16(v), err
}

func (p *PCI) WriteConfig16(bus, dev, fn uint8, offset uint16, value uint16) error {
	return p.WriteConfig32(bus, dev, fn, offset&^1, uint32(value))
}

func (p *PCI) ReadConfig8(bus, dev, fn uint8, offset uint16) (uint8, error) {
	v, err := p.ReadConfig32(bus, dev, fn, offset&^3)
	return uint8(v), err
}

func (p *PCI) WriteConfig8(bus, dev, fn uint8, offset uint16, value uint8) error {
	return p.WriteConfig32(bus, dev, fn, offset&^3, uint32(value))
}

// DevicePath concatenates fragments with '/', mirroring the shape (not the
// binary encoding) of a UEFI device path string.
type DevicePath struct{}

func (DevicePath) Append(parent, fragment string) string {
	if parent == "" {
		return fragment
	}
	return parent + "/" + fragment
}

// Publisher records every Publish/Unpublish call for test assertions.
type Publisher struct {
	mu        sync.Mutex
	Published map[uuid.UUID][]any
}

func NewPublisher() *Publisher {
	return &Publisher{Published: make(map[uuid.UUID][]any)}
}

func (p *Publisher) Publish(guid uuid.UUID, handle any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Published[guid] = append(p.Published[guid], handle)
	return nil
}

func (p *Publisher) Unpublish(guid uuid.UUID, handle any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.Published[guid]
	for i, h := range list {
		if h == handle {
			p.Published[guid] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

// Variables is an in-memory SMM variable store.
type Variables struct {
	mu   sync.Mutex
	vars map[uuid.UUID]map[string][]byte
}

func NewVariables() *Variables {
	return &Variables{vars: make(map[uuid.UUID]map[string][]byte)}
}

func (v *Variables) Set(name string, guid uuid.UUID, data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.vars[guid] == nil {
		v.vars[guid] = make(map[string][]byte)
	}
	v.vars[guid][name] = data
}

func (v *Variables) GetVariable(name string, guid uuid.UUID) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if m, ok := v.vars[guid]; ok {
		if val, ok := m[name]; ok {
			return val, nil
		}
	}
	return nil, platformErr("variable not found")
}

// New assembles a full platform.Services from the fakes above.
func New() (*platform.Services, *Clock) {
	clk := NewClock()
	return &platform.Services{
		Clock:     clk,
		Pages:     NewPages(0),
		PCI:       NewPCI(),
		Paths:     DevicePath{},
		Publisher: NewPublisher(),
		Variables: NewVariables(),
	}, clk
}
