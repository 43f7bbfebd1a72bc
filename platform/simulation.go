package platform

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"

	"lautenbacher.net/autolight/leds"
	"lautenbacher.net/autolight/sensor"
)

var errNoAck = errors.New("no ack")

type simChip struct {
	powered  bool
	addr     uint16
	ranging  bool
	distance float64
}

// ChipState is what the simulation shows about a chip.
type ChipState struct {
	Powered  bool
	Address  uint16
	Ranging  bool
	Distance float64
}

// SimBus simulates identical time-of-flight chips sharing one bus. Each
// chip boots at the factory address when its enable line is set and
// forgets its address when the line is cleared.
type SimBus struct {
	mu      sync.Mutex
	chips   []*simChip
	factory uint16
	far     float64
}

var _ sensor.Bus = (*SimBus)(nil)

// NewSimBus creates n chips that see far until somebody steps in
// front of them.
func NewSimBus(n int, factory uint16, far float64) *SimBus {
	b := &SimBus{factory: factory, far: far}
	for range n {
		b.chips = append(b.chips, &simChip{distance: far})
	}
	return b
}

func (b *SimBus) Open(addr uint16) (sensor.Ranger, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var found *simChip
	for _, c := range b.chips {
		if c.powered && c.addr == addr {
			if found != nil {
				return nil, fmt.Errorf("%w at 0x%02x", sensor.ErrAddressCollision, addr)
			}
			found = c
		}
	}
	if found == nil {
		return nil, fmt.Errorf("open 0x%02x: %w", addr, errNoAck)
	}
	return &simRanger{bus: b, chip: found, addr: addr}, nil
}

func (b *SimBus) Scan() ([]uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var found []uint16
	for _, c := range b.chips {
		if c.powered {
			found = append(found, c.addr)
		}
	}
	slices.Sort(found)
	return slices.Compact(found), nil
}

// Line returns the enable line of chip i.
func (b *SimBus) Line(i int) (sensor.EnableLine, error) {
	if i < 0 || i >= len(b.chips) {
		return nil, fmt.Errorf("%w: %d", sensor.ErrInvalidDevice, i)
	}
	return &simLine{bus: b, chip: b.chips[i]}, nil
}

// Toggle moves somebody to near in front of chip i or away from it.
// Returns whether somebody is there now.
func (b *SimBus) Toggle(i int, near float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= len(b.chips) {
		return false
	}
	c := b.chips[i]
	if c.distance == b.far {
		c.distance = near
		return true
	}
	c.distance = b.far
	return false
}

// Brownout lets chip i reboot. It comes back at the factory address.
func (b *SimBus) Brownout(i int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.chips[i]
	if c.powered {
		c.addr = b.factory
		c.ranging = false
	}
}

func (b *SimBus) Chips() []ChipState {
	b.mu.Lock()
	defer b.mu.Unlock()
	ret := make([]ChipState, len(b.chips))
	for i, c := range b.chips {
		ret[i] = ChipState{Powered: c.powered, Address: c.addr, Ranging: c.ranging, Distance: c.distance}
	}
	return ret
}

type simRanger struct {
	bus  *SimBus
	chip *simChip
	addr uint16
}

func (r *simRanger) check() error {
	if !r.chip.powered || r.chip.addr != r.addr {
		return fmt.Errorf("0x%02x: %w", r.addr, errNoAck)
	}
	return nil
}

func (r *simRanger) StartContinuous() error {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	if err := r.check(); err != nil {
		return err
	}
	r.chip.ranging = true
	return nil
}

func (r *simRanger) StopContinuous() error {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	if err := r.check(); err != nil {
		return err
	}
	r.chip.ranging = false
	return nil
}

func (r *simRanger) SetAddress(addr uint16) error {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	if err := r.check(); err != nil {
		return err
	}
	r.chip.addr = addr
	r.addr = addr
	return nil
}

func (r *simRanger) Distance() (float64, error) {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	if err := r.check(); err != nil {
		return 0, err
	}
	if !r.chip.ranging {
		return 0, fmt.Errorf("0x%02x: not ranging", r.addr)
	}
	return r.chip.distance, nil
}

type simLine struct {
	bus  *SimBus
	chip *simChip
}

func (l *simLine) Set(on bool) error {
	l.bus.mu.Lock()
	defer l.bus.mu.Unlock()
	if on && !l.chip.powered {
		l.chip.addr = l.bus.factory
	}
	if !on {
		l.chip.ranging = false
	}
	l.chip.powered = on
	return nil
}

// SimPWM simulates the PWM chip. Drivers created from it share its
// channel state, like handles to the same physical chip.
type SimPWM struct {
	mu        sync.Mutex
	duties    []uint16
	frequency int
	drivers   int
	failNext  atomic.Bool
}

func NewSimPWM(channels int) *SimPWM {
	return &SimPWM{duties: make([]uint16, channels)}
}

// NewDriver is a leds.DriverFactory.
func (p *SimPWM) NewDriver() (leds.Driver, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drivers++
	return &simDriver{pwm: p}, nil
}

// FailNextWrite makes the next channel write fail.
func (p *SimPWM) FailNextWrite() {
	p.failNext.Store(true)
}

func (p *SimPWM) Duties() []uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.duties)
}

func (p *SimPWM) Frequency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frequency
}

// Drivers is the number of drivers created so far.
func (p *SimPWM) Drivers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drivers
}

type simDriver struct {
	pwm    *SimPWM
	closed bool
}

func (d *simDriver) SetChannelDuty(channel int, value uint16) error {
	if d.pwm.failNext.Swap(false) {
		return fmt.Errorf("channel %d: %w", channel, errNoAck)
	}
	d.pwm.mu.Lock()
	defer d.pwm.mu.Unlock()
	if d.closed {
		return errors.New("driver closed")
	}
	if channel < 0 || channel >= len(d.pwm.duties) {
		return fmt.Errorf("%w: %d", leds.ErrInvalidChannel, channel)
	}
	d.pwm.duties[channel] = value
	return nil
}

func (d *simDriver) SetFrequency(hz int) error {
	d.pwm.mu.Lock()
	defer d.pwm.mu.Unlock()
	d.pwm.frequency = hz
	return nil
}

func (d *simDriver) Close() error {
	d.pwm.mu.Lock()
	defer d.pwm.mu.Unlock()
	d.closed = true
	return nil
}
