package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"lautenbacher.net/autolight/util"
)

type State int

const (
	Uninitialized State = iota
	PoweredOff
	PoweredOn
	AddressAssigned
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case PoweredOff:
		return "PoweredOff"
	case PoweredOn:
		return "PoweredOn"
	case AddressAssigned:
		return "AddressAssigned"
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Device is one time-of-flight sensor. Its index and address are fixed
// at construction and survive any number of recoveries.
type Device struct {
	reg     *Registry
	line    EnableLine
	index   int
	address uint16

	// Guards ranger and state
	mu     sync.Mutex
	ranger Ranger
	state  State

	threshold atomicFloat
	distance  atomicFloat
	tripped   atomic.Bool
	failing   atomic.Bool

	stopOnce sync.Once
}

// NewDevice registers a device with reg and allocates its address. No
// bus I/O happens before Begin.
func NewDevice(reg *Registry, line EnableLine, threshold float64) (*Device, error) {
	if line == nil {
		return nil, fmt.Errorf("%w: no enable line", ErrInvalidDevice)
	}
	d := &Device{
		reg:  reg,
		line: line,
	}
	d.threshold.Store(threshold)
	d.distance.Store(InvalidDistance)
	if err := reg.register(d); err != nil {
		return nil, err
	}
	slog.Debug("Registered sensor", "index", d.index, "address", fmt.Sprintf("0x%02x", d.address))
	return d, nil
}

func (d *Device) Index() int {
	return d.index
}

// Address is the bus address assigned to this device.
func (d *Device) Address() uint16 {
	return d.address
}

func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) Threshold() float64 {
	return d.threshold.Load()
}

func (d *Device) SetThreshold(threshold float64) {
	d.threshold.Store(threshold)
}

// Distance is the last measured distance or InvalidDistance.
func (d *Device) Distance() float64 {
	return d.distance.Load()
}

func (d *Device) Tripped() bool {
	return d.tripped.Load()
}

func (d *Device) primary() bool {
	return d.index == 0
}

// Begin powers the chip up at the factory address, starts ranging and
// moves it to its assigned address. Only one device on the bus may be
// in Begin at any time.
func (d *Device) Begin(ctx context.Context) error {
	if !d.reg.beginning.CompareAndSwap(false, true) {
		slog.Error("Overlapping sensor start", "index", d.index, "critical", true)
		return fmt.Errorf("%w: device %d started while another device is starting", ErrProtocolViolation, d.index)
	}
	defer d.reg.beginning.Store(false)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Stopped {
		return fmt.Errorf("%w: device %d has been shut down", ErrNotRunning, d.index)
	}

	if err := d.line.Set(true); err != nil {
		return fmt.Errorf("failed to power sensor %d: %w", d.index, err)
	}
	d.state = PoweredOn

	ranger, err := d.start(ctx)
	if err != nil {
		// a chip left powered would answer at the factory address
		// while the next device starts
		if perr := d.line.Set(false); perr != nil {
			slog.Error("Failed to release sensor after failed start", "index", d.index, "error", perr)
		}
		d.state = PoweredOff
		return err
	}
	d.state = AddressAssigned
	d.ranger = ranger
	d.state = Running
	slog.Info("Sensor running", "index", d.index, "address", fmt.Sprintf("0x%02x", d.address))
	return nil
}

// start connects at the factory address, starts ranging and moves the
// chip to its assigned address.
func (d *Device) start(ctx context.Context) (Ranger, error) {
	ranger, err := d.open(ctx)
	if err != nil {
		return nil, err
	}
	if err := ranger.StartContinuous(); err != nil {
		return nil, fmt.Errorf("failed to start ranging on sensor %d: %w", d.index, err)
	}
	if err := ranger.SetAddress(d.address); err != nil {
		return nil, fmt.Errorf("failed to set address 0x%02x on sensor %d: %w", d.address, d.index, err)
	}
	return ranger, nil
}

// open retries until the chip answers at the factory address. A chip
// that was just released from reset needs some time to boot.
func (d *Device) open(ctx context.Context) (Ranger, error) {
	for attempt := 1; ; attempt++ {
		ranger, err := d.reg.bus.Open(d.reg.cfg.FactoryAddress)
		if err == nil {
			return ranger, nil
		}
		slog.Warn("Failed to connect to sensor, retrying", "index", d.index, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.reg.cfg.OpenRetryDelay):
		}
	}
}

// powerOff holds the chip in reset.
func (d *Device) powerOff() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Stopped {
		return nil
	}
	if err := d.line.Set(false); err != nil {
		return fmt.Errorf("failed to power off sensor %d: %w", d.index, err)
	}
	d.ranger = nil
	d.state = PoweredOff
	return nil
}

// Poll reads the device every interval until ctx is done.
func (d *Device) Poll(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Device) pollOnce(ctx context.Context) {
	distance, err := d.read()
	if err == nil {
		d.update(distance)
		return
	}

	d.distance.Store(InvalidDistance)
	if !d.failing.Swap(true) {
		slog.Error("Failed to read sensor", "index", d.index, "error", err)
	} else {
		slog.Debug("Sensor still failing", "index", d.index, "error", err)
	}
	// an address fault is bus wide, the primary speaks for all
	if d.primary() {
		d.reg.tryRecover(ctx)
	}
}

func (d *Device) read() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Running || d.ranger == nil {
		return 0, fmt.Errorf("%w: sensor %d is %s", ErrNotRunning, d.index, d.state)
	}
	return d.ranger.Distance()
}

func (d *Device) update(distance float64) {
	d.distance.Store(distance)
	tripped := distance < d.Threshold()
	if d.tripped.Swap(tripped) != tripped {
		d.reg.Triggers.Send(d.index, util.NewTrigger(d.index, distance, tripped, time.Now()))
	}
	if d.failing.Swap(false) {
		slog.Info("Sensor is back", "index", d.index, "distance", distance)
	}
}

// Shutdown stops ranging and holds the chip in reset. Only the first
// call has an effect.
func (d *Device) Shutdown() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.ranger != nil {
			if err := d.ranger.StopContinuous(); err != nil {
				slog.Warn("Failed to stop sensor", "index", d.index, "error", err)
			}
			d.ranger = nil
		}
		if err := d.line.Set(false); err != nil {
			slog.Warn("Failed to power off sensor", "index", d.index, "error", err)
		}
		d.state = Stopped
	})
}

type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}

func (f *atomicFloat) Store(v float64) {
	f.bits.Store(math.Float64bits(v))
}

