package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"lautenbacher.net/autolight/util"
)

const (
	FactoryAddress     uint16 = 0x29
	DefaultBaseAddress uint16 = 0x30
	// Distance reported while a device can not be read
	InvalidDistance = -1.0
)

type RegistryConfig struct {
	BaseAddress    uint16
	FactoryAddress uint16
	// Backoff between attempts to connect to a chip at the factory
	// address
	OpenRetryDelay time.Duration
}

// Registry owns the address allocation and the ordered list of all
// devices sharing one bus. The first registered device is the primary
// and the only one that starts a recovery.
type Registry struct {
	bus Bus
	cfg RegistryConfig

	mu      sync.Mutex
	devices []*Device
	next    uint16

	beginning  atomic.Bool
	recovering atomic.Bool
	recoveries atomic.Int64

	// Latest trip edge per device index
	Triggers *util.AtomicMapEvent[int, util.Trigger]
}

func NewRegistry(bus Bus, cfg RegistryConfig) *Registry {
	if cfg.BaseAddress == 0 {
		cfg.BaseAddress = DefaultBaseAddress
	}
	if cfg.FactoryAddress == 0 {
		cfg.FactoryAddress = FactoryAddress
	}
	if cfg.OpenRetryDelay <= 0 {
		cfg.OpenRetryDelay = time.Second
	}
	return &Registry{
		bus:      bus,
		cfg:      cfg,
		next:     cfg.BaseAddress,
		Triggers: util.NewAtomicMapEvent[int, util.Trigger](),
	}
}

// register allocates the next free address. Addresses are never handed
// out twice.
func (r *Registry) register(d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr := r.next
	if addr == r.cfg.FactoryAddress || addr > ScanLast {
		return fmt.Errorf("%w: no usable address left (next 0x%02x)", ErrAddressCollision, addr)
	}
	r.next++
	d.index = len(r.devices)
	d.address = addr
	r.devices = append(r.devices, d)
	return nil
}

// Devices returns the devices in registration order.
func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.devices)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// Primary returns the first registered device or nil.
func (r *Registry) Primary() *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.devices) == 0 {
		return nil
	}
	return r.devices[0]
}

func (r *Registry) Device(index int) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.devices) {
		return nil, fmt.Errorf("%w: %d (have %d)", ErrInvalidDevice, index, len(r.devices))
	}
	return r.devices[index], nil
}

// Begin brings up every device, one after the other. A failure here is
// a startup failure.
func (r *Registry) Begin(ctx context.Context) error {
	if r.Len() == 0 {
		return ErrNoDevice
	}
	slog.Info("Starting sensors", "devices", r.Len())
	return r.reinit(ctx)
}

// Recover runs a collective re-init and repeats it until every device
// is running again or ctx is done. Only one may run at a time.
func (r *Registry) Recover(ctx context.Context) error {
	if !r.recovering.CompareAndSwap(false, true) {
		slog.Error("Sensor recovery requested while another one is running", "critical", true)
		return ErrRecoveryInProgress
	}
	defer r.recovering.Store(false)

	r.recoveries.Add(1)
	slog.Warn("Starting collective sensor re-init", "devices", r.Len())
	for attempt := 1; ; attempt++ {
		err := r.reinit(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("sensor recovery aborted: %w", ctx.Err())
		}
		slog.Warn("Sensor re-init failed, starting over", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("sensor recovery aborted: %w", ctx.Err())
		case <-time.After(r.cfg.OpenRetryDelay):
		}
	}
	slog.Info("Sensor bus recovered")
	return nil
}

// Recovering reports whether a recovery is running right now.
func (r *Registry) Recovering() bool {
	return r.recovering.Load()
}

// Recoveries is the number of recovery episodes started so far.
func (r *Registry) Recoveries() int64 {
	return r.recoveries.Load()
}

// reinit holds every chip in reset and then starts them in
// registration order. It stops at the first device that fails; that
// device is back in reset, the ones after it were never released.
func (r *Registry) reinit(ctx context.Context) error {
	devices := r.Devices()
	for _, d := range devices {
		if err := d.powerOff(); err != nil {
			return err
		}
	}
	for _, d := range devices {
		if err := d.Begin(ctx); err != nil {
			return err
		}
	}
	return nil
}

// FactoryVisible reports whether some chip answers at the factory
// address, i.e. it lost its assigned address.
func (r *Registry) FactoryVisible() (bool, error) {
	found, err := r.bus.Scan()
	if err != nil {
		return false, fmt.Errorf("bus scan failed: %w", err)
	}
	return slices.Contains(found, r.cfg.FactoryAddress), nil
}

// tryRecover is called by the primary after a failed read.
func (r *Registry) tryRecover(ctx context.Context) {
	visible, err := r.FactoryVisible()
	if err != nil {
		slog.Debug("Skipping sensor recovery", "error", err)
		return
	}
	if !visible {
		slog.Debug("Factory address not visible, skipping sensor recovery")
		return
	}
	if r.recovering.Load() {
		return
	}
	if err := r.Recover(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Sensor recovery failed", "error", err)
	}
}

// Run polls every device in its own goroutine until ctx is done and
// shuts all devices down afterwards.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	defer r.Shutdown()
	g, ctx := errgroup.WithContext(ctx)
	for _, d := range r.Devices() {
		g.Go(func() error {
			return d.Poll(ctx, interval)
		})
	}
	return g.Wait()
}

// Shutdown stops ranging and holds every chip in reset. Safe to call
// more than once.
func (r *Registry) Shutdown() {
	for _, d := range r.Devices() {
		d.Shutdown()
	}
}

// Snapshot is a read-only copy of the sensor state.
type Snapshot struct {
	Tripped    []bool    `json:"tripped"`
	Distance   []float64 `json:"distance"`
	Threshold  []float64 `json:"threshold"`
	Addresses  []uint16  `json:"addresses"`
	Recovering bool      `json:"recovering"`
	Recoveries int64     `json:"recoveries"`
}

func (r *Registry) Snapshot() Snapshot {
	devices := r.Devices()
	s := Snapshot{
		Tripped:    make([]bool, len(devices)),
		Distance:   make([]float64, len(devices)),
		Threshold:  make([]float64, len(devices)),
		Addresses:  make([]uint16, len(devices)),
		Recovering: r.Recovering(),
		Recoveries: r.Recoveries(),
	}
	for i, d := range devices {
		s.Tripped[i] = d.Tripped()
		s.Distance[i] = d.Distance()
		s.Threshold[i] = d.Threshold()
		s.Addresses[i] = d.Address()
	}
	return s
}

// Trips returns the tripped flag of every device.
func (r *Registry) Trips() []bool {
	devices := r.Devices()
	ret := make([]bool, len(devices))
	for i, d := range devices {
		ret[i] = d.Tripped()
	}
	return ret
}

func (r *Registry) Distances() []float64 {
	devices := r.Devices()
	ret := make([]float64, len(devices))
	for i, d := range devices {
		ret[i] = d.Distance()
	}
	return ret
}

// SetThreshold changes the trip distance of a device.
func (r *Registry) SetThreshold(index int, threshold float64) error {
	d, err := r.Device(index)
	if err != nil {
		return err
	}
	d.SetThreshold(threshold)
	return nil
}
