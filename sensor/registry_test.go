package sensor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChip struct {
	powered  bool
	addr     uint16
	ranging  bool
	distance float64
	fail     bool
	stops    int
	// number of SetAddress calls that fail before one succeeds
	failSetAddress int
}

type fakeBus struct {
	mu        sync.Mutex
	chips     []*fakeChip
	openCalls int
	failOpens int
	// when set, Open signals entered and waits for gate
	gate    chan struct{}
	entered chan struct{}
}

func (b *fakeBus) Open(addr uint16) (Ranger, error) {
	b.mu.Lock()
	gate, entered := b.gate, b.entered
	b.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.openCalls++
	if b.failOpens > 0 {
		b.failOpens--
		return nil, errors.New("no ack")
	}
	var found []*fakeChip
	for _, c := range b.chips {
		if c.powered && c.addr == addr {
			found = append(found, c)
		}
	}
	switch len(found) {
	case 0:
		return nil, errors.New("no ack")
	case 1:
		return &fakeRanger{bus: b, chip: found[0], addr: addr}, nil
	}
	return nil, ErrAddressCollision
}

func (b *fakeBus) Scan() ([]uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ret []uint16
	for _, c := range b.chips {
		if c.powered {
			ret = append(ret, c.addr)
		}
	}
	return ret, nil
}

func (b *fakeBus) chip(i int) *fakeChip {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chips[i]
}

func (b *fakeBus) with(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn()
}

type fakeRanger struct {
	bus  *fakeBus
	chip *fakeChip
	addr uint16
}

func (r *fakeRanger) reachable() bool {
	return r.chip.powered && r.chip.addr == r.addr
}

func (r *fakeRanger) StartContinuous() error {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	if !r.reachable() {
		return errors.New("no ack")
	}
	r.chip.ranging = true
	return nil
}

func (r *fakeRanger) StopContinuous() error {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	r.chip.ranging = false
	r.chip.stops++
	return nil
}

func (r *fakeRanger) SetAddress(addr uint16) error {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	if !r.reachable() {
		return errors.New("no ack")
	}
	if r.chip.failSetAddress > 0 {
		r.chip.failSetAddress--
		return errors.New("no ack")
	}
	r.chip.addr = addr
	r.addr = addr
	return nil
}

func (r *fakeRanger) Distance() (float64, error) {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	if !r.reachable() || r.chip.fail {
		return 0, errors.New("remote I/O error")
	}
	return r.chip.distance, nil
}

type fakeLine struct {
	bus  *fakeBus
	chip *fakeChip
	sets int
}

func (l *fakeLine) Set(on bool) error {
	l.bus.mu.Lock()
	defer l.bus.mu.Unlock()
	l.sets++
	if on && !l.chip.powered {
		l.chip.addr = FactoryAddress
	}
	l.chip.powered = on
	if !on {
		l.chip.ranging = false
	}
	return nil
}

func newTestRegistry(t *testing.T, n int, threshold float64) (*Registry, *fakeBus, []*Device) {
	t.Helper()
	bus := &fakeBus{}
	reg := NewRegistry(bus, RegistryConfig{OpenRetryDelay: time.Millisecond})
	devices := make([]*Device, n)
	for i := range n {
		chip := &fakeChip{distance: 100}
		bus.chips = append(bus.chips, chip)
		d, err := NewDevice(reg, &fakeLine{bus: bus, chip: chip}, threshold)
		require.NoError(t, err)
		devices[i] = d
	}
	return reg, bus, devices
}

func TestNewDevice_NoIO(t *testing.T) {
	reg, bus, devices := newTestRegistry(t, 3, 20)
	assert.Equal(t, 0, bus.openCalls)
	for _, d := range devices {
		assert.Equal(t, Uninitialized, d.State())
		assert.Equal(t, InvalidDistance, d.Distance())
	}
	assert.Same(t, devices[0], reg.Primary())
}

func TestAddressBijection(t *testing.T) {
	const n = 6
	reg, bus, devices := newTestRegistry(t, n, 20)
	require.NoError(t, reg.Begin(context.Background()))

	seen := map[uint16]bool{}
	for i, d := range devices {
		addr := d.Address()
		assert.GreaterOrEqual(t, addr, DefaultBaseAddress)
		assert.Less(t, addr, DefaultBaseAddress+n)
		assert.False(t, seen[addr], "address 0x%02x assigned twice", addr)
		seen[addr] = true
		assert.Equal(t, i, d.Index())
		assert.Equal(t, Running, d.State())
		assert.Equal(t, addr, bus.chip(i).addr, "chip must have moved to its address")
		assert.True(t, bus.chip(i).ranging)
	}
	assert.Len(t, seen, n)

	visible, err := reg.FactoryVisible()
	require.NoError(t, err)
	assert.False(t, visible)
}

func TestAddressesSurviveRecovery(t *testing.T) {
	reg, _, devices := newTestRegistry(t, 3, 20)
	require.NoError(t, reg.Begin(context.Background()))
	before := reg.Snapshot().Addresses

	require.NoError(t, reg.Recover(context.Background()))
	require.NoError(t, reg.Recover(context.Background()))

	assert.Equal(t, before, reg.Snapshot().Addresses)
	for _, d := range devices {
		assert.Equal(t, Running, d.State())
	}
	assert.Equal(t, int64(2), reg.Recoveries())
}

func TestRegister_AddressExhausted(t *testing.T) {
	bus := &fakeBus{}
	reg := NewRegistry(bus, RegistryConfig{BaseAddress: ScanLast})
	_, err := NewDevice(reg, &fakeLine{bus: bus, chip: &fakeChip{}}, 10)
	require.NoError(t, err)
	_, err = NewDevice(reg, &fakeLine{bus: bus, chip: &fakeChip{}}, 10)
	assert.ErrorIs(t, err, ErrAddressCollision)

	_, err = NewDevice(reg, nil, 10)
	assert.ErrorIs(t, err, ErrInvalidDevice)
}

func TestBegin_NoDevices(t *testing.T) {
	reg := NewRegistry(&fakeBus{}, RegistryConfig{})
	assert.ErrorIs(t, reg.Begin(context.Background()), ErrNoDevice)
	assert.Nil(t, reg.Primary())
}

func TestBegin_RetriesOpen(t *testing.T) {
	reg, bus, devices := newTestRegistry(t, 1, 20)
	bus.failOpens = 2
	require.NoError(t, reg.Begin(context.Background()))
	assert.Equal(t, 3, bus.openCalls)
	assert.Equal(t, Running, devices[0].State())
}

func TestBegin_RetryStopsOnCancel(t *testing.T) {
	reg, bus, _ := newTestRegistry(t, 1, 20)
	bus.failOpens = 1 << 30
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, reg.Begin(ctx), context.DeadlineExceeded)
}

func TestBegin_OverlapIsProtocolViolation(t *testing.T) {
	reg, _, devices := newTestRegistry(t, 2, 20)
	reg.beginning.Store(true)
	err := devices[1].Begin(context.Background())
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, Uninitialized, devices[1].State())
}

func TestPoll_Trips(t *testing.T) {
	reg, bus, devices := newTestRegistry(t, 2, 20)
	require.NoError(t, reg.Begin(context.Background()))
	ctx := context.Background()

	bus.with(func() { bus.chips[1].distance = 12.5 })
	devices[0].pollOnce(ctx)
	devices[1].pollOnce(ctx)
	assert.Equal(t, []bool{false, true}, reg.Trips())
	assert.Equal(t, []float64{100, 12.5}, reg.Distances())

	triggers := reg.Triggers.ConsumeValues()
	require.Len(t, triggers, 1)
	assert.True(t, triggers[1].Tripped)
	assert.Equal(t, 12.5, triggers[1].Distance)

	// no edge, no trigger
	devices[1].pollOnce(ctx)
	assert.False(t, reg.Triggers.HasPending())

	bus.with(func() { bus.chips[1].distance = 20 })
	devices[1].pollOnce(ctx)
	assert.False(t, devices[1].Tripped(), "threshold itself does not trip")
	assert.False(t, reg.Triggers.ConsumeValues()[1].Tripped)
}

func TestPoll_FailureKeepsTripped(t *testing.T) {
	reg, bus, devices := newTestRegistry(t, 2, 20)
	require.NoError(t, reg.Begin(context.Background()))
	ctx := context.Background()

	bus.with(func() { bus.chips[1].distance = 5 })
	devices[1].pollOnce(ctx)
	require.True(t, devices[1].Tripped())

	bus.with(func() { bus.chips[1].fail = true })
	devices[1].pollOnce(ctx)
	assert.Equal(t, InvalidDistance, devices[1].Distance())
	assert.True(t, devices[1].Tripped())

	bus.with(func() { bus.chips[1].fail = false })
	devices[1].pollOnce(ctx)
	assert.Equal(t, 5.0, devices[1].Distance())
}

func TestPoll_PrimaryRecoversBrownout(t *testing.T) {
	reg, bus, devices := newTestRegistry(t, 3, 20)
	require.NoError(t, reg.Begin(context.Background()))

	// chip 0 reboots and forgets its address
	bus.with(func() { bus.chips[0].addr = FactoryAddress })

	devices[0].pollOnce(context.Background())
	assert.Equal(t, int64(1), reg.Recoveries())
	assert.False(t, reg.Recovering())
	for i, d := range devices {
		assert.Equal(t, Running, d.State())
		assert.Equal(t, d.Address(), bus.chip(i).addr)
	}

	devices[0].pollOnce(context.Background())
	assert.Equal(t, 100.0, devices[0].Distance())
	assert.Equal(t, int64(1), reg.Recoveries())
}

func TestPoll_RecoveryRestartsAfterFailedStart(t *testing.T) {
	reg, bus, devices := newTestRegistry(t, 3, 20)
	require.NoError(t, reg.Begin(context.Background()))

	bus.with(func() {
		bus.chips[0].addr = FactoryAddress
		bus.chips[1].failSetAddress = 1
	})
	devices[0].pollOnce(context.Background())

	assert.Equal(t, int64(1), reg.Recoveries(), "one episode")
	assert.False(t, reg.Recovering())
	for range 5 {
		for _, d := range devices {
			d.pollOnce(context.Background())
		}
	}
	for i, d := range devices {
		assert.Equal(t, Running, d.State(), "device %d", i)
		assert.Equal(t, d.Address(), bus.chip(i).addr, "device %d", i)
		assert.Equal(t, 100.0, d.Distance(), "device %d", i)
	}
}

func TestBegin_FailureReleasesLine(t *testing.T) {
	reg, bus, devices := newTestRegistry(t, 2, 20)
	bus.with(func() { bus.chips[0].failSetAddress = 1 })

	err := devices[0].Begin(context.Background())
	require.Error(t, err)
	assert.Equal(t, PoweredOff, devices[0].State())
	bus.with(func() {
		assert.False(t, bus.chips[0].powered, "failed chip must not stay on the bus")
	})
	found, err := bus.Scan()
	require.NoError(t, err)
	assert.Empty(t, found)

	// the next start works
	require.NoError(t, reg.Begin(context.Background()))
	assert.Equal(t, Running, devices[0].State())
	assert.Equal(t, Running, devices[1].State())
}

func TestRecover_StopsOnCancel(t *testing.T) {
	reg, bus, _ := newTestRegistry(t, 2, 20)
	require.NoError(t, reg.Begin(context.Background()))
	bus.with(func() { bus.chips[1].failSetAddress = 1 << 30 })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := reg.Recover(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, reg.Recovering())
}

func TestPoll_NonPrimaryDoesNotRecover(t *testing.T) {
	reg, bus, devices := newTestRegistry(t, 3, 20)
	require.NoError(t, reg.Begin(context.Background()))

	bus.with(func() { bus.chips[2].addr = FactoryAddress })
	devices[2].pollOnce(context.Background())
	devices[1].pollOnce(context.Background())

	assert.Equal(t, int64(0), reg.Recoveries())
	assert.Equal(t, InvalidDistance, devices[2].Distance())

	// the primary reads fine, so nothing happens either
	devices[0].pollOnce(context.Background())
	assert.Equal(t, int64(0), reg.Recoveries())
}

func TestPoll_PrimarySkipsWithoutFactoryAddress(t *testing.T) {
	reg, bus, devices := newTestRegistry(t, 2, 20)
	require.NoError(t, reg.Begin(context.Background()))

	bus.with(func() { bus.chips[0].fail = true })
	devices[0].pollOnce(context.Background())
	assert.Equal(t, int64(0), reg.Recoveries())
	assert.Equal(t, InvalidDistance, devices[0].Distance())
}

func TestRecover_SingleEpisode(t *testing.T) {
	reg, bus, _ := newTestRegistry(t, 3, 20)
	require.NoError(t, reg.Begin(context.Background()))
	bus.with(func() { bus.chips[0].addr = FactoryAddress })

	gate := make(chan struct{})
	entered := make(chan struct{}, 16)
	bus.with(func() {
		bus.gate = gate
		bus.entered = entered
	})

	first := make(chan struct{})
	go func() {
		defer close(first)
		reg.tryRecover(context.Background())
	}()
	<-entered
	require.True(t, reg.Recovering())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.tryRecover(context.Background())
		}()
	}
	wg.Wait()
	assert.ErrorIs(t, reg.Recover(context.Background()), ErrRecoveryInProgress)
	assert.ErrorIs(t, reg.Recover(context.Background()), ErrProtocolViolation)

	bus.with(func() { bus.gate = nil })
	close(gate)
	<-first

	assert.Equal(t, int64(1), reg.Recoveries())
	assert.False(t, reg.Recovering())
}

func TestShutdown(t *testing.T) {
	reg, bus, devices := newTestRegistry(t, 2, 20)
	require.NoError(t, reg.Begin(context.Background()))

	reg.Shutdown()
	reg.Shutdown()
	for i, d := range devices {
		assert.Equal(t, Stopped, d.State())
		assert.False(t, bus.chip(i).powered)
		assert.Equal(t, 1, bus.chip(i).stops, "ranging is stopped once")
	}
	assert.ErrorIs(t, devices[0].Begin(context.Background()), ErrNotRunning)
}

func TestSetThreshold(t *testing.T) {
	reg, _, devices := newTestRegistry(t, 2, 20)
	require.NoError(t, reg.SetThreshold(1, 42))
	assert.Equal(t, 42.0, devices[1].Threshold())
	assert.ErrorIs(t, reg.SetThreshold(2, 1), ErrInvalidDevice)
	assert.ErrorIs(t, reg.SetThreshold(-1, 1), ErrInvalidDevice)
}

func TestRun(t *testing.T) {
	reg, bus, devices := newTestRegistry(t, 2, 20)
	require.NoError(t, reg.Begin(context.Background()))
	bus.with(func() { bus.chips[0].distance = 3 })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- reg.Run(ctx, time.Millisecond) }()

	assert.Eventually(t, func() bool {
		return devices[0].Tripped() && devices[1].Distance() == 100
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	for _, d := range devices {
		assert.Equal(t, Stopped, d.State())
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AddressAssigned", AddressAssigned.String())
	assert.Equal(t, "State(42)", State(42).String())
}
