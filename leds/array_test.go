package leds

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lautenbacher.net/autolight/animation"
	"lautenbacher.net/autolight/util"
)

type mockDriver struct {
	mu         sync.Mutex
	duties     map[int]uint16
	frequency  int
	failWrites int
	failFreq   int
	closed     bool
}

func (m *mockDriver) SetChannelDuty(channel int, value uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites > 0 {
		m.failWrites--
		return errors.New("i2c write failed")
	}
	m.duties[channel] = value
	return nil
}

func (m *mockDriver) SetFrequency(hz int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFreq > 0 {
		m.failFreq--
		return errors.New("i2c write failed")
	}
	m.frequency = hz
	return nil
}

func (m *mockDriver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockDriver) duty(channel int) (uint16, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.duties[channel]
	return v, ok
}

func (m *mockDriver) getFrequency() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frequency
}

func (m *mockDriver) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type mockFactory struct {
	mu      sync.Mutex
	drivers []*mockDriver
	fail    bool
}

func (f *mockFactory) newDriver() (Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("no pwm chip")
	}
	d := &mockDriver{duties: make(map[int]uint16)}
	f.drivers = append(f.drivers, d)
	return d, nil
}

func (f *mockFactory) latest() *mockDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drivers[len(f.drivers)-1]
}

func (f *mockFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drivers)
}

func newTestArray(t *testing.T, settings Settings) (*Array, *mockFactory) {
	t.Helper()
	factory := &mockFactory{}
	a, err := NewArray(settings, factory.newDriver)
	require.NoError(t, err)
	a.coins = animation.NewCoins(settings.Count, rand.New(rand.NewSource(42)))
	return a, factory
}

func TestNewArray(t *testing.T) {
	a, factory := newTestArray(t, Settings{Count: 4, Frequency: 120, FPS: 60})

	assert.Equal(t, 4, a.Count())
	assert.Equal(t, 120, factory.latest().getFrequency())
	for _, ch := range a.Channels() {
		assert.False(t, ch.Powered)
		assert.Equal(t, uint16(MaxBrightness), ch.Brightness)
		assert.Equal(t, animation.None{}, ch.Animation)
	}
}

func TestNewArray_Errors(t *testing.T) {
	factory := &mockFactory{}
	_, err := NewArray(Settings{Count: 0, FPS: 60}, factory.newDriver)
	assert.ErrorIs(t, err, ErrInvalidChannel)

	_, err = NewArray(Settings{Count: 2, FPS: 0}, factory.newDriver)
	assert.ErrorIs(t, err, ErrInvalidFPS)

	_, err = NewArray(Settings{Count: 2, FPS: 60}, nil)
	assert.ErrorIs(t, err, ErrNoDriver)

	factory.fail = true
	_, err = NewArray(Settings{Count: 2, FPS: 60}, factory.newDriver)
	assert.Error(t, err)
}

func TestSetters_InvalidChannel(t *testing.T) {
	a, _ := newTestArray(t, Settings{Count: 2, FPS: 60})

	assert.ErrorIs(t, a.SetPower(2, true), ErrInvalidChannel)
	assert.ErrorIs(t, a.SetPower(-1, true), ErrInvalidChannel)
	assert.ErrorIs(t, a.SetBrightness(5, 1, Percent), ErrInvalidChannel)
	assert.ErrorIs(t, a.SetAnimation(3, animation.None{}), ErrInvalidChannel)
	_, err := a.Channel(2)
	assert.ErrorIs(t, err, ErrInvalidChannel)
}

func TestSetBrightness_Units(t *testing.T) {
	a, _ := newTestArray(t, Settings{Count: 2, FPS: 60})

	require.NoError(t, a.SetBrightness(0, 255, Bits8))
	require.NoError(t, a.SetBrightness(1, 1.0, Percent))
	ch0, _ := a.Channel(0)
	ch1, _ := a.Channel(1)
	assert.Equal(t, ch1.Brightness, ch0.Brightness)
	assert.Equal(t, uint16(MaxBrightness), ch0.Brightness)

	p, err := a.Brightness(0, Percent)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, p, 1.0/257)

	require.NoError(t, a.SetBrightness(0, 128, Bits8))
	first, _ := a.Channel(0)
	require.NoError(t, a.SetBrightness(0, 128, Bits8))
	second, _ := a.Channel(0)
	assert.Equal(t, first.Brightness, second.Brightness, "setting the same value twice must be idempotent")
	assert.Equal(t, uint16(128*257), second.Brightness)

	require.NoError(t, a.SetBrightness(0, 70000, Bits16))
	ch0, _ = a.Channel(0)
	assert.Equal(t, uint16(MaxBrightness), ch0.Brightness, "values are clamped")
}

func TestTick_WalkingScenario(t *testing.T) {
	a, factory := newTestArray(t, Settings{Count: 4, Frequency: 120, FPS: 60})

	powers := util.Propagate([]bool{false, true, false, false}, 1)
	require.Equal(t, []bool{true, true, true, false}, powers)

	for i, on := range powers {
		require.NoError(t, a.SetPower(i, on))
		require.NoError(t, a.SetBrightness(i, 40000, Bits16))
		require.NoError(t, a.SetAnimation(i, animation.None{}))
	}
	a.tick(context.Background(), time.Unix(100, 0))

	drv := factory.latest()
	for i := 0; i < 3; i++ {
		v, ok := drv.duty(i)
		require.True(t, ok)
		assert.Equal(t, uint16(40000), v, "channel %d", i)
	}
	v, ok := drv.duty(3)
	require.True(t, ok)
	assert.Equal(t, uint16(0), v)
}

func TestTick_Blink(t *testing.T) {
	a, factory := newTestArray(t, Settings{Count: 1, FPS: 60})
	require.NoError(t, a.SetPower(0, true))
	require.NoError(t, a.SetAnimation(0, animation.Blink{
		OnTime:  500 * time.Millisecond,
		OffTime: 500 * time.Millisecond,
		Sync:    animation.Sync,
	}))

	a.tick(context.Background(), time.Unix(10, int64(250*time.Millisecond)))
	v, _ := factory.latest().duty(0)
	assert.Equal(t, uint16(MaxBrightness), v, "blink should be on at t=0.25")

	a.tick(context.Background(), time.Unix(10, int64(750*time.Millisecond)))
	v, _ = factory.latest().duty(0)
	assert.Equal(t, uint16(0), v, "blink should be off at t=0.75")
}

func TestTick_FadeStaggered(t *testing.T) {
	a, factory := newTestArray(t, Settings{Count: 2, FPS: 60})
	for i := 0; i < 2; i++ {
		require.NoError(t, a.SetPower(i, true))
		require.NoError(t, a.SetBrightness(i, 1000, Bits16))
		require.NoError(t, a.SetAnimation(i, animation.Fade{SpeedMultiplier: 0, Sync: animation.Staggered}))
	}
	a.tick(context.Background(), time.Unix(3, 0))

	v0, _ := factory.latest().duty(0)
	v1, _ := factory.latest().duty(1)
	assert.Equal(t, uint16(500), v0)
	assert.Equal(t, uint16(500), v1)
}

func TestTick_Unpowered(t *testing.T) {
	a, factory := newTestArray(t, Settings{Count: 1, FPS: 60})
	require.NoError(t, a.SetAnimation(0, animation.Fade{SpeedMultiplier: 1}))
	a.tick(context.Background(), time.Unix(1, 0))
	v, ok := factory.latest().duty(0)
	require.True(t, ok)
	assert.Equal(t, uint16(0), v)
}

func TestTick_PowerFade(t *testing.T) {
	a, factory := newTestArray(t, Settings{Count: 1, FPS: 60, PowerFadeStep: 2500})
	require.NoError(t, a.SetPower(0, true))
	require.NoError(t, a.SetBrightness(0, 6000, Bits16))

	expected := []uint16{2500, 5000, 6000, 6000}
	for _, want := range expected {
		a.tick(context.Background(), time.Unix(1, 0))
		v, _ := factory.latest().duty(0)
		assert.Equal(t, want, v)
	}

	require.NoError(t, a.SetPower(0, false))
	for _, want := range []uint16{3500, 1000, 0} {
		a.tick(context.Background(), time.Unix(1, 0))
		v, _ := factory.latest().duty(0)
		assert.Equal(t, want, v)
	}
}

func TestTick_RecoverPreservesFrequency(t *testing.T) {
	a, factory := newTestArray(t, Settings{Count: 2, Frequency: 120, FPS: 60, AutoRecover: true})
	require.NoError(t, a.SetPower(0, true))
	require.NoError(t, a.SetPower(1, true))

	a.SetFrequency(200)
	a.tick(context.Background(), time.Unix(1, 0))
	first := factory.latest()
	assert.Equal(t, 200, first.getFrequency())

	first.mu.Lock()
	first.failWrites = 1
	first.mu.Unlock()
	a.tick(context.Background(), time.Unix(2, 0))

	require.Equal(t, 2, factory.count(), "a new driver should have been created")
	assert.True(t, first.isClosed())
	second := factory.latest()
	assert.Equal(t, 200, second.getFrequency(), "frequency must survive the recovery")
	assert.Equal(t, int64(1), a.Recoveries())

	a.tick(context.Background(), time.Unix(3, 0))
	v, ok := second.duty(1)
	require.True(t, ok)
	assert.Equal(t, uint16(MaxBrightness), v)
}

func TestTick_FrequencyRetriedAfterFailure(t *testing.T) {
	a, factory := newTestArray(t, Settings{Count: 2, Frequency: 120, FPS: 60, AutoRecover: false})
	require.NoError(t, a.SetPower(1, true))
	drv := factory.latest()
	drv.mu.Lock()
	drv.failFreq = 1
	drv.mu.Unlock()

	a.SetFrequency(500)
	a.tick(context.Background(), time.Unix(1, 0))
	assert.Equal(t, 120, drv.getFrequency())
	v, ok := drv.duty(1)
	require.True(t, ok, "channels are still written")
	assert.Equal(t, uint16(MaxBrightness), v)

	for i := range 3 {
		a.tick(context.Background(), time.Unix(int64(2+i), 0))
	}
	assert.Equal(t, 500, a.Frequency())
	assert.Equal(t, 500, drv.getFrequency(), "the driver must end up at the configured frequency")
	assert.Equal(t, 1, factory.count())
}

func TestTick_RecoveryFailureRetriesNextFrame(t *testing.T) {
	a, factory := newTestArray(t, Settings{Count: 1, FPS: 60, AutoRecover: true})
	require.NoError(t, a.SetPower(0, true))

	drv := factory.latest()
	drv.mu.Lock()
	drv.failWrites = 1
	drv.mu.Unlock()

	factory.mu.Lock()
	factory.fail = true
	factory.mu.Unlock()
	a.tick(context.Background(), time.Unix(1, 0))
	assert.Nil(t, a.driver)

	factory.mu.Lock()
	factory.fail = false
	factory.mu.Unlock()
	a.tick(context.Background(), time.Unix(2, 0))
	require.NotNil(t, a.driver)
	v, ok := factory.latest().duty(0)
	require.True(t, ok)
	assert.Equal(t, uint16(MaxBrightness), v)
}

func TestTick_NoRecoverKeepsWriting(t *testing.T) {
	a, factory := newTestArray(t, Settings{Count: 3, FPS: 60, AutoRecover: false})
	for i := 0; i < 3; i++ {
		require.NoError(t, a.SetPower(i, true))
	}
	drv := factory.latest()
	drv.mu.Lock()
	drv.failWrites = 1
	drv.mu.Unlock()

	a.tick(context.Background(), time.Unix(1, 0))
	assert.Equal(t, 1, factory.count(), "no new driver without auto recovery")
	_, ok := drv.duty(0)
	assert.False(t, ok, "first write failed")
	v, ok := drv.duty(2)
	require.True(t, ok, "remaining channels are still written")
	assert.Equal(t, uint16(MaxBrightness), v)

	drv.mu.Lock()
	drv.failWrites = 3
	drv.mu.Unlock()
	a.tick(context.Background(), time.Unix(2, 0))
	assert.True(t, a.faulted)

	a.tick(context.Background(), time.Unix(3, 0))
	assert.False(t, a.faulted, "a successful write ends the fault")
}

func TestSetFPS(t *testing.T) {
	a, _ := newTestArray(t, Settings{Count: 1, FPS: 60})
	assert.ErrorIs(t, a.SetFPS(0), ErrInvalidFPS)
	assert.NoError(t, a.SetFPS(200))
	assert.Equal(t, 200.0, a.FPS())
	assert.Equal(t, 5*time.Millisecond, a.interval())
}

func TestRun_SwitchesOffOnExit(t *testing.T) {
	a, factory := newTestArray(t, Settings{Count: 2, FPS: 500})
	require.NoError(t, a.SetPower(0, true))
	require.NoError(t, a.SetPower(1, true))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- a.Run(ctx) }()

	drv := factory.latest()
	assert.Eventually(t, func() bool {
		v, ok := drv.duty(1)
		return ok && v == MaxBrightness
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	for i := 0; i < 2; i++ {
		v, _ := drv.duty(i)
		assert.Equal(t, uint16(0), v)
	}
	assert.True(t, drv.isClosed())
}

func TestConcurrentSetters(t *testing.T) {
	a, _ := newTestArray(t, Settings{Count: 4, FPS: 1000})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				a.SetPower(idx, i%2 == 0)
				a.SetBrightness(idx, float64(i%256), Bits8)
				a.SetFPS(float64(500 + i))
			}
		}(w)
	}
	wg.Wait()
	cancel()
	<-done
}
