package leds

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"lautenbacher.net/autolight/animation"
)

// Settings for an Array
type Settings struct {
	Count     int
	Frequency int
	FPS       float64
	// Recreate the driver after an output fault
	AutoRecover  bool
	RecoverDelay time.Duration
	// Maximum level change per frame when a channel is switched on or
	// off. Zero switches immediately.
	PowerFadeStep uint16
}

// Array is a fixed number of monochromatic PWM channels rendered at a
// fixed frame rate. The setters may be called from any goroutine. All
// driver I/O happens in the goroutine executing Run.
type Array struct {
	settings  Settings
	newDriver DriverFactory

	// Guards channels, fps, frequency and freqDirty
	mu        sync.RWMutex
	channels  []Channel
	fps       float64
	frequency int
	freqDirty bool

	// Owned by the render loop
	driver  Driver
	levels  []uint16
	coins   *animation.Coins
	faulted bool
	now     func() time.Time

	recoveries atomic.Int64
}

// NewArray creates the array and its driver. Failing to create the
// driver is fatal for the array.
func NewArray(settings Settings, newDriver DriverFactory) (*Array, error) {
	if settings.Count <= 0 {
		return nil, fmt.Errorf("%w: channel count %d", ErrInvalidChannel, settings.Count)
	}
	if settings.FPS <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFPS, settings.FPS)
	}
	if newDriver == nil {
		return nil, ErrNoDriver
	}

	driver, err := newDriver()
	if err != nil {
		return nil, fmt.Errorf("failed to create LED driver: %w", err)
	}
	if err := driver.SetFrequency(settings.Frequency); err != nil {
		driver.Close()
		return nil, fmt.Errorf("failed to set LED frequency %d: %w", settings.Frequency, err)
	}

	inst := &Array{
		settings:  settings,
		newDriver: newDriver,
		channels:  make([]Channel, settings.Count),
		fps:       settings.FPS,
		frequency: settings.Frequency,
		driver:    driver,
		levels:    make([]uint16, settings.Count),
		coins:     animation.NewCoins(settings.Count, rand.New(rand.NewSource(time.Now().UnixNano()))),
		now:       time.Now,
	}
	for i := range inst.channels {
		inst.channels[i] = defaultChannel()
	}
	slog.Info("Created LED array", "channels", settings.Count, "frequency", settings.Frequency, "fps", settings.FPS)
	return inst, nil
}

// Count returns the number of channels.
func (a *Array) Count() int {
	return len(a.channels)
}

func (a *Array) checkIndex(index int) error {
	if index < 0 || index >= len(a.channels) {
		return fmt.Errorf("%w: %d (have %d)", ErrInvalidChannel, index, len(a.channels))
	}
	return nil
}

// SetPower switches a channel on or off with the next frame.
func (a *Array) SetPower(index int, on bool) error {
	if err := a.checkIndex(index); err != nil {
		return err
	}
	a.mu.Lock()
	a.channels[index].Powered = on
	a.mu.Unlock()
	return nil
}

// SetBrightness sets the brightness of a channel, given in unit.
func (a *Array) SetBrightness(index int, value float64, unit Unit) error {
	if err := a.checkIndex(index); err != nil {
		return err
	}
	canonical := ToCanonical(value, unit)
	a.mu.Lock()
	a.channels[index].Brightness = canonical
	a.mu.Unlock()
	return nil
}

// SetAnimation sets the animation of a channel. nil means None.
func (a *Array) SetAnimation(index int, anim animation.Animation) error {
	if err := a.checkIndex(index); err != nil {
		return err
	}
	if anim == nil {
		anim = animation.None{}
	}
	a.mu.Lock()
	a.channels[index].Animation = anim
	a.mu.Unlock()
	return nil
}

// Channel returns the configured state of a channel.
func (a *Array) Channel(index int) (Channel, error) {
	if err := a.checkIndex(index); err != nil {
		return Channel{}, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.channels[index], nil
}

// Channels returns a copy of all channel states.
func (a *Array) Channels() []Channel {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ret := make([]Channel, len(a.channels))
	copy(ret, a.channels)
	return ret
}

// Brightness returns the brightness of a channel converted to unit.
func (a *Array) Brightness(index int, unit Unit) (float64, error) {
	ch, err := a.Channel(index)
	if err != nil {
		return 0, err
	}
	return FromCanonical(ch.Brightness, unit), nil
}

// SetFPS changes the frame rate. Takes effect after the current frame.
func (a *Array) SetFPS(fps float64) error {
	if fps <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidFPS, fps)
	}
	a.mu.Lock()
	a.fps = fps
	a.mu.Unlock()
	return nil
}

func (a *Array) FPS() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.fps
}

// SetFrequency changes the PWM frequency. The render loop applies it
// with the next frame and keeps it when the driver gets recreated.
func (a *Array) SetFrequency(hz int) {
	a.mu.Lock()
	a.frequency = hz
	a.freqDirty = true
	a.mu.Unlock()
}

// retryFrequency marks the configured frequency for the next frame
// unless SetFrequency changed it in the meantime.
func (a *Array) retryFrequency() {
	a.mu.Lock()
	a.freqDirty = true
	a.mu.Unlock()
}

func (a *Array) Frequency() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.frequency
}

// Recoveries returns how often the driver has been recreated.
func (a *Array) Recoveries() int64 {
	return a.recoveries.Load()
}

func (a *Array) interval() time.Duration {
	return time.Duration(float64(time.Second) / a.FPS())
}

// Run renders frames until ctx is done. All channels are switched off
// and the driver is closed before Run returns.
func (a *Array) Run(ctx context.Context) error {
	slog.Info("Starting LED render loop", "fps", a.FPS())
	defer a.shutdown()

	timer := time.NewTimer(a.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Ending LED render loop")
			return nil
		case <-timer.C:
			a.tick(ctx, a.now())
			timer.Reset(a.interval())
		}
	}
}

// tick renders a single frame.
func (a *Array) tick(ctx context.Context, now time.Time) {
	a.mu.Lock()
	channels := make([]Channel, len(a.channels))
	copy(channels, a.channels)
	frequency, freqDirty := a.frequency, a.freqDirty
	a.freqDirty = false
	a.mu.Unlock()

	if a.driver == nil {
		// a previous recovery failed
		if !a.reconnect(ctx) {
			return
		}
	} else if freqDirty {
		if err := a.driver.SetFrequency(frequency); err != nil {
			a.retryFrequency()
			if a.fault(ctx, -1, err) {
				return
			}
		}
	}

	t := animation.Seconds(now.UnixNano())
	for i, ch := range channels {
		anim := ch.Animation
		if anim == nil {
			anim = animation.None{}
		}
		a.coins.Refresh(now, anim.CoinInterval())

		var target uint16
		if ch.Powered {
			target = ch.Brightness
		}
		level := a.ramp(i, target)
		value := clamp16(float64(level) * anim.Fraction(t, i, a.coins.Flips()))

		if err := a.driver.SetChannelDuty(i, value); err != nil {
			if a.fault(ctx, i, err) {
				return
			}
			continue
		}
		if a.faulted {
			slog.Info("LED output is back", "channel", i)
			a.faulted = false
		}
	}
}

// ramp moves the rendered level of a channel towards target.
func (a *Array) ramp(index int, target uint16) uint16 {
	step := a.settings.PowerFadeStep
	level := a.levels[index]
	switch {
	case step == 0 || level == target:
		level = target
	case level < target:
		if target-level <= step {
			level = target
		} else {
			level += step
		}
	default:
		if level-target <= step {
			level = target
		} else {
			level -= step
		}
	}
	a.levels[index] = level
	return level
}

// fault handles a failed driver call. Returns true when the rest of
// the frame must be skipped.
func (a *Array) fault(ctx context.Context, channel int, err error) bool {
	if !a.faulted {
		slog.Error("Failed to write LED output", "channel", channel, "error", err)
		a.faulted = true
	} else {
		slog.Debug("LED output still failing", "channel", channel, "error", err)
	}
	if !a.settings.AutoRecover {
		return false
	}
	a.reconnect(ctx)
	return true
}

// reconnect replaces the driver with a new one at the configured
// frequency.
func (a *Array) reconnect(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(a.settings.RecoverDelay):
	}

	if a.driver != nil {
		if err := a.driver.Close(); err != nil {
			slog.Debug("Closing faulty LED driver failed", "error", err)
		}
		a.driver = nil
	}

	driver, err := a.newDriver()
	if err != nil {
		slog.Error("Failed to recreate LED driver", "error", err)
		return false
	}
	frequency := a.Frequency()
	if err := driver.SetFrequency(frequency); err != nil {
		slog.Error("Failed to set frequency on recreated LED driver", "frequency", frequency, "error", err)
		driver.Close()
		return false
	}
	a.driver = driver
	a.recoveries.Add(1)
	slog.Info("Recreated LED driver", "frequency", frequency)
	return true
}

func (a *Array) shutdown() {
	if a.driver == nil {
		return
	}
	for i := range a.levels {
		if err := a.driver.SetChannelDuty(i, 0); err != nil {
			slog.Warn("Failed to switch off LED channel", "channel", i, "error", err)
		}
		a.levels[i] = 0
	}
	if err := a.driver.Close(); err != nil {
		slog.Warn("Failed to close LED driver", "error", err)
	}
	a.driver = nil
	slog.Info("LED array switched off")
}
