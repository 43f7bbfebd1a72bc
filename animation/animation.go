package animation

import (
	"math"
	"time"
)

// Animation is one of None, Blink or Fade.
type Animation interface {
	// Fraction returns the part (0..1) of the channel brightness to
	// show at time t (seconds) for the channel at index.
	Fraction(t float64, index int, coins []bool) float64
	// CoinInterval is the time after which the random coins get
	// redrawn. Zero for animations that do not use the coins.
	CoinInterval() time.Duration

	isAnimation()
}

// None shows the raw brightness.
type None struct{}

// Blink switches between full brightness and off.
type Blink struct {
	OnTime  time.Duration
	OffTime time.Duration
	Sync    SyncMode
}

// Fade follows a sine wave between off and full brightness.
type Fade struct {
	SpeedMultiplier float64
	Sync            SyncMode
}

func (None) isAnimation() {}
func (Blink) isAnimation() {}
func (Fade) isAnimation() {}

func (None) Fraction(float64, int, []bool) float64 { return 1 }

func (None) CoinInterval() time.Duration { return 0 }

// In the random modes the coin alone decides and the square wave only
// sets the cadence in which the coins are redrawn.
func (b Blink) Fraction(t float64, index int, coins []bool) float64 {
	level := 0.0
	switch b.Sync {
	case RandomSync, RandomUnsync:
		level = 1
	default:
		if Square(t, b.OnTime.Seconds(), b.OffTime.Seconds()) {
			level = 1
		}
	}
	return Resolve(b.Sync, index, level, coins)
}

func (b Blink) CoinInterval() time.Duration {
	if !random(b.Sync) {
		return 0
	}
	return b.OnTime
}

func (f Fade) Fraction(t float64, index int, coins []bool) float64 {
	return Resolve(f.Sync, index, Sine(t, f.SpeedMultiplier), coins)
}

// One full sine period.
func (f Fade) CoinInterval() time.Duration {
	if !random(f.Sync) || f.SpeedMultiplier == 0 {
		return 0
	}
	return time.Duration(2 * math.Pi / math.Abs(f.SpeedMultiplier) * float64(time.Second))
}

func random(mode SyncMode) bool {
	return mode == RandomSync || mode == RandomUnsync
}
