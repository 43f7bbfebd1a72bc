package animation

import (
	"math"
)

// Square returns true while t is inside the "on" part of a square wave
// with period onTime+offTime. All values are seconds. A period of zero
// or less never switches on.
func Square(t, onTime, offTime float64) bool {
	period := onTime + offTime
	if period <= 0 {
		return false
	}
	phase := math.Mod(t, period)
	if phase < 0 {
		phase += period
	}
	return phase < onTime
}

// Sine maps t to a value in [0,1] following (1 + sin(t*m)) / 2.
func Sine(t, speedMultiplier float64) float64 {
	return (1 + math.Sin(t*speedMultiplier)) / 2
}

// Seconds converts a point in time into the float seconds used by the
// wave functions.
func Seconds(nanos int64) float64 {
	return float64(nanos) / 1e9
}
