package leds

import (
	"fmt"
	"math"
	"strings"

	"lautenbacher.net/autolight/animation"
)

// MaxBrightness is the canonical full brightness of a channel.
const MaxBrightness = 65535

// Unit is the unit a brightness value is given in.
type Unit int

const (
	Bits16 Unit = iota
	Bits8
	// Fraction of full brightness, 0..1
	Percent
)

func (u Unit) String() string {
	switch u {
	case Bits16:
		return "Bits16"
	case Bits8:
		return "Bits8"
	case Percent:
		return "Percent"
	}
	return fmt.Sprintf("Unit(%d)", int(u))
}

// ParseUnit accepts the names returned by Unit.String, ignoring case.
func ParseUnit(name string) (Unit, error) {
	for _, u := range []Unit{Bits16, Bits8, Percent} {
		if strings.EqualFold(u.String(), name) {
			return u, nil
		}
	}
	return Bits16, fmt.Errorf("unknown brightness unit %q", name)
}

// ToCanonical converts value given in unit to the canonical 16 bit
// brightness. Out of range values are clamped.
func ToCanonical(value float64, unit Unit) uint16 {
	var raw float64
	switch unit {
	case Bits8:
		raw = value * 257
	case Percent:
		raw = value * MaxBrightness
	default:
		raw = value
	}
	return clamp16(raw)
}

// FromCanonical converts a canonical brightness to unit.
func FromCanonical(value uint16, unit Unit) float64 {
	switch unit {
	case Bits8:
		return float64(value) / 257
	case Percent:
		return float64(value) / MaxBrightness
	default:
		return float64(value)
	}
}

func clamp16(v float64) uint16 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= MaxBrightness {
		return MaxBrightness
	}
	return uint16(math.Round(v))
}

// Channel is the configured state of one light output.
type Channel struct {
	Powered    bool
	Brightness uint16
	Animation  animation.Animation
}

func defaultChannel() Channel {
	return Channel{
		Brightness: MaxBrightness,
		Animation:  animation.None{},
	}
}
