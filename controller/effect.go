package controller

import (
	"errors"
	"fmt"
	"strings"

	"lautenbacher.net/autolight/config"
	"lautenbacher.net/autolight/util"
)

var ErrUnknownEffect = errors.New("unknown_effect")

// Effect is a lighting mode. The LS variants switch the light off
// during the day.
type Effect int

// Same order as config.Effects
const (
	Steady Effect = iota
	Walking
	Flicker
	Blink
	Fade
	SteadyLS
	WalkingLS
	FlickerLS
	BlinkLS
	FadeLS
)

func (e Effect) String() string {
	if e < 0 || int(e) >= len(config.Effects) {
		return fmt.Sprintf("Effect(%d)", int(e))
	}
	return config.Effects[e]
}

// LightSensor reports whether e is gated by daylight.
func (e Effect) LightSensor() bool {
	return e >= SteadyLS
}

// Base strips the daylight gating.
func (e Effect) Base() Effect {
	if e.LightSensor() {
		return e - SteadyLS
	}
	return e
}

func ParseEffect(name string) (Effect, error) {
	for i, n := range config.Effects {
		if strings.EqualFold(n, name) {
			return Effect(i), nil
		}
	}
	return Steady, fmt.Errorf("%w: %q", ErrUnknownEffect, name)
}

func (e Effect) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Effect) UnmarshalText(text []byte) error {
	parsed, err := ParseEffect(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// LightState is what the user asked for.
type LightState struct {
	Power      bool   `json:"power"`
	Brightness uint8  `json:"brightness"`
	Effect     Effect `json:"effect"`
}

// StateFromConfig returns the configured start state.
func StateFromConfig(lc config.LightingConfig) (LightState, error) {
	effect, err := ParseEffect(lc.Effect)
	if err != nil {
		return LightState{}, err
	}
	return LightState{
		Power:      lc.Power,
		Brightness: uint8(util.Clamp(lc.Brightness, 0, 255)),
		Effect:     effect,
	}, nil
}
