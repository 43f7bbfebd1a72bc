package controller

import (
	"time"

	"github.com/nathan-osman/go-sunrise"
)

// Daylight reports whether t lies between sunrise and sunset at the
// given location. Where the sun does not rise it is always night.
func Daylight(latitude, longitude float64, t time.Time) bool {
	rise, set := sunrise.SunriseSunset(latitude, longitude, t.Year(), t.Month(), t.Day())
	if rise.IsZero() || set.IsZero() {
		return false
	}
	return t.After(rise) && t.Before(set)
}
