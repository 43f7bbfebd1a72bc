package platform

import (
	"lautenbacher.net/autolight/leds"
	"lautenbacher.net/autolight/sensor"
)

// Platform abstracts away the real hardware from the TUI simulation.
type Platform interface {
	// Start opens the buses and GPIO lines, or starts the TUI.
	Start() error

	// Stop releases all platform resources.
	Stop()

	// Ready is closed once the platform can be used.
	Ready() <-chan bool

	// NewLedDriver creates a handle to the PWM chip. It is the
	// leds.DriverFactory of the platform.
	NewLedDriver() (leds.Driver, error)

	// SensorBus is the bus shared by all distance sensors.
	SensorBus() sensor.Bus

	// EnableLine returns the XSHUT line of the sensor at index.
	EnableLine(index int) (sensor.EnableLine, error)

	// DisplaySensors shows the latest sensor state, if the platform
	// has a display for it.
	DisplaySensors(snap sensor.Snapshot)
}
