package leds

// Driver is the physical PWM output the render loop writes to.
type Driver interface {
	// SetChannelDuty sets the 16 bit duty cycle of a channel.
	SetChannelDuty(channel int, value uint16) error
	// SetFrequency sets the PWM frequency of all channels.
	SetFrequency(hz int) error
	Close() error
}

// DriverFactory creates a fresh Driver. It is called once at
// construction and again whenever the render loop recovers from an
// output fault.
type DriverFactory func() (Driver, error)
