package sensor

// Bus is the shared I2C bus all sensor chips hang off.
type Bus interface {
	// Open connects to the chip answering at addr.
	Open(addr uint16) (Ranger, error)
	// Scan returns the addresses that acknowledge on the bus.
	Scan() ([]uint16, error)
}

// Ranger is an open connection to a single time-of-flight chip.
type Ranger interface {
	StartContinuous() error
	StopContinuous() error
	// SetAddress moves the chip to addr. The Ranger follows it.
	SetAddress(addr uint16) error
	// Distance returns the last measured distance in cm.
	Distance() (float64, error)
}

// EnableLine is the XSHUT output of a chip. A chip whose line is
// deasserted is held in reset and forgets its address.
type EnableLine interface {
	Set(on bool) error
}

// First and last address probed by a bus scan.
const (
	ScanFirst uint16 = 0x03
	ScanLast  uint16 = 0x77
)
