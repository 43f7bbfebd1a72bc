package hardware

import (
	"fmt"
	"log/slog"

	"github.com/stianeikeland/go-rpio/v4"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"

	"lautenbacher.net/autolight/sensor"
)

// Supported values of Hardware.GPIOLibrary
const (
	LibPeriph = "periph.io"
	LibRpio   = "rpio"
)

// GPIO hands out XSHUT enable lines through one of the two GPIO
// libraries. periph.io must have been initialised with host.Init
// before.
type GPIO struct {
	library string
	lines   []*enableLine
}

func NewGPIO(library string) (*GPIO, error) {
	switch library {
	case LibPeriph:
	case LibRpio:
		if err := rpio.Open(); err != nil {
			return nil, fmt.Errorf("failed to open rpio: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown GPIO library %q", library)
	}
	slog.Info("Using GPIO library", "library", library)
	return &GPIO{library: library}, nil
}

// EnableLine returns the line on BCM pin. The line starts deasserted.
func (g *GPIO) EnableLine(pin int) (sensor.EnableLine, error) {
	line := &enableLine{pin: pin}
	switch g.library {
	case LibPeriph:
		p := gpioreg.ByName(fmt.Sprintf("GPIO%d", pin))
		if p == nil {
			return nil, fmt.Errorf("failed to find pin %d", pin)
		}
		line.periph = p
	default:
		rp := rpio.Pin(pin)
		rp.Output()
		line.rpio = &rp
	}
	if err := line.Set(false); err != nil {
		return nil, fmt.Errorf("failed to set pin %d to output: %w", pin, err)
	}
	g.lines = append(g.lines, line)
	return line, nil
}

// Close deasserts and releases every line handed out.
func (g *GPIO) Close() error {
	for _, line := range g.lines {
		if err := line.Set(false); err != nil {
			slog.Warn("Failed to reset pin", "pin", line.pin, "error", err)
		}
		if line.periph != nil {
			line.periph.Halt()
		}
	}
	g.lines = nil
	if g.library == LibRpio {
		return rpio.Close()
	}
	return nil
}

type enableLine struct {
	pin    int
	periph gpio.PinIO
	rpio   *rpio.Pin
}

func (l *enableLine) Set(on bool) error {
	if l.periph != nil {
		level := gpio.Low
		if on {
			level = gpio.High
		}
		return l.periph.Out(level)
	}
	if on {
		l.rpio.High()
	} else {
		l.rpio.Low()
	}
	return nil
}
