package hardware

import (
	"fmt"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"

	"lautenbacher.net/autolight/leds"
)

// PCA9685 registers
const (
	pcaMode1    = 0x00
	pcaMode2    = 0x01
	pcaLed0OnL  = 0x06
	pcaPrescale = 0xFE

	pcaSleep   = 0x10
	pcaAI      = 0x20
	pcaRestart = 0x80
	pcaOutDrv  = 0x04
	// bit 4 of ON_H / OFF_H
	pcaFull = 0x1000

	pcaOscillator = 25_000_000
	PCAChannels   = 16
	PCADefault    = 0x40
)

// PCA9685 is the 16 channel 12 bit PWM chip driving the LED strips.
type PCA9685 struct {
	mu   sync.Mutex
	dev  *i2c.Dev
	mode byte
}

var _ leds.Driver = (*PCA9685)(nil)

// NewPCA9685 resets the chip at addr to auto increment and totem pole
// outputs. All channels stay off.
func NewPCA9685(bus i2c.Bus, addr uint16) (*PCA9685, error) {
	p := &PCA9685{
		dev:  &i2c.Dev{Bus: bus, Addr: addr},
		mode: pcaAI,
	}
	if err := p.write(pcaMode1, p.mode); err != nil {
		return nil, fmt.Errorf("failed to reset PCA9685 at 0x%02x: %w", addr, err)
	}
	if err := p.write(pcaMode2, pcaOutDrv); err != nil {
		return nil, fmt.Errorf("failed to configure PCA9685 at 0x%02x: %w", addr, err)
	}
	return p, nil
}

func (p *PCA9685) write(reg byte, data ...byte) error {
	return p.dev.Tx(append([]byte{reg}, data...), nil)
}

// Prescale returns the prescaler value for hz, limited to what the
// chip accepts.
func Prescale(hz int) byte {
	if hz <= 0 {
		return 0xFF
	}
	v := math.Round(pcaOscillator/(4096*float64(hz))) - 1
	return byte(min(max(v, 3), 255))
}

// SetFrequency changes the PWM frequency of all channels. The
// prescaler can only be written while the oscillator sleeps.
func (p *PCA9685) SetFrequency(hz int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.write(pcaMode1, (p.mode&^pcaRestart)|pcaSleep); err != nil {
		return err
	}
	if err := p.write(pcaPrescale, Prescale(hz)); err != nil {
		return err
	}
	if err := p.write(pcaMode1, p.mode); err != nil {
		return err
	}
	time.Sleep(5 * time.Millisecond)
	return p.write(pcaMode1, p.mode|pcaRestart)
}

// Counts converts a 16 bit duty cycle to the ON and OFF counts of the
// chip. Full brightness uses the full on bit.
func Counts(value uint16) (on, off uint16) {
	if value == 0xFFFF {
		return pcaFull, 0
	}
	return 0, uint16((uint32(value) + 1) >> 4)
}

func (p *PCA9685) SetChannelDuty(channel int, value uint16) error {
	if channel < 0 || channel >= PCAChannels {
		return fmt.Errorf("%w: %d", leds.ErrInvalidChannel, channel)
	}
	on, off := Counts(value)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write(byte(pcaLed0OnL+4*channel),
		byte(on), byte(on>>8), byte(off), byte(off>>8))
}

// Close leaves the bus open. It belongs to the platform.
func (p *PCA9685) Close() error {
	return nil
}
