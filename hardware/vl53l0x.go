package hardware

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"

	"lautenbacher.net/autolight/sensor"
)

// VL53L0X registers
const (
	vlSysrangeStart        = 0x00
	vlSequenceConfig       = 0x01
	vlInterruptConfigGPIO  = 0x0A
	vlInterruptClear       = 0x0B
	vlResultInterrupt      = 0x13
	vlResultRange          = 0x14
	vlMSRCConfig           = 0x60
	vlGPIOActiveHigh       = 0x84
	vlI2CMode              = 0x88
	vlExtSupHV             = 0x89
	vlAddress              = 0x8A
	vlStopVariable         = 0x91
	vlModelID              = 0xC0
	vlExpectedModel   byte = 0xEE

	vlModeBackToBack = 0x02
)

var ErrTimeout = errors.New("timeout")

// VL53L0XBus connects to VL53L0X chips on a periph.io I2C bus.
type VL53L0XBus struct {
	bus         i2c.Bus
	readTimeout time.Duration
}

var _ sensor.Bus = (*VL53L0XBus)(nil)

// NewVL53L0XBus creates the bus. readTimeout bounds the wait for a
// measurement and must be positive.
func NewVL53L0XBus(bus i2c.Bus, readTimeout time.Duration) *VL53L0XBus {
	return &VL53L0XBus{bus: bus, readTimeout: readTimeout}
}

// Open checks the model id of the chip at addr and runs the basic
// init sequence.
func (b *VL53L0XBus) Open(addr uint16) (sensor.Ranger, error) {
	v := &VL53L0X{
		dev:         &i2c.Dev{Bus: b.bus, Addr: addr},
		readTimeout: b.readTimeout,
	}
	model, err := v.read8(vlModelID)
	if err != nil {
		return nil, fmt.Errorf("no VL53L0X at 0x%02x: %w", addr, err)
	}
	if model != vlExpectedModel {
		return nil, fmt.Errorf("unexpected model id 0x%02x at 0x%02x", model, addr)
	}
	if err := v.init(); err != nil {
		return nil, fmt.Errorf("failed to init VL53L0X at 0x%02x: %w", addr, err)
	}
	return v, nil
}

// Scan probes every non reserved 7 bit address with a one byte read.
func (b *VL53L0XBus) Scan() ([]uint16, error) {
	var found []uint16
	buf := make([]byte, 1)
	for addr := sensor.ScanFirst; addr <= sensor.ScanLast; addr++ {
		if err := b.bus.Tx(addr, nil, buf); err == nil {
			found = append(found, addr)
		}
	}
	return found, nil
}

// VL53L0X is a single time-of-flight chip. Only the reduced init
// without SPAD and reference calibration is done; distances are good
// enough for presence detection.
type VL53L0X struct {
	mu           sync.Mutex
	dev          *i2c.Dev
	stopVariable byte
	readTimeout  time.Duration
}

func (v *VL53L0X) write8(reg, value byte) error {
	return v.dev.Tx([]byte{reg, value}, nil)
}

func (v *VL53L0X) read8(reg byte) (byte, error) {
	buf := make([]byte, 1)
	if err := v.dev.Tx([]byte{reg}, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (v *VL53L0X) read16(reg byte) (uint16, error) {
	buf := make([]byte, 2)
	if err := v.dev.Tx([]byte{reg}, buf); err != nil {
		return 0, err
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

func (v *VL53L0X) writeAll(pairs ...[2]byte) error {
	for _, p := range pairs {
		if err := v.write8(p[0], p[1]); err != nil {
			return err
		}
	}
	return nil
}

func (v *VL53L0X) init() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	hv, err := v.read8(vlExtSupHV)
	if err != nil {
		return err
	}
	// 2.8V I/O and standard I2C mode
	if err := v.writeAll([2]byte{vlExtSupHV, hv | 0x01}, [2]byte{vlI2CMode, 0x00}); err != nil {
		return err
	}

	if err := v.writeAll([2]byte{0x80, 0x01}, [2]byte{0xFF, 0x01}, [2]byte{0x00, 0x00}); err != nil {
		return err
	}
	stop, err := v.read8(vlStopVariable)
	if err != nil {
		return err
	}
	v.stopVariable = stop
	if err := v.writeAll([2]byte{0x00, 0x01}, [2]byte{0xFF, 0x00}, [2]byte{0x80, 0x00}); err != nil {
		return err
	}

	msrc, err := v.read8(vlMSRCConfig)
	if err != nil {
		return err
	}
	if err := v.writeAll(
		[2]byte{vlMSRCConfig, msrc | 0x12},
		[2]byte{vlSequenceConfig, 0xE8},
		// interrupt on new sample ready
		[2]byte{vlInterruptConfigGPIO, 0x04},
	); err != nil {
		return err
	}
	active, err := v.read8(vlGPIOActiveHigh)
	if err != nil {
		return err
	}
	return v.writeAll([2]byte{vlGPIOActiveHigh, active &^ 0x10}, [2]byte{vlInterruptClear, 0x01})
}

func (v *VL53L0X) StartContinuous() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.writeAll(
		[2]byte{0x80, 0x01},
		[2]byte{0xFF, 0x01},
		[2]byte{0x00, 0x00},
		[2]byte{vlStopVariable, v.stopVariable},
		[2]byte{0x00, 0x01},
		[2]byte{0xFF, 0x00},
		[2]byte{0x80, 0x00},
		[2]byte{vlSysrangeStart, vlModeBackToBack},
	)
}

func (v *VL53L0X) StopContinuous() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.writeAll(
		[2]byte{vlSysrangeStart, 0x01},
		[2]byte{0xFF, 0x01},
		[2]byte{0x00, 0x00},
		[2]byte{vlStopVariable, 0x00},
		[2]byte{0x00, 0x01},
		[2]byte{0xFF, 0x00},
	)
}

// SetAddress moves the chip to addr. The chip forgets it when it is
// held in reset.
func (v *VL53L0X) SetAddress(addr uint16) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.write8(vlAddress, byte(addr&0x7F)); err != nil {
		return err
	}
	v.dev.Addr = addr
	return nil
}

// Distance waits for the next sample and returns it in cm.
func (v *VL53L0X) Distance() (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	deadline := time.Now().Add(v.readTimeout)
	for {
		status, err := v.read8(vlResultInterrupt)
		if err != nil {
			return 0, err
		}
		if status&0x07 != 0 {
			break
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("VL53L0X at 0x%02x: %w", v.dev.Addr, ErrTimeout)
		}
		time.Sleep(time.Millisecond)
	}
	mm, err := v.read16(vlResultRange + 10)
	if err != nil {
		return 0, err
	}
	if err := v.write8(vlInterruptClear, 0x01); err != nil {
		return 0, err
	}
	return float64(mm) / 10, nil
}
