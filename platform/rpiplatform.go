package platform

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"lautenbacher.net/autolight/config"
	"lautenbacher.net/autolight/hardware"
	"lautenbacher.net/autolight/leds"
	"lautenbacher.net/autolight/sensor"
)

// RaspberryPiPlatform drives a PCA9685 and a chain of VL53L0X sensors
// sharing one I2C bus. The XSHUT lines are plain GPIO outputs.
type RaspberryPiPlatform struct {
	*AbstractPlatform
	i2cBus         i2c.BusCloser
	gpio           *hardware.GPIO
	sensorBus      sensor.Bus
	sensorViewer   *SensorViewer
	viewerWg       sync.WaitGroup
	viewerStopChan chan struct{}
}

func NewRaspberryPiPlatform(conf *config.Config) *RaspberryPiPlatform {
	inst := &RaspberryPiPlatform{
		viewerStopChan: make(chan struct{}),
	}
	inst.AbstractPlatform = newAbstractPlatform(conf, inst.rpiDisplayFunc)
	return inst
}

// SetSensorViewer attaches an optional TUI viewer for sensor data.
// Must be called before Start.
func (s *RaspberryPiPlatform) SetSensorViewer(v *SensorViewer) {
	s.sensorViewer = v
}

// NewSensorViewerFor creates a viewer sized for the configured
// sensors.
func NewSensorViewerFor(conf *config.Config, ossignal chan os.Signal) *SensorViewer {
	return NewSensorViewer(len(conf.Hardware.Sensors.SensorCfg), ossignal)
}

func (s *RaspberryPiPlatform) Start() error {
	slog.Info("Initialise GPIO and I2C...")
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to init periph: %w", err)
	}

	bus, err := i2creg.Open(s.config.Hardware.I2CBus)
	if err != nil {
		return fmt.Errorf("failed to open i2c bus %q: %w", s.config.Hardware.I2CBus, err)
	}
	s.i2cBus = bus

	s.gpio, err = hardware.NewGPIO(s.config.Hardware.GPIOLibrary)
	if err != nil {
		s.i2cBus.Close()
		return err
	}
	s.sensorBus = hardware.NewVL53L0XBus(s.i2cBus, s.config.Hardware.Sensors.ReadTimeout)

	if s.sensorViewer != nil {
		s.viewerWg.Add(1)
		go s.sensorViewer.Start(s.viewerStopChan, &s.viewerWg)
	}

	s.markReady()
	return nil
}

func (s *RaspberryPiPlatform) Stop() {
	s.setInShutdown()

	if s.sensorViewer != nil {
		close(s.viewerStopChan)
		s.viewerWg.Wait()
	}

	if s.gpio != nil {
		if err := s.gpio.Close(); err != nil {
			slog.Error("Error releasing GPIO lines", "error", err)
		}
		s.gpio = nil
	}
	if s.i2cBus != nil {
		if err := s.i2cBus.Close(); err != nil {
			slog.Error("Error closing i2c bus", "error", err)
		}
		s.i2cBus = nil
	}
}

func (s *RaspberryPiPlatform) NewLedDriver() (leds.Driver, error) {
	pca, err := hardware.NewPCA9685(s.i2cBus, s.config.Hardware.PWM.Address)
	if err != nil {
		return nil, err
	}
	return pca, nil
}

func (s *RaspberryPiPlatform) SensorBus() sensor.Bus {
	return s.sensorBus
}

func (s *RaspberryPiPlatform) EnableLine(index int) (sensor.EnableLine, error) {
	pin, err := s.xshutPin(index)
	if err != nil {
		return nil, err
	}
	return s.gpio.EnableLine(pin)
}

func (s *RaspberryPiPlatform) rpiDisplayFunc(lines []string) {
	if s.sensorViewer != nil {
		s.sensorViewer.Update(lines)
	}
}
