package platform

import (
	"fmt"
	"sync"

	c "lautenbacher.net/autolight/config"
	"lautenbacher.net/autolight/sensor"
)

type AbstractPlatform struct {
	config         *c.Config
	history        *sensorHistory
	displayFunc    func(lines []string)
	readyChan      chan bool
	readyOnce      sync.Once
	shutdownMutex  sync.RWMutex
	isShuttingDown bool
}

func newAbstractPlatform(conf *c.Config, displayFunc func([]string)) *AbstractPlatform {
	return &AbstractPlatform{
		config:      conf,
		history:     newSensorHistory(len(conf.Hardware.Sensors.SensorCfg)),
		displayFunc: displayFunc,
		readyChan:   make(chan bool),
	}
}

func (s *AbstractPlatform) Ready() <-chan bool {
	return s.readyChan
}

func (s *AbstractPlatform) markReady() {
	s.readyOnce.Do(func() { close(s.readyChan) })
}

func (s *AbstractPlatform) SensorCount() int {
	return len(s.config.Hardware.Sensors.SensorCfg)
}

// xshutPin returns the BCM pin wired to the XSHUT input of the sensor
// at index.
func (s *AbstractPlatform) xshutPin(index int) (int, error) {
	if index < 0 || index >= s.SensorCount() {
		return 0, fmt.Errorf("%w: %d", sensor.ErrInvalidDevice, index)
	}
	return s.config.Hardware.Sensors.SensorCfg[index].XShutPin, nil
}

func (s *AbstractPlatform) setInShutdown() {
	s.shutdownMutex.Lock()
	s.isShuttingDown = true
	s.shutdownMutex.Unlock()
}

// DisplaySensors adds snap to the history and hands the rendered
// statistics to the concrete platform.
func (s *AbstractPlatform) DisplaySensors(snap sensor.Snapshot) {
	lines := s.history.push(snap)
	s.shutdownMutex.RLock()
	defer s.shutdownMutex.RUnlock()
	if !s.isShuttingDown && s.displayFunc != nil {
		s.displayFunc(lines)
	}
}
