package config

import "fmt"

// RuntimeConfig is the subset of the configuration that can be
// changed while the program runs, through the web API or by editing
// the file. Hardware settings need a restart.
type RuntimeConfig struct {
	Lighting      LightingConfig `yaml:"Lighting" json:"Lighting"`
	TripDistances []float64      `yaml:"TripDistances" json:"TripDistances"`
	FPS           float64        `yaml:"FPS" json:"FPS"`
	OffFPS        float64        `yaml:"OffFPS" json:"OffFPS"`
}

// Runtime extracts the runtime subset.
func (c *Config) Runtime() RuntimeConfig {
	trips := make([]float64, len(c.Hardware.Sensors.SensorCfg))
	for i, s := range c.Hardware.Sensors.SensorCfg {
		trips[i] = s.TripDistance
	}
	return RuntimeConfig{
		Lighting:      c.Lighting,
		TripDistances: trips,
		FPS:           c.Leds.FPS,
		OffFPS:        c.Leds.OffFPS,
	}
}

// Merge copies rc into c. The number of trip distances must match the
// configured sensors.
func (c *Config) Merge(rc RuntimeConfig) error {
	if len(rc.TripDistances) != len(c.Hardware.Sensors.SensorCfg) {
		return fmt.Errorf("expected %d trip distances, got %d", len(c.Hardware.Sensors.SensorCfg), len(rc.TripDistances))
	}
	c.Lighting = rc.Lighting
	for i, d := range rc.TripDistances {
		c.Hardware.Sensors.SensorCfg[i].TripDistance = d
	}
	c.Leds.FPS = rc.FPS
	c.Leds.OffFPS = rc.OffFPS
	return nil
}

// HardwareChanged reports whether other differs from c in anything
// that is not applied live. Live are the runtime subset, the PWM
// frequency and the log levels.
func (c *Config) HardwareChanged(other *Config) bool {
	ha, hb := c.Hardware, other.Hardware
	if len(ha.Sensors.SensorCfg) != len(hb.Sensors.SensorCfg) {
		return true
	}
	for i := range ha.Sensors.SensorCfg {
		if ha.Sensors.SensorCfg[i].XShutPin != hb.Sensors.SensorCfg[i].XShutPin {
			return true
		}
	}
	ha.Sensors.SensorCfg, hb.Sensors.SensorCfg = nil, nil
	if ha.I2CBus != hb.I2CBus || ha.GPIOLibrary != hb.GPIOLibrary || ha.PWM.Address != hb.PWM.Address {
		return true
	}
	sa, sb := ha.Sensors, hb.Sensors
	if sa.BaseAddress != sb.BaseAddress || sa.FactoryAddress != sb.FactoryAddress ||
		sa.PollInterval != sb.PollInterval || sa.OpenRetryDelay != sb.OpenRetryDelay ||
		sa.ReadTimeout != sb.ReadTimeout {
		return true
	}
	la, lb := c.Leds, other.Leds
	la.FPS, lb.FPS = 0, 0
	la.OffFPS, lb.OffFPS = 0, 0
	ga, gb := c.Logging, other.Logging
	ga.TUI.Level, ga.HW.Level = "", ""
	gb.TUI.Level, gb.HW.Level = "", ""
	return la != lb || c.Web != other.Web || ga != gb
}
