package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lautenbacher.net/autolight/animation"
)

const DefaultFile = "config.yml"

// Number of channels of one PCA9685
const MaxChannels = 16

// Names of the lighting effects. The "LS" variants are gated by
// daylight.
var Effects = []string{
	"Steady", "Walking", "Flicker", "Blink", "Fade",
	"Steady LS", "Walking LS", "Flicker LS", "Blink LS", "Fade LS",
}

type Config struct {
	RealHW     bool   `yaml:"-" json:"-"`
	SensorShow bool   `yaml:"-" json:"-"`
	ConfigFile string `yaml:"-" json:"-"`

	Hardware HardwareConfig `yaml:"Hardware"`
	Leds     LedsConfig     `yaml:"Leds"`
	Lighting LightingConfig `yaml:"Lighting"`
	Web      WebConfig      `yaml:"Web"`
	Logging  LoggingConfig  `yaml:"Logging"`
}

type HardwareConfig struct {
	// periph.io name of the I2C bus, empty for the first one
	I2CBus      string        `yaml:"I2CBus"`
	GPIOLibrary string        `yaml:"GPIOLibrary"`
	PWM         PWMConfig     `yaml:"PWM"`
	Sensors     SensorsConfig `yaml:"Sensors"`
}

type PWMConfig struct {
	Address   uint16 `yaml:"Address"`
	Frequency int    `yaml:"Frequency"`
}

type SensorsConfig struct {
	BaseAddress    uint16        `yaml:"BaseAddress"`
	FactoryAddress uint16        `yaml:"FactoryAddress"`
	PollInterval   time.Duration `yaml:"PollInterval"`
	OpenRetryDelay time.Duration `yaml:"OpenRetryDelay"`
	ReadTimeout    time.Duration `yaml:"ReadTimeout"`
	// Ordered along the strip. The first entry is the primary device.
	SensorCfg []SensorCfg `yaml:"SensorCfg"`
}

type SensorCfg struct {
	XShutPin int `yaml:"XShutPin"`
	// cm
	TripDistance float64 `yaml:"TripDistance"`
}

type LedsConfig struct {
	Count         int           `yaml:"Count"`
	ExtraCount    int           `yaml:"ExtraCount"`
	FPS           float64       `yaml:"FPS"`
	OffFPS        float64       `yaml:"OffFPS"`
	AutoRecover   bool          `yaml:"AutoRecover"`
	RecoverDelay  time.Duration `yaml:"RecoverDelay"`
	PowerFadeStep uint16        `yaml:"PowerFadeStep"`
}

type LightingConfig struct {
	Power           bool          `yaml:"Power" json:"Power"`
	Brightness      int           `yaml:"Brightness" json:"Brightness"`
	Effect          string        `yaml:"Effect" json:"Effect"`
	Radius          int           `yaml:"Radius" json:"Radius"`
	BlinkHz         float64       `yaml:"BlinkHz" json:"BlinkHz"`
	BlinkSync       string        `yaml:"BlinkSync" json:"BlinkSync"`
	FlickerInterval time.Duration `yaml:"FlickerInterval" json:"FlickerInterval"`
	FadeSpeed       float64       `yaml:"FadeSpeed" json:"FadeSpeed"`
	FadeSync        string        `yaml:"FadeSync" json:"FadeSync"`
	UpdateInterval  time.Duration `yaml:"UpdateInterval" json:"UpdateInterval"`
	Latitude        float64       `yaml:"Latitude" json:"Latitude"`
	Longitude       float64       `yaml:"Longitude" json:"Longitude"`
}

type WebConfig struct {
	Enabled bool   `yaml:"Enabled"`
	Address string `yaml:"Address"`
}

type LogConfig struct {
	Level  string `yaml:"Level"`
	Format string `yaml:"Format"`
	File   string `yaml:"File"`
}

type LoggingConfig struct {
	TUI LogConfig `yaml:"TUI"`
	HW  LogConfig `yaml:"HW"`
}

// ReadConfig reads and validates the configuration from cfile.
func ReadConfig(cfile string) (*Config, error) {
	f, err := os.Open(cfile)
	if err != nil {
		return nil, fmt.Errorf("can't find config file %s: %w", cfile, err)
	}
	defer f.Close()

	conf := &Config{}
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(conf); err != nil {
		return nil, fmt.Errorf("can't decode config file %s: %w", cfile, err)
	}
	conf.ConfigFile = cfile
	conf.applyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", cfile, err)
	}
	return conf, nil
}

func (c *Config) applyDefaults() {
	hw := &c.Hardware
	if hw.GPIOLibrary == "" {
		hw.GPIOLibrary = "periph.io"
	}
	if hw.PWM.Address == 0 {
		hw.PWM.Address = 0x40
	}
	if hw.Sensors.BaseAddress == 0 {
		hw.Sensors.BaseAddress = 0x30
	}
	if hw.Sensors.FactoryAddress == 0 {
		hw.Sensors.FactoryAddress = 0x29
	}
	if hw.Sensors.PollInterval == 0 {
		hw.Sensors.PollInterval = 20 * time.Millisecond
	}
	if hw.Sensors.OpenRetryDelay == 0 {
		hw.Sensors.OpenRetryDelay = time.Second
	}
	if hw.Sensors.ReadTimeout == 0 {
		hw.Sensors.ReadTimeout = 100 * time.Millisecond
	}
	if c.Lighting.BlinkSync == "" {
		c.Lighting.BlinkSync = animation.Sync.String()
	}
	if c.Lighting.FadeSync == "" {
		c.Lighting.FadeSync = animation.Sync.String()
	}
	if c.Lighting.UpdateInterval == 0 {
		c.Lighting.UpdateInterval = 20 * time.Millisecond
	}
	if c.Web.Address == "" {
		c.Web.Address = ":8080"
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	hw := c.Hardware
	check(hw.GPIOLibrary == "periph.io" || hw.GPIOLibrary == "rpio",
		"Hardware.GPIOLibrary must be periph.io or rpio, got %q", hw.GPIOLibrary)
	check(hw.PWM.Frequency >= 24 && hw.PWM.Frequency <= 1526,
		"Hardware.PWM.Frequency must be between 24 and 1526 Hz, got %d", hw.PWM.Frequency)
	check(hw.Sensors.PollInterval > 0, "Hardware.Sensors.PollInterval must be positive")
	check(hw.Sensors.ReadTimeout > 0, "Hardware.Sensors.ReadTimeout must be positive")
	check(hw.Sensors.BaseAddress != hw.Sensors.FactoryAddress,
		"Hardware.Sensors.BaseAddress must differ from the factory address")
	check(int(hw.Sensors.BaseAddress)+len(hw.Sensors.SensorCfg) <= 0x78,
		"Hardware.Sensors: not enough addresses above 0x%02x for %d sensors", hw.Sensors.BaseAddress, len(hw.Sensors.SensorCfg))

	pins := make(map[int]bool)
	for i, s := range hw.Sensors.SensorCfg {
		check(s.TripDistance > 0, "Hardware.Sensors.SensorCfg[%d].TripDistance must be positive", i)
		check(!pins[s.XShutPin], "Hardware.Sensors.SensorCfg[%d].XShutPin %d is used twice", i, s.XShutPin)
		pins[s.XShutPin] = true
	}

	l := c.Leds
	check(l.Count > 0, "Leds.Count must be at least 1")
	check(l.ExtraCount >= 0, "Leds.ExtraCount must be non-negative")
	check(l.Count+l.ExtraCount <= MaxChannels,
		"Leds.Count + Leds.ExtraCount must not exceed %d, got %d", MaxChannels, l.Count+l.ExtraCount)
	check(len(hw.Sensors.SensorCfg) <= l.Count,
		"number of sensors (%d) must not exceed Leds.Count (%d)", len(hw.Sensors.SensorCfg), l.Count)
	check(l.FPS > 0, "Leds.FPS must be positive")
	check(l.OffFPS > 0, "Leds.OffFPS must be positive")
	check(l.RecoverDelay >= 0, "Leds.RecoverDelay must be non-negative")

	if err := c.Lighting.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Validate checks the runtime changeable lighting settings.
func (lc LightingConfig) Validate() error {
	var errs []error
	if lc.Brightness < 0 || lc.Brightness > 255 {
		errs = append(errs, fmt.Errorf("Lighting.Brightness must be between 0 and 255, got %d", lc.Brightness))
	}
	if !knownEffect(lc.Effect) {
		errs = append(errs, fmt.Errorf("Lighting.Effect %q is unknown, must be one of %s", lc.Effect, strings.Join(Effects, ", ")))
	}
	if lc.Radius < 0 {
		errs = append(errs, fmt.Errorf("Lighting.Radius must be non-negative, got %d", lc.Radius))
	}
	if lc.BlinkHz <= 0 {
		errs = append(errs, fmt.Errorf("Lighting.BlinkHz must be positive, got %v", lc.BlinkHz))
	}
	if lc.FlickerInterval <= 0 {
		errs = append(errs, fmt.Errorf("Lighting.FlickerInterval must be positive"))
	}
	if lc.UpdateInterval <= 0 {
		errs = append(errs, fmt.Errorf("Lighting.UpdateInterval must be positive"))
	}
	for _, name := range []string{lc.BlinkSync, lc.FadeSync} {
		if _, err := animation.ParseSyncMode(name); err != nil {
			errs = append(errs, fmt.Errorf("Lighting: %w", err))
		}
	}
	if lc.Latitude < -90 || lc.Latitude > 90 || lc.Longitude < -180 || lc.Longitude > 180 {
		errs = append(errs, fmt.Errorf("Lighting.Latitude/Longitude out of range"))
	}
	return errors.Join(errs...)
}

func knownEffect(name string) bool {
	for _, e := range Effects {
		if strings.EqualFold(e, name) {
			return true
		}
	}
	return false
}

// Local Variables:
// compile-command: "cd .. && go build"
// End:
