package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"lautenbacher.net/autolight/animation"
	"lautenbacher.net/autolight/config"
	"lautenbacher.net/autolight/leds"
	"lautenbacher.net/autolight/util"
)

// Output is the LED array the controller drives.
type Output interface {
	Count() int
	SetPower(index int, on bool) error
	SetBrightness(index int, value float64, unit leds.Unit) error
	SetAnimation(index int, anim animation.Animation) error
	SetFPS(fps float64) error
}

// TripSource provides the current trip vector.
type TripSource interface {
	Trips() []bool
}

type Settings struct {
	// Channels that follow the sensors; the rest are extra channels
	Count           int
	FPS             float64
	OffFPS          float64
	Radius          int
	BlinkHz         float64
	BlinkSync       animation.SyncMode
	FlickerInterval time.Duration
	FadeSpeed       float64
	FadeSync        animation.SyncMode
	UpdateInterval  time.Duration
	Latitude        float64
	Longitude       float64
}

func SettingsFromConfig(conf *config.Config) (Settings, error) {
	lc := conf.Lighting
	blinkSync, err := animation.ParseSyncMode(lc.BlinkSync)
	if err != nil {
		return Settings{}, err
	}
	fadeSync, err := animation.ParseSyncMode(lc.FadeSync)
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		Count:           conf.Leds.Count,
		FPS:             conf.Leds.FPS,
		OffFPS:          conf.Leds.OffFPS,
		Radius:          lc.Radius,
		BlinkHz:         lc.BlinkHz,
		BlinkSync:       blinkSync,
		FlickerInterval: lc.FlickerInterval,
		FadeSpeed:       lc.FadeSpeed,
		FadeSync:        fadeSync,
		UpdateInterval:  lc.UpdateInterval,
		Latitude:        lc.Latitude,
		Longitude:       lc.Longitude,
	}, nil
}

// Controller turns the light state and the sensor trips into channel
// settings of the LED array.
type Controller struct {
	out      Output
	trips    TripSource
	triggers *util.AtomicMapEvent[int, util.Trigger]
	state    *util.AtomicEvent[LightState]
	settings *util.AtomicEvent[Settings]
	daylight func(lat, lon float64, t time.Time) bool
	now      func() time.Time
}

// New creates a controller. triggers may be nil.
func New(out Output, trips TripSource, triggers *util.AtomicMapEvent[int, util.Trigger], settings Settings, initial LightState) *Controller {
	c := &Controller{
		out:      out,
		trips:    trips,
		triggers: triggers,
		state:    util.NewAtomicEvent[LightState](),
		settings: util.NewAtomicEvent[Settings](),
		daylight: Daylight,
		now:      time.Now,
	}
	c.state.Send(initial)
	c.settings.Send(settings)
	return c
}

func (c *Controller) State() LightState {
	return c.state.Value()
}

func (c *Controller) SetState(st LightState) {
	c.state.Send(st)
}

// Update changes the light state atomically and returns the new one.
func (c *Controller) Update(fn func(LightState) LightState) LightState {
	return c.state.Update(fn)
}

func (c *Controller) Settings() Settings {
	return c.settings.Value()
}

func (c *Controller) SetSettings(s Settings) {
	c.settings.Send(s)
}

// Run applies the state every UpdateInterval and right away when the
// state, the settings or a sensor changes.
func (c *Controller) Run(ctx context.Context) error {
	slog.Info("Starting lighting controller", "state", fmt.Sprintf("%+v", c.State()))
	interval := c.Settings().UpdateInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var triggers <-chan struct{}
	if c.triggers != nil {
		triggers = c.triggers.Channel()
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("Ending lighting controller")
			return nil
		case <-c.state.Channel():
			slog.Info("Light state changed", "state", fmt.Sprintf("%+v", c.State()))
		case <-c.settings.Channel():
			if s := c.Settings(); s.UpdateInterval != interval && s.UpdateInterval > 0 {
				interval = s.UpdateInterval
				ticker.Reset(interval)
			}
		case <-triggers:
			for index, trig := range c.triggers.ConsumeValues() {
				slog.Debug("Sensor trip changed", "index", index, "tripped", trig.Tripped, "distance", trig.Distance)
			}
		case <-ticker.C:
		}
		c.apply(c.now())
	}
}

// apply sets every channel of the array according to the current
// state.
func (c *Controller) apply(now time.Time) {
	st := c.State()
	s := c.Settings()
	total := c.out.Count()

	if !st.Power || (st.Effect.LightSensor() && c.daylight(s.Latitude, s.Longitude, now)) {
		c.check(c.out.SetFPS(s.OffFPS))
		for i := range total {
			c.check(c.out.SetPower(i, false))
		}
		return
	}

	c.check(c.out.SetFPS(s.FPS))
	powers := make([]bool, total)
	for i := range powers {
		powers[i] = true
	}
	var anim animation.Animation = animation.None{}
	switch st.Effect.Base() {
	case Walking:
		// sensor i sits at channel i; channels without a sensor only
		// light up as neighbours
		trips := make([]bool, max(s.Count, 0))
		copy(trips, c.trips.Trips())
		walk := util.Propagate(trips, s.Radius)
		for i := 0; i < min(len(walk), total); i++ {
			powers[i] = walk[i]
		}
	case Blink:
		half := time.Duration(float64(time.Second) / (2 * s.BlinkHz))
		anim = animation.Blink{OnTime: half, OffTime: half, Sync: s.BlinkSync}
	case Flicker:
		anim = animation.Blink{OnTime: s.FlickerInterval, OffTime: s.FlickerInterval, Sync: animation.RandomUnsync}
	case Fade:
		anim = animation.Fade{SpeedMultiplier: s.FadeSpeed, Sync: s.FadeSync}
	}

	for i := range total {
		chAnim := anim
		if i >= s.Count {
			// extra channels are always steady
			chAnim = animation.None{}
		}
		c.check(c.out.SetPower(i, powers[i]))
		c.check(c.out.SetBrightness(i, float64(st.Brightness), leds.Bits8))
		c.check(c.out.SetAnimation(i, chAnim))
	}
}

func (c *Controller) check(err error) {
	if err != nil {
		slog.Error("Failed to update LED array", "error", err)
	}
}
