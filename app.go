package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"lautenbacher.net/autolight/config"
	"lautenbacher.net/autolight/controller"
	"lautenbacher.net/autolight/leds"
	"lautenbacher.net/autolight/logging"
	"lautenbacher.net/autolight/platform"
	"lautenbacher.net/autolight/sensor"
)

const (
	displayInterval = 100 * time.Millisecond
	shutdownTimeout = 2 * time.Second
)

// App wires the LED array, the sensors and the controller to a
// platform and supervises their loops.
type App struct {
	platform platform.Platform
	array    *leds.Array
	registry *sensor.Registry
	ctrl     *controller.Controller
	verbose  bool

	// Guards conf. Only the runtime subset changes after NewApp.
	mu   sync.Mutex
	conf *config.Config
}

// NewApp creates the array and registers every sensor. No sensor I/O
// happens before Run. The platform must have been started.
func NewApp(conf *config.Config, pl platform.Platform, verbose bool) (*App, error) {
	array, err := leds.NewArray(leds.Settings{
		Count:         conf.Leds.Count + conf.Leds.ExtraCount,
		Frequency:     conf.Hardware.PWM.Frequency,
		FPS:           conf.Leds.FPS,
		AutoRecover:   conf.Leds.AutoRecover,
		RecoverDelay:  conf.Leds.RecoverDelay,
		PowerFadeStep: conf.Leds.PowerFadeStep,
	}, pl.NewLedDriver)
	if err != nil {
		return nil, err
	}

	sc := conf.Hardware.Sensors
	registry := sensor.NewRegistry(pl.SensorBus(), sensor.RegistryConfig{
		BaseAddress:    sc.BaseAddress,
		FactoryAddress: sc.FactoryAddress,
		OpenRetryDelay: sc.OpenRetryDelay,
	})
	for i, cfg := range sc.SensorCfg {
		line, err := pl.EnableLine(i)
		if err != nil {
			return nil, fmt.Errorf("failed to get enable line of sensor %d: %w", i, err)
		}
		if _, err := sensor.NewDevice(registry, line, cfg.TripDistance); err != nil {
			return nil, err
		}
	}

	settings, err := controller.SettingsFromConfig(conf)
	if err != nil {
		return nil, err
	}
	state, err := controller.StateFromConfig(conf.Lighting)
	if err != nil {
		return nil, err
	}

	return &App{
		platform: pl,
		array:    array,
		registry: registry,
		ctrl:     controller.New(array, registry, registry.Triggers, settings, state),
		verbose:  verbose,
		conf:     conf,
	}, nil
}

func (a *App) config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conf
}

// Run starts all loops and blocks until ctx is done or one of them
// fails. The LEDs are switched off and the sensors held in reset when
// Run returns.
func (a *App) Run(ctx context.Context) error {
	conf := a.config()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.array.Run(ctx)
	})
	g.Go(func() error {
		return a.ctrl.Run(ctx)
	})
	g.Go(func() error {
		if a.registry.Len() == 0 {
			slog.Warn("No sensors configured")
			return nil
		}
		if err := a.registry.Begin(ctx); err != nil {
			a.registry.Shutdown()
			return fmt.Errorf("failed to start sensors: %w", err)
		}
		return a.registry.Run(ctx, conf.Hardware.Sensors.PollInterval)
	})
	g.Go(func() error {
		return a.displaySensors(ctx)
	})
	g.Go(func() error {
		if err := config.Watch(ctx, conf.ConfigFile, a.Reload); err != nil {
			slog.Warn("Config file changes will not be applied", "error", err)
		}
		return nil
	})
	if conf.Web.Enabled {
		srv := &http.Server{
			Addr:              conf.Web.Address,
			Handler:           controller.NewMux(a.ctrl, a.registry, conf.ConfigFile),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("Starting web server", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("web server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	return g.Wait()
}

func (a *App) displaySensors(ctx context.Context) error {
	ticker := time.NewTicker(displayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.platform.DisplaySensors(a.registry.Snapshot())
		}
	}
}

// Reload applies the runtime subset of conf. The sensor registry is
// never rebuilt, other hardware changes need a restart.
func (a *App) Reload(conf *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conf.HardwareChanged(conf) {
		slog.Warn("Hardware settings changed, restart to apply them")
	}
	next := *a.conf
	next.Hardware.Sensors.SensorCfg = append([]config.SensorCfg(nil), a.conf.Hardware.Sensors.SensorCfg...)
	if err := next.Merge(conf.Runtime()); err != nil {
		slog.Error("Not applying changed config", "error", err)
		return
	}
	settings, err := controller.SettingsFromConfig(&next)
	if err != nil {
		slog.Error("Not applying changed config", "error", err)
		return
	}
	state, err := controller.StateFromConfig(next.Lighting)
	if err != nil {
		slog.Error("Not applying changed config", "error", err)
		return
	}

	if freq := conf.Hardware.PWM.Frequency; freq != next.Hardware.PWM.Frequency {
		next.Hardware.PWM.Frequency = freq
		a.array.SetFrequency(freq)
	}
	for i, sc := range next.Hardware.Sensors.SensorCfg {
		if err := a.registry.SetThreshold(i, sc.TripDistance); err != nil {
			slog.Error("Failed to set trip distance", "index", i, "error", err)
		}
	}
	a.ctrl.SetSettings(settings)
	a.ctrl.SetState(state)
	next.Logging.TUI.Level, next.Logging.HW.Level = conf.Logging.TUI.Level, conf.Logging.HW.Level
	if !a.verbose {
		logging.SetLevel(logProfile(&next).Level)
	}
	a.conf = &next
	slog.Info("Applied changed config", "state", fmt.Sprintf("%+v", state))
}

// ReloadFile re-reads the config file and applies it.
func (a *App) ReloadFile() {
	conf, err := config.ReadConfig(a.config().ConfigFile)
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}
	a.Reload(conf)
}

func logProfile(conf *config.Config) config.LogConfig {
	if conf.RealHW {
		return conf.Logging.HW
	}
	return conf.Logging.TUI
}
