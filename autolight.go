package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"lautenbacher.net/autolight/config"
	"lautenbacher.net/autolight/logging"
	"lautenbacher.net/autolight/platform"
)

var (
	configFile  = config.DefaultFile
	realHW      = false
	showSensors = false
	verbose     = false
)

func init() {
	pflag.StringVarP(&configFile, "config", "c", configFile, "configuration file")
	pflag.BoolVarP(&realHW, "real", "r", realHW, "drive the real hardware instead of the TUI simulation")
	pflag.BoolVarP(&showSensors, "show-sensors", "s", showSensors, "show the sensor viewer on real hardware")
	pflag.BoolVarP(&verbose, "verbose", "V", verbose, "debug logging")
}

func main() {
	pflag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	conf, err := config.ReadConfig(configFile)
	if err != nil {
		return err
	}
	conf.RealHW = realHW
	conf.SensorShow = showSensors

	// full screen UIs own the terminal, logs wait for the log pane
	buffer := !conf.RealHW || conf.SensorShow
	if err := logging.Init(logProfile(conf), buffer); err != nil {
		return fmt.Errorf("failed to initialise logging: %w", err)
	}
	defer logging.Close()
	if verbose {
		logging.SetLevel("DEBUG")
	}

	ossignal := make(chan os.Signal, 1)
	signal.Notify(ossignal, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(ossignal)

	pl := newPlatform(conf, ossignal)
	if err := pl.Start(); err != nil {
		return fmt.Errorf("failed to start platform: %w", err)
	}
	defer pl.Stop()
	<-pl.Ready()

	app, err := NewApp(conf, pl, verbose)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- app.Run(ctx)
	}()

	for {
		select {
		case sig := <-ossignal:
			if sig == syscall.SIGHUP {
				slog.Info("Reloading config file", "file", conf.ConfigFile)
				app.ReloadFile()
				continue
			}
			slog.Info("Shutting down", "signal", sig.String())
			cancel()
			return ignoreCanceled(<-done)
		case err := <-done:
			return ignoreCanceled(err)
		}
	}
}

func newPlatform(conf *config.Config, ossignal chan os.Signal) platform.Platform {
	if !conf.RealHW {
		return platform.NewTUIPlatform(conf, ossignal)
	}
	rpi := platform.NewRaspberryPiPlatform(conf)
	if conf.SensorShow {
		rpi.SetSensorViewer(platform.NewSensorViewerFor(conf, ossignal))
	}
	return rpi
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
