package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/caarlos0/env/v6"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	. "github.com/CodedInternet/goservo/onboard"
	"github.com/CodedInternet/goservo/onboard/hardware"
)

type EnvConfig struct {
	Simulated    bool   `env:"SERVO_SIMULATED" envDefault:"0"`
	DEBUG        bool   `env:"DEBUG" envDefault:"0"`
	DeviceConfig string `env:"SERVO_DEVICE_CONFIG" envDefault:"./servo_config.yaml"`
	Store        string `env:"SERVO_STORE" envDefault:"yaml"`
	StorePath    string `env:"SERVO_STORE_PATH"`
}

func main() {
	config := new(EnvConfig)
	if err := env.Parse(config); err != nil {
		panic(err)
	}

	// flags override the environment
	flag.BoolVar(&config.Simulated, "sim", config.Simulated, "Run against the simulated PWM controller")
	flag.StringVar(&config.DeviceConfig, "config", config.DeviceConfig, "Device config file")
	flag.StringVar(&config.Store, "store", config.Store, "Registry store backend (yaml|storm)")
	flag.StringVar(&config.StorePath, "store-path", config.StorePath, "Registry store location")
	flag.Parse()

	logger, err := newLogger(config.DEBUG)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	device, err := LoadDeviceConfig(config.DeviceConfig)
	if err != nil {
		log.Fatalw("unable to load device config", "error", err)
	}

	store, closeStore, err := openStore(config)
	if err != nil {
		log.Fatalw("unable to open store", "backend", config.Store, "error", err)
	}
	defer closeStore()

	seeds, err := device.Seeds()
	if err != nil {
		log.Fatalw("unable to read seed servos", "error", err)
	}
	if seeded, err := Seed(store, seeds); err != nil {
		log.Fatalw("unable to seed store", "error", err)
	} else if seeded {
		log.Infow("store seeded from device config", "servos", len(seeds))
	}

	var opener hardware.Opener
	if config.Simulated {
		log.Info("Creating simulator")
		opener = SimulatedOpener(NewSimulatedPWM(log.Named("sim")))
	} else {
		opener = hardware.PCA9685Opener(device.I2C, log.Named("pca9685"))
	}

	opts := device.Options()
	opts.Simulated = config.Simulated
	opts.Logger = log.Named("controller")
	controller, err := NewController(store, opener, opts)
	if err != nil {
		log.Fatalw("unable to create controller", "error", err)
	}
	if err := controller.Initialize(); err != nil {
		// keep the shell usable so the registry can still be edited
		log.Errorw("unable to initialize controller", "error", err)
	}

	shell := newShell(controller, log.Named("shell"))
	done := make(chan struct{})
	go func() {
		shell.Run()
		close(done)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	select {
	case s := <-sigs:
		log.Infow("shutting down", "signal", s.String())
		shell.Close()
	case <-done:
	}
	controller.Cleanup()
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openStore(config *EnvConfig) (Store, func(), error) {
	switch config.Store {
	case "storm":
		path := config.StorePath
		if path == "" {
			path = "./tmp/servos.db"
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, nil, err
		}
		store, err := OpenStormStore(path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	case "yaml", "":
		path := config.StorePath
		if path == "" {
			path = "./tmp/servos.yaml"
		}
		return NewFileStore(path), func() {}, nil
	}
	return nil, nil, errors.Errorf("unknown store backend %q", config.Store)
}
