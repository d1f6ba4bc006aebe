package hardware

import (
	"io"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/pca9685"
	"periph.io/x/host/v3"
)

const (
	PCA9685Addr = pca9685.I2CAddr

	generalCallAddr = 0x00
	swrstCmd        = 0x06
	swrstDelay      = 10 * time.Millisecond
)

// I2CConfig locates the controller on the host.
type I2CConfig struct {
	Bus     string `yaml:"bus"`     // periph bus name, empty opens the first bus
	Address uint16 `yaml:"address"` // 7 bit address
}

// pwmController is the subset of *pca9685.Dev the driver relies on.
type pwmController interface {
	SetPwmFreq(freq physic.Frequency) error
	SetPwm(channel int, on, off gpio.Duty) error
	SetAllPwm(on, off gpio.Duty) error
}

// PCA9685 writes duty values to a PCA9685 over I2C. The chip has 12 bit
// resolution, so the low nibble of the 16 bit duty is dropped.
type PCA9685 struct {
	dev    pwmController
	bus    io.Closer
	logger *zap.SugaredLogger
}

func NewPCA9685(dev pwmController, bus io.Closer, logger *zap.SugaredLogger) *PCA9685 {
	return &PCA9685{dev: dev, bus: bus, logger: logger}
}

// OpenPCA9685 initialises periph, resets the chip and turns every output off.
func OpenPCA9685(cfg I2CConfig, logger *zap.SugaredLogger) (*PCA9685, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "periph host init")
	}

	bus, err := i2creg.Open(cfg.Bus)
	if err != nil {
		return nil, errors.Wrapf(err, "open i2c bus %q", cfg.Bus)
	}

	if err := bus.Tx(generalCallAddr, []byte{swrstCmd}, nil); err != nil {
		logger.Warnw("pca9685 software reset failed", "error", err)
	}
	time.Sleep(swrstDelay)

	addr := cfg.Address
	if addr == 0 {
		addr = PCA9685Addr
	}
	dev, err := pca9685.NewI2C(bus, addr)
	if err != nil {
		_ = bus.Close()
		return nil, errors.Wrapf(err, "pca9685 at 0x%02x", addr)
	}
	if err := dev.SetAllPwm(0, 0); err != nil {
		_ = bus.Close()
		return nil, errors.Wrap(err, "pca9685 clear outputs")
	}

	logger.Infow("pca9685 opened", "bus", bus.String(), "address", addr)
	return NewPCA9685(dev, bus, logger), nil
}

// PCA9685Opener returns an Opener bringing up the physical controller.
func PCA9685Opener(cfg I2CConfig, logger *zap.SugaredLogger) Opener {
	return func() (PWMDevice, error) {
		drv, err := OpenPCA9685(cfg, logger)
		if err != nil {
			return nil, err
		}
		return NewBank(drv), nil
	}
}

func (p *PCA9685) SetFrequency(hz float64) error {
	freq := physic.Frequency(math.Round(hz * float64(physic.Hertz)))
	if err := p.dev.SetPwmFreq(freq); err != nil {
		return errors.Wrapf(err, "set pwm frequency %s", freq)
	}
	p.logger.Debugw("pwm frequency set", "hz", hz)
	return nil
}

func (p *PCA9685) WriteDuty(channel int, duty uint16) error {
	off := gpio.Duty(duty >> 4)
	if err := p.dev.SetPwm(channel, 0, off); err != nil {
		return errors.Wrapf(err, "write channel %d", channel)
	}
	return nil
}

// Close turns every output off and closes the bus.
func (p *PCA9685) Close() error {
	err := p.dev.SetAllPwm(0, 0)
	if p.bus != nil {
		err = multierr.Append(err, p.bus.Close())
	}
	return err
}
