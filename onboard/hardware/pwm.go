package hardware

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/multierr"
)

const (
	NumChannels      = 16
	DutyMax          = 0xFFFF
	DefaultFrequency = 50.0
)

var (
	ErrReleased = errors.New("channel handle has been released")
	ErrClosed   = errors.New("pwm device is closed")
)

// Driver is the backend a Bank writes through. Duty values are 16 bit.
type Driver interface {
	SetFrequency(hz float64) error
	WriteDuty(channel int, duty uint16) error
	Close() error
}

// PWMDevice is the 16 channel controller as seen by the servo engine.
type PWMDevice interface {
	Frequency() float64
	SetFrequency(hz float64) error
	Acquire(channel int) (Channel, error)
	ReleaseAll() error
	Close() error
}

// Channel is an exclusively held output of a PWMDevice.
type Channel interface {
	Number() int
	SetPulse(pulseUs float64) error
	Duty() uint16
	Release() error
}

// Opener produces a ready PWMDevice. It is called once per controller bring-up.
type Opener func() (PWMDevice, error)

type ChannelRangeError struct {
	Channel int
}

func (err ChannelRangeError) Error() string {
	return fmt.Sprintf("channel %d out of range 0-%d", err.Channel, NumChannels-1)
}

type ChannelBoundError struct {
	Channel int
}

func (err ChannelBoundError) Error() string {
	return fmt.Sprintf("channel %d is already bound", err.Channel)
}

// PeriodUs returns the PWM period in microseconds for the given frequency.
func PeriodUs(hz float64) float64 {
	return 1000000 / hz
}

// DutyFromPulse converts a pulse width to a 16 bit duty value, saturating at both ends.
func DutyFromPulse(pulseUs, hz float64) uint16 {
	duty := math.Round(pulseUs / PeriodUs(hz) * DutyMax)
	if duty <= 0 {
		return 0
	}
	if duty >= DutyMax {
		return DutyMax
	}
	return uint16(duty)
}

// Bank tracks which channels are held and converts pulses to duty values
// before handing them to the Driver.
type Bank struct {
	driver Driver
	lock   sync.Mutex
	freq   float64
	held   [NumChannels]*bankChannel
	closed bool
}

func NewBank(driver Driver) *Bank {
	return &Bank{
		driver: driver,
		freq:   DefaultFrequency,
	}
}

func (b *Bank) Frequency() float64 {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.freq
}

func (b *Bank) SetFrequency(hz float64) error {
	if hz <= 0 || math.IsNaN(hz) || math.IsInf(hz, 0) {
		return fmt.Errorf("invalid pwm frequency %v", hz)
	}

	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return ErrClosed
	}
	if err := b.driver.SetFrequency(hz); err != nil {
		return err
	}
	b.freq = hz
	return nil
}

func (b *Bank) Acquire(channel int) (Channel, error) {
	if channel < 0 || channel >= NumChannels {
		return nil, ChannelRangeError{Channel: channel}
	}

	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.held[channel] != nil {
		return nil, ChannelBoundError{Channel: channel}
	}
	c := &bankChannel{bank: b, number: channel}
	b.held[channel] = c
	return c, nil
}

// ReleaseAll frees every held handle. Calling it again is a no-op.
func (b *Bank) ReleaseAll() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	for i, c := range b.held {
		if c != nil {
			c.released = true
			b.held[i] = nil
		}
	}
	return nil
}

// Close releases every handle and closes the driver. The bank is unusable afterwards.
func (b *Bank) Close() error {
	err := b.ReleaseAll()

	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return err
	}
	b.closed = true
	return multierr.Append(err, b.driver.Close())
}

type bankChannel struct {
	bank     *Bank
	number   int
	duty     uint16
	released bool
}

func (c *bankChannel) Number() int { return c.number }

func (c *bankChannel) SetPulse(pulseUs float64) error {
	b := c.bank
	b.lock.Lock()
	defer b.lock.Unlock()
	if c.released {
		return ErrReleased
	}
	if b.closed {
		return ErrClosed
	}

	duty := DutyFromPulse(pulseUs, b.freq)
	if err := b.driver.WriteDuty(c.number, duty); err != nil {
		return err
	}
	c.duty = duty
	return nil
}

func (c *bankChannel) Duty() uint16 {
	c.bank.lock.Lock()
	defer c.bank.lock.Unlock()
	return c.duty
}

func (c *bankChannel) Release() error {
	b := c.bank
	b.lock.Lock()
	defer b.lock.Unlock()
	if c.released {
		return nil
	}
	c.released = true
	if b.held[c.number] == c {
		b.held[c.number] = nil
	}
	return nil
}
