package onboard

import (
	"sync"

	"go.uber.org/zap"

	"github.com/CodedInternet/goservo/onboard/hardware"
)

// SimulatedPWM has the shape of the PCA9685 (a frequency and 16 duty slots)
// and keeps everything in memory.
type SimulatedPWM struct {
	lock   sync.Mutex
	freq   float64
	duties [hardware.NumChannels]uint16
	writes int
	logger *zap.SugaredLogger
}

func NewSimulatedPWM(logger *zap.SugaredLogger) *SimulatedPWM {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SimulatedPWM{freq: hardware.DefaultFrequency, logger: logger}
}

// SimulatedOpener hands out a bank over sim on every bring-up.
func SimulatedOpener(sim *SimulatedPWM) hardware.Opener {
	return func() (hardware.PWMDevice, error) {
		return hardware.NewBank(sim), nil
	}
}

func (s *SimulatedPWM) SetFrequency(hz float64) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.freq = hz
	s.logger.Debugw("SIM: frequency set", "hz", hz)
	return nil
}

func (s *SimulatedPWM) WriteDuty(channel int, duty uint16) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.duties[channel] = duty
	s.writes++
	s.logger.Debugw("SIM: duty written",
		"channel", channel,
		"duty", duty,
		"pulse_us", float64(duty)/hardware.DutyMax*hardware.PeriodUs(s.freq),
	)
	return nil
}

func (s *SimulatedPWM) Close() error {
	s.logger.Debug("SIM: closed")
	return nil
}

func (s *SimulatedPWM) Frequency() float64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.freq
}

func (s *SimulatedPWM) Duty(channel int) uint16 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.duties[channel]
}

func (s *SimulatedPWM) Writes() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.writes
}
