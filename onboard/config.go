package onboard

import (
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	serr "github.com/CodedInternet/goservo/onboard/errors"
	"github.com/CodedInternet/goservo/onboard/hardware"
)

const (
	DefaultMinPulseUs = 500.0
	DefaultMaxPulseUs = 2500.0
	DefaultSafeAngle  = 90.0
	DefaultSettle     = 500 * time.Millisecond
)

// ServoConfig is the stored configuration of one servo. Pointer fields are
// optional so that presence can be validated and partial updates merged.
//
// Bounds are either min_angle/max_angle or an open_angle/close_angle pair;
// when both are present min/max wins.
type ServoConfig struct {
	Name         string   `yaml:"name,omitempty" json:"name,omitempty"`
	Channel      *int     `yaml:"channel,omitempty" json:"channel,omitempty"`
	MinAngle     *float64 `yaml:"min_angle,omitempty" json:"min_angle,omitempty"`
	MaxAngle     *float64 `yaml:"max_angle,omitempty" json:"max_angle,omitempty"`
	OpenAngle    *float64 `yaml:"open_angle,omitempty" json:"open_angle,omitempty"`
	CloseAngle   *float64 `yaml:"close_angle,omitempty" json:"close_angle,omitempty"`
	MinPulseUs   *float64 `yaml:"min_pulse_us,omitempty" json:"min_pulse_us,omitempty"`
	MaxPulseUs   *float64 `yaml:"max_pulse_us,omitempty" json:"max_pulse_us,omitempty"`
	DefaultAngle *float64 `yaml:"default_angle,omitempty" json:"default_angle,omitempty"`
	Enabled      *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Record pairs a servo id with its configuration, in registry order.
type Record struct {
	ID     string
	Config ServoConfig
}

func Int(v int) *int           { return &v }
func Float(v float64) *float64 { return &v }
func Bool(v bool) *bool        { return &v }

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	return Float(*p)
}

// Clone returns a copy that shares no pointers with c.
func (c ServoConfig) Clone() ServoConfig {
	out := ServoConfig{
		Name:         c.Name,
		MinAngle:     cloneFloat(c.MinAngle),
		MaxAngle:     cloneFloat(c.MaxAngle),
		OpenAngle:    cloneFloat(c.OpenAngle),
		CloseAngle:   cloneFloat(c.CloseAngle),
		MinPulseUs:   cloneFloat(c.MinPulseUs),
		MaxPulseUs:   cloneFloat(c.MaxPulseUs),
		DefaultAngle: cloneFloat(c.DefaultAngle),
	}
	if c.Channel != nil {
		out.Channel = Int(*c.Channel)
	}
	if c.Enabled != nil {
		out.Enabled = Bool(*c.Enabled)
	}
	return out
}

// Merge overlays every field set in patch onto a copy of c.
func (c ServoConfig) Merge(patch ServoConfig) ServoConfig {
	out := c.Clone()
	p := patch.Clone()
	if p.Name != "" {
		out.Name = p.Name
	}
	if p.Channel != nil {
		out.Channel = p.Channel
	}
	if p.MinAngle != nil {
		out.MinAngle = p.MinAngle
	}
	if p.MaxAngle != nil {
		out.MaxAngle = p.MaxAngle
	}
	if p.OpenAngle != nil {
		out.OpenAngle = p.OpenAngle
	}
	if p.CloseAngle != nil {
		out.CloseAngle = p.CloseAngle
	}
	if p.MinPulseUs != nil {
		out.MinPulseUs = p.MinPulseUs
	}
	if p.MaxPulseUs != nil {
		out.MaxPulseUs = p.MaxPulseUs
	}
	if p.DefaultAngle != nil {
		out.DefaultAngle = p.DefaultAngle
	}
	if p.Enabled != nil {
		out.Enabled = p.Enabled
	}
	return out
}

// Bounds returns the normalised angle range. An open/close pair is ordered
// so that lo <= hi whichever of the two is numerically larger.
func (c ServoConfig) Bounds() (lo, hi float64, ok bool) {
	switch {
	case c.MinAngle != nil && c.MaxAngle != nil:
		return *c.MinAngle, *c.MaxAngle, true
	case c.OpenAngle != nil && c.CloseAngle != nil:
		lo, hi = *c.OpenAngle, *c.CloseAngle
		if lo > hi {
			lo, hi = hi, lo
		}
		return lo, hi, true
	}
	return 0, 0, false
}

func (c ServoConfig) PulseRange() (lo, hi float64) {
	lo, hi = DefaultMinPulseUs, DefaultMaxPulseUs
	if c.MinPulseUs != nil {
		lo = *c.MinPulseUs
	}
	if c.MaxPulseUs != nil {
		hi = *c.MaxPulseUs
	}
	return
}

// IsEnabled treats a missing flag as enabled.
func (c ServoConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ChannelNumber returns -1 when no channel is configured.
func (c ServoConfig) ChannelNumber() int {
	if c.Channel == nil {
		return -1
	}
	return *c.Channel
}

func (c ServoConfig) DefaultPosition() float64 {
	if c.DefaultAngle == nil {
		return 0
	}
	return *c.DefaultAngle
}

// Validate checks required fields and ranges for the servo stored under id.
func (c ServoConfig) Validate(id string) error {
	invalid := func(field, reason string) error {
		return serr.ValidationError{ID: id, Field: field, Reason: reason}
	}

	if id == "" {
		return invalid("servo_id", "is required")
	}
	if c.Name == "" {
		return invalid("name", "is required")
	}
	if c.Channel == nil {
		return invalid("channel", "is required")
	}
	if ch := *c.Channel; ch < 0 || ch >= hardware.NumChannels {
		return invalid("channel", fmt.Sprintf("must be between 0 and %d, got %d", hardware.NumChannels-1, ch))
	}
	for _, f := range []struct {
		name  string
		value *float64
	}{
		{"min_angle", c.MinAngle},
		{"max_angle", c.MaxAngle},
		{"open_angle", c.OpenAngle},
		{"close_angle", c.CloseAngle},
		{"min_pulse_us", c.MinPulseUs},
		{"max_pulse_us", c.MaxPulseUs},
		{"default_angle", c.DefaultAngle},
	} {
		if f.value != nil && !finite(*f.value) {
			return invalid(f.name, "must be a finite number")
		}
	}
	if c.MinAngle != nil && c.MaxAngle != nil && *c.MinAngle > *c.MaxAngle {
		return invalid("min_angle", "must not exceed max_angle")
	}
	lo, hi, ok := c.Bounds()
	if !ok {
		return invalid("", "requires min_angle/max_angle or open_angle/close_angle")
	}
	minUs, maxUs := c.PulseRange()
	if minUs <= 0 {
		return invalid("min_pulse_us", "must be positive")
	}
	if minUs >= maxUs {
		return invalid("min_pulse_us", "must be less than max_pulse_us")
	}
	if c.DefaultAngle == nil {
		return invalid("default_angle", "is required")
	}
	if d := *c.DefaultAngle; d < lo || d > hi {
		return invalid("default_angle", fmt.Sprintf("must be within [%v, %v], got %v", lo, hi, d))
	}
	return nil
}

// DeviceConfig is the on-disk description of the controller and the servos
// it starts with when the store is empty.
type DeviceConfig struct {
	Version           int                `yaml:"version"`
	PWMFrequency      float64            `yaml:"pwm_frequency_hz"`
	SafeShutdownAngle *float64           `yaml:"safe_shutdown_angle"`
	Settle            time.Duration      `yaml:"settle"`
	I2C               hardware.I2CConfig `yaml:"i2c"`
	Servos            yaml.MapSlice      `yaml:"servos"`
}

// DefaultDeviceConfig matches a PCA9685 at its factory address driving 50Hz servos.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Version:           1,
		PWMFrequency:      hardware.DefaultFrequency,
		SafeShutdownAngle: Float(DefaultSafeAngle),
		Settle:            DefaultSettle,
		I2C:               hardware.I2CConfig{Address: hardware.PCA9685Addr},
	}
}

func ParseDeviceConfig(data []byte) (config DeviceConfig, err error) {
	config = DefaultDeviceConfig()
	if err = yaml.Unmarshal(data, &config); err != nil {
		return
	}

	switch config.Version {
	case 1:
		if config.PWMFrequency <= 0 {
			err = fmt.Errorf("pwm_frequency_hz must be positive, have %v", config.PWMFrequency)
		}
	default:
		err = fmt.Errorf("unable to work with version %d", config.Version)
	}
	return
}

// LoadDeviceConfig reads path, falling back to the defaults when it does not exist.
func LoadDeviceConfig(path string) (DeviceConfig, error) {
	data, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultDeviceConfig(), nil
	}
	if err != nil {
		return DeviceConfig{}, errors.Wrapf(err, "read device config %s", path)
	}
	config, err := ParseDeviceConfig(data)
	return config, errors.Wrapf(err, "parse device config %s", path)
}

// Seeds returns the pre-configured servos in file order.
func (d DeviceConfig) Seeds() ([]Record, error) {
	return decodeKeyed(d.Servos)
}

func (d DeviceConfig) Options() Options {
	opts := DefaultOptions()
	opts.Frequency = d.PWMFrequency
	opts.Settle = d.Settle
	if d.SafeShutdownAngle != nil {
		opts.SafeAngle = *d.SafeShutdownAngle
	}
	return opts
}

func decodeKeyed(set yaml.MapSlice) ([]Record, error) {
	records := make([]Record, 0, len(set))
	for _, item := range set {
		raw, err := yaml.Marshal(item.Value)
		if err != nil {
			return nil, err
		}
		var cfg ServoConfig
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, errors.Wrapf(err, "servo %v", item.Key)
		}
		records = append(records, Record{ID: fmt.Sprint(item.Key), Config: cfg})
	}
	return records, nil
}

func encodeKeyed(records []Record) yaml.MapSlice {
	set := make(yaml.MapSlice, 0, len(records))
	for _, r := range records {
		set = append(set, yaml.MapItem{Key: r.ID, Value: r.Config})
	}
	return set
}
