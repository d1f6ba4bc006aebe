package onboard

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	serr "github.com/CodedInternet/goservo/onboard/errors"
	"github.com/CodedInternet/goservo/onboard/hardware"
)

var (
	ErrShutDown = errors.New("controller has been shut down")
)

type State int

const (
	Uninitialized State = iota
	Initialized
	ShutDown
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case ShutDown:
		return "shut_down"
	}
	return "uninitialized"
}

type Options struct {
	// Frequency is the PWM frequency shared by every channel, in Hz.
	Frequency float64
	// SafeAngle is used during cleanup for servos without a default angle.
	SafeAngle float64
	// Settle is how long cleanup waits after parking before releasing channels.
	Settle    time.Duration
	Simulated bool
	Logger    *zap.SugaredLogger
}

func DefaultOptions() Options {
	return Options{
		Frequency: hardware.DefaultFrequency,
		SafeAngle: DefaultSafeAngle,
		Settle:    DefaultSettle,
	}
}

// ServoStatus is the read-only view of one registry entry.
type ServoStatus struct {
	ID       string
	Config   ServoConfig
	Bound    bool
	Position float64
}

type Info struct {
	Frequency float64
	MaxServos int
	SafeAngle float64
	Simulated bool
	State     State
}

type servoRuntime struct {
	channel  hardware.Channel
	config   ServoConfig
	position float64
}

type snapshot struct {
	state  State
	servos []ServoStatus
}

// Controller owns the PWM device, the registry and the runtime state of every
// bound servo. Mutations are serialised on a single lock; queries read the
// last published snapshot.
type Controller struct {
	lock   sync.Mutex
	store  Store
	open   hardware.Opener
	opts   Options
	logger *zap.SugaredLogger

	state    State
	device   hardware.PWMDevice
	registry *Registry
	servos   map[string]*servoRuntime
	halt     chan struct{}

	view atomic.Pointer[snapshot]
}

// NewController loads the registry from store. The device is not opened
// until Initialize.
func NewController(store Store, open hardware.Opener, opts Options) (*Controller, error) {
	if opts.Frequency <= 0 {
		opts.Frequency = hardware.DefaultFrequency
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	records, err := store.Load()
	if err != nil {
		return nil, serr.PersistenceError{Op: "load", Err: err}
	}

	c := &Controller{
		store:    store,
		open:     open,
		opts:     opts,
		logger:   opts.Logger,
		registry: NewRegistry(records),
		servos:   make(map[string]*servoRuntime),
		halt:     make(chan struct{}),
	}
	c.publish()
	c.logger.Infow("controller created", "servos", c.registry.Len(), "simulated", opts.Simulated)
	return c, nil
}

// Initialize opens the device, sets its frequency and binds every enabled
// servo, driving it to its default angle. A servo that fails to bind is
// logged and skipped.
func (c *Controller) Initialize() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	switch c.state {
	case Initialized:
		return nil
	case ShutDown:
		return serr.HardwareError{Op: "initialize", Err: ErrShutDown}
	}

	dev, err := c.open()
	if err != nil {
		return serr.HardwareError{Op: "open", Err: err}
	}
	if err := dev.SetFrequency(c.opts.Frequency); err != nil {
		return serr.HardwareError{Op: "set frequency", Err: multierr.Append(err, dev.Close())}
	}
	c.device = dev
	c.state = Initialized
	c.logger.Infow("pwm device ready", "frequency_hz", dev.Frequency())

	for _, rec := range c.registry.Records() {
		if !rec.Config.IsEnabled() {
			continue
		}
		if err := rec.Config.Validate(rec.ID); err != nil {
			c.logger.Warnw("skipping servo", "servo_id", rec.ID, "error", err)
			continue
		}
		if err := c.bind(rec.ID, rec.Config); err != nil {
			c.logger.Warnw("skipping servo", "servo_id", rec.ID, "error", err)
			continue
		}
		c.logger.Infow("servo bound", "servo_id", rec.ID, "channel", *rec.Config.Channel)
	}

	c.publish()
	return nil
}

// Cleanup parks every bound servo, waits for them to settle and releases the
// device. Failures are logged. The controller cannot be initialised again.
func (c *Controller) Cleanup() {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.state == ShutDown {
		return
	}
	close(c.halt)

	parked := 0
	for _, id := range c.registry.IDs() {
		rt, ok := c.servos[id]
		if !ok {
			continue
		}
		angle := c.opts.SafeAngle
		if rt.config.DefaultAngle != nil {
			angle = *rt.config.DefaultAngle
		}
		if _, err := c.move(id, rt, angle); err != nil {
			c.logger.Warnw("unable to park servo", "servo_id", id, "error", err)
			continue
		}
		c.logger.Infow("servo parked", "servo_id", id, "angle", rt.position)
		parked++
	}
	if parked > 0 && c.opts.Settle > 0 {
		time.Sleep(c.opts.Settle)
	}

	if c.device != nil {
		if err := multierr.Append(c.device.ReleaseAll(), c.device.Close()); err != nil {
			c.logger.Errorw("unable to release pwm device", "error", err)
		}
	}
	c.device = nil
	c.servos = make(map[string]*servoRuntime)
	c.state = ShutDown
	c.publish()
	c.logger.Info("controller shut down")
}

// Add validates cfg and stores it under id. When the controller is
// initialised and cfg is enabled the servo is bound and driven to its
// default angle. On any failure nothing is changed.
func (c *Controller) Add(id string, cfg ServoConfig) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	next, err := c.registry.WithAdd(id, cfg)
	if err != nil {
		return err
	}
	stored, _ := next.Get(id)

	bound := false
	if c.state == Initialized && stored.IsEnabled() {
		if err := c.bind(id, stored); err != nil {
			return err
		}
		bound = true
	}
	if err := c.save(next); err != nil {
		if bound {
			c.unbind(id)
		}
		return err
	}

	c.registry = next
	c.publish()
	c.logger.Infow("servo added", "servo_id", id, "bound", bound)
	return nil
}

// Update merges patch into the servo stored under id and rebinds it. The
// merged configuration is returned. An open/close pair does not change the
// bounds of a servo that has min_angle/max_angle; that case is logged.
func (c *Controller) Update(id string, patch ServoConfig) (ServoConfig, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	next, merged, err := c.registry.WithUpdate(id, patch)
	if err != nil {
		return ServoConfig{}, err
	}
	if (patch.OpenAngle != nil || patch.CloseAngle != nil) &&
		merged.MinAngle != nil && merged.MaxAngle != nil {
		c.logger.Warnw("open/close angles do not change bounds while min_angle/max_angle are set",
			"servo_id", id, "min_angle", *merged.MinAngle, "max_angle", *merged.MaxAngle)
	}

	previous := c.servos[id]
	c.unbind(id)

	rebound := false
	if c.state == Initialized && merged.IsEnabled() {
		if err := c.bind(id, merged); err != nil {
			c.restore(id, previous)
			return ServoConfig{}, err
		}
		rebound = true
	}
	if err := c.save(next); err != nil {
		if rebound {
			c.unbind(id)
		}
		c.restore(id, previous)
		return ServoConfig{}, err
	}

	c.registry = next
	c.publish()
	c.logger.Infow("servo updated", "servo_id", id, "bound", rebound)
	return merged, nil
}

// Remove drives a bound servo to its default angle, then releases its channel
// and deletes its configuration.
func (c *Controller) Remove(id string) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	next, err := c.registry.WithRemove(id)
	if err != nil {
		return err
	}
	if rt, ok := c.servos[id]; ok {
		if _, err := c.move(id, rt, rt.config.DefaultPosition()); err != nil {
			c.logger.Warnw("unable to park servo", "servo_id", id, "error", err)
		}
	}
	if err := c.save(next); err != nil {
		c.publish()
		return err
	}

	c.unbind(id)
	c.registry = next
	c.publish()
	c.logger.Infow("servo removed", "servo_id", id)
	return nil
}

func (c *Controller) IsConnected() bool {
	return c.view.Load().state == Initialized
}

func (c *Controller) State() State {
	return c.view.Load().state
}

func (c *Controller) Info() Info {
	return Info{
		Frequency: c.opts.Frequency,
		MaxServos: hardware.NumChannels,
		SafeAngle: c.opts.SafeAngle,
		Simulated: c.opts.Simulated,
		State:     c.State(),
	}
}

// GetServoList returns every registry entry in insertion order.
func (c *Controller) GetServoList() []ServoStatus {
	servos := c.view.Load().servos
	out := make([]ServoStatus, len(servos))
	for i, s := range servos {
		s.Config = s.Config.Clone()
		out[i] = s
	}
	return out
}

// GetPosition returns the last commanded angle of a bound servo, or the
// default angle of one that is configured but not bound.
func (c *Controller) GetPosition(id string) (float64, error) {
	for _, s := range c.view.Load().servos {
		if s.ID == id {
			return s.Position, nil
		}
	}
	return 0, serr.NotFoundError{ID: id}
}

// GetAllPositions returns the position of every bound servo.
func (c *Controller) GetAllPositions() map[string]float64 {
	positions := make(map[string]float64)
	for _, s := range c.view.Load().servos {
		if s.Bound {
			positions[s.ID] = s.Position
		}
	}
	return positions
}

// bind acquires the servo's channel and drives it to its default angle.
// Callers must hold the lock.
func (c *Controller) bind(id string, cfg ServoConfig) error {
	ch, err := c.device.Acquire(*cfg.Channel)
	if err != nil {
		return serr.HardwareError{ID: id, Op: "acquire", Err: err}
	}
	applied, pulse := AngleToPulse(cfg.DefaultPosition(), cfg)
	if err := ch.SetPulse(pulse); err != nil {
		ch.Release()
		return serr.HardwareError{ID: id, Op: "write", Err: err}
	}
	c.servos[id] = &servoRuntime{channel: ch, config: cfg.Clone(), position: applied}
	return nil
}

func (c *Controller) unbind(id string) {
	rt, ok := c.servos[id]
	if !ok {
		return
	}
	if err := rt.channel.Release(); err != nil {
		c.logger.Warnw("unable to release channel", "servo_id", id, "error", err)
	}
	delete(c.servos, id)
}

// restore rebinds a runtime dropped by a failed update and returns the servo
// to the position it held.
func (c *Controller) restore(id string, rt *servoRuntime) {
	if rt == nil {
		return
	}
	ch, err := c.device.Acquire(rt.channel.Number())
	if err != nil {
		c.logger.Errorw("unable to restore servo", "servo_id", id, "error", err)
		return
	}
	restored := &servoRuntime{channel: ch, config: rt.config, position: rt.position}
	_, pulse := AngleToPulse(rt.position, rt.config)
	if err := ch.SetPulse(pulse); err != nil {
		c.logger.Warnw("unable to restore servo position", "servo_id", id, "error", err)
	}
	c.servos[id] = restored
}

// move clamps angle and writes it to the servo's channel. On failure the last
// known position is returned with the error.
func (c *Controller) move(id string, rt *servoRuntime, angle float64) (float64, error) {
	applied, pulse := AngleToPulse(angle, rt.config)
	if err := rt.channel.SetPulse(pulse); err != nil {
		return rt.position, serr.HardwareError{ID: id, Op: "write", Err: err}
	}
	rt.position = applied
	return applied, nil
}

func (c *Controller) save(next *Registry) error {
	if err := c.store.Save(next.Records()); err != nil {
		c.logger.Errorw("unable to save registry", "error", err)
		return serr.PersistenceError{Op: "save", Err: err}
	}
	c.logger.Debugw("registry saved", "servos", next.Len())
	return nil
}

// publish rebuilds the snapshot read by queries. Callers must hold the lock.
func (c *Controller) publish() {
	records := c.registry.Records()
	view := &snapshot{state: c.state, servos: make([]ServoStatus, 0, len(records))}
	for _, rec := range records {
		status := ServoStatus{ID: rec.ID, Config: rec.Config, Position: rec.Config.DefaultPosition()}
		if rt, ok := c.servos[rec.ID]; ok {
			status.Bound = true
			status.Position = rt.position
		}
		view.servos = append(view.servos, status)
	}
	c.view.Store(view)
}
