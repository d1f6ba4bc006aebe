package onboard

import (
	"context"
	"fmt"
	"math"
	"time"

	serr "github.com/CodedInternet/goservo/onboard/errors"
)

const (
	DefaultSweepStep  = 10.0
	DefaultSweepDelay = 100 * time.Millisecond
	MaxSweepSteps     = 10000
)

// SweepOptions describes a sweep. Nil bounds default to the servo's angle
// range, a zero Step to DefaultSweepStep.
type SweepOptions struct {
	Start *float64
	End   *float64
	Step  float64
	Delay time.Duration
}

type CenterResult struct {
	ID    string
	OK    bool
	Angle float64
	Err   error
}

// SetAngle clamps angle to the servo's bounds and commands it. The angle
// actually applied is returned; on a hardware failure it is the last known
// position instead.
func (c *Controller) SetAngle(id string, angle float64) (float64, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	rt, ok := c.servos[id]
	if !ok {
		return 0, serr.NotFoundError{ID: id}
	}
	if !finite(angle) {
		return rt.position, serr.ValidationError{ID: id, Field: "angle", Reason: "must be a finite number"}
	}
	applied, err := c.move(id, rt, angle)
	if err != nil {
		return applied, err
	}
	c.publish()
	return applied, nil
}

// Sweep steps a servo from start to end, waiting Delay between steps. The
// controller lock is taken per step. It stops on the first hardware error,
// when ctx is done or when the controller shuts down, and returns the angles
// applied so far.
func (c *Controller) Sweep(ctx context.Context, id string, opts SweepOptions) ([]float64, error) {
	if opts.Step == 0 {
		opts.Step = DefaultSweepStep
	}
	if opts.Step < 0 || !finite(opts.Step) {
		return nil, serr.ValidationError{ID: id, Field: "step", Reason: "must be a positive number"}
	}
	if opts.Delay < 0 {
		return nil, serr.ValidationError{ID: id, Field: "delay", Reason: "must not be negative"}
	}

	c.lock.Lock()
	rt, ok := c.servos[id]
	if !ok {
		c.lock.Unlock()
		return nil, serr.NotFoundError{ID: id}
	}
	lo, hi, _ := rt.config.Bounds()
	halt := c.halt
	c.lock.Unlock()

	start, end := lo, hi
	if opts.Start != nil {
		start = *opts.Start
	}
	if opts.End != nil {
		end = *opts.End
	}
	if !finite(start) {
		return nil, serr.ValidationError{ID: id, Field: "start", Reason: "must be a finite number"}
	}
	if !finite(end) {
		return nil, serr.ValidationError{ID: id, Field: "end", Reason: "must be a finite number"}
	}
	if math.Abs(end-start)/opts.Step > MaxSweepSteps {
		return nil, serr.ValidationError{ID: id, Field: "step", Reason: fmt.Sprintf("is too small, a sweep takes at most %d steps", MaxSweepSteps)}
	}

	angles := sweepAngles(start, end, opts.Step)
	applied := make([]float64, 0, len(angles))
	for i, angle := range angles {
		delay := opts.Delay
		if i == 0 {
			delay = 0
		}
		if err := wait(ctx, halt, delay); err != nil {
			return applied, err
		}
		got, err := c.SetAngle(id, angle)
		if err != nil {
			return applied, err
		}
		applied = append(applied, got)
	}
	return applied, nil
}

// sweepAngles returns start, start±step, ... up to the last value that does
// not pass end. The bounds must be finite and the step count bounded.
func sweepAngles(start, end, step float64) []float64 {
	dir := 1.0
	if end < start {
		dir = -1
	}
	n := int(math.Floor(math.Abs(end-start)/step + 1e-9))
	angles := make([]float64, 0, n+1)
	for k := 0; k <= n; k++ {
		angles = append(angles, start+dir*float64(k)*step)
	}
	return angles
}

func wait(ctx context.Context, halt <-chan struct{}, d time.Duration) error {
	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	} else {
		closed := make(chan time.Time)
		close(closed)
		timeout = closed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-halt:
		return ErrShutDown
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-halt:
		return ErrShutDown
	case <-timeout:
		return nil
	}
}

// CenterAll drives every bound servo to the middle of its range, rounded
// down. A failure on one servo does not stop the others.
func (c *Controller) CenterAll() []CenterResult {
	c.lock.Lock()
	defer c.lock.Unlock()

	var results []CenterResult
	for _, id := range c.registry.IDs() {
		rt, ok := c.servos[id]
		if !ok {
			continue
		}
		lo, hi, _ := rt.config.Bounds()
		angle, err := c.move(id, rt, math.Floor((lo+hi)/2))
		if err != nil {
			c.logger.Warnw("unable to center servo", "servo_id", id, "error", err)
		}
		results = append(results, CenterResult{ID: id, OK: err == nil, Angle: angle, Err: err})
	}
	c.publish()
	return results
}

// OpenServo drives a servo to its configured open angle.
func (c *Controller) OpenServo(id string) (float64, error) {
	return c.preset(id, "open_angle", func(cfg ServoConfig) *float64 { return cfg.OpenAngle })
}

// CloseServo drives a servo to its configured close angle.
func (c *Controller) CloseServo(id string) (float64, error) {
	return c.preset(id, "close_angle", func(cfg ServoConfig) *float64 { return cfg.CloseAngle })
}

func (c *Controller) preset(id, field string, pick func(ServoConfig) *float64) (float64, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	rt, ok := c.servos[id]
	if !ok {
		return 0, serr.NotFoundError{ID: id}
	}
	target := pick(rt.config)
	if target == nil || !finite(*target) {
		return rt.position, serr.ValidationError{ID: id, Field: field, Reason: "is not configured"}
	}
	applied, err := c.move(id, rt, *target)
	if err != nil {
		return applied, err
	}
	c.publish()
	return applied, nil
}
