package onboard

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ClampAngle limits angle to the servo's normalised bounds.
func ClampAngle(angle float64, cfg ServoConfig) float64 {
	lo, hi, ok := cfg.Bounds()
	if !ok {
		return angle
	}
	return mgl64.Clamp(angle, lo, hi)
}

// AngleToPulse clamps angle to the servo's bounds and interpolates linearly
// between its pulse limits. It returns the angle actually applied with the
// pulse width in microseconds. A zero width range maps to the minimum pulse.
func AngleToPulse(angle float64, cfg ServoConfig) (applied, pulseUs float64) {
	applied = ClampAngle(angle, cfg)
	lo, hi, _ := cfg.Bounds()
	minUs, maxUs := cfg.PulseRange()

	t := 0.0
	if hi > lo {
		t = (applied - lo) / (hi - lo)
	}
	return applied, minUs + t*(maxUs-minUs)
}
