// Package stress is the load-characterization harness: deterministic,
// seed-driven scenario runs with fault injection, metric delta capture and
// a reproducible JSON report. It regression-tests the operational guards.
package stress

import (
	"math"
)

// ProfileType names a load shape.
type ProfileType string

const (
	ProfileBaseline ProfileType = "baseline"
	ProfilePeak     ProfileType = "peak"
	ProfileStress   ProfileType = "stress"
	ProfileBurst    ProfileType = "burst"
)

// MinScaleFactor floors the request scale so no profile degenerates to an
// empty run.
const MinScaleFactor = 0.01

// LoadProfile describes one load shape.
type LoadProfile struct {
	Type            ProfileType `json:"type"`
	TargetRPS       float64     `json:"target_rps"`
	DurationSeconds int         `json:"duration_seconds"`
}

// MinRequests is the profile floor: baseline and peak runs need 200
// requests to be meaningful, stress and burst need 500.
func (p LoadProfile) MinRequests() int {
	switch p.Type {
	case ProfileStress, ProfileBurst:
		return 500
	default:
		return 200
	}
}

// TargetRequests is max(min_requests, ceil(rps * duration)).
func (p LoadProfile) TargetRequests() int {
	byRate := int(math.Ceil(p.TargetRPS * float64(p.DurationSeconds)))
	if min := p.MinRequests(); byRate < min {
		return min
	}
	return byRate
}

// ScaledRequests applies the scale factor, clamped to MinScaleFactor, and
// never returns less than one request.
func (p LoadProfile) ScaledRequests(scale float64) int {
	if scale < MinScaleFactor {
		scale = MinScaleFactor
	}
	n := int(math.Ceil(float64(p.TargetRequests()) * scale))
	if n < 1 {
		n = 1
	}
	return n
}

// DefaultProfiles returns the four canonical profiles.
func DefaultProfiles() map[ProfileType]LoadProfile {
	return map[ProfileType]LoadProfile{
		ProfileBaseline: {Type: ProfileBaseline, TargetRPS: 5, DurationSeconds: 60},
		ProfilePeak:     {Type: ProfilePeak, TargetRPS: 25, DurationSeconds: 60},
		ProfileStress:   {Type: ProfileStress, TargetRPS: 100, DurationSeconds: 30},
		ProfileBurst:    {Type: ProfileBurst, TargetRPS: 250, DurationSeconds: 10},
	}
}
