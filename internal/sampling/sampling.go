// Package sampling decides which telemetry samples are written to the
// durable store.
package sampling

import "math/rand/v2"

// Reason explains why a sample was kept.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonHighRisk Reason = "high_risk"
	ReasonPeriodic Reason = "periodic"
	ReasonRandom   Reason = "random"
)

// Policy holds the thresholds of the filter.
type Policy struct {
	ScoreThreshold float64 // Keep when score >= this (0-100 scale)
	Period         int64   // Keep when sequence % Period == 0
	RandomRate     float64 // Keep with this probability otherwise
}

// DefaultPolicy returns the production policy.
func DefaultPolicy() Policy {
	return Policy{
		ScoreThreshold: 50,
		Period:         10,
		RandomRate:     0.20,
	}
}

// Sampler applies a Policy with a given random source. It holds no state
// between calls.
type Sampler struct {
	policy Policy
	random func() float64
}

// New creates a Sampler. A nil random source uses math/rand/v2.
func New(policy Policy, random func() float64) *Sampler {
	if random == nil {
		random = rand.Float64
	}
	return &Sampler{policy: policy, random: random}
}

// Decide reports whether the sample should persist and why. The random
// source is consulted only when neither deterministic rule matches.
func (s *Sampler) Decide(score float64, seq int64) (bool, Reason) {
	if score >= s.policy.ScoreThreshold {
		return true, ReasonHighRisk
	}
	if s.policy.Period > 0 && seq%s.policy.Period == 0 {
		return true, ReasonPeriodic
	}
	if s.random() < s.policy.RandomRate {
		return true, ReasonRandom
	}
	return false, ReasonNone
}

// ShouldPersist reports whether the sample should persist.
func (s *Sampler) ShouldPersist(score float64, seq int64) bool {
	ok, _ := s.Decide(score, seq)
	return ok
}

// Policy returns the sampler's policy.
func (s *Sampler) Policy() Policy {
	return s.policy
}

var defaultSampler = New(DefaultPolicy(), nil)

// ShouldPersist applies the default policy: keep when score >= 50, when
// seq is a multiple of 10, or on a 20% random draw.
func ShouldPersist(score float64, seq int64) bool {
	return defaultSampler.ShouldPersist(score, seq)
}
