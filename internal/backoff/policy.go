// Package backoff computes the crash-loop respawn delay the worker pool
// applies between killing a stalled worker and starting its replacement
// (spec §4.6).
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy parameterizes the respawn delay curve. Delay grows from Initial
// by Factor per attempt, jittered by up to Jitter of the unjittered value,
// and is clamped to Max.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
}

// DefaultPolicy is the pool's respawn curve: 1s, doubling, capped at 1m,
// with 20% jitter so a burst of simultaneously-dying workers doesn't
// retry in lockstep.
func DefaultPolicy() Policy {
	return Policy{
		Initial: time.Second,
		Max:     time.Minute,
		Factor:  2,
		Jitter:  0.2,
	}
}

// ComputeDelay returns how long the pool should wait before respawning a
// worker on its Nth consecutive failed attempt (attempt starts at 1).
func ComputeDelay(policy Policy, attempt int) time.Duration {
	return computeDelay(policy, attempt, rand.Float64()) // #nosec G404 -- jitter spacing, not a security boundary
}

// computeDelay is the deterministic core ComputeDelay wraps; tests drive
// it directly with a fixed randomValue in [0, 1).
func computeDelay(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(policy.Initial) * math.Pow(policy.Factor, exp)
	jittered := base + base*policy.Jitter*randomValue
	capped := math.Min(float64(policy.Max), jittered)
	return time.Duration(capped)
}
