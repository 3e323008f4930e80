// Package backoff provides exponential backoff utilities with jitter for retry logic.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration `yaml:"initial"`
	// Max caps any single delay.
	Max time.Duration `yaml:"max"`
	// Factor is the exponential factor applied to each attempt.
	Factor float64 `yaml:"factor"`
	// Jitter is the randomization factor (0.0 to 1.0) applied to the backoff.
	Jitter float64 `yaml:"jitter"`
}

// Delay calculates the backoff duration for a given attempt number.
// The formula is: base = initial * factor^(attempt-1), jitter = base * jitter * random()
// Returns min(max, base + jitter). Attempt numbers start at 1.
func Delay(policy Policy, attempt int) time.Duration {
	return DelayWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand calculates the backoff duration using a provided random value
// in the range [0.0, 1.0).
func DelayWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	factor := policy.Factor
	if factor < 1 {
		factor = 1
	}

	base := float64(policy.Initial) * math.Pow(factor, exp)
	total := base + base*policy.Jitter*randomValue
	if policy.Max > 0 {
		total = math.Min(float64(policy.Max), total)
	}

	return time.Duration(total).Round(time.Millisecond)
}

// DefaultPolicy is used for provider retries.
// Initial: 1s, Max: 30s, Factor: 2, Jitter: 10%
func DefaultPolicy() Policy {
	return Policy{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Normalize fills zero fields from DefaultPolicy.
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Factor < 1 {
		p.Factor = def.Factor
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = def.Jitter
	}
	return p
}
