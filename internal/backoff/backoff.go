// Package backoff computes exponential reconnect delays with jitter.
package backoff

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration `yaml:"initial"`
	// Max caps every computed delay, jitter included.
	Max time.Duration `yaml:"max"`
	// Factor is the exponential factor applied per attempt.
	Factor float64 `yaml:"factor"`
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base delay.
	Jitter float64 `yaml:"jitter"`
}

// Default returns the reconnect policy used when none is configured.
// Initial: 500ms, Max: 30s, Factor: 2, Jitter: 20%
func Default() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Validate reports a policy that cannot produce sane delays.
func (p Policy) Validate() error {
	switch {
	case p.Initial <= 0:
		return errors.New("backoff: initial delay must be positive")
	case p.Max < p.Initial:
		return errors.New("backoff: max delay must be at least the initial delay")
	case p.Factor < 1:
		return errors.New("backoff: factor must be >= 1")
	case p.Jitter < 0 || p.Jitter > 1:
		return errors.New("backoff: jitter must be within [0, 1]")
	}
	return nil
}

// Delay returns the delay before retry number attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

// DelayWithRand is Delay with a caller-supplied random value in [0, 1),
// for deterministic tests.
// The formula is min(max, initial*factor^(attempt-1) * (1 + jitter*r)).
func (p Policy) DelayWithRand(attempt int, r float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := math.Min(float64(p.Max), base+base*p.Jitter*r)
	if math.IsInf(total, 0) || math.IsNaN(total) {
		return p.Max
	}
	return time.Duration(total)
}
