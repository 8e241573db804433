// Package backoff provides exponential backoff delay calculation for the
// transport reconnect policy.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Policy describes an exponential backoff schedule. The zero value is not
// usable; construct with NewPolicy or fill every field.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the multiplier applied per attempt (typically 2.0).
	Factor float64
	// Jitter enables ±30% multiplicative jitter on the computed delay.
	Jitter bool
}

// DefaultPolicy returns the schedule used by the transport manager when the
// configuration leaves the reconnect block empty.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 1 * time.Second,
		Max:     30 * time.Second,
		Factor:  2.0,
		Jitter:  true,
	}
}

// Delay returns the backoff delay for the given attempt, starting at 0.
// The pre-jitter delay is min(Max, Initial * Factor^attempt) and is
// non-decreasing in attempt. With Jitter enabled the result is scaled by a
// random factor in [0.7, 1.3] and re-capped at Max.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := p.base(attempt)
	if !p.Jitter {
		return d
	}

	randMu.Lock()
	scale := 0.7 + randSource.Float64()*0.6
	randMu.Unlock()

	jittered := time.Duration(float64(d) * scale)
	if jittered > p.Max {
		jittered = p.Max
	}
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}

// base computes the pre-jitter delay with overflow protection.
func (p Policy) base(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = time.Second
	}
	factor := p.Factor
	if factor < 1 {
		factor = 2.0
	}
	max := p.Max
	if max <= 0 {
		max = 30 * time.Second
	}
	if max < initial {
		max = initial
	}

	scaled := float64(initial) * math.Pow(factor, float64(attempt))
	if scaled > float64(max) || math.IsInf(scaled, 1) {
		return max
	}
	return time.Duration(scaled)
}

// Bounds returns the minimum and maximum delay the policy can produce for a
// given attempt, accounting for jitter. Useful for asserting that a scheduled
// reconnect lands inside the configured window.
func (p Policy) Bounds(attempt int) (min, max time.Duration) {
	d := p.base(attempt)
	if !p.Jitter {
		return d, d
	}
	min = time.Duration(float64(d) * 0.7)
	max = time.Duration(float64(d) * 1.3)
	cap := p.Max
	if cap <= 0 {
		cap = 30 * time.Second
	}
	if max > cap {
		max = cap
	}
	return min, max
}
