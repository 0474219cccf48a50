// Package resilience is component C: the retry engine and circuit
// breakers backing every outbound operation (cross-server delivery,
// webhook dispatch, migration signalling, external calls). Grounded on
// other_examples' rebound (pkg/rebound/rebound.go: retry Task shape,
// Config/DefaultConfig pattern) and kdeps's resilient_client.go (breaker
// state enum/semantics), generalized to the four named strategies and the
// adaptive formula of spec.md §4.C.
package resilience

import (
	"math"
	"math/rand"
	"time"
)

// StrategyKind names one of the four retry delay strategies (spec.md §4.C).
type StrategyKind string

const (
	Fixed       StrategyKind = "fixed"
	Linear      StrategyKind = "linear"
	Exponential StrategyKind = "exponential"
	Adaptive    StrategyKind = "adaptive"
)

// StrategyParams carries the tunables shared across strategies.
type StrategyParams struct {
	Kind       StrategyKind
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64 // exponential only; defaults to 2.0
	Jitter     bool
	JitterRange float64 // fraction, e.g. 0.2 == ±20%

	// Adaptive-only tunables.
	ErrorRateWindow   int     // H in spec.md: attempts considered for recent_error_rate
	ErrorRateWeight   float64 // w_e
	LoadWeight        float64 // w_l
	MaxLoadMultiplier float64
	MinDelay          time.Duration
}

// loadSnapshot is the ambient state an adaptive strategy reads to compute
// its delay: recent error rate over the window and current concurrent
// retry load.
type loadSnapshot struct {
	recentErrorRate float64
	activeOps       int
}

// delay computes the wait that follows the given attempt (1-indexed) using
// p's strategy. attempt is the attempt number that just failed; the
// returned duration is how long to wait before the next one.
func (p StrategyParams) delay(attempt int, snap loadSnapshot) time.Duration {
	var d time.Duration

	switch p.Kind {
	case Fixed:
		d = p.BaseDelay
	case Linear:
		d = time.Duration(int64(p.BaseDelay) * int64(attempt))
		d = capDuration(d, p.MaxDelay)
	case Exponential:
		mult := p.Multiplier
		if mult <= 0 {
			mult = 2.0
		}
		factor := math.Pow(mult, float64(attempt-1))
		d = time.Duration(float64(p.BaseDelay) * factor)
		d = capDuration(d, p.MaxDelay)
	case Adaptive:
		loadFactor := float64(snap.activeOps)
		maxMult := p.MaxLoadMultiplier
		if maxMult <= 0 {
			maxMult = 3.0
		}
		errWeight := p.ErrorRateWeight
		loadWeight := p.LoadWeight
		base := float64(p.BaseDelay) * math.Pow(1.5, float64(attempt-1))
		errTerm := 1 + snap.recentErrorRate*errWeight
		loadTerm := 1 + math.Min(loadFactor, maxMult)*loadWeight
		d = time.Duration(base * errTerm * loadTerm)
		d = capDuration(d, p.MaxDelay)
		if d < p.MinDelay {
			d = p.MinDelay
		}
	default:
		d = p.BaseDelay
	}

	if p.Jitter && p.JitterRange > 0 {
		j := 1 + (rand.Float64()-0.5)*2*p.JitterRange
		d = time.Duration(float64(d) * j)
	}

	if d < 0 {
		d = 0
	}
	return d
}

func capDuration(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}
