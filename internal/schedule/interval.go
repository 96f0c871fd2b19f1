package schedule

import (
	"math"
	"time"
)

const (
	DefaultMinInterval = 20 * time.Second
	DefaultMaxInterval = 2 * time.Hour

	rampStartDays = 1.0
	rampEndDays   = 7.0
)

// Curve maps job age to polling interval. Jobs younger than a day poll at Min,
// jobs a week or older poll at Max, and in between the interval grows as
// Min * exp(scale * age) with scale = ln(Max/Min) / 6, clamped to Max.
type Curve struct {
	Min time.Duration
	Max time.Duration
}

// DefaultCurve is the 20s → 2h curve.
var DefaultCurve = Curve{Min: DefaultMinInterval, Max: DefaultMaxInterval}

// NextInterval returns the polling delay for a job of the given age using DefaultCurve.
func NextInterval(ageDays float64) time.Duration {
	return DefaultCurve.Next(ageDays)
}

// Next returns the polling delay for a job of the given age in days,
// rounded to the nearest millisecond.
func (c Curve) Next(ageDays float64) time.Duration {
	if math.IsNaN(ageDays) || ageDays < rampStartDays {
		return c.Min
	}
	if ageDays >= rampEndDays || c.Max <= c.Min {
		return c.Max
	}

	minMs := float64(c.Min.Milliseconds())
	maxMs := float64(c.Max.Milliseconds())
	scale := math.Log(maxMs/minMs) / (rampEndDays - rampStartDays)

	ms := math.Round(minMs * math.Exp(scale*ageDays))
	if ms > maxMs {
		ms = maxMs
	}
	return time.Duration(ms) * time.Millisecond
}
