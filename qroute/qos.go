package qroute

import (
	"net/netip"
	"time"

	"github.com/encodeous/qaodv/protocol"
	"github.com/encodeous/qaodv/state"
)

// Penalty is the multiplier applied to an estimate that breaks the bounds of its traffic class.
// loss is the fraction of packets delivered, 0 when unknown.
func Penalty(req protocol.Requirements, delay, jitter time.Duration, loss float64) float64 {
	delayCoeff := 1.0
	if delay >= req.MaxDelay {
		delayCoeff = 1 + float64(delay/req.MaxDelay)
	}
	// jitter is measured on smaller values, so it weighs more
	jitterCoeff := 1.0
	if jitter >= req.MaxJitter {
		jitterCoeff = 2 + float64(jitter/req.MaxJitter)
	}
	lossCoeff := 1.0
	if loss != 0 {
		lost := 1 - loss
		switch {
		case lost > 10*req.MaxLoss:
			lossCoeff = 12.5
		case lost > 2*req.MaxLoss:
			lossCoeff = 8
		case lost > req.MaxLoss:
			lossCoeff = 4
		}
	}
	return delayCoeff * jitterCoeff * lossCoeff
}

// ApplyMetrics stores the new estimate for dst through via in the table of class,
// scaled by the QoS penalty of every class. An entry breaking the bounds of a class
// MaxStrikes samples in a row is blacklisted in that class.
func (l *Learner) ApplyMetrics(dst, via netip.Addr, unpunished time.Duration, class protocol.TrafficClass, delay, jitter time.Duration, loss float64) {
	class = class.Table()
	for _, c := range protocol.Classes {
		t := l.tables[c]
		e, ok := t.Entry(dst, via)
		if !ok {
			continue
		}
		old := e.Estimate
		if c == class {
			if unpunished > old {
				e.SetCoeffTally(1)
			}
			old = unpunished
		}
		tally := Penalty(c.Requirements(), delay, jitter, loss)
		e.Judge(tally > 1)
		if c != class && tally == 1 && e.CoeffTally <= 1 {
			// nothing learned for this class
			continue
		}

		if e.CoeffTally > 1 {
			cur := e.CoeffTally
			if cur >= tally {
				e.SetValue(scaleEstimate(old, (cur+tally)/2), l.cfg.ConvergenceThreshold, l.cfg.LearnMoreThreshold)
				e.SetCoeffTally((cur + tally) / 2)
			} else {
				e.SetValue(scaleEstimate(old, tally/cur), l.cfg.ConvergenceThreshold, l.cfg.LearnMoreThreshold)
				e.SetCoeffTally(tally)
			}
		} else {
			e.SetValue(scaleEstimate(old, tally), l.cfg.ConvergenceThreshold, l.cfg.LearnMoreThreshold)
			e.SetCoeffTally(tally)
		}
		if c == class {
			t.reseed(dst, e.Estimate)
		}
	}
}

func scaleEstimate(v time.Duration, coeff float64) time.Duration {
	return min(clampDuration(float64(v)*coeff), state.QValueCap)
}

// jitterOf is the distance between two successive delay samples
func jitterOf(prev, cur time.Duration) time.Duration {
	if prev == 0 || cur == 0 {
		return 0
	}
	if prev > cur {
		return prev - cur
	}
	return cur - prev
}
