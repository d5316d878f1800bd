package qroute

import (
	"fmt"
	"math"
	"net/netip"
	"time"

	"github.com/encodeous/qaodv/state"
)

// Entry is the estimate of reaching one destination through one neighbour
type Entry struct {
	NextHop   netip.Addr
	Estimate  time.Duration
	RealDelay time.Duration
	// RealLoss is the fraction of packets delivered through NextHop, 0 until a sample arrives
	RealLoss float64

	Converged       bool
	SenderConverged bool
	Unavailable     bool
	Blacklisted     bool
	Strikes         int
	// CoeffTally accumulates the QoS penalty applied to Estimate, never below 1
	CoeffTally float64

	learnMore   bool
	learnLess   bool
	changeAfter time.Time
}

func newEntry(nh netip.Addr, estimate time.Duration) *Entry {
	return &Entry{
		NextHop:    nh,
		Estimate:   estimate,
		CoeffTally: 1,
	}
}

// HasConverged reports whether the entry can be trusted. Both ends of the link must agree.
func (e *Entry) HasConverged() bool {
	return e.Converged && e.SenderConverged && !e.Unavailable
}

func (e *Entry) Unconverge() {
	e.Converged = false
}

// SetValue stores a new estimate and re-evaluates convergence on the relative change
func (e *Entry) SetValue(v time.Duration, convergence, learnMore float64) {
	old := e.Estimate
	e.Estimate = v
	denom := float64(v)
	if v == 0 {
		denom = 1
	}
	change := math.Abs(float64(old)-float64(v)) / denom
	perfChange(change)
	if change < convergence {
		e.Converged = true
		e.learnLess = true
		e.learnMore = false
	} else if e.Converged {
		e.Converged = false
		if change > learnMore {
			e.learnMore = true
			e.learnLess = false
		}
	}
}

func (e *Entry) SetCoeffTally(f float64) {
	e.CoeffTally = max(f, 1)
}

// LearnLess consumes the learn-less hint. Hints are rate limited by a cooldown shared with LearnMore.
func (e *Entry) LearnLess(now time.Time) bool {
	if !e.learnLess || now.Before(e.changeAfter) {
		return false
	}
	e.learnLess = false
	e.changeAfter = now.Add(state.LearnChangeCooldown)
	return true
}

func (e *Entry) LearnMore(now time.Time) bool {
	if !e.learnMore || now.Before(e.changeAfter) {
		return false
	}
	e.learnMore = false
	e.changeAfter = now.Add(state.LearnChangeCooldown)
	return true
}

// AddStrike records a QoS violation. The entry is blacklisted once it collects MaxStrikes.
func (e *Entry) AddStrike() {
	if e.Blacklisted {
		return
	}
	e.Strikes++
	if e.Strikes >= state.MaxStrikes {
		e.Blacklisted = true
	}
}

// DeductStrike forgives one violation, lifting the blacklist when none remain
func (e *Entry) DeductStrike() {
	if e.Strikes > 0 {
		e.Strikes--
	}
	if e.Strikes == 0 {
		e.Blacklisted = false
	}
}

// Judge counts one QoS sample. Violations in a row add strikes. A good sample breaks the run,
// or pays back a single strike once the entry is blacklisted.
func (e *Entry) Judge(violation bool) {
	switch {
	case violation:
		e.AddStrike()
	case e.Blacklisted:
		e.DeductStrike()
	default:
		e.Strikes = 0
	}
}

// usable entries may be picked by the selection policy
func (e *Entry) usable() bool {
	return !e.Unavailable && !e.Blacklisted
}

func (e *Entry) flag() string {
	switch {
	case e.HasConverged():
		return "(C) "
	case e.Blacklisted:
		return "(B) "
	case e.Unavailable:
		return "(U) "
	}
	return ""
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s%s %v", e.flag(), e.NextHop, e.Estimate)
}
