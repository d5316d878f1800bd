package qroute

import (
	"net/netip"
	"testing"
	"time"

	"github.com/encodeous/qaodv/state"
	"github.com/stretchr/testify/assert"
)

var (
	addrA = netip.MustParseAddr("10.0.0.1")
	addrB = netip.MustParseAddr("10.0.0.2")
	addrC = netip.MustParseAddr("10.0.0.3")
	addrD = netip.MustParseAddr("10.0.0.4")
	addrX = netip.MustParseAddr("10.0.0.99")
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestEntryConvergence(t *testing.T) {
	e := newEntry(addrB, 10*time.Millisecond)
	e.SetValue(20*time.Millisecond, 0.025, 0.6)
	assert.False(t, e.Converged)

	e.SetValue(20100*time.Microsecond, 0.025, 0.6)
	assert.True(t, e.Converged)
	assert.False(t, e.HasConverged(), "the sender has not converged yet")
	e.SenderConverged = true
	assert.True(t, e.HasConverged())
	e.Unavailable = true
	assert.False(t, e.HasConverged())
	e.Unavailable = false

	// a moderate change only unconverges
	e.SetValue(22*time.Millisecond, 0.025, 0.6)
	assert.False(t, e.Converged)
	assert.False(t, e.learnMore)
}

func TestEntryLearnHintsCooldown(t *testing.T) {
	e := newEntry(addrB, 10*time.Millisecond)
	e.SetValue(10*time.Millisecond, 0.025, 0.6)
	assert.True(t, e.LearnLess(testEpoch))
	assert.False(t, e.LearnLess(testEpoch), "hints are consumed")

	e.SetValue(30*time.Millisecond, 0.025, 0.6)
	assert.False(t, e.Converged)
	assert.False(t, e.LearnMore(testEpoch.Add(time.Second)), "cooling down")
	assert.True(t, e.LearnMore(testEpoch.Add(state.LearnChangeCooldown)))
}

func TestEntryBlacklistHysteresis(t *testing.T) {
	e := newEntry(addrB, time.Millisecond)
	for range state.MaxStrikes - 1 {
		e.AddStrike()
	}
	assert.False(t, e.Blacklisted)
	e.AddStrike()
	assert.True(t, e.Blacklisted)

	// strikes stop counting once blacklisted
	e.AddStrike()
	assert.Equal(t, state.MaxStrikes, e.Strikes)

	for range state.MaxStrikes - 1 {
		e.DeductStrike()
		assert.True(t, e.Blacklisted)
	}
	e.DeductStrike()
	assert.False(t, e.Blacklisted)
	assert.Equal(t, 0, e.Strikes)

	e.DeductStrike()
	assert.Equal(t, 0, e.Strikes)
}

func TestEntryJudge(t *testing.T) {
	e := newEntry(addrB, time.Millisecond)
	for range state.MaxStrikes - 1 {
		e.Judge(true)
	}
	e.Judge(false)
	assert.Equal(t, 0, e.Strikes, "a good sample breaks the run")
	for range state.MaxStrikes - 1 {
		e.Judge(true)
	}
	assert.False(t, e.Blacklisted)
	e.Judge(true)
	assert.True(t, e.Blacklisted)

	for range state.MaxStrikes - 1 {
		e.Judge(false)
		assert.True(t, e.Blacklisted)
	}
	e.Judge(false)
	assert.False(t, e.Blacklisted)
	assert.Equal(t, 0, e.Strikes)
}

func TestEntryCoeffTallyFloor(t *testing.T) {
	e := newEntry(addrB, time.Millisecond)
	e.SetCoeffTally(0.3)
	assert.Equal(t, 1.0, e.CoeffTally)
	e.SetCoeffTally(4)
	assert.Equal(t, 4.0, e.CoeffTally)
}
