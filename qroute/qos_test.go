package qroute

import (
	"testing"
	"time"

	"github.com/encodeous/qaodv/protocol"
	"github.com/encodeous/qaodv/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPenalty(t *testing.T) {
	cases := []struct {
		name   string
		class  protocol.TrafficClass
		delay  time.Duration
		jitter time.Duration
		loss   float64
		want   float64
	}{
		{"within bounds", protocol.ClassC, 10 * time.Millisecond, time.Millisecond, 0.95, 1},
		{"unknown loss", protocol.ClassA, 0, 0, 0, 1},
		{"slow", protocol.ClassC, time.Second, 0, 0, 3},
		{"jittery", protocol.ClassC, 0, 500 * time.Millisecond, 0, 3},
		{"lossy", protocol.ClassC, 0, 0, 0.5, 8},
		{"barely lossy", protocol.ClassC, 0, 0, 0.75, 4},
		{"voice loss", protocol.ClassA, 0, 0, 0.99, 12.5},
		{"everything", protocol.ClassB, 250 * time.Millisecond, 150 * time.Millisecond, 0.97, 36},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.InDelta(t, c.want, Penalty(c.class.Requirements(), c.delay, c.jitter, c.loss), 1e-9)
		})
	}
}

func strikeEntry(t *testing.T) (*Learner, *Entry) {
	l, _, _ := newTestLearner(t, addrA, func(cfg *state.QLearnCfg) {
		cfg.QoS = true
	})
	l.AddNeighbour(addrB)
	require.NoError(t, l.AddDestination(addrB, addrD, 10*time.Millisecond))
	e, ok := l.Table(protocol.ClassC).Entry(addrD, addrB)
	require.True(t, ok)
	return l, e
}

func TestApplyMetricsStrikes(t *testing.T) {
	l, e := strikeEntry(t)
	slow := func() { l.ApplyMetrics(addrD, addrB, 10*time.Millisecond, protocol.ClassC, time.Second, 0, 0) }
	fast := func() { l.ApplyMetrics(addrD, addrB, 10*time.Millisecond, protocol.ClassC, 10*time.Millisecond, 0, 0) }

	slow()
	assert.Equal(t, 30*time.Millisecond, e.Estimate)
	assert.Equal(t, 3.0, e.CoeffTally)
	assert.Equal(t, 1, e.Strikes)

	for i := 1; i < state.MaxStrikes; i++ {
		assert.False(t, e.Blacklisted)
		slow()
		assert.Equal(t, i+1, e.Strikes)
	}
	assert.True(t, e.Blacklisted)
	assert.True(t, l.Table(protocol.ClassC).AllBlacklisted(addrD))

	// good samples pay the strikes back while the penalty decays
	fast()
	assert.Equal(t, 20*time.Millisecond, e.Estimate)
	assert.Equal(t, 2.0, e.CoeffTally)
	assert.Equal(t, state.MaxStrikes-1, e.Strikes)
	assert.True(t, e.Blacklisted)
	for range state.MaxStrikes - 1 {
		fast()
	}
	assert.False(t, e.Blacklisted)
	assert.Equal(t, 0, e.Strikes)
}

func TestApplyMetricsInterleavedSuccess(t *testing.T) {
	l, e := strikeEntry(t)
	for _, violation := range []bool{true, true, true, false, true, true, true} {
		delay := 10 * time.Millisecond
		if violation {
			delay = time.Second
		}
		l.ApplyMetrics(addrD, addrB, 10*time.Millisecond, protocol.ClassC, delay, 0, 0)
	}
	assert.Equal(t, 3, e.Strikes)
	assert.False(t, e.Blacklisted)
	assert.False(t, l.Table(protocol.ClassC).AllBlacklisted(addrD))
}

func TestApplyMetricsCap(t *testing.T) {
	l, _, _ := newTestLearner(t, addrA, func(cfg *state.QLearnCfg) {
		cfg.QoS = true
	})
	l.AddNeighbour(addrB)
	require.NoError(t, l.AddDestination(addrB, addrD, 80*time.Second))
	l.ApplyMetrics(addrD, addrB, 80*time.Second, protocol.ClassA, time.Hour, 0, 0)
	e, _ := l.Table(protocol.ClassA).Entry(addrD, addrB)
	assert.Equal(t, state.QValueCap, e.Estimate)
}

func TestJitterOf(t *testing.T) {
	assert.Equal(t, time.Duration(0), jitterOf(0, 5*time.Millisecond))
	assert.Equal(t, 3*time.Millisecond, jitterOf(8*time.Millisecond, 5*time.Millisecond))
	assert.Equal(t, 3*time.Millisecond, jitterOf(5*time.Millisecond, 8*time.Millisecond))
}
