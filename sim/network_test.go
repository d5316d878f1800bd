package sim

import (
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/encodeous/qaodv/aodv"
	"github.com/encodeous/qaodv/protocol"
	"github.com/encodeous/qaodv/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	addrA = netip.MustParseAddr("10.0.0.1")
	addrB = netip.MustParseAddr("10.0.0.2")
	addrC = netip.MustParseAddr("10.0.0.3")
	addrD = netip.MustParseAddr("10.0.0.4")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func chainScenario() *Scenario {
	return &Scenario{
		Seed:     3,
		Duration: 10 * time.Second,
		Aodv:     state.DefaultAodvCfg(),
		QLearn:   state.DefaultQLearnCfg(),
		Nodes: []NodeSpec{
			{Name: "a", Address: addrA},
			{Name: "b", Address: addrB},
			{Name: "c", Address: addrC},
		},
		Links: []LinkSpec{
			{A: "a", B: "b", Latency: 10 * time.Millisecond},
			{A: "b", B: "c", Latency: 10 * time.Millisecond},
		},
		Flows: []FlowSpec{
			{From: "a", To: "c", Interval: 100 * time.Millisecond, Size: 64},
		},
	}
}

func TestChainDiscovery(t *testing.T) {
	s := chainScenario()
	require.NoError(t, s.Validate())
	nw, err := Build(s, discardLogger())
	require.NoError(t, err)
	t.Cleanup(nw.Stop)

	nw.RunUntil(s.Duration)
	r := nw.Report()

	a, ok := r.Node("a")
	require.True(t, ok)
	// the first ring only reaches b, the second finds c
	assert.Equal(t, 2, a.Aodv.RequestsSent)
	assert.Zero(t, a.Aodv.DiscoveryFailures)
	assert.Equal(t, 2, r.Control[protocol.TypeRouteReply.String()])

	a1, _ := nw.Node(addrA)
	route, ok := a1.Proto.Table().LookupValid(addrC, nw.Clock().Now())
	require.True(t, ok)
	assert.Equal(t, addrB, route.NextHop)
	assert.Equal(t, uint8(2), route.Hops)

	require.Len(t, r.Flows, 1)
	f := r.Flows[0]
	assert.Zero(t, f.Dropped)
	assert.GreaterOrEqual(t, f.Delivered, f.Sent-1)
	assert.Equal(t, map[netip.Addr]int{addrB: f.Sent}, r.NextHopUsage("a", addrC))
	assert.Equal(t, map[netip.Addr]int{addrC: f.Delivered}, r.NextHopUsage("b", addrC))
	assert.Contains(t, r.String(), "a -> 10.0.0.3")
}

func TestChainLinkBreak(t *testing.T) {
	jitter := state.JitterMax
	state.JitterMax = 0
	t.Cleanup(func() { state.JitterMax = jitter })

	s := chainScenario()
	s.Duration = 30 * time.Second
	s.Events = []EventSpec{{At: 10*time.Second + 50*time.Millisecond, Action: LinkDown, A: "b", B: "c"}}
	nw, err := Build(s, discardLogger())
	require.NoError(t, err)
	t.Cleanup(nw.Stop)

	nw.RunUntil(10 * time.Second)
	before := nw.Report()
	beforeA, _ := before.Node("a")
	beforeB, _ := before.Node("b")
	require.Zero(t, before.Flows[0].Dropped)

	nw.RunUntil(10*time.Second + 50*time.Millisecond + s.Aodv.PathDiscoveryTime)
	after := nw.Report()
	afterA, _ := after.Node("a")
	afterB, _ := after.Node("b")

	// one break, one route error
	assert.Equal(t, 1, afterB.Aodv.ErrorsSent-beforeB.Aodv.ErrorsSent)
	rerr := protocol.TypeRouteError.String()
	assert.Equal(t, 1, after.Control[rerr]-before.Control[rerr])
	assert.Greater(t, afterA.Aodv.RequestsSent, beforeA.Aodv.RequestsSent)
	assert.Positive(t, after.LinkFailures)

	a, _ := nw.Node(addrA)
	_, ok := a.Proto.Table().LookupValid(addrC, nw.Clock().Now())
	assert.False(t, ok)

	// c stays unreachable, so discovery eventually gives up on the queued packets
	nw.RunUntil(s.Duration)
	final := nw.Report()
	assert.Positive(t, final.Flows[0].Dropped)
	assert.Less(t, final.Flows[0].Delivered, final.Flows[0].Sent)
}

func diamondScenario() *Scenario {
	acfg := state.DefaultAodvCfg()
	acfg.EnableHello = true
	qcfg := state.DefaultQLearnCfg()
	qcfg.Enabled = true
	return &Scenario{
		Seed:     11,
		Duration: 60 * time.Second,
		Aodv:     acfg,
		QLearn:   qcfg,
		Nodes: []NodeSpec{
			{Name: "a", Address: addrA},
			{Name: "b", Address: addrB},
			{Name: "c", Address: addrC},
			{Name: "d", Address: addrD},
		},
		Links: []LinkSpec{
			{A: "a", B: "b", Latency: 10 * time.Millisecond},
			{A: "b", B: "d", Latency: 10 * time.Millisecond},
			{A: "a", B: "c", Latency: 30 * time.Millisecond},
			{A: "c", B: "d", Latency: 30 * time.Millisecond},
		},
		Flows: []FlowSpec{
			{From: "a", To: "d", Interval: 50 * time.Millisecond, Size: 64},
			{From: "a", To: "d", Interval: 200 * time.Millisecond, Size: 64, Learning: true},
		},
		Events: []EventSpec{
			{At: 20 * time.Second, Action: SetLatency, A: "a", B: "b", Latency: 100 * time.Millisecond},
		},
	}
}

// share returns the fraction of packets sent through nh between two snapshots
func share(before, after *Report, node string, dst, nh netip.Addr) float64 {
	total, via := 0, 0
	for hop, n := range after.NextHopUsage(node, dst) {
		d := n - before.NextHopUsage(node, dst)[hop]
		total += d
		if hop == nh {
			via += d
		}
	}
	if total == 0 {
		return 0
	}
	return float64(via) / float64(total)
}

func TestLearnerPrefersFasterPath(t *testing.T) {
	s := diamondScenario()
	require.NoError(t, s.Validate())
	nw, err := Build(s, discardLogger())
	require.NoError(t, err)
	t.Cleanup(nw.Stop)

	nw.RunUntil(10 * time.Second)
	r10 := nw.Report()
	nw.RunUntil(20 * time.Second)
	r20 := nw.Report()
	assert.Greater(t, share(r10, r20, "a", addrD, addrB), 0.5)

	nw.RunUntil(45 * time.Second)
	r45 := nw.Report()
	nw.RunUntil(60 * time.Second)
	r60 := nw.Report()
	assert.Greater(t, share(r45, r60, "a", addrD, addrC), 0.5)

	a, _ := nw.Node(addrA)
	tb := a.Learner.Table(protocol.ClassOther)
	viaB, ok := tb.Entry(addrD, addrB)
	require.True(t, ok)
	viaC, ok := tb.Entry(addrD, addrC)
	require.True(t, ok)
	assert.Greater(t, viaB.Estimate, viaC.Estimate)

	an, _ := r60.Node("a")
	require.NotNil(t, an.Learner)
	assert.Positive(t, an.Learner.FeedbackReceived)
	assert.Positive(t, an.PhaseChanges)

	data := r60.Flows[0]
	assert.Greater(t, data.Delivered, data.Sent*9/10)
}

func TestSameSeedSameOutcome(t *testing.T) {
	run := func() *Report {
		s := diamondScenario()
		s.Duration = 15 * time.Second
		r, err := s.Run(discardLogger())
		require.NoError(t, err)
		return r
	}
	first, second := run(), run()
	assert.Equal(t, first.Flows, second.Flows)
	assert.Equal(t, first.Control, second.Control)
	assert.Equal(t, first.NextHopUsage("a", addrD), second.NextHopUsage("a", addrD))
}

func TestUnicastOverMissingLink(t *testing.T) {
	nw := NewNetwork(1, discardLogger())
	a, err := nw.AddNode("a", addrA, state.DefaultAodvCfg(), state.DefaultQLearnCfg())
	require.NoError(t, err)
	_, err = nw.AddNode("dup", addrA, state.DefaultAodvCfg(), state.DefaultQLearnCfg())
	assert.Error(t, err)
	nw.Start()
	t.Cleanup(nw.Stop)

	a.Send(addrB, state.DataPort, protocol.Marshal(1, &protocol.Data{Src: addrA, Dst: addrB, TTL: 1}))
	nw.RunUntil(time.Second)
	assert.Equal(t, 1, nw.Report().LinkFailures)
	assert.Equal(t, map[netip.Addr]int{addrB: 1}, nw.Report().NextHopUsage("a", addrB))
}

func TestDropReason(t *testing.T) {
	assert.Equal(t, aodv.ErrQueueTimeout.Error(), dropReason(aodv.ErrQueueTimeout))
	assert.Equal(t, "unknown", dropReason(nil))
}
