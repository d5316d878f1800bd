package sim

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/encodeous/qaodv/protocol"
	"github.com/encodeous/qaodv/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const diamondYAML = `
seed: 7
duration: 30s
qlearn:
  enabled: true
  alpha: 0.5
  epsilon: 0.05
  rho: 0.99
  convergence_threshold: 0.025
  learn_more_threshold: 0.6
nodes:
  - name: a
    address: 10.0.0.1
  - name: b
    address: 10.0.0.2
  - name: c
    address: 10.0.0.3
  - name: d
    address: 10.0.0.4
links:
  - {a: a, b: b, latency: 10ms}
  - {a: b, b: d, latency: 10ms}
  - {a: a, b: c, latency: 30ms, jitter: 2ms}
  - {a: c, b: d, latency: 30ms, loss: 0.01}
flows:
  - from: a
    to: d
    class: video
    interval: 50ms
  - from: a
    to: d
    class: video
    interval: 200ms
    learning: true
events:
  - {at: 20s, action: set_latency, a: a, b: b, latency: 100ms}
  - {at: 25s, action: link_down, a: c, b: d}
`

func TestParseScenario(t *testing.T) {
	s, err := ParseScenario([]byte(diamondYAML))
	require.NoError(t, err)

	assert.Equal(t, uint64(7), s.Seed)
	assert.Equal(t, 30*time.Second, s.Duration)
	assert.True(t, s.QLearn.Enabled)
	require.Len(t, s.Nodes, 4)
	assert.Equal(t, netip.MustParseAddr("10.0.0.4"), s.Nodes[3].Address)

	require.Len(t, s.Links, 4)
	assert.Equal(t, 2*time.Millisecond, s.Links[2].Jitter)
	assert.Equal(t, 0.01, s.Links[3].Loss)

	require.Len(t, s.Flows, 2)
	assert.Equal(t, protocol.ClassB, s.Flows[0].Class)
	assert.Equal(t, 64, s.Flows[0].Size)
	assert.True(t, s.Flows[1].Learning)

	require.Len(t, s.Events, 2)
	assert.Equal(t, SetLatency, s.Events[0].Action)
	assert.Equal(t, 100*time.Millisecond, s.Events[0].Latency)
	assert.Equal(t, LinkDown, s.Events[1].Action)
}

func TestParseScenarioDefaults(t *testing.T) {
	s, err := ParseScenario([]byte(`
nodes:
  - name: solo
    address: 10.1.0.1
`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Seed)
	assert.Equal(t, time.Minute, s.Duration)
	assert.Equal(t, state.DefaultAodvCfg(), s.Aodv)
	assert.False(t, s.QLearn.Enabled)
}

func TestScenarioValidation(t *testing.T) {
	base := func() *Scenario {
		return &Scenario{
			Seed:     1,
			Duration: time.Second,
			Aodv:     state.DefaultAodvCfg(),
			QLearn:   state.DefaultQLearnCfg(),
			Nodes: []NodeSpec{
				{Name: "a", Address: netip.MustParseAddr("10.0.0.1")},
				{Name: "b", Address: netip.MustParseAddr("10.0.0.2")},
			},
			Links: []LinkSpec{{A: "a", B: "b", Latency: time.Millisecond}},
		}
	}
	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(s *Scenario)
		errMsg string
	}{
		{"no duration", func(s *Scenario) { s.Duration = 0 }, "duration"},
		{"bad name", func(s *Scenario) { s.Nodes[0].Name = "Node A" }, "not a valid name"},
		{"ipv6 node", func(s *Scenario) { s.Nodes[1].Address = netip.MustParseAddr("fd00::1") }, "IPv4"},
		{"duplicate name", func(s *Scenario) { s.Nodes[1].Name = "a" }, "duplicate node a"},
		{"duplicate address", func(s *Scenario) { s.Nodes[1].Address = s.Nodes[0].Address }, "duplicate node address"},
		{"unknown link end", func(s *Scenario) { s.Links[0].B = "z" }, "unknown node z"},
		{"self link", func(s *Scenario) { s.Links[0].B = "a" }, "to itself"},
		{"loss out of range", func(s *Scenario) { s.Links[0].Loss = 1.5 }, "within [0, 1]"},
		{"flow without interval", func(s *Scenario) {
			s.Flows = []FlowSpec{{From: "a", To: "b"}}
		}, "positive interval"},
		{"flow stops early", func(s *Scenario) {
			s.Flows = []FlowSpec{{From: "a", To: "b", Interval: time.Second, Start: 2 * time.Second, Stop: time.Second}}
		}, "stops before it starts"},
		{"event on missing link", func(s *Scenario) {
			s.Nodes = append(s.Nodes, NodeSpec{Name: "c", Address: netip.MustParseAddr("10.0.0.3")})
			s.Events = []EventSpec{{Action: LinkDown, A: "a", B: "c"}}
		}, "no link between a and c"},
		{"unknown action", func(s *Scenario) {
			s.Events = []EventSpec{{Action: "explode", A: "a", B: "b"}}
		}, "unknown event action"},
		{"bad alpha", func(s *Scenario) { s.QLearn.Alpha = 2 }, "alpha"},
		{"bad ttl", func(s *Scenario) { s.Aodv.TtlStart = 0 }, "ttl_start"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base()
			tt.mutate(s)
			err := s.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diamond.yaml")
	require.NoError(t, os.WriteFile(path, []byte(diamondYAML), 0o600))
	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Len(t, s.Nodes, 4)

	_, err = LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBuildAppliesEvents(t *testing.T) {
	s, err := ParseScenario([]byte(diamondYAML))
	require.NoError(t, err)
	nw, err := Build(s, discardLogger())
	require.NoError(t, err)
	t.Cleanup(nw.Stop)

	ab := nw.Link(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"))
	cd := nw.Link(netip.MustParseAddr("10.0.0.4"), netip.MustParseAddr("10.0.0.3"))
	require.NotNil(t, ab)
	require.NotNil(t, cd)
	assert.Equal(t, 10*time.Millisecond, ab.Latency)

	nw.RunUntil(21 * time.Second)
	assert.Equal(t, 100*time.Millisecond, ab.Latency)
	assert.False(t, cd.Down)

	nw.RunUntil(26 * time.Second)
	assert.True(t, cd.Down)
}
