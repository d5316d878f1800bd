package state

import (
	"net/netip"
	"testing"
	"time"

	"github.com/encodeous/qaodv/protocol"
	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultAodvTimers(t *testing.T) {
	cfg := DefaultAodvCfg()
	assert.Equal(t, 2800*time.Millisecond, cfg.NetTraversalTime)
	assert.Equal(t, 5600*time.Millisecond, cfg.PathDiscoveryTime)
	assert.Equal(t, 11200*time.Millisecond, cfg.MyRouteTimeout)
	assert.Equal(t, 15*time.Second, cfg.DeletePeriod)
	assert.Equal(t, 50*time.Millisecond, cfg.NextHopWait)
	assert.Equal(t, 5600*time.Millisecond, cfg.BlackListTimeout)
}

func TestExpandKeepsExplicitTimers(t *testing.T) {
	cfg := AodvCfg{NetDiameter: 10, NodeTraversalTime: 10 * time.Millisecond, PathDiscoveryTime: time.Second}
	ExpandAodvConfig(&cfg)
	assert.Equal(t, 200*time.Millisecond, cfg.NetTraversalTime)
	assert.Equal(t, time.Second, cfg.PathDiscoveryTime)
}

func TestParseNodeConfig(t *testing.T) {
	raw := `
id: relay-1
address: 10.0.0.2
bind: 0.0.0.0:6002
peers:
  - address: 10.0.0.1
    endpoint: 127.0.0.1:6001
flows:
  - to: 10.0.0.3
    class: video
    interval: 200ms
qlearn:
  enabled: true
`
	var cfg NodeCfg
	require.NoError(t, yaml.Unmarshal([]byte(raw), &cfg))
	ExpandNodeConfig(&cfg)
	require.NoError(t, NodeConfigValidator(&cfg))

	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), cfg.Address)
	assert.Equal(t, protocol.ClassB, cfg.Flows[0].Class)
	assert.Equal(t, 200*time.Millisecond, cfg.Flows[0].Interval)
	assert.Equal(t, 64, cfg.Flows[0].Size)
	assert.True(t, cfg.QLearn.Enabled)
	assert.Equal(t, 0.5, cfg.QLearn.Alpha)
	assert.Equal(t, DefaultAodvCfg(), cfg.Aodv)
}
