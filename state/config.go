package state

import (
	"net/netip"
	"time"

	"github.com/encodeous/qaodv/protocol"
)

// AodvCfg holds the route discovery tunables. Zero durations are derived by ExpandAodvConfig.
type AodvCfg struct {
	RreqRetries        int           `yaml:"rreq_retries"`    // maximum discovery attempts at full TTL
	TtlStart           uint8         `yaml:"ttl_start"`       // initial expanding ring TTL
	TtlIncrement       uint8         `yaml:"ttl_increment"`   // TTL added on each retry
	TtlThreshold       uint8         `yaml:"ttl_threshold"`   // beyond this TTL the full diameter is used
	TimeoutBuffer      uint8         `yaml:"timeout_buffer"`  // extra hops of slack in the retry timeout
	NetDiameter        uint8         `yaml:"net_diameter"`    // maximum hop count of the network
	RreqRateLimit      int           `yaml:"rreq_rate_limit"` // route requests per second
	RerrRateLimit      int           `yaml:"rerr_rate_limit"` // route errors per second
	ActiveRouteTimeout time.Duration `yaml:"active_route_timeout"`
	NodeTraversalTime  time.Duration `yaml:"node_traversal_time"`
	NetTraversalTime   time.Duration `yaml:"net_traversal_time,omitempty"`
	PathDiscoveryTime  time.Duration `yaml:"path_discovery_time,omitempty"`
	MyRouteTimeout     time.Duration `yaml:"my_route_timeout,omitempty"`
	HelloInterval      time.Duration `yaml:"hello_interval"`
	AllowedHelloLoss   int           `yaml:"allowed_hello_loss"`
	DeletePeriod       time.Duration `yaml:"delete_period,omitempty"`
	NextHopWait        time.Duration `yaml:"next_hop_wait,omitempty"`
	BlackListTimeout   time.Duration `yaml:"black_list_timeout,omitempty"`
	MaxQueueLen        int           `yaml:"max_queue_len"`
	MaxQueueTime       time.Duration `yaml:"max_queue_time"`
	DestinationOnly    bool          `yaml:"destination_only,omitempty"`
	GratuitousReply    bool          `yaml:"gratuitous_reply"`
	EnableHello        bool          `yaml:"enable_hello,omitempty"`
	EnableBroadcast    bool          `yaml:"enable_broadcast"` // forward broadcast data packets
}

// QLearnCfg holds the estimator tunables
type QLearnCfg struct {
	Enabled              bool          `yaml:"enabled"`
	Alpha                float64       `yaml:"alpha"`   // learning rate
	Gamma                float64       `yaml:"gamma"`   // discount on the next hop estimate
	Epsilon              float64       `yaml:"epsilon"` // exploration probability
	Rho                  float64       `yaml:"rho"`     // probability an intermediate node routes probes optimally
	ConvergenceThreshold float64       `yaml:"convergence_threshold"`
	LearnMoreThreshold   float64       `yaml:"learn_more_threshold"`
	MaxRetry             int           `yaml:"max_retry"` // times a packet may be routed before it becomes maintenance traffic
	LearningPhases       bool          `yaml:"learning_phases"`
	TagAllTraffic        bool          `yaml:"tag_all_traffic"` // request feedback for every packet this node originates
	QoS                  bool          `yaml:"qos"`             // apply traffic class penalties
	StatsWindow          time.Duration `yaml:"stats_window,omitempty"`
}

// PeerCfg binds an overlay neighbour to its underlay endpoint
type PeerCfg struct {
	Address  netip.Addr     `yaml:"address"`
	Endpoint netip.AddrPort `yaml:"endpoint"`
}

// FlowCfg describes generated traffic from this node
type FlowCfg struct {
	To       netip.Addr            `yaml:"to"`
	Class    protocol.TrafficClass `yaml:"class"`
	Interval time.Duration         `yaml:"interval"`
	Size     int                   `yaml:"size,omitempty"`
	Learning bool                  `yaml:"learning,omitempty"` // probe traffic used to train the estimator
	Start    time.Duration         `yaml:"start,omitempty"`
	Stop     time.Duration         `yaml:"stop,omitempty"`
}

// NodeCfg represents local node-level configuration
type NodeCfg struct {
	Id         string         `yaml:"id"`                   // unique name, used as the log prefix
	Address    netip.Addr     `yaml:"address"`              // overlay address of this node
	Bind       netip.AddrPort `yaml:"bind"`                 // underlay UDP socket
	Peers      []PeerCfg      `yaml:"peers,omitempty"`      // one-hop neighbours reachable on the underlay
	Flows      []FlowCfg      `yaml:"flows,omitempty"`      // traffic originated by this node
	LogPath    string         `yaml:"log_path,omitempty"`   // if not empty, logs are also written to this file
	DebugAddr  string         `yaml:"debug_addr,omitempty"` // if not empty, serves /debug/metrics and expvar
	TOS        int            `yaml:"tos,omitempty"`        // IP type of service set on the underlay socket
	Aodv       AodvCfg        `yaml:"aodv"`
	QLearn     QLearnCfg      `yaml:"qlearn"`
	RandomSeed uint64         `yaml:"seed,omitempty"`
}

// BaseAodvCfg returns the default base timers with every derived timer left unset,
// ready to be overlaid by a config file and then expanded
func BaseAodvCfg() AodvCfg {
	return AodvCfg{
		RreqRetries:        2,
		TtlStart:           1,
		TtlIncrement:       2,
		TtlThreshold:       7,
		TimeoutBuffer:      2,
		NetDiameter:        35,
		RreqRateLimit:      10,
		RerrRateLimit:      10,
		ActiveRouteTimeout: 3 * time.Second,
		NodeTraversalTime:  40 * time.Millisecond,
		HelloInterval:      time.Second,
		AllowedHelloLoss:   2,
		MaxQueueLen:        64,
		MaxQueueTime:       30 * time.Second,
		GratuitousReply:    true,
		EnableBroadcast:    true,
	}
}

func DefaultAodvCfg() AodvCfg {
	cfg := BaseAodvCfg()
	ExpandAodvConfig(&cfg)
	return cfg
}

// NewNodeCfg returns a node config holding every default, to be overlaid by a config file
func NewNodeCfg() NodeCfg {
	return NodeCfg{
		Aodv:   BaseAodvCfg(),
		QLearn: DefaultQLearnCfg(),
	}
}

func DefaultQLearnCfg() QLearnCfg {
	return QLearnCfg{
		Enabled:              false,
		Alpha:                0.5,
		Gamma:                0,
		Epsilon:              0.05,
		Rho:                  0.99,
		ConvergenceThreshold: 0.025,
		LearnMoreThreshold:   0.60,
		MaxRetry:             4,
		LearningPhases:       true,
		TagAllTraffic:        true,
		QoS:                  true,
		StatsWindow:          StatsWindow,
	}
}

// ExpandAodvConfig derives the timers that were left unset from the base timers
func ExpandAodvConfig(c *AodvCfg) {
	if c.NetTraversalTime == 0 {
		c.NetTraversalTime = 2 * time.Duration(c.NetDiameter) * c.NodeTraversalTime
	}
	if c.PathDiscoveryTime == 0 {
		c.PathDiscoveryTime = 2 * c.NetTraversalTime
	}
	if c.MyRouteTimeout == 0 {
		c.MyRouteTimeout = 2 * max(c.PathDiscoveryTime, c.ActiveRouteTimeout)
	}
	if c.DeletePeriod == 0 {
		c.DeletePeriod = 5 * max(c.ActiveRouteTimeout, c.HelloInterval)
	}
	if c.NextHopWait == 0 {
		c.NextHopWait = c.NodeTraversalTime + 10*time.Millisecond
	}
	if c.BlackListTimeout == 0 {
		c.BlackListTimeout = time.Duration(c.RreqRetries) * c.NetTraversalTime
	}
}

// ExpandNodeConfig fills in defaults for everything the config file left out
func ExpandNodeConfig(c *NodeCfg) {
	if c.Aodv == (AodvCfg{}) {
		c.Aodv = DefaultAodvCfg()
	} else {
		ExpandAodvConfig(&c.Aodv)
	}
	if c.QLearn.Alpha == 0 && c.QLearn.Epsilon == 0 && c.QLearn.Rho == 0 {
		enabled := c.QLearn.Enabled
		c.QLearn = DefaultQLearnCfg()
		c.QLearn.Enabled = enabled
	}
	if c.QLearn.StatsWindow == 0 {
		c.QLearn.StatsWindow = StatsWindow
	}
	if !c.Bind.IsValid() {
		c.Bind = netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(DefaultPort))
	}
	for i := range c.Flows {
		if c.Flows[i].Size == 0 {
			c.Flows[i].Size = 64
		}
	}
}
