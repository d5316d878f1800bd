package sim

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"slices"
	"time"

	"github.com/encodeous/qaodv/protocol"
	"github.com/encodeous/qaodv/state"
	"github.com/goccy/go-yaml"
)

type NodeSpec struct {
	Name    string     `yaml:"name"`
	Address netip.Addr `yaml:"address"`
}

type LinkSpec struct {
	A       string        `yaml:"a"`
	B       string        `yaml:"b"`
	Latency time.Duration `yaml:"latency"`
	Jitter  time.Duration `yaml:"jitter,omitempty"`
	Loss    float64       `yaml:"loss,omitempty"`
	Down    bool          `yaml:"down,omitempty"`
}

type FlowSpec struct {
	From     string                `yaml:"from"`
	To       string                `yaml:"to"`
	Class    protocol.TrafficClass `yaml:"class,omitempty"`
	Interval time.Duration         `yaml:"interval"`
	Size     int                   `yaml:"size,omitempty"`
	Learning bool                  `yaml:"learning,omitempty"`
	Start    time.Duration         `yaml:"start,omitempty"`
	Stop     time.Duration         `yaml:"stop,omitempty"`
}

type EventAction string

const (
	LinkDown   EventAction = "link_down"
	LinkUp     EventAction = "link_up"
	SetLatency EventAction = "set_latency"
	SetLoss    EventAction = "set_loss"
)

type EventSpec struct {
	At      time.Duration `yaml:"at"`
	Action  EventAction   `yaml:"action"`
	A       string        `yaml:"a"`
	B       string        `yaml:"b"`
	Latency time.Duration `yaml:"latency,omitempty"`
	Jitter  time.Duration `yaml:"jitter,omitempty"`
	Loss    float64       `yaml:"loss,omitempty"`
}

// Scenario is a reproducible experiment: a topology, the traffic over it and scheduled link changes
type Scenario struct {
	Seed     uint64          `yaml:"seed"`
	Duration time.Duration   `yaml:"duration"`
	Aodv     state.AodvCfg   `yaml:"aodv"`
	QLearn   state.QLearnCfg `yaml:"qlearn"`
	Nodes    []NodeSpec      `yaml:"nodes"`
	Links    []LinkSpec      `yaml:"links"`
	Flows    []FlowSpec      `yaml:"flows,omitempty"`
	Events   []EventSpec     `yaml:"events,omitempty"`
}

// ParseScenario decodes a scenario, filling in defaults for everything it leaves out
func ParseScenario(b []byte) (*Scenario, error) {
	s := &Scenario{
		Seed:     1,
		Duration: time.Minute,
		Aodv:     state.BaseAodvCfg(),
		QLearn:   state.DefaultQLearnCfg(),
	}
	if err := yaml.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	state.ExpandAodvConfig(&s.Aodv)
	for i := range s.Flows {
		if s.Flows[i].Size == 0 {
			s.Flows[i].Size = 64
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func LoadScenario(path string) (*Scenario, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseScenario(b)
}

func (s *Scenario) node(name string) (NodeSpec, bool) {
	idx := slices.IndexFunc(s.Nodes, func(n NodeSpec) bool { return n.Name == name })
	if idx < 0 {
		return NodeSpec{}, false
	}
	return s.Nodes[idx], true
}

func (s *Scenario) Validate() error {
	if s.Duration <= 0 {
		return errors.New("duration must be positive")
	}
	if len(s.Nodes) == 0 {
		return errors.New("a scenario needs at least one node")
	}
	if err := state.AodvConfigValidator(&s.Aodv); err != nil {
		return err
	}
	if err := state.QLearnConfigValidator(&s.QLearn); err != nil {
		return err
	}
	names := make(map[string]struct{})
	addrs := make(map[netip.Addr]struct{})
	for _, n := range s.Nodes {
		if err := state.NameValidator(n.Name); err != nil {
			return err
		}
		if !n.Address.Is4() {
			return fmt.Errorf("node %s must have an IPv4 address", n.Name)
		}
		if _, ok := names[n.Name]; ok {
			return fmt.Errorf("duplicate node %s", n.Name)
		}
		if _, ok := addrs[n.Address]; ok {
			return fmt.Errorf("duplicate node address %s", n.Address)
		}
		names[n.Name] = struct{}{}
		addrs[n.Address] = struct{}{}
	}
	endpoints := func(what, a, b string) error {
		if _, ok := names[a]; !ok {
			return fmt.Errorf("%s references unknown node %s", what, a)
		}
		if _, ok := names[b]; !ok {
			return fmt.Errorf("%s references unknown node %s", what, b)
		}
		if a == b {
			return fmt.Errorf("%s connects %s to itself", what, a)
		}
		return nil
	}
	for _, l := range s.Links {
		if err := endpoints("link", l.A, l.B); err != nil {
			return err
		}
		if l.Latency < 0 || l.Jitter < 0 {
			return fmt.Errorf("link %s-%s has a negative latency", l.A, l.B)
		}
		if l.Loss < 0 || l.Loss > 1 {
			return fmt.Errorf("link %s-%s loss %v must be within [0, 1]", l.A, l.B, l.Loss)
		}
	}
	for _, f := range s.Flows {
		if err := endpoints("flow", f.From, f.To); err != nil {
			return err
		}
		if f.Interval <= 0 {
			return fmt.Errorf("flow %s->%s must have a positive interval", f.From, f.To)
		}
		if f.Stop != 0 && f.Stop <= f.Start {
			return fmt.Errorf("flow %s->%s stops before it starts", f.From, f.To)
		}
	}
	for _, e := range s.Events {
		if err := endpoints(string(e.Action), e.A, e.B); err != nil {
			return err
		}
		if !slices.ContainsFunc(s.Links, func(l LinkSpec) bool {
			return (l.A == e.A && l.B == e.B) || (l.A == e.B && l.B == e.A)
		}) {
			return fmt.Errorf("%s at %v: no link between %s and %s", e.Action, e.At, e.A, e.B)
		}
		switch e.Action {
		case LinkDown, LinkUp, SetLatency:
		case SetLoss:
			if e.Loss < 0 || e.Loss > 1 {
				return fmt.Errorf("set_loss at %v: loss %v must be within [0, 1]", e.At, e.Loss)
			}
		default:
			return fmt.Errorf("unknown event action %q", e.Action)
		}
	}
	return nil
}

// Build creates and starts the network described by s
func Build(s *Scenario, log *slog.Logger) (*Network, error) {
	nw := NewNetwork(s.Seed, log)
	for _, ns := range s.Nodes {
		if _, err := nw.AddNode(ns.Name, ns.Address, s.Aodv, s.QLearn); err != nil {
			return nil, err
		}
	}
	addr := func(name string) netip.Addr {
		n, _ := s.node(name)
		return n.Address
	}
	for _, ls := range s.Links {
		l := nw.AddLink(addr(ls.A), addr(ls.B)).WithLatency(ls.Latency, ls.Jitter).WithPacketLoss(ls.Loss)
		l.Down = ls.Down
	}
	for _, fs := range s.Flows {
		src, _ := nw.Node(addr(fs.From))
		nw.AddFlow(src, state.FlowCfg{
			To:       addr(fs.To),
			Class:    fs.Class,
			Interval: fs.Interval,
			Size:     fs.Size,
			Learning: fs.Learning,
			Start:    fs.Start,
			Stop:     fs.Stop,
		})
	}
	for _, es := range s.Events {
		l := nw.Link(addr(es.A), addr(es.B))
		nw.At(es.At, func() {
			nw.log.Info("link event", "action", es.Action, "a", es.A, "b", es.B)
			switch es.Action {
			case LinkDown:
				l.Down = true
			case LinkUp:
				l.Down = false
			case SetLatency:
				l.WithLatency(es.Latency, es.Jitter)
			case SetLoss:
				l.WithPacketLoss(es.Loss)
			}
		})
	}
	nw.Start()
	return nw, nil
}

// Run simulates the scenario for its whole duration and reports the outcome
func (s *Scenario) Run(log *slog.Logger) (*Report, error) {
	nw, err := Build(s, log)
	if err != nil {
		return nil, err
	}
	nw.RunUntil(s.Duration)
	r := nw.Report()
	nw.Stop()
	return r, nil
}
