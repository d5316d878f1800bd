package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"slices"
	"time"

	"github.com/encodeous/qaodv/aodv"
	"github.com/encodeous/qaodv/protocol"
	"github.com/encodeous/qaodv/qroute"
	"github.com/encodeous/qaodv/state"
	"github.com/google/uuid"
)

// Epoch is the virtual time every simulation starts at
var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Node is one simulated router. It is the transport of its own protocol instances.
type Node struct {
	Name    string
	Addr    netip.Addr
	Proto   *aodv.Protocol
	Learner *qroute.Learner

	net      *Network
	log      *slog.Logger
	flows    []*flow
	control  map[string]int
	nextHops map[netip.Addr]map[netip.Addr]int
	phases   int
}

func (n *Node) Send(to netip.Addr, port uint16, b []byte) {
	n.net.unicast(n, to, port, b)
}

func (n *Node) Broadcast(port uint16, b []byte) {
	n.net.broadcast(n, port, b)
}

func (n *Node) Deliver(pkt *protocol.Data) {
	n.net.delivered(n, pkt)
}

func (n *Node) Drop(pkt *protocol.Data, reason error) {
	n.net.dropped(pkt, reason)
}

// receive hands a frame that arrived over a link to the right protocol
func (n *Node) receive(from netip.Addr, port uint16, b []byte) {
	switch port {
	case state.AodvPort:
		if err := n.Proto.HandleControl(b, from); err != nil {
			n.log.Debug("control message rejected", "from", from, "err", err)
		}
	case state.FeedbackPort:
		if n.Learner == nil {
			return
		}
		if err := n.Learner.HandleFeedback(b, from); err != nil {
			n.log.Debug("feedback rejected", "from", from, "err", err)
		}
	case state.DataPort:
		env, err := protocol.Unmarshal(b)
		if err != nil {
			n.log.Debug("data packet rejected", "from", from, "err", err)
			return
		}
		pkt, ok := env.Msg.(*protocol.Data)
		if !ok {
			n.log.Debug("unexpected message on the data port", "from", from, "type", env.Msg.Type())
			return
		}
		n.Proto.RouteInput(pkt, from)
	default:
		n.log.Warn("frame for unknown port", "port", port)
	}
}

// advice scales the rate of our probe flows towards dst
func (n *Node) advice(dst netip.Addr, factor float64) {
	for _, f := range n.flows {
		if f.to == dst && f.cfg.Learning {
			f.scale(factor)
		}
	}
}

func (n *Node) count(b []byte) {
	env, err := protocol.Unmarshal(b)
	if err != nil {
		return
	}
	n.control[env.Msg.Type().String()]++
}

type flightRecord struct {
	flow   *flow
	sentAt time.Time
}

// Network is a set of nodes joined by virtual links, driven by one virtual clock.
// Everything runs on the goroutine that calls Run.
type Network struct {
	clock *state.VirtualClock
	rng   *rand.Rand
	ids   *rand.ChaCha8
	log   *slog.Logger
	seed  uint64

	nodes  map[netip.Addr]*Node
	order  []*Node
	links  []*VirtualLink
	flows  []*flow
	flight map[uuid.UUID]flightRecord

	linkFailures int
	wireLoss     int
}

func NewNetwork(seed uint64, log *slog.Logger) *Network {
	if log == nil {
		log = slog.Default()
	}
	var idSeed [32]byte
	binary.LittleEndian.PutUint64(idSeed[:], seed)
	return &Network{
		clock:  state.NewVirtualClock(Epoch),
		rng:    rand.New(rand.NewPCG(seed, 0x51ed)),
		ids:    rand.NewChaCha8(idSeed),
		log:    log,
		seed:   seed,
		nodes:  make(map[netip.Addr]*Node),
		flight: make(map[uuid.UUID]flightRecord),
	}
}

func (nw *Network) Clock() *state.VirtualClock {
	return nw.clock
}

// Elapsed is the virtual time since the simulation started
func (nw *Network) Elapsed() time.Duration {
	return nw.clock.Now().Sub(Epoch)
}

// AddNode creates a router. A learner is attached when qcfg is enabled.
func (nw *Network) AddNode(name string, addr netip.Addr, acfg state.AodvCfg, qcfg state.QLearnCfg) (*Node, error) {
	if _, ok := nw.nodes[addr]; ok {
		return nil, fmt.Errorf("duplicate node address %s", addr)
	}
	idx := uint64(len(nw.order) + 1)
	n := &Node{
		Name:     name,
		Addr:     addr,
		net:      nw,
		log:      nw.log.With("node", name),
		control:  make(map[string]int),
		nextHops: make(map[netip.Addr]map[netip.Addr]int),
	}
	opts := []aodv.Option{
		aodv.WithRand(rand.New(rand.NewPCG(nw.seed, idx))),
		aodv.WithLogger(n.log),
	}
	if qcfg.Enabled {
		n.Learner = qroute.New(addr, qcfg, nw.clock, n,
			qroute.WithRand(rand.New(rand.NewPCG(nw.seed, idx<<32))),
			qroute.WithLogger(n.log),
			qroute.WithAdvice(n.advice),
			qroute.WithPhaseChange(func(dst netip.Addr, learning bool) {
				n.phases++
				n.log.Info("learning phase", "dst", dst, "learning", learning)
			}),
		)
		opts = append(opts, aodv.WithEstimator(n.Learner))
	}
	n.Proto = aodv.New(addr, acfg, nw.clock, n, opts...)
	if n.Learner != nil {
		n.Learner.AttachDiscovery(n.Proto)
	}
	nw.nodes[addr] = n
	nw.order = append(nw.order, n)
	return n, nil
}

func (nw *Network) Node(addr netip.Addr) (*Node, bool) {
	n, ok := nw.nodes[addr]
	return n, ok
}

func (nw *Network) Nodes() []*Node {
	return slices.Clone(nw.order)
}

// AddLink joins a and b, returning the existing link if they already are
func (nw *Network) AddLink(a, b netip.Addr) *VirtualLink {
	if l := nw.Link(a, b); l != nil {
		return l
	}
	l := &VirtualLink{A: a, B: b}
	nw.links = append(nw.links, l)
	return l
}

func (nw *Network) Link(a, b netip.Addr) *VirtualLink {
	for _, l := range nw.links {
		if l.connects(a, b) {
			return l
		}
	}
	return nil
}

// Start brings every node up
func (nw *Network) Start() {
	for _, n := range nw.order {
		n.Proto.Start()
	}
}

// Stop brings every node down, dropping whatever is still queued
func (nw *Network) Stop() {
	for _, n := range nw.order {
		n.Proto.Stop()
	}
}

// RunUntil processes every event up to elapsed virtual time since Epoch
func (nw *Network) RunUntil(elapsed time.Duration) {
	nw.clock.RunUntil(Epoch.Add(elapsed))
}

// At schedules fn at elapsed virtual time since Epoch
func (nw *Network) At(elapsed time.Duration, fn func()) {
	nw.clock.Schedule(Epoch.Add(elapsed).Sub(nw.clock.Now()), fn)
}

func (nw *Network) unicast(from *Node, to netip.Addr, port uint16, b []byte) {
	if port == state.DataPort {
		if env, err := protocol.Unmarshal(b); err == nil {
			if pkt, ok := env.Msg.(*protocol.Data); ok {
				usage := from.nextHops[pkt.Dst]
				if usage == nil {
					usage = make(map[netip.Addr]int)
					from.nextHops[pkt.Dst] = usage
				}
				usage[to]++
			}
		}
	} else {
		from.count(b)
	}
	l := nw.Link(from.Addr, to)
	dst, ok := nw.nodes[to]
	if l == nil || l.Down || !ok {
		nw.linkFailures++
		nw.clock.Schedule(state.LinkFailureDetectDelay, func() {
			from.Proto.LinkFailure(to)
		})
		return
	}
	nw.transmit(l, from, dst, port, b)
}

func (nw *Network) broadcast(from *Node, port uint16, b []byte) {
	if port != state.DataPort {
		from.count(b)
	}
	for _, l := range nw.links {
		if l.Down || (l.A != from.Addr && l.B != from.Addr) {
			continue
		}
		if dst, ok := nw.nodes[l.Other(from.Addr)]; ok {
			nw.transmit(l, from, dst, port, b)
		}
	}
}

func (nw *Network) transmit(l *VirtualLink, from, to *Node, port uint16, b []byte) {
	if l.lost(nw.rng) {
		nw.wireLoss++
		return
	}
	nw.clock.Schedule(l.delay(nw.rng), func() {
		if l.Down {
			nw.wireLoss++
			return
		}
		to.receive(from.Addr, port, b)
	})
}

// newId draws packet ids from the seeded stream so runs are reproducible
func (nw *Network) newId() uuid.UUID {
	id, err := uuid.NewRandomFromReader(nw.ids)
	if err != nil {
		panic(err)
	}
	return id
}

func (nw *Network) track(pkt *protocol.Data, f *flow) {
	nw.flight[pkt.Id] = flightRecord{flow: f, sentAt: nw.clock.Now()}
}

func (nw *Network) delivered(at *Node, pkt *protocol.Data) {
	rec, ok := nw.flight[pkt.Id]
	if !ok || rec.flow.to != at.Addr {
		return
	}
	delete(nw.flight, pkt.Id)
	rec.flow.delivered++
	rec.flow.delay += nw.clock.Now().Sub(rec.sentAt)
}

func (nw *Network) dropped(pkt *protocol.Data, reason error) {
	rec, ok := nw.flight[pkt.Id]
	if !ok {
		return
	}
	delete(nw.flight, pkt.Id)
	rec.flow.dropped++
	rec.flow.drops[dropReason(reason)]++
}

// dropReason names the sentinel behind reason
func dropReason(reason error) string {
	for _, s := range []error{
		aodv.ErrDiscoveryFailed,
		aodv.ErrQueueTimeout,
		aodv.ErrNoRouteToHost,
		aodv.ErrQueueFull,
		aodv.ErrTTLExpired,
		aodv.ErrEstimatorDrop,
		aodv.ErrDuplicate,
		aodv.ErrInterfaceDown,
	} {
		if errors.Is(reason, s) {
			return s.Error()
		}
	}
	if reason == nil {
		return "unknown"
	}
	return reason.Error()
}
