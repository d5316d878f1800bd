package core

import (
	"context"
	"errors"
	"hash/fnv"
	"maps"
	"math/rand/v2"
	"net/http"
	"net/netip"
	"time"

	"github.com/encodeous/qaodv/aodv"
	"github.com/encodeous/qaodv/protocol"
	"github.com/encodeous/qaodv/qroute"
	"github.com/encodeous/qaodv/state"
)

// Node runs the route discovery protocol and, when enabled, the estimator over a UDP underlay
type Node struct {
	env     *state.Env
	tr      *UDPTransport
	Proto   *aodv.Protocol
	Learner *qroute.Learner
	flows   []*generator
	debug   *http.Server

	delivered int
	dropped   map[string]int
}

func (n *Node) Init(s *state.State) error {
	n.env = s.Env
	n.dropped = make(map[string]int)
	log := s.Log.With("module", "node")

	tr, err := NewUDPTransport(s.Env, s.Bind, s.TOS, n.receive)
	if err != nil {
		return err
	}
	n.tr = tr
	for _, peer := range s.Peers {
		tr.AddPeer(peer.Address, peer.Endpoint)
	}
	log.Info("listening", "bind", tr.LocalAddr(), "peers", len(s.Peers))

	opts := []aodv.Option{
		aodv.WithRand(nodeRand(s.RandomSeed, s.Address, 0)),
		aodv.WithLogger(s.Log.With("module", "aodv")),
	}
	if s.QLearn.Enabled {
		n.Learner = qroute.New(s.Address, s.QLearn, s.Env, n,
			qroute.WithRand(nodeRand(s.RandomSeed, s.Address, 1)),
			qroute.WithLogger(s.Log.With("module", "qroute")),
			qroute.WithAdvice(n.advice),
			qroute.WithPhaseChange(func(dst netip.Addr, learning bool) {
				log.Info("learning phase", "dst", dst, "learning", learning)
			}),
		)
		opts = append(opts, aodv.WithEstimator(n.Learner))
	}
	n.Proto = aodv.New(s.Address, s.Aodv, s.Env, n, opts...)
	if n.Learner != nil {
		n.Learner.AttachDiscovery(n.Proto)
	}
	n.Proto.Start()

	for _, cfg := range s.Flows {
		g := newGenerator(n, cfg)
		n.flows = append(n.flows, g)
		if n.Learner != nil {
			n.Learner.AddFlow(cfg.To, cfg.Class)
		}
		g.start()
	}

	if s.DebugAddr != "" {
		n.debug = &http.Server{Addr: s.DebugAddr, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := n.debug.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("debug server stopped", "err", err)
			}
		}()
		log.Info("serving metrics", "addr", s.DebugAddr)
	}
	return nil
}

func (n *Node) Cleanup(s *state.State) error {
	for _, g := range n.flows {
		g.stop()
	}
	if n.Proto != nil {
		n.Proto.Stop()
	}
	var errs []error
	if n.debug != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		errs = append(errs, n.debug.Shutdown(ctx))
	}
	if n.tr != nil {
		errs = append(errs, n.tr.Close())
	}
	return errors.Join(errs...)
}

// nodeRand derives the random stream of one component. A zero seed gives a random stream.
func nodeRand(seed uint64, addr netip.Addr, stream uint64) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	h := fnv.New64a()
	b := addr.As4()
	_, _ = h.Write(b[:])
	return rand.New(rand.NewPCG(seed, h.Sum64()+stream))
}

func (n *Node) Transport() *UDPTransport {
	return n.tr
}

// Delivered counts data packets that reached this node as their destination
func (n *Node) Delivered() int {
	return n.delivered
}

// Dropped counts data packets dropped at this node, keyed by reason
func (n *Node) Dropped() map[string]int {
	return maps.Clone(n.dropped)
}

func (n *Node) Send(to netip.Addr, port uint16, b []byte) {
	if err := n.tr.Send(to, port, b); err != nil {
		n.env.Log.Debug("unicast failed", "to", to, "err", err)
		n.env.Schedule(state.LinkFailureDetectDelay, func() {
			n.Proto.LinkFailure(to)
		})
	}
}

func (n *Node) Broadcast(port uint16, b []byte) {
	n.tr.Broadcast(port, b)
}

func (n *Node) Deliver(pkt *protocol.Data) {
	n.delivered++
	n.env.Log.Debug("packet delivered", "src", pkt.Src, "id", pkt.Id, "class", pkt.Class, "size", len(pkt.Payload))
}

func (n *Node) Drop(pkt *protocol.Data, reason error) {
	key := "unknown"
	if reason != nil {
		key = reason.Error()
	}
	n.dropped[key]++
}

func (n *Node) receive(from netip.Addr, port uint16, b []byte) {
	switch port {
	case state.AodvPort:
		if err := n.Proto.HandleControl(b, from); err != nil {
			n.env.Log.Debug("control message rejected", "from", from, "err", err)
		}
	case state.FeedbackPort:
		if n.Learner == nil {
			return
		}
		if err := n.Learner.HandleFeedback(b, from); err != nil {
			n.env.Log.Debug("feedback rejected", "from", from, "err", err)
		}
	case state.DataPort:
		env, err := protocol.Unmarshal(b)
		if err != nil {
			n.env.Log.Debug("data packet rejected", "from", from, "err", err)
			return
		}
		pkt, ok := env.Msg.(*protocol.Data)
		if !ok {
			n.env.Log.Debug("unexpected message on the data port", "from", from, "type", env.Msg.Type())
			return
		}
		n.Proto.RouteInput(pkt, from)
	default:
		n.env.Log.Debug("frame for unknown port", "from", from, "port", port)
	}
}

func (n *Node) advice(dst netip.Addr, factor float64) {
	for _, g := range n.flows {
		if g.cfg.To == dst && g.cfg.Learning {
			g.scale(factor)
		}
	}
}
