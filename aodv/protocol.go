package aodv

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/encodeous/qaodv/perf"
	"github.com/encodeous/qaodv/protocol"
	"github.com/encodeous/qaodv/state"
)

// Transport is what the protocol needs from the node it runs on
type Transport interface {
	// Send unicasts b to the one-hop neighbour to
	Send(to netip.Addr, port uint16, b []byte)
	// Broadcast sends b to every one-hop neighbour
	Broadcast(port uint16, b []byte)
	// Deliver hands a data packet addressed to this node to the application
	Deliver(pkt *protocol.Data)
	// Drop reports a data packet that will never be delivered
	Drop(pkt *protocol.Data, reason error)
}

// Estimator picks next hops from observed per-link performance. All methods
// are called on the protocol's event loop.
type Estimator interface {
	AddNeighbour(nb netip.Addr)
	NotifyLinkDown(nb netip.Addr)
	// AddDestination registers dst, seeding the estimate through via with t.
	// An invalid via seeds every neighbour equally.
	AddDestination(via, dst netip.Addr, t time.Duration) error
	KnowsDestination(dst netip.Addr) bool
	// ChangeValuesFromZero biases an untrained destination towards nextHop
	ChangeValuesFromZero(dst, nextHop netip.Addr)
	// PrepareOutput is called for every data packet originated by this node
	PrepareOutput(pkt *protocol.Data)
	// Observe is called for every unicast data packet received from the previous hop.
	// It returns false if the packet must not travel further.
	Observe(pkt *protocol.Data, from netip.Addr) bool
	// Route returns the next hop for pkt. gateway is the route discovery next hop,
	// invalid when discovery has no usable route. state.NoNeighboursReachable means no neighbour can be used.
	Route(pkt *protocol.Data, gateway netip.Addr) (netip.Addr, error)
}

type Option func(*Protocol)

func WithEstimator(e Estimator) Option {
	return func(p *Protocol) {
		p.est = e
	}
}

func WithRand(r *rand.Rand) Option {
	return func(p *Protocol) {
		p.rng = r
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Protocol) {
		p.log = l
	}
}

type Stats struct {
	RequestsSent      int
	RequestsForwarded int
	RepliesSent       int
	RepliesForwarded  int
	ErrorsSent        int
	AcksSent          int
	HellosSent        int
	DataSent          int
	DataForwarded     int
	DataDelivered     int
	DataDropped       int
	DiscoveryFailures int
}

// Protocol is the route discovery state machine of a single node. It is not
// safe for concurrent use; every entry point and every timer must run on one goroutine.
type Protocol struct {
	self  netip.Addr
	cfg   state.AodvCfg
	clock state.Clock
	tr    Transport
	est   Estimator
	rng   *rand.Rand
	log   *slog.Logger

	rt        *RoutingTable
	nbs       *Neighbors
	idCache   *IdCache
	dpd       *DuplicatePacketDetector
	queue     *PacketQueue
	rreqLimit *rateLimiter
	rerrLimit *rateLimiter

	seqno     uint32
	requestId uint32
	// requestTimers holds the single pending discovery timer of each destination
	requestTimers map[netip.Addr]*state.Timer
	searchStarted map[netip.Addr]time.Time
	ackTimers     map[netip.Addr]*state.Timer
	helloTimer    *state.Timer
	gcTimer       *state.Timer
	lastBcast     time.Time
	up            bool
	stats         Stats
}

func New(self netip.Addr, cfg state.AodvCfg, clock state.Clock, tr Transport, opts ...Option) *Protocol {
	state.ExpandAodvConfig(&cfg)
	p := &Protocol{
		self:          self,
		cfg:           cfg,
		clock:         clock,
		tr:            tr,
		rt:            NewRoutingTable(cfg.DeletePeriod),
		nbs:           NewNeighbors(),
		idCache:       NewIdCache(cfg.PathDiscoveryTime),
		dpd:           NewDuplicatePacketDetector(cfg.PathDiscoveryTime),
		rreqLimit:     newRateLimiter(cfg.RreqRateLimit),
		rerrLimit:     newRateLimiter(cfg.RerrRateLimit),
		requestTimers: make(map[netip.Addr]*state.Timer),
		searchStarted: make(map[netip.Addr]time.Time),
		ackTimers:     make(map[netip.Addr]*state.Timer),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.queue = NewPacketQueue(cfg.MaxQueueLen, cfg.MaxQueueTime, p.dropData)
	return p
}

func (p *Protocol) Self() netip.Addr {
	return p.self
}

func (p *Protocol) Config() state.AodvCfg {
	return p.cfg
}

func (p *Protocol) Table() *RoutingTable {
	return p.rt
}

func (p *Protocol) Queue() *PacketQueue {
	return p.queue
}

func (p *Protocol) Stats() Stats {
	return p.stats
}

// Seqno returns the node's own destination sequence number
func (p *Protocol) Seqno() uint32 {
	return p.seqno
}

// Searching reports whether a discovery for dst is in progress
func (p *Protocol) Searching(dst netip.Addr) bool {
	return p.requestTimers[dst].Active()
}

func (p *Protocol) Log(event RouterEvent, desc string, args ...any) {
	msg := fmt.Sprintf("%s %s", event.String(), desc)
	if event.IsWarning() {
		p.log.Warn(msg, args...)
	} else {
		p.log.Debug(msg, args...)
	}
}

// Start brings the interface up and starts the periodic tasks
func (p *Protocol) Start() {
	p.InterfaceUp()
}

// Stop brings the interface down, dropping every queued packet
func (p *Protocol) Stop() {
	p.InterfaceDown()
}

func (p *Protocol) InterfaceUp() {
	if p.up {
		return
	}
	p.up = true
	p.gcTimer = p.clock.Schedule(state.GcDelay, p.gcTick)
	if p.cfg.EnableHello {
		p.helloTimer = p.clock.Schedule(p.jitter(), p.helloTick)
	}
}

func (p *Protocol) InterfaceDown() {
	if !p.up {
		return
	}
	p.up = false
	p.helloTimer.Cancel()
	p.gcTimer.Cancel()
	for dst, t := range p.requestTimers {
		t.Cancel()
		delete(p.requestTimers, dst)
	}
	for nb, t := range p.ackTimers {
		t.Cancel()
		delete(p.ackTimers, nb)
	}
	clear(p.searchStarted)
	if p.est != nil {
		for _, e := range p.rt.All() {
			if e.Hops == 1 {
				p.est.NotifyLinkDown(e.Dst)
			}
		}
	}
	p.rt.Clear()
	p.nbs.Clear()
	p.queue.Clear(ErrInterfaceDown)
}

func (p *Protocol) jitter() time.Duration {
	if state.JitterMax <= 0 {
		return 0
	}
	return time.Duration(p.rng.Int64N(int64(state.JitterMax)))
}

func (p *Protocol) dropData(pkt *protocol.Data, reason error) {
	p.stats.DataDropped++
	perf.DataDroppedPerSecond.Add(1)
	p.Log(PacketDropped, "data packet dropped", "id", pkt.Id, "src", pkt.Src, "dst", pkt.Dst, "reason", reason)
	p.tr.Drop(pkt, reason)
}

func (p *Protocol) sendControl(to netip.Addr, ttl uint8, msg protocol.Message) {
	b := protocol.Marshal(ttl, msg)
	perf.ControlSentPerSecond.Add(1)
	perf.SentBytesPerSecond.Add(float64(len(b)))
	p.tr.Send(to, state.AodvPort, b)
}

func (p *Protocol) broadcastControl(ttl uint8, msg protocol.Message) {
	b := protocol.Marshal(ttl, msg)
	perf.ControlSentPerSecond.Add(1)
	perf.SentBytesPerSecond.Add(float64(len(b)))
	p.lastBcast = p.clock.Now()
	p.tr.Broadcast(state.AodvPort, b)
}

// later runs fn after delay unless the interface went down in the meantime
func (p *Protocol) later(delay time.Duration, fn func()) *state.Timer {
	return p.clock.Schedule(delay, func() {
		if p.up {
			fn()
		}
	})
}

// HandleControl processes a route discovery message received from the one-hop neighbour sender
func (p *Protocol) HandleControl(b []byte, sender netip.Addr) error {
	if !p.up {
		return ErrInterfaceDown
	}
	if sender == p.self {
		return nil
	}
	env, err := protocol.Unmarshal(b)
	if err != nil {
		p.Log(MalformedMessage, "dropping control message", "sender", sender, "err", err)
		return err
	}
	perf.ControlRecvPerSecond.Add(1)
	perf.RecvBytesPerSecond.Add(float64(len(b)))
	switch msg := env.Msg.(type) {
	case *protocol.RouteRequest:
		p.updateRouteToNeighbor(sender)
		p.recvRequest(msg, sender, env.TTL)
	case *protocol.RouteReply:
		p.updateRouteToNeighbor(sender)
		p.recvReply(msg, sender, env.TTL)
	case *protocol.RouteError:
		p.updateRouteToNeighbor(sender)
		p.recvError(msg, sender)
	case *protocol.RouteReplyAck:
		p.updateRouteToNeighbor(sender)
		p.recvReplyAck(sender)
	default:
		p.Log(MalformedMessage, "unexpected message on the control port", "sender", sender, "type", env.Msg.Type())
		return fmt.Errorf("%w: %s on the control port", protocol.ErrMalformed, env.Msg.Type())
	}
	return nil
}

// LinkFailure is raised by the transport when a unicast towards nb could not be delivered
func (p *Protocol) LinkFailure(nb netip.Addr) {
	if !p.up {
		return
	}
	p.Log(LinkBroken, "link layer failure", "neighbour", nb)
	if !p.cfg.EnableHello {
		p.LinkBreak(nb)
		return
	}
	p.nbs.MarkClose(nb)
	p.purgeNeighbours()
}

func (p *Protocol) purgeNeighbours() {
	for _, nb := range p.nbs.Purge(p.clock.Now()) {
		p.LinkBreak(nb)
	}
}

func (p *Protocol) touchNeighbour(nb netip.Addr, lifetime time.Duration) {
	if p.cfg.EnableHello && nb.IsValid() {
		p.nbs.Update(nb, lifetime, p.clock.Now())
	}
}

func (p *Protocol) estimatorError(op string, err error, args ...any) {
	if err == nil {
		return
	}
	p.Log(EstimatorContractViolation, op, append(args, "err", err)...)
}

func (p *Protocol) gcTick() {
	if !p.up {
		return
	}
	now := p.clock.Now()
	invalidated, deleted := p.rt.Purge(now)
	for _, dst := range invalidated {
		p.Log(RouteInvalidated, "route expired", "dst", dst)
	}
	for _, dst := range deleted {
		p.Log(RouteDeleted, "route removed", "dst", dst)
	}
	p.idCache.Purge(now)
	p.dpd.Purge(now)
	p.queue.purge(now)
	perf.RouteTableSize.Add(float64(p.rt.Len()))
	perf.PacketQueueOccupation.Add(float64(p.queue.Len()))
	p.gcTimer = p.clock.Schedule(state.GcDelay, p.gcTick)
}

func (p *Protocol) helloTick() {
	if !p.up {
		return
	}
	now := p.clock.Now()
	if p.lastBcast.IsZero() || now.Sub(p.lastBcast) >= p.cfg.HelloInterval {
		p.sendHello()
	}
	p.purgeNeighbours()
	p.helloTimer = p.clock.Schedule(p.cfg.HelloInterval+p.jitter(), p.helloTick)
}

func (p *Protocol) sendHello() {
	hello := &protocol.RouteReply{
		Dst:      p.self,
		DstSeqno: p.seqno,
		Origin:   p.self,
		Lifetime: time.Duration(p.cfg.AllowedHelloLoss) * p.cfg.HelloInterval,
		SentAt:   p.clock.Now(),
	}
	p.stats.HellosSent++
	p.broadcastControl(1, hello)
}
