package qroute

import (
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"net/netip"
	"slices"
	"time"

	"github.com/encodeous/qaodv/aodv"
	"github.com/encodeous/qaodv/perf"
	"github.com/encodeous/qaodv/protocol"
	"github.com/encodeous/qaodv/state"
)

// Sender delivers feedback to a one-hop neighbour. aodv.Transport satisfies it.
type Sender interface {
	Send(to netip.Addr, port uint16, b []byte)
}

// Discovery is the part of the route discovery layer the learner may trigger
type Discovery interface {
	RequestRoute(dst netip.Addr)
}

type Option func(*Learner)

func WithRand(r *rand.Rand) Option {
	return func(l *Learner) {
		l.rng = r
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(l *Learner) {
		l.log = log
	}
}

// WithAdvice registers a callback asking the traffic generator towards dst to scale its probe rate by factor
func WithAdvice(fn func(dst netip.Addr, factor float64)) Option {
	return func(l *Learner) {
		l.onAdvice = fn
	}
}

// WithPhaseChange registers a callback invoked when dst enters or leaves its learning phase
func WithPhaseChange(fn func(dst netip.Addr, learning bool)) Option {
	return func(l *Learner) {
		l.onPhase = fn
	}
}

type Stats struct {
	FeedbackSent     int
	FeedbackReceived int
	Explorations     int
	Exploitations    int
	ProbesDropped    int
	Maintenance      int
}

// Learner is a Q-routing next hop estimator with one Table per traffic class.
// Like aodv.Protocol, it must only be used from a single goroutine.
type Learner struct {
	self  netip.Addr
	cfg   state.QLearnCfg
	clock state.Clock
	tr    Sender
	disc  Discovery
	rng   *rand.Rand
	log   *slog.Logger

	tables  map[protocol.TrafficClass]*Table
	packets *PacketTable
	sent    *packetWindow
	recv    *packetWindow
	// last usable travel time measured from each previous hop
	travelBackup map[netip.Addr]time.Duration

	// destinations this node originates traffic for
	flows    map[netip.Addr]protocol.TrafficClass
	learning map[netip.Addr]bool
	onAdvice func(dst netip.Addr, factor float64)
	onPhase  func(dst netip.Addr, learning bool)
	stats    Stats
}

var _ aodv.Estimator = (*Learner)(nil)

func New(self netip.Addr, cfg state.QLearnCfg, clock state.Clock, tr Sender, opts ...Option) *Learner {
	if cfg.StatsWindow == 0 {
		cfg.StatsWindow = state.StatsWindow
	}
	l := &Learner{
		self:         self,
		cfg:          cfg,
		clock:        clock,
		tr:           tr,
		tables:       make(map[protocol.TrafficClass]*Table),
		packets:      NewPacketTable(state.PacketTableSize),
		sent:         newPacketWindow(cfg.StatsWindow),
		recv:         newPacketWindow(cfg.StatsWindow),
		travelBackup: make(map[netip.Addr]time.Duration),
		flows:        make(map[netip.Addr]protocol.TrafficClass),
		learning:     make(map[netip.Addr]bool),
	}
	for _, c := range protocol.Classes {
		l.tables[c] = NewTable(self, cfg)
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.rng == nil {
		l.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	return l
}

// AttachDiscovery lets the learner start route discoveries for destinations it learns about from data traffic
func (l *Learner) AttachDiscovery(d Discovery) {
	l.disc = d
}

func (l *Learner) Table(c protocol.TrafficClass) *Table {
	return l.tables[c.Table()]
}

func (l *Learner) Stats() Stats {
	return l.stats
}

func (l *Learner) Packets() *PacketTable {
	return l.packets
}

// AddFlow declares that this node originates traffic of class towards dst.
// With learning phases enabled, dst starts in its learning phase.
func (l *Learner) AddFlow(dst netip.Addr, class protocol.TrafficClass) {
	l.flows[dst] = class.Table()
	if l.cfg.LearningPhases {
		l.setLearning(dst, true)
	}
}

func (l *Learner) InLearningPhase(dst netip.Addr) bool {
	return l.cfg.LearningPhases && l.learning[dst]
}

func (l *Learner) setLearning(dst netip.Addr, on bool) {
	if l.learning[dst] == on {
		return
	}
	l.learning[dst] = on
	l.log.Debug("learning phase changed", "dst", dst, "learning", on)
	if l.onPhase != nil {
		l.onPhase(dst, on)
	}
}

func (l *Learner) AddNeighbour(nb netip.Addr) {
	for _, t := range l.tables {
		t.AddNeighbour(nb)
	}
}

// NotifyLinkDown excludes nb everywhere. Our flows whose best estimate is no longer trusted start learning again.
func (l *Learner) NotifyLinkDown(nb netip.Addr) {
	l.log.Debug("neighbour down", "neighbour", nb)
	for _, t := range l.tables {
		t.MarkNeighbourDown(nb)
		t.Unconverge()
	}
	if !l.cfg.LearningPhases {
		return
	}
	for _, dst := range slices.SortedFunc(maps.Keys(l.flows), netip.Addr.Compare) {
		if !l.learning[dst] && !l.tables[l.flows[dst]].HasConverged(dst, true) {
			l.setLearning(dst, true)
		}
	}
}

func (l *Learner) AddDestination(via, dst netip.Addr, t time.Duration) error {
	if !dst.IsValid() {
		return fmt.Errorf("invalid destination %v", dst)
	}
	if dst == l.self {
		return nil
	}
	for _, tb := range l.tables {
		if via.IsValid() {
			tb.AddNeighbour(via)
		}
		tb.AddDestination(via, dst, t)
	}
	return nil
}

func (l *Learner) KnowsDestination(dst netip.Addr) bool {
	return l.tables[protocol.ClassC].KnowsDestination(dst)
}

func (l *Learner) ChangeValuesFromZero(dst, nextHop netip.Addr) {
	for _, t := range l.tables {
		t.ChangeValuesFromZero(dst, nextHop)
	}
}

// PrepareOutput tags packets originated by this node that should be answered with feedback
func (l *Learner) PrepareOutput(pkt *protocol.Data) {
	now := l.clock.Now()
	l.packets.Arrive(pkt.Id, now)
	learning := l.InLearningPhase(pkt.Dst)
	if pkt.Learning || (learning && l.cfg.TagAllTraffic) {
		pkt.Q = &protocol.QInfo{
			SentAt:  now,
			PrevHop: l.self,
			// only probes may be discarded once the destination has converged
			Maint:       !learning || !pkt.Learning,
			UsableDelay: true,
		}
		return
	}
	pkt.Q = nil
}

// Observe handles a data packet arriving from the previous hop, answering tagged packets with feedback.
// It returns false for probes that have nothing left to teach.
func (l *Learner) Observe(pkt *protocol.Data, from netip.Addr) bool {
	now := l.clock.Now()
	seen := l.packets.Arrive(pkt.Id, now)
	if !pkt.Learning {
		l.recv.Add(from, pkt.Dst, now)
	}
	q := pkt.Q
	if q == nil {
		return true
	}
	t := l.Table(pkt.Class)
	retag := func() {
		pkt.Q = &protocol.QInfo{
			SentAt:      now,
			PrevHop:     l.self,
			Maint:       q.Maint,
			UsableDelay: q.UsableDelay && seen <= 1,
		}
	}

	switch {
	case pkt.Dst == l.self:
		l.sendFeedback(q.PrevHop, pkt, l.travelTime(q), true)
	case pkt.Src == l.self:
		l.sendFeedback(q.PrevHop, pkt, l.travelTime(q), t.HasConverged(pkt.Dst, true))
		retag()
	default:
		if !l.KnowsDestination(pkt.Dst) {
			if err := l.AddDestination(q.PrevHop, pkt.Dst, state.UnknownDestinationCost); err != nil {
				l.log.Warn("cannot register destination", "dst", pkt.Dst, "err", err)
			}
			if l.disc != nil {
				l.disc.RequestRoute(pkt.Dst)
			}
		}
		converged := t.HasConverged(pkt.Dst, true)
		l.sendFeedback(q.PrevHop, pkt, l.travelTime(q), converged)
		if converged && l.cfg.LearningPhases && !q.Maint {
			pkt.Q = nil
			l.stats.ProbesDropped++
			return false
		}
		retag()
	}
	return true
}

// travelTime measures how long the packet took from the previous hop. Samples
// that are not usable fall back to the last good one from the same hop.
func (l *Learner) travelTime(q *protocol.QInfo) time.Duration {
	if !q.UsableDelay {
		return l.travelBackup[q.PrevHop]
	}
	d := max(l.clock.Now().Sub(q.SentAt), 0)
	l.travelBackup[q.PrevHop] = d
	return d
}

func (l *Learner) sendFeedback(to netip.Addr, pkt *protocol.Data, travel time.Duration, senderConverged bool) {
	if !to.IsValid() || to == l.self || !l.packets.MarkFeedback(pkt.Id, to) {
		return
	}
	now := l.clock.Now()
	t := l.Table(pkt.Class)
	fb := &protocol.Feedback{
		PacketId:        pkt.Id,
		Dst:             pkt.Dst,
		Class:           pkt.Class,
		Travel:          travel,
		Received:        uint32(l.recv.Count(to, pkt.Dst, now)),
		SenderConverged: senderConverged,
		SentAt:          now,
	}
	if pkt.Dst != l.self {
		best, err := t.Best(pkt.Dst, netip.Addr{})
		switch {
		case err != nil:
			fb.NextEstimate = state.UnknownDestinationCost
		case t.AllBlacklisted(pkt.Dst):
			fb.NextEstimate = state.AllBlacklistedEstimate
		default:
			fb.NextEstimate = best.Estimate
			fb.RealDelay = best.RealDelay
			if best.NextHop != state.NoNeighboursReachable {
				fb.RealLoss = best.RealLoss
			}
		}
	}
	l.stats.FeedbackSent++
	l.tr.Send(to, state.FeedbackPort, protocol.Marshal(1, fb))
}

// HandleFeedback processes a feedback message received from the one-hop neighbour sender
func (l *Learner) HandleFeedback(b []byte, sender netip.Addr) error {
	env, err := protocol.Unmarshal(b)
	if err != nil {
		l.log.Debug("dropping feedback", "sender", sender, "err", err)
		return err
	}
	fb, ok := env.Msg.(*protocol.Feedback)
	if !ok {
		return fmt.Errorf("%w: %s on the feedback port", protocol.ErrMalformed, env.Msg.Type())
	}
	perf.FeedbackPerSecond.Add(1)
	l.stats.FeedbackReceived++
	return l.receive(fb, sender)
}

func (l *Learner) receive(fb *protocol.Feedback, sender netip.Addr) error {
	if sender == l.self || fb.Dst == l.self {
		return nil
	}
	class := fb.Class.Table()
	t := l.tables[class]
	dst := fb.Dst
	queue := l.packets.QueueTime(fb.PacketId)
	if err := l.AddDestination(sender, dst, fb.Travel); err != nil {
		return err
	}

	if l.cfg.QoS {
		e, ok := t.Entry(dst, sender)
		if !ok {
			return fmt.Errorf("%w: %s via %s", ErrUnknownDestination, dst, sender)
		}
		delay := fb.RealDelay + fb.Travel
		jitter := jitterOf(e.RealDelay, delay)
		loss := l.lossThrough(fb, sender)
		for _, tb := range l.tables {
			if e, ok := tb.Entry(dst, sender); ok {
				e.RealDelay = delay
				if loss != 0 {
					e.RealLoss = loss
				}
			}
		}
		v, err := t.NextValue(sender, dst, queue, fb.Travel, fb.NextEstimate)
		if err != nil {
			return err
		}
		l.ApplyMetrics(dst, sender, v, class, delay, jitter, e.RealLoss)
	} else if err := t.Update(sender, dst, queue, fb.Travel, fb.NextEstimate); err != nil {
		return err
	}
	if dst != sender {
		if err := t.Update(sender, sender, queue, fb.Travel, 0); err != nil {
			return err
		}
	}
	for _, tb := range l.tables {
		if e, ok := tb.Entry(dst, sender); ok {
			e.SenderConverged = fb.SenderConverged
		}
	}

	if l.InLearningPhase(dst) && (t.HasConverged(dst, false) || t.HasConverged(dst, true)) {
		l.setLearning(dst, false)
	}
	more := t.LearnMore(dst, l.clock.Now())
	less := t.LearnLess(dst, l.clock.Now())
	if _, ours := l.flows[dst]; ours && l.cfg.LearningPhases && !l.learning[dst] && l.onAdvice != nil {
		switch {
		case more:
			l.onAdvice(dst, state.LearningRateIncrease)
		case less:
			l.onAdvice(dst, state.LearningRateDecrease)
		}
	}
	return nil
}

// lossThrough estimates the fraction of our packets for fb.Dst that survive through sender.
// It returns 0 when nothing was sent recently.
func (l *Learner) lossThrough(fb *protocol.Feedback, sender netip.Addr) float64 {
	sent := l.sent.Count(sender, fb.Dst, fb.SentAt)
	if sent == 0 {
		return 0
	}
	downstream := fb.RealLoss
	if downstream == 0 {
		downstream = 1
	}
	if sent-int(fb.Received) <= 1 {
		return downstream
	}
	return downstream * float64(fb.Received) / float64(sent)
}

// Route picks the next hop for pkt. gateway is the route discovery choice and wins ties.
func (l *Learner) Route(pkt *protocol.Data, gateway netip.Addr) (netip.Addr, error) {
	dst := pkt.Dst
	if dst == l.self {
		return l.self, nil
	}
	t := l.Table(pkt.Class)
	if !t.KnowsDestination(dst) {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrUnknownDestination, dst)
	}
	if !t.anyReachable() {
		return state.NoNeighboursReachable, nil
	}
	now := l.clock.Now()
	atSource := pkt.Src == l.self || !pkt.Src.IsValid()
	tagged := pkt.Q != nil
	roll := l.rng.Float64()

	var (
		e   *Entry
		err error
	)
	switch {
	case tagged && l.InLearningPhase(dst):
		if roll < l.cfg.Epsilon {
			e, err = l.explore(t, dst, false)
		} else if pkt.Learning {
			if t.HasConverged(dst, false) || t.AllBlacklisted(dst) {
				return l.dropProbe(dst)
			}
			e, err = l.explore(t, dst, true)
		} else {
			e, err = l.exploit(t, dst, gateway, atSource)
		}
	case tagged && pkt.Learning:
		if atSource {
			if roll < l.cfg.Epsilon {
				e, err = l.explore(t, dst, false)
			} else if t.HasConverged(dst, false) || t.AllBlacklisted(dst) {
				return l.dropProbe(dst)
			} else {
				e, err = l.explore(t, dst, true)
			}
		} else if roll < l.cfg.Rho {
			e, err = l.exploit(t, dst, gateway, false)
		} else {
			e, err = l.explore(t, dst, false)
		}
	default:
		e, err = l.exploit(t, dst, gateway, atSource)
		if !pkt.Learning && !tagged && l.packets.TimesSeen(pkt.Id) > l.cfg.MaxRetry {
			// the packet is going around in circles, let the hops it visits learn from it
			pkt.Q = &protocol.QInfo{SentAt: now, PrevHop: l.self, Maint: true}
			l.stats.Maintenance++
		}
	}
	if err != nil {
		return netip.Addr{}, err
	}
	if e.NextHop == state.NoNeighboursReachable {
		return state.NoNeighboursReachable, nil
	}
	if !pkt.Learning {
		l.sent.Add(e.NextHop, dst, now)
	}
	l.packets.Depart(pkt.Id, now)
	return e.NextHop, nil
}

func (l *Learner) explore(t *Table, dst netip.Addr, unconvergedOnly bool) (*Entry, error) {
	l.stats.Explorations++
	return t.Random(l.rng, dst, unconvergedOnly)
}

// exploit takes the best usable estimate. When every neighbour is blacklisted only the source may gamble on one.
func (l *Learner) exploit(t *Table, dst, gateway netip.Addr, atSource bool) (*Entry, error) {
	l.stats.Exploitations++
	if atSource && t.AllBlacklisted(dst) && t.anyReachable() {
		return t.Random(l.rng, dst, false)
	}
	return t.Best(dst, gateway)
}

func (l *Learner) dropProbe(dst netip.Addr) (netip.Addr, error) {
	l.stats.ProbesDropped++
	return netip.Addr{}, fmt.Errorf("%w: nothing left to learn towards %s", aodv.ErrEstimatorDrop, dst)
}
