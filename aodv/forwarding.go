package aodv

import (
	"errors"
	"maps"
	"net/netip"
	"slices"

	"github.com/encodeous/qaodv/perf"
	"github.com/encodeous/qaodv/protocol"
	"github.com/encodeous/qaodv/state"
)

// RouteOutput sends a data packet originated by this node.
// It returns ErrDeferred when the packet was queued behind a route discovery.
func (p *Protocol) RouteOutput(pkt *protocol.Data) error {
	if !p.up {
		p.dropData(pkt, ErrInterfaceDown)
		return ErrInterfaceDown
	}
	if !pkt.Src.IsValid() {
		pkt.Src = p.self
	}
	if pkt.TTL == 0 {
		pkt.TTL = state.DataTTL
	}
	if pkt.Dst == p.self {
		p.deliver(pkt)
		return nil
	}
	if pkt.IsBroadcast() {
		p.dpd.IsDuplicate(pkt.Src, pkt.Id, p.clock.Now())
		p.sendBroadcastData(pkt)
		return nil
	}
	if p.est != nil {
		p.est.PrepareOutput(pkt)
	}

	now := p.clock.Now()
	p.rt.Purge(now)
	if route, ok := p.rt.LookupValid(pkt.Dst, now); ok {
		nh, err := p.chooseNextHop(pkt, route.NextHop)
		if err != nil {
			p.dropData(pkt, err)
			return err
		}
		p.rt.Refresh(pkt.Dst, p.cfg.ActiveRouteTimeout, now)
		p.rt.Refresh(nh, p.cfg.ActiveRouteTimeout, now)
		p.touchNeighbour(nh, p.cfg.ActiveRouteTimeout)
		p.stats.DataSent++
		p.sendData(pkt, nh)
		return nil
	}
	return p.deferRouteOutput(pkt)
}

// deferRouteOutput queues pkt and starts a discovery unless one is running
func (p *Protocol) deferRouteOutput(pkt *protocol.Data) error {
	if pkt.Learning && p.queue.Find(pkt.Dst) {
		p.dropData(pkt, ErrEstimatorDrop)
		return ErrEstimatorDrop
	}
	if err := p.queue.Enqueue(pkt, p.clock.Now()); err != nil {
		p.dropData(pkt, err)
		return err
	}
	p.Log(PacketQueued, "waiting for route", "dst", pkt.Dst, "id", pkt.Id)
	e, ok := p.rt.Lookup(pkt.Dst)
	if !p.Searching(pkt.Dst) && (!ok || e.Flag != InSearch) {
		p.SendRequest(pkt.Dst)
	}
	return ErrDeferred
}

// sendPacketFromQueue releases every packet queued for dst in enqueue order
func (p *Protocol) sendPacketFromQueue(dst netip.Addr) {
	for {
		pkt, ok := p.queue.Dequeue(dst, p.clock.Now())
		if !ok {
			return
		}
		p.Log(PacketReleased, "route found", "dst", dst, "id", pkt.Id)
		route, ok := p.rt.LookupValid(dst, p.clock.Now())
		if !ok {
			p.dropData(pkt, ErrNoRouteToHost)
			continue
		}
		nh, err := p.chooseNextHop(pkt, route.NextHop)
		if err != nil {
			p.dropData(pkt, err)
			continue
		}
		p.stats.DataSent++
		p.sendData(pkt, nh)
	}
}

// RouteInput processes a data packet received from the one-hop neighbour from
func (p *Protocol) RouteInput(pkt *protocol.Data, from netip.Addr) {
	if !p.up {
		p.dropData(pkt, ErrInterfaceDown)
		return
	}
	perf.DataRecvPerSecond.Add(1)
	now := p.clock.Now()
	if pkt.IsBroadcast() {
		if pkt.Src == p.self || p.dpd.IsDuplicate(pkt.Src, pkt.Id, now) {
			return
		}
		p.deliver(pkt)
		if pkt.TTL > 1 && p.cfg.EnableBroadcast {
			fwd := pkt.Clone()
			fwd.TTL--
			p.sendBroadcastData(fwd)
		}
		return
	}

	if p.est != nil && !p.est.Observe(pkt, from) {
		p.dropData(pkt, ErrEstimatorDrop)
		return
	}

	if pkt.Src == p.self {
		// our own packet came back, only the estimator may send it out again
		if p.est == nil {
			p.dropData(pkt, ErrDuplicate)
			return
		}
		if pkt.TTL <= 1 {
			p.dropData(pkt, ErrTTLExpired)
			return
		}
		pkt.TTL--
		p.forward(pkt, from)
		return
	}

	if pkt.Dst == p.self {
		p.rt.Refresh(pkt.Src, p.cfg.ActiveRouteTimeout, now)
		if toOrigin, ok := p.rt.LookupValid(pkt.Src, now); ok {
			p.rt.Refresh(toOrigin.NextHop, p.cfg.ActiveRouteTimeout, now)
			p.touchNeighbour(toOrigin.NextHop, p.cfg.ActiveRouteTimeout)
		}
		p.deliver(pkt)
		return
	}

	if pkt.TTL <= 1 {
		p.dropData(pkt, ErrTTLExpired)
		return
	}
	pkt.TTL--
	p.forward(pkt, from)
}

func (p *Protocol) forward(pkt *protocol.Data, from netip.Addr) {
	now := p.clock.Now()
	p.rt.Purge(now)
	toDst, ok := p.rt.Lookup(pkt.Dst)
	if ok && toDst.Flag == Valid {
		nh, err := p.chooseNextHop(pkt, toDst.NextHop)
		if err != nil {
			p.dropData(pkt, err)
			return
		}
		p.rt.Refresh(pkt.Src, p.cfg.ActiveRouteTimeout, now)
		p.rt.Refresh(pkt.Dst, p.cfg.ActiveRouteTimeout, now)
		p.rt.Refresh(nh, p.cfg.ActiveRouteTimeout, now)
		p.touchNeighbour(nh, p.cfg.ActiveRouteTimeout)
		if toOrigin, ok := p.rt.Lookup(pkt.Src); ok {
			p.rt.Refresh(toOrigin.NextHop, p.cfg.ActiveRouteTimeout, now)
			p.touchNeighbour(toOrigin.NextHop, p.cfg.ActiveRouteTimeout)
		}
		p.stats.DataForwarded++
		p.sendData(pkt, nh)
		return
	}

	if p.est != nil {
		// the estimator keeps the packet moving while discovery catches up
		if !p.est.KnowsDestination(pkt.Dst) {
			p.estimatorError("register forwarded destination", p.est.AddDestination(from, pkt.Dst, state.UnknownDestinationCost), "dst", pkt.Dst)
			if !p.Searching(pkt.Dst) && (!ok || toDst.Flag != InSearch) {
				p.SendRequest(pkt.Dst)
			}
		}
		nh, err := p.chooseNextHop(pkt, netip.Addr{})
		if err != nil {
			p.dropData(pkt, err)
			return
		}
		p.stats.DataForwarded++
		p.sendData(pkt, nh)
		return
	}

	var seqno uint32
	if ok && toDst.ValidSeqno {
		seqno = toDst.Seqno
	}
	p.sendRerrWhenNoRouteToForward(pkt.Dst, seqno, pkt.Src)
	p.dropData(pkt, ErrNoRouteToHost)
}

// chooseNextHop lets the estimator override the discovered gateway
func (p *Protocol) chooseNextHop(pkt *protocol.Data, gateway netip.Addr) (netip.Addr, error) {
	if p.est == nil {
		if !gateway.IsValid() {
			return netip.Addr{}, ErrNoRouteToHost
		}
		return gateway, nil
	}
	nh, err := p.est.Route(pkt, gateway)
	if err != nil {
		if errors.Is(err, ErrEstimatorDrop) {
			return netip.Addr{}, err
		}
		p.Log(EstimatorContractViolation, "falling back to the discovered route", "dst", pkt.Dst, "err", err)
		if !gateway.IsValid() {
			return netip.Addr{}, ErrNoRouteToHost
		}
		return gateway, nil
	}
	if nh == state.NoNeighboursReachable || !nh.IsValid() {
		return netip.Addr{}, ErrNoRouteToHost
	}
	if nh == p.self {
		p.Log(InconsistentState, "estimator routed a packet to ourselves", "dst", pkt.Dst)
		return netip.Addr{}, ErrNoRouteToHost
	}
	if e, ok := p.rt.Lookup(nh); ok && e.IsUnidirectional(p.clock.Now()) && gateway.IsValid() {
		return gateway, nil
	}
	return nh, nil
}

func (p *Protocol) sendData(pkt *protocol.Data, nh netip.Addr) {
	b := protocol.Marshal(pkt.TTL, pkt)
	perf.DataSentPerSecond.Add(1)
	perf.SentBytesPerSecond.Add(float64(len(b)))
	p.tr.Send(nh, state.DataPort, b)
}

func (p *Protocol) sendBroadcastData(pkt *protocol.Data) {
	b := protocol.Marshal(pkt.TTL, pkt)
	perf.DataSentPerSecond.Add(1)
	perf.SentBytesPerSecond.Add(float64(len(b)))
	p.tr.Broadcast(state.DataPort, b)
}

func (p *Protocol) deliver(pkt *protocol.Data) {
	p.stats.DataDelivered++
	p.tr.Deliver(pkt)
}

// LinkBreak reports every destination routed through nextHop as unreachable to its precursors
func (p *Protocol) LinkBreak(nextHop netip.Addr) {
	if !p.up {
		return
	}
	if p.est != nil {
		p.est.NotifyLinkDown(nextHop)
	}
	now := p.clock.Now()
	toNextHop, ok := p.rt.Lookup(nextHop)
	if !ok {
		return
	}
	p.Log(LinkBroken, "invalidating routes", "neighbour", nextHop)
	precursors := make(map[netip.Addr]struct{})
	for pr := range toNextHop.Precursors {
		precursors[pr] = struct{}{}
	}
	unreachable := p.rt.DestinationsVia(nextHop)
	rerr := &protocol.RouteError{}
	rerr.Add(nextHop, toNextHop.Seqno)
	for _, dst := range sortedAddrs(slices.Collect(maps.Keys(unreachable))) {
		if !rerr.Add(dst, unreachable[dst]) {
			p.sendRerrMessage(rerr, precursors)
			rerr = &protocol.RouteError{}
			rerr.Add(dst, unreachable[dst])
		}
		for _, pr := range p.rt.Precursors(dst) {
			precursors[pr] = struct{}{}
		}
	}
	if len(rerr.Unreachable) > 0 {
		p.sendRerrMessage(rerr, precursors)
	}
	unreachable[nextHop] = toNextHop.Seqno
	for _, dst := range p.rt.Invalidate(unreachable, now) {
		p.Log(RouteInvalidated, "link break", "dst", dst, "neighbour", nextHop)
	}
}

func (p *Protocol) recvError(rerr *protocol.RouteError, src netip.Addr) {
	now := p.clock.Now()
	p.Log(ErrorReceived, "route error", "sender", src, "count", len(rerr.Unreachable))
	via := p.rt.DestinationsVia(src)
	unreachable := make(map[netip.Addr]uint32)
	ordered := make([]protocol.UnreachableDst, 0, len(rerr.Unreachable))
	for _, u := range rerr.Unreachable {
		if _, ok := via[u.Addr]; ok {
			if _, seen := unreachable[u.Addr]; !seen {
				ordered = append(ordered, u)
			}
			unreachable[u.Addr] = u.Seqno
		}
	}
	precursors := make(map[netip.Addr]struct{})
	out := &protocol.RouteError{}
	for _, u := range ordered {
		if !out.Add(u.Addr, u.Seqno) {
			p.sendRerrMessage(out, precursors)
			out = &protocol.RouteError{}
			out.Add(u.Addr, u.Seqno)
		}
		for _, pr := range p.rt.Precursors(u.Addr) {
			precursors[pr] = struct{}{}
		}
	}
	if len(out.Unreachable) > 0 {
		p.sendRerrMessage(out, precursors)
	}
	for _, dst := range p.rt.Invalidate(unreachable, now) {
		p.Log(RouteInvalidated, "route error", "dst", dst, "sender", src)
	}
}

// sendRerrWhenNoRouteToForward tells the origin of a packet we cannot forward that dst is unreachable
func (p *Protocol) sendRerrWhenNoRouteToForward(dst netip.Addr, seqno uint32, origin netip.Addr) {
	now := p.clock.Now()
	if !p.rerrLimit.Allow(now) {
		p.Log(RateLimited, "route error discarded", "dst", dst)
		return
	}
	rerr := &protocol.RouteError{}
	rerr.Add(dst, seqno)
	p.stats.ErrorsSent++
	if toOrigin, ok := p.rt.LookupValid(origin, now); ok {
		p.Log(ErrorSent, "no route to forward", "dst", dst, "to", toOrigin.NextHop)
		p.later(p.jitter(), func() {
			p.sendControl(toOrigin.NextHop, 1, rerr)
		})
		return
	}
	p.Log(ErrorSent, "no route to forward, broadcast", "dst", dst)
	p.later(p.jitter(), func() {
		p.broadcastControl(1, rerr)
	})
}

// sendRerrMessage forwards rerr to the precursors of the destinations it lists
func (p *Protocol) sendRerrMessage(rerr *protocol.RouteError, precursors map[netip.Addr]struct{}) {
	if len(precursors) == 0 {
		return
	}
	now := p.clock.Now()
	if !p.rerrLimit.Allow(now) {
		p.Log(RateLimited, "route error discarded", "count", len(rerr.Unreachable))
		return
	}
	if len(precursors) == 1 {
		for pr := range precursors {
			toPrecursor, ok := p.rt.LookupValid(pr, now)
			if !ok {
				return
			}
			p.stats.ErrorsSent++
			p.Log(ErrorSent, "unicast to precursor", "to", toPrecursor.NextHop, "count", len(rerr.Unreachable))
			p.later(p.jitter(), func() {
				p.sendControl(toPrecursor.NextHop, 1, rerr)
			})
		}
		return
	}
	reachable := false
	for pr := range precursors {
		if _, ok := p.rt.LookupValid(pr, now); ok {
			reachable = true
			break
		}
	}
	if !reachable {
		return
	}
	p.stats.ErrorsSent++
	p.Log(ErrorSent, "broadcast to precursors", "precursors", len(precursors), "count", len(rerr.Unreachable))
	p.later(p.jitter(), func() {
		p.broadcastControl(1, rerr)
	})
}
