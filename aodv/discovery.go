package aodv

import (
	"math"
	"net/netip"
	"time"

	"github.com/encodeous/qaodv/perf"
	"github.com/encodeous/qaodv/protocol"
	"github.com/encodeous/qaodv/state"
)

// SendRequest starts or continues an expanding ring search for dst
func (p *Protocol) SendRequest(dst netip.Addr) {
	if !p.up || dst == p.self {
		return
	}
	now := p.clock.Now()
	if !p.rreqLimit.Allow(now) {
		delay := p.rreqLimit.Delay(now) + state.RateLimitRetryMargin
		p.Log(RateLimited, "route request postponed", "dst", dst, "delay", delay)
		p.requestTimers[dst].Cancel()
		p.requestTimers[dst] = p.later(delay, func() {
			p.SendRequest(dst)
		})
		return
	}

	req := &protocol.RouteRequest{
		Dst:             dst,
		Origin:          p.self,
		Gratuitous:      p.cfg.GratuitousReply,
		DestinationOnly: p.cfg.DestinationOnly,
	}
	ttl := p.cfg.TtlStart
	if e, ok := p.rt.Lookup(dst); ok {
		if e.Flag != InSearch {
			ttl = min(e.Hops+p.cfg.TtlIncrement, p.cfg.NetDiameter)
		} else {
			ttl = e.Hops + p.cfg.TtlIncrement
			if ttl > p.cfg.TtlThreshold {
				ttl = p.cfg.NetDiameter
			}
		}
		if ttl == p.cfg.NetDiameter {
			e.RequestCount++
		}
		if e.ValidSeqno {
			req.DstSeqno = e.Seqno
		} else {
			req.UnknownSeqno = true
		}
		e.Hops = ttl
		e.Flag = InSearch
		e.SetLifetime(now, p.cfg.PathDiscoveryTime)
		p.rt.Update(e)
	} else {
		req.UnknownSeqno = true
		e := RouteEntry{
			Dst:   dst,
			Iface: p.self,
			Hops:  ttl,
			Flag:  InSearch,
		}
		if ttl == p.cfg.NetDiameter {
			e.RequestCount++
		}
		e.SetLifetime(now, p.cfg.PathDiscoveryTime)
		p.rt.Add(e)
		if p.est != nil {
			p.estimatorError("register searched destination", p.est.AddDestination(netip.Addr{}, dst, 0), "dst", dst)
		}
	}
	if _, ok := p.searchStarted[dst]; !ok {
		p.searchStarted[dst] = now
	}

	p.seqno++
	req.OriginSeqno = p.seqno
	p.requestId++
	req.Id = p.requestId
	p.idCache.IsDuplicate(p.self, req.Id, now)

	p.stats.RequestsSent++
	p.Log(RequestSent, "route request", "dst", dst, "ttl", ttl, "id", req.Id)
	p.later(p.jitter(), func() {
		p.broadcastControl(ttl, req)
	})
	p.scheduleRetry(dst)
}

// RequestRoute starts a discovery for dst unless a valid route exists or one is already running
func (p *Protocol) RequestRoute(dst netip.Addr) {
	if _, ok := p.rt.LookupValid(dst, p.clock.Now()); ok || p.Searching(dst) {
		return
	}
	p.SendRequest(dst)
}

// scheduleRetry arms the single discovery timer of dst
func (p *Protocol) scheduleRetry(dst netip.Addr) {
	e, ok := p.rt.Lookup(dst)
	if !ok {
		return
	}
	var retry time.Duration
	if e.Hops < p.cfg.NetDiameter {
		retry = 2 * p.cfg.NodeTraversalTime * time.Duration(int(e.Hops)+int(p.cfg.TimeoutBuffer))
	} else {
		backoff := max(e.RequestCount-1, 0)
		retry = p.cfg.NetTraversalTime * time.Duration(1<<backoff)
	}
	p.requestTimers[dst].Cancel()
	p.requestTimers[dst] = p.later(retry, func() {
		p.requestTimerExpire(dst)
	})
}

func (p *Protocol) requestTimerExpire(dst netip.Addr) {
	delete(p.requestTimers, dst)
	now := p.clock.Now()
	e, ok := p.rt.Lookup(dst)
	if ok && e.Flag == Valid && now.Before(e.ExpireAt) {
		p.discoveryDone(dst, now)
		p.sendPacketFromQueue(dst)
		return
	}
	if ok && e.RequestCount < p.cfg.RreqRetries && e.Flag == InSearch {
		p.SendRequest(dst)
		return
	}
	// attempts exhausted, or the entry vanished or got invalidated under the search
	p.stats.DiscoveryFailures++
	delete(p.searchStarted, dst)
	p.rt.Delete(dst)
	n := p.queue.DropWithDst(dst, ErrDiscoveryFailed)
	p.Log(DiscoveryFailed, "giving up route discovery", "dst", dst, "dropped", n)
}

func (p *Protocol) discoveryDone(dst netip.Addr, now time.Time) {
	if started, ok := p.searchStarted[dst]; ok {
		perf.DiscoveryLatency.Add(float64(now.Sub(started).Milliseconds()))
		delete(p.searchStarted, dst)
	}
}

// routeBecameValid finishes a pending discovery for dst once a VALID route appeared through any path
func (p *Protocol) routeBecameValid(dst netip.Addr) {
	t, ok := p.requestTimers[dst]
	if !ok {
		return
	}
	now := p.clock.Now()
	if _, valid := p.rt.LookupValid(dst, now); !valid {
		return
	}
	t.Cancel()
	delete(p.requestTimers, dst)
	p.discoveryDone(dst, now)
	p.sendPacketFromQueue(dst)
}

// updateRouteToNeighbor creates or refreshes the 1-hop route to the sender of any control message
func (p *Protocol) updateRouteToNeighbor(sender netip.Addr) {
	now := p.clock.Now()
	if p.est != nil {
		p.est.AddNeighbour(sender)
	}
	e, ok := p.rt.Lookup(sender)
	if !ok {
		n := RouteEntry{
			Dst:     sender,
			NextHop: sender,
			Iface:   p.self,
			Hops:    1,
			Flag:    Valid,
		}
		n.SetLifetime(now, p.cfg.ActiveRouteTimeout)
		p.rt.Add(n)
		p.Log(RouteAdded, "neighbour route", "dst", sender)
		if p.est != nil {
			p.estimatorError("register neighbour destination", p.est.AddDestination(netip.Addr{}, sender, 0), "dst", sender)
		}
	} else if e.ValidSeqno && e.Hops == 1 && e.Flag == Valid {
		e.ExtendLifetime(now, p.cfg.ActiveRouteTimeout)
		p.rt.Update(e)
	} else {
		lifetime := max(p.cfg.ActiveRouteTimeout, e.Lifetime(now))
		e.NextHop = sender
		e.Iface = p.self
		e.Hops = 1
		e.Seqno = 0
		e.ValidSeqno = false
		e.Flag = Valid
		e.SetLifetime(now, lifetime)
		p.rt.Update(e)
	}
	p.routeBecameValid(sender)
}

func (p *Protocol) recvRequest(req *protocol.RouteRequest, src netip.Addr, ttl uint8) {
	now := p.clock.Now()
	if prev, ok := p.rt.Lookup(src); ok && prev.IsUnidirectional(now) {
		p.Log(RequestDropped, "sender is blacklisted", "sender", src)
		return
	}
	if req.HopCount == math.MaxUint8 {
		p.Log(RequestDropped, "hop count overflow", "origin", req.Origin, "sender", src)
		return
	}
	if p.est != nil {
		p.est.AddNeighbour(src)
	}
	if req.Origin == p.self {
		return
	}
	if p.idCache.IsDuplicate(req.Origin, req.Id, now) {
		p.Log(RequestDropped, "duplicate", "origin", req.Origin, "id", req.Id)
		return
	}

	hop := req.HopCount + 1
	req.HopCount = hop

	// reverse route to the origin
	reverseLifetime := 2*p.cfg.NetTraversalTime - 2*time.Duration(hop)*p.cfg.NodeTraversalTime
	toOrigin, ok := p.rt.Lookup(req.Origin)
	if !ok {
		toOrigin = RouteEntry{
			Dst:        req.Origin,
			NextHop:    src,
			Iface:      p.self,
			Hops:       hop,
			Seqno:      req.OriginSeqno,
			ValidSeqno: true,
			Flag:       Valid,
		}
		toOrigin.SetLifetime(now, reverseLifetime)
		p.rt.Add(toOrigin)
		p.Log(RouteAdded, "reverse route", "dst", req.Origin, "nh", src, "hops", hop)
	} else {
		if !toOrigin.ValidSeqno || state.SeqnoGt(req.OriginSeqno, toOrigin.Seqno) {
			toOrigin.Seqno = req.OriginSeqno
		}
		toOrigin.ValidSeqno = true
		toOrigin.NextHop = src
		toOrigin.Iface = p.self
		toOrigin.Hops = hop
		toOrigin.Flag = Valid
		toOrigin.ExtendLifetime(now, reverseLifetime)
		p.rt.Update(toOrigin)
		p.Log(RouteUpdated, "reverse route", "dst", req.Origin, "nh", src, "hops", hop)
	}

	// route to the neighbour that relayed the request
	toNeighbor, ok := p.rt.Lookup(src)
	if !ok {
		n := RouteEntry{
			Dst:     src,
			NextHop: src,
			Iface:   p.self,
			Hops:    1,
			Seqno:   req.OriginSeqno,
			Flag:    Valid,
		}
		n.SetLifetime(now, p.cfg.ActiveRouteTimeout)
		p.rt.Add(n)
	} else {
		toNeighbor.ExtendLifetime(now, p.cfg.ActiveRouteTimeout)
		toNeighbor.ValidSeqno = false
		toNeighbor.Seqno = req.OriginSeqno
		toNeighbor.Flag = Valid
		toNeighbor.Iface = p.self
		toNeighbor.Hops = 1
		toNeighbor.NextHop = src
		p.rt.Update(toNeighbor)
	}
	p.touchNeighbour(src, time.Duration(p.cfg.AllowedHelloLoss)*p.cfg.HelloInterval)

	if p.est != nil {
		p.estimatorError("register origin", p.est.AddDestination(src, req.Origin, 0), "dst", req.Origin)
		if req.Dst != p.self {
			p.estimatorError("register requested destination", p.est.AddDestination(netip.Addr{}, req.Dst, 0), "dst", req.Dst)
		}
	}
	p.routeBecameValid(req.Origin)
	p.routeBecameValid(src)

	if req.Dst == p.self {
		toOrigin, _ = p.rt.Lookup(req.Origin)
		p.sendReply(req, toOrigin)
		return
	}

	if toDst, ok := p.rt.Lookup(req.Dst); ok {
		if toDst.NextHop == src {
			p.Log(RequestDropped, "route to the destination points back at the sender", "dst", req.Dst, "sender", src)
			return
		}
		if (req.UnknownSeqno || state.SeqnoGe(toDst.Seqno, req.DstSeqno)) && toDst.ValidSeqno {
			if !req.DestinationOnly && toDst.Flag == Valid {
				toOrigin, _ = p.rt.Lookup(req.Origin)
				p.sendReplyByIntermediateNode(toDst, toOrigin, req.Gratuitous)
				return
			}
			req.DstSeqno = toDst.Seqno
			req.UnknownSeqno = false
		}
	}

	if ttl < 2 {
		p.Log(RequestDropped, "ttl exhausted", "origin", req.Origin, "dst", req.Dst)
		return
	}
	p.stats.RequestsForwarded++
	p.Log(RequestForwarded, "rebroadcast", "origin", req.Origin, "dst", req.Dst, "ttl", ttl-1)
	fwd := *req
	p.later(p.jitter(), func() {
		p.broadcastControl(ttl-1, &fwd)
	})
}

// sendReply answers a request addressed to this node
func (p *Protocol) sendReply(req *protocol.RouteRequest, toOrigin RouteEntry) {
	if !req.UnknownSeqno && req.DstSeqno == p.seqno+1 {
		p.seqno++
	}
	rep := &protocol.RouteReply{
		Dst:      req.Dst,
		DstSeqno: p.seqno,
		Origin:   toOrigin.Dst,
		Lifetime: p.cfg.MyRouteTimeout,
		SentAt:   p.clock.Now(),
	}
	p.stats.RepliesSent++
	p.Log(ReplySent, "destination reply", "origin", toOrigin.Dst, "nh", toOrigin.NextHop)
	p.sendControl(toOrigin.NextHop, toOrigin.Hops, rep)
}

// sendReplyByIntermediateNode answers a request from a fresh enough route of our own
func (p *Protocol) sendReplyByIntermediateNode(toDst, toOrigin RouteEntry, gratuitous bool) {
	now := p.clock.Now()
	rep := &protocol.RouteReply{
		HopCount: toDst.Hops,
		Dst:      toDst.Dst,
		DstSeqno: toDst.Seqno,
		Origin:   toOrigin.Dst,
		Lifetime: toDst.Lifetime(now),
		SentAt:   now,
	}
	// a neighbour we only heard from may be unidirectional, ask for an acknowledgement
	if toDst.Hops == 1 {
		rep.AckRequired = true
		nb := toOrigin.NextHop
		p.ackTimers[nb].Cancel()
		p.ackTimers[nb] = p.later(p.cfg.NextHopWait, func() {
			p.ackTimerExpire(nb)
		})
	}
	p.rt.InsertPrecursor(toDst.Dst, toOrigin.NextHop)
	p.rt.InsertPrecursor(toOrigin.Dst, toDst.NextHop)
	if p.est != nil {
		p.est.ChangeValuesFromZero(toDst.Dst, toDst.NextHop)
	}
	p.stats.RepliesSent++
	p.Log(ReplySent, "intermediate reply", "dst", toDst.Dst, "origin", toOrigin.Dst, "nh", toOrigin.NextHop)
	p.sendControl(toOrigin.NextHop, toOrigin.Hops, rep)

	if gratuitous {
		grat := &protocol.RouteReply{
			HopCount: toOrigin.Hops,
			Dst:      toOrigin.Dst,
			DstSeqno: toOrigin.Seqno,
			Origin:   toDst.Dst,
			Lifetime: toOrigin.Lifetime(now),
			SentAt:   now,
		}
		p.stats.RepliesSent++
		p.Log(ReplySent, "gratuitous reply", "dst", toDst.Dst, "nh", toDst.NextHop)
		p.sendControl(toDst.NextHop, toDst.Hops, grat)
	}
}

func (p *Protocol) ackTimerExpire(nb netip.Addr) {
	delete(p.ackTimers, nb)
	if p.rt.MarkUnidirectional(nb, p.cfg.BlackListTimeout, p.clock.Now()) {
		p.Log(RouteUpdated, "neighbour marked unidirectional", "neighbour", nb, "timeout", p.cfg.BlackListTimeout)
	}
}

func (p *Protocol) sendReplyAck(nb netip.Addr) {
	p.stats.AcksSent++
	p.sendControl(nb, 1, &protocol.RouteReplyAck{})
}

func (p *Protocol) recvReplyAck(nb netip.Addr) {
	if t, ok := p.ackTimers[nb]; ok {
		t.Cancel()
		delete(p.ackTimers, nb)
	}
	if e, ok := p.rt.Lookup(nb); ok {
		e.Flag = Valid
		e.Unidirectional = false
		p.rt.Update(e)
	}
}

// replyPrecedes reports whether a reply advertising seqno over hops replaces the existing entry
func replyPrecedes(existing RouteEntry, seqno uint32, hops uint8) bool {
	switch {
	case !existing.ValidSeqno:
		return true
	case state.SeqnoGt(seqno, existing.Seqno):
		return true
	case seqno == existing.Seqno && existing.Flag != Valid:
		return true
	case seqno == existing.Seqno && hops < existing.Hops:
		return true
	}
	return false
}

func (p *Protocol) recvReply(rep *protocol.RouteReply, sender netip.Addr, ttl uint8) {
	if rep.IsHello() {
		p.processHello(rep, sender)
		return
	}
	if rep.HopCount == math.MaxUint8 {
		p.Log(ReplyDropped, "hop count overflow", "dst", rep.Dst, "sender", sender)
		return
	}
	now := p.clock.Now()
	hop := rep.HopCount + 1
	rep.HopCount = hop
	if p.est != nil {
		p.est.AddNeighbour(sender)
	}

	fresh := RouteEntry{
		Dst:        rep.Dst,
		NextHop:    sender,
		Iface:      p.self,
		Hops:       hop,
		Seqno:      rep.DstSeqno,
		ValidSeqno: true,
		Flag:       Valid,
	}
	fresh.SetLifetime(now, rep.Lifetime)
	if toDst, ok := p.rt.Lookup(rep.Dst); ok {
		if replyPrecedes(toDst, rep.DstSeqno, hop) || (rep.Origin == p.self && toDst.Flag == InSearch) {
			fresh.Precursors = toDst.Precursors
			fresh.Unidirectional = toDst.Unidirectional
			fresh.BlacklistUntil = toDst.BlacklistUntil
			p.rt.Update(fresh)
			p.Log(RouteUpdated, "forward route", "dst", rep.Dst, "nh", sender, "hops", hop, "seqno", rep.DstSeqno)
		}
	} else {
		p.rt.Add(fresh)
		p.Log(RouteAdded, "forward route", "dst", rep.Dst, "nh", sender, "hops", hop, "seqno", rep.DstSeqno)
		if p.est != nil {
			travel := max(now.Sub(rep.SentAt), 0)
			p.estimatorError("register replied destination", p.est.AddDestination(sender, rep.Dst, travel), "dst", rep.Dst)
		}
	}

	if rep.AckRequired {
		p.sendReplyAck(sender)
		rep.AckRequired = false
	}

	if rep.Origin == p.self {
		if t, ok := p.requestTimers[rep.Dst]; ok {
			t.Cancel()
			delete(p.requestTimers, rep.Dst)
		}
		p.discoveryDone(rep.Dst, now)
		p.sendPacketFromQueue(rep.Dst)
		return
	}
	// a reply passing through may end our own search for the same destination
	p.routeBecameValid(rep.Dst)

	toOrigin, ok := p.rt.Lookup(rep.Origin)
	if !ok || toOrigin.Flag == InSearch {
		p.Log(ReplyDropped, "no reverse route", "origin", rep.Origin)
		return
	}
	toOrigin.ExtendLifetime(now, p.cfg.ActiveRouteTimeout)
	p.rt.Update(toOrigin)

	if toDst, ok := p.rt.LookupValid(rep.Dst, now); ok {
		p.rt.InsertPrecursor(toDst.Dst, toOrigin.NextHop)
		p.rt.InsertPrecursor(toDst.NextHop, toOrigin.NextHop)
		p.rt.InsertPrecursor(toOrigin.Dst, toDst.NextHop)
		p.rt.InsertPrecursor(toOrigin.NextHop, toDst.NextHop)
	}

	if ttl < 2 {
		p.Log(ReplyDropped, "ttl exhausted", "origin", rep.Origin, "dst", rep.Dst)
		return
	}
	p.stats.RepliesForwarded++
	p.Log(ReplyForwarded, "towards origin", "origin", rep.Origin, "dst", rep.Dst, "nh", toOrigin.NextHop)
	p.sendControl(toOrigin.NextHop, ttl-1, rep)
}

// processHello creates or refreshes the 1-hop route advertised by a hello
func (p *Protocol) processHello(rep *protocol.RouteReply, sender netip.Addr) {
	now := p.clock.Now()
	lifetime := time.Duration(p.cfg.AllowedHelloLoss) * p.cfg.HelloInterval
	if p.est != nil {
		p.est.AddNeighbour(rep.Dst)
	}
	e, ok := p.rt.Lookup(rep.Dst)
	if !ok {
		e = RouteEntry{
			Dst:        rep.Dst,
			NextHop:    rep.Dst,
			Iface:      p.self,
			Hops:       1,
			Seqno:      rep.DstSeqno,
			ValidSeqno: true,
			Flag:       Valid,
		}
		e.SetLifetime(now, lifetime)
		p.rt.Add(e)
	} else {
		e.ExtendLifetime(now, lifetime)
		if !e.ValidSeqno || state.SeqnoGt(rep.DstSeqno, e.Seqno) {
			e.Seqno = rep.DstSeqno
			e.ValidSeqno = true
		}
		e.Flag = Valid
		e.NextHop = rep.Dst
		e.Iface = p.self
		e.Hops = 1
		p.rt.Update(e)
	}
	p.touchNeighbour(rep.Dst, lifetime)
	p.Log(HelloReceived, "hello", "neighbour", rep.Dst, "sender", sender)
	p.routeBecameValid(rep.Dst)
}
