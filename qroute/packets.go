package qroute

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

type packetRecord struct {
	seen     int
	arrived  time.Time
	departed time.Time
	// hops that were already sent feedback for this packet
	acked []netip.Addr
}

// PacketTable remembers the most recent data packets that passed through this node
type PacketTable struct {
	cache *lru.Cache[uuid.UUID, *packetRecord]
}

func NewPacketTable(size int) *PacketTable {
	cache, err := lru.New[uuid.UUID, *packetRecord](size)
	if err != nil {
		panic(err)
	}
	return &PacketTable{cache: cache}
}

func (pt *PacketTable) record(id uuid.UUID) *packetRecord {
	r, ok := pt.cache.Get(id)
	if !ok {
		r = &packetRecord{}
		pt.cache.Add(id, r)
	}
	return r
}

// Arrive records that the packet reached this node, returning how many times it has so far
func (pt *PacketTable) Arrive(id uuid.UUID, now time.Time) int {
	r := pt.record(id)
	r.seen++
	r.arrived = now
	r.departed = time.Time{}
	return r.seen
}

// Depart records that the packet was handed to a next hop
func (pt *PacketTable) Depart(id uuid.UUID, now time.Time) {
	r := pt.record(id)
	if r.arrived.IsZero() {
		r.arrived = now
	}
	r.departed = now
}

func (pt *PacketTable) TimesSeen(id uuid.UUID) int {
	if r, ok := pt.cache.Peek(id); ok {
		return r.seen
	}
	return 0
}

// QueueTime is how long the packet waited between arriving and leaving this node
func (pt *PacketTable) QueueTime(id uuid.UUID) time.Duration {
	r, ok := pt.cache.Peek(id)
	if !ok || r.departed.IsZero() {
		return 0
	}
	return r.departed.Sub(r.arrived)
}

// MarkFeedback returns false if feedback for the packet was already sent to hop
func (pt *PacketTable) MarkFeedback(id uuid.UUID, hop netip.Addr) bool {
	r := pt.record(id)
	for _, a := range r.acked {
		if a == hop {
			return false
		}
	}
	r.acked = append(r.acked, hop)
	return true
}

func (pt *PacketTable) Len() int {
	return pt.cache.Len()
}

type linkKey struct {
	hop netip.Addr
	dst netip.Addr
}

// packetWindow counts packets per (hop, destination) over a sliding window
type packetWindow struct {
	span   time.Duration
	events map[linkKey][]time.Time
}

func newPacketWindow(span time.Duration) *packetWindow {
	return &packetWindow{
		span:   span,
		events: make(map[linkKey][]time.Time),
	}
}

func (w *packetWindow) Add(hop, dst netip.Addr, now time.Time) {
	k := linkKey{hop, dst}
	w.events[k] = append(w.prune(k, now), now)
}

// Count returns the number of packets recorded in the window ending at until
func (w *packetWindow) Count(hop, dst netip.Addr, until time.Time) int {
	n := 0
	from := until.Add(-w.span)
	for _, t := range w.events[linkKey{hop, dst}] {
		if t.After(from) && !t.After(until) {
			n++
		}
	}
	return n
}

// prune forgets events older than two spans
func (w *packetWindow) prune(k linkKey, now time.Time) []time.Time {
	ev := w.events[k]
	cut := 0
	for cut < len(ev) && now.Sub(ev[cut]) > 2*w.span {
		cut++
	}
	return ev[cut:]
}
