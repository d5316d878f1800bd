package aodv

import (
	"net/netip"
	"time"

	"github.com/encodeous/qaodv/state"
)

type neighbour struct {
	expireAt time.Time
	// close is set when the link layer reported a transmission failure
	close bool
}

// Neighbors tracks one-hop liveness learned from hellos and control traffic
type Neighbors struct {
	entries map[netip.Addr]*neighbour
}

func NewNeighbors() *Neighbors {
	return &Neighbors{entries: make(map[netip.Addr]*neighbour)}
}

func (n *Neighbors) IsNeighbor(addr netip.Addr, now time.Time) bool {
	e, ok := n.entries[addr]
	return ok && !e.close && now.Before(e.expireAt)
}

func (n *Neighbors) ExpireTime(addr netip.Addr) (time.Time, bool) {
	e, ok := n.entries[addr]
	if !ok {
		return time.Time{}, false
	}
	return e.expireAt, true
}

// Update inserts addr or extends its expiry to now+lifetime
func (n *Neighbors) Update(addr netip.Addr, lifetime time.Duration, now time.Time) {
	e, ok := n.entries[addr]
	if !ok {
		n.entries[addr] = &neighbour{expireAt: now.Add(lifetime)}
		return
	}
	e.expireAt = state.MaxTime(e.expireAt, now.Add(lifetime))
	e.close = false
}

// MarkClose records a link layer failure towards addr. It is reported by the next Purge.
func (n *Neighbors) MarkClose(addr netip.Addr) {
	if e, ok := n.entries[addr]; ok {
		e.close = true
	}
}

// Purge removes expired or failed neighbours and returns them
func (n *Neighbors) Purge(now time.Time) []netip.Addr {
	lost := make([]netip.Addr, 0)
	for addr, e := range n.entries {
		if e.close || !now.Before(e.expireAt) {
			lost = append(lost, addr)
			delete(n.entries, addr)
		}
	}
	return sortedAddrs(lost)
}

func (n *Neighbors) Len() int {
	return len(n.entries)
}

func (n *Neighbors) Clear() {
	clear(n.entries)
}
