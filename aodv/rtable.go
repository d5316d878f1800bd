package aodv

import (
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/encodeous/qaodv/state"
	"github.com/gaissmai/bart"
)

type RouteFlag uint8

const (
	Valid RouteFlag = iota
	Invalid
	InSearch
)

func (f RouteFlag) String() string {
	switch f {
	case Valid:
		return "VALID"
	case Invalid:
		return "INVALID"
	case InSearch:
		return "IN_SEARCH"
	default:
		return fmt.Sprintf("RouteFlag(%d)", uint8(f))
	}
}

type RouteEntry struct {
	Dst        netip.Addr
	NextHop    netip.Addr
	Iface      netip.Addr
	Hops       uint8
	Seqno      uint32
	ValidSeqno bool
	ExpireAt   time.Time
	Flag       RouteFlag
	// RequestCount counts discovery attempts at full diameter, driving the backoff
	RequestCount int
	Precursors   map[netip.Addr]struct{}
	// Unidirectional is set when a reply towards this neighbour was never acknowledged
	Unidirectional bool
	BlacklistUntil time.Time
}

func (e *RouteEntry) Lifetime(now time.Time) time.Duration {
	return e.ExpireAt.Sub(now)
}

func (e *RouteEntry) SetLifetime(now time.Time, d time.Duration) {
	e.ExpireAt = now.Add(d)
}

// ExtendLifetime moves the expiry forward to now+d, never backwards
func (e *RouteEntry) ExtendLifetime(now time.Time, d time.Duration) {
	e.ExpireAt = state.MaxTime(e.ExpireAt, now.Add(d))
}

func (e *RouteEntry) InsertPrecursor(addr netip.Addr) bool {
	if e.Precursors == nil {
		e.Precursors = make(map[netip.Addr]struct{})
	}
	if _, ok := e.Precursors[addr]; ok {
		return false
	}
	e.Precursors[addr] = struct{}{}
	return true
}

func (e *RouteEntry) IsPrecursor(addr netip.Addr) bool {
	_, ok := e.Precursors[addr]
	return ok
}

func (e *RouteEntry) IsUnidirectional(now time.Time) bool {
	return e.Unidirectional && now.Before(e.BlacklistUntil)
}

func (e *RouteEntry) invalidate(now time.Time, badLinkLifetime time.Duration) {
	if e.Flag == Invalid {
		return
	}
	e.Flag = Invalid
	e.ValidSeqno = false
	e.RequestCount = 0
	e.SetLifetime(now, badLinkLifetime)
}

func (e RouteEntry) clone() RouteEntry {
	e.Precursors = maps.Clone(e.Precursors)
	return e
}

func (e RouteEntry) String() string {
	return fmt.Sprintf("(dst: %s, nh: %s, hops: %d, seqno: %d, valid seqno: %t, flag: %s)", e.Dst, e.NextHop, e.Hops, e.Seqno, e.ValidSeqno, e.Flag)
}

// RoutingTable owns every RouteEntry of a node, one per destination.
// Lookups hand out copies; changes are written back with Update.
type RoutingTable struct {
	routes          *bart.Table[*RouteEntry]
	badLinkLifetime time.Duration
}

func NewRoutingTable(badLinkLifetime time.Duration) *RoutingTable {
	return &RoutingTable{
		routes:          new(bart.Table[*RouteEntry]),
		badLinkLifetime: badLinkLifetime,
	}
}

func hostPrefix(addr netip.Addr) netip.Prefix {
	return netip.PrefixFrom(addr, addr.BitLen())
}

func (t *RoutingTable) get(dst netip.Addr) (*RouteEntry, bool) {
	if !dst.IsValid() {
		return nil, false
	}
	return t.routes.Get(hostPrefix(dst))
}

func (t *RoutingTable) Lookup(dst netip.Addr) (RouteEntry, bool) {
	e, ok := t.get(dst)
	if !ok {
		return RouteEntry{}, false
	}
	return e.clone(), true
}

// LookupValid only returns routes that are VALID and not expired
func (t *RoutingTable) LookupValid(dst netip.Addr, now time.Time) (RouteEntry, bool) {
	e, ok := t.get(dst)
	if !ok || e.Flag != Valid || !now.Before(e.ExpireAt) {
		return RouteEntry{}, false
	}
	return e.clone(), true
}

// Add inserts a new entry, failing if the destination is already known
func (t *RoutingTable) Add(e RouteEntry) bool {
	if _, ok := t.get(e.Dst); ok || !e.Dst.IsValid() {
		return false
	}
	n := e.clone()
	if n.Precursors == nil {
		n.Precursors = make(map[netip.Addr]struct{})
	}
	t.routes.Insert(hostPrefix(e.Dst), &n)
	return true
}

// Update replaces the entry for e.Dst, failing if the destination is unknown
func (t *RoutingTable) Update(e RouteEntry) bool {
	cur, ok := t.get(e.Dst)
	if !ok {
		return false
	}
	*cur = e.clone()
	if cur.Precursors == nil {
		cur.Precursors = make(map[netip.Addr]struct{})
	}
	return true
}

func (t *RoutingTable) Delete(dst netip.Addr) bool {
	if _, ok := t.get(dst); !ok {
		return false
	}
	t.routes.Delete(hostPrefix(dst))
	return true
}

func (t *RoutingTable) SetFlag(dst netip.Addr, flag RouteFlag) bool {
	e, ok := t.get(dst)
	if !ok {
		return false
	}
	e.Flag = flag
	return true
}

// Refresh extends the lifetime of a VALID route and resets its request counter
func (t *RoutingTable) Refresh(dst netip.Addr, lifetime time.Duration, now time.Time) bool {
	e, ok := t.get(dst)
	if !ok || e.Flag != Valid {
		return false
	}
	e.RequestCount = 0
	e.ExtendLifetime(now, lifetime)
	return true
}

func (t *RoutingTable) InsertPrecursor(dst, precursor netip.Addr) bool {
	e, ok := t.get(dst)
	if !ok || !precursor.IsValid() {
		return false
	}
	return e.InsertPrecursor(precursor)
}

func (t *RoutingTable) Precursors(dst netip.Addr) []netip.Addr {
	e, ok := t.get(dst)
	if !ok {
		return nil
	}
	return sortedAddrs(slices.Collect(maps.Keys(e.Precursors)))
}

// DestinationsVia lists VALID destinations routed through nextHop with their sequence numbers
func (t *RoutingTable) DestinationsVia(nextHop netip.Addr) map[netip.Addr]uint32 {
	out := make(map[netip.Addr]uint32)
	for _, e := range t.routes.All() {
		if e.Flag == Valid && e.NextHop == nextHop {
			out[e.Dst] = e.Seqno
		}
	}
	return out
}

// Invalidate marks every VALID destination in unreachable as INVALID.
// The entries stay around for the bad link lifetime so late replies can be compared against them.
func (t *RoutingTable) Invalidate(unreachable map[netip.Addr]uint32, now time.Time) []netip.Addr {
	changed := make([]netip.Addr, 0)
	for dst := range unreachable {
		e, ok := t.get(dst)
		if !ok || e.Flag != Valid {
			continue
		}
		e.invalidate(now, t.badLinkLifetime)
		changed = append(changed, dst)
	}
	return sortedAddrs(changed)
}

// Purge expires stale routes: VALID routes past their lifetime become INVALID,
// INVALID routes past their lifetime are deleted. IN_SEARCH routes are owned by their discovery timer.
func (t *RoutingTable) Purge(now time.Time) (invalidated, deleted []netip.Addr) {
	for _, e := range t.routes.All() {
		if now.Before(e.ExpireAt) {
			continue
		}
		switch e.Flag {
		case Invalid:
			deleted = append(deleted, e.Dst)
		case Valid:
			e.invalidate(now, t.badLinkLifetime)
			invalidated = append(invalidated, e.Dst)
		}
	}
	for _, dst := range deleted {
		t.routes.Delete(hostPrefix(dst))
	}
	return invalidated, deleted
}

// MarkUnidirectional blacklists a neighbour until now+timeout
func (t *RoutingTable) MarkUnidirectional(neighbour netip.Addr, timeout time.Duration, now time.Time) bool {
	e, ok := t.get(neighbour)
	if !ok {
		return false
	}
	e.Unidirectional = true
	e.BlacklistUntil = now.Add(timeout)
	e.RequestCount = 0
	return true
}

func (t *RoutingTable) Len() int {
	return t.routes.Size()
}

func (t *RoutingTable) Clear() {
	t.routes = new(bart.Table[*RouteEntry])
}

// All returns a snapshot of every entry ordered by destination
func (t *RoutingTable) All() []RouteEntry {
	out := make([]RouteEntry, 0, t.routes.Size())
	for _, e := range t.routes.All() {
		out = append(out, e.clone())
	}
	slices.SortFunc(out, func(a, b RouteEntry) int {
		return a.Dst.Compare(b.Dst)
	})
	return out
}

func (t *RoutingTable) String() string {
	sb := strings.Builder{}
	for _, e := range t.All() {
		sb.WriteString(e.String())
		sb.WriteString("\n")
	}
	return sb.String()
}

func sortedAddrs(addrs []netip.Addr) []netip.Addr {
	slices.SortFunc(addrs, func(a, b netip.Addr) int {
		return a.Compare(b)
	})
	return addrs
}
