package protocol

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
)

type MessageType uint8

const (
	TypeRouteRequest MessageType = iota + 1
	TypeRouteReply
	TypeRouteError
	TypeRouteReplyAck
	TypeFeedback
	TypeData
)

func (t MessageType) String() string {
	switch t {
	case TypeRouteRequest:
		return "RREQ"
	case TypeRouteReply:
		return "RREP"
	case TypeRouteError:
		return "RERR"
	case TypeRouteReplyAck:
		return "RREP_ACK"
	case TypeFeedback:
		return "FEEDBACK"
	case TypeData:
		return "DATA"
	default:
		return "UNKNOWN"
	}
}

// Message is any payload that can be carried in an Envelope
type Message interface {
	Type() MessageType
	appendBody(b []byte) []byte
	decodeBody(d *decoder)
}

type RouteRequest struct {
	Join            bool
	Repair          bool
	Gratuitous      bool
	DestinationOnly bool
	UnknownSeqno    bool
	HopCount        uint8
	Id              uint32
	Dst             netip.Addr
	DstSeqno        uint32
	Origin          netip.Addr
	OriginSeqno     uint32
}

func (*RouteRequest) Type() MessageType { return TypeRouteRequest }

// RouteReply doubles as a hello message when Dst equals Origin
type RouteReply struct {
	Repair      bool
	AckRequired bool
	HopCount    uint8
	Dst         netip.Addr
	DstSeqno    uint32
	Origin      netip.Addr
	Lifetime    time.Duration
	// SentAt is stamped by the replying node and gives the first travel time estimate upstream
	SentAt time.Time
}

func (*RouteReply) Type() MessageType { return TypeRouteReply }

func (r *RouteReply) IsHello() bool {
	return r.Dst == r.Origin
}

type UnreachableDst struct {
	Addr  netip.Addr
	Seqno uint32
}

// MaxUnreachable is the largest destination list a single RouteError carries
var MaxUnreachable = 255

type RouteError struct {
	NoDelete    bool
	Unreachable []UnreachableDst
}

func (*RouteError) Type() MessageType { return TypeRouteError }

// Add appends dst to the list. It returns false if the message is full.
func (e *RouteError) Add(dst netip.Addr, seqno uint32) bool {
	for _, u := range e.Unreachable {
		if u.Addr == dst {
			return true
		}
	}
	if len(e.Unreachable) >= MaxUnreachable {
		return false
	}
	e.Unreachable = append(e.Unreachable, UnreachableDst{Addr: dst, Seqno: seqno})
	return true
}

// Remove pops the first destination in the list
func (e *RouteError) Remove() (UnreachableDst, bool) {
	if len(e.Unreachable) == 0 {
		return UnreachableDst{}, false
	}
	u := e.Unreachable[0]
	e.Unreachable = e.Unreachable[1:]
	return u, true
}

type RouteReplyAck struct{}

func (*RouteReplyAck) Type() MessageType { return TypeRouteReplyAck }

// Feedback reports the observed cost of a data packet back to the hop that forwarded it
type Feedback struct {
	PacketId        uuid.UUID
	Dst             netip.Addr
	Class           TrafficClass
	Travel          time.Duration
	NextEstimate    time.Duration
	RealDelay       time.Duration
	RealLoss        float64 // fraction of packets delivered, 1 means nothing was lost
	Received        uint32
	SenderConverged bool
	SentAt          time.Time
}

func (*Feedback) Type() MessageType { return TypeFeedback }

// QInfo is attached to data packets the estimator wants feedback for
type QInfo struct {
	SentAt      time.Time
	PrevHop     netip.Addr
	Maint       bool
	UsableDelay bool
}

type Data struct {
	Id       uuid.UUID
	Src      netip.Addr
	Dst      netip.Addr
	TTL      uint8
	Class    TrafficClass
	Learning bool
	Q        *QInfo
	Payload  []byte
}

func (*Data) Type() MessageType { return TypeData }

// Clone returns a copy safe to mutate on another hop
func (d *Data) Clone() *Data {
	c := *d
	if d.Q != nil {
		q := *d.Q
		c.Q = &q
	}
	return &c
}

func (d *Data) IsBroadcast() bool {
	return d.Dst == BroadcastAddr
}

var BroadcastAddr = netip.AddrFrom4([4]byte{255, 255, 255, 255})
