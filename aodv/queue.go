package aodv

import (
	"net/netip"
	"time"

	"github.com/encodeous/qaodv/protocol"
)

type QueueEntry struct {
	Packet   *protocol.Data
	QueuedAt time.Time
}

// PacketQueue holds data packets while their route is being discovered.
// It is bounded by length and by the age of each packet.
type PacketQueue struct {
	entries []QueueEntry
	maxLen  int
	maxAge  time.Duration
	drop    func(pkt *protocol.Data, reason error)
}

func NewPacketQueue(maxLen int, maxAge time.Duration, drop func(*protocol.Data, error)) *PacketQueue {
	return &PacketQueue{maxLen: maxLen, maxAge: maxAge, drop: drop}
}

func (q *PacketQueue) purge(now time.Time) {
	kept := q.entries[:0]
	for _, e := range q.entries {
		if now.Sub(e.QueuedAt) < q.maxAge {
			kept = append(kept, e)
		} else {
			q.drop(e.Packet, ErrQueueTimeout)
		}
	}
	clear(q.entries[len(kept):])
	q.entries = kept
}

// Enqueue appends pkt. It fails for a packet already queued or when the queue is full.
func (q *PacketQueue) Enqueue(pkt *protocol.Data, now time.Time) error {
	q.purge(now)
	for _, e := range q.entries {
		if e.Packet.Id == pkt.Id && e.Packet.Dst == pkt.Dst {
			return ErrDuplicate
		}
	}
	if len(q.entries) >= q.maxLen {
		return ErrQueueFull
	}
	q.entries = append(q.entries, QueueEntry{Packet: pkt, QueuedAt: now})
	return nil
}

// Dequeue removes the oldest packet queued for dst
func (q *PacketQueue) Dequeue(dst netip.Addr, now time.Time) (*protocol.Data, bool) {
	q.purge(now)
	for i, e := range q.entries {
		if e.Packet.Dst == dst {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return e.Packet, true
		}
	}
	return nil, false
}

// DropWithDst discards every packet for dst, reporting reason for each
func (q *PacketQueue) DropWithDst(dst netip.Addr, reason error) int {
	kept := q.entries[:0]
	dropped := 0
	for _, e := range q.entries {
		if e.Packet.Dst == dst {
			q.drop(e.Packet, reason)
			dropped++
		} else {
			kept = append(kept, e)
		}
	}
	clear(q.entries[len(kept):])
	q.entries = kept
	return dropped
}

func (q *PacketQueue) Find(dst netip.Addr) bool {
	for _, e := range q.entries {
		if e.Packet.Dst == dst {
			return true
		}
	}
	return false
}

func (q *PacketQueue) Len() int {
	return len(q.entries)
}

func (q *PacketQueue) Clear(reason error) {
	for _, e := range q.entries {
		q.drop(e.Packet, reason)
	}
	q.entries = nil
}
