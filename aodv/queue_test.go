package aodv

import (
	"net/netip"
	"testing"
	"time"

	"github.com/encodeous/qaodv/protocol"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dropRecorder struct {
	reasons map[uuid.UUID]error
}

func (d *dropRecorder) drop(pkt *protocol.Data, reason error) {
	d.reasons[pkt.Id] = reason
}

func newTestQueue(maxLen int, maxAge time.Duration) (*PacketQueue, *dropRecorder) {
	rec := &dropRecorder{reasons: make(map[uuid.UUID]error)}
	return NewPacketQueue(maxLen, maxAge, rec.drop), rec
}

func queued(dst netip.Addr) *protocol.Data {
	return &protocol.Data{Id: uuid.New(), Src: addrA, Dst: dst}
}

func TestQueueFifoPerDestination(t *testing.T) {
	q, _ := newTestQueue(8, time.Minute)
	now := testEpoch
	d1, x1, d2 := queued(addrD), queued(addrX), queued(addrD)
	for _, pkt := range []*protocol.Data{d1, x1, d2} {
		require.NoError(t, q.Enqueue(pkt, now))
	}
	assert.True(t, q.Find(addrX))
	assert.False(t, q.Find(addrB))

	got, ok := q.Dequeue(addrD, now)
	require.True(t, ok)
	assert.Equal(t, d1.Id, got.Id)
	got, _ = q.Dequeue(addrD, now)
	assert.Equal(t, d2.Id, got.Id)
	_, ok = q.Dequeue(addrD, now)
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len())
}

func TestQueueRejects(t *testing.T) {
	q, _ := newTestQueue(2, time.Minute)
	pkt := queued(addrD)
	require.NoError(t, q.Enqueue(pkt, testEpoch))
	assert.ErrorIs(t, q.Enqueue(pkt, testEpoch), ErrDuplicate)
	require.NoError(t, q.Enqueue(queued(addrD), testEpoch))
	assert.ErrorIs(t, q.Enqueue(queued(addrD), testEpoch), ErrQueueFull)
	assert.Equal(t, 2, q.Len())
}

func TestQueueExpiry(t *testing.T) {
	q, rec := newTestQueue(8, 30*time.Second)
	old, fresh := queued(addrD), queued(addrD)
	require.NoError(t, q.Enqueue(old, testEpoch))
	require.NoError(t, q.Enqueue(fresh, testEpoch.Add(20*time.Second)))

	got, ok := q.Dequeue(addrD, testEpoch.Add(30*time.Second))
	require.True(t, ok)
	assert.Equal(t, fresh.Id, got.Id)
	assert.ErrorIs(t, rec.reasons[old.Id], ErrQueueTimeout)
}

func TestQueueDropWithDst(t *testing.T) {
	q, rec := newTestQueue(8, time.Minute)
	d, x := queued(addrD), queued(addrX)
	_ = q.Enqueue(d, testEpoch)
	_ = q.Enqueue(x, testEpoch)
	assert.Equal(t, 1, q.DropWithDst(addrD, ErrDiscoveryFailed))
	assert.ErrorIs(t, rec.reasons[d.Id], ErrDiscoveryFailed)
	assert.NotContains(t, rec.reasons, x.Id)

	q.Clear(ErrInterfaceDown)
	assert.ErrorIs(t, rec.reasons[x.Id], ErrInterfaceDown)
	assert.Equal(t, 0, q.Len())
}
