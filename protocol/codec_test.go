package protocol

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addrA = netip.MustParseAddr("10.0.0.1")
	addrB = netip.MustParseAddr("10.0.0.2")
	addrC = netip.MustParseAddr("10.0.0.3")
)

func TestRouteRequestEnvelope(t *testing.T) {
	req := &RouteRequest{
		Gratuitous:   true,
		UnknownSeqno: true,
		HopCount:     3,
		Id:           42,
		Dst:          addrC,
		Origin:       addrA,
		OriginSeqno:  7,
	}
	env, err := Unmarshal(Marshal(5, req))
	require.NoError(t, err)
	assert.Equal(t, uint8(5), env.TTL)
	assert.Equal(t, req, env.Msg)
}

func TestRouteReplyHello(t *testing.T) {
	sent := time.Date(2000, 1, 1, 0, 0, 1, 500, time.UTC)
	rep := &RouteReply{Dst: addrB, Origin: addrB, DstSeqno: 9, Lifetime: 2 * time.Second, SentAt: sent}
	env, err := Unmarshal(Marshal(1, rep))
	require.NoError(t, err)
	got := env.Msg.(*RouteReply)
	assert.True(t, got.IsHello())
	assert.Equal(t, 2*time.Second, got.Lifetime)
	assert.True(t, got.SentAt.Equal(sent))
}

func TestRouteErrorList(t *testing.T) {
	old := MaxUnreachable
	MaxUnreachable = 2
	defer func() { MaxUnreachable = old }()

	rerr := &RouteError{}
	assert.True(t, rerr.Add(addrA, 1))
	assert.True(t, rerr.Add(addrA, 1), "duplicate destinations are accepted without growing the list")
	assert.True(t, rerr.Add(addrB, 2))
	assert.False(t, rerr.Add(addrC, 3), "list is full")

	env, err := Unmarshal(Marshal(1, rerr))
	require.NoError(t, err)
	got := env.Msg.(*RouteError)
	assert.Equal(t, []UnreachableDst{{addrA, 1}, {addrB, 2}}, got.Unreachable)

	u, ok := got.Remove()
	assert.True(t, ok)
	assert.Equal(t, addrA, u.Addr)
	assert.Len(t, got.Unreachable, 1)
}

func TestDataWithEstimatorInfo(t *testing.T) {
	d := &Data{
		Id:       uuid.New(),
		Src:      addrA,
		Dst:      addrC,
		Class:    ClassB,
		Learning: true,
		Q:        &QInfo{SentAt: time.Unix(10, 0), PrevHop: addrB, Maint: true},
		Payload:  []byte("hello"),
	}
	env, err := Unmarshal(Marshal(17, d))
	require.NoError(t, err)
	got := env.Msg.(*Data)
	assert.Equal(t, uint8(17), got.TTL)
	assert.Equal(t, d.Id, got.Id)
	assert.Equal(t, ClassB, got.Class)
	require.NotNil(t, got.Q)
	assert.Equal(t, addrB, got.Q.PrevHop)
	assert.True(t, got.Q.Maint)
	assert.False(t, got.Q.UsableDelay)
	assert.Equal(t, []byte("hello"), got.Payload)

	// an empty QInfo still survives the trip
	d.Q = &QInfo{}
	env, err = Unmarshal(Marshal(1, d))
	require.NoError(t, err)
	assert.NotNil(t, env.Msg.(*Data).Q)
}

func TestFeedbackEnvelope(t *testing.T) {
	fb := &Feedback{
		PacketId:        uuid.New(),
		Dst:             addrC,
		Class:           ClassA,
		Travel:          12 * time.Millisecond,
		NextEstimate:    30 * time.Millisecond,
		RealLoss:        0.75,
		Received:        12,
		SenderConverged: true,
	}
	env, err := Unmarshal(Marshal(1, fb))
	require.NoError(t, err)
	assert.Equal(t, fb, env.Msg)
}

func TestUnmarshalMalformed(t *testing.T) {
	tests := map[string][]byte{
		"empty":        {},
		"short":        {byte(TypeRouteRequest)},
		"unknown type": {99, 1},
		"missing dst":  Marshal(1, &RouteRequest{Origin: addrA}),
		"truncated":    Marshal(1, &RouteRequest{Origin: addrA, Dst: addrB})[:5],
		"bad address":  {byte(TypeRouteReply), 1, 0x22, 0x03, 1, 2, 3},
		"bad type":     append([]byte{byte(TypeRouteRequest), 1}, 0x40, 0x01),
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Unmarshal(b)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestTrafficClassText(t *testing.T) {
	var c TrafficClass
	require.NoError(t, c.UnmarshalText([]byte("video")))
	assert.Equal(t, ClassB, c)
	assert.Equal(t, ClassC, ClassOther.Table())
	assert.Equal(t, 100*time.Millisecond, ClassA.Requirements().MaxDelay)
	assert.Error(t, c.UnmarshalText([]byte("gold")))
}
