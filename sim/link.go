package sim

import (
	"math/rand/v2"
	"net/netip"
	"time"
)

// VirtualLink is a bidirectional radio link between two simulated nodes
type VirtualLink struct {
	A, B       netip.Addr
	Latency    time.Duration
	Jitter     time.Duration
	PacketLoss float64
	Down       bool
}

func (v *VirtualLink) WithLatency(lat, jitter time.Duration) *VirtualLink {
	v.Latency = lat
	v.Jitter = jitter
	return v
}

func (v *VirtualLink) WithPacketLoss(loss float64) *VirtualLink {
	v.PacketLoss = loss
	return v
}

// Other returns the far end of the link as seen from addr
func (v *VirtualLink) Other(addr netip.Addr) netip.Addr {
	if v.A == addr {
		return v.B
	}
	return v.A
}

func (v *VirtualLink) connects(a, b netip.Addr) bool {
	return (v.A == a && v.B == b) || (v.A == b && v.B == a)
}

func (v *VirtualLink) lost(rng *rand.Rand) bool {
	return v.PacketLoss > 0 && rng.Float64() < v.PacketLoss
}

func (v *VirtualLink) delay(rng *rand.Rand) time.Duration {
	if v.Jitter <= 0 {
		return v.Latency
	}
	return v.Latency + time.Duration(rng.Float64()*float64(v.Jitter))
}
