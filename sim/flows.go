package sim

import (
	"errors"
	"net/netip"
	"time"

	"github.com/encodeous/qaodv/aodv"
	"github.com/encodeous/qaodv/protocol"
	"github.com/encodeous/qaodv/state"
)

// probe flows stay between half and twice their configured rate
const (
	minRateFactor = 0.5
	maxRateFactor = 2
)

type flow struct {
	src  *Node
	to   netip.Addr
	cfg  state.FlowCfg
	rate float64

	sent      int
	delivered int
	dropped   int
	delay     time.Duration
	drops     map[string]int
}

// AddFlow generates traffic from src to dst as described by cfg
func (nw *Network) AddFlow(src *Node, cfg state.FlowCfg) {
	f := &flow{
		src:   src,
		to:    cfg.To,
		cfg:   cfg,
		rate:  1,
		drops: make(map[string]int),
	}
	src.flows = append(src.flows, f)
	nw.flows = append(nw.flows, f)
	if src.Learner != nil {
		src.Learner.AddFlow(cfg.To, cfg.Class)
	}
	nw.At(cfg.Start, f.tick)
}

func (f *flow) interval() time.Duration {
	return time.Duration(float64(f.cfg.Interval) / f.rate)
}

func (f *flow) scale(factor float64) {
	f.rate = min(max(f.rate*factor, minRateFactor), maxRateFactor)
	f.src.log.Debug("probe rate changed", "dst", f.to, "interval", f.interval())
}

func (f *flow) tick() {
	nw := f.src.net
	if f.cfg.Stop != 0 && nw.Elapsed() >= f.cfg.Stop {
		return
	}
	f.send()
	nw.clock.Schedule(f.interval(), f.tick)
}

func (f *flow) send() {
	pkt := &protocol.Data{
		Id:       f.src.net.newId(),
		Src:      f.src.Addr,
		Dst:      f.to,
		Class:    f.cfg.Class,
		Learning: f.cfg.Learning,
		Payload:  make([]byte, f.cfg.Size),
	}
	f.sent++
	f.src.net.track(pkt, f)
	err := f.src.Proto.RouteOutput(pkt)
	if err != nil && !errors.Is(err, aodv.ErrDeferred) {
		f.src.log.Debug("packet not sent", "dst", f.to, "err", err)
	}
}
