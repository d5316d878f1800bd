package core

import (
	"errors"
	"time"

	"github.com/encodeous/qaodv/aodv"
	"github.com/encodeous/qaodv/protocol"
	"github.com/encodeous/qaodv/state"
	"github.com/google/uuid"
)

// generator originates one configured flow on the dispatch goroutine
type generator struct {
	node    *Node
	cfg     state.FlowCfg
	rate    float64
	started time.Time
	timer   *state.Timer
	sent    int
}

func newGenerator(n *Node, cfg state.FlowCfg) *generator {
	return &generator{node: n, cfg: cfg, rate: 1}
}

func (g *generator) start() {
	g.started = g.node.env.Now()
	g.timer = g.node.env.Schedule(g.cfg.Start, g.tick)
}

func (g *generator) stop() {
	g.timer.Cancel()
}

// scale changes the probe rate by factor, bounded to a quarter and four times the configured rate
func (g *generator) scale(factor float64) {
	g.rate = min(max(g.rate*factor, 0.25), 4)
	g.node.env.Log.Debug("probe rate changed", "dst", g.cfg.To, "interval", g.interval())
}

func (g *generator) interval() time.Duration {
	return time.Duration(float64(g.cfg.Interval) / g.rate)
}

func (g *generator) tick() {
	if g.cfg.Stop != 0 && g.node.env.Now().Sub(g.started) >= g.cfg.Stop {
		return
	}
	pkt := &protocol.Data{
		Id:       uuid.New(),
		Dst:      g.cfg.To,
		Class:    g.cfg.Class,
		Learning: g.cfg.Learning,
		Payload:  make([]byte, g.cfg.Size),
	}
	g.sent++
	if err := g.node.Proto.RouteOutput(pkt); err != nil && !errors.Is(err, aodv.ErrDeferred) {
		g.node.env.Log.Debug("packet not sent", "dst", g.cfg.To, "err", err)
	}
	g.timer = g.node.env.Schedule(g.interval(), g.tick)
}
