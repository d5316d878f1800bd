package aodv

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/encodeous/qaodv/protocol"
	"github.com/encodeous/qaodv/state"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
)

var (
	addrA = netip.MustParseAddr("10.0.0.1")
	addrB = netip.MustParseAddr("10.0.0.2")
	addrC = netip.MustParseAddr("10.0.0.3")
	addrD = netip.MustParseAddr("10.0.0.4")
	addrX = netip.MustParseAddr("10.0.0.99")
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func ConfigureConstants(t *testing.T) {
	jitter := state.JitterMax
	state.JitterMax = 0
	t.Cleanup(func() {
		state.JitterMax = jitter
	})
}

type HarnessEvent struct {
	Message string
	Args    []any
}

func MakeEvent(msg string, args ...any) HarnessEvent {
	return HarnessEvent{
		Message: msg,
		Args:    args,
	}
}

// RouterHarness is a Transport that records everything the protocol does
type RouterHarness struct {
	actions []HarnessEvent
	sent    []protocol.Envelope
	clk     *state.VirtualClock
}

func (h *RouterHarness) Send(to netip.Addr, port uint16, b []byte) {
	env, err := protocol.Unmarshal(b)
	if err != nil {
		panic(err)
	}
	h.sent = append(h.sent, env)
	h.actions = append(h.actions, MakeEvent("SEND", to, port, env.Msg.Type(), env.TTL))
}

func (h *RouterHarness) Broadcast(port uint16, b []byte) {
	env, err := protocol.Unmarshal(b)
	if err != nil {
		panic(err)
	}
	h.sent = append(h.sent, env)
	h.actions = append(h.actions, MakeEvent("BROADCAST", port, env.Msg.Type(), env.TTL))
}

func (h *RouterHarness) Deliver(pkt *protocol.Data) {
	h.actions = append(h.actions, MakeEvent("DELIVER", pkt.Src, pkt.Dst, pkt.Id))
}

func (h *RouterHarness) Drop(pkt *protocol.Data, reason error) {
	h.actions = append(h.actions, MakeEvent("DROP", pkt.Dst, reason))
}

type HarnessEvents []HarnessEvent

func (h HarnessEvents) String() string {
	out := make([]string, 0)
	for _, action := range h {
		cur := action.Message
		for _, arg := range action.Args {
			cur += " " + fmt.Sprint(arg)
		}
		out = append(out, cur)
	}
	slices.Sort(out)
	return strings.Join(out, "\n")
}

// GetActions returns and forgets everything recorded so far
func (h *RouterHarness) GetActions() HarnessEvents {
	x := h.actions
	h.actions = make([]HarnessEvent, 0)
	return x
}

// Messages returns and forgets every control or data message sent so far
func (h *RouterHarness) Messages() []protocol.Envelope {
	x := h.sent
	h.sent = nil
	return x
}

func (e HarnessEvents) contains(msg string, args ...any) bool {
	for _, event := range e {
		if event.Message == msg {
			if len(event.Args) >= len(args) {
				match := true
				for i, arg := range args {
					if !cmp.Equal(event.Args[i], arg, cmpopts.EquateComparable(netip.Addr{}, uuid.UUID{}), cmpopts.EquateErrors()) {
						match = false
						break
					}
				}
				if match {
					return true
				}
			}
		}
	}
	return false
}

func (e HarnessEvents) count(msg string, args ...any) int {
	n := 0
	for _, event := range e {
		if (HarnessEvents{event}).contains(msg, args...) {
			n++
		}
	}
	return n
}

func (e HarnessEvents) AssertContains(t *testing.T, msg string, args ...any) {
	t.Helper()
	if e.contains(msg, args...) {
		return
	}
	t.Fatal("Expected event not found: ", msg, " with args: ", args, " in ", e)
}

func (e HarnessEvents) AssertNotContains(t *testing.T, msg string, args ...any) {
	t.Helper()
	if e.contains(msg, args...) {
		t.Fatal("Unexpected event found: ", msg, " with args: ", args, " in ", e)
	}
}

type fakeEstimator struct {
	next      netip.Addr
	err       error
	known     map[netip.Addr]bool
	linkDown  []netip.Addr
	neighbors map[netip.Addr]bool
	observed  int
	dropAll   bool
}

func newFakeEstimator() *fakeEstimator {
	return &fakeEstimator{known: make(map[netip.Addr]bool), neighbors: make(map[netip.Addr]bool)}
}

func (f *fakeEstimator) AddNeighbour(nb netip.Addr) { f.neighbors[nb] = true }

func (f *fakeEstimator) NotifyLinkDown(nb netip.Addr) { f.linkDown = append(f.linkDown, nb) }

func (f *fakeEstimator) AddDestination(via, dst netip.Addr, t time.Duration) error {
	f.known[dst] = true
	return nil
}

func (f *fakeEstimator) KnowsDestination(dst netip.Addr) bool { return f.known[dst] }

func (f *fakeEstimator) ChangeValuesFromZero(dst, nextHop netip.Addr) {}

func (f *fakeEstimator) PrepareOutput(pkt *protocol.Data) {}

func (f *fakeEstimator) Observe(pkt *protocol.Data, from netip.Addr) bool {
	f.observed++
	return !f.dropAll
}

func (f *fakeEstimator) Route(pkt *protocol.Data, gateway netip.Addr) (netip.Addr, error) {
	if f.err != nil {
		return netip.Addr{}, f.err
	}
	if !f.next.IsValid() {
		return gateway, nil
	}
	return f.next, nil
}

type testNode struct {
	*Protocol
	h   *RouterHarness
	clk *state.VirtualClock
}

func newTestNode(t *testing.T, self netip.Addr, mutate func(cfg *state.AodvCfg), opts ...Option) *testNode {
	ConfigureConstants(t)
	cfg := state.DefaultAodvCfg()
	if mutate != nil {
		mutate(&cfg)
	}
	clk := state.NewVirtualClock(testEpoch)
	h := &RouterHarness{clk: clk}
	opts = append([]Option{
		WithRand(rand.New(rand.NewPCG(1, 2))),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	p := New(self, cfg, clk, h, opts...)
	p.Start()
	return &testNode{Protocol: p, h: h, clk: clk}
}

// control feeds a control message from sender into the node and runs due timers
func (n *testNode) control(t *testing.T, sender netip.Addr, ttl uint8, msg protocol.Message) {
	t.Helper()
	if err := n.HandleControl(protocol.Marshal(ttl, msg), sender); err != nil {
		t.Fatalf("HandleControl: %v", err)
	}
	n.clk.Advance(0)
}

func (n *testNode) output(dst netip.Addr) (*protocol.Data, error) {
	pkt := &protocol.Data{Id: uuid.New(), Dst: dst, Class: protocol.ClassC}
	err := n.RouteOutput(pkt)
	n.clk.Advance(0)
	return pkt, err
}

// lastOf returns the last recorded message of type typ
func lastOf[T protocol.Message](msgs []protocol.Envelope) (T, uint8, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if m, ok := msgs[i].Msg.(T); ok {
			return m, msgs[i].TTL, true
		}
	}
	var zero T
	return zero, 0, false
}
