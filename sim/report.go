package sim

import (
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/encodeous/qaodv/aodv"
	"github.com/encodeous/qaodv/protocol"
	"github.com/encodeous/qaodv/qroute"
)

type FlowReport struct {
	From      string
	To        netip.Addr
	Class     protocol.TrafficClass
	Learning  bool
	Sent      int
	Delivered int
	Dropped   int
	// Lost counts packets neither delivered nor reported dropped, including those still in flight
	Lost      int
	MeanDelay time.Duration
	Drops     map[string]int
}

type NodeReport struct {
	Name    string
	Addr    netip.Addr
	Control map[string]int
	// NextHops counts data packets sent to each next hop, per destination
	NextHops       map[netip.Addr]map[netip.Addr]int
	Aodv           aodv.Stats
	Learner        *qroute.Stats
	PhaseChanges   int
	RoutesInSearch int
}

type Report struct {
	Elapsed      time.Duration
	Flows        []FlowReport
	Nodes        []NodeReport
	Control      map[string]int
	LinkFailures int
	WireLoss     int
}

// Report takes a snapshot of every counter in the network
func (nw *Network) Report() *Report {
	r := &Report{
		Elapsed:      nw.Elapsed(),
		Control:      make(map[string]int),
		LinkFailures: nw.linkFailures,
		WireLoss:     nw.wireLoss,
	}
	for _, f := range nw.flows {
		fr := FlowReport{
			From:      f.src.Name,
			To:        f.to,
			Class:     f.cfg.Class,
			Learning:  f.cfg.Learning,
			Sent:      f.sent,
			Delivered: f.delivered,
			Dropped:   f.dropped,
			Lost:      f.sent - f.delivered - f.dropped,
			Drops:     maps.Clone(f.drops),
		}
		if f.delivered > 0 {
			fr.MeanDelay = f.delay / time.Duration(f.delivered)
		}
		r.Flows = append(r.Flows, fr)
	}
	for _, n := range nw.order {
		nr := NodeReport{
			Name:         n.Name,
			Addr:         n.Addr,
			Control:      maps.Clone(n.control),
			NextHops:     make(map[netip.Addr]map[netip.Addr]int, len(n.nextHops)),
			Aodv:         n.Proto.Stats(),
			PhaseChanges: n.phases,
		}
		for dst, usage := range n.nextHops {
			nr.NextHops[dst] = maps.Clone(usage)
		}
		if n.Learner != nil {
			st := n.Learner.Stats()
			nr.Learner = &st
		}
		for _, e := range n.Proto.Table().All() {
			if e.Flag == aodv.InSearch {
				nr.RoutesInSearch++
			}
		}
		for typ, c := range n.control {
			r.Control[typ] += c
		}
		r.Nodes = append(r.Nodes, nr)
	}
	return r
}

func (r *Report) Node(name string) (NodeReport, bool) {
	for _, n := range r.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeReport{}, false
}

// NextHopUsage returns how many data packets node sent towards dst through each neighbour
func (r *Report) NextHopUsage(node string, dst netip.Addr) map[netip.Addr]int {
	n, ok := r.Node(node)
	if !ok {
		return nil
	}
	return n.NextHops[dst]
}

func (r *Report) String() string {
	sb := &strings.Builder{}
	fmt.Fprintf(sb, "simulated %v, %d link failures, %d frames lost on the wire\n\n", r.Elapsed, r.LinkFailures, r.WireLoss)

	tw := tabwriter.NewWriter(sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FLOW\tCLASS\tSENT\tDELIVERED\tDROPPED\tLOST\tMEAN DELAY")
	for _, f := range r.Flows {
		name := fmt.Sprintf("%s -> %s", f.From, f.To)
		if f.Learning {
			name += " (probe)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%v\n", name, f.Class, f.Sent, f.Delivered, f.Dropped, f.Lost, f.MeanDelay)
	}
	_ = tw.Flush()

	sb.WriteString("\ncontrol messages:")
	for _, typ := range slices.Sorted(maps.Keys(r.Control)) {
		fmt.Fprintf(sb, " %s=%d", typ, r.Control[typ])
	}
	sb.WriteString("\n\n")

	tw = tabwriter.NewWriter(sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tDESTINATION\tNEXT HOPS")
	for _, n := range r.Nodes {
		for _, dst := range slices.SortedFunc(maps.Keys(n.NextHops), netip.Addr.Compare) {
			usage := n.NextHops[dst]
			hops := make([]string, 0, len(usage))
			for _, nh := range slices.SortedFunc(maps.Keys(usage), netip.Addr.Compare) {
				hops = append(hops, fmt.Sprintf("%s:%d", nh, usage[nh]))
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", n.Name, dst, strings.Join(hops, " "))
		}
	}
	_ = tw.Flush()
	return sb.String()
}
