package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
)

var (
	DispatchLatency       = metric.NewHistogram("1m1s")
	ControlSentPerSecond  = metric.NewCounter("10s1s")
	ControlRecvPerSecond  = metric.NewCounter("10s1s")
	DataSentPerSecond     = metric.NewCounter("10s1s")
	DataRecvPerSecond     = metric.NewCounter("10s1s")
	DataDroppedPerSecond  = metric.NewCounter("10s1s")
	FeedbackPerSecond     = metric.NewCounter("10s1s")
	SentBytesPerSecond    = metric.NewCounter("10s1s")
	RecvBytesPerSecond    = metric.NewCounter("10s1s")
	DiscoveryLatency      = metric.NewHistogram("1m1s")
	RouteTableSize        = metric.NewGauge("1m10s")
	EstimateUpdateDelta   = metric.NewHistogram("1m1s")
	PacketQueueOccupation = metric.NewGauge("1m10s")
)

func init() {
	http.Handle("/debug/metrics", metric.Handler(metric.Exposed))
	expvar.Publish("qaodv:ControlSent/s", ControlSentPerSecond)
	expvar.Publish("qaodv:ControlRecv/s", ControlRecvPerSecond)
	expvar.Publish("qaodv:DataSent/s", DataSentPerSecond)
	expvar.Publish("qaodv:DataRecv/s", DataRecvPerSecond)
	expvar.Publish("qaodv:DataDropped/s", DataDroppedPerSecond)
	expvar.Publish("qaodv:Feedback/s", FeedbackPerSecond)
	expvar.Publish("qaodv:SentBytes/s", SentBytesPerSecond)
	expvar.Publish("qaodv:RecvBytes/s", RecvBytesPerSecond)
	expvar.Publish("qaodv:DispatchLatency (µs)", DispatchLatency)
	expvar.Publish("qaodv:DiscoveryLatency (ms)", DiscoveryLatency)
	expvar.Publish("qaodv:RouteTableSize", RouteTableSize)
	expvar.Publish("qaodv:EstimateUpdateDelta (%)", EstimateUpdateDelta)
	expvar.Publish("qaodv:PacketQueue", PacketQueueOccupation)
}
