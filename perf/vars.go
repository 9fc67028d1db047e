package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
)

// All protocol-level drops are silent on the wire but observable here.
var (
	ReplayDrops      = expvar.NewInt("weft:drops:replay")
	DuplicateDrops   = expvar.NewInt("weft:drops:duplicate")
	TTLDrops         = expvar.NewInt("weft:drops:ttl")
	QueueDrops       = expvar.NewInt("weft:drops:queue-full")
	VersionDrops     = expvar.NewInt("weft:drops:version")
	UnknownTypeDrops = expvar.NewInt("weft:drops:unknown-type")
	MalformedDrops   = expvar.NewInt("weft:drops:malformed")
	AuthDrops        = expvar.NewInt("weft:drops:auth")

	DeliveryFailures = expvar.NewInt("weft:delivery-failures")
	RouteDiscoveries = expvar.NewInt("weft:route-discoveries")
	RouteRepairs     = expvar.NewInt("weft:route-repairs")
	LinksDied        = expvar.NewInt("weft:links-died")

	DispatchLatency     = metric.NewHistogram("1m1s")
	SentPacketPerSecond = metric.NewCounter("10s1s")
	RecvPacketPerSecond = metric.NewCounter("10s1s")
	SentBytesPerSecond  = metric.NewCounter("10s1s")
	RecvBytesPerSecond  = metric.NewCounter("10s1s")
)

func init() {
	http.Handle("/debug/metrics", metric.Handler(metric.Exposed))
	expvar.Publish("weft:SentPacket/s", SentPacketPerSecond)
	expvar.Publish("weft:RecvPacket/s", RecvPacketPerSecond)
	expvar.Publish("weft:SentBytes/s", SentBytesPerSecond)
	expvar.Publish("weft:RecvBytes/s", RecvBytesPerSecond)
	expvar.Publish("weft:DispatchLatency (µs)", DispatchLatency)
}
