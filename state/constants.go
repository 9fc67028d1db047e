package state

import "time"

const (
	// WireVersion is the only frame version this node accepts.
	WireVersion = 1

	// TTLMax bounds forwarding of any envelope, even under inconsistent
	// routing state.
	TTLMax = 16

	SafeMTU = 1200
)

var (
	HeartbeatInterval = time.Second * 2
	GossipInterval    = time.Second * 5
	RouteExpiryTime   = time.Second * 60
	DiscoveryTimeout  = time.Second * 5
	HandshakeTimeout  = time.Second * 5

	// Failure detection thresholds, in consecutive missed heartbeats.
	DegradedThreshold = 3
	DeadThreshold     = 6

	// NAT traversal: punch attempt schedule and overall deadline.
	PunchAttempts     = 3
	PunchBackoffBase  = time.Millisecond * 200
	TraversalTimeout  = time.Second * 10
	SendQueueCapacity = 64
	SeenCacheCapacity = 4096

	RequestDedupTTL = time.Second * 3
	ProbeTokenTTL   = time.Second * 10
	GcDelay         = time.Second * 1

	// DefaultPort is the UDP port weft binds when the config does not name one.
	DefaultPort = 48722
)
