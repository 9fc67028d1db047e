package state

import (
	"math"
	"net/netip"
	"slices"
	"time"

	"github.com/google/uuid"
)

type LinkStatus int

const (
	LinkCandidate LinkStatus = iota
	LinkHandshaking
	LinkEstablished
	LinkDegraded
	LinkDead
)

func (ls LinkStatus) String() string {
	switch ls {
	case LinkCandidate:
		return "candidate"
	case LinkHandshaking:
		return "handshaking"
	case LinkEstablished:
		return "established"
	case LinkDegraded:
		return "degraded"
	case LinkDead:
		return "dead"
	}
	return "unknown"
}

// Usable reports whether a session may exist for this status.
func (ls LinkStatus) Usable() bool {
	return ls == LinkEstablished || ls == LinkDegraded
}

// Endpoint is one candidate transport address for a peer. Addresses learned
// from a relay or from gossip are advisory: they stay unvalidated until
// authenticated traffic is observed from them.
type Endpoint struct {
	Id         uuid.UUID
	Addr       netip.AddrPort
	Validated  bool
	RemoteInit bool
}

func NewEndpoint(addr netip.AddrPort, remoteInit bool) *Endpoint {
	return &Endpoint{
		Id:         uuid.New(),
		Addr:       addr,
		RemoteInit: remoteInit,
	}
}

// LinkState is this node's view of one peer link. Owned by the topology
// store; mutated only on the dispatch goroutine by the secure channel and the
// failure detector.
type LinkState struct {
	Peer      PeerId
	Endpoints []*Endpoint
	Status    LinkStatus
	LastSeen  time.Time
	// Relay is the peer forwarding our traffic when no direct path exists.
	Relay       PeerId
	MissedBeats int

	// rtt estimation, exponentially weighted with a windowed median to keep
	// the metric stable under jitter
	history    []time.Duration
	histSort   []time.Duration
	dirty      bool
	prevMedian time.Duration
	expRTT     float64
}

const (
	// INF marks an unusable link metric.
	INF = ^uint32(0)

	rttWindowSamples  = 30
	outlierPercentage = 0.05
	rttAlpha          = 0.0836
)

func NewLinkState(peer PeerId) *LinkState {
	return &LinkState{
		Peer:    peer,
		Status:  LinkCandidate,
		history: make([]time.Duration, 0),
		expRTT:  math.Inf(1),
	}
}

// Direct reports whether the link has a validated transport address of its
// own, as opposed to being reachable only through a relay or a routed path.
func (l *LinkState) Direct() bool {
	_, ok := l.PrimaryAddr()
	return ok
}

// PrimaryAddr returns the first validated endpoint address.
func (l *LinkState) PrimaryAddr() (netip.AddrPort, bool) {
	for _, ep := range l.Endpoints {
		if ep.Validated {
			return ep.Addr, true
		}
	}
	return netip.AddrPort{}, false
}

// FindEndpoint returns the endpoint with the given address, or nil.
func (l *LinkState) FindEndpoint(addr netip.AddrPort) *Endpoint {
	for _, ep := range l.Endpoints {
		if ep.Addr == addr {
			return ep
		}
	}
	return nil
}

// AddEndpoint records a candidate address if it is not already known.
func (l *LinkState) AddEndpoint(addr netip.AddrPort, remoteInit bool) *Endpoint {
	if ep := l.FindEndpoint(addr); ep != nil {
		return ep
	}
	ep := NewEndpoint(addr, remoteInit)
	l.Endpoints = append(l.Endpoints, ep)
	return ep
}

// Renew marks the link alive at now and resets the missed-heartbeat count.
func (l *LinkState) Renew(now time.Time) {
	l.LastSeen = now
	l.MissedBeats = 0
	if l.Status == LinkDegraded {
		l.Status = LinkEstablished
	}
}

func (l *LinkState) UpdateRTT(rtt time.Duration) {
	// the system clock is sometimes not fast enough, so rtt can be 0
	if rtt == 0 {
		rtt = time.Microsecond * 100
	}
	f := float64(rtt)
	if math.IsInf(l.expRTT, 1) {
		l.expRTT = f
	}
	l.expRTT = rttAlpha*f + (1-rttAlpha)*l.expRTT
	l.history = append(l.history, time.Duration(int64(l.expRTT)))
	if len(l.history) > rttWindowSamples {
		l.history = l.history[1:]
	}
	l.dirty = true
}

func (l *LinkState) stabilizedRTT() time.Duration {
	if len(l.history) == 0 {
		return time.Second * 10
	}
	if l.dirty {
		l.histSort = slices.Clone(l.history)
		slices.Sort(l.histSort)
		l.dirty = false
	}
	le := len(l.histSort)
	low := l.histSort[int(float64(le)*outlierPercentage)]
	high := l.histSort[int(float64(le)*(1-outlierPercentage))]
	med := l.histSort[le/2]
	// hold the previous median unless it left the low..high band
	if low > l.prevMedian || high < l.prevMedian {
		l.prevMedian = med
	}
	return l.prevMedian
}

func (l *LinkState) RTT() time.Duration {
	return l.stabilizedRTT()
}

// Metric is the link cost in 100µs steps. Dead or unestablished links cost
// INF.
func (l *LinkState) Metric() uint32 {
	if !l.Status.Usable() {
		return INF
	}
	return uint32(min(max(l.stabilizedRTT().Microseconds()/100, 1), int64(INF)-1))
}

// NeighborInfo is one entry of a gossiped neighbour list.
type NeighborInfo struct {
	Id       PeerId
	Addrs    []netip.AddrPort
	LastSeen int64 // unix milliseconds
	Metric   uint32
}

// MergeGossip merges an incoming neighbour list for peer from. The merge is a
// pure set union keyed by PeerId, freshest LastSeen winning on conflict, so
// applying the same message twice is a no-op.
func (s *State) MergeGossip(from PeerId, list []NeighborInfo) {
	cur := s.Gossip[from]
	for _, in := range list {
		idx := slices.IndexFunc(cur, func(n NeighborInfo) bool { return n.Id == in.Id })
		if idx == -1 {
			cur = append(cur, in)
		} else if in.LastSeen > cur[idx].LastSeen {
			cur[idx] = in
		}
	}
	slices.SortFunc(cur, func(a, b NeighborInfo) int {
		return slices.Compare(a.Id[:], b.Id[:])
	})
	s.Gossip[from] = cur
}

// NeighborDigest builds this node's own neighbour list for gossip.
func (s *State) NeighborDigest() []NeighborInfo {
	digest := make([]NeighborInfo, 0, len(s.Links))
	for _, l := range s.DirectNeighbors() {
		info := NeighborInfo{
			Id:       l.Peer,
			LastSeen: l.LastSeen.UnixMilli(),
			Metric:   l.Metric(),
		}
		for _, ep := range l.Endpoints {
			if ep.Validated && len(info.Addrs) < 3 {
				info.Addrs = append(info.Addrs, ep.Addr)
			}
		}
		digest = append(digest, info)
	}
	slices.SortFunc(digest, func(a, b NeighborInfo) int {
		return slices.Compare(a.Id[:], b.Id[:])
	})
	return digest
}

// LinkSnapshot is an immutable copy of one link used by readers outside the
// dispatch goroutine.
type LinkSnapshot struct {
	Peer     PeerId
	Status   LinkStatus
	Addrs    []netip.AddrPort
	Relay    PeerId
	RTT      time.Duration
	Metric   uint32
	LastSeen time.Time
}

// TopologySnapshot is a copy-on-read view of the topology. Route computation
// and status reporting work over snapshots, never the live structures.
type TopologySnapshot struct {
	Self   PeerId
	Links  map[PeerId]LinkSnapshot
	Gossip map[PeerId][]NeighborInfo
}

func (s *State) Snapshot() *TopologySnapshot {
	snap := &TopologySnapshot{
		Self:   s.Id(),
		Links:  make(map[PeerId]LinkSnapshot, len(s.Links)),
		Gossip: make(map[PeerId][]NeighborInfo, len(s.Gossip)),
	}
	for id, l := range s.Links {
		ls := LinkSnapshot{
			Peer:     l.Peer,
			Status:   l.Status,
			Relay:    l.Relay,
			RTT:      l.stabilizedRTT(),
			Metric:   l.Metric(),
			LastSeen: l.LastSeen,
		}
		for _, ep := range l.Endpoints {
			if ep.Validated {
				ls.Addrs = append(ls.Addrs, ep.Addr)
			}
		}
		snap.Links[id] = ls
	}
	for id, list := range s.Gossip {
		snap.Gossip[id] = slices.Clone(list)
	}
	return snap
}
