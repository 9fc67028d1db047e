package state

import "time"

// RouteEntry is one entry of the route table. Sequence numbers are assigned
// by the destination and never decrease within this node's memory: a fresher
// sequence always wins, an equal sequence prefers fewer hops, then the lower
// accumulated path metric.
type RouteEntry struct {
	Dest       PeerId
	NextHop    PeerId
	HopCount   uint8
	Seq        uint64
	PathMetric uint32
	Expiry     time.Time
	// Precursors are upstream neighbours observed using this route; they are
	// notified with a RouteError when the route breaks.
	Precursors map[PeerId]struct{}
}

// Better reports whether candidate should replace cur.
func (cur *RouteEntry) Better(candidate *RouteEntry) bool {
	if candidate.Seq != cur.Seq {
		return candidate.Seq > cur.Seq
	}
	if candidate.HopCount != cur.HopCount {
		return candidate.HopCount < cur.HopCount
	}
	return candidate.PathMetric < cur.PathMetric
}

// RouteSnapshot is the lock-free forwarding view published by the route
// engine after every table mutation. Readers never observe a partially
// updated table.
type RouteSnapshot struct {
	Routes map[PeerId]RouteEntry
}

func (rs *RouteSnapshot) Lookup(dest PeerId) (RouteEntry, bool) {
	if rs == nil {
		return RouteEntry{}, false
	}
	e, ok := rs.Routes[dest]
	return e, ok
}
