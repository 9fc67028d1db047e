package core

import (
	"slices"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/weftmesh/weft/perf"
	"github.com/weftmesh/weft/state"
	"github.com/weftmesh/weft/wire"
)

// seqRebaseWindow bounds how far a requester's KnownSeq may pull our own
// destination sequence forward. The rebase exists to recover after a restart
// resets the counter.
const seqRebaseWindow = 1 << 20

// dedupKey identifies one flood: the node the flood is about plus its
// sequence number.
type dedupKey struct {
	Origin state.PeerId
	Seq    uint64
	Typ    wire.Type
}

// RouteEngine is the reactive route discovery engine. Routes are built on
// demand by flooding a request toward the destination and retracing the
// recorded path with a reply; broken routes are torn down with errors and
// rediscovered.
//
// Flooded and path-retraced control is processed hop by hop: each hop opens
// the frame under its session with the previous hop and re-seals toward the
// next, so the frame's origin field always names the adjacent sender. The
// requester's identity rides in the request path instead.
type RouteEngine struct {
	env *state.Env

	table map[state.PeerId]*state.RouteEntry
	snap  atomic.Pointer[state.RouteSnapshot]

	// ownSeq is this node's destination sequence number. It only grows, and
	// every answer about ourselves carries it; stale announcements lose.
	ownSeq uint64
	// reqSeq numbers our own discovery floods.
	reqSeq uint64

	dedup   *ttlcache.Cache[dedupKey, struct{}]
	pending map[state.PeerId]uint64
}

func (r *RouteEngine) Init(s *state.State) error {
	r.env = s.Env
	r.table = make(map[state.PeerId]*state.RouteEntry)
	r.pending = make(map[state.PeerId]uint64)
	// no eviction goroutine; the gc task sweeps expired entries
	r.dedup = ttlcache.New[dedupKey, struct{}](
		ttlcache.WithTTL[dedupKey, struct{}](state.RequestDedupTTL),
		ttlcache.WithDisableTouchOnHit[dedupKey, struct{}](),
	)
	r.publish()

	s.Env.RepeatTask(func(s *state.State) error {
		r.gc(s)
		return nil
	}, state.GcDelay)
	return nil
}

func (r *RouteEngine) Cleanup(s *state.State) error {
	return nil
}

// Table returns the current forwarding snapshot. Safe from any goroutine.
func (r *RouteEngine) Table() *state.RouteSnapshot {
	return r.snap.Load()
}

func (r *RouteEngine) publish() {
	snap := &state.RouteSnapshot{Routes: make(map[state.PeerId]state.RouteEntry, len(r.table))}
	for id, e := range r.table {
		snap.Routes[id] = *e
	}
	r.snap.Store(snap)
}

// gc drops expired entries and refreshes the one-hop entries for live direct
// neighbours.
func (r *RouteEngine) gc(s *state.State) {
	r.dedup.DeleteExpired()
	now := s.Clock.Now()
	changed := false
	for _, l := range s.DirectNeighbors() {
		r.installNeighbor(s, l)
		changed = true
	}
	for id, e := range r.table {
		if now.After(e.Expiry) {
			delete(r.table, id)
			changed = true
		}
	}
	if changed {
		r.publish()
	}
}

func (r *RouteEngine) expiry(s *state.State) time.Time {
	return s.Clock.Now().Add(s.Config.RouteTTL.Std())
}

func (r *RouteEngine) installNeighbor(s *state.State, l *state.LinkState) {
	e, ok := r.table[l.Peer]
	if !ok {
		e = &state.RouteEntry{Dest: l.Peer, Precursors: make(map[state.PeerId]struct{})}
		r.table[l.Peer] = e
	}
	e.NextHop = l.Peer
	e.HopCount = 1
	e.PathMetric = l.Metric()
	e.Expiry = r.expiry(s)
}

// install offers a candidate entry. Existing fresher entries survive; the
// winner's expiry is always renewed.
func (r *RouteEngine) install(s *state.State, cand *state.RouteEntry) bool {
	cur, ok := r.table[cand.Dest]
	if ok && !cur.Better(cand) {
		cur.Expiry = r.expiry(s)
		return false
	}
	if ok {
		// carry the precursor set across the replacement
		for p := range cur.Precursors {
			cand.Precursors[p] = struct{}{}
		}
	}
	cand.Expiry = r.expiry(s)
	r.table[cand.Dest] = cand
	r.publish()
	if _, pend := r.pending[cand.Dest]; pend {
		delete(r.pending, cand.Dest)
		Get[*Forwarder](s).routeFound(s, cand.Dest)
	}
	return true
}

// Discover floods a route request toward dest. Discovery is asynchronous;
// traffic waits in the forwarder's pending queue meanwhile.
func (r *RouteEngine) Discover(s *state.State, dest state.PeerId) {
	if _, ok := r.pending[dest]; ok {
		return
	}
	r.reqSeq++
	seq := r.reqSeq
	r.pending[dest] = seq
	perf.RouteDiscoveries.Add(1)

	var known uint64
	if e, ok := r.table[dest]; ok {
		known = e.Seq
	}
	rr := &wire.RouteRequest{
		KnownSeq: known,
		Path:     []state.PeerId{s.Id()},
	}
	r.dedup.Set(dedupKey{s.Id(), seq, wire.TypeRouteRequest}, struct{}{}, ttlcache.DefaultTTL)
	r.flood(s, state.ZeroPeer, wire.TypeRouteRequest, dest, seq, state.TTLMax, rr.Encode())

	s.Env.ScheduleTask(func(s *state.State) error {
		if cur, ok := r.pending[dest]; ok && cur == seq {
			delete(r.pending, dest)
			s.Log.Debug("route discovery timed out", "dest", dest)
			Get[*Forwarder](s).discoveryFailed(s, dest)
		}
		return nil
	}, state.DiscoveryTimeout)
}

// flood re-seals the payload toward every usable direct neighbour except the
// one it came from.
func (r *RouteEngine) flood(s *state.State, except state.PeerId, typ wire.Type, dest state.PeerId, seq uint64, ttl uint8, payload []byte) {
	t := Get[*Transport](s)
	ch := Get[*SecureChannel](s)
	for _, n := range s.DirectNeighbors() {
		if n.Peer == except {
			continue
		}
		addr, ok := n.PrimaryAddr()
		if !ok {
			continue
		}
		f := &wire.Frame{
			Version: wire.Version,
			Type:    typ,
			TTL:     ttl,
			Origin:  s.Id(),
			Dest:    dest,
			Seq:     seq,
			Payload: payload,
		}
		if err := ch.Seal(s, n.Peer, f); err != nil {
			continue
		}
		if err := t.SendRaw(addr, f); err != nil {
			s.Log.Debug("flood send failed", "to", n.Peer, "err", err)
		}
	}
}

// sendAlong re-seals a path-retraced frame to one specific neighbour.
func (r *RouteEngine) sendAlong(s *state.State, to state.PeerId, typ wire.Type, dest state.PeerId, seq uint64, ttl uint8, payload []byte) {
	link := s.GetLink(to)
	if link == nil || !link.Status.Usable() {
		return
	}
	addr, ok := link.PrimaryAddr()
	if !ok {
		return
	}
	f := &wire.Frame{
		Version: wire.Version,
		Type:    typ,
		TTL:     ttl,
		Origin:  s.Id(),
		Dest:    dest,
		Seq:     seq,
		Payload: payload,
	}
	ch := Get[*SecureChannel](s)
	if err := ch.Seal(s, to, f); err != nil {
		return
	}
	if err := Get[*Transport](s).SendRaw(addr, f); err != nil {
		s.Log.Debug("reply send failed", "to", to, "err", err)
	}
}

// handleRouteRequest processes a request received from direct neighbour prev.
// The requester is the head of the path; the request sequence rides in the
// frame header.
func (r *RouteEngine) handleRouteRequest(s *state.State, prev state.PeerId, f *wire.Frame) {
	rr := &wire.RouteRequest{}
	if err := rr.Decode(f.Payload); err != nil || len(rr.Path) == 0 {
		perf.MalformedDrops.Add(1)
		return
	}
	origin := rr.Path[0]
	if origin == s.Id() {
		return // our own flood came back around
	}
	key := dedupKey{origin, f.Seq, wire.TypeRouteRequest}
	if r.dedup.Has(key) {
		perf.DuplicateDrops.Add(1)
		return
	}
	r.dedup.Set(key, struct{}{}, ttlcache.DefaultTTL)
	if slices.Contains(rr.Path, s.Id()) {
		return
	}

	// learn the reverse route toward the requester while the request passes
	prevLink := s.GetLink(prev)
	if prevLink == nil {
		return
	}
	r.install(s, &state.RouteEntry{
		Dest:       origin,
		NextHop:    prev,
		HopCount:   uint8(len(rr.Path)),
		Seq:        f.Seq,
		PathMetric: prevLink.Metric(),
		Precursors: make(map[state.PeerId]struct{}),
	})

	if f.Dest == s.Id() {
		// we are the destination; answer with a fresh sequence. A requester
		// can only hold sequences we once issued, so rebasing onto its view
		// is bounded: a KnownSeq far beyond our own is forged, and adopting
		// it would saturate the counter.
		r.ownSeq++
		if rr.KnownSeq > r.ownSeq && rr.KnownSeq-r.ownSeq < seqRebaseWindow {
			r.ownSeq = rr.KnownSeq
		}
		rp := &wire.RouteReply{
			DestSeq:      r.ownSeq,
			HopsFromDest: 0,
			PathMetric:   0,
			Path:         rr.Path,
		}
		r.sendAlong(s, prev, wire.TypeRouteReply, f.Dest, f.Seq, state.TTLMax, rp.Encode())
		return
	}

	// answer from cache only with a route at least as fresh as the requester
	// already holds
	if e, ok := r.table[f.Dest]; ok && e.Seq >= rr.KnownSeq && e.Seq > 0 {
		e.Precursors[prev] = struct{}{}
		rp := &wire.RouteReply{
			DestSeq:      e.Seq,
			HopsFromDest: e.HopCount,
			PathMetric:   e.PathMetric,
			Path:         rr.Path,
		}
		r.sendAlong(s, prev, wire.TypeRouteReply, f.Dest, f.Seq, state.TTLMax, rp.Encode())
		return
	}

	if f.TTL <= 1 {
		perf.TTLDrops.Add(1)
		return
	}
	rr.Path = append(rr.Path, s.Id())
	r.flood(s, prev, wire.TypeRouteRequest, f.Dest, f.Seq, f.TTL-1, rr.Encode())
}

// handleRouteReply retraces the path back toward the requester, installing a
// forward route at every hop. The frame's dest field still names the route
// target; the requester is the head of the path.
func (r *RouteEngine) handleRouteReply(s *state.State, prev state.PeerId, f *wire.Frame) {
	rp := &wire.RouteReply{}
	if err := rp.Decode(f.Payload); err != nil || len(rp.Path) == 0 {
		perf.MalformedDrops.Add(1)
		return
	}
	prevLink := s.GetLink(prev)
	if prevLink == nil {
		return
	}

	target := f.Dest
	hops := rp.HopsFromDest + 1
	metric := AddMetric(rp.PathMetric, prevLink.Metric())
	r.install(s, &state.RouteEntry{
		Dest:       target,
		NextHop:    prev,
		HopCount:   hops,
		Seq:        rp.DestSeq,
		PathMetric: metric,
		Precursors: make(map[state.PeerId]struct{}),
	})

	if rp.Path[0] == s.Id() {
		return // we are the requester; discovery completes via install
	}

	// forward along the recorded path toward the requester
	idx := slices.Index(rp.Path, s.Id())
	if idx <= 0 {
		return
	}
	next := rp.Path[idx-1]
	if e, ok := r.table[target]; ok {
		e.Precursors[next] = struct{}{}
	}
	if f.TTL <= 1 {
		perf.TTLDrops.Add(1)
		return
	}
	rp.HopsFromDest = hops
	rp.PathMetric = metric
	r.sendAlong(s, next, wire.TypeRouteReply, target, f.Seq, f.TTL-1, rp.Encode())
}

// handleRouteError tears down routes through a failed next hop and propagates
// to the precursors that were using them.
func (r *RouteEngine) handleRouteError(s *state.State, prev state.PeerId, f *wire.Frame) {
	re := &wire.RouteError{}
	if err := re.Decode(f.Payload); err != nil {
		perf.MalformedDrops.Add(1)
		return
	}
	key := dedupKey{re.Dest, re.InvalidatedSeq, wire.TypeRouteError}
	if r.dedup.Has(key) {
		perf.DuplicateDrops.Add(1)
		return
	}
	r.dedup.Set(key, struct{}{}, ttlcache.DefaultTTL)

	e, ok := r.table[re.Dest]
	if !ok || e.NextHop != prev || e.Seq > re.InvalidatedSeq {
		return
	}
	precursors := e.Precursors
	delete(r.table, re.Dest)
	r.publish()
	s.Log.Debug("route invalidated upstream", "dest", re.Dest, "via", prev)

	if f.TTL > 1 && len(precursors) > 0 {
		r.propagateError(s, precursors, re, f.TTL-1)
	}
	Get[*Forwarder](s).routeLost(s, re.Dest)
}

func (r *RouteEngine) propagateError(s *state.State, precursors map[state.PeerId]struct{}, re *wire.RouteError, ttl uint8) {
	payload := re.Encode()
	for p := range precursors {
		r.sendAlong(s, p, wire.TypeRouteError, re.Dest, re.InvalidatedSeq, ttl, payload)
	}
}

// InvalidateNextHop removes every route through a dead peer and notifies the
// precursors that were using them. Called by the failure detector.
func (r *RouteEngine) InvalidateNextHop(s *state.State, dead state.PeerId) {
	changed := false
	for dest, e := range r.table {
		if e.NextHop != dead && dest != dead {
			continue
		}
		delete(r.table, dest)
		changed = true
		re := &wire.RouteError{Dest: dest, InvalidatedSeq: e.Seq + 1}
		r.dedup.Set(dedupKey{dest, re.InvalidatedSeq, wire.TypeRouteError}, struct{}{}, ttlcache.DefaultTTL)
		if len(e.Precursors) > 0 {
			r.propagateError(s, e.Precursors, re, state.TTLMax)
		}
		Get[*Forwarder](s).routeLost(s, dest)
	}
	if changed {
		perf.RouteRepairs.Add(1)
		r.publish()
	}
}

// Precurse records that neighbour from is using our route to dest, so it is
// told when the route breaks.
func (r *RouteEngine) Precurse(dest, from state.PeerId) {
	if e, ok := r.table[dest]; ok {
		e.Precursors[from] = struct{}{}
	}
}

// linkUp installs the one-hop route when a channel to a direct neighbour
// completes, releasing any traffic waiting on discovery.
func (r *RouteEngine) linkUp(s *state.State, peer state.PeerId) {
	if link := s.GetLink(peer); link != nil && link.Direct() {
		r.installNeighbor(s, link)
		r.publish()
	}
	if _, ok := r.pending[peer]; ok {
		delete(r.pending, peer)
		Get[*Forwarder](s).routeFound(s, peer)
	}
}
