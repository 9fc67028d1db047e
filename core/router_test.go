package core

import (
	"math"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/jellydator/ttlcache/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftmesh/weft/state"
	"github.com/weftmesh/weft/wire"
)

func testRouteEngine(t *testing.T) (*RouteEngine, *state.State, *clock.Mock) {
	t.Helper()
	key, err := state.GenerateKey()
	require.NoError(t, err)
	mock := clock.NewMock()
	cfg := state.DefaultConfig()
	s := &state.State{
		Modules: make(map[string]state.Module),
		Links:   make(map[state.PeerId]*state.LinkState),
		Gossip:  make(map[state.PeerId][]state.NeighborInfo),
		Env: &state.Env{
			Config: cfg,
			Keys:   state.NewKeyStore(key),
			Clock:  mock,
		},
	}
	r := &RouteEngine{
		env:     s.Env,
		table:   make(map[state.PeerId]*state.RouteEntry),
		pending: make(map[state.PeerId]uint64),
		dedup: ttlcache.New[dedupKey, struct{}](
			ttlcache.WithTTL[dedupKey, struct{}](state.RequestDedupTTL),
			ttlcache.WithDisableTouchOnHit[dedupKey, struct{}](),
		),
	}
	r.publish()
	return r, s, mock
}

func peerN(b byte) state.PeerId {
	var id state.PeerId
	id[0] = b
	return id
}

func entry(dest, next state.PeerId, hops uint8, seq uint64, metric uint32) *state.RouteEntry {
	return &state.RouteEntry{
		Dest:       dest,
		NextHop:    next,
		HopCount:   hops,
		Seq:        seq,
		PathMetric: metric,
		Precursors: make(map[state.PeerId]struct{}),
	}
}

func TestInstallPrefersFresherSequence(t *testing.T) {
	r, s, _ := testRouteEngine(t)
	dest := peerN(1)

	assert.True(t, r.install(s, entry(dest, peerN(2), 3, 5, 100)))

	// stale sequence loses even with a shorter path
	assert.False(t, r.install(s, entry(dest, peerN(3), 1, 4, 1)))
	e, ok := r.Table().Lookup(dest)
	require.True(t, ok)
	assert.Equal(t, peerN(2), e.NextHop)

	// fresher sequence wins even with a longer path
	assert.True(t, r.install(s, entry(dest, peerN(4), 9, 6, 9000)))
	e, _ = r.Table().Lookup(dest)
	assert.Equal(t, peerN(4), e.NextHop)
}

func TestInstallTieBreaks(t *testing.T) {
	r, s, _ := testRouteEngine(t)
	dest := peerN(1)

	r.install(s, entry(dest, peerN(2), 3, 5, 100))

	// same sequence, fewer hops
	assert.True(t, r.install(s, entry(dest, peerN(3), 2, 5, 400)))
	// same sequence and hops, lower metric
	assert.True(t, r.install(s, entry(dest, peerN(4), 2, 5, 50)))
	// same everything but worse metric loses
	assert.False(t, r.install(s, entry(dest, peerN(5), 2, 5, 60)))

	e, _ := r.Table().Lookup(dest)
	assert.Equal(t, peerN(4), e.NextHop)
}

func TestInstallCarriesPrecursors(t *testing.T) {
	r, s, _ := testRouteEngine(t)
	dest := peerN(1)

	r.install(s, entry(dest, peerN(2), 3, 5, 100))
	r.Precurse(dest, peerN(9))

	r.install(s, entry(dest, peerN(3), 2, 6, 100))
	assert.Contains(t, r.table[dest].Precursors, peerN(9))
}

func TestGcExpiresRoutes(t *testing.T) {
	r, s, mock := testRouteEngine(t)
	dest := peerN(1)
	r.install(s, entry(dest, peerN(2), 3, 5, 100))

	mock.Add(s.Config.RouteTTL.Std() / 2)
	r.gc(s)
	_, ok := r.Table().Lookup(dest)
	assert.True(t, ok, "unexpired route must survive gc")

	mock.Add(s.Config.RouteTTL.Std())
	r.gc(s)
	_, ok = r.Table().Lookup(dest)
	assert.False(t, ok, "expired route must be collected")
}

func TestSnapshotIsImmutable(t *testing.T) {
	r, s, _ := testRouteEngine(t)
	dest := peerN(1)
	r.install(s, entry(dest, peerN(2), 3, 5, 100))

	snap := r.Table()
	r.install(s, entry(dest, peerN(3), 1, 9, 10))

	e, ok := snap.Lookup(dest)
	require.True(t, ok)
	assert.Equal(t, peerN(2), e.NextHop, "published snapshots never change")
}

func TestForgedKnownSeqCannotSaturateSequence(t *testing.T) {
	r, s, _ := testRouteEngine(t)
	prev := peerN(1)
	l := state.NewLinkState(prev)
	l.Status = state.LinkEstablished
	s.Links[prev] = l

	answer := func(seq, known uint64) {
		rr := &wire.RouteRequest{KnownSeq: known, Path: []state.PeerId{peerN(2)}}
		f := &wire.Frame{
			Version: wire.Version,
			Type:    wire.TypeRouteRequest,
			TTL:     4,
			Origin:  prev,
			Dest:    s.Id(),
			Seq:     seq,
			Payload: rr.Encode(),
		}
		r.handleRouteRequest(s, prev, f)
	}

	answer(1, math.MaxUint64)
	assert.EqualValues(t, 1, r.ownSeq, "an absurd KnownSeq must not drag the sequence forward")

	// still monotonic afterwards, no wrap back to zero
	answer(2, 0)
	assert.EqualValues(t, 2, r.ownSeq)

	// a plausible higher sequence rebases, as after a restart
	answer(3, 100)
	assert.EqualValues(t, 100, r.ownSeq)
}

func TestAddMetricSaturates(t *testing.T) {
	assert.Equal(t, uint32(5), AddMetric(2, 3))
	assert.Equal(t, state.INF, AddMetric(state.INF, 1))
	assert.Equal(t, state.INF, AddMetric(1, state.INF))
	assert.Equal(t, state.INF-1, AddMetric(state.INF-1, state.INF-1))
}
