package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteEntryBetter(t *testing.T) {
	cur := &RouteEntry{Seq: 5, HopCount: 3, PathMetric: 100}

	// a fresher sequence always wins, even over a longer path
	assert.True(t, cur.Better(&RouteEntry{Seq: 6, HopCount: 9, PathMetric: 9000}))
	// a stale sequence always loses, even over a shorter path
	assert.False(t, cur.Better(&RouteEntry{Seq: 4, HopCount: 1, PathMetric: 1}))

	// equal sequence: fewer hops wins
	assert.True(t, cur.Better(&RouteEntry{Seq: 5, HopCount: 2, PathMetric: 500}))
	assert.False(t, cur.Better(&RouteEntry{Seq: 5, HopCount: 4, PathMetric: 1}))

	// equal sequence and hops: lower accumulated metric wins
	assert.True(t, cur.Better(&RouteEntry{Seq: 5, HopCount: 3, PathMetric: 99}))
	assert.False(t, cur.Better(&RouteEntry{Seq: 5, HopCount: 3, PathMetric: 101}))
}

func TestRouteSnapshotNilLookup(t *testing.T) {
	var snap *RouteSnapshot
	_, ok := snap.Lookup(PeerId{1})
	assert.False(t, ok)
}
