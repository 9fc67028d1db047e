package wire

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftmesh/weft/state"
)

func TestHelloRoundTrip(t *testing.T) {
	h := &Hello{
		Token: 1234567890,
		Reply: true,
		Neighbors: []state.NeighborInfo{
			{
				Id:       testPeerId(1),
				Addrs:    []netip.AddrPort{netip.MustParseAddrPort("192.168.1.1:48722")},
				LastSeen: 1700000000000,
				Metric:   42,
			},
			{Id: testPeerId(2), LastSeen: 1700000000500, Metric: state.INF},
		},
	}
	var back Hello
	require.NoError(t, back.Decode(h.Encode()))
	assert.Equal(t, *h, back)
}

func TestHelloEmpty(t *testing.T) {
	h := &Hello{Token: 7}
	var back Hello
	require.NoError(t, back.Decode(h.Encode()))
	assert.Equal(t, uint64(7), back.Token)
	assert.False(t, back.Reply)
	assert.Empty(t, back.Neighbors)
}

func TestRouteRequestRoundTrip(t *testing.T) {
	rr := &RouteRequest{
		KnownSeq: 11,
		Path:     []state.PeerId{testPeerId(1), testPeerId(2), testPeerId(3)},
	}
	var back RouteRequest
	require.NoError(t, back.Decode(rr.Encode()))
	assert.Equal(t, *rr, back)
}

func TestRouteReplyRoundTrip(t *testing.T) {
	rp := &RouteReply{
		DestSeq:      9,
		HopsFromDest: 2,
		PathMetric:   350,
		Path:         []state.PeerId{testPeerId(1), testPeerId(2)},
	}
	var back RouteReply
	require.NoError(t, back.Decode(rp.Encode()))
	assert.Equal(t, *rp, back)
}

func TestPunchRoundTrip(t *testing.T) {
	p := &Punch{
		Kind:   PunchCoord,
		Target: testPeerId(5),
		Peer:   testPeerId(6),
		Addrs: []netip.AddrPort{
			netip.MustParseAddrPort("1.2.3.4:5678"),
			netip.MustParseAddrPort("[2001:db8::1]:48722"),
		},
		Nonce: 424242,
		Sig:   []byte{9, 8, 7},
	}
	var back Punch
	require.NoError(t, back.Decode(p.Encode()))
	assert.Equal(t, *p, back)
}

func TestPunchSignedBodyCoversAddrs(t *testing.T) {
	p := &Punch{Kind: PunchCoord, Peer: testPeerId(1), Nonce: 1}
	body1 := p.SignedBody()
	p.Addrs = append(p.Addrs, netip.MustParseAddrPort("9.9.9.9:9"))
	assert.NotEqual(t, body1, p.SignedBody())
}

func TestDecodeMalformed(t *testing.T) {
	var h Hello
	assert.ErrorIs(t, h.Decode([]byte{1, 2}), ErrMalformed)

	var p Punch
	assert.ErrorIs(t, p.Decode([]byte{0}), ErrMalformed)
}
