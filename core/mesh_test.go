package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/weftmesh/weft/state"
	"github.com/weftmesh/weft/wire"
)

func TestMain(m *testing.M) {
	// compress the protocol clock so failure scenarios run in test time
	state.DiscoveryTimeout = time.Second
	state.HandshakeTimeout = time.Second
	state.TraversalTimeout = time.Second * 2
	m.Run()
}

// meshNode is one running node on the in-memory fabric.
type meshNode struct {
	node *Node
	keys *state.KeyStore
	addr netip.AddrPort
}

func (mn *meshNode) id() state.PeerId {
	return mn.keys.Id()
}

type mesh struct {
	t         *testing.T
	net       *memNet
	nodes     []*meshNode
	heartbeat time.Duration

	// wrap, when set, decorates every node's sock before start.
	wrap func(Sock) Sock
}

func newMesh(t *testing.T) *mesh {
	m := &mesh{t: t, net: newMemNet(), heartbeat: time.Millisecond * 100}
	t.Cleanup(m.stop)
	return m
}

// add starts a node seeded with the given peers.
func (m *mesh) add(seeds ...*meshNode) *meshNode {
	m.t.Helper()
	key, err := state.GenerateKey()
	require.NoError(m.t, err)
	keys := state.NewKeyStore(key)

	addr := netip.MustParseAddrPort(fmt.Sprintf("10.1.0.%d:48722", len(m.nodes)+1))
	cfg := state.DefaultConfig()
	cfg.ListenAddress = addr.String()
	cfg.IPCPath = ""
	cfg.KeyPath = ""
	cfg.HeartbeatInterval = state.Duration(m.heartbeat)
	cfg.GossipInterval = state.Duration(m.heartbeat * 2)
	for _, seed := range seeds {
		cfg.SeedPeers = append(cfg.SeedPeers, seed.addr)
	}

	var sock Sock = m.net.sock(addr)
	if m.wrap != nil {
		sock = m.wrap(sock)
	}
	node, err := StartWithSock(cfg, keys, slog.LevelError, sock)
	require.NoError(m.t, err)
	mn := &meshNode{node: node, keys: keys, addr: addr}
	m.nodes = append(m.nodes, mn)
	return mn
}

func (m *mesh) stop() {
	for _, mn := range m.nodes {
		mn.node.Stop()
	}
}

// waitLink blocks until a holds a usable link to b.
func (m *mesh) waitLink(a, b *meshNode) {
	m.t.Helper()
	deadline := time.Now().Add(time.Second * 5)
	for time.Now().Before(deadline) {
		snap, err := a.node.Status(context.Background())
		require.NoError(m.t, err)
		if l, ok := snap.Links[b.id()]; ok && l.Status.Usable() {
			return
		}
		time.Sleep(time.Millisecond * 20)
	}
	m.t.Fatalf("link %s -> %s never became usable", a.id(), b.id())
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := newMesh(t)
	m.add()
	m.stop()
}

func TestDirectDelivery(t *testing.T) {
	m := newMesh(t)
	a := m.add()
	b := m.add(a)
	m.waitLink(a, b)
	m.waitLink(b, a)

	require.NoError(t, b.node.Send(a.id(), []byte("over the top")))
	select {
	case d := <-a.node.Receive():
		assert.Equal(t, b.id(), d.From)
		assert.Equal(t, []byte("over the top"), d.Payload)
	case <-time.After(time.Second * 5):
		t.Fatal("payload never arrived")
	}
}

func TestLoopbackDelivery(t *testing.T) {
	m := newMesh(t)
	a := m.add()
	require.NoError(t, a.node.Send(a.id(), []byte("self")))
	select {
	case d := <-a.node.Receive():
		assert.Equal(t, []byte("self"), d.Payload)
	case <-time.After(time.Second):
		t.Fatal("loopback never arrived")
	}
}

func TestRoutedDelivery(t *testing.T) {
	m := newMesh(t)
	a := m.add()
	b := m.add(a)
	c := m.add(b)
	m.waitLink(a, b)
	m.waitLink(c, b)

	// a has never heard of c; the route must be discovered through b
	require.NoError(t, a.node.Send(c.id(), []byte("woven through")))
	select {
	case d := <-c.node.Receive():
		assert.Equal(t, a.id(), d.From, "payload must arrive under the origin's identity")
		assert.Equal(t, []byte("woven through"), d.Payload)
	case <-time.After(time.Second * 10):
		t.Fatal("routed payload never arrived")
	}
}

func TestRouteTableAfterDiscovery(t *testing.T) {
	m := newMesh(t)
	a := m.add()
	b := m.add(a)
	c := m.add(b)
	m.waitLink(a, b)
	m.waitLink(c, b)

	require.NoError(t, a.node.Send(c.id(), []byte("x")))
	select {
	case <-c.node.Receive():
	case <-time.After(time.Second * 10):
		t.Fatal("routed payload never arrived")
	}

	_, err := a.node.env.DispatchWait(func(s *state.State) (any, error) {
		snap := Get[*RouteEngine](s).Table()
		e, ok := snap.Lookup(c.id())
		if !ok {
			return nil, fmt.Errorf("no route to %s", c.id())
		}
		// over the open fabric the punch succeeds, so c may have become a
		// direct neighbour; either way the next hop must be usable
		if e.NextHop != b.id() && e.NextHop != c.id() {
			return nil, fmt.Errorf("unexpected next hop %s", e.NextHop)
		}
		return nil, nil
	})
	assert.NoError(t, err)
}

func TestDeliveryFailureSurfaces(t *testing.T) {
	m := newMesh(t)
	a := m.add()

	var ghost state.PeerId
	ghost[3] = 0xEE
	require.NoError(t, a.node.Send(ghost, []byte("into the void")))
	select {
	case f := <-a.node.Failures():
		assert.Equal(t, ghost, f.Dest)
		assert.ErrorIs(t, f.Reason, ErrUnreachable)
	case <-time.After(time.Second * 5):
		t.Fatal("discovery failure never surfaced")
	}
}

func TestLinkDeathDetected(t *testing.T) {
	m := newMesh(t)
	a := m.add()
	b := m.add(a)
	m.waitLink(a, b)

	m.net.partition(a.addr, b.addr)

	deadline := time.After(time.Second * 10)
	for {
		select {
		case e := <-a.node.Events():
			if e.Peer == b.id() && e.Status == state.LinkDead {
				snap, err := a.node.Status(context.Background())
				require.NoError(t, err)
				_, ok := snap.Links[b.id()]
				assert.False(t, ok, "dead link must leave the topology")
				return
			}
		case <-deadline:
			t.Fatal("link death never detected")
		}
	}
}

func TestProbeExchangeTerminates(t *testing.T) {
	m := newMesh(t)
	m.heartbeat = time.Second * 30
	var sent atomic.Int64
	m.wrap = func(s Sock) Sock { return &countingSock{Sock: s, sent: &sent} }
	a := m.add()
	b := m.add()

	// one unsolicited probe; the exchange must validate both directions and
	// stop, not echo at line rate
	_, err := a.node.env.DispatchWait(func(s *state.State) (any, error) {
		Get[*Transport](s).sendProbe(b.addr)
		return nil, nil
	})
	require.NoError(t, err)

	time.Sleep(time.Second)
	assert.Less(t, sent.Load(), int64(64), "probe exchange must terminate")

	// the mutual validation still leads to a working link
	m.waitLink(a, b)
	m.waitLink(b, a)
}

func TestRerouteAroundDeadRelay(t *testing.T) {
	m := newMesh(t)
	a := m.add()
	b := m.add(a)
	c := m.add(a)
	d := m.add(b, c)
	// the origin and destination can never talk directly
	m.net.partition(a.addr, d.addr)

	m.waitLink(a, b)
	m.waitLink(a, c)
	m.waitLink(d, b)
	m.waitLink(d, c)

	require.NoError(t, a.node.Send(d.id(), []byte("first crossing")))
	select {
	case <-d.node.Receive():
	case <-time.After(time.Second * 10):
		t.Fatal("initial delivery never arrived")
	}

	res, err := a.node.env.DispatchWait(func(s *state.State) (any, error) {
		e, ok := Get[*RouteEngine](s).Table().Lookup(d.id())
		if !ok {
			return nil, fmt.Errorf("no route to %s", d.id())
		}
		return e.NextHop, nil
	})
	require.NoError(t, err)
	relay := b
	if res.(state.PeerId) == c.id() {
		relay = c
	} else {
		require.Equal(t, b.id(), res.(state.PeerId))
	}

	// take the relay off the network entirely
	for _, n := range m.nodes {
		if n != relay {
			m.net.partition(relay.addr, n.addr)
		}
	}

	// wait until a has torn the relay down before resending
	deadline := time.Now().Add(time.Second * 10)
	for {
		snap, err := a.node.Status(context.Background())
		require.NoError(t, err)
		if _, ok := snap.Links[relay.id()]; !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("relay was never declared dead")
		}
		time.Sleep(time.Millisecond * 50)
	}

	require.NoError(t, a.node.Send(d.id(), []byte("second crossing")))
	select {
	case got := <-d.node.Receive():
		assert.Equal(t, []byte("second crossing"), got.Payload)
	case <-time.After(time.Second * 15):
		t.Fatal("traffic never rerouted around the dead relay")
	}
}

func TestLineTopologyHopCount(t *testing.T) {
	m := newMesh(t)
	a := m.add()
	b := m.add(a)
	c := m.add(b)
	d := m.add(c)
	// only adjacent nodes can exchange datagrams
	m.net.partition(a.addr, c.addr)
	m.net.partition(a.addr, d.addr)
	m.net.partition(b.addr, d.addr)

	m.waitLink(a, b)
	m.waitLink(c, b)
	m.waitLink(d, c)

	require.NoError(t, a.node.Send(d.id(), []byte("down the line")))
	select {
	case got := <-d.node.Receive():
		assert.Equal(t, a.id(), got.From)
	case <-time.After(time.Second * 15):
		t.Fatal("payload never crossed the line")
	}

	_, err := a.node.env.DispatchWait(func(s *state.State) (any, error) {
		e, ok := Get[*RouteEngine](s).Table().Lookup(d.id())
		if !ok {
			return nil, fmt.Errorf("no route to %s", d.id())
		}
		if e.NextHop != b.id() {
			return nil, fmt.Errorf("unexpected next hop %s", e.NextHop)
		}
		if e.HopCount != 3 {
			return nil, fmt.Errorf("unexpected hop count %d", e.HopCount)
		}
		return nil, nil
	})
	assert.NoError(t, err)
}

func TestCyclicRouteAdvertisementSuppressed(t *testing.T) {
	m := newMesh(t)
	m.heartbeat = time.Second * 30
	a := m.add()
	b := m.add(a)
	m.waitLink(a, b)
	m.waitLink(b, a)

	var ghost state.PeerId
	ghost[5] = 0x77

	// a request whose recorded path already contains the receiver describes a
	// forwarding loop; the receiver must neither answer nor re-flood it
	_, err := b.node.env.DispatchWait(func(s *state.State) (any, error) {
		rr := &wire.RouteRequest{Path: []state.PeerId{b.id(), a.id()}}
		f := &wire.Frame{
			Version: wire.Version,
			Type:    wire.TypeRouteRequest,
			TTL:     state.TTLMax,
			Origin:  s.Id(),
			Dest:    ghost,
			Seq:     77,
			Payload: rr.Encode(),
		}
		if err := Get[*SecureChannel](s).Seal(s, a.id(), f); err != nil {
			return nil, err
		}
		return nil, Get[*Transport](s).SendRaw(a.addr, f)
	})
	require.NoError(t, err)

	time.Sleep(time.Millisecond * 300)
	for _, n := range []*meshNode{a, b} {
		_, err := n.node.env.DispatchWait(func(s *state.State) (any, error) {
			if _, ok := Get[*RouteEngine](s).Table().Lookup(ghost); ok {
				return nil, fmt.Errorf("loop advertisement installed a route")
			}
			return nil, nil
		})
		assert.NoError(t, err)
	}
}

func TestSealOpenReplayAndTamper(t *testing.T) {
	m := newMesh(t)
	// slow heartbeats keep background traffic from advancing the replay
	// counters mid-test
	m.heartbeat = time.Second * 30
	a := m.add()
	b := m.add(a)
	m.waitLink(a, b)
	m.waitLink(b, a)

	seal := func(payload []byte) *frameCarrier {
		res, err := a.node.env.DispatchWait(func(s *state.State) (any, error) {
			f := dataFrame(s, b.id(), payload)
			if err := Get[*SecureChannel](s).Seal(s, b.id(), f); err != nil {
				return nil, err
			}
			return &frameCarrier{f}, nil
		})
		require.NoError(t, err)
		return res.(*frameCarrier)
	}
	open := func(fc *frameCarrier) ([]byte, bool) {
		res, err := b.node.env.DispatchWait(func(s *state.State) (any, error) {
			pt, ok := Get[*SecureChannel](s).Open(s, fc.f)
			return openResult{pt, ok}, nil
		})
		require.NoError(t, err)
		r := res.(openResult)
		return r.pt, r.ok
	}

	fc := seal([]byte("one time only"))
	pt, ok := open(fc)
	require.True(t, ok)
	assert.Equal(t, []byte("one time only"), pt)

	// replaying the identical frame is silently refused
	_, ok = open(fc)
	assert.False(t, ok)

	// a tampered payload fails authentication
	fc2 := seal([]byte("do not touch"))
	fc2.f.Payload[0] ^= 0xFF
	_, ok = open(fc2)
	assert.False(t, ok)

	// directional keys: a frame sealed by a never opens under a's own
	// receive direction
	fc3 := seal([]byte("wrong way"))
	res, err := a.node.env.DispatchWait(func(s *state.State) (any, error) {
		pt, ok := Get[*SecureChannel](s).Open(s, fc3.f)
		return openResult{pt, ok}, nil
	})
	require.NoError(t, err)
	assert.False(t, res.(openResult).ok)
}

type frameCarrier struct {
	f *wire.Frame
}

type openResult struct {
	pt []byte
	ok bool
}

func dataFrame(s *state.State, dest state.PeerId, payload []byte) *wire.Frame {
	return &wire.Frame{
		Version: wire.Version,
		Type:    wire.TypeData,
		TTL:     state.TTLMax,
		Origin:  s.Id(),
		Dest:    dest,
		Payload: payload,
	}
}
