package core

import (
	"fmt"
	"net/netip"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/weftmesh/weft/perf"
	"github.com/weftmesh/weft/state"
	"github.com/weftmesh/weft/wire"
)

// seenKey identifies one forwarded frame for duplicate suppression. Plaintext
// handshake frames carry no session counter, so the type and sequence take
// part in the key too; otherwise a relayed handshake message would collide
// with an earlier one from the same pair.
type seenKey struct {
	Origin  state.PeerId
	Dest    state.PeerId
	Typ     wire.Type
	Seq     uint64
	Counter uint64
}

func transitKey(f *wire.Frame) seenKey {
	return seenKey{f.Origin, f.Dest, f.Type, f.Seq, f.Counter}
}

// Forwarder is the data plane: it demultiplexes every inbound frame, forwards
// transit traffic, and queues outbound payloads while discovery and key
// exchange catch up.
//
// Payloads are sealed end to end under the session with their destination;
// intermediate hops rewrite only the ttl and never see plaintext.
type Forwarder struct {
	env  *state.Env
	node *Node

	// pending queues outbound payloads per destination until a route and a
	// session exist. Bounded; the oldest payload is dropped on overflow.
	pending map[state.PeerId][][]byte

	// seen suppresses duplicate transit forwards.
	seen *lru.Cache[seenKey, struct{}]

	dataSeq uint64
}

func (fw *Forwarder) Init(s *state.State) error {
	fw.env = s.Env
	fw.pending = make(map[state.PeerId][][]byte)
	seen, err := lru.New[seenKey, struct{}](state.SeenCacheCapacity)
	if err != nil {
		return err
	}
	fw.seen = seen
	return nil
}

func (fw *Forwarder) Cleanup(s *state.State) error {
	return nil
}

func (fw *Forwarder) attach(n *Node) {
	fw.node = n
}

// Send queues payload for dest and kicks off whatever is missing: a route, a
// session, or both. Asynchronous; failures surface on the node's failure
// channel.
func (fw *Forwarder) Send(dest state.PeerId, payload []byte) error {
	if len(payload) > wire.MaxPayload {
		return wire.ErrOversize
	}
	if dest == fw.env.Id() {
		// loopback, no wire round trip
		fw.node.notifyDelivery(Delivery{From: dest, Payload: payload})
		return nil
	}
	fw.env.Dispatch(func(s *state.State) error {
		fw.send(s, dest, payload)
		return nil
	})
	return nil
}

func (fw *Forwarder) send(s *state.State, dest state.PeerId, payload []byte) {
	ch := Get[*SecureChannel](s)
	if ch.HasSession(dest) {
		if err := fw.ship(s, dest, payload); err == nil {
			return
		}
		// path gone; fall through to queue and rediscover
	}
	fw.enqueue(s, dest, payload)
	fw.ensureReady(s, dest)
}

// ship seals one payload end to end and hands it to the transport.
func (fw *Forwarder) ship(s *state.State, dest state.PeerId, payload []byte) error {
	fw.dataSeq++
	f := &wire.Frame{
		Version: wire.Version,
		Type:    wire.TypeData,
		TTL:     state.TTLMax,
		Origin:  s.Id(),
		Dest:    dest,
		Seq:     fw.dataSeq,
		Payload: payload,
	}
	ch := Get[*SecureChannel](s)
	if err := ch.Seal(s, dest, f); err != nil {
		return err
	}
	return Get[*Transport](s).Deliver(s, f)
}

func (fw *Forwarder) enqueue(s *state.State, dest state.PeerId, payload []byte) {
	q := fw.pending[dest]
	if len(q) >= state.SendQueueCapacity {
		q = q[1:]
		perf.QueueDrops.Add(1)
	}
	fw.pending[dest] = append(q, payload)
}

// ensureReady drives the missing prerequisite for dest: route discovery if no
// path is known, key exchange once one is. A live session does not short it
// out; the session outlives the route, and a destination with neither a direct
// link nor a route still needs rediscovery.
func (fw *Forwarder) ensureReady(s *state.State, dest state.PeerId) {
	ch := Get[*SecureChannel](s)
	link := s.GetLink(dest)
	if link != nil && link.Direct() {
		if !ch.HasSession(dest) {
			addr, _ := link.PrimaryAddr()
			ch.InitiateHandshake(s, dest, addr)
		}
		return
	}
	if _, ok := Get[*RouteEngine](s).Table().Lookup(dest); ok {
		if !ch.HasSession(dest) {
			// route known; handshake frames travel over it
			ch.InitiateHandshake(s, dest, netip.AddrPort{})
			Get[*Transport](s).EnsurePath(s, dest)
		}
		return
	}
	Get[*RouteEngine](s).Discover(s, dest)
}

// routeFound releases traffic waiting on discovery for dest.
func (fw *Forwarder) routeFound(s *state.State, dest state.PeerId) {
	if Get[*SecureChannel](s).HasSession(dest) {
		fw.flush(s, dest)
		return
	}
	if len(fw.pending[dest]) > 0 {
		fw.ensureReady(s, dest)
	}
}

// linkUp releases traffic once the session with peer completes.
func (fw *Forwarder) linkUp(s *state.State, peer state.PeerId) {
	fw.flush(s, peer)
	if fw.node != nil {
		fw.node.notifyLink(LinkEvent{Peer: peer, Status: state.LinkEstablished})
	}
}

func (fw *Forwarder) flush(s *state.State, dest state.PeerId) {
	q := fw.pending[dest]
	if len(q) == 0 {
		return
	}
	delete(fw.pending, dest)
	for _, payload := range q {
		if err := fw.ship(s, dest, payload); err != nil {
			perf.DeliveryFailures.Add(1)
			fw.notifyFailure(dest, err)
		}
	}
}

// discoveryFailed drops everything queued for dest and reports the failure.
func (fw *Forwarder) discoveryFailed(s *state.State, dest state.PeerId) {
	q := fw.pending[dest]
	delete(fw.pending, dest)
	if len(q) == 0 {
		return
	}
	perf.DeliveryFailures.Add(int64(len(q)))
	fw.notifyFailure(dest, fmt.Errorf("%w: route discovery timed out", ErrUnreachable))
}

// routeLost rediscovers if traffic is still waiting on dest.
func (fw *Forwarder) routeLost(s *state.State, dest state.PeerId) {
	if len(fw.pending[dest]) > 0 {
		Get[*RouteEngine](s).Discover(s, dest)
	}
}

func (fw *Forwarder) notifyFailure(dest state.PeerId, err error) {
	if fw.node != nil {
		fw.node.notifyFailure(DeliveryFailure{Dest: dest, Reason: err})
	}
}

// handleInbound demultiplexes one parsed frame on the dispatch goroutine.
func (fw *Forwarder) handleInbound(s *state.State, src netip.AddrPort, f *wire.Frame) {
	if f.Plaintext() {
		fw.handlePlaintext(s, src, f)
		return
	}

	switch f.Type {
	case wire.TypeRouteRequest, wire.TypeRouteReply, wire.TypeRouteError:
		// hop processed: opened under the session with the adjacent sender
		pt, ok := Get[*SecureChannel](s).Open(s, f)
		if !ok {
			return
		}
		hop := *f
		hop.Payload = pt
		re := Get[*RouteEngine](s)
		switch f.Type {
		case wire.TypeRouteRequest:
			re.handleRouteRequest(s, f.Origin, &hop)
		case wire.TypeRouteReply:
			re.handleRouteReply(s, f.Origin, &hop)
		case wire.TypeRouteError:
			re.handleRouteError(s, f.Origin, &hop)
		}
		return
	}

	if f.Dest != s.Id() {
		fw.transit(s, src, f)
		return
	}

	pt, ok := Get[*SecureChannel](s).Open(s, f)
	if !ok {
		return
	}
	switch f.Type {
	case wire.TypeHello:
		Get[*Gossiper](s).handleHello(s, f.Origin, pt)
	case wire.TypePunch:
		p := &wire.Punch{}
		if err := p.Decode(pt); err != nil {
			perf.MalformedDrops.Add(1)
			return
		}
		Get[*Transport](s).handlePunch(s, f.Origin, p)
	case wire.TypeData:
		if fw.node != nil {
			fw.node.notifyDelivery(Delivery{From: f.Origin, Payload: pt})
		}
	}
}

// handlePlaintext accepts only the two frame kinds that legitimately carry no
// session ciphertext.
func (fw *Forwarder) handlePlaintext(s *state.State, src netip.AddrPort, f *wire.Frame) {
	switch f.Type {
	case wire.TypeHandshake:
		if f.Dest != s.Id() && !f.Dest.IsZero() {
			fw.transit(s, src, f)
			return
		}
		Get[*SecureChannel](s).handleHandshake(s, src, f)
	case wire.TypePunch:
		p := &wire.Punch{}
		if err := p.Decode(f.Payload); err != nil || p.Kind != wire.PunchProbe {
			perf.MalformedDrops.Add(1)
			return
		}
		Get[*Transport](s).handleProbe(s, src, p)
	default:
		perf.MalformedDrops.Add(1)
	}
}

// transit forwards a frame addressed to somebody else. The payload stays
// sealed; only the ttl is rewritten.
func (fw *Forwarder) transit(s *state.State, src netip.AddrPort, f *wire.Frame) {
	if !s.Config.Relay() {
		return
	}
	if f.TTL <= 1 {
		perf.TTLDrops.Add(1)
		return
	}
	if found, _ := fw.seen.ContainsOrAdd(transitKey(f), struct{}{}); found {
		perf.DuplicateDrops.Add(1)
		return
	}
	f.TTL--

	// remember who is sending through us so they hear about breakage
	if prev, ok := fw.peerAt(s, src); ok {
		Get[*RouteEngine](s).Precurse(f.Dest, prev)
	}
	if err := Get[*Transport](s).Deliver(s, f); err != nil {
		s.Log.Debug("transit drop", "dest", f.Dest, "err", err)
	}
}

// peerAt maps a datagram source address back to the neighbour owning it.
func (fw *Forwarder) peerAt(s *state.State, src netip.AddrPort) (state.PeerId, bool) {
	for _, l := range s.Links {
		if ep := l.FindEndpoint(src); ep != nil && ep.Validated {
			return l.Peer, true
		}
	}
	return state.ZeroPeer, false
}
