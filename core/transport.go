package core

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/weftmesh/weft/perf"
	"github.com/weftmesh/weft/state"
	"github.com/weftmesh/weft/wire"
)

var (
	ErrUnreachable = errors.New("no usable path to peer")
	ErrSendFailed  = errors.New("transport send failed")
)

// Sock is the datagram capability set a transport path needs: send, receive
// (via the handler loop), and a local address hint. Variant implementations
// are selected at bind time; tests install an in-memory one.
type Sock interface {
	Send(addr netip.AddrPort, b []byte) error
	// Run blocks, feeding inbound datagrams to handler until Close.
	Run(handler func(src netip.AddrPort, b []byte))
	LocalAddr() netip.AddrPort
	Close() error
}

// UDPSock is the production Sock over a single UDP socket.
type UDPSock struct {
	conn *net.UDPConn
}

func ListenUDP(listen string) (*UDPSock, error) {
	ap, err := netip.ParseAddrPort(listen)
	if err != nil {
		return nil, fmt.Errorf("parse listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(ap))
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", listen, err)
	}
	return &UDPSock{conn: conn}, nil
}

func (u *UDPSock) Send(addr netip.AddrPort, b []byte) error {
	_, err := u.conn.WriteToUDPAddrPort(b, addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

func (u *UDPSock) LocalAddr() netip.AddrPort {
	return u.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (u *UDPSock) Close() error {
	return u.conn.Close()
}

// Run is the inbound loop: one goroutine per listener, handing off every
// (source, datagram) event until the socket closes.
func (u *UDPSock) Run(handler func(src netip.AddrPort, b []byte)) {
	buf := make([]byte, 65535)
	for {
		n, src, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		b := make([]byte, n)
		copy(b, buf[:n])
		handler(src, b)
	}
}

// traversal tracks one in-flight NAT traversal attempt toward a peer.
type traversal struct {
	peer     state.PeerId
	relay    state.PeerId
	attempt  int
	deadline time.Time
}

// Transport owns the socket and NAT traversal. All state mutation happens on
// the dispatch goroutine; the socket reader only parses and dispatches.
type Transport struct {
	env *state.Env

	// Sock may be installed before Init by tests; otherwise a UDP socket is
	// bound from the config.
	Sock Sock

	punching map[state.PeerId]*traversal
}

func (t *Transport) Init(s *state.State) error {
	t.env = s.Env
	t.punching = make(map[state.PeerId]*traversal)

	if t.Sock == nil {
		sock, err := ListenUDP(s.ListenAddress)
		if err != nil {
			// port bind failure is an unrecoverable startup error
			return err
		}
		t.Sock = sock
	}
	go t.Sock.Run(t.inbound)
	s.Log.Info("transport listening", "addr", t.Sock.LocalAddr())
	return nil
}

func (t *Transport) Cleanup(s *state.State) error {
	if t.Sock != nil {
		_ = t.Sock.Close()
	}
	return nil
}

// inbound runs on the socket reader goroutine. It only parses and hands off.
func (t *Transport) inbound(src netip.AddrPort, b []byte) {
	perf.RecvPacketPerSecond.Add(1)
	perf.RecvBytesPerSecond.Add(float64(len(b)))
	f, err := wire.Unmarshal(b)
	if err != nil {
		if errors.Is(err, wire.ErrVersion) {
			perf.VersionDrops.Add(1)
			t.env.Log.Debug("dropped frame with unsupported version", "from", src)
		} else {
			perf.MalformedDrops.Add(1)
		}
		return
	}
	if !f.Type.Known() {
		perf.UnknownTypeDrops.Add(1)
		return
	}
	t.env.Dispatch(func(s *state.State) error {
		Get[*Forwarder](s).handleInbound(s, src, f)
		return nil
	})
}

// SendRaw ships a marshalled frame to a concrete address.
func (t *Transport) SendRaw(addr netip.AddrPort, f *wire.Frame) error {
	b, err := f.Marshal()
	if err != nil {
		return err
	}
	perf.SentPacketPerSecond.Add(1)
	perf.SentBytesPerSecond.Add(float64(len(b)))
	return t.Sock.Send(addr, b)
}

// Resolve finds the concrete address a frame for dest should be shipped to:
// the peer's own validated address if the link is direct, otherwise the
// direct address of the route's next hop.
func (t *Transport) Resolve(s *state.State, dest state.PeerId) (netip.AddrPort, error) {
	if link := s.GetLink(dest); link != nil && link.Status.Usable() {
		if addr, ok := link.PrimaryAddr(); ok {
			return addr, nil
		}
	}
	if entry, ok := Get[*RouteEngine](s).Table().Lookup(dest); ok {
		if link := s.GetLink(entry.NextHop); link != nil && link.Status.Usable() {
			if addr, ok := link.PrimaryAddr(); ok {
				return addr, nil
			}
		}
	}
	return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrUnreachable, dest)
}

// Deliver sends a frame toward its destination, resolving the path first.
func (t *Transport) Deliver(s *state.State, f *wire.Frame) error {
	addr, err := t.Resolve(s, f.Dest)
	if err != nil {
		return err
	}
	return t.SendRaw(addr, f)
}

// EnsurePath drives NAT traversal toward peer: direct probes to all candidate
// addresses first, then a relay-coordinated simultaneous open, then sustained
// relay forwarding. A link that gets nowhere within the traversal timeout is
// reported dead without blocking other links.
func (t *Transport) EnsurePath(s *state.State, peer state.PeerId) {
	link := s.GetLink(peer)
	if link == nil {
		link = state.NewLinkState(peer)
		s.Links[peer] = link
	}
	if link.Direct() || t.punching[peer] != nil {
		return
	}

	tr := &traversal{
		peer:     peer,
		deadline: s.Clock.Now().Add(state.TraversalTimeout),
	}
	t.punching[peer] = tr

	// candidate addresses from gossip are advisory; probing is what validates
	for _, info := range t.gossipAddrs(s, peer) {
		link.AddEndpoint(info, false)
	}

	t.punchAttempt(s, tr)

	s.Env.ScheduleTask(func(s *state.State) error {
		t.finishTraversal(s, peer)
		return nil
	}, state.TraversalTimeout)
}

// gossipAddrs collects the advisory addresses neighbours have gossiped for
// peer.
func (t *Transport) gossipAddrs(s *state.State, peer state.PeerId) []netip.AddrPort {
	addrs := make([]netip.AddrPort, 0, 4)
	for _, list := range s.Gossip {
		for _, info := range list {
			if info.Id != peer {
				continue
			}
			for _, ap := range info.Addrs {
				if ap.IsValid() && !slices.Contains(addrs, ap) {
					addrs = append(addrs, ap)
				}
			}
		}
	}
	return addrs
}

// findRelay picks an established direct neighbour that gossips a direct link
// to peer: a relay both sides already trust.
func (t *Transport) findRelay(s *state.State, peer state.PeerId) (state.PeerId, bool) {
	for _, n := range s.DirectNeighbors() {
		for _, info := range s.Gossip[n.Peer] {
			if info.Id == peer {
				return n.Peer, true
			}
		}
	}
	return state.ZeroPeer, false
}

func (t *Transport) punchAttempt(s *state.State, tr *traversal) {
	link := s.GetLink(tr.peer)
	if link == nil || link.Direct() {
		delete(t.punching, tr.peer)
		return
	}
	if tr.attempt >= state.PunchAttempts {
		// punching failed; fall back to sustained relay forwarding if a
		// relay path exists, otherwise let the deadline fire
		if !tr.relay.IsZero() {
			link.Relay = tr.relay
			s.Log.Debug("hole punch failed, relaying", "peer", tr.peer, "via", tr.relay)
		}
		return
	}

	// fire probes at every unvalidated candidate address
	probed := false
	for _, ep := range link.Endpoints {
		if ep.Validated {
			continue
		}
		probed = true
		t.sendProbe(ep.Addr)
	}

	// coordinate a simultaneous open through a shared neighbour so the far
	// side opens its NAT toward us at the same time
	if relay, ok := t.findRelay(s, tr.peer); ok {
		tr.relay = relay
		t.sendPunchRequest(s, relay, tr.peer)
	} else if !probed {
		// nothing to probe and nobody to coordinate through; wait for
		// gossip to surface an address or the deadline to expire
	}

	tr.attempt++
	backoff := state.PunchBackoffBase << (tr.attempt - 1)
	s.Env.ScheduleTask(func(s *state.State) error {
		if cur, ok := t.punching[tr.peer]; ok && cur == tr {
			t.punchAttempt(s, tr)
		}
		return nil
	}, backoff)
}

func (t *Transport) finishTraversal(s *state.State, peer state.PeerId) {
	tr, ok := t.punching[peer]
	if !ok {
		return
	}
	delete(t.punching, peer)
	link := s.GetLink(peer)
	if link == nil {
		return
	}
	if link.Direct() || link.Status.Usable() {
		return
	}
	if !tr.relay.IsZero() {
		if _, ok := Get[*RouteEngine](s).Table().Lookup(peer); ok {
			return // relay fallback carries the link
		}
	}
	s.Log.Warn("NAT traversal failed", "peer", peer)
	Get[*Healer](s).MarkDead(s, link, errors.New("traversal timeout"))
}

// PathValidated is called when authenticated traffic proves an address.
func (t *Transport) PathValidated(s *state.State, peer state.PeerId) {
	delete(t.punching, peer)
}

func (t *Transport) sendProbe(addr netip.AddrPort) {
	p := &wire.Punch{
		Kind:  wire.PunchProbe,
		Peer:  t.env.Id(),
		Nonce: rand.Uint64(),
	}
	f := &wire.Frame{
		Version: wire.Version,
		Type:    wire.TypePunch,
		TTL:     1,
		Flags:   wire.FlagPlaintext,
		Origin:  t.env.Id(),
		Payload: p.Encode(),
	}
	if err := t.SendRaw(addr, f); err != nil {
		t.env.Log.Debug("probe send failed", "addr", addr, "err", err)
	}
}

func (t *Transport) sendPunchRequest(s *state.State, relay, target state.PeerId) {
	p := &wire.Punch{
		Kind:   wire.PunchRequest,
		Target: target,
		Peer:   t.env.Id(),
		Nonce:  rand.Uint64(),
	}
	Get[*SecureChannel](s).SendControl(s, relay, wire.TypePunch, 0, p.Encode())
}

// handlePunch processes an authenticated Punch frame from peer `from`.
func (t *Transport) handlePunch(s *state.State, from state.PeerId, p *wire.Punch) {
	switch p.Kind {
	case wire.PunchRequest:
		t.coordinatePunch(s, from, p.Target)
	case wire.PunchCoord:
		t.handleCoord(s, from, p)
	default:
		perf.MalformedDrops.Add(1)
	}
}

// coordinatePunch runs on the relay: both the requester and the target are
// our direct neighbours, so tell each the other's observed address and let
// them open simultaneously.
func (t *Transport) coordinatePunch(s *state.State, requester, target state.PeerId) {
	if !s.Config.Relay() {
		return
	}
	reqLink, tgtLink := s.GetLink(requester), s.GetLink(target)
	if reqLink == nil || tgtLink == nil || !reqLink.Direct() || !tgtLink.Direct() {
		return
	}
	ch := Get[*SecureChannel](s)
	send := func(to state.PeerId, about *state.LinkState) {
		coord := &wire.Punch{
			Kind:  wire.PunchCoord,
			Peer:  about.Peer,
			Nonce: rand.Uint64(),
		}
		for _, ep := range about.Endpoints {
			if ep.Validated && len(coord.Addrs) < 4 {
				coord.Addrs = append(coord.Addrs, ep.Addr)
			}
		}
		sig, err := s.Keys.Sign(coord.SignedBody())
		if err != nil {
			return
		}
		coord.Sig = sig
		ch.SendControl(s, to, wire.TypePunch, 0, coord.Encode())
	}
	send(requester, tgtLink)
	send(target, reqLink)
}

// handleCoord processes the relay's answer: the far peer's observed
// addresses. The address hint is advisory; it is only ever probed, and
// trusted solely once real traffic arrives from it.
func (t *Transport) handleCoord(s *state.State, relay state.PeerId, p *wire.Punch) {
	if !s.Keys.Verify(relay, p.SignedBody(), p.Sig) {
		perf.AuthDrops.Add(1)
		s.Log.Warn("punch coordination with bad signature", "relay", relay)
		return
	}
	link := s.GetLink(p.Peer)
	if link == nil {
		link = state.NewLinkState(p.Peer)
		s.Links[p.Peer] = link
	}
	for _, ap := range p.Addrs {
		if ap.IsValid() {
			link.AddEndpoint(ap, false)
			t.sendProbe(ap)
		}
	}
}

// handleProbe processes a plaintext punch probe arriving from src. Receipt of
// the probe is what validates the path through both NATs.
func (t *Transport) handleProbe(s *state.State, src netip.AddrPort, p *wire.Punch) {
	if p.Peer.IsZero() || p.Peer == s.Id() {
		return
	}
	link := s.GetLink(p.Peer)
	if link == nil {
		link = state.NewLinkState(p.Peer)
		s.Links[p.Peer] = link
	}
	prior := link.FindEndpoint(src)
	answered := prior != nil && prior.Validated
	ep := link.AddEndpoint(src, true)
	ep.Validated = true
	link.Relay = state.ZeroPeer
	t.PathValidated(s, p.Peer)

	// answer once so the far side validates too; a probe arriving over an
	// already validated endpoint is that answer, and the exchange ends here
	if !answered {
		t.sendProbe(src)
	}
	// the smaller id initiates the handshake to avoid a cross-connect
	if !link.Status.Usable() && link.Status != state.LinkHandshaking {
		self := s.Id()
		if slices.Compare(self[:], p.Peer[:]) < 0 {
			Get[*SecureChannel](s).InitiateHandshake(s, p.Peer, src)
		}
	}
}
