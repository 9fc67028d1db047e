package core

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"slices"
	"time"

	"github.com/flynn/noise"

	"github.com/weftmesh/weft/perf"
	"github.com/weftmesh/weft/state"
	"github.com/weftmesh/weft/wire"
)

// handshakePrologue domain-separates the noise session from other users of
// the same keys.
var handshakePrologue = []byte("weft/1")

// staticSigPrefix is the context string for the identity signature carried in
// the handshake payload, binding the noise static to the long-term identity.
const staticSigPrefix = "weft-noise-static:"

var ErrNoSession = errors.New("no session with peer")

// Session holds the directional key material for one authenticated link.
// A→B and B→A use distinct cipher states, so a reflected frame never
// decrypts. Counters provide replay protection.
type Session struct {
	send        *noise.CipherState
	recv        *noise.CipherState
	sendCtr     uint64
	recvCtr     uint64
	Established time.Time
}

type handshake struct {
	hs        *noise.HandshakeState
	peer      state.PeerId // zero until the remote static is learned
	addr      netip.AddrPort
	initiator bool
	started   time.Time
}

// SecureChannel owns every Session. No other module mutates session state.
type SecureChannel struct {
	env      *state.Env
	suite    noise.CipherSuite
	static   noise.DHKey
	sessions map[state.PeerId]*Session
	byPeer   map[state.PeerId]*handshake
	byAddr   map[netip.AddrPort]*handshake
}

func (c *SecureChannel) Init(s *state.State) error {
	c.env = s.Env
	c.suite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)
	key := s.Keys.PrivateKey()
	pub := s.Keys.Pubkey()
	c.static = noise.DHKey{Private: key[:], Public: pub[:]}
	c.sessions = make(map[state.PeerId]*Session)
	c.byPeer = make(map[state.PeerId]*handshake)
	c.byAddr = make(map[netip.AddrPort]*handshake)
	return nil
}

func (c *SecureChannel) Cleanup(s *state.State) error {
	c.sessions = nil
	c.byPeer = nil
	c.byAddr = nil
	return nil
}

func (c *SecureChannel) newHandshakeState(initiator bool) (*noise.HandshakeState, error) {
	return noise.NewHandshakeState(noise.Config{
		CipherSuite:   c.suite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: c.static,
		Prologue:      handshakePrologue,
	})
}

// identityPayload builds the signed identity binding carried in the second
// and third handshake messages: pubkey || sig("weft-noise-static:" || static).
func (c *SecureChannel) identityPayload(s *state.State) ([]byte, error) {
	pub := s.Keys.Pubkey()
	sig, err := s.Keys.Sign(append([]byte(staticSigPrefix), c.static.Public...))
	if err != nil {
		return nil, err
	}
	return append(pub[:], sig...), nil
}

// verifyIdentity checks the remote payload against the remote noise static
// and returns the authenticated peer id.
func verifyIdentity(s *state.State, remoteStatic, payload []byte) (state.PeerId, error) {
	if len(payload) < state.KeySize {
		return state.ZeroPeer, fmt.Errorf("short identity payload")
	}
	var pub state.WeftPublicKey
	copy(pub[:], payload[:state.KeySize])
	if !bytes.Equal(pub[:], remoteStatic) {
		return state.ZeroPeer, fmt.Errorf("identity key does not match noise static")
	}
	sig := payload[state.KeySize:]
	if !pub.Verify(append([]byte(staticSigPrefix), remoteStatic...), sig) {
		return state.ZeroPeer, fmt.Errorf("bad identity signature")
	}
	return s.Keys.Learn(pub)
}

func (c *SecureChannel) HasSession(peer state.PeerId) bool {
	_, ok := c.sessions[peer]
	return ok
}

// InitiateHandshake starts a mutually authenticated key exchange with a known
// peer. If addr is valid the first message goes there directly; otherwise it
// is routed like any other frame.
func (c *SecureChannel) InitiateHandshake(s *state.State, peer state.PeerId, addr netip.AddrPort) {
	if c.HasSession(peer) || c.byPeer[peer] != nil {
		return
	}
	link := s.GetLink(peer)
	if link == nil {
		link = state.NewLinkState(peer)
		s.Links[peer] = link
	}
	hs, err := c.newHandshakeState(true)
	if err != nil {
		c.failHandshake(s, peer, err)
		return
	}
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		c.failHandshake(s, peer, err)
		return
	}
	h := &handshake{hs: hs, peer: peer, addr: addr, initiator: true, started: s.Clock.Now()}
	c.byPeer[peer] = h
	link.Status = state.LinkHandshaking

	f := c.handshakeFrame(s, peer, 1, msg1)
	c.shipHandshake(s, h, f)
	c.scheduleTimeout(s, peer)
}

// InitiateHandshakeAddr dials a seed address whose identity is not yet known.
func (c *SecureChannel) InitiateHandshakeAddr(s *state.State, addr netip.AddrPort) {
	if c.byAddr[addr] != nil {
		return
	}
	hs, err := c.newHandshakeState(true)
	if err != nil {
		s.Log.Warn("handshake init failed", "addr", addr, "err", err)
		return
	}
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		s.Log.Warn("handshake init failed", "addr", addr, "err", err)
		return
	}
	h := &handshake{hs: hs, addr: addr, initiator: true, started: s.Clock.Now()}
	c.byAddr[addr] = h

	f := c.handshakeFrame(s, state.ZeroPeer, 1, msg1)
	if err := Get[*Transport](s).SendRaw(addr, f); err != nil {
		s.Log.Debug("seed dial failed", "addr", addr, "err", err)
		delete(c.byAddr, addr)
		return
	}
	s.Env.ScheduleTask(func(s *state.State) error {
		if cur, ok := c.byAddr[addr]; ok && cur == h {
			delete(c.byAddr, addr)
			s.Log.Warn("seed handshake timed out", "addr", addr)
		}
		return nil
	}, state.HandshakeTimeout)
}

func (c *SecureChannel) handshakeFrame(s *state.State, dest state.PeerId, msgIdx uint64, payload []byte) *wire.Frame {
	// the counter is unused by plaintext frames; a random value keeps a fresh
	// attempt distinct from an earlier one in relay duplicate suppression
	return &wire.Frame{
		Version: wire.Version,
		Type:    wire.TypeHandshake,
		TTL:     state.TTLMax,
		Flags:   wire.FlagPlaintext,
		Origin:  s.Id(),
		Dest:    dest,
		Seq:     msgIdx,
		Counter: rand.Uint64(),
		Payload: payload,
	}
}

func (c *SecureChannel) shipHandshake(s *state.State, h *handshake, f *wire.Frame) {
	t := Get[*Transport](s)
	if h.addr.IsValid() {
		if err := t.SendRaw(h.addr, f); err == nil {
			return
		}
	}
	if err := t.Deliver(s, f); err != nil {
		s.Log.Debug("handshake ship failed", "peer", f.Dest, "err", err)
	}
}

func (c *SecureChannel) scheduleTimeout(s *state.State, peer state.PeerId) {
	h := c.byPeer[peer]
	s.Env.ScheduleTask(func(s *state.State) error {
		if cur, ok := c.byPeer[peer]; ok && cur == h {
			c.failHandshake(s, peer, errors.New("handshake timeout"))
		}
		return nil
	}, state.HandshakeTimeout)
}

// failHandshake is fatal to this link attempt. It is reported, never retried
// automatically; the route engine may start over later.
func (c *SecureChannel) failHandshake(s *state.State, peer state.PeerId, err error) {
	delete(c.byPeer, peer)
	s.Log.Warn("handshake failed", "peer", peer, "err", err)
	if link := s.GetLink(peer); link != nil {
		Get[*Healer](s).MarkDead(s, link, fmt.Errorf("handshake: %w", err))
	}
}

// handleHandshake processes an inbound handshake frame. src is the datagram
// source, which is not valid for frames that arrived routed.
func (c *SecureChannel) handleHandshake(s *state.State, src netip.AddrPort, f *wire.Frame) {
	switch f.Seq {
	case 1:
		c.handleMsg1(s, src, f)
	case 2:
		c.handleMsg2(s, src, f)
	case 3:
		c.handleMsg3(s, src, f)
	default:
		perf.MalformedDrops.Add(1)
	}
}

// handleMsg1: we are the responder. The origin field is an unauthenticated
// claim until message 3 proves it.
func (c *SecureChannel) handleMsg1(s *state.State, src netip.AddrPort, f *wire.Frame) {
	// cross-connect: both sides initiated at once. The smaller id keeps its
	// handshake, the larger yields and answers as responder.
	if existing := c.byPeer[f.Origin]; existing != nil && existing.initiator {
		self := s.Id()
		if slices.Compare(self[:], f.Origin[:]) < 0 {
			return
		}
	}
	hs, err := c.newHandshakeState(false)
	if err != nil {
		return
	}
	if _, _, _, err := hs.ReadMessage(nil, f.Payload); err != nil {
		perf.MalformedDrops.Add(1)
		return
	}
	payload, err := c.identityPayload(s)
	if err != nil {
		return
	}
	msg2, _, _, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return
	}
	h := &handshake{hs: hs, peer: f.Origin, addr: src, started: s.Clock.Now()}
	if !f.Origin.IsZero() {
		c.byPeer[f.Origin] = h
		if link := s.GetLink(f.Origin); link == nil {
			link = state.NewLinkState(f.Origin)
			link.Status = state.LinkHandshaking
			s.Links[f.Origin] = link
		}
		c.scheduleTimeout(s, f.Origin)
	} else if src.IsValid() {
		c.byAddr[src] = h
	}

	reply := c.handshakeFrame(s, f.Origin, 2, msg2)
	c.shipHandshake(s, h, reply)
}

// handleMsg2: we are the initiator; the responder's static arrives here and
// authenticates them.
func (c *SecureChannel) handleMsg2(s *state.State, src netip.AddrPort, f *wire.Frame) {
	h := c.byPeer[f.Origin]
	if h == nil && src.IsValid() {
		h = c.byAddr[src]
	}
	if h == nil || !h.initiator {
		perf.MalformedDrops.Add(1)
		return
	}
	remotePayload, _, _, err := h.hs.ReadMessage(nil, f.Payload)
	if err != nil {
		c.abortHandshake(s, h, fmt.Errorf("read msg2: %w", err))
		return
	}
	peer, err := verifyIdentity(s, h.hs.PeerStatic(), remotePayload)
	if err != nil {
		c.abortHandshake(s, h, err)
		return
	}
	if !h.peer.IsZero() && h.peer != peer {
		c.abortHandshake(s, h, fmt.Errorf("peer identity mismatch: wanted %s got %s", h.peer, peer))
		return
	}
	h.peer = peer

	payload, err := c.identityPayload(s)
	if err != nil {
		c.abortHandshake(s, h, err)
		return
	}
	msg3, csSend, csRecv, err := h.hs.WriteMessage(nil, payload)
	if err != nil {
		c.abortHandshake(s, h, err)
		return
	}

	reply := c.handshakeFrame(s, peer, 3, msg3)
	c.shipHandshake(s, h, reply)

	delete(c.byPeer, f.Origin)
	delete(c.byPeer, peer)
	if src.IsValid() && c.byAddr[src] == h {
		delete(c.byAddr, src)
	}
	// initiator sends with the first cipher state
	c.establish(s, peer, src, false, csSend, csRecv)
}

// handleMsg3: we are the responder; the initiator's static arrives here.
func (c *SecureChannel) handleMsg3(s *state.State, src netip.AddrPort, f *wire.Frame) {
	h := c.byPeer[f.Origin]
	if h == nil && src.IsValid() {
		h = c.byAddr[src]
	}
	if h == nil || h.initiator {
		perf.MalformedDrops.Add(1)
		return
	}
	remotePayload, csRecv, csSend, err := h.hs.ReadMessage(nil, f.Payload)
	if err != nil {
		c.abortHandshake(s, h, fmt.Errorf("read msg3: %w", err))
		return
	}
	peer, err := verifyIdentity(s, h.hs.PeerStatic(), remotePayload)
	if err != nil {
		c.abortHandshake(s, h, err)
		return
	}
	if !h.peer.IsZero() && h.peer != peer {
		c.abortHandshake(s, h, fmt.Errorf("peer identity mismatch: claimed %s proved %s", h.peer, peer))
		return
	}

	delete(c.byPeer, f.Origin)
	delete(c.byPeer, peer)
	if src.IsValid() && c.byAddr[src] == h {
		delete(c.byAddr, src)
	}
	// responder sends with the second cipher state
	c.establish(s, peer, src, true, csSend, csRecv)
}

func (c *SecureChannel) abortHandshake(s *state.State, h *handshake, err error) {
	if !h.peer.IsZero() {
		c.failHandshake(s, h.peer, err)
		return
	}
	if h.addr.IsValid() {
		delete(c.byAddr, h.addr)
	}
	s.Log.Warn("handshake failed", "addr", h.addr, "err", err)
}

// establish completes the channel: session created, link Established, the
// address the handshake ran over validated.
func (c *SecureChannel) establish(s *state.State, peer state.PeerId, src netip.AddrPort, remoteInit bool, send, recv *noise.CipherState) {
	c.sessions[peer] = &Session{
		send:        send,
		recv:        recv,
		Established: s.Clock.Now(),
	}
	link := s.GetLink(peer)
	if link == nil {
		link = state.NewLinkState(peer)
		s.Links[peer] = link
	}
	// src names the peer's own endpoint only when the handshake ran
	// directly; a routed handshake arrives from a forwarding neighbour
	if src.IsValid() && !addrOwnedElsewhere(s, peer, src) {
		ep := link.AddEndpoint(src, remoteInit)
		ep.Validated = true
	}
	link.Status = state.LinkEstablished
	link.Renew(s.Clock.Now())
	Get[*Transport](s).PathValidated(s, peer)
	s.Log.Info("link established", "peer", peer, "addr", src)
	Get[*Forwarder](s).linkUp(s, peer)
	Get[*RouteEngine](s).linkUp(s, peer)
}

// Seal encrypts f's payload in place under the session with peer, assigning
// the next send counter as the AEAD nonce.
func (c *SecureChannel) Seal(s *state.State, peer state.PeerId, f *wire.Frame) error {
	sess, ok := c.sessions[peer]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, peer)
	}
	sess.sendCtr++
	f.Counter = sess.sendCtr
	sess.send.SetNonce(f.Counter)
	ct, err := sess.send.Encrypt(nil, f.AssociatedData(), f.Payload)
	if err != nil {
		return err
	}
	n := len(ct) - wire.TagSize
	f.Payload = ct[:n]
	copy(f.Tag[:], ct[n:])
	return nil
}

// Open authenticates and decrypts f under the session with its origin.
// Frames whose counter is not strictly greater than the last accepted one
// are replays: dropped silently, never fatal to the link.
func (c *SecureChannel) Open(s *state.State, f *wire.Frame) ([]byte, bool) {
	sess, ok := c.sessions[f.Origin]
	if !ok {
		perf.AuthDrops.Add(1)
		return nil, false
	}
	if f.Counter <= sess.recvCtr {
		perf.ReplayDrops.Add(1)
		return nil, false
	}
	sess.recv.SetNonce(f.Counter)
	ct := append(append([]byte{}, f.Payload...), f.Tag[:]...)
	pt, err := sess.recv.Decrypt(nil, f.AssociatedData(), ct)
	if err != nil {
		perf.AuthDrops.Add(1)
		return nil, false
	}
	sess.recvCtr = f.Counter
	if link := s.GetLink(f.Origin); link != nil {
		link.Renew(s.Clock.Now())
	}
	return pt, true
}

// SendControl seals and ships a control frame to peer. Control is never
// queued: without a session or path it is simply dropped.
func (c *SecureChannel) SendControl(s *state.State, peer state.PeerId, typ wire.Type, seq uint64, payload []byte) {
	f := &wire.Frame{
		Version: wire.Version,
		Type:    typ,
		TTL:     state.TTLMax,
		Origin:  s.Id(),
		Dest:    peer,
		Seq:     seq,
		Payload: payload,
	}
	if err := c.Seal(s, peer, f); err != nil {
		s.Log.Debug("control dropped", "peer", peer, "type", typ, "err", err)
		return
	}
	if err := Get[*Transport](s).Deliver(s, f); err != nil {
		s.Log.Debug("control dropped", "peer", peer, "type", typ, "err", err)
	}
}

// addrOwnedElsewhere reports whether src is already a validated endpoint of a
// different peer's link.
func addrOwnedElsewhere(s *state.State, peer state.PeerId, src netip.AddrPort) bool {
	for _, l := range s.Links {
		if l.Peer == peer {
			continue
		}
		if ep := l.FindEndpoint(src); ep != nil && ep.Validated {
			return true
		}
	}
	return false
}

// DestroySession releases key material for peer. Called synchronously before
// a Dead transition completes, so nothing encrypts under destroyed keys.
func (c *SecureChannel) DestroySession(s *state.State, peer state.PeerId) {
	delete(c.sessions, peer)
	delete(c.byPeer, peer)
}
