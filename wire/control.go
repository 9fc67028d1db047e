package wire

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/weftmesh/weft/state"
)

// Control message bodies. These ride inside frame payloads and are encoded
// with the same fixed-endianness discipline as the header.

var ErrMalformed = errors.New("malformed control body")

type writer struct {
	b []byte
}

func (w *writer) u8(v uint8)    { w.b = append(w.b, v) }
func (w *writer) u32(v uint32)  { w.b = binary.BigEndian.AppendUint32(w.b, v) }
func (w *writer) u64(v uint64)  { w.b = binary.BigEndian.AppendUint64(w.b, v) }
func (w *writer) i64(v int64)   { w.b = binary.BigEndian.AppendUint64(w.b, uint64(v)) }
func (w *writer) raw(v []byte)  { w.b = append(w.b, v...) }
func (w *writer) peer(id state.PeerId) { w.b = append(w.b, id[:]...) }

func (w *writer) bytes8(v []byte) {
	w.u8(uint8(len(v)))
	w.raw(v)
}

func (w *writer) addr(ap netip.AddrPort) error {
	raw, err := ap.MarshalBinary()
	if err != nil {
		return err
	}
	w.bytes8(raw)
	return nil
}

type reader struct {
	b []byte
}

func (r *reader) u8() (uint8, error) {
	if len(r.b) < 1 {
		return 0, ErrMalformed
	}
	v := r.b[0]
	r.b = r.b[1:]
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if len(r.b) < 4 {
		return 0, ErrMalformed
	}
	v := binary.BigEndian.Uint32(r.b)
	r.b = r.b[4:]
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if len(r.b) < 8 {
		return 0, ErrMalformed
	}
	v := binary.BigEndian.Uint64(r.b)
	r.b = r.b[8:]
	return v, nil
}

func (r *reader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *reader) take(n int) ([]byte, error) {
	if len(r.b) < n {
		return nil, ErrMalformed
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v, nil
}

func (r *reader) peer() (state.PeerId, error) {
	var id state.PeerId
	raw, err := r.take(state.PeerIdSize)
	if err != nil {
		return id, err
	}
	copy(id[:], raw)
	return id, nil
}

func (r *reader) bytes8() ([]byte, error) {
	n, err := r.u8()
	if err != nil {
		return nil, err
	}
	return r.take(int(n))
}

func (r *reader) addr() (netip.AddrPort, error) {
	raw, err := r.bytes8()
	if err != nil {
		return netip.AddrPort{}, err
	}
	var ap netip.AddrPort
	if err := ap.UnmarshalBinary(raw); err != nil {
		return netip.AddrPort{}, ErrMalformed
	}
	return ap, nil
}

// Hello is the periodic link heartbeat. Every gossip interval it piggybacks
// the sender's neighbour list; in between it travels empty. The token is
// echoed back for RTT measurement.
type Hello struct {
	Token     uint64
	Reply     bool
	Neighbors []state.NeighborInfo
}

func (h *Hello) Encode() []byte {
	w := &writer{}
	w.u64(h.Token)
	if h.Reply {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.u32(uint32(len(h.Neighbors)))
	for _, n := range h.Neighbors {
		w.peer(n.Id)
		w.i64(n.LastSeen)
		w.u32(n.Metric)
		w.u8(uint8(len(n.Addrs)))
		for _, ap := range n.Addrs {
			_ = w.addr(ap)
		}
	}
	return w.b
}

func (h *Hello) Decode(b []byte) error {
	r := &reader{b}
	var err error
	if h.Token, err = r.u64(); err != nil {
		return err
	}
	rep, err := r.u8()
	if err != nil {
		return err
	}
	h.Reply = rep != 0
	count, err := r.u32()
	if err != nil || count > 4096 {
		return ErrMalformed
	}
	h.Neighbors = make([]state.NeighborInfo, 0, count)
	for range count {
		var n state.NeighborInfo
		if n.Id, err = r.peer(); err != nil {
			return err
		}
		if n.LastSeen, err = r.i64(); err != nil {
			return err
		}
		if n.Metric, err = r.u32(); err != nil {
			return err
		}
		na, err := r.u8()
		if err != nil {
			return err
		}
		for range na {
			ap, err := r.addr()
			if err != nil {
				return err
			}
			n.Addrs = append(n.Addrs, ap)
		}
		h.Neighbors = append(h.Neighbors, n)
	}
	return nil
}

// RouteRequest floods toward a destination. The origin's discovery sequence
// rides in the frame header; KnownSeq is the freshest destination sequence
// the origin already holds, so intermediate nodes only answer with
// fresher-or-equal routes. Path accumulates the traversed nodes.
type RouteRequest struct {
	KnownSeq uint64
	Path     []state.PeerId
}

func (rr *RouteRequest) Encode() []byte {
	w := &writer{}
	w.u64(rr.KnownSeq)
	w.u8(uint8(len(rr.Path)))
	for _, id := range rr.Path {
		w.peer(id)
	}
	return w.b
}

func (rr *RouteRequest) Decode(b []byte) error {
	r := &reader{b}
	var err error
	if rr.KnownSeq, err = r.u64(); err != nil {
		return err
	}
	n, err := r.u8()
	if err != nil {
		return err
	}
	rr.Path = make([]state.PeerId, 0, n)
	for range n {
		id, err := r.peer()
		if err != nil {
			return err
		}
		rr.Path = append(rr.Path, id)
	}
	return nil
}

// RouteReply retraces the accumulated path back to the request origin. Each
// hop increments HopsFromDest and adds its inbound link cost to PathMetric.
type RouteReply struct {
	DestSeq      uint64
	HopsFromDest uint8
	PathMetric   uint32
	Path         []state.PeerId
}

func (rp *RouteReply) Encode() []byte {
	w := &writer{}
	w.u64(rp.DestSeq)
	w.u8(rp.HopsFromDest)
	w.u32(rp.PathMetric)
	w.u8(uint8(len(rp.Path)))
	for _, id := range rp.Path {
		w.peer(id)
	}
	return w.b
}

func (rp *RouteReply) Decode(b []byte) error {
	r := &reader{b}
	var err error
	if rp.DestSeq, err = r.u64(); err != nil {
		return err
	}
	if rp.HopsFromDest, err = r.u8(); err != nil {
		return err
	}
	if rp.PathMetric, err = r.u32(); err != nil {
		return err
	}
	n, err := r.u8()
	if err != nil {
		return err
	}
	rp.Path = make([]state.PeerId, 0, n)
	for range n {
		id, err := r.peer()
		if err != nil {
			return err
		}
		rp.Path = append(rp.Path, id)
	}
	return nil
}

// RouteError invalidates routes through a broken next hop.
type RouteError struct {
	Dest           state.PeerId
	InvalidatedSeq uint64
}

func (re *RouteError) Encode() []byte {
	w := &writer{}
	w.peer(re.Dest)
	w.u64(re.InvalidatedSeq)
	return w.b
}

func (re *RouteError) Decode(b []byte) error {
	r := &reader{b}
	var err error
	if re.Dest, err = r.peer(); err != nil {
		return err
	}
	re.InvalidatedSeq, err = r.u64()
	return err
}

type PunchKind uint8

const (
	// PunchRequest asks a shared, trusted neighbour to coordinate a
	// simultaneous open toward Target.
	PunchRequest PunchKind = iota + 1
	// PunchCoord is the relay's answer, delivered to both sides: the other
	// peer's observed addresses, signed by the relay. Advisory only.
	PunchCoord
	// PunchProbe is the bare datagram both sides fire at each other's
	// candidate addresses.
	PunchProbe
)

// Punch carries NAT traversal coordination.
type Punch struct {
	Kind   PunchKind
	Target state.PeerId
	Peer   state.PeerId
	Addrs  []netip.AddrPort
	Nonce  uint64
	Sig    []byte
}

// SignedBody returns the bytes a relay signs in a PunchCoord.
func (p *Punch) SignedBody() []byte {
	w := &writer{}
	w.u8(uint8(p.Kind))
	w.peer(p.Target)
	w.peer(p.Peer)
	w.u64(p.Nonce)
	for _, ap := range p.Addrs {
		_ = w.addr(ap)
	}
	return w.b
}

func (p *Punch) Encode() []byte {
	w := &writer{}
	w.u8(uint8(p.Kind))
	w.peer(p.Target)
	w.peer(p.Peer)
	w.u64(p.Nonce)
	w.u8(uint8(len(p.Addrs)))
	for _, ap := range p.Addrs {
		_ = w.addr(ap)
	}
	w.bytes8(p.Sig)
	return w.b
}

func (p *Punch) Decode(b []byte) error {
	r := &reader{b}
	k, err := r.u8()
	if err != nil {
		return err
	}
	p.Kind = PunchKind(k)
	if p.Kind < PunchRequest || p.Kind > PunchProbe {
		return ErrMalformed
	}
	if p.Target, err = r.peer(); err != nil {
		return err
	}
	if p.Peer, err = r.peer(); err != nil {
		return err
	}
	if p.Nonce, err = r.u64(); err != nil {
		return err
	}
	n, err := r.u8()
	if err != nil {
		return err
	}
	for range n {
		ap, err := r.addr()
		if err != nil {
			return err
		}
		p.Addrs = append(p.Addrs, ap)
	}
	p.Sig, err = r.bytes8()
	return err
}
