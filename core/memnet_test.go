package core

import (
	"net/netip"
	"sync"
	"sync/atomic"
)

// memNet is an in-memory datagram fabric. Every sock sees every other unless
// a partition is installed, which is how tests model link failure.
type memNet struct {
	mu    sync.Mutex
	socks map[netip.AddrPort]*memSock
	down  map[[2]netip.AddrPort]bool
}

func newMemNet() *memNet {
	return &memNet{
		socks: make(map[netip.AddrPort]*memSock),
		down:  make(map[[2]netip.AddrPort]bool),
	}
}

func (n *memNet) sock(addr netip.AddrPort) *memSock {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := &memSock{
		net:    n,
		addr:   addr,
		inbox:  make(chan datagram, 1024),
		closed: make(chan struct{}),
	}
	n.socks[addr] = s
	return s
}

// partition drops all traffic in both directions between a and b.
func (n *memNet) partition(a, b netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[[2]netip.AddrPort{a, b}] = true
	n.down[[2]netip.AddrPort{b, a}] = true
}

func (n *memNet) deliver(src, dst netip.AddrPort, b []byte) {
	n.mu.Lock()
	target, ok := n.socks[dst]
	blocked := n.down[[2]netip.AddrPort{src, dst}]
	n.mu.Unlock()
	if !ok || blocked {
		return
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case target.inbox <- datagram{src: src, b: cp}:
	case <-target.closed:
	default:
		// inbox full behaves like network loss
	}
}

type datagram struct {
	src netip.AddrPort
	b   []byte
}

type memSock struct {
	net    *memNet
	addr   netip.AddrPort
	inbox  chan datagram
	closed chan struct{}
	once   sync.Once
}

func (s *memSock) Send(addr netip.AddrPort, b []byte) error {
	s.net.deliver(s.addr, addr, b)
	return nil
}

func (s *memSock) Run(handler func(src netip.AddrPort, b []byte)) {
	for {
		select {
		case d := <-s.inbox:
			handler(d.src, d.b)
		case <-s.closed:
			return
		}
	}
}

func (s *memSock) LocalAddr() netip.AddrPort {
	return s.addr
}

func (s *memSock) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// countingSock wraps a sock and counts outbound datagrams.
type countingSock struct {
	Sock
	sent *atomic.Int64
}

func (c *countingSock) Send(addr netip.AddrPort, b []byte) error {
	c.sent.Add(1)
	return c.Sock.Send(addr, b)
}
