package core

import (
	"math/rand/v2"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/weftmesh/weft/state"
	"github.com/weftmesh/weft/wire"
)

// Gossiper maintains link liveness. It heartbeats every established link,
// measures RTT through token echo, and periodically piggybacks this node's
// neighbour list so peers learn the topology one hop beyond their own links.
type Gossiper struct {
	env *state.Env

	// tokens maps outstanding hello tokens to their send time. Entries that
	// are never echoed age out on their own.
	tokens *ttlcache.Cache[uint64, time.Time]

	lastGossip time.Time
}

func (g *Gossiper) Init(s *state.State) error {
	g.env = s.Env
	// no eviction goroutine; the heartbeat task sweeps expired tokens
	g.tokens = ttlcache.New[uint64, time.Time](
		ttlcache.WithTTL[uint64, time.Time](state.ProbeTokenTTL),
		ttlcache.WithDisableTouchOnHit[uint64, time.Time](),
	)

	s.Env.RepeatTask(func(s *state.State) error {
		g.heartbeat(s)
		return nil
	}, s.Config.HeartbeatInterval.Std())

	// dial the configured seeds once the loop is running
	for _, seed := range s.Config.SeedPeers {
		addr := seed
		s.Env.Dispatch(func(s *state.State) error {
			Get[*SecureChannel](s).InitiateHandshakeAddr(s, addr)
			return nil
		})
	}
	return nil
}

func (g *Gossiper) Cleanup(s *state.State) error {
	return nil
}

// heartbeat sends a Hello over every usable link. The neighbour digest rides
// along once per gossip interval; the other beats travel empty.
func (g *Gossiper) heartbeat(s *state.State) {
	g.tokens.DeleteExpired()
	now := s.Clock.Now()
	withDigest := now.Sub(g.lastGossip) >= s.Config.GossipInterval.Std()
	var digest []state.NeighborInfo
	if withDigest {
		digest = s.NeighborDigest()
		g.lastGossip = now
	}

	ch := Get[*SecureChannel](s)
	for _, link := range s.EstablishedLinks() {
		h := &wire.Hello{
			Token:     rand.Uint64(),
			Neighbors: digest,
		}
		g.tokens.Set(h.Token, now, ttlcache.DefaultTTL)
		ch.SendControl(s, link.Peer, wire.TypeHello, 0, h.Encode())
	}
}

// handleHello processes a decrypted heartbeat from a peer we hold a session
// with. Duplicate gossip is harmless: the merge is idempotent.
func (g *Gossiper) handleHello(s *state.State, from state.PeerId, body []byte) {
	h := &wire.Hello{}
	if err := h.Decode(body); err != nil {
		s.Log.Debug("malformed hello", "from", from, "err", err)
		return
	}
	link := s.GetLink(from)
	if link == nil || !link.Status.Usable() {
		return
	}
	link.Renew(s.Clock.Now())

	if h.Reply {
		if item := g.tokens.Get(h.Token); item != nil {
			g.tokens.Delete(h.Token)
			link.UpdateRTT(s.Clock.Now().Sub(item.Value()))
		}
	} else {
		echo := &wire.Hello{Token: h.Token, Reply: true}
		Get[*SecureChannel](s).SendControl(s, from, wire.TypeHello, 0, echo.Encode())
	}

	if len(h.Neighbors) > 0 {
		s.MergeGossip(from, h.Neighbors)
	}
}
