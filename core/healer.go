package core

import (
	"errors"

	"github.com/weftmesh/weft/perf"
	"github.com/weftmesh/weft/state"
)

var ErrHeartbeatLost = errors.New("heartbeats lost")

// Healer is the failure detector. It scans link liveness on the heartbeat
// cadence and runs the teardown cascade when a link dies, so the rest of the
// mesh can route around the failure.
type Healer struct {
	env *state.Env
}

func (h *Healer) Init(s *state.State) error {
	h.env = s.Env
	s.Env.RepeatTask(func(s *state.State) error {
		h.scan(s)
		return nil
	}, s.Config.HeartbeatInterval.Std())
	return nil
}

func (h *Healer) Cleanup(s *state.State) error {
	return nil
}

// scan degrades links after consecutive missed heartbeats and declares them
// dead past the second threshold. A link that was only degraded recovers by
// itself when traffic resumes.
func (h *Healer) scan(s *state.State) {
	now := s.Clock.Now()
	interval := s.Config.HeartbeatInterval.Std()
	for _, link := range s.EstablishedLinks() {
		if link.LastSeen.IsZero() {
			link.LastSeen = now
			continue
		}
		missed := int(now.Sub(link.LastSeen) / interval)
		link.MissedBeats = missed
		switch {
		case missed >= state.DeadThreshold:
			h.MarkDead(s, link, ErrHeartbeatLost)
		case missed >= state.DegradedThreshold && link.Status == state.LinkEstablished:
			link.Status = state.LinkDegraded
			s.Log.Warn("link degraded", "peer", link.Peer, "missed", missed)
			h.notify(s, link.Peer, state.LinkDegraded)
		}
	}
}

// MarkDead runs the full teardown cascade for a failed link: session key
// material destroyed, topology entry removed, routes through the peer
// invalidated and propagated. The cascade is synchronous so no later dispatch
// sees the link half torn down.
func (h *Healer) MarkDead(s *state.State, link *state.LinkState, cause error) {
	if link.Status == state.LinkDead {
		return
	}
	link.Status = state.LinkDead
	s.Log.Warn("link dead", "peer", link.Peer, "cause", cause)
	perf.LinksDied.Add(1)

	Get[*SecureChannel](s).DestroySession(s, link.Peer)
	delete(s.Links, link.Peer)
	delete(s.Gossip, link.Peer)
	Get[*RouteEngine](s).InvalidateNextHop(s, link.Peer)
	h.notify(s, link.Peer, state.LinkDead)
}

func (h *Healer) notify(s *state.State, peer state.PeerId, status state.LinkStatus) {
	if n := Get[*Forwarder](s).node; n != nil {
		n.notifyLink(LinkEvent{Peer: peer, Status: status})
	}
}
