package state

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/benbjohnson/clock"
)

type Module interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// State access must be done only on the dispatch goroutine.
type State struct {
	*Env
	Modules map[string]Module

	// Links is the topology store: every peer we hold a channel to, direct
	// or routed. Mutated only by the secure channel and the failure detector.
	Links map[PeerId]*LinkState

	// Gossip is the one-hop-beyond neighbour view, merged from Hello
	// messages.
	Gossip map[PeerId][]NeighborInfo
}

// Env can be read from any goroutine.
type Env struct {
	DispatchChannel chan<- func(s *State) error
	Config
	Keys     *KeyStore
	Context  context.Context
	Cancel   context.CancelCauseFunc
	Log      *slog.Logger
	Clock    clock.Clock
	Started  atomic.Bool
	Stopping atomic.Bool
}

func (e *Env) Id() PeerId {
	return e.Keys.Id()
}

// GetLink returns the link state for peer, or nil.
func (s *State) GetLink(peer PeerId) *LinkState {
	return s.Links[peer]
}

// EstablishedLinks lists peers whose channel is currently usable.
func (s *State) EstablishedLinks() []*LinkState {
	links := make([]*LinkState, 0, len(s.Links))
	for _, l := range s.Links {
		if l.Status == LinkEstablished || l.Status == LinkDegraded {
			links = append(links, l)
		}
	}
	return links
}

// DirectNeighbors lists established peers reachable without forwarding.
func (s *State) DirectNeighbors() []*LinkState {
	links := make([]*LinkState, 0, len(s.Links))
	for _, l := range s.Links {
		if (l.Status == LinkEstablished || l.Status == LinkDegraded) && l.Direct() {
			links = append(links, l)
		}
	}
	return links
}
