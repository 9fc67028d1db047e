package core

import (
	"net/netip"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"

	"github.com/weftmesh/weft/state"
)

// cachedPeer is one warm-start hint: a peer and the addresses it was last
// reachable at.
type cachedPeer struct {
	Id    state.PeerId     `yaml:"id"`
	Addrs []netip.AddrPort `yaml:"addrs"`
}

// TopoCache persists the validated topology across restarts. Cached
// addresses come back as unvalidated candidates, nothing more: they must
// re-earn trust through a handshake like any gossiped address.
type TopoCache struct {
	env *state.Env
}

func (tc *TopoCache) Init(s *state.State) error {
	tc.env = s.Env
	path := s.Config.TopologyCachePath
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.Log.Warn("topology cache unreadable", "path", path, "err", err)
		}
		return nil
	}
	var peers []cachedPeer
	if err := yaml.Unmarshal(raw, &peers); err != nil {
		// a corrupt cache is cosmetic, never fatal
		s.Log.Warn("topology cache corrupt, ignoring", "path", path, "err", err)
		return nil
	}
	for _, p := range peers {
		if p.Id.IsZero() || p.Id == s.Id() {
			continue
		}
		link := s.GetLink(p.Id)
		if link == nil {
			link = state.NewLinkState(p.Id)
			s.Links[p.Id] = link
		}
		for _, ap := range p.Addrs {
			if ap.IsValid() {
				link.AddEndpoint(ap, false)
			}
		}
	}
	s.Log.Debug("topology cache loaded", "peers", len(peers))
	return nil
}

// Cleanup runs after the dispatch loop has stopped, so the topology is
// quiescent.
func (tc *TopoCache) Cleanup(s *state.State) error {
	path := s.Config.TopologyCachePath
	if path == "" {
		return nil
	}
	peers := make([]cachedPeer, 0, len(s.Links))
	for _, l := range s.Links {
		p := cachedPeer{Id: l.Peer}
		for _, ep := range l.Endpoints {
			if ep.Validated {
				p.Addrs = append(p.Addrs, ep.Addr)
			}
		}
		if len(p.Addrs) > 0 {
			peers = append(peers, p)
		}
	}
	out, err := yaml.Marshal(peers)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return os.WriteFile(path, out, 0600)
}
