package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrKeyExists  = errors.New("identity key already exists")
	ErrKeyMissing = errors.New("identity key not found, run `weft init` first")
	// ErrKeyCorrupt is fatal at startup. A corrupt key file is never silently
	// regenerated; that would orphan the node's established identity.
	ErrKeyCorrupt = errors.New("identity key file is corrupt")
)

// KeyStore holds the node's long-term identity and the public keys of peers
// learned from completed handshakes or pinned in the config.
type KeyStore struct {
	mu    sync.RWMutex
	key   WeftPrivateKey
	pub   WeftPublicKey
	id    PeerId
	known map[PeerId]WeftPublicKey
}

func NewKeyStore(key WeftPrivateKey) *KeyStore {
	pub := key.Pubkey()
	return &KeyStore{
		key:   key,
		pub:   pub,
		id:    pub.Id(),
		known: make(map[PeerId]WeftPublicKey),
	}
}

// LoadKeyStore reads the identity key file written by GenerateIdentity.
func LoadKeyStore(path string) (*KeyStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyMissing, path)
		}
		return nil, fmt.Errorf("read identity key: %w", err)
	}
	var key WeftPrivateKey
	if err := key.UnmarshalText([]byte(strings.TrimSpace(string(raw)))); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyCorrupt, path)
	}
	return NewKeyStore(key), nil
}

// GenerateIdentity creates and persists a fresh identity keypair with
// restrictive permissions. Refuses to overwrite an existing key unless force
// is set.
func GenerateIdentity(path string, force bool) (*KeyStore, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return nil, fmt.Errorf("%w: %s", ErrKeyExists, path)
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	text, err := key.MarshalText()
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, append(text, '\n'), 0600); err != nil {
		return nil, fmt.Errorf("write identity key: %w", err)
	}
	return NewKeyStore(key), nil
}

func (ks *KeyStore) Id() PeerId {
	return ks.id
}

func (ks *KeyStore) Pubkey() WeftPublicKey {
	return ks.pub
}

func (ks *KeyStore) PrivateKey() WeftPrivateKey {
	return ks.key
}

func (ks *KeyStore) Sign(msg []byte) ([]byte, error) {
	return ks.key.Sign(msg)
}

// Verify checks sig against the known public key of peer. Unknown peers never
// verify.
func (ks *KeyStore) Verify(peer PeerId, msg, sig []byte) bool {
	pub, ok := ks.PublicKey(peer)
	if !ok {
		return false
	}
	return pub.Verify(msg, sig)
}

func (ks *KeyStore) PublicKey(peer PeerId) (WeftPublicKey, bool) {
	if peer == ks.id {
		return ks.pub, true
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	pub, ok := ks.known[peer]
	return pub, ok
}

// Learn records a peer public key observed during an authenticated handshake.
// The binding is self-certifying: the id must be the digest of the key.
func (ks *KeyStore) Learn(pub WeftPublicKey) (PeerId, error) {
	id := pub.Id()
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if old, ok := ks.known[id]; ok && old != pub {
		return ZeroPeer, fmt.Errorf("peer id collision for %s", id)
	}
	ks.known[id] = pub
	return id, nil
}

func (ks *KeyStore) KnownPeers() []PeerId {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	peers := make([]PeerId, 0, len(ks.known))
	for id := range ks.known {
		peers = append(peers, id)
	}
	return peers
}
