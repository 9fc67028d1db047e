package state

import (
	"crypto"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/mr-tron/base58"
	"go.step.sm/crypto/x25519"
	"golang.org/x/crypto/blake2s"
)

const (
	KeySize    = 32
	PeerIdSize = 16
)

type WeftPrivateKey [KeySize]byte
type WeftPublicKey [KeySize]byte

// PeerId is a stable node identifier derived from the node's public key.
// It never changes for the lifetime of an identity.
type PeerId [PeerIdSize]byte

var ZeroPeer PeerId

// GenerateKey creates a new identity keypair. The random source failing is
// fatal to key generation, there is no fallback.
func GenerateKey() (WeftPrivateKey, error) {
	_, priv, err := x25519.GenerateKey(rand.Reader)
	if err != nil {
		return WeftPrivateKey{}, fmt.Errorf("generate identity key: %w", err)
	}
	return WeftPrivateKey(priv), nil
}

func (k WeftPrivateKey) Pubkey() WeftPublicKey {
	val, err := x25519.PrivateKey(k[:]).PublicKey()
	if err != nil {
		panic(err)
	}
	return WeftPublicKey(val)
}

// Sign signs msg with the identity key (XEdDSA over the x25519 key).
func (k WeftPrivateKey) Sign(msg []byte) ([]byte, error) {
	return x25519.PrivateKey(k[:]).Sign(rand.Reader, msg, crypto.Hash(0))
}

// Verify reports whether sig is a valid signature of msg under pub.
func (p WeftPublicKey) Verify(msg, sig []byte) bool {
	return x25519.Verify(x25519.PublicKey(p[:]), msg, sig)
}

// Id derives the PeerId for this public key: a truncated blake2s digest.
func (p WeftPublicKey) Id() PeerId {
	sum := blake2s.Sum256(p[:])
	return PeerId(sum[:PeerIdSize])
}

func (k WeftPrivateKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(k[:])), nil
}

func (k *WeftPrivateKey) UnmarshalText(text []byte) error {
	raw, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(raw) != KeySize {
		return fmt.Errorf("invalid private key length %d", len(raw))
	}
	copy(k[:], raw)
	return nil
}

func (p WeftPublicKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(p[:])), nil
}

func (p *WeftPublicKey) UnmarshalText(text []byte) error {
	raw, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(raw) != KeySize {
		return fmt.Errorf("invalid public key length %d", len(raw))
	}
	copy(p[:], raw)
	return nil
}

func (id PeerId) String() string {
	return base58.Encode(id[:])
}

func (id PeerId) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *PeerId) UnmarshalText(text []byte) error {
	raw, err := base58.Decode(string(text))
	if err != nil {
		return err
	}
	if len(raw) != PeerIdSize {
		return fmt.Errorf("invalid peer id length %d", len(raw))
	}
	copy(id[:], raw)
	return nil
}

func (id PeerId) IsZero() bool {
	return id == ZeroPeer
}
