package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIdentityRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")

	ks1, err := GenerateIdentity(path, false)
	require.NoError(t, err)

	_, err = GenerateIdentity(path, false)
	assert.ErrorIs(t, err, ErrKeyExists)

	// the original identity survives
	loaded, err := LoadKeyStore(path)
	require.NoError(t, err)
	assert.Equal(t, ks1.Id(), loaded.Id())

	ks2, err := GenerateIdentity(path, true)
	require.NoError(t, err)
	assert.NotEqual(t, ks1.Id(), ks2.Id())
}

func TestLoadKeyStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")
	require.NoError(t, os.WriteFile(path, []byte("garbage keys"), 0600))

	_, err := LoadKeyStore(path)
	assert.ErrorIs(t, err, ErrKeyCorrupt)
}

func TestLoadKeyStoreMissing(t *testing.T) {
	_, err := LoadKeyStore(filepath.Join(t.TempDir(), "nope.key"))
	assert.ErrorIs(t, err, ErrKeyMissing)
}

func TestKeyStoreLearn(t *testing.T) {
	self, err := GenerateKey()
	require.NoError(t, err)
	ks := NewKeyStore(self)

	peer, err := GenerateKey()
	require.NoError(t, err)
	id, err := ks.Learn(peer.Pubkey())
	require.NoError(t, err)
	assert.Equal(t, peer.Pubkey().Id(), id)

	// learning the same key twice is a no-op
	_, err = ks.Learn(peer.Pubkey())
	assert.NoError(t, err)

	msg := []byte("hello")
	sig, err := peer.Sign(msg)
	require.NoError(t, err)
	assert.True(t, ks.Verify(id, msg, sig))
	assert.False(t, ks.Verify(ZeroPeer, msg, sig))
}
