package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	pub := key.Pubkey()
	_, err = pub.MarshalText()
	assert.NoError(t, err)
}

func TestSignVerify(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	msg := []byte("routing around damage")
	sig, err := key.Sign(msg)
	require.NoError(t, err)

	assert.True(t, key.Pubkey().Verify(msg, sig))
	assert.False(t, key.Pubkey().Verify([]byte("tampered"), sig))

	other, err := GenerateKey()
	require.NoError(t, err)
	assert.False(t, other.Pubkey().Verify(msg, sig))
}

func TestPeerIdStable(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	id1 := key.Pubkey().Id()
	id2 := key.Pubkey().Id()
	assert.Equal(t, id1, id2)
	assert.False(t, id1.IsZero())
}

func TestPeerIdTextRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	id := key.Pubkey().Id()
	text, err := id.MarshalText()
	require.NoError(t, err)

	var back PeerId
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, id, back)

	assert.Error(t, back.UnmarshalText([]byte("not!base58")))
}

func TestPrivateKeyTextRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	text, err := key.MarshalText()
	require.NoError(t, err)

	var back WeftPrivateKey
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, key, back)
	assert.Equal(t, key.Pubkey(), back.Pubkey())
}
