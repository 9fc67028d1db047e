package core

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/weftmesh/weft/state"
	"github.com/weftmesh/weft/wire"
)

func TestEnqueueDropsOldestOnOverflow(t *testing.T) {
	seen, err := lru.New[seenKey, struct{}](16)
	require.NoError(t, err)
	fw := &Forwarder{
		pending: make(map[state.PeerId][][]byte),
		seen:    seen,
	}
	dest := peerN(1)

	for i := range state.SendQueueCapacity + 10 {
		fw.enqueue(nil, dest, []byte(fmt.Sprintf("payload-%d", i)))
	}

	q := fw.pending[dest]
	assert.Len(t, q, state.SendQueueCapacity)
	// the oldest payloads were shed, the newest survive
	assert.Equal(t, []byte("payload-10"), q[0])
	assert.Equal(t, []byte(fmt.Sprintf("payload-%d", state.SendQueueCapacity+9)), q[len(q)-1])
}

func TestTransitDedupDistinguishesHandshakeMessages(t *testing.T) {
	msg := func(seq uint64) *wire.Frame {
		return &wire.Frame{
			Type:   wire.TypeHandshake,
			Flags:  wire.FlagPlaintext,
			Origin: peerN(1),
			Dest:   peerN(2),
			Seq:    seq,
		}
	}
	// successive messages of one relayed key exchange carry no counter and
	// must never suppress each other
	assert.NotEqual(t, transitKey(msg(1)), transitKey(msg(3)))

	data := &wire.Frame{Type: wire.TypeData, Origin: peerN(1), Dest: peerN(2), Counter: 7}
	dup := *data
	assert.Equal(t, transitKey(data), transitKey(&dup))
	dup.Counter = 8
	assert.NotEqual(t, transitKey(data), transitKey(&dup))
}

func TestSendRejectsOversize(t *testing.T) {
	key, err := state.GenerateKey()
	require.NoError(t, err)
	fw := &Forwarder{env: &state.Env{Keys: state.NewKeyStore(key)}}
	err = fw.Send(peerN(2), make([]byte, 70000))
	assert.Error(t, err)
}
