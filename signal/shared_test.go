//go:build unix

package signal_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/bci/signal"
)

func TestSharedStorage(t *testing.T) {
	p := signal.Properties{Channels: 3, Elements: 4}
	owner, err := signal.CreateShared(p)
	require.NoError(t, err)

	block := p.Alloc()
	for i := range block {
		for j := range block[i] {
			block[i][j] = float64(i*10+j) + 0.25
		}
	}
	require.NoError(t, owner.Write(block))

	peer, err := signal.OpenShared(owner.Name(), p)
	require.NoError(t, err)
	got := p.Alloc()
	require.NoError(t, peer.Read(got))
	assert.Equal(t, block, got)
	assert.True(t, peer.Fits(p))

	assert.Error(t, owner.Write(signal.EmptyFloat64(1, 4)))
	_, err = signal.OpenShared(owner.Name(), signal.Properties{Channels: 1, Elements: 1})
	assert.Error(t, err)

	require.NoError(t, peer.Close())
	require.NoError(t, owner.Close())
	_, err = os.Stat(owner.Name())
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, owner.Close())
}
