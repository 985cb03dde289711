package unfinalized

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearindex/indexer-core/chain"
)

func TestCheckBlockNoDivergenceWhenHashesAgree(t *testing.T) {
	tr := New(16, nil)
	tr.ObserveFinalized(chain.BlockHeader{Height: 99, Hash: "h99"})

	reindex := tr.CheckBlock(chain.Block{Header: chain.BlockHeader{Height: 100, PrevHash: "h99"}})
	assert.Nil(t, reindex)
}

func TestCheckBlockDetectsForkDivergence(t *testing.T) {
	tr := New(16, nil)
	tr.ObserveFinalized(chain.BlockHeader{Height: 99, Hash: "h99-canonical"})

	reindex := tr.CheckBlock(chain.Block{Header: chain.BlockHeader{Height: 100, PrevHash: "h99-forked"}})
	require.NotNil(t, reindex)
	assert.Equal(t, uint64(99), *reindex)
}

func TestCheckBlockUnknownAncestorIsNotDivergence(t *testing.T) {
	tr := New(16, nil)
	reindex := tr.CheckBlock(chain.Block{Header: chain.BlockHeader{Height: 100, PrevHash: "whatever"}})
	assert.Nil(t, reindex)
}

func TestObserveFinalizedEvictsOldestBeyondCapacity(t *testing.T) {
	tr := New(2, nil)
	tr.ObserveFinalized(chain.BlockHeader{Height: 1, Hash: "h1"})
	tr.ObserveFinalized(chain.BlockHeader{Height: 2, Hash: "h2"})
	tr.ObserveFinalized(chain.BlockHeader{Height: 3, Hash: "h3"})

	assert.Len(t, tr.headers, 2)
	_, stillTracked := tr.headers[1]
	assert.False(t, stillTracked)
}

func TestCheckBlockGenesisNeverDiverges(t *testing.T) {
	tr := New(16, nil)
	reindex := tr.CheckBlock(chain.Block{Header: chain.BlockHeader{Height: 0, PrevHash: ""}})
	assert.Nil(t, reindex)
}
