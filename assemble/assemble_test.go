package assemble

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearindex/indexer-core/chain"
	"github.com/nearindex/indexer-core/errs"
	"github.com/nearindex/indexer-core/rpcclient"
)

type fakeFetcher struct {
	block   chain.Block
	chunks  map[string]rpcclient.ChunkResult
	results map[string]chain.TxResult
}

func (f *fakeFetcher) Block(ctx context.Context, ref rpcclient.BlockRef) (chain.Block, error) {
	return f.block, nil
}

func (f *fakeFetcher) Chunk(ctx context.Context, hash string) (rpcclient.ChunkResult, error) {
	return f.chunks[hash], nil
}

func (f *fakeFetcher) TxStatusReceipts(ctx context.Context, hash, signerID string) (chain.TxResult, error) {
	return f.results[hash], nil
}

func TestAssemblePreservesOrderAndDecodesActions(t *testing.T) {
	f := &fakeFetcher{
		block: chain.Block{
			Header: chain.BlockHeader{Height: 10, Hash: "H"},
			Chunks: []chain.Chunk{{Hash: "c1"}},
		},
		chunks: map[string]rpcclient.ChunkResult{
			"c1": {
				Transactions: []chain.Transaction{{Hash: "tx1", SignerID: "alice.near"}},
				RawActions: [][]chain.RawAction{
					{{Bare: "CreateAccount"}, {Type: "Transfer", Payload: map[string]interface{}{"deposit": "1"}}},
				},
			},
		},
		results: map[string]chain.TxResult{"tx1": {GasUsed: 100}},
	}

	asm := New(f, nil)
	block, err := asm.Assemble(t.Context(), 10)
	require.NoError(t, err)

	require.Len(t, block.Transactions, 1)
	require.Len(t, block.Actions, 2)
	assert.Equal(t, chain.ActionCreateAccount, block.Actions[0].Type)
	assert.Equal(t, 0, block.Actions[0].ID)
	assert.Equal(t, chain.ActionTransfer, block.Actions[1].Type)
	assert.Equal(t, 1, block.Actions[1].ID)
	assert.Equal(t, uint64(100), block.Transactions[0].GasUsed)
}

func TestDecodeActionRejectsUnknownVariant(t *testing.T) {
	_, err := DecodeAction(chain.RawAction{Type: "NotARealAction"}, 0, "tx", 1)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindInvalidAction))
}
