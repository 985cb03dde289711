// Package assemble is the Block Assembler (§4.4): given a height, it
// fetches the block, every chunk, and every transaction's tx-status, then
// flattens them into a unified chain.Block, preserving chunk order,
// in-chunk transaction order, and in-transaction action order. Grounded
// on pkg/fetch/fetcher.go's FetchBlock/buildReceiptMap and its bounded
// fan-out-fan-in pattern for concurrent sub-fetches within one block.
package assemble

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/nearindex/indexer-core/chain"
	"github.com/nearindex/indexer-core/errs"
	ilog "github.com/nearindex/indexer-core/internal/logger"
	"github.com/nearindex/indexer-core/rpcclient"
)

// Fetcher is the subset of rpcclient.Client the assembler needs,
// satisfied by *rpcclient.Client and easily faked in tests.
type Fetcher interface {
	Block(ctx context.Context, ref rpcclient.BlockRef) (chain.Block, error)
	Chunk(ctx context.Context, hash string) (rpcclient.ChunkResult, error)
	TxStatusReceipts(ctx context.Context, hash, signerID string) (chain.TxResult, error)
}

// Assembler materializes unified blocks from an RPC Adapter connection.
type Assembler struct {
	client Fetcher
	logger *zap.Logger
}

// New constructs an Assembler over client.
func New(client Fetcher, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = ilog.WithComponent(logger, ilog.ComponentAssembler)
	return &Assembler{client: client, logger: logger}
}

// Assemble fetches and flattens the block at height.
func (a *Assembler) Assemble(ctx context.Context, height uint64) (chain.Block, error) {
	block, err := a.client.Block(ctx, rpcclient.AtHeight(height))
	if err != nil {
		return chain.Block{}, err
	}

	chunkResults := make([]rpcclient.ChunkResult, len(block.Chunks))
	if err := a.fetchChunksConcurrently(ctx, block.Chunks, chunkResults); err != nil {
		return chain.Block{}, err
	}

	for _, chunkResult := range chunkResults {
		for ti, tx := range chunkResult.Transactions {
			tx.BlockHash = block.Header.Hash
			tx.BlockHeight = block.Header.Height
			tx.Timestamp = block.Header.Timestamp

			result, err := a.client.TxStatusReceipts(ctx, tx.Hash, tx.SignerID)
			if err != nil {
				return chain.Block{}, err
			}
			tx.Result = result
			tx.GasUsed = result.GasUsed

			block.Transactions = append(block.Transactions, tx)

			for ai, raw := range chunkResult.RawActions[ti] {
				action, err := DecodeAction(raw, ai, tx.Hash, block.Header.Height)
				if err != nil {
					return chain.Block{}, err
				}
				block.Actions = append(block.Actions, action)
			}
		}
		block.Receipts = append(block.Receipts, chunkResult.Receipts...)
	}

	return block, nil
}

// fetchChunksConcurrently fetches every chunk in block-order with bounded
// concurrency, writing each result to its own output slot so order is
// deterministic regardless of completion order — the same
// results-indexed-by-position pattern the Block Dispatcher uses for
// height ranges (§9 "Promise-based fan-out").
func (a *Assembler) fetchChunksConcurrently(ctx context.Context, chunks []chain.Chunk, out []rpcclient.ChunkResult) error {
	const maxConcurrent = 8
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	errCh := make(chan error, len(chunks))

	for i, ch := range chunks {
		wg.Add(1)
		go func(i int, hash string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := a.client.Chunk(ctx, hash)
			if err != nil {
				errCh <- err
				return
			}
			out[i] = result
		}(i, ch.Hash)
	}
	wg.Wait()
	close(errCh)

	if err, ok := <-errCh; ok {
		return err
	}
	return nil
}

// DecodeAction decodes a single wire-shape RawAction into a typed
// chain.Action. A literal "CreateAccount" string decodes to the
// CreateAccount variant with an empty payload; otherwise raw.Type names
// the variant and raw.Payload is its payload. Unknown variants are
// rejected with errs.InvalidAction (§4.4).
func DecodeAction(raw chain.RawAction, id int, txHash string, height uint64) (chain.Action, error) {
	if raw.Bare != "" {
		kind := chain.ActionKind(raw.Bare)
		if !kind.IsKnown() {
			return chain.Action{}, errs.InvalidAction(raw.Bare)
		}
		return chain.Action{ID: id, Type: kind, Payload: map[string]interface{}{}, TxHash: txHash, BlockHeight: height}, nil
	}

	kind := chain.ActionKind(raw.Type)
	if !kind.IsKnown() {
		return chain.Action{}, errs.InvalidAction(raw.Type)
	}
	return chain.Action{ID: id, Type: kind, Payload: raw.Payload, TxHash: txHash, BlockHeight: height}, nil
}
