// Package rpcclient is the RPC Adapter (§4.1): a typed client over NEAR's
// JSON-RPC surface, plus a height-pinned view handed to user handlers.
// Grounded on pkg/client/client.go's dial/ping/typed-method shape, adapted
// to a hand-rolled JSON-RPC 2.0 envelope over net/http since NEAR has no
// ethclient-style RPC client to wrap, rate-limited with
// golang.org/x/time/rate the same way pkg/rpcproxy rate-limits its calls.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nearindex/indexer-core/chain"
	"github.com/nearindex/indexer-core/errs"
	ilog "github.com/nearindex/indexer-core/internal/logger"
)

// Finality selects between the committed and speculative chain tip.
type Finality string

const (
	FinalityFinal      Finality = "final"
	FinalityOptimistic Finality = "optimistic"
)

// BlockRef selects a block by height, hash, or finality — the reference
// shape JSON-RPC `block` accepts.
type BlockRef struct {
	Height   *uint64
	Hash     string
	Finality Finality
}

// AtHeight builds a height-based BlockRef.
func AtHeight(h uint64) BlockRef { return BlockRef{Height: &h} }

// AtFinality builds a finality-based BlockRef.
func AtFinality(f Finality) BlockRef { return BlockRef{Finality: f} }

func (r BlockRef) params() map[string]interface{} {
	switch {
	case r.Finality != "":
		return map[string]interface{}{"finality": string(r.Finality)}
	case r.Hash != "":
		return map[string]interface{}{"block_id": r.Hash}
	default:
		return map[string]interface{}{"block_id": *r.Height}
	}
}

// Config configures a single Client connection.
type Config struct {
	Endpoint       string
	Timeout        time.Duration
	RateLimitPerS  float64// 0 disables rate limiting
	RateLimitBurst int
	Logger         *zap.Logger
}

// Client is a single RPC endpoint connection. It is stateless beyond an
// http.Client and an optional rate limiter; concurrent use is safe.
type Client struct {
	endpoint string
	timeout  time.Duration
	http     *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// New dials endpoint (a single connectivity probe via Status) and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errs.Config(fmt.Errorf("rpcclient: endpoint is required"))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = ilog.WithComponent(logger, ilog.ComponentRPCClient)
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RateLimitPerS > 0 {
		burst := cfg.RateLimitBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerS), burst)
	}

	c := &Client{
		endpoint: cfg.Endpoint,
		timeout:  timeout,
		http:     &http.Client{Timeout: timeout},
		limiter:  limiter,
		logger:   logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := c.Status(ctx); err != nil {
		return nil, errs.Network(cfg.Endpoint, fmt.Errorf("probing endpoint: %w", err))
	}

	logger.Info("connected to NEAR RPC", zap.String("endpoint", cfg.Endpoint))
	return c, nil
}

// Endpoint returns the connection's URL, used by the API Pool for logging
// and quarantine bookkeeping.
func (c *Client) Endpoint() string { return c.endpoint }

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs a single JSON-RPC request, with one retry on network
// error per §5's timeout policy, distinguishing NetworkError (transport)
// from RpcError (remote rejection).
func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errs.Network(c.endpoint, err)
		}
	}

	req := rpcRequest{JSONRPC: "2.0", ID: "1", Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling rpc request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := c.doPost(ctx, body)
		if err != nil {
			lastErr = errs.Network(c.endpoint, err)
			continue
		}
		if resp.Error != nil {
			return errs.RPC(c.endpoint, fmt.Errorf("%s (code %d)", resp.Error.Message, resp.Error.Code))
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
		return nil
	}
	return lastErr
}

func (c *Client) doPost(ctx context.Context, body []byte) (*rpcResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var resp rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding rpc envelope: %w", err)
	}
	return &resp, nil
}

// StatusResult is the response shape of the `status` RPC method, carrying
// chain identity for API Pool cross-validation.
type StatusResult struct {
	ChainID     string `json:"chain_id"`
	GenesisHash string `json:"genesis_hash"`
	LatestBlock struct {
		Height int64  `json:"height"`
		Hash   string `json:"hash"`
	} `json:"sync_info"`
}

// Status probes the endpoint's identity and sync state.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var out StatusResult
	if err := c.call(ctx, "status", []interface{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// blockWire mirrors the JSON-RPC `block` result shape before adaptation
// into chain.Block (which the Block Assembler performs, fetching chunks
// and tx statuses separately).
type blockWire struct {
	Author string `json:"author"`
	Header struct {
		Height    uint64 `json:"height"`
		Hash      string `json:"hash"`
		PrevHash  string `json:"prev_hash"`
		Timestamp int64  `json:"timestamp"`
		GasPrice  string `json:"gas_price"`
	} `json:"header"`
	Chunks []struct {
		ChunkHash   string `json:"chunk_hash"`
		ShardID     uint64 `json:"shard_id"`
		HeightIncl  uint64 `json:"height_included"`
	} `json:"chunks"`
}

// Block fetches a block by reference and adapts it to chain.Block,
// without chunks or transactions populated — the Block Assembler fetches
// those via Chunk.
func (c *Client) Block(ctx context.Context, ref BlockRef) (chain.Block, error) {
	var wire blockWire
	if err := c.call(ctx, "block", ref.params(), &wire); err != nil {
		return chain.Block{}, err
	}
	b := chain.Block{
		Author: wire.Author,
		Header: chain.BlockHeader{
			Height:    wire.Header.Height,
			Hash:      wire.Header.Hash,
			PrevHash:  wire.Header.PrevHash,
			Timestamp: wire.Header.Timestamp,
			GasPrice:  wire.Header.GasPrice,
		},
	}
	for _, ch := range wire.Chunks {
		b.Chunks = append(b.Chunks, chain.Chunk{
			Hash:       ch.ChunkHash,
			ShardID:    ch.ShardID,
			HeightIncl: ch.HeightIncl,
		})
	}
	return b, nil
}

type chunkWire struct {
	Transactions []struct {
		Hash       string            `json:"hash"`
		SignerID   string            `json:"signer_id"`
		ReceiverID string            `json:"receiver_id"`
		GasPrice   string            `json:"gas_price"`
		Actions    []json.RawMessage `json:"actions"`
	} `json:"transactions"`
	Receipts []struct {
		ID            string `json:"receipt_id"`
		ReceiverID    string `json:"receiver_id"`
		PredecessorID string `json:"predecessor_id"`
	} `json:"receipts"`
}

// ChunkResult carries a chunk's raw transactions (actions undecoded — the
// Block Assembler owns decoding) and receipts.
type ChunkResult struct {
	Transactions []chain.Transaction
	RawActions   [][]chain.RawAction // parallel to Transactions
	Receipts     []chain.Receipt
}

// Chunk fetches a chunk by hash.
func (c *Client) Chunk(ctx context.Context, hash string) (ChunkResult, error) {
	var wire chunkWire
	if err := c.call(ctx, "chunk", map[string]interface{}{"chunk_id": hash}, &wire); err != nil {
		return ChunkResult{}, err
	}
	var out ChunkResult
	for _, tx := range wire.Transactions {
		out.Transactions = append(out.Transactions, chain.Transaction{
			Hash:       tx.Hash,
			SignerID:   tx.SignerID,
			ReceiverID: tx.ReceiverID,
			GasPrice:   tx.GasPrice,
		})
		raws := make([]chain.RawAction, 0, len(tx.Actions))
		for _, a := range tx.Actions {
			raws = append(raws, decodeWireAction(a))
		}
		out.RawActions = append(out.RawActions, raws)
	}
	for _, r := range wire.Receipts {
		out.Receipts = append(out.Receipts, chain.Receipt{
			ID:            r.ID,
			ReceiverID:    r.ReceiverID,
			PredecessorID: r.PredecessorID,
		})
	}
	return out, nil
}

// decodeWireAction handles the two wire shapes a NEAR action can arrive
// in: the bare string "CreateAccount", or a single-key object mapping a
// variant name to its payload. Type-checking the variant name against the
// known ActionKind set happens in the assemble package.
func decodeWireAction(raw json.RawMessage) chain.RawAction {
	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil {
		return chain.RawAction{Bare: bare}
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return chain.RawAction{}
	}
	for k, v := range obj {
		var payload map[string]interface{}
		_ = json.Unmarshal(v, &payload)
		return chain.RawAction{Type: k, Payload: payload}
	}
	return chain.RawAction{}
}

// TxStatusResult is the `tx` RPC response, carrying gas burnt and outcome logs.
type TxStatusResult struct {
	GasBurnt uint64   `json:"gas_burnt"`
	Logs     []string `json:"-"`
}

// TxStatusReceipts fetches gas_burnt and outcome logs for a transaction.
func (c *Client) TxStatusReceipts(ctx context.Context, hash, signerID string) (chain.TxResult, error) {
	var wire struct {
		TransactionOutcome struct {
			Outcome struct {
				GasBurnt uint64   `json:"gas_burnt"`
				Logs     []string `json:"logs"`
			} `json:"outcome"`
		} `json:"transaction_outcome"`
	}
	if err := c.call(ctx, "tx", []interface{}{hash, signerID}, &wire); err != nil {
		return chain.TxResult{}, err
	}
	return chain.TxResult{
		ID:      hash,
		Logs:    wire.TransactionOutcome.Outcome.Logs,
		GasUsed: wire.TransactionOutcome.Outcome.GasBurnt,
	}, nil
}

// Validators fetches the validator set at a block reference. Used by
// handler code via the height-pinned view, not by the core pipeline.
func (c *Client) Validators(ctx context.Context, ref BlockRef) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.call(ctx, "validators", ref.params(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AccessKeyChanges fetches access key change records for accountIDs at a
// block reference. Used by handler code via the height-pinned view.
func (c *Client) AccessKeyChanges(ctx context.Context, accountIDs []string, ref BlockRef) (json.RawMessage, error) {
	params := map[string]interface{}{"account_ids": accountIDs}
	for k, v := range ref.params() {
		params[k] = v
	}
	var out json.RawMessage
	if err := c.call(ctx, "EXPERIMENTAL_changes", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}
