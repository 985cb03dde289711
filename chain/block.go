// Package chain defines the unified NEAR data model shared by every
// component of the indexing engine: blocks, chunks, transactions and
// actions as they are handed from the RPC Adapter through the Block
// Assembler to the Indexer and, ultimately, to user handlers.
package chain

import "fmt"

// BlockHeader carries the fields the engine needs to schedule, filter and
// track finality without touching the full block body.
type BlockHeader struct {
	Height    uint64 `json:"height"`
	Hash      string `json:"hash"`
	PrevHash  string `json:"prevHash"`
	Timestamp int64  `json:"timestamp"` // nanoseconds since epoch, as reported by NEAR RPC
	GasPrice  string `json:"gasPrice"`
}

// Identity returns the (height, hash) pair that uniquely identifies a
// materialized block.
func (h BlockHeader) Identity() string {
	return fmt.Sprintf("%d:%s", h.Height, h.Hash)
}

// Block is the unified, fully-assembled chain unit produced by the Block
// Assembler. It is materialized once per height.
type Block struct {
	Author       string        `json:"author"`
	Header       BlockHeader   `json:"header"`
	Chunks       []Chunk       `json:"chunks"`
	Transactions []Transaction `json:"transactions"`
	Actions      []Action      `json:"actions"`
	Receipts     []Receipt     `json:"receipts"`
}

// Chunk is a shard-level sub-block carrying transactions and receipts.
type Chunk struct {
	Hash        string   `json:"hash"`
	ShardID     uint64   `json:"shardId"`
	HeightIncl  uint64   `json:"heightIncluded"`
	TxHashes    []string `json:"txHashes"`
	ReceiptRoot string   `json:"receiptRoot"`
}

// Receipt is the execution outcome attached to a chunk, as returned by a
// NEAR chunk RPC response.
type Receipt struct {
	ID           string `json:"id"`
	ReceiverID   string `json:"receiverId"`
	PredecessorID string `json:"predecessorId"`
}

// TxResult carries the portion of transaction status that only a separate
// tx-status RPC can supply: gas burnt and execution logs.
type TxResult struct {
	ID      string   `json:"id"`
	Logs    []string `json:"logs"`
	GasUsed uint64   `json:"gasUsed"`
}

// Transaction is a single signed transaction as it appears inside a chunk,
// enriched with its TxResult once fetched.
type Transaction struct {
	Hash        string     `json:"hash"`
	SignerID    string     `json:"signerId"`
	ReceiverID  string     `json:"receiverId"`
	RawActions  []RawAction `json:"actions"`
	GasPrice    string     `json:"gasPrice"`
	GasUsed     uint64     `json:"gasUsed"`
	BlockHash   string     `json:"blockHash"`
	BlockHeight uint64     `json:"blockHeight"`
	Timestamp   int64      `json:"timestamp"`
	Result      TxResult   `json:"result"`
}

// RawAction is the wire-shape of an action before it is decoded into a
// typed Action by the Block Assembler (see assemble.DecodeAction). It is
// either the bare string "CreateAccount" or a single-key object mapping a
// variant name to its payload.
type RawAction struct {
	Bare    string                 // set when the wire value was the bare string "CreateAccount"
	Type    string                 // discriminator key, when not bare
	Payload map[string]interface{} // the single value under Type
}

// ActionKind enumerates the closed set of NEAR action variants.
type ActionKind string

const (
	ActionCreateAccount  ActionKind = "CreateAccount"
	ActionDeployContract ActionKind = "DeployContract"
	ActionFunctionCall   ActionKind = "FunctionCall"
	ActionTransfer       ActionKind = "Transfer"
	ActionStake          ActionKind = "Stake"
	ActionAddKey         ActionKind = "AddKey"
	ActionDeleteKey      ActionKind = "DeleteKey"
	ActionDeleteAccount  ActionKind = "DeleteAccount"
)

// IsKnown reports whether k is one of the eight NEAR action variants.
func (k ActionKind) IsKnown() bool {
	switch k {
	case ActionCreateAccount, ActionDeployContract, ActionFunctionCall,
		ActionTransfer, ActionStake, ActionAddKey, ActionDeleteKey, ActionDeleteAccount:
		return true
	default:
		return false
	}
}

// Action is a single decoded action, tagged by Type and carrying a
// transaction reference. ID is its position within the owning
// transaction's action list, used as a stable identity for handler
// dispatch and dynamic-datasource bookkeeping.
type Action struct {
	ID          int                    `json:"id"`
	Type        ActionKind             `json:"type"`
	Payload     map[string]interface{} `json:"action"`
	TxHash      string                 `json:"transactionHash"`
	BlockHeight uint64                 `json:"blockHeight"`
}
