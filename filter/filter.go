// Package filter implements the Filter Engine: pure, synchronous
// predicates over blocks, transactions and actions (§4.3), plus
// compilation of cron-timestamp filters into a stateful {schedule, next}
// pair. Cron parsing is grounded on github.com/robfig/cron/v3, the only
// cron library in the reference corpus (other_examples/manifests/
// r3e-network-service_layer).
package filter

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nearindex/indexer-core/chain"
	"github.com/nearindex/indexer-core/manifest"
)

// BlockFilter is the compiled form of manifest.Filter for a Block handler:
// an optional modulo and an optional compiled cron timestamp filter.
type BlockFilter struct {
	Modulo    *uint64
	Timestamp *CronFilter
}

// CronFilter is a compiled {schedule, next} pair. next is always
// evaluated against a reference timestamp derived from the block at the
// datasource's startBlock; matching a block advances next to the
// following schedule slot, and next never moves backwards.
type CronFilter struct {
	schedule cron.Schedule
	next     time.Time
}

// CompileCron parses a cron expression and anchors it to anchor, the
// timestamp of the block at the owning datasource's startBlock.
func CompileCron(expr string, anchor time.Time) (*CronFilter, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("compiling cron filter %q: %w", expr, err)
	}
	return &CronFilter{
		schedule: schedule,
		next:     schedule.Next(anchor),
	}, nil
}

// Next returns the currently pending match time without mutating state.
func (c *CronFilter) Next() time.Time { return c.next }

// Match reports whether ts is after the pending slot. On a match it
// advances Next by one schedule slot (so Next refers to the slot after the
// one just matched); otherwise it leaves Next unchanged. There is no
// rewind: once matched, a slot is not matched again.
func (c *CronFilter) Match(ts time.Time) bool {
	if ts.After(c.next) {
		c.next = c.schedule.Next(c.next)
		return true
	}
	return false
}

// TransactionFilter mirrors manifest.Filter's sender/receiver fields.
type TransactionFilter struct {
	Sender   string
	Receiver string
}

// ActionFilter mirrors manifest.Filter's type/action fields. Action is
// reserved and never consulted (see DESIGN.md open question 2).
type ActionFilter struct {
	Type   chain.ActionKind
	Action string
}

// FilterBlock passes if f is nil, or (modulo absent or height%modulo==0)
// AND (timestamp absent or its compiled cron matches block.Timestamp).
func FilterBlock(b chain.Block, f *BlockFilter) bool {
	if f == nil {
		return true
	}
	if f.Modulo != nil && *f.Modulo != 0 && b.Header.Height%*f.Modulo != 0 {
		return false
	}
	if f.Timestamp != nil {
		ts := time.Unix(0, b.Header.Timestamp)
		if !f.Timestamp.Match(ts) {
			return false
		}
	}
	return true
}

// FilterTransaction enforces sender/receiver equality when set. Unlike
// the upstream design's dictionary-only enforcement, this implementation
// makes transaction filtering symmetric between the dictionary path and
// the in-process path (see DESIGN.md open question 1): the core filter
// always re-checks sender/receiver, regardless of whether a dictionary
// already narrowed the candidate set.
func FilterTransaction(tx chain.Transaction, f *TransactionFilter) bool {
	if f == nil {
		return true
	}
	if f.Sender != "" && tx.SignerID != f.Sender {
		return false
	}
	if f.Receiver != "" && tx.ReceiverID != f.Receiver {
		return false
	}
	return true
}

// FilterAction passes when f.Type is unset, or equals a.Type.
func FilterAction(a chain.Action, f *ActionFilter) bool {
	if f == nil || f.Type == "" {
		return true
	}
	return a.Type == f.Type
}

// AnyBlockFilter implements the array-variant semantics for Block
// filters: absent/empty passes unconditionally; otherwise the block
// passes if any filter in fs passes.
func AnyBlockFilter(b chain.Block, fs []*BlockFilter) bool {
	if len(fs) == 0 {
		return true
	}
	for _, f := range fs {
		if FilterBlock(b, f) {
			return true
		}
	}
	return false
}

// AnyTransactionFilter is the array variant of FilterTransaction.
func AnyTransactionFilter(tx chain.Transaction, fs []*TransactionFilter) bool {
	if len(fs) == 0 {
		return true
	}
	for _, f := range fs {
		if FilterTransaction(tx, f) {
			return true
		}
	}
	return false
}

// AnyActionFilter is the array variant of FilterAction.
func AnyActionFilter(a chain.Action, fs []*ActionFilter) bool {
	if len(fs) == 0 {
		return true
	}
	for _, f := range fs {
		if FilterAction(a, f) {
			return true
		}
	}
	return false
}

// FromManifest compiles a manifest.Filter into the matching typed filter
// for handlerKind. anchor is used only when the filter carries a cron
// timestamp expression.
func FromManifest(f *manifest.Filter, handlerKind manifest.HandlerKind, anchor time.Time) (block *BlockFilter, tx *TransactionFilter, action *ActionFilter, err error) {
	if f == nil {
		return nil, nil, nil, nil
	}
	switch handlerKind {
	case manifest.HandlerBlock:
		bf := &BlockFilter{Modulo: f.Modulo}
		if f.Timestamp != "" {
			cf, cerr := CompileCron(f.Timestamp, anchor)
			if cerr != nil {
				return nil, nil, nil, cerr
			}
			bf.Timestamp = cf
		}
		return bf, nil, nil, nil
	case manifest.HandlerTransaction:
		return nil, &TransactionFilter{Sender: f.Sender, Receiver: f.Receiver}, nil, nil
	case manifest.HandlerAction:
		return nil, nil, &ActionFilter{Type: chain.ActionKind(f.Type), Action: f.Action}, nil
	default:
		return nil, nil, nil, fmt.Errorf("filter: unknown handler kind %q", handlerKind)
	}
}

// LCM returns the least common multiple of moduli, used by the Fetch
// Scheduler's modulo-only fast path instead of batchSize*max(modulo) since
// the period at which every modulo filter simultaneously realigns is
// exactly their LCM.
func LCM(moduli []uint64) uint64 {
	if len(moduli) == 0 {
		return 1
	}
	result := moduli[0]
	for _, m := range moduli[1:] {
		result = lcmPair(result, m)
	}
	return result
}

func lcmPair(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
