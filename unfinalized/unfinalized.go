// Package unfinalized is the Unfinalized Blocks Tracker (§4.10): it
// records the most recent headers observed at finality:final and, in
// unfinalized-indexing mode, checks each freshly indexed block's
// prevHash against its cache to detect a fork. Divergence yields a
// reindex signal carrying the fork height back to the dispatcher.
//
// Grounded on pkg/resilience/session_store.go's cache-and-compare-on-
// update idiom, generalized from a persisted keyed store to a bounded
// in-memory ring of recent headers — this tracker holds no state a
// rewind can't simply rebuild by re-fetching finalized heads.
package unfinalized

import (
	"sync"

	"go.uber.org/zap"

	"github.com/nearindex/indexer-core/chain"
	ilog "github.com/nearindex/indexer-core/internal/logger"
)

const defaultCapacity = 256

// Tracker caches recent finalized headers by height and detects
// prevHash divergence against blocks as they are indexed.
type Tracker struct {
	mu       sync.Mutex
	headers  map[uint64]chain.BlockHeader
	order    []uint64 // ascending insertion order, for eviction
	capacity int
	logger   *zap.Logger
}

// New constructs a Tracker holding up to capacity recent finalized
// headers (defaulted to 256 when capacity <= 0).
func New(capacity int, logger *zap.Logger) *Tracker {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = ilog.WithComponent(logger, ilog.ComponentUnfinalized)
	return &Tracker{
		headers:  make(map[uint64]chain.BlockHeader, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

// ObserveFinalized records header h, evicting the oldest entry once the
// tracker is at capacity. Satisfies schedule.FinalizedObserver.
func (t *Tracker) ObserveFinalized(h chain.BlockHeader) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.headers[h.Height]; !exists {
		t.order = append(t.order, h.Height)
	}
	t.headers[h.Height] = h

	for len(t.order) > t.capacity {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.headers, oldest)
	}
}

// Count reports how many finalized headers are currently cached.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// CheckBlock compares b's prevHash against the cached header at
// b.Header.Height-1. A mismatch against a known ancestor signals a
// fork: the ancestor height is returned as the reindex point. A miss
// (no cached ancestor — outside the tracker's window, or height 0) is
// not a divergence.
func (t *Tracker) CheckBlock(b chain.Block) *uint64 {
	if b.Header.Height == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	parentHeight := b.Header.Height - 1
	ancestor, ok := t.headers[parentHeight]
	if !ok {
		return nil
	}
	if ancestor.Hash == b.Header.PrevHash {
		return nil
	}
	t.logger.Warn("prevHash divergence detected, signaling reindex",
		zap.Uint64("height", b.Header.Height),
		zap.String("expectedPrevHash", ancestor.Hash),
		zap.String("actualPrevHash", b.Header.PrevHash),
	)
	h := parentHeight
	return &h
}
