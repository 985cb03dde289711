// Package store is the engine's own local bookkeeping: the last
// committed height (so a restart resumes instead of re-indexing from
// genesis), plus generic Get/Put/Delete/Iterate over raw keys. The
// bypass-block set, the dynamic-datasource creation log and the
// dictionary query cache are held in memory by their own packages, not
// here. It is deliberately not the user's
// indexed-schema store — that one is external per the Indexer's
// HandlerRuntime contract.
//
// Grounded on storage/pebble.go's Open/Options/Close shape.
package store

import (
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	ilog "github.com/nearindex/indexer-core/internal/logger"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("store: not found")

var checkpointKey = []byte("checkpoint/height")

// Config configures a Store.
type Config struct {
	Path        string
	CacheSizeMB int
	MaxOpenFiles int
	Logger      *zap.Logger
}

// Store is a small pebble-backed KV store for engine bookkeeping.
type Store struct {
	db     *pebble.DB
	logger *zap.Logger
	closed atomic.Bool
}

// Open opens (creating if absent) the bookkeeping store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	cacheMB := cfg.CacheSizeMB
	if cacheMB <= 0 {
		cacheMB = 128
	}
	maxOpenFiles := cfg.MaxOpenFiles
	if maxOpenFiles <= 0 {
		maxOpenFiles = 1000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = ilog.WithComponent(logger, ilog.ComponentStore)

	opts := &pebble.Options{
		Cache:        pebble.NewCache(int64(cacheMB) << 20),
		MaxOpenFiles: maxOpenFiles,
	}
	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// Get returns the raw value for key, or ErrNotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, closer.Close()
}

// Put stores value under key.
func (s *Store) Put(key, value []byte) error {
	return s.db.Set(key, value, pebble.Sync)
}

// Delete removes key.
func (s *Store) Delete(key []byte) error {
	return s.db.Delete(key, pebble.Sync)
}

// Iterate calls fn for every key with the given prefix, in ascending key
// order, stopping early if fn returns false.
func (s *Store) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil // prefix is all 0xff: unbounded
}

// LatestHeight returns the last committed checkpoint height, or 0 if none
// has been saved yet (ErrNotFound is treated as height 0, not an error).
func (s *Store) LatestHeight() (uint64, error) {
	v, err := s.Get(checkpointKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseUint(string(v), 10, 64)
}

// SaveCheckpoint persists height as the last committed block.
func (s *Store) SaveCheckpoint(height uint64) error {
	return s.Put(checkpointKey, []byte(strconv.FormatUint(height, 10)))
}
