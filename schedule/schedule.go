// Package schedule is the Fetch Scheduler (§4.6) — the central loop that
// decides which heights to dispatch next, honoring the dictionary when
// available, modulo-only fast paths, finalized/best chain targets and
// bypass lists. Grounded on pkg/fetch/fetcher.go's Run loop (poll latest
// head, compute a batch window, hand it off) and fetch/optimizer.go's
// AdaptiveOptimizer (metric-driven scale factor, clamped adjustment,
// periodic recompute) adapted from a worker/batch-size tuner to the
// single batchScale factor §4.6 describes.
package schedule

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nearindex/indexer-core/chain"
	"github.com/nearindex/indexer-core/dictionary"
	"github.com/nearindex/indexer-core/errs"
	"github.com/nearindex/indexer-core/eventbus"
	"github.com/nearindex/indexer-core/filter"
	ilog "github.com/nearindex/indexer-core/internal/logger"
	"github.com/nearindex/indexer-core/manifest"
	"github.com/nearindex/indexer-core/rpcclient"
)

const (
	// minimumBatchSize is MINIMUM_BATCH_SIZE from §4.6 step 2.
	minimumBatchSize = 5
	// dictionaryMaxQuerySize bounds a single dictionary range query.
	dictionaryMaxQuerySize = 10000
	// nearChainIntervalMs is this chain's fixed nominal block interval.
	nearChainIntervalMs = 6000
	// defaultBlockTimeVarianceMs is the uncapped default poll cadence.
	defaultBlockTimeVarianceMs = 5000
)

// BlockTimeVariance is BLOCK_TIME_VARIANCE (§4.6): the side-loop poll
// cadence, clamped to at most 90% of the chain's block interval.
func BlockTimeVariance() time.Duration {
	capped := int(float64(nearChainIntervalMs) * 0.9)
	variance := defaultBlockTimeVarianceMs
	if capped < variance {
		variance = capped
	}
	return time.Duration(variance) * time.Millisecond
}

// Dispatcher is the subset of *dispatch.Dispatcher the scheduler drives.
type Dispatcher interface {
	FreeSize() int
	LatestBufferedHeight() uint64
	EnqueueBlocks(ctx context.Context, heights []uint64, rawLatestBuffered uint64) error
}

// Pool is the subset of *apipool.Pool the scheduler needs for head polling.
type Pool interface {
	UnsafeAPI() (*rpcclient.Client, error)
	RecordResult(client *rpcclient.Client, err error)
}

// FinalizedObserver receives every finalized header the scheduler polls,
// satisfied by *unfinalized.Tracker. Optional — nil-safe.
type FinalizedObserver interface {
	ObserveFinalized(header chain.BlockHeader)
}

// DatasourceProvider returns the current set of datasources to schedule
// against. The static manifest list is the default; a dynamic-datasource
// manager overrides this to include runtime-created datasources.
type DatasourceProvider interface {
	DataSources() []manifest.DataSource
}

type staticDatasources []manifest.DataSource

func (s staticDatasources) DataSources() []manifest.DataSource { return []manifest.DataSource(s) }

// Config configures a Scheduler.
type Config struct {
	DataSources       []manifest.DataSource
	BatchSize         int
	InitHeight        uint64
	Unfinalized       bool // target bestHeight instead of finalizedHeight
	BypassBlocks      []uint64
	MemoryBudgetBytes uint64 // 0 disables batch-scale adjustment
	Logger            *zap.Logger
	Bus               *eventbus.Bus
}

// Scheduler is the Fetch Scheduler.
type Scheduler struct {
	cfg        Config
	pool       Pool
	dict       *dictionary.Client
	dispatcher Dispatcher
	observer   FinalizedObserver
	dsProvider DatasourceProvider
	logger     *zap.Logger
	bus        *eventbus.Bus

	mu              sync.Mutex
	bypass          map[uint64]bool
	batchScale      float64
	latestFinalized uint64
	latestBest      uint64
	coldStart       bool

	cancel context.CancelFunc
}

// New constructs a Scheduler. dict may be nil to disable the dictionary
// path entirely.
func New(pool Pool, dict *dictionary.Client, dispatcher Dispatcher, cfg Config) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = ilog.WithComponent(logger, ilog.ComponentScheduler)
	bypass := make(map[uint64]bool, len(cfg.BypassBlocks))
	for _, h := range cfg.BypassBlocks {
		bypass[h] = true
	}
	s := &Scheduler{
		cfg:        cfg,
		pool:       pool,
		dict:       dict,
		dispatcher: dispatcher,
		dsProvider: staticDatasources(cfg.DataSources),
		logger:     logger,
		bus:        cfg.Bus,
		bypass:     bypass,
		batchScale: 1.0,
		coldStart:  true,
	}
	return s
}

// SetFinalizedObserver wires the Unfinalized Blocks Tracker so every
// polled finalized header reaches its rollback-detection cache.
func (s *Scheduler) SetFinalizedObserver(o FinalizedObserver) { s.observer = o }

// SetDatasourceProvider overrides the static manifest datasource list
// with a dynamic-datasource-aware provider.
func (s *Scheduler) SetDatasourceProvider(p DatasourceProvider) {
	if p != nil {
		s.dsProvider = p
	}
}

func (s *Scheduler) dataSources() []manifest.DataSource { return s.dsProvider.DataSources() }

// Run drives the scheduler's main loop plus its timer-driven side loops
// until ctx is cancelled or Shutdown is called.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	variance := BlockTimeVariance()
	go s.pollFinalized(ctx, variance)
	go s.pollBest(ctx, variance)
	go s.checkBatchScale(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		progressed, err := s.RunOnce(ctx)
		if err != nil {
			if errs.Fatal(err) {
				return err
			}
			s.logger.Warn("scheduler cycle failed", zap.Error(err))
		}
		if !progressed {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Millisecond):
			}
		}
	}
}

// Shutdown terminates the scheduler loop at the next cycle boundary.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ResetForNewDs is the dynamic-ds response callback (§4.7): it flushes
// buffered heights from fromHeight onward. Datasource/dictionary-query
// resync happens implicitly on the next cycle via dsProvider, which a
// dynamicds manager keeps current.
func (s *Scheduler) ResetForNewDs(ctx context.Context, fromHeight uint64) error {
	s.logger.Info("resetting scheduler for new datasource", zap.Uint64("from_height", fromHeight))
	if fd, ok := s.dispatcher.(interface{ FlushQueue(uint64) }); ok {
		fd.FlushQueue(fromHeight)
	}
	return nil
}

// RunOnce executes a single scheduling cycle (§4.6 steps 1-7). It returns
// true if heights were enqueued or the buffered watermark advanced.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	start := s.dispatcher.LatestBufferedHeight() + 1
	s.mu.Lock()
	if s.coldStart {
		start = s.cfg.InitHeight
		s.coldStart = false
	}
	s.mu.Unlock()

	scaled := s.scaledBatchSize()
	target := s.latestTarget()

	if s.dispatcher.FreeSize() < scaled || start > target {
		return false, nil
	}

	var raw []uint64
	var advanceOnly *uint64

	if s.dict != nil && s.dict.Enabled() && start >= s.dict.StartHeight() {
		var discard bool
		var err error
		raw, advanceOnly, discard, err = s.dictionaryPath(ctx, start, scaled, target)
		if err != nil {
			s.logger.Warn("dictionary path failed, falling back to sequential scan this cycle", zap.Error(err))
			return false, nil
		}
		if discard {
			return false, nil
		}
	} else {
		raw = s.nonDictionaryPath(start, scaled, target)
	}

	if advanceOnly != nil {
		if err := s.dispatcher.EnqueueBlocks(ctx, nil, *advanceOnly); err != nil {
			return false, err
		}
		return true, nil
	}

	if len(raw) == 0 {
		return false, nil
	}

	cleaned, rawLatest := s.applyBypass(raw)
	if len(cleaned) == 0 {
		return false, nil
	}

	if free := s.dispatcher.FreeSize(); len(cleaned) > free {
		cleaned = cleaned[:free]
	}

	if err := s.dispatcher.EnqueueBlocks(ctx, cleaned, rawLatest); err != nil {
		return false, err
	}
	return true, nil
}

// dictionaryPath implements §4.6 step 5.
func (s *Scheduler) dictionaryPath(ctx context.Context, start uint64, scaled int, target uint64) (raw []uint64, advanceOnly *uint64, discard bool, err error) {
	queryEnd := start + dictionaryMaxQuerySize
	before := s.dispatcher.LatestBufferedHeight()

	queries, ok := s.buildQueries()
	if !ok {
		// a Block handler without a modulo abandons the dictionary for
		// this scan, per §4.5. The fallback must still respect the real
		// finalized/best target, not the dictionary query window.
		return s.nonDictionaryPath(start, scaled, target), nil, false, nil
	}

	resp, qErr := s.dict.ScopedDictionaryEntries(ctx, queries, start, queryEnd, scaled)
	if qErr != nil {
		return nil, nil, false, qErr
	}

	// discard the result if another cycle already advanced the watermark
	// while this query was in flight.
	if s.dispatcher.LatestBufferedHeight() != before {
		return nil, nil, true, nil
	}

	moduloBlocks := s.moduloBlocksInRange(start, queryEnd-1)
	merged := mergeSortedUnique(resp.BatchBlocks, moduloBlocks)

	if len(merged) == 0 {
		advance := queryEnd - 1
		if resp.Metadata.LastProcessedHeight < advance {
			advance = resp.Metadata.LastProcessedHeight
		}
		return nil, &advance, false, nil
	}
	return merged, nil, false, nil
}

// nonDictionaryPath implements §4.6 step 6.
func (s *Scheduler) nonDictionaryPath(start uint64, scaled int, target uint64) []uint64 {
	end := start + uint64(scaled) - 1
	if end > target {
		end = target
	}

	if moduli := s.moduliIfAllModuloOnly(); moduli != nil {
		return s.moduloFastPath(start, scaled, moduli, target)
	}

	if start > end {
		return nil
	}
	out := make([]uint64, 0, end-start+1)
	for h := start; h <= end; h++ {
		out = append(out, h)
	}
	return out
}

// moduloFastPath enqueues the next batchSize matching heights starting
// at start, expanding the search window up to batchSize*lcm(moduli) —
// the lcm refinement over the naive batchSize*max(modulo) bound (open
// question 3).
func (s *Scheduler) moduloFastPath(start uint64, batchSize int, moduli []uint64, target uint64) []uint64 {
	lcm := filter.LCM(moduli)
	maxExpand := uint64(batchSize) * lcm
	limit := start + maxExpand
	if limit > target {
		limit = target
	}

	out := make([]uint64, 0, batchSize)
	h := start
	for len(out) < batchSize && h <= limit {
		next := nextModuloMatch(h, moduli)
		if next > limit {
			break
		}
		out = append(out, next)
		h = next + 1
	}
	return out
}

// applyBypass implements §4.6 step 7: the cleaned list excludes any
// bypass member ≤ max(raw); the raw (pre-bypass) max is what advances
// latestBufferedHeight, so bypass never causes repeated work.
func (s *Scheduler) applyBypass(raw []uint64) (cleaned []uint64, rawLatest uint64) {
	if len(raw) == 0 {
		return nil, 0
	}
	rawLatest = raw[len(raw)-1]

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range raw {
		if !s.bypass[h] {
			cleaned = append(cleaned, h)
		}
	}
	for h := range s.bypass {
		if h <= rawLatest {
			delete(s.bypass, h)
		}
	}
	return cleaned, rawLatest
}

// scaledBatchSize implements §4.6 step 2.
func (s *Scheduler) scaledBatchSize() int {
	s.mu.Lock()
	scale := s.batchScale
	s.mu.Unlock()

	scaled := int(math.Round(scale * float64(s.cfg.BatchSize)))
	floor := s.cfg.BatchSize * 3
	if minimumBatchSize < floor {
		floor = minimumBatchSize
	}
	if scaled < floor {
		scaled = floor
	}
	return scaled
}

// latestTarget implements §4.6 step 3.
func (s *Scheduler) latestTarget() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Unfinalized {
		return s.latestBest
	}
	return s.latestFinalized
}

// buildQueries merges per-datasource dictionary queries, deduping across
// all datasources by (entity, sorted-conditions) the way BuildQueries
// dedupes within one.
func (s *Scheduler) buildQueries() ([]dictionary.Query, bool) {
	var all []dictionary.Query
	seen := make(map[string]bool)
	for _, ds := range s.dataSources() {
		qs, ok := dictionary.BuildQueries(ds, nil)
		if !ok {
			return nil, false
		}
		for _, q := range qs {
			key := q.Key()
			if seen[key] {
				continue
			}
			seen[key] = true
			all = append(all, q)
		}
	}
	return all, true
}

// moduliIfAllModuloOnly returns the configured moduli if every handler
// across every datasource is a modulo block handler, else nil.
func (s *Scheduler) moduliIfAllModuloOnly() []uint64 {
	var moduli []uint64
	for _, ds := range s.dataSources() {
		for _, h := range ds.Mapping.Handlers {
			if h.Kind != manifest.HandlerBlock || h.Filter == nil || h.Filter.Modulo == nil {
				return nil
			}
			moduli = append(moduli, *h.Filter.Modulo)
		}
	}
	if len(moduli) == 0 {
		return nil
	}
	return moduli
}

func (s *Scheduler) moduloBlocksInRange(start, end uint64) []uint64 {
	var moduli []uint64
	for _, ds := range s.dataSources() {
		for _, h := range ds.Mapping.Handlers {
			if h.Kind == manifest.HandlerBlock && h.Filter != nil && h.Filter.Modulo != nil {
				moduli = append(moduli, *h.Filter.Modulo)
			}
		}
	}
	if len(moduli) == 0 || start > end {
		return nil
	}
	var out []uint64
	for h := start; h <= end; h++ {
		if matchesAnyModulo(h, moduli) {
			out = append(out, h)
		}
	}
	return out
}

func matchesAnyModulo(h uint64, moduli []uint64) bool {
	for _, m := range moduli {
		if m != 0 && h%m == 0 {
			return true
		}
	}
	return false
}

// nextModuloMatch returns the smallest height ≥ h divisible by any of moduli.
func nextModuloMatch(h uint64, moduli []uint64) uint64 {
	best := uint64(0)
	for i, m := range moduli {
		if m == 0 {
			continue
		}
		next := h
		if rem := next % m; rem != 0 {
			next += m - rem
		}
		if i == 0 || next < best {
			best = next
		}
	}
	return best
}

func mergeSortedUnique(a, b []uint64) []uint64 {
	seen := make(map[uint64]bool, len(a)+len(b))
	out := make([]uint64, 0, len(a)+len(b))
	for _, h := range a {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	for _, h := range b {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// pollFinalized implements §4.6's getFinalizedBlockHead side loop.
func (s *Scheduler) pollFinalized(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			header, err := s.fetchHead(ctx, rpcclient.FinalityFinal)
			if err != nil {
				s.logger.Warn("finalized head poll failed", zap.Error(err))
				continue
			}
			s.mu.Lock()
			s.latestFinalized = header.Height
			s.mu.Unlock()
			if s.observer != nil {
				s.observer.ObserveFinalized(header)
			}
			if !s.cfg.Unfinalized && s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: eventbus.EventBlockTarget, Payload: map[string]interface{}{"height": header.Height}})
			}
		}
	}
}

// pollBest implements §4.6's getBestBlockHead side loop.
func (s *Scheduler) pollBest(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			header, err := s.fetchHead(ctx, rpcclient.FinalityOptimistic)
			if err != nil {
				s.logger.Warn("best head poll failed", zap.Error(err))
				continue
			}
			s.mu.Lock()
			s.latestBest = header.Height
			s.mu.Unlock()
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: eventbus.EventBlockBest, Payload: map[string]interface{}{"height": header.Height}})
				if s.cfg.Unfinalized {
					s.bus.Publish(eventbus.Event{Type: eventbus.EventBlockTarget, Payload: map[string]interface{}{"height": header.Height}})
				}
			}
		}
	}
}

func (s *Scheduler) fetchHead(ctx context.Context, f rpcclient.Finality) (chain.BlockHeader, error) {
	client, err := s.pool.UnsafeAPI()
	if err != nil {
		return chain.BlockHeader{}, err
	}
	block, err := client.Block(ctx, rpcclient.AtFinality(f))
	s.pool.RecordResult(client, err)
	if err != nil {
		return chain.BlockHeader{}, fmt.Errorf("fetching %s head: %w", f, err)
	}
	return block.Header, nil
}

// checkBatchScale implements §4.6's checkBatchScale side loop, using
// this process's own heap stats rather than a system-wide probe — the
// scheduler only needs to know about its own memory pressure.
func (s *Scheduler) checkBatchScale(ctx context.Context) {
	if s.cfg.MemoryBudgetBytes == 0 {
		return
	}
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			ratio := float64(mem.Alloc) / float64(s.cfg.MemoryBudgetBytes)

			scale := 1.0
			switch {
			case ratio > 1.0:
				scale = 0.5
			case ratio > 0.8:
				scale = 0.75
			}
			s.mu.Lock()
			s.batchScale = scale
			s.mu.Unlock()
			s.logger.Info("batch scale adjusted", zap.Float64("scale", scale), zap.Float64("mem_ratio", ratio))
		}
	}
}
