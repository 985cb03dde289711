// Package dispatch is the Block Dispatcher (§4.7): a bounded queue of
// pending heights that fetches block bodies via the Block Assembler and
// drives the Indexer, in single-process or worker-pool mode. Grounded on
// pkg/fetch/fetcher.go's FetchRangeConcurrent (bounded fan-out, order
// preserved by a position-indexed result map) and pkg/rpcproxy/worker.go's
// WorkerPool (a fixed set of worker goroutines; here each takes its heights
// round-robin by position rather than from a shared queue).
// Fetching fans out concurrently in both modes; committing a fetched
// block to the processor never does — it is always serialized in
// ascending height order, per §5/§8's strictly-increasing commit order.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nearindex/indexer-core/chain"
	"github.com/nearindex/indexer-core/errs"
	"github.com/nearindex/indexer-core/eventbus"
	ilog "github.com/nearindex/indexer-core/internal/logger"
)

// Mode selects the dispatcher's concurrency model.
type Mode int

const (
	// ModeSingleProcess runs one bounded-concurrency fetch/process loop
	// in this process.
	ModeSingleProcess Mode = iota
	// ModeWorkerPool runs a fixed set of persistent workers, each with
	// its own fetched-block working set, assigned heights round-robin.
	ModeWorkerPool
)

// Fetcher materializes a unified block at height — satisfied by
// *assemble.Assembler.
type Fetcher interface {
	Assemble(ctx context.Context, height uint64) (chain.Block, error)
}

// ProcessResult is what a successfully processed height yields back to
// the dispatcher, per §4.7's worker RPC contract.
type ProcessResult struct {
	BlockHash        string
	DynamicDsCreated bool
	ReindexHeight    *uint64
}

// Processor runs handler logic for one assembled block — satisfied by
// *indexer.Indexer.
type Processor interface {
	Process(ctx context.Context, block chain.Block) (ProcessResult, error)
}

// ResetCallback is invoked when a processed block reports
// dynamicDsCreated; it resyncs templates, rebuilds the dictionary query
// set, and is expected to flush buffered heights ≥ its argument.
type ResetCallback func(ctx context.Context, fromHeight uint64) error

// Config configures a Dispatcher.
type Config struct {
	Mode Mode
	// Concurrency bounds simultaneous in-flight fetches in single-process
	// mode (config.fetchBatchSize).
	Concurrency int
	// Workers is the worker-pool size in ModeWorkerPool.
	Workers int
	// QueueCapacity bounds freeSize; enqueue is refused beyond it.
	QueueCapacity int
	Logger        *zap.Logger
	Bus           *eventbus.Bus
}

// Dispatcher is the Block Dispatcher.
type Dispatcher struct {
	cfg       Config
	fetcher   Fetcher
	processor Processor
	logger    *zap.Logger
	bus       *eventbus.Bus

	mu                   sync.Mutex
	queue                []uint64
	latestBufferedHeight uint64
	lastProcessed        uint64
	resetCallback        ResetCallback

	// reindexHeight is set when a worker's ProcessResult reports a
	// rollback fork height (Unfinalized Tracker signal), for the caller
	// to observe and flush/reschedule around.
	reindexHeight *uint64
}

// New constructs a Dispatcher over fetcher/processor.
func New(fetcher Fetcher, processor Processor, cfg Config) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = ilog.WithComponent(logger, ilog.ComponentDispatcher)
	return &Dispatcher{cfg: cfg, fetcher: fetcher, processor: processor, logger: logger, bus: cfg.Bus}
}

// Init registers the dynamic-datasource reset callback (§4.7).
func (d *Dispatcher) Init(cb ResetCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetCallback = cb
}

// LatestBufferedHeight is the highest height the scheduler has committed
// to enqueueing, whether or not it survived bypass filtering.
func (d *Dispatcher) LatestBufferedHeight() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latestBufferedHeight
}

// FreeSize reports remaining queue capacity, the scheduler's backpressure
// signal.
func (d *Dispatcher) FreeSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.QueueCapacity - len(d.queue)
}

// QueueDepth reports the number of heights currently buffered awaiting
// fetch/process.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// LastProcessedHeight is the highest height this dispatcher has run
// through the processor, for status reporting.
func (d *Dispatcher) LastProcessedHeight() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastProcessed
}

// TakeReindexHeight returns and clears any pending rollback signal from
// the Unfinalized Tracker, observed via a worker's ProcessResult.
func (d *Dispatcher) TakeReindexHeight() *uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.reindexHeight
	d.reindexHeight = nil
	return h
}

// EnqueueBlocks appends heights (already bypass-cleaned and ascending) to
// the queue, records latestBufferedHeight (the *raw*, pre-bypass high
// watermark per §4.6 step 7), then fetches and processes them in order.
func (d *Dispatcher) EnqueueBlocks(ctx context.Context, heights []uint64, rawLatestBuffered uint64) error {
	d.mu.Lock()
	if rawLatestBuffered > d.latestBufferedHeight {
		d.latestBufferedHeight = rawLatestBuffered
	}
	d.queue = append(d.queue, heights...)
	pending := append([]uint64(nil), d.queue...)
	d.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })

	var results []ProcessResult
	var err error
	switch d.cfg.Mode {
	case ModeWorkerPool:
		results, err = d.runWorkerPool(ctx, pending)
	default:
		results, err = d.runSingleProcess(ctx, pending)
	}

	d.mu.Lock()
	d.queue = d.queue[:0]
	d.mu.Unlock()

	if err != nil {
		return err
	}

	for i, h := range pending {
		res := results[i]
		d.mu.Lock()
		d.lastProcessed = h
		d.mu.Unlock()

		if res.ReindexHeight != nil {
			d.mu.Lock()
			d.reindexHeight = res.ReindexHeight
			d.mu.Unlock()
			d.FlushQueue(*res.ReindexHeight)
			return nil
		}

		if res.DynamicDsCreated && d.resetCallback != nil {
			if cbErr := d.resetCallback(ctx, h+1); cbErr != nil {
				return cbErr
			}
			return nil
		}
	}

	return nil
}

// FlushQueue discards all buffered heights ≥ h and resets
// latestBufferedHeight = h-1 (§4.7), called on dynamic-ds creation and on
// unfinalized rollback.
func (d *Dispatcher) FlushQueue(h uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	kept := d.queue[:0]
	for _, height := range d.queue {
		if height < h {
			kept = append(kept, height)
		}
	}
	d.queue = kept
	if h == 0 {
		d.latestBufferedHeight = 0
	} else {
		d.latestBufferedHeight = h - 1
	}
	d.logger.Info("dispatcher flushed", zap.Uint64("from_height", h))
}

// fetchOutcome is one height's fetch result: either an assembled block,
// or a non-fatal skip (BlockUnavailable).
type fetchOutcome struct {
	block   chain.Block
	skipped bool
}

// runSingleProcess fetches heights with bounded concurrency, then commits
// them to the processor strictly in ascending order. Fetching may
// complete out of order — processing never does, per §5/§8's ascending
// store-commit guarantee.
func (d *Dispatcher) runSingleProcess(ctx context.Context, heights []uint64) ([]ProcessResult, error) {
	outcomes := make([]fetchOutcome, len(heights))
	sem := make(chan struct{}, d.cfg.Concurrency)
	var wg sync.WaitGroup
	errCh := make(chan error, len(heights))

	for i, h := range heights {
		wg.Add(1)
		go func(i int, height uint64) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			outcome, err := d.fetchOne(ctx, height)
			if err != nil {
				errCh <- err
				return
			}
			outcomes[i] = outcome
		}(i, h)
	}
	wg.Wait()
	close(errCh)

	if err, ok := <-errCh; ok {
		return nil, err
	}
	return d.processSerial(ctx, heights, outcomes)
}

// runWorkerPool assigns heights round-robin across a fixed worker set for
// fetching only; each worker fetches its assigned heights concurrently
// with the others, mirroring §4.7's per-worker fetchBlock RPC. Once every
// height is fetched, results are committed to the processor strictly in
// ascending order — the fan-out never extends to processBlock, per §5/§8.
func (d *Dispatcher) runWorkerPool(ctx context.Context, heights []uint64) ([]ProcessResult, error) {
	outcomes := make([]fetchOutcome, len(heights))
	var wg sync.WaitGroup
	errCh := make(chan error, len(heights))

	for w := 0; w < d.cfg.Workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for idx := workerID; idx < len(heights); idx += d.cfg.Workers {
				outcome, err := d.fetchOne(ctx, heights[idx])
				if err != nil {
					errCh <- err
					continue
				}
				outcomes[idx] = outcome
			}
		}(w)
	}

	wg.Wait()
	close(errCh)

	if err, ok := <-errCh; ok {
		return nil, err
	}
	return d.processSerial(ctx, heights, outcomes)
}

// fetchOne assembles a single height. A BlockUnavailable error is
// non-fatal per §4.7/§7: the height is reported as skipped and fetching
// continues; any other error is fatal.
func (d *Dispatcher) fetchOne(ctx context.Context, height uint64) (fetchOutcome, error) {
	block, err := d.fetcher.Assemble(ctx, height)
	if err != nil {
		if errs.IsKind(err, errs.KindBlockUnavailable) {
			d.logger.Warn("block unavailable, skipping", zap.Uint64("height", height))
			if d.bus != nil {
				d.bus.Publish(eventbus.Event{Type: eventbus.EventBlockSkipped, Payload: map[string]interface{}{"height": height}})
			}
			return fetchOutcome{skipped: true}, nil
		}
		return fetchOutcome{}, fmt.Errorf("fetching block %d: %w", height, err)
	}
	return fetchOutcome{block: block}, nil
}

// processSerial commits already-fetched heights to the processor one at a
// time, in the ascending order heights is given in — the single
// serialization point both dispatcher modes share, regardless of how
// concurrently their fetches ran.
func (d *Dispatcher) processSerial(ctx context.Context, heights []uint64, outcomes []fetchOutcome) ([]ProcessResult, error) {
	out := make([]ProcessResult, len(heights))
	for i, h := range heights {
		if outcomes[i].skipped {
			continue
		}
		res, err := d.processor.Process(ctx, outcomes[i].block)
		if err != nil {
			return nil, fmt.Errorf("processing block %d: %w", h, err)
		}
		out[i] = res
	}
	return out, nil
}
