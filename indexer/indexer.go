// Package indexer is the Indexer (§4.8): for each fetched block it
// resolves the active datasource/handler set, filters and transforms
// inputs, and invokes the sandboxed user handler, collecting its side
// effects into a ProcessBlockResponse. It satisfies dispatch.Processor so
// the Block Dispatcher can drive it directly.
//
// Grounded on pkg/fetch/fetcher_indexing.go's per-block processing shape
// (resolve datasources → for each, for each handler, capability-check →
// filter → transform → invoke → collect), generalized from go-ethereum
// receipt/log indexing to NEAR's Block/Transaction/Action handler kinds.
package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nearindex/indexer-core/chain"
	"github.com/nearindex/indexer-core/dispatch"
	"github.com/nearindex/indexer-core/errs"
	"github.com/nearindex/indexer-core/filter"
	ilog "github.com/nearindex/indexer-core/internal/logger"
	"github.com/nearindex/indexer-core/manifest"
)

// APIView is the height-pinned RPC view injected into user handlers
// (§6 Handler runtime globals). It is a thin read-only slice of
// rpcclient.Client pinned to one block.
type APIView interface {
	Height() uint64
}

// DynamicDsRequest is a side effect collected from a handler invocation:
// a request to materialize templateName at the current block height.
type DynamicDsRequest struct {
	TemplateName string
	Args         map[string]interface{}
}

// HandlerResult is what a single user-handler invocation reports back.
type HandlerResult struct {
	DynamicDsRequests []DynamicDsRequest
}

// HandlerRuntime is the sandboxed external collaborator that actually
// executes user mapping code. It runs out-of-process, so this package
// only defines the contract it is invoked through.
type HandlerRuntime interface {
	Invoke(ctx context.Context, handlerName string, input interface{}, api APIView, chainID string) (HandlerResult, error)
}

// HandlerProcessor resolves one custom-datasource handler kind to its
// base kind, applies any processor-specific filter, and transforms the
// base input before the user handler runs. Transform always returns a
// slice: v1.0.0 processors return the derived inputs directly; v0.0.0
// processors are adapted by the caller lifting a single value into a
// singleton list.
type HandlerProcessor struct {
	BaseHandlerKind manifest.HandlerKind
	FilterProcessor func(handler manifest.Handler, input interface{}) bool
	Transform       func(ctx context.Context, input interface{}) ([]interface{}, error)
}

// DatasourceProcessor resolves a custom (non-"Near/Runtime") datasource
// kind's handlers to HandlerProcessors, keyed by the handler's declared
// Kind string.
type DatasourceProcessor interface {
	HandlerProcessors() map[string]HandlerProcessor
}

// DatasourceSource serves getAllDataSources(height) — satisfied by
// *dynamicds.Manager.
type DatasourceSource interface {
	AllDataSources(height uint64) []manifest.DataSource
}

// DynamicDsCreator materializes a datasource template — satisfied by
// *dynamicds.Manager.
type DynamicDsCreator interface {
	CreateDynamicDatasource(templateName string, args map[string]interface{}, atHeight uint64) (manifest.DataSource, error)
}

// ReindexChecker observes each indexed block for prevHash divergence —
// satisfied by *unfinalized.Tracker. Nil when not running in unfinalized
// mode.
type ReindexChecker interface {
	CheckBlock(b chain.Block) *uint64
}

// BlockAnchor fetches a single block by height. It is used only to anchor
// a cron-timestamp filter to the block at its owning datasource's
// startBlock, so Next() is computed from the documented reference instant
// rather than whatever height happens to reach Process first. Satisfied by
// a thin adapter over the API Pool.
type BlockAnchor interface {
	BlockAt(ctx context.Context, height uint64) (chain.Block, error)
}

// Config configures an Indexer.
type Config struct {
	ChainID    string
	Processors map[string]DatasourceProcessor // keyed by ds.Kind, for custom datasources
	Logger     *zap.Logger
}

// Indexer is the §4.8 per-block dispatch loop.
type Indexer struct {
	cfg        Config
	dsSource   DatasourceSource
	dsCreator  DynamicDsCreator
	runtime    HandlerRuntime
	reindex    ReindexChecker
	apiFactory func(height uint64) APIView
	anchor     BlockAnchor
	logger     *zap.Logger

	mu          sync.Mutex
	filterCache map[filterKey]compiledFilter
}

type filterKey struct {
	dsName  string
	handler int
}

type compiledFilter struct {
	block  *filter.BlockFilter
	tx     *filter.TransactionFilter
	action *filter.ActionFilter
}

// New constructs an Indexer. apiFactory builds the height-pinned API
// view handed to user handlers; reindex may be nil when not running in
// unfinalized mode. anchor resolves the block a cron filter anchors its
// reference timestamp to; it may be nil if no datasource uses a cron
// timestamp filter (LoadDataSources returns an error otherwise).
func New(dsSource DatasourceSource, dsCreator DynamicDsCreator, runtime HandlerRuntime, reindex ReindexChecker, apiFactory func(height uint64) APIView, anchor BlockAnchor, cfg Config) *Indexer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = ilog.WithComponent(logger, ilog.ComponentIndexer)
	return &Indexer{
		cfg:         cfg,
		dsSource:    dsSource,
		dsCreator:   dsCreator,
		runtime:     runtime,
		reindex:     reindex,
		apiFactory:  apiFactory,
		anchor:      anchor,
		logger:      logger,
		filterCache: make(map[filterKey]compiledFilter),
	}
}

// LoadDataSources eagerly compiles and caches the filter of every handler
// over datasources that declares a cron timestamp filter, anchoring it to a
// dedicated fetch of the block at the datasource's own startBlock; other
// handlers' filters are compiled lazily on first use by Process. Call
// once at startup for the manifest's static datasources, before the first
// RunOnce/EnqueueBlocks cycle — a scheduler dictionary/modulo fast-path or
// a resume-after-restart can otherwise deliver a datasource's first block
// far past its startBlock, which would anchor the cron to the wrong instant
// if compilation were left lazy.
func (idx *Indexer) LoadDataSources(ctx context.Context, datasources []manifest.DataSource) error {
	for _, ds := range datasources {
		if err := idx.loadDataSource(ctx, ds); err != nil {
			return err
		}
	}
	return nil
}

func (idx *Indexer) loadDataSource(ctx context.Context, ds manifest.DataSource) error {
	var anchorBlock chain.Block
	haveAnchor := false

	for hIdx, h := range ds.Mapping.Handlers {
		if h.Filter == nil || h.Filter.Timestamp == "" {
			continue
		}
		if !haveAnchor {
			if idx.anchor == nil {
				return fmt.Errorf("datasource %q declares a cron timestamp filter but no block anchor is configured", ds.Name)
			}
			b, err := idx.anchor.BlockAt(ctx, ds.StartBlock)
			if err != nil {
				return fmt.Errorf("fetching anchor block %d for datasource %q: %w", ds.StartBlock, ds.Name, err)
			}
			anchorBlock = b
			haveAnchor = true
		}
		baseKind, _, _ := idx.resolveHandler(ds, h)
		if _, err := idx.compileAndCache(ds, hIdx, h, baseKind, anchorBlock); err != nil {
			return err
		}
	}
	return nil
}

// Process runs the full §4.8 pipeline for one assembled block, returning
// the dispatcher-facing summary of what happened. Satisfies
// dispatch.Processor.
func (idx *Indexer) Process(ctx context.Context, block chain.Block) (dispatch.ProcessResult, error) {
	if idx.reindex != nil {
		if forkHeight := idx.reindex.CheckBlock(block); forkHeight != nil {
			idx.logger.Warn("reindex signaled", zap.Uint64("height", block.Header.Height), zap.Uint64("forkHeight", *forkHeight))
			return dispatch.ProcessResult{ReindexHeight: forkHeight}, nil
		}
	}

	datasources := idx.dsSource.AllDataSources(block.Header.Height)
	api := idx.apiFactory(block.Header.Height)
	dynamicDsCreated := false

	for _, ds := range datasources {
		for hIdx, h := range ds.Mapping.Handlers {
			results, err := idx.runHandler(ctx, ds, hIdx, h, block, api)
			if err != nil {
				return dispatch.ProcessResult{}, errs.Handler(block.Header.Height, err)
			}
			for _, r := range results {
				for _, req := range r.DynamicDsRequests {
					if idx.dsCreator == nil {
						continue
					}
					instance, err := idx.dsCreator.CreateDynamicDatasource(req.TemplateName, req.Args, block.Header.Height)
					if err != nil {
						return dispatch.ProcessResult{}, errs.Handler(block.Header.Height, fmt.Errorf("creating dynamic datasource %q: %w", req.TemplateName, err))
					}
					// instance.StartBlock is exactly block.Header.Height, so
					// block itself is already the correct cron anchor — no
					// BlockAnchor fetch needed, unlike the static-datasource
					// path in LoadDataSources.
					for instHIdx, instH := range instance.Mapping.Handlers {
						baseKind, _, _ := idx.resolveHandler(instance, instH)
						if _, err := idx.compileAndCache(instance, instHIdx, instH, baseKind, block); err != nil {
							return dispatch.ProcessResult{}, errs.Handler(block.Header.Height, err)
						}
					}
					dynamicDsCreated = true
				}
			}
		}
	}

	return dispatch.ProcessResult{
		BlockHash:        block.Header.Hash,
		DynamicDsCreated: dynamicDsCreated,
	}, nil
}

// runHandler applies steps 2-5 of §4.8 for one handler against block,
// returning one HandlerResult per matching, transformed input.
func (idx *Indexer) runHandler(ctx context.Context, ds manifest.DataSource, hIdx int, h manifest.Handler, block chain.Block, api APIView) ([]HandlerResult, error) {
	baseKind, filterProc, transform := idx.resolveHandler(ds, h)

	cf, err := idx.compiledFilter(ds, hIdx, h, baseKind, block)
	if err != nil {
		return nil, err
	}

	var inputs []interface{}
	switch baseKind {
	case manifest.HandlerBlock:
		if !filter.FilterBlock(block, cf.block) {
			return nil, nil
		}
		if filterProc != nil && !filterProc(h, block) {
			return nil, nil
		}
		inputs = append(inputs, block)
	case manifest.HandlerTransaction:
		for _, tx := range block.Transactions {
			if !filter.FilterTransaction(tx, cf.tx) {
				continue
			}
			if filterProc != nil && !filterProc(h, tx) {
				continue
			}
			inputs = append(inputs, tx)
		}
	case manifest.HandlerAction:
		for _, a := range block.Actions {
			if !filter.FilterAction(a, cf.action) {
				continue
			}
			if filterProc != nil && !filterProc(h, a) {
				continue
			}
			inputs = append(inputs, a)
		}
	default:
		return nil, fmt.Errorf("unresolvable handler kind %q on datasource %q", h.Kind, ds.Name)
	}

	var results []HandlerResult
	for _, in := range inputs {
		derived := []interface{}{in}
		if transform != nil {
			derived, err = transform(ctx, in)
			if err != nil {
				return nil, fmt.Errorf("transforming input for handler %q: %w", h.Handler, err)
			}
		}
		for _, d := range derived {
			res, err := idx.runtime.Invoke(ctx, h.Handler, d, api, idx.cfg.ChainID)
			if err != nil {
				return nil, fmt.Errorf("invoking handler %q: %w", h.Handler, err)
			}
			results = append(results, res)
		}
	}
	return results, nil
}

// resolveHandler applies §4.8 step 2: for runtime datasources the
// handler's own Kind is the base kind; for custom datasources, the
// registered processor's handlerProcessors[kind].baseHandlerKind governs.
func (idx *Indexer) resolveHandler(ds manifest.DataSource, h manifest.Handler) (manifest.HandlerKind, func(manifest.Handler, interface{}) bool, func(context.Context, interface{}) ([]interface{}, error)) {
	if ds.IsRuntime() {
		return h.Kind, nil, nil
	}
	proc, ok := idx.cfg.Processors[ds.Kind]
	if !ok {
		return h.Kind, nil, nil
	}
	hp, ok := proc.HandlerProcessors()[string(h.Kind)]
	if !ok {
		return h.Kind, nil, nil
	}
	return hp.BaseHandlerKind, hp.FilterProcessor, hp.Transform
}

// compiledFilter returns the cached filter for one (datasource, handler)
// pair, compiling it against block as the cron anchor if this is the
// first time the pair is seen. Cron handlers of static datasources are
// compiled by LoadDataSources and those of dynamic datasources by Process
// at creation time, so this path compiles only handlers without a cron
// timestamp filter (for which the anchor block is unused) and any
// datasource that reached Process by neither route.
func (idx *Indexer) compiledFilter(ds manifest.DataSource, hIdx int, h manifest.Handler, baseKind manifest.HandlerKind, block chain.Block) (compiledFilter, error) {
	key := filterKey{dsName: ds.Name + "/" + ds.Kind, handler: hIdx}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if cf, ok := idx.filterCache[key]; ok {
		return cf, nil
	}
	return idx.compileAndCacheLocked(key, h, baseKind, block)
}

// compileAndCache acquires the lock and delegates to compileAndCacheLocked;
// used by LoadDataSources, which runs before Process ever takes the lock.
func (idx *Indexer) compileAndCache(ds manifest.DataSource, hIdx int, h manifest.Handler, baseKind manifest.HandlerKind, anchorBlock chain.Block) (compiledFilter, error) {
	key := filterKey{dsName: ds.Name + "/" + ds.Kind, handler: hIdx}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.compileAndCacheLocked(key, h, baseKind, anchorBlock)
}

func (idx *Indexer) compileAndCacheLocked(key filterKey, h manifest.Handler, baseKind manifest.HandlerKind, anchorBlock chain.Block) (compiledFilter, error) {
	anchor := time.Unix(0, anchorBlock.Header.Timestamp)
	bf, tf, af, err := filter.FromManifest(h.Filter, baseKind, anchor)
	if err != nil {
		return compiledFilter{}, fmt.Errorf("compiling filter for handler %q: %w", h.Handler, err)
	}
	cf := compiledFilter{block: bf, tx: tf, action: af}
	idx.filterCache[key] = cf
	return cf, nil
}
