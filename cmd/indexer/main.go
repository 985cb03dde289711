package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nearindex/indexer-core/api"
	"github.com/nearindex/indexer-core/api/graphql"
	"github.com/nearindex/indexer-core/apipool"
	"github.com/nearindex/indexer-core/assemble"
	"github.com/nearindex/indexer-core/chain"
	"github.com/nearindex/indexer-core/dictionary"
	"github.com/nearindex/indexer-core/dispatch"
	"github.com/nearindex/indexer-core/dynamicds"
	"github.com/nearindex/indexer-core/eventbus"
	"github.com/nearindex/indexer-core/indexer"
	"github.com/nearindex/indexer-core/internal/config"
	"github.com/nearindex/indexer-core/internal/logger"
	"github.com/nearindex/indexer-core/manifest"
	"github.com/nearindex/indexer-core/schedule"
	"github.com/nearindex/indexer-core/store"
	"github.com/nearindex/indexer-core/unfinalized"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	var (
		configFile   = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion  = flag.Bool("version", false, "Show version information and exit")
		manifestPath = flag.String("manifest", "", "Path to project manifest (YAML)")
		storePath    = flag.String("store", "", "Bookkeeping store path")
		startHeight  = flag.Uint64("start-height", 0, "Block height to start indexing from")
		workers      = flag.Int("workers", 0, "Worker-pool size (only when indexer.worker_pool is enabled in config)")
		batchSize    = flag.Int("batch-size", 0, "Fetch scheduler batch size")
		logLevel     = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat    = flag.String("log-format", "", "Log format (json, console)")

		enableAPI       = flag.Bool("api", false, "Enable API server")
		apiHost         = flag.String("api-host", "", "API server host")
		apiPort         = flag.Int("api-port", 0, "API server port")
		enableGraphQL   = flag.Bool("graphql", false, "Enable GraphQL API")
		enableWebSocket = flag.Bool("websocket", false, "Enable WebSocket API")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("indexer-core version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	applyFlags(cfg, *manifestPath, *storePath, *startHeight, *workers, *batchSize, *logLevel, *logFormat)
	applyAPIFlags(cfg, *enableAPI, *apiHost, *apiPort, *enableGraphQL, *enableWebSocket)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := initLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting indexer",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.String("manifest", cfg.Manifest.Path),
		zap.Strings("endpoints", cfg.Network.Endpoints),
		zap.Uint64("start_height", cfg.Indexer.StartHeight),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	man, err := manifest.Load(cfg.Manifest.Path)
	if err != nil {
		log.Fatal("failed to load manifest", zap.Error(err))
	}

	bookkeeping, err := store.Open(store.Config{
		Path:        cfg.Store.Path,
		CacheSizeMB: cfg.Store.CacheSizeMB,
		Logger:      log,
	})
	if err != nil {
		log.Fatal("failed to open bookkeeping store", zap.Error(err))
	}
	defer func() {
		if err := bookkeeping.Close(); err != nil {
			log.Error("failed to close bookkeeping store", zap.Error(err))
		}
	}()

	startHeightResolved := cfg.Indexer.StartHeight
	if checkpoint, err := bookkeeping.LatestHeight(); err != nil {
		log.Warn("failed to read checkpoint, starting from configured height", zap.Error(err))
	} else if checkpoint > 0 {
		startHeightResolved = checkpoint + 1
		log.Info("resuming from checkpoint", zap.Uint64("height", checkpoint))
	}

	bus := eventbus.New()
	defer bus.Close()

	pool, err := apipool.New(ctx, apipool.Config{
		Endpoints:          man.Network.Endpoint.URLs,
		DeclaredChainID:    man.Network.ChainID,
		DeclaredGenesis:    man.Network.GenesisHash,
		MaxQuarantineTries: cfg.Network.MaxQuarantineTries,
		RPCTimeout:         cfg.Network.RPCTimeout,
		Logger:             log,
		Bus:                bus,
	})
	if err != nil {
		log.Fatal("failed to connect API Pool", zap.Error(err))
	}

	meta := pool.Meta()
	log.Info("connected to network", zap.String("chain_id", meta.ChainID), zap.String("genesis_hash", meta.GenesisHash))

	var dict *dictionary.Client
	if man.DictionaryEnabled() || cfg.Dictionary.Enabled {
		endpoint := man.Network.Dictionary
		if endpoint == "" {
			endpoint = cfg.Dictionary.Endpoint
		}
		dict = dictionary.New(dictionary.Config{
			Endpoint:       endpoint,
			GenesisHash:    meta.GenesisHash,
			StartHeight:    cfg.Indexer.StartHeight,
			RateLimitPerS:  cfg.Dictionary.RateLimitPerS,
			RateLimitBurst: cfg.Dictionary.RateLimitBurst,
			CacheSize:      cfg.Dictionary.CacheSize,
			CacheTTL:       cfg.Dictionary.CacheTTL,
			Logger:         log,
		})
		log.Info("dictionary client enabled", zap.String("endpoint", endpoint))
	}

	dsManager := dynamicds.New(man.DataSources, man.Templates, log, bus)

	var tracker *unfinalized.Tracker
	if cfg.Unfinalized.Enabled {
		tracker = unfinalized.New(cfg.Unfinalized.Capacity, log)
		log.Info("unfinalized blocks tracker enabled", zap.Int("capacity", cfg.Unfinalized.Capacity))
	}

	fetcher := &poolFetcher{pool: pool, logger: log}
	anchor := &poolAnchor{pool: pool, logger: log}

	idx := indexer.New(
		dsManager,
		dsManager,
		noopHandlerRuntime{logger: log},
		reindexChecker{tracker: tracker},
		func(height uint64) indexer.APIView { return heightView{height: height} },
		anchor,
		indexer.Config{
			ChainID: meta.ChainID,
			Logger:  log,
		},
	)
	if err := idx.LoadDataSources(ctx, man.DataSources); err != nil {
		log.Fatal("failed to load datasource filters", zap.Error(err))
	}

	mode := dispatch.ModeSingleProcess
	if cfg.Indexer.WorkerPool {
		mode = dispatch.ModeWorkerPool
	}
	disp := dispatch.New(fetcher, idx, dispatch.Config{
		Mode:          mode,
		Concurrency:   cfg.Indexer.BatchSize,
		Workers:       cfg.Indexer.Workers,
		QueueCapacity: cfg.Indexer.QueueCapacity,
		Logger:        log,
		Bus:           bus,
	})
	disp.Init(func(ctx context.Context, fromHeight uint64) error {
		dsManager.DeleteTempDsRecords(fromHeight)
		disp.FlushQueue(fromHeight)
		return nil
	})

	sched := schedule.New(pool, dict, disp, schedule.Config{
		DataSources:       man.DataSources,
		BatchSize:         cfg.Indexer.BatchSize,
		InitHeight:        startHeightResolved,
		Unfinalized:       cfg.Unfinalized.Enabled,
		BypassBlocks:      cfg.Indexer.BypassBlocks,
		MemoryBudgetBytes: cfg.Indexer.MemoryBudgetBytes,
		Logger:            log,
		Bus:               bus,
	})
	if tracker != nil {
		sched.SetFinalizedObserver(tracker)
	}
	sched.SetDatasourceProvider(dsManager)

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiConfig := api.DefaultConfig()
		apiConfig.Host = cfg.API.Host
		apiConfig.Port = cfg.API.Port
		apiConfig.EnableGraphQL = cfg.API.EnableGraphQL
		apiConfig.EnableWebSocket = cfg.API.EnableWebSocket
		apiConfig.EnableCORS = cfg.API.EnableCORS
		apiConfig.AllowedOrigins = cfg.API.AllowedOrigins

		provider := &statusProvider{
			dispatcher: disp,
			dsManager:  dsManager,
			dict:       dict,
			tracker:    tracker,
			queueCap:   cfg.Indexer.QueueCapacity,
		}

		var err error
		apiServer, err = api.NewServer(apiConfig, log, provider, bus)
		if err != nil {
			log.Fatal("failed to create API server", zap.Error(err))
		}

		go func() {
			if err := apiServer.Start(); err != nil {
				log.Error("API server failed", zap.Error(err))
			}
		}()

		log.Info("API server started",
			zap.String("address", apiConfig.Address()),
			zap.Bool("graphql", apiConfig.EnableGraphQL),
			zap.Bool("websocket", apiConfig.EnableWebSocket),
		)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- sched.Run(ctx)
	}()

	go checkpointLoop(ctx, disp, bookkeeping, log)

	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("scheduler stopped with error", zap.Error(err))
		}
	}

	log.Info("shutting down gracefully...")
	sched.Shutdown()

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Error("failed to stop API server gracefully", zap.Error(err))
		}
		shutdownCancel()
	}

	if height := disp.LastProcessedHeight(); height > 0 {
		if err := bookkeeping.SaveCheckpoint(height); err != nil {
			log.Error("failed to save final checkpoint", zap.Error(err))
		}
		log.Info("final checkpoint saved", zap.Uint64("height", height))
	}

	log.Info("indexer stopped")
}

// poolFetcher adapts apipool.Pool + assemble.Assembler into a
// dispatch.Fetcher: every call picks a healthy pool member, assembles
// against it, then reports the outcome back to the pool for
// quarantine/circuit-breaker bookkeeping.
type poolFetcher struct {
	pool   *apipool.Pool
	logger *zap.Logger
}

func (f *poolFetcher) Assemble(ctx context.Context, height uint64) (chain.Block, error) {
	client, err := f.pool.UnsafeAPI()
	if err != nil {
		return chain.Block{}, err
	}
	block, err := assemble.New(client, f.logger).Assemble(ctx, height)
	f.pool.RecordResult(client, err)
	return block, err
}

// poolAnchor adapts apipool.Pool + assemble.Assembler into an
// indexer.BlockAnchor: a one-off fetch of the block at a datasource's
// startBlock, used only to anchor its handlers' cron filters at load time.
type poolAnchor struct {
	pool   *apipool.Pool
	logger *zap.Logger
}

func (a *poolAnchor) BlockAt(ctx context.Context, height uint64) (chain.Block, error) {
	client, err := a.pool.UnsafeAPI()
	if err != nil {
		return chain.Block{}, err
	}
	block, err := assemble.New(client, a.logger).Assemble(ctx, height)
	a.pool.RecordResult(client, err)
	return block, err
}

// noopHandlerRuntime stands in for the sandboxed user-handler execution
// environment, which runs as a separate process/container and is out of
// this engine's scope. It accepts every invocation and requests nothing.
type noopHandlerRuntime struct {
	logger *zap.Logger
}

func (r noopHandlerRuntime) Invoke(ctx context.Context, handlerName string, input interface{}, api indexer.APIView, chainID string) (indexer.HandlerResult, error) {
	r.logger.Debug("handler invocation (no sandboxed runtime attached)",
		zap.String("handler", handlerName),
		zap.Uint64("height", api.Height()),
	)
	return indexer.HandlerResult{}, nil
}

// heightView is the minimal indexer.APIView a handler runtime is pinned
// to; the real RPC-view slice lives behind the sandboxed runtime's own
// boundary.
type heightView struct {
	height uint64
}

func (v heightView) Height() uint64 { return v.height }

// reindexChecker adapts a possibly-nil *unfinalized.Tracker into
// indexer.ReindexChecker; with unfinalized indexing disabled, no block is
// ever reported as diverging.
type reindexChecker struct {
	tracker *unfinalized.Tracker
}

func (r reindexChecker) CheckBlock(b chain.Block) *uint64 {
	if r.tracker == nil {
		return nil
	}
	return r.tracker.CheckBlock(b)
}

// statusProvider assembles a graphql.Snapshot from the running pipeline's
// components on every query, so the admin surface always reflects current
// state rather than a cached view.
type statusProvider struct {
	dispatcher *dispatch.Dispatcher
	dsManager  *dynamicds.Manager
	dict       *dictionary.Client
	tracker    *unfinalized.Tracker
	queueCap   int
}

func (p *statusProvider) Status() graphql.Snapshot {
	datasources := p.dsManager.DataSources()
	// DataSources lists the static datasources first, then the created ones.
	dynamicStart := len(datasources) - p.dsManager.Count()
	out := make([]graphql.Datasource, 0, len(datasources))
	for i, ds := range datasources {
		out = append(out, graphql.Datasource{
			Name:       ds.Name,
			Kind:       ds.Kind,
			StartBlock: ds.StartBlock,
			Dynamic:    i >= dynamicStart,
		})
	}

	unfinalizedCount := 0
	if p.tracker != nil {
		unfinalizedCount = p.tracker.Count()
	}

	return graphql.Snapshot{
		LatestProcessedHeight: p.dispatcher.LastProcessedHeight(),
		TargetHeight:          p.dispatcher.LatestBufferedHeight(),
		QueueDepth:            p.dispatcher.QueueDepth(),
		DictionaryEnabled:     p.dict != nil && p.dict.Enabled(),
		UnfinalizedCount:      unfinalizedCount,
		Datasources:           out,
	}
}

// checkpointLoop persists the dispatcher's last-processed height
// periodically, so a restart resumes near where the process stopped
// instead of re-indexing from genesis.
func checkpointLoop(ctx context.Context, disp *dispatch.Dispatcher, s *store.Store, log *zap.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if height := disp.LastProcessedHeight(); height > 0 {
				if err := s.SaveCheckpoint(height); err != nil {
					log.Warn("failed to save checkpoint", zap.Error(err))
				}
			}
		}
	}
}

// applyFlags applies command-line flags to configuration.
func applyFlags(cfg *config.Config, manifestPath, storePath string, startHeight uint64, workers, batchSize int, logLevel, logFormat string) {
	if manifestPath != "" {
		cfg.Manifest.Path = manifestPath
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}
	if startHeight > 0 {
		cfg.Indexer.StartHeight = startHeight
	}
	if workers > 0 {
		cfg.Indexer.Workers = workers
	}
	if batchSize > 0 {
		cfg.Indexer.BatchSize = batchSize
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
}

// applyAPIFlags applies API-related command-line flags to configuration.
func applyAPIFlags(cfg *config.Config, enableAPI bool, apiHost string, apiPort int, enableGraphQL, enableWebSocket bool) {
	if enableAPI {
		cfg.API.Enabled = true
	}
	if apiHost != "" {
		cfg.API.Host = apiHost
	}
	if apiPort > 0 {
		cfg.API.Port = apiPort
	}
	if enableGraphQL {
		cfg.API.EnableGraphQL = true
	}
	if enableWebSocket {
		cfg.API.EnableWebSocket = true
	}
}

// initLogger initializes the logger based on configuration.
func initLogger(level, format string) (*zap.Logger, error) {
	if format == "json" || format == "production" {
		return logger.NewProduction()
	}

	cfg := logger.Config{
		Level:       level,
		Encoding:    "console",
		Development: true,
	}
	return logger.NewWithConfig(&cfg)
}
