// Package config is the layered process configuration: defaults, then an
// optional YAML file, then environment variables, then validation — in
// that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nearindex/indexer-core/internal/constants"
)

// Config holds all process-level configuration for the indexer binary.
// Datasource/filter/network declarations live in the project manifest
// (see the manifest package), not here — this covers everything the
// manifest doesn't: where to find it, how hard to drive the pipeline, and
// how to expose operational surfaces.
type Config struct {
	Manifest    ManifestConfig    `yaml:"manifest"`
	Network     NetworkConfig     `yaml:"network"`
	Indexer     IndexerConfig     `yaml:"indexer"`
	Dictionary  DictionaryConfig  `yaml:"dictionary"`
	Unfinalized UnfinalizedConfig `yaml:"unfinalized"`
	Store       StoreConfig       `yaml:"store"`
	Log         LogConfig         `yaml:"log"`
	API         APIConfig         `yaml:"api"`
	EventBus    EventBusConfig    `yaml:"eventbus"`
}

// ManifestConfig locates the project manifest (§6 manifest YAML shape).
type ManifestConfig struct {
	Path string `yaml:"path"`
}

// NetworkConfig configures the API Pool's set of RPC endpoints (§4.2).
type NetworkConfig struct {
	// Endpoints is the comma-separated-in-env list of JSON-RPC endpoint URLs
	// making up the API Pool.
	Endpoints []string `yaml:"endpoints"`
	// RPCTimeout is the per-call RPC Adapter timeout.
	RPCTimeout time.Duration `yaml:"rpc_timeout"`
	// MaxQuarantineTries is handed to the API Pool, which defaults it to 5
	// but does not consult it: an endpoint is quarantined on its first
	// failed call, with no limit on reconnect attempts.
	MaxQuarantineTries int `yaml:"max_quarantine_tries"`
}

// IndexerConfig governs the Fetch Scheduler and Block Dispatcher (§4.6-4.7).
type IndexerConfig struct {
	// BatchSize is the scheduler's fetch batch size (config.fetchBatchSize).
	BatchSize int `yaml:"batch_size"`
	// StartHeight is the height to begin indexing from when no persisted
	// checkpoint exists.
	StartHeight uint64 `yaml:"start_height"`
	// WorkerPool selects ModeWorkerPool (persistent worker goroutines) over
	// the default bounded fan-out dispatch mode.
	WorkerPool bool `yaml:"worker_pool"`
	// Workers is the worker-pool size, used only when WorkerPool is true.
	Workers int `yaml:"workers"`
	// QueueCapacity bounds the dispatcher's pending-block queue.
	QueueCapacity int `yaml:"queue_capacity"`
	// BypassBlocks lists heights to skip indexing entirely (§6 CLI surface).
	BypassBlocks []uint64 `yaml:"bypass_blocks"`
	// MemoryBudgetBytes bounds RSS for batch-scale adjustment; 0 disables it.
	MemoryBudgetBytes uint64 `yaml:"memory_budget_bytes"`
}

// DictionaryConfig configures the optional Dictionary Client (§4.5).
type DictionaryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Endpoint       string        `yaml:"endpoint"`
	RateLimitPerS  float64       `yaml:"rate_limit_per_s"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	CacheSize      int           `yaml:"cache_size"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

// UnfinalizedConfig governs the Unfinalized Blocks Tracker (§4.10).
type UnfinalizedConfig struct {
	Enabled  bool `yaml:"enabled"`
	Capacity int  `yaml:"capacity"`
}

// StoreConfig sizes the persisted-state store (§6 Persisted state).
type StoreConfig struct {
	Path        string `yaml:"path"`
	CacheSizeMB int    `yaml:"cache_size_mb"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// APIConfig holds the admin/metrics HTTP surface configuration.
type APIConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	EnableGraphQL   bool     `yaml:"enable_graphql"`
	EnableWebSocket bool     `yaml:"enable_websocket"`
	EnableMetrics   bool     `yaml:"enable_metrics"`
	EnableCORS      bool     `yaml:"enable_cors"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// EventBusConfig selects the cross-cutting event bus backend.
type EventBusConfig struct {
	// Type is "local", "redis", or "kafka".
	Type              string `yaml:"type"`
	PublishBufferSize int    `yaml:"publish_buffer_size"`
	HistorySize       int    `yaml:"history_size"`
	Redis             struct {
		Address string `yaml:"address"`
		Channel string `yaml:"channel"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills in unset fields with the engine's defaults.
func (c *Config) SetDefaults() {
	if c.Network.RPCTimeout == 0 {
		c.Network.RPCTimeout = constants.DefaultRPCTimeout
	}
	if c.Network.MaxQuarantineTries == 0 {
		c.Network.MaxQuarantineTries = constants.DefaultMaxQuarantineTries
	}

	if c.Indexer.BatchSize == 0 {
		c.Indexer.BatchSize = constants.DefaultBatchSize
	}
	if c.Indexer.Workers == 0 {
		c.Indexer.Workers = constants.DefaultNumWorkers
	}
	if c.Indexer.QueueCapacity == 0 {
		c.Indexer.QueueCapacity = constants.DefaultQueueCapacity
	}

	if c.Dictionary.RateLimitPerS == 0 {
		c.Dictionary.RateLimitPerS = constants.DefaultDictionaryRateLimitPerS
	}
	if c.Dictionary.RateLimitBurst == 0 {
		c.Dictionary.RateLimitBurst = constants.DefaultDictionaryRateLimitBurst
	}
	if c.Dictionary.CacheSize == 0 {
		c.Dictionary.CacheSize = constants.DefaultDictionaryCacheSize
	}
	if c.Dictionary.CacheTTL == 0 {
		c.Dictionary.CacheTTL = constants.DefaultDictionaryCacheTTL
	}

	if c.Unfinalized.Capacity == 0 {
		c.Unfinalized.Capacity = constants.DefaultUnfinalizedCapacity
	}

	if c.Store.CacheSizeMB == 0 {
		c.Store.CacheSizeMB = constants.DefaultCacheSizeMB
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.API.Host == "" {
		c.API.Host = constants.DefaultAPIHost
	}
	if c.API.Port == 0 {
		c.API.Port = constants.DefaultAPIPort
	}
	if c.API.AllowedOrigins == nil {
		c.API.AllowedOrigins = []string{"*"}
	}

	if c.EventBus.Type == "" {
		c.EventBus.Type = "local"
	}
	if c.EventBus.PublishBufferSize == 0 {
		c.EventBus.PublishBufferSize = constants.DefaultEventBufferSize
	}
	if c.EventBus.HistorySize == 0 {
		c.EventBus.HistorySize = constants.DefaultEventHistorySize
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables. Env vars
// take precedence over file configuration.
func (c *Config) LoadFromEnv() error {
	if path := os.Getenv("INDEXER_MANIFEST_PATH"); path != "" {
		c.Manifest.Path = path
	}

	if endpoints := os.Getenv("INDEXER_NETWORK_ENDPOINTS"); endpoints != "" {
		c.Network.Endpoints = splitCSV(endpoints)
	}
	if timeout := os.Getenv("INDEXER_NETWORK_RPC_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_NETWORK_RPC_TIMEOUT: %w", err)
		}
		c.Network.RPCTimeout = d
	}

	if batchSize := os.Getenv("INDEXER_BATCH_SIZE"); batchSize != "" {
		v, err := strconv.Atoi(batchSize)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_BATCH_SIZE: %w", err)
		}
		c.Indexer.BatchSize = v
	}
	if startHeight := os.Getenv("INDEXER_START_HEIGHT"); startHeight != "" {
		v, err := strconv.ParseUint(startHeight, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_START_HEIGHT: %w", err)
		}
		c.Indexer.StartHeight = v
	}
	if workerPool := os.Getenv("INDEXER_WORKER_POOL"); workerPool != "" {
		v, err := strconv.ParseBool(workerPool)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_WORKER_POOL: %w", err)
		}
		c.Indexer.WorkerPool = v
	}
	if workers := os.Getenv("INDEXER_WORKERS"); workers != "" {
		v, err := strconv.Atoi(workers)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_WORKERS: %w", err)
		}
		c.Indexer.Workers = v
	}
	if bypass := os.Getenv("INDEXER_BYPASS_BLOCKS"); bypass != "" {
		heights := make([]uint64, 0)
		for _, h := range splitCSV(bypass) {
			v, err := strconv.ParseUint(h, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid INDEXER_BYPASS_BLOCKS entry %q: %w", h, err)
			}
			heights = append(heights, v)
		}
		c.Indexer.BypassBlocks = heights
	}

	if dictEnabled := os.Getenv("INDEXER_DICTIONARY_ENABLED"); dictEnabled != "" {
		v, err := strconv.ParseBool(dictEnabled)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_DICTIONARY_ENABLED: %w", err)
		}
		c.Dictionary.Enabled = v
	}
	if dictEndpoint := os.Getenv("INDEXER_DICTIONARY_ENDPOINT"); dictEndpoint != "" {
		c.Dictionary.Endpoint = dictEndpoint
	}

	if unfinalized := os.Getenv("INDEXER_UNFINALIZED_ENABLED"); unfinalized != "" {
		v, err := strconv.ParseBool(unfinalized)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_UNFINALIZED_ENABLED: %w", err)
		}
		c.Unfinalized.Enabled = v
	}

	if storePath := os.Getenv("INDEXER_STORE_PATH"); storePath != "" {
		c.Store.Path = storePath
	}

	if level := os.Getenv("INDEXER_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("INDEXER_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	if apiEnabled := os.Getenv("INDEXER_API_ENABLED"); apiEnabled != "" {
		v, err := strconv.ParseBool(apiEnabled)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_API_ENABLED: %w", err)
		}
		c.API.Enabled = v
	}
	if host := os.Getenv("INDEXER_API_HOST"); host != "" {
		c.API.Host = host
	}
	if port := os.Getenv("INDEXER_API_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_API_PORT: %w", err)
		}
		c.API.Port = v
	}

	if ebType := os.Getenv("INDEXER_EVENTBUS_TYPE"); ebType != "" {
		c.EventBus.Type = ebType
	}
	if redisAddr := os.Getenv("INDEXER_EVENTBUS_REDIS_ADDRESS"); redisAddr != "" {
		c.EventBus.Redis.Address = redisAddr
	}
	if kafkaBrokers := os.Getenv("INDEXER_EVENTBUS_KAFKA_BROKERS"); kafkaBrokers != "" {
		c.EventBus.Kafka.Brokers = splitCSV(kafkaBrokers)
	}

	return nil
}

func splitCSV(s string) []string {
	out := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Manifest.Path == "" {
		return fmt.Errorf("manifest path is required")
	}
	if len(c.Network.Endpoints) == 0 {
		return fmt.Errorf("at least one network endpoint is required")
	}
	if c.Network.RPCTimeout <= 0 {
		return fmt.Errorf("rpc timeout must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}
	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	if c.Indexer.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Indexer.WorkerPool && c.Indexer.Workers <= 0 {
		return fmt.Errorf("worker count must be positive when worker_pool is enabled")
	}

	if c.Dictionary.Enabled && c.Dictionary.Endpoint == "" {
		return fmt.Errorf("dictionary endpoint is required when dictionary is enabled")
	}

	validEventBusTypes := map[string]bool{"local": true, "redis": true, "kafka": true}
	if !validEventBusTypes[c.EventBus.Type] {
		return fmt.Errorf("invalid eventbus type %q, must be one of: local, redis, kafka", c.EventBus.Type)
	}
	if c.EventBus.Type == "redis" && c.EventBus.Redis.Address == "" {
		return fmt.Errorf("eventbus redis address is required when eventbus type is redis")
	}
	if c.EventBus.Type == "kafka" && len(c.EventBus.Kafka.Brokers) == 0 {
		return fmt.Errorf("eventbus kafka brokers are required when eventbus type is kafka")
	}

	return nil
}

// Load loads configuration in increasing order of precedence: defaults,
// an optional .env file, the YAML config file, then environment
// variables, finally validating the result.
func Load(configFile string) (*Config, error) {
	cfg := NewConfig()

	// .env is best-effort: a missing file is not an error, a malformed one is.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
