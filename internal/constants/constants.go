package constants

import "time"

// API Server Constants
const (
	// DefaultAPIHost is the default API server host
	DefaultAPIHost = "localhost"

	// DefaultAPIPort is the default API server port
	DefaultAPIPort = 8080

	// MinPort is the minimum valid port number
	MinPort = 1

	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DefaultReadTimeout is the default HTTP read timeout
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout is the default HTTP write timeout
	DefaultWriteTimeout = 15 * time.Second

	// DefaultIdleTimeout is the default HTTP idle timeout
	DefaultIdleTimeout = 60 * time.Second

	// DefaultShutdownTimeout is the default graceful shutdown timeout
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultMaxHeaderBytes is the default maximum request header size (1 MB)
	DefaultMaxHeaderBytes = 1 << 20 // 1 MB

	// DefaultRateLimitPerSecond is the default admin API rate limit (requests per second)
	DefaultRateLimitPerSecond = 1000

	// DefaultRateLimitBurst is the default admin API rate limit burst size
	DefaultRateLimitBurst = 2000
)

// API Paths
const (
	// DefaultGraphQLPath is the default GraphQL endpoint path
	DefaultGraphQLPath = "/graphql"

	// DefaultGraphQLPlaygroundPath is the default GraphQL playground path
	DefaultGraphQLPlaygroundPath = "/playground"

	// DefaultHealthPath is the default health/readiness endpoint path
	DefaultHealthPath = "/healthz"

	// DefaultMetricsPath is the default Prometheus metrics endpoint path
	DefaultMetricsPath = "/metrics"

	// DefaultWebSocketPath is the default WebSocket endpoint path (block-processed stream)
	DefaultWebSocketPath = "/ws"

	// DefaultGraphQLSubscriptionPath is the default GraphQL subscription (WebSocket) path
	DefaultGraphQLSubscriptionPath = "/graphql/ws"
)

// Fetch Scheduler / Block Dispatcher Constants (§4.6, §4.7)
const (
	// DefaultBatchSize is the default fetch batch size (config.fetchBatchSize)
	DefaultBatchSize = 50

	// MinBatchSize is the floor batch-scale adjustment will not go below
	MinBatchSize = 1

	// DefaultNumWorkers is the default worker-pool size in ModeWorkerPool
	DefaultNumWorkers = 8

	// MinWorkers is the minimum number of workers
	MinWorkers = 1

	// MaxWorkers is the maximum number of workers
	MaxWorkers = 256

	// DefaultQueueCapacity is the default dispatcher freeSize bound
	DefaultQueueCapacity = 1000

	// DefaultMemoryBudgetBytes is the default RSS budget governing batch-scale
	// adjustment; 0 disables the adjustment entirely.
	DefaultMemoryBudgetBytes = 0

	// DefaultRPCTimeout is the default per-call RPC Adapter timeout
	DefaultRPCTimeout = 30 * time.Second

	// DefaultMaxQuarantineTries is the default for the API Pool's MaxQuarantineTries setting (§4.2)
	DefaultMaxQuarantineTries = 5
)

// Dictionary Client Constants (§4.5)
const (
	// DefaultDictionaryCacheSize is the default number of cached dictionary responses
	DefaultDictionaryCacheSize = 1024

	// DefaultDictionaryCacheTTL is the default dictionary response cache TTL
	DefaultDictionaryCacheTTL = 10 * time.Second

	// DefaultDictionaryRateLimitPerS is the default dictionary query rate limit
	DefaultDictionaryRateLimitPerS = 20.0

	// DefaultDictionaryRateLimitBurst is the default dictionary rate limit burst
	DefaultDictionaryRateLimitBurst = 10
)

// Unfinalized Blocks Tracker Constants (§4.10)
const (
	// DefaultUnfinalizedCapacity is the default number of recent finalized
	// headers retained for fork detection.
	DefaultUnfinalizedCapacity = 256
)

// Pagination Constants
const (
	// DefaultPaginationLimit is the default pagination limit
	DefaultPaginationLimit = 10

	// DefaultMaxPaginationLimit is the default maximum pagination limit
	DefaultMaxPaginationLimit = 100

	// MaxPaginationLimitExtended is the extended maximum pagination limit for specific queries
	MaxPaginationLimitExtended = 1000

	// MinPaginationLimit is the minimum pagination limit
	MinPaginationLimit = 1
)

// Query Constants
const (
	// DefaultQueryTimeout is the default timeout for store/database queries
	DefaultQueryTimeout = 30 * time.Second

	// DefaultLongQueryTimeout is the timeout for long-running queries
	DefaultLongQueryTimeout = 60 * time.Second
)

// WebSocket Constants
const (
	// DefaultWSReadBufferSize is the default WebSocket read buffer size
	DefaultWSReadBufferSize = 1024

	// DefaultWSWriteBufferSize is the default WebSocket write buffer size
	DefaultWSWriteBufferSize = 1024

	// DefaultWSPingInterval is the default WebSocket ping interval
	DefaultWSPingInterval = 30 * time.Second

	// DefaultWSPongTimeout is the default WebSocket pong timeout
	DefaultWSPongTimeout = 60 * time.Second

	// DefaultWSWriteTimeout is the default WebSocket write timeout
	DefaultWSWriteTimeout = 10 * time.Second
)

// EventBus Constants
const (
	// DefaultEventBufferSize is the default in-process publish buffer size
	DefaultEventBufferSize = 1000

	// DefaultEventHistorySize is the default number of events kept for replay
	DefaultEventHistorySize = 100

	// DefaultMaxSubscribers is the default maximum number of subscribers
	DefaultMaxSubscribers = 1000
)

// Storage Constants (store cache sizing, §6 persisted state)
const (
	// DefaultCacheSizeMB is the default store cache size in MB
	DefaultCacheSizeMB = 128

	// DefaultMaxOpenFiles is the default maximum number of open files for the store
	DefaultMaxOpenFiles = 1000
)

// Size Constants
const (
	// BytesPerKB represents bytes in a kilobyte
	BytesPerKB = 1024

	// BytesPerMB represents bytes in a megabyte
	BytesPerMB = 1024 * BytesPerKB

	// BytesPerGB represents bytes in a gigabyte
	BytesPerGB = 1024 * BytesPerMB
)

// Blockchain Constants
const (
	// GenesisBlockHeight is the height of the genesis block
	GenesisBlockHeight = 0

	// DefaultBlockTime is NEAR's approximate block production interval
	DefaultBlockTime = 1200 * time.Millisecond
)

// Retry and Backoff Constants
const (
	// DefaultMaxRetries is the default maximum number of retries for failed RPC calls
	DefaultMaxRetries = 3

	// InitialRetryDelay is the initial delay for exponential backoff
	InitialRetryDelay = 100 * time.Millisecond

	// MaxRetryDelay is the maximum delay for exponential backoff
	MaxRetryDelay = 30 * time.Second

	// RetryBackoffMultiplier is the backoff multiplier for exponential retry delay
	RetryBackoffMultiplier = 2
)

// Monitoring Constants
const (
	// DefaultMetricsInterval is the default interval for metrics collection
	DefaultMetricsInterval = 10 * time.Second

	// DefaultHealthCheckInterval is the default API Pool / chain health check interval
	DefaultHealthCheckInterval = 30 * time.Second
)
