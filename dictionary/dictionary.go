// Package dictionary is the Dictionary Client (§4.5): builds queries from
// handler filters, executes scopedDictionaryEntries range calls (one
// request each, not paged) against an external GraphQL-like index
// service, and validates
// responses. Grounded on pkg/rpcproxy/proxy.go's
// rate-limit→circuit-breaker→cache→call flow and pkg/rpcproxy/cache.go's
// LRU+TTL cache / CacheKeyBuilder idiom.
package dictionary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nearindex/indexer-core/errs"
	ilog "github.com/nearindex/indexer-core/internal/logger"
	"github.com/nearindex/indexer-core/manifest"
)

// Condition is a single equality condition in a dictionary query.
type Condition struct {
	Field   string
	Value   string
	Matcher string // "eq" unless otherwise specified
}

// Query is one entity query against the dictionary, keyed for
// deduplication by (Entity, sorted conditions).
type Query struct {
	Entity     string
	Conditions []Condition
}

// Key returns the (entity, sorted-conditions) dedup key for q, exported
// so callers merging queries across multiple datasources (the Fetch
// Scheduler) can dedupe consistently with BuildQueries.
func (q Query) Key() string { return q.dedupeKey() }

// dedupeKey produces the (entity, sorted-conditions) key used to collapse
// duplicate queries across datasource handlers (§4.5).
func (q Query) dedupeKey() string {
	conds := append([]Condition(nil), q.Conditions...)
	sort.Slice(conds, func(i, j int) bool {
		if conds[i].Field != conds[j].Field {
			return conds[i].Field < conds[j].Field
		}
		return conds[i].Value < conds[j].Value
	})
	var sb strings.Builder
	sb.WriteString(q.Entity)
	for _, c := range conds {
		sb.WriteString("|")
		sb.WriteString(c.Field)
		sb.WriteString("=")
		sb.WriteString(c.Value)
	}
	return sb.String()
}

// BuildQueries derives the dictionary queries for one datasource's
// handlers, per §4.5's per-handler-kind rules. It returns (nil, ok=false)
// when a Block handler lacks a modulo — the dictionary is abandoned for
// this scan in that case.
func BuildQueries(ds manifest.DataSource, queryProcessor func(h manifest.Handler, ds manifest.DataSource) (*Query, bool)) ([]Query, bool) {
	var queries []Query
	seen := make(map[string]bool)

	add := func(q Query) {
		key := q.dedupeKey()
		if seen[key] {
			return
		}
		seen[key] = true
		queries = append(queries, q)
	}

	for _, h := range ds.Mapping.Handlers {
		if !ds.IsRuntime() && queryProcessor != nil {
			if q, ok := queryProcessor(h, ds); ok {
				if q != nil {
					add(*q)
				}
				continue
			}
		}

		switch h.Kind {
		case manifest.HandlerBlock:
			if h.Filter == nil || h.Filter.Modulo == nil {
				return nil, false
			}
			// Modulo-only handlers are served by the scheduler's own
			// moduloBlocks computation, not a dictionary entity query.
		case manifest.HandlerTransaction:
			var conds []Condition
			if h.Filter != nil {
				if h.Filter.Sender != "" {
					conds = append(conds, Condition{Field: "sender", Value: h.Filter.Sender, Matcher: "eq"})
				}
				if h.Filter.Receiver != "" {
					conds = append(conds, Condition{Field: "receiver", Value: h.Filter.Receiver, Matcher: "eq"})
				}
			}
			add(Query{Entity: "transactions", Conditions: conds})
		case manifest.HandlerAction:
			var conds []Condition
			if h.Filter != nil && h.Filter.Type != "" {
				conds = append(conds, Condition{Field: "type", Value: h.Filter.Type, Matcher: "eq"})
			}
			add(Query{Entity: "actions", Conditions: conds})
		}
	}
	return queries, true
}

// Metadata is the dictionary's self-reported sync state.
type Metadata struct {
	LastProcessedHeight uint64 `json:"lastProcessedHeight"`
	GenesisHash         string `json:"genesisHash"`
	Chain               string `json:"chain"`
	StartHeight         uint64 `json:"startHeight"`
}

// Response is a scopedDictionaryEntries result.
type Response struct {
	BatchBlocks []uint64 `json:"batchBlocks"`
	Metadata    Metadata `json:"_metadata"`
}

// Config configures a Client.
type Config struct {
	Endpoint        string
	GenesisHash     string // the pool's known genesis, for response validation
	StartHeight     uint64
	RateLimitPerS   float64
	RateLimitBurst  int
	CacheSize       int
	CacheTTL        time.Duration
	Logger          *zap.Logger
}

// Client is the Dictionary Client connection.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *breaker
	cache   *cache
	logger  *zap.Logger

	disabled bool // set true once a genesis mismatch is observed
}

// New constructs a dictionary Client.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = ilog.WithComponent(logger, ilog.ComponentDictionary)
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 10
	}
	var limiter *rate.Limiter
	if cfg.RateLimitPerS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerS), burst)
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: limiter,
		breaker: newBreaker(),
		cache:   newCache(cacheSize, ttl),
		logger:  logger,
	}
}

// StartHeight returns the configured dictionary.startHeight.
func (c *Client) StartHeight() uint64 { return c.cfg.StartHeight }

// Enabled reports whether this client should still be consulted — false
// once a genesis mismatch has permanently disabled it for the session.
func (c *Client) Enabled() bool { return !c.disabled }

// ScopedDictionaryEntries executes one range query, passing limit to the
// service without paging through further results, and applies the
// rate-limit → circuit-breaker → cache → call flow (grounded on
// pkg/rpcproxy/proxy.go's ContractCall).
func (c *Client) ScopedDictionaryEntries(ctx context.Context, queries []Query, start, end uint64, limit int) (Response, error) {
	if !c.Enabled() {
		return Response{}, errs.Dictionary(fmt.Errorf("dictionary disabled for session"))
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, errs.Network(c.cfg.Endpoint, err)
		}
	}
	if !c.breaker.Allow() {
		return Response{}, errs.Network(c.cfg.Endpoint, fmt.Errorf("dictionary circuit open"))
	}

	key := cacheKey(queries, start, end, limit)
	if cached, ok := c.cache.Get(key); ok {
		return cached.(Response), nil
	}

	resp, err := c.doQuery(ctx, queries, start, end, limit)
	if err != nil {
		c.breaker.RecordFailure()
		return Response{}, errs.Network(c.cfg.Endpoint, err)
	}
	c.breaker.RecordSuccess()

	if err := c.Validate(resp.Metadata, start); err != nil {
		return Response{}, err
	}

	c.cache.Set(key, resp)
	return resp, nil
}

func (c *Client) doQuery(ctx context.Context, queries []Query, start, end uint64, limit int) (Response, error) {
	body, err := json.Marshal(map[string]interface{}{
		"queries": queries,
		"start":   start,
		"end":     end,
		"limit":   limit,
	})
	if err != nil {
		return Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("decoding dictionary response: %w", err)
	}
	return resp, nil
}

// Validate checks the response metadata per §4.5: a genesis mismatch
// permanently disables the dictionary for the session; a lagging
// lastProcessedHeight only skips this cycle.
func (c *Client) Validate(meta Metadata, requestedStart uint64) error {
	if c.cfg.GenesisHash != "" && meta.GenesisHash != "" && meta.GenesisHash != c.cfg.GenesisHash {
		c.disabled = true
		return errs.Dictionary(fmt.Errorf("dictionary genesisHash %q disagrees with pool genesis %q", meta.GenesisHash, c.cfg.GenesisHash))
	}
	if meta.LastProcessedHeight < requestedStart {
		return errs.Dictionary(fmt.Errorf("dictionary lastProcessedHeight %d is behind requested start %d", meta.LastProcessedHeight, requestedStart))
	}
	return nil
}

func cacheKey(queries []Query, start, end uint64, limit int) string {
	var sb strings.Builder
	for _, q := range queries {
		sb.WriteString(q.dedupeKey())
		sb.WriteString(";")
	}
	fmt.Fprintf(&sb, "%d:%d:%d", start, end, limit)
	return sb.String()
}
