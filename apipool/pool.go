// Package apipool is the API Pool (§4.2): a multi-endpoint connection
// pool with health/reconnect semantics, genesis/chain-id cross-validation
// and failover. Grounded on pkg/multichain/manager.go's keyed registry of
// endpoints and autoRestartMonitor, and pkg/multichain/health.go's
// HealthChecker; the per-endpoint circuit breaker is adapted from
// pkg/rpcproxy/worker.go's CircuitBreaker.
package apipool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nearindex/indexer-core/errs"
	"github.com/nearindex/indexer-core/eventbus"
	ilog "github.com/nearindex/indexer-core/internal/logger"
	"github.com/nearindex/indexer-core/rpcclient"
)

// NetworkMeta is the chain identity recorded from the first endpoint to
// connect successfully; every subsequent endpoint must agree with it.
type NetworkMeta struct {
	ChainID     string
	GenesisHash string
}

// member is one pooled endpoint connection plus its health bookkeeping.
type member struct {
	client  *rpcclient.Client
	breaker *circuitBreaker

	mu      sync.RWMutex
	healthy bool
	backoff time.Duration
}

// Config configures the pool.
type Config struct {
	Endpoints          []string
	DeclaredChainID    string // network.chainId from the manifest, optional
	DeclaredGenesis    string // network.genesisHash from the manifest, optional
	MaxQuarantineTries int    // defaults to 5; stored but not read: a member is quarantined on its first failure and its backoff doubles without limit
	RPCTimeout         time.Duration
	Logger             *zap.Logger
	Bus                *eventbus.Bus
}

// Pool maintains an indexed set of RPC adapters, one per endpoint.
type Pool struct {
	cfg     Config
	logger  *zap.Logger
	bus     *eventbus.Bus
	mu      sync.RWMutex
	members []*member
	meta    *NetworkMeta
}

// New connects to every configured endpoint, establishing the pool's
// NetworkMeta from the first success and fail-fasting with
// ChainMismatchError on any disagreement (§4.2 steps 1-4).
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errs.Config(fmt.Errorf("apipool: at least one endpoint is required"))
	}
	if cfg.MaxQuarantineTries <= 0 {
		cfg.MaxQuarantineTries = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = ilog.WithComponent(logger, ilog.ComponentAPIPool)

	p := &Pool{cfg: cfg, logger: logger, bus: cfg.Bus}

	var genesisHeight *uint64
	for _, endpoint := range cfg.Endpoints {
		c, err := rpcclient.New(rpcclient.Config{Endpoint: endpoint, Timeout: cfg.RPCTimeout, Logger: cfg.Logger})
		if err != nil {
			return nil, errs.Network(endpoint, err)
		}
		status, err := c.Status(ctx)
		if err != nil {
			return nil, errs.Network(endpoint, fmt.Errorf("probing status: %w", err))
		}

		if p.meta == nil {
			p.meta = &NetworkMeta{ChainID: status.ChainID, GenesisHash: status.GenesisHash}
			h := uint64(0)
			genesisHeight = &h
		} else if genesisHeight != nil {
			genesisBlock, err := c.Block(ctx, rpcclient.AtHeight(*genesisHeight))
			if err != nil {
				return nil, errs.Network(endpoint, fmt.Errorf("fetching genesis block for cross-validation: %w", err))
			}
			existing, err := p.members[0].client.Block(ctx, rpcclient.AtHeight(*genesisHeight))
			if err == nil && existing.Header.Hash != genesisBlock.Header.Hash {
				return nil, errs.ChainMismatch(fmt.Errorf(
					"endpoint %s genesis block %s disagrees with %s genesis block %s",
					endpoint, genesisBlock.Header.Hash, cfg.Endpoints[0], existing.Header.Hash))
			}
		}

		if err := p.checkDeclaredIdentity(status.ChainID, status.GenesisHash); err != nil {
			return nil, err
		}

		m := &member{client: c, breaker: newCircuitBreaker(defaultBreakerConfig()), healthy: true}
		p.members = append(p.members, m)
		p.emit(eventbus.EventApiConnected, endpoint)
	}

	return p, nil
}

func (p *Pool) checkDeclaredIdentity(chainID, genesisHash string) error {
	if p.cfg.DeclaredChainID != "" && p.cfg.DeclaredChainID != chainID {
		return errs.ChainMismatch(fmt.Errorf("declared chainId %q does not match observed %q", p.cfg.DeclaredChainID, chainID))
	}
	if p.cfg.DeclaredChainID == "" && p.cfg.DeclaredGenesis != "" && p.cfg.DeclaredGenesis != genesisHash {
		return errs.ChainMismatch(fmt.Errorf("declared genesisHash %q does not match observed %q", p.cfg.DeclaredGenesis, genesisHash))
	}
	return nil
}

func (p *Pool) emit(evt eventbus.EventType, endpoint string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: evt, Payload: map[string]interface{}{"endpoint": endpoint}})
}

// Meta returns the pool's established network identity.
func (p *Pool) Meta() NetworkMeta {
	if p.meta == nil {
		return NetworkMeta{}
	}
	return *p.meta
}

// UnsafeAPI returns a healthy member's client. It is "unsafe" in that no
// height is pinned and the caller must not assume a specific endpoint
// across calls. Returns an error if every member is currently quarantined.
func (p *Pool) UnsafeAPI() (*rpcclient.Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, m := range p.members {
		m.mu.RLock()
		healthy := m.healthy && m.breaker.Allow()
		m.mu.RUnlock()
		if healthy {
			return m.client, nil
		}
	}
	return nil, errs.Network("", fmt.Errorf("apipool: no healthy endpoint available"))
}

// RecordResult feeds back call success/failure for the endpoint owning
// client so quarantine/backoff and circuit-breaker state stay accurate.
func (p *Pool) RecordResult(client *rpcclient.Client, err error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, m := range p.members {
		if m.client != client {
			continue
		}
		if err == nil {
			m.breaker.RecordSuccess()
			m.mu.Lock()
			m.healthy = true
			m.backoff = 0
			m.mu.Unlock()
			return
		}
		m.breaker.RecordFailure()
		p.quarantine(m, client.Endpoint())
		return
	}
}

func (p *Pool) quarantine(m *member, endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backoff == 0 {
		m.backoff = time.Second
	} else {
		m.backoff *= 2
	}
	m.healthy = false
	p.emit(eventbus.EventApiDisconnected, endpoint)
}

// HealthCheck probes the Status RPC of every member currently marked
// unhealthy and reinstates each one that answers, whatever its recorded
// backoff; healthy members are not probed. No component in this module
// calls it on a timer.
func (p *Pool) HealthCheck(ctx context.Context) {
	p.mu.RLock()
	members := append([]*member(nil), p.members...)
	p.mu.RUnlock()

	for _, m := range members {
		m.mu.RLock()
		healthy := m.healthy
		m.mu.RUnlock()
		if healthy {
			continue
		}
		if _, err := m.client.Status(ctx); err == nil {
			m.mu.Lock()
			m.healthy = true
			m.backoff = 0
			m.mu.Unlock()
			m.breaker.RecordSuccess()
			p.emit(eventbus.EventApiConnected, m.client.Endpoint())
		}
	}
}

// Size returns the number of pooled endpoints, healthy or not.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.members)
}
