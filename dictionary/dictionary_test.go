package dictionary

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearindex/indexer-core/errs"
	"github.com/nearindex/indexer-core/manifest"
)

func TestBuildQueriesBlockWithoutModuloAbandonsDictionary(t *testing.T) {
	ds := manifest.DataSource{
		Kind: "Near/Runtime",
		Mapping: manifest.Mapping{Handlers: []manifest.Handler{
			{Kind: manifest.HandlerBlock, Filter: nil},
		}},
	}
	_, ok := BuildQueries(ds, nil)
	assert.False(t, ok)
}

func TestBuildQueriesDedupesByEntityAndConditions(t *testing.T) {
	ds := manifest.DataSource{
		Kind: "Near/Runtime",
		Mapping: manifest.Mapping{Handlers: []manifest.Handler{
			{Kind: manifest.HandlerTransaction, Filter: &manifest.Filter{Sender: "alice.near"}},
			{Kind: manifest.HandlerTransaction, Filter: &manifest.Filter{Sender: "alice.near"}},
			{Kind: manifest.HandlerAction, Filter: &manifest.Filter{Type: "Transfer"}},
		}},
	}
	queries, ok := BuildQueries(ds, nil)
	require.True(t, ok)
	assert.Len(t, queries, 2)
}

func TestValidateGenesisMismatchDisablesSession(t *testing.T) {
	c := New(Config{Endpoint: "http://example", GenesisHash: "G1"})
	err := c.Validate(Metadata{GenesisHash: "G2", LastProcessedHeight: 100}, 10)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindDictionary))
	assert.False(t, c.Enabled())

	// a later Validate with an agreeing genesis passes: Enabled() gates
	// ScopedDictionaryEntries, not Validate itself
	err2 := c.Validate(Metadata{GenesisHash: "G1", LastProcessedHeight: 100}, 10)
	assert.NoError(t, err2)
}

func TestValidateLagOnlySkipsCycle(t *testing.T) {
	c := New(Config{Endpoint: "http://example", GenesisHash: "G1"})
	err := c.Validate(Metadata{GenesisHash: "G1", LastProcessedHeight: 5}, 100)
	require.Error(t, err)
	assert.True(t, c.Enabled())
}

func TestScopedDictionaryEntriesHitsCacheOnSecondCall(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(Response{
			BatchBlocks: []uint64{10, 20},
			Metadata:    Metadata{LastProcessedHeight: 1000, GenesisHash: "G1"},
		})
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, GenesisHash: "G1"})
	_, err := c.ScopedDictionaryEntries(t.Context(), nil, 1, 100, 10)
	require.NoError(t, err)
	_, err = c.ScopedDictionaryEntries(t.Context(), nil, 1, 100, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
