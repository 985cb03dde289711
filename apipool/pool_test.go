package apipool

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusServer(t *testing.T, chainID, genesis string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.Method {
		case "status":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"result": map[string]interface{}{"chain_id": chainID, "genesis_hash": genesis},
			})
		case "block":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"result": map[string]interface{}{
					"author": "near",
					"header": map[string]interface{}{"height": 0, "hash": genesis},
					"chunks": []interface{}{},
				},
			})
		}
	}))
}

func TestNewPoolSingleEndpoint(t *testing.T) {
	srv := statusServer(t, "mainnet", "G")
	defer srv.Close()

	p, err := New(t.Context(), Config{Endpoints: []string{srv.URL}})
	require.NoError(t, err)
	assert.Equal(t, "mainnet", p.Meta().ChainID)
	assert.Equal(t, 1, p.Size())

	c, err := p.UnsafeAPI()
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestNewPoolChainMismatchFailsFast(t *testing.T) {
	srv := statusServer(t, "mainnet", "G")
	defer srv.Close()

	_, err := New(t.Context(), Config{Endpoints: []string{srv.URL}, DeclaredChainID: "testnet"})
	require.Error(t, err)
}

func TestRecordResultQuarantinesOnFailure(t *testing.T) {
	srv := statusServer(t, "mainnet", "G")
	defer srv.Close()

	p, err := New(t.Context(), Config{Endpoints: []string{srv.URL}})
	require.NoError(t, err)

	c, err := p.UnsafeAPI()
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		p.RecordResult(c, assertErr)
	}
	_, err = p.UnsafeAPI()
	require.Error(t, err)
}

var assertErr = fmtError("synthetic failure")

type fmtError string

func (e fmtError) Error() string { return string(e) }
