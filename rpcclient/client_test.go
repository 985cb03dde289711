package rpcclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearindex/indexer-core/errs"
)

func newTestServer(t *testing.T, handlers map[string]func(params json.RawMessage) (interface{}, *rpcError)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		h, ok := handlers[req.Method]
		if !ok {
			json.NewEncoder(w).Encode(rpcResponse{Error: &rpcError{Code: -1, Message: "method not found"}})
			return
		}
		result, rpcErr := h(nil)
		if rpcErr != nil {
			json.NewEncoder(w).Encode(rpcResponse{Error: rpcErr})
			return
		}
		raw, _ := json.Marshal(result)
		json.NewEncoder(w).Encode(rpcResponse{Result: raw})
	}))
}

func TestClientStatusAndBlock(t *testing.T) {
	srv := newTestServer(t, map[string]func(json.RawMessage) (interface{}, *rpcError){
		"status": func(json.RawMessage) (interface{}, *rpcError) {
			return StatusResult{ChainID: "mainnet", GenesisHash: "G"}, nil
		},
		"block": func(json.RawMessage) (interface{}, *rpcError) {
			return map[string]interface{}{
				"author": "near",
				"header": map[string]interface{}{"height": 42, "hash": "H", "prev_hash": "P"},
				"chunks": []interface{}{},
			}, nil
		},
	})
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL})
	require.NoError(t, err)

	st, err := c.Status(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "mainnet", st.ChainID)

	b, err := c.Block(t.Context(), AtHeight(42))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), b.Header.Height)
	assert.Equal(t, "H", b.Header.Hash)
}

func TestClientRPCErrorVsNetworkError(t *testing.T) {
	srv := newTestServer(t, map[string]func(json.RawMessage) (interface{}, *rpcError){
		"status": func(json.RawMessage) (interface{}, *rpcError) {
			return StatusResult{}, nil
		},
	})
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL})
	require.NoError(t, err)

	_, err = c.Block(t.Context(), AtHeight(1))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindRPC))
	assert.False(t, errs.IsKind(err, errs.KindNetwork))
}
