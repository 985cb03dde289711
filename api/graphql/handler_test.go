package graphql

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

type mockProvider struct {
	snapshot Snapshot
}

func (m *mockProvider) Status() Snapshot { return m.snapshot }

func newTestHandler(t *testing.T) (*Handler, *mockProvider) {
	t.Helper()
	provider := &mockProvider{
		snapshot: Snapshot{
			LatestProcessedHeight: 100,
			TargetHeight:          105,
			QueueDepth:            3,
			DictionaryEnabled:     true,
			UnfinalizedCount:      2,
			Datasources: []Datasource{
				{Name: "main", Kind: "Near/Runtime", StartBlock: 1},
				{Name: "fromTemplate", Kind: "Near/Runtime", StartBlock: 50, Dynamic: true},
			},
		},
	}

	handler, err := NewHandler(provider, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}
	return handler, provider
}

func TestGraphQLHandler(t *testing.T) {
	handler, _ := newTestHandler(t)

	t.Run("GraphQLEndpoint", func(t *testing.T) {
		query := `{"query":"{ engineStatus { latestProcessedHeight } }"}`
		req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(query))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("expected status OK, got %v", w.Code)
		}
	})

	t.Run("PlaygroundEndpoint", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/playground", nil)
		w := httptest.NewRecorder()

		handler.PlaygroundHandler()(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("expected status OK, got %v", w.Code)
		}
		if !strings.Contains(w.Body.String(), "GraphQL Playground") {
			t.Error("expected GraphQL Playground HTML")
		}
	})

	t.Run("ExecuteQuery_EngineStatus", func(t *testing.T) {
		result := handler.ExecuteQuery(`{ engineStatus { latestProcessedHeight targetHeight queueDepth dictionaryEnabled lastError } }`, nil)
		if len(result.Errors) > 0 {
			t.Fatalf("expected no errors, got %v", result.Errors)
		}

		data, ok := result.Data.(map[string]interface{})
		if !ok {
			t.Fatal("expected data map")
		}
		status, ok := data["engineStatus"].(map[string]interface{})
		if !ok {
			t.Fatal("expected engineStatus map")
		}
		if status["latestProcessedHeight"] != "100" {
			t.Errorf("expected latestProcessedHeight 100, got %v", status["latestProcessedHeight"])
		}
		if status["queueDepth"] != 3 {
			t.Errorf("expected queueDepth 3, got %v", status["queueDepth"])
		}
	})

	t.Run("ExecuteQuery_Datasources", func(t *testing.T) {
		result := handler.ExecuteQuery(`{ datasources { name kind dynamic } }`, nil)
		if len(result.Errors) > 0 {
			t.Fatalf("expected no errors, got %v", result.Errors)
		}

		data := result.Data.(map[string]interface{})
		list, ok := data["datasources"].([]interface{})
		if !ok {
			t.Fatal("expected datasources list")
		}
		if len(list) != 2 {
			t.Fatalf("expected 2 datasources, got %d", len(list))
		}
	})

	t.Run("ExecuteQueryJSON", func(t *testing.T) {
		jsonBytes, err := handler.ExecuteQueryJSON(`{ engineStatus { latestProcessedHeight } }`, nil)
		if err != nil {
			t.Fatalf("failed to execute query JSON: %v", err)
		}
		if len(jsonBytes) == 0 {
			t.Error("expected JSON response")
		}
	})

	t.Run("InvalidQuery", func(t *testing.T) {
		result := handler.ExecuteQuery(`{ nonExistentField }`, nil)
		if len(result.Errors) == 0 {
			t.Error("expected error for invalid query")
		}
	})
}

func TestGraphQLSchema(t *testing.T) {
	handler, _ := newTestHandler(t)

	s := handler.schema.schema
	if s.QueryType() == nil {
		t.Error("expected query type in schema")
	}

	queryFields := s.QueryType().Fields()
	for _, field := range []string{"engineStatus", "datasources"} {
		if _, exists := queryFields[field]; !exists {
			t.Errorf("expected query field %s to exist", field)
		}
	}

	if s.SubscriptionType() == nil {
		t.Error("expected subscription type in schema")
	}
}

func TestGraphQLTypes(t *testing.T) {
	if engineStatusType == nil {
		t.Error("engineStatusType should be initialized")
	}
	if datasourceStatusType == nil {
		t.Error("datasourceStatusType should be initialized")
	}
	if bigIntType == nil {
		t.Error("bigIntType should be initialized")
	}
}
