package graphql

import (
	"github.com/graphql-go/graphql"
	"go.uber.org/zap"
)

// Schema wraps the built graphql.Schema with the status provider it resolves
// queries against.
type Schema struct {
	schema   graphql.Schema
	provider StatusProvider
	logger   *zap.Logger
}

// NewSchema builds the admin GraphQL schema. It exposes engine state —
// latest processed height, queue depth, datasource/template counts,
// dictionary status, last error — never the user's indexed blockchain data,
// which lives in the sandboxed handler runtime's own storage.
func NewSchema(provider StatusProvider, logger *zap.Logger) (*Schema, error) {
	s := &Schema{provider: provider, logger: logger}

	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"engineStatus": &graphql.Field{
				Type:        engineStatusType,
				Description: "Current pipeline state.",
				Resolve:     s.resolveEngineStatus,
			},
			"datasources": &graphql.Field{
				Type:        graphql.NewList(datasourceStatusType),
				Description: "Active static and dynamically materialized datasources.",
				Resolve:     s.resolveDatasources,
			},
		},
	})

	subscriptionType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Subscription",
		Fields: graphql.Fields{
			"engineStatus": &graphql.Field{
				Type:        engineStatusType,
				Description: "Pushes the current pipeline state whenever the engine publishes an event.",
				Resolve:     s.resolveEngineStatus,
			},
		},
	})

	schema, err := graphql.NewSchema(graphql.SchemaConfig{
		Query:        queryType,
		Subscription: subscriptionType,
	})
	if err != nil {
		return nil, err
	}

	s.schema = schema
	return s, nil
}
