package graphql

import (
	"github.com/graphql-go/graphql"
)

// bigIntType keeps field definitions self-documenting even though the wire
// representation is the same String scalar graphql-go already provides.
var bigIntType = graphql.String

var (
	datasourceStatusType *graphql.Object
	engineStatusType     *graphql.Object
)

func init() {
	initTypes()
}

func initTypes() {
	datasourceStatusType = graphql.NewObject(graphql.ObjectConfig{
		Name:        "DatasourceStatus",
		Description: "One entry of the active datasource/template set the manager is tracking.",
		Fields: graphql.Fields{
			"name": &graphql.Field{
				Type:        graphql.String,
				Description: "Datasource or template name as declared in the manifest.",
			},
			"kind": &graphql.Field{
				Type:        graphql.String,
				Description: "Datasource kind, e.g. Near/Runtime.",
			},
			"startBlock": &graphql.Field{
				Type: bigIntType,
			},
			"dynamic": &graphql.Field{
				Type:        graphql.Boolean,
				Description: "True if this entry was materialized from a template at runtime.",
			},
		},
	})

	engineStatusType = graphql.NewObject(graphql.ObjectConfig{
		Name:        "EngineStatus",
		Description: "A snapshot of the fetch-schedule-dispatch pipeline's current state.",
		Fields: graphql.Fields{
			"latestProcessedHeight": &graphql.Field{
				Type:        bigIntType,
				Description: "Highest block height the dispatcher has finished indexing.",
			},
			"targetHeight": &graphql.Field{
				Type:        bigIntType,
				Description: "Highest height handed to the dispatcher (its latest buffered height); can trail the chain head.",
			},
			"queueDepth": &graphql.Field{
				Type:        graphql.Int,
				Description: "Blocks enqueued to the dispatcher but not yet processed.",
			},
			"datasourceCount": &graphql.Field{
				Type: graphql.Int,
			},
			"templateCount": &graphql.Field{
				Type: graphql.Int,
			},
			"dictionaryEnabled": &graphql.Field{
				Type: graphql.Boolean,
			},
			"unfinalizedCount": &graphql.Field{
				Type:        graphql.Int,
				Description: "Blocks held back pending finalization.",
			},
			"lastError": &graphql.Field{
				Type:        graphql.String,
				Description: "Message from the most recent pipeline error, empty if none.",
			},
		},
	})
}
