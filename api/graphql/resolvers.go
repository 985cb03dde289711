package graphql

import (
	"github.com/graphql-go/graphql"
)

func (s *Schema) resolveEngineStatus(p graphql.ResolveParams) (interface{}, error) {
	return s.provider.Status().toMap(), nil
}

func (s *Schema) resolveDatasources(p graphql.ResolveParams) (interface{}, error) {
	snapshot := s.provider.Status()
	result := make([]map[string]interface{}, 0, len(snapshot.Datasources))
	for _, ds := range snapshot.Datasources {
		result = append(result, map[string]interface{}{
			"name":       ds.Name,
			"kind":       ds.Kind,
			"startBlock": ds.StartBlock,
			"dynamic":    ds.Dynamic,
		})
	}
	return result, nil
}
