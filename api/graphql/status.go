package graphql

// Datasource is one active or dynamically materialized datasource/template
// entry, as reported by StatusProvider.Datasources.
type Datasource struct {
	Name       string
	Kind       string
	StartBlock uint64
	Dynamic    bool
}

// Snapshot is a point-in-time view of the pipeline, assembled fresh on every
// resolved query rather than cached, so it always reflects the scheduler and
// dispatcher's current state.
type Snapshot struct {
	LatestProcessedHeight uint64
	TargetHeight          uint64
	QueueDepth            int
	DictionaryEnabled     bool
	UnfinalizedCount      int
	LastError             string
	Datasources           []Datasource
}

// StatusProvider is the read-only view into the running pipeline that backs
// the engineStatus query and subscription. cmd/indexer wires the concrete
// dispatcher/dynamicds/dictionary/unfinalized components behind it.
type StatusProvider interface {
	Status() Snapshot
}

func (s Snapshot) toMap() map[string]interface{} {
	templateCount := 0
	datasourceCount := 0
	for _, ds := range s.Datasources {
		if ds.Dynamic {
			templateCount++
		} else {
			datasourceCount++
		}
	}

	return map[string]interface{}{
		"latestProcessedHeight": s.LatestProcessedHeight,
		"targetHeight":          s.TargetHeight,
		"queueDepth":            s.QueueDepth,
		"datasourceCount":       datasourceCount,
		"templateCount":         templateCount,
		"dictionaryEnabled":     s.DictionaryEnabled,
		"unfinalizedCount":      s.UnfinalizedCount,
		"lastError":             s.LastError,
	}
}
