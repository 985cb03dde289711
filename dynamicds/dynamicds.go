// Package dynamicds is the Dynamic Datasource Manager (§4.9): it serves
// getAllDataSources(height) to the Indexer by merging the manifest's
// static datasources with instances materialized at runtime from
// templates, and keeps a height-keyed creation log so a rewind can
// delete exactly the instances a reorg invalidates.
//
// Grounded on pkg/multichain/registry.go's keyed-registration pattern
// (map + RWMutex, Register/Unregister/List), generalized from a
// process-lifetime chain registry to a height-scoped datasource log.
package dynamicds

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nearindex/indexer-core/errs"
	"github.com/nearindex/indexer-core/eventbus"
	ilog "github.com/nearindex/indexer-core/internal/logger"
	"github.com/nearindex/indexer-core/manifest"
)

// ErrTemplateNotFound is returned when CreateDynamicDatasource names a
// template the manifest never declared.
var ErrTemplateNotFound = fmt.Errorf("dynamicds: template not found")

type created struct {
	height uint64
	ds     manifest.DataSource
}

// Manager is the project service Indexer step 1 consults for
// getAllDataSources(height). The zero value is not usable; construct
// with New.
type Manager struct {
	mu        sync.RWMutex
	static    []manifest.DataSource
	templates map[string]manifest.DataSource
	created   []created
	seq       int
	logger    *zap.Logger
	bus       *eventbus.Bus
}

// New constructs a Manager over the manifest's static datasources and
// templates.
func New(static []manifest.DataSource, templates []manifest.DataSource, logger *zap.Logger, bus *eventbus.Bus) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = ilog.WithComponent(logger, ilog.ComponentDynamicDS)
	tmpl := make(map[string]manifest.DataSource, len(templates))
	for _, t := range templates {
		tmpl[t.Name] = t
	}
	return &Manager{
		static:    append([]manifest.DataSource(nil), static...),
		templates: tmpl,
		logger:    logger,
		bus:       bus,
	}
}

// AllDataSources returns the static datasources plus every dynamic
// instance whose startBlock is at or before height (Indexer §4.8 step 1).
func (m *Manager) AllDataSources(height uint64) []manifest.DataSource {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := append([]manifest.DataSource(nil), m.static...)
	for _, c := range m.created {
		if c.ds.StartBlock <= height {
			out = append(out, c.ds)
		}
	}
	return out
}

// DataSources returns every known datasource — static and dynamic,
// regardless of activation height — for the Fetch Scheduler's dictionary
// query construction (schedule.DatasourceProvider). A not-yet-active
// dynamic datasource still contributes a valid dictionary query; it
// simply has no matching blocks until its startBlock is reached.
func (m *Manager) DataSources() []manifest.DataSource {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := append([]manifest.DataSource(nil), m.static...)
	for _, c := range m.created {
		out = append(out, c.ds)
	}
	return out
}

// CreateDynamicDatasource materializes templateName at atHeight with
// args, logs the creation keyed by height, and publishes
// EventDynamicDSCreated so downstream query-set consumers can react.
func (m *Manager) CreateDynamicDatasource(templateName string, args map[string]interface{}, atHeight uint64) (manifest.DataSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tmpl, ok := m.templates[templateName]
	if !ok {
		return manifest.DataSource{}, errs.Config(fmt.Errorf("%w: %q", ErrTemplateNotFound, templateName))
	}

	m.seq++
	instance := tmpl
	instance.StartBlock = atHeight
	instance.Name = fmt.Sprintf("%s#%d", templateName, m.seq)

	m.created = append(m.created, created{height: atHeight, ds: instance})
	m.logger.Info("dynamic datasource created",
		zap.String("template", templateName),
		zap.String("name", instance.Name),
		zap.Uint64("atHeight", atHeight),
	)
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{
			Type: eventbus.EventDynamicDSCreated,
			Payload: map[string]interface{}{
				"template": templateName,
				"name":     instance.Name,
				"height":   atHeight,
				"args":     args,
			},
		})
	}
	return instance, nil
}

// DeleteTempDsRecords removes every dynamic-datasource creation at or
// after height — the rollback half of a reindex (§4.9).
func (m *Manager) DeleteTempDsRecords(height uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.created[:0]
	removed := 0
	for _, c := range m.created {
		if c.height >= height {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	m.created = kept
	if removed > 0 {
		m.logger.Info("deleted dynamic datasource records", zap.Uint64("fromHeight", height), zap.Int("count", removed))
	}
}

// Count reports how many dynamic datasources are currently logged,
// regardless of activation height.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.created)
}
