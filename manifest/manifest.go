// Package manifest loads and validates the project manifest: the YAML
// document declaring network endpoints, datasources, handler filters and
// dynamic-datasource templates. It is grounded on internal/config's
// layered SetDefaults/LoadFromFile/LoadFromEnv/Validate idiom, adapted
// from a runtime process config to a one-shot declarative document.
package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nearindex/indexer-core/errs"
)

// MinSpecVersion is the lowest specVersion this engine accepts.
const MinSpecVersion = "1.0.0"

// Manifest is the parsed project manifest (§6 External Interfaces).
type Manifest struct {
	SpecVersion string           `yaml:"specVersion"`
	Name        string           `yaml:"name"`
	Version     string           `yaml:"version"`
	Schema      SchemaRef        `yaml:"schema"`
	Network     Network          `yaml:"network"`
	DataSources []DataSource     `yaml:"dataSources"`
	Templates   []DataSource     `yaml:"templates,omitempty"`
	Runner      Runner           `yaml:"runner"`
}

// SchemaRef points at the relational schema file; out of core scope beyond
// its presence.
type SchemaRef struct {
	File string `yaml:"file"`
}

// Network declares chain identity, endpoint(s) and optional dictionary/bypass config.
type Network struct {
	ChainID      string   `yaml:"chainId,omitempty"`
	GenesisHash  string   `yaml:"genesisHash,omitempty"`
	Endpoint     Endpoint `yaml:"endpoint"`
	Dictionary   string   `yaml:"dictionary,omitempty"`
	BypassBlocks []uint64 `yaml:"bypassBlocks,omitempty"`
}

// Endpoint accepts either a single URL or a list of fallback URLs,
// matching the manifest's `string|string[]` shape.
type Endpoint struct {
	URLs []string
}

// UnmarshalYAML implements the single-or-list endpoint shape.
func (e *Endpoint) UnmarshalYAML(value *yaml.Node) error {
	var single string
	if err := value.Decode(&single); err == nil {
		e.URLs = []string{single}
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return fmt.Errorf("network.endpoint: expected string or []string: %w", err)
	}
	e.URLs = list
	return nil
}

// Runner declares the indexer node/version the manifest targets.
type Runner struct {
	Node NodeRunner `yaml:"node"`
}

// NodeRunner names the runtime and its version requirement.
type NodeRunner struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// HandlerKind is the base handler kind a datasource handler dispatches on.
type HandlerKind string

const (
	HandlerBlock       HandlerKind = "Block"
	HandlerTransaction HandlerKind = "Transaction"
	HandlerAction      HandlerKind = "Action"
)

// Handler binds a user handler function name to a kind and optional filter.
type Handler struct {
	Kind    HandlerKind `yaml:"kind"`
	Handler string      `yaml:"handler"`
	Filter  *Filter     `yaml:"filter,omitempty"`
}

// Mapping is the datasource's file + handler list.
type Mapping struct {
	File     string    `yaml:"file"`
	Handlers []Handler `yaml:"handlers"`
}

// DataSource is a declarative binding of handlers to filters, with a
// startBlock. Kind "Near/Runtime" denotes a built-in runtime datasource;
// any other kind is delegated to a pluggable DatasourceProcessor
// registered by name and resolved outside this package.
type DataSource struct {
	Kind       string  `yaml:"kind"`
	Name       string  `yaml:"name,omitempty"` // set on dynamic-datasource templates
	StartBlock uint64  `yaml:"startBlock"`
	Mapping    Mapping `yaml:"mapping"`
}

// IsRuntime reports whether ds is a built-in runtime datasource as opposed
// to a custom, processor-delegated one.
func (ds DataSource) IsRuntime() bool {
	return ds.Kind == "Near/Runtime"
}

// Filter is the union of the three filter shapes a handler may declare.
// Exactly the fields relevant to the handler's Kind are populated.
type Filter struct {
	Modulo    *uint64 `yaml:"modulo,omitempty"`
	Timestamp string  `yaml:"timestamp,omitempty"` // cron expression
	Sender    string  `yaml:"sender,omitempty"`
	Receiver  string  `yaml:"receiver,omitempty"`
	Type      string  `yaml:"type,omitempty"`
	Action    string  `yaml:"action,omitempty"` // reserved, no-op (see DESIGN.md open question 2)
}

// Load reads and validates a manifest file at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Config(fmt.Errorf("reading manifest %s: %w", path, err))
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errs.Config(fmt.Errorf("parsing manifest %s: %w", path, err))
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks structural invariants the engine depends on: a
// supported specVersion, at least one endpoint, a chainId or genesisHash,
// at least one datasource, and a kind and at least one handler on every
// datasource. startBlock is not checked.
func (m *Manifest) Validate() error {
	if m.SpecVersion < MinSpecVersion {
		return errs.Config(fmt.Errorf("specVersion %q is below minimum %q", m.SpecVersion, MinSpecVersion))
	}
	if len(m.Network.Endpoint.URLs) == 0 {
		return errs.Config(fmt.Errorf("network.endpoint: at least one endpoint is required"))
	}
	if m.Network.ChainID == "" && m.Network.GenesisHash == "" {
		return errs.Config(fmt.Errorf("network: one of chainId or genesisHash is required"))
	}
	if len(m.DataSources) == 0 {
		return errs.Config(fmt.Errorf("dataSources: at least one datasource is required"))
	}
	for i, ds := range m.DataSources {
		if ds.Kind == "" {
			return errs.Config(fmt.Errorf("dataSources[%d]: kind is required", i))
		}
		if len(ds.Mapping.Handlers) == 0 {
			return errs.Config(fmt.Errorf("dataSources[%d]: at least one handler is required", i))
		}
	}
	return nil
}

// DictionaryEnabled reports whether the manifest declares a dictionary endpoint.
func (m *Manifest) DictionaryEnabled() bool {
	return m.Network.Dictionary != ""
}
