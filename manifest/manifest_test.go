package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearindex/indexer-core/errs"
)

const validManifest = `
specVersion: "1.0.0"
name: test-project
version: "0.1.0"
schema:
  file: schema.graphql
network:
  chainId: mainnet
  endpoint: https://rpc.mainnet.near.org
dataSources:
  - kind: Near/Runtime
    startBlock: 100
    mapping:
      file: mapping.js
      handlers:
        - kind: Block
          handler: handleBlock
`

func TestLoadValidManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validManifest), 0o600))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test-project", m.Name)
	assert.Equal(t, []string{"https://rpc.mainnet.near.org"}, m.Network.Endpoint.URLs)
	assert.False(t, m.DictionaryEnabled())
}

func TestLoadMultiEndpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
specVersion: "1.0.0"
name: test-project
version: "0.1.0"
network:
  chainId: mainnet
  endpoint:
    - https://rpc1.near.org
    - https://rpc2.near.org
  dictionary: https://dictionary.example.org
dataSources:
  - kind: Near/Runtime
    startBlock: 0
    mapping:
      file: mapping.js
      handlers:
        - kind: Block
          handler: handleBlock
`), 0o600))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://rpc1.near.org", "https://rpc2.near.org"}, m.Network.Endpoint.URLs)
	assert.True(t, m.DictionaryEnabled())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/manifest.yaml")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConfig))
}

func TestValidateRejectsOldSpecVersion(t *testing.T) {
	m := &Manifest{
		SpecVersion: "0.9.0",
		Network:     Network{ChainID: "mainnet", Endpoint: Endpoint{URLs: []string{"https://rpc.near.org"}}},
		DataSources: []DataSource{{Kind: "Near/Runtime", Mapping: Mapping{Handlers: []Handler{{Kind: HandlerBlock}}}}},
	}
	err := m.Validate()
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConfig))
}

func TestValidateRequiresEndpoint(t *testing.T) {
	m := &Manifest{
		SpecVersion: "1.0.0",
		Network:     Network{ChainID: "mainnet"},
		DataSources: []DataSource{{Kind: "Near/Runtime", Mapping: Mapping{Handlers: []Handler{{Kind: HandlerBlock}}}}},
	}
	require.Error(t, m.Validate())
}

func TestValidateRequiresChainIdentity(t *testing.T) {
	m := &Manifest{
		SpecVersion: "1.0.0",
		Network:     Network{Endpoint: Endpoint{URLs: []string{"https://rpc.near.org"}}},
		DataSources: []DataSource{{Kind: "Near/Runtime", Mapping: Mapping{Handlers: []Handler{{Kind: HandlerBlock}}}}},
	}
	require.Error(t, m.Validate())
}

func TestValidateRequiresAtLeastOneDataSource(t *testing.T) {
	m := &Manifest{
		SpecVersion: "1.0.0",
		Network:     Network{ChainID: "mainnet", Endpoint: Endpoint{URLs: []string{"https://rpc.near.org"}}},
	}
	require.Error(t, m.Validate())
}

func TestValidateRequiresHandlerPerDataSource(t *testing.T) {
	m := &Manifest{
		SpecVersion: "1.0.0",
		Network:     Network{ChainID: "mainnet", Endpoint: Endpoint{URLs: []string{"https://rpc.near.org"}}},
		DataSources: []DataSource{{Kind: "Near/Runtime"}},
	}
	require.Error(t, m.Validate())
}

func TestDataSourceIsRuntime(t *testing.T) {
	assert.True(t, DataSource{Kind: "Near/Runtime"}.IsRuntime())
	assert.False(t, DataSource{Kind: "near.social/PostHandler"}.IsRuntime())
}
