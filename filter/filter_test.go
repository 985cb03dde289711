package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearindex/indexer-core/chain"
)

func modulo(m uint64) *uint64 { return &m }

func TestFilterBlockModulo(t *testing.T) {
	f := &BlockFilter{Modulo: modulo(100)}
	assert.True(t, FilterBlock(chain.Block{Header: chain.BlockHeader{Height: 1000}}, f))
	assert.False(t, FilterBlock(chain.Block{Header: chain.BlockHeader{Height: 1001}}, f))
}

func TestFilterBlockNil(t *testing.T) {
	assert.True(t, FilterBlock(chain.Block{Header: chain.BlockHeader{Height: 7}}, nil))
}

func TestFilterTransactionSymmetric(t *testing.T) {
	f := &TransactionFilter{Sender: "alice.near"}
	assert.True(t, FilterTransaction(chain.Transaction{SignerID: "alice.near"}, f))
	assert.False(t, FilterTransaction(chain.Transaction{SignerID: "bob.near"}, f))
}

func TestFilterActionReservedFieldIsNoOp(t *testing.T) {
	f := &ActionFilter{Type: chain.ActionTransfer, Action: "anything"}
	assert.True(t, FilterAction(chain.Action{Type: chain.ActionTransfer}, f))
}

func TestAnyBlockFilterEmptyPasses(t *testing.T) {
	assert.True(t, AnyBlockFilter(chain.Block{}, nil))
}

func TestCronMatchAdvancesNextAfterMatch(t *testing.T) {
	anchor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cf, err := CompileCron("@every 1h", anchor)
	require.NoError(t, err)

	before := cf.Next().Add(-time.Minute)
	assert.False(t, cf.Match(before))

	after := cf.Next().Add(time.Minute)
	firstNext := cf.Next()
	assert.True(t, cf.Match(after))
	assert.True(t, cf.Next().After(firstNext) || cf.Next().Equal(firstNext))
}

func TestLCM(t *testing.T) {
	assert.Equal(t, uint64(12), LCM([]uint64{4, 6}))
	assert.Equal(t, uint64(1), LCM(nil))
	assert.Equal(t, uint64(5), LCM([]uint64{5}))
}
