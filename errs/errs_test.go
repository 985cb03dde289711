package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsKindMatchesWrappedError(t *testing.T) {
	err := RPC("https://rpc.near.org", errors.New("timeout"))
	assert.True(t, IsKind(err, KindRPC))
	assert.False(t, IsKind(err, KindNetwork))
}

func TestIsKindFollowsFmtWrapping(t *testing.T) {
	wrapped := fmt.Errorf("fetching: %w", BlockUnavailable(42))
	assert.True(t, IsKind(wrapped, KindBlockUnavailable))
}

func TestFatalKinds(t *testing.T) {
	assert.True(t, Fatal(Config(errors.New("bad config"))))
	assert.True(t, Fatal(ChainMismatch(errors.New("genesis mismatch"))))
	assert.True(t, Fatal(Handler(10, errors.New("handler panicked"))))
	assert.False(t, Fatal(BlockUnavailable(10)))
	assert.False(t, Fatal(Dictionary(errors.New("lagging"))))
	assert.False(t, Fatal(errors.New("plain error")))
}

func TestErrorMessageIncludesContext(t *testing.T) {
	err := Handler(100, errors.New("boom"))
	assert.Contains(t, err.Error(), "height 100")
	assert.Contains(t, err.Error(), "boom")
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("root cause")
	err := Config(cause)
	assert.ErrorIs(t, err, cause)
}
