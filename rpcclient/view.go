package rpcclient

import (
	"context"
	"encoding/json"
)

// HeightPinnedView wraps a Client and substitutes a fixed height wherever
// a call would otherwise accept a block reference (§4.1). It is handed to
// user handlers for the duration of a single block indexing step and must
// not be retained past that call — there is no reference-counting or
// revocation mechanism here, by design: retaining one simply means stale
// calls will silently keep querying the pinned height, which callers must
// avoid by discipline, matching the upstream contract.
type HeightPinnedView struct {
	client *Client
	height uint64
}

// Pin returns a HeightPinnedView bound to height over client.
func Pin(client *Client, height uint64) *HeightPinnedView {
	return &HeightPinnedView{client: client, height: height}
}

// Height returns the height this view is pinned to.
func (v *HeightPinnedView) Height() uint64 { return v.height }

// Block fetches the block at the pinned height.
func (v *HeightPinnedView) Block(ctx context.Context) (interface{}, error) {
	return v.client.Block(ctx, AtHeight(v.height))
}

// Validators fetches the validator set at the pinned height.
func (v *HeightPinnedView) Validators(ctx context.Context) (json.RawMessage, error) {
	return v.client.Validators(ctx, AtHeight(v.height))
}

// AccessKeyChanges fetches access key changes for accountIDs at the pinned height.
func (v *HeightPinnedView) AccessKeyChanges(ctx context.Context, accountIDs []string) (json.RawMessage, error) {
	return v.client.AccessKeyChanges(ctx, accountIDs, AtHeight(v.height))
}
