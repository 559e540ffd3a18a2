package fetcher

import (
	"context"
	"encoding/json"
)

// PriceSource retrieves one snapshot of prices for the given coins and
// quote currencies. The returned payload is the upstream body, unmodified.
type PriceSource interface {
	FetchSimplePrice(ctx context.Context, coinIDs, currencies []string) (json.RawMessage, error)
}
