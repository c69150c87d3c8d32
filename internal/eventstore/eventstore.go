// Package eventstore is the append-only ledger. Every append is validated,
// sealed into the hash chain, signed and committed together with its
// projection update, outbox entries and idempotency record.
package eventstore

import (
	"context"

	"example.com/backstage/services/assetledger/internal/domain"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// Store is the ledger's command and query surface.
type Store interface {
	// Append validates cmd and durably appends exactly one event.
	Append(ctx context.Context, cmd domain.Command) (domain.Receipt, error)
	// Events returns up to limit events of an asset starting at fromVersion.
	Events(ctx context.Context, entityID, assetID string, fromVersion int64, limit int) (Page, error)
	// Tip returns the head of an asset's chain.
	Tip(ctx context.Context, entityID, assetID string) (domain.Tip, error)
	// Projection returns the current-state snapshot of an asset.
	Projection(ctx context.Context, entityID, assetID string) (domain.Projection, error)
}

// Page is one slice of an asset's history. NextFromVersion is set when more
// events follow.
type Page struct {
	AssetID         string         `json:"asset_id"`
	Events          []domain.Event `json:"events"`
	NextFromVersion *int64         `json:"next_from_version,omitempty"`
}

// ProjectionCache is an optional read-through cache in front of projections.
type ProjectionCache interface {
	Get(ctx context.Context, assetID string) (domain.Projection, bool)
	Set(ctx context.Context, p domain.Projection)
	Invalidate(ctx context.Context, assetID string)
}
