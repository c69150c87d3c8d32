package eventstore

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"example.com/backstage/services/assetledger/internal/chain"
	"example.com/backstage/services/assetledger/internal/domain"
	"example.com/backstage/services/assetledger/internal/models"
	"example.com/backstage/services/assetledger/internal/projections"
)

// Events pages through an asset's history in version order. Events are
// returned as stored, for audit and independent verification.
func (s *GormStore) Events(ctx context.Context, entityID, assetID string, fromVersion int64, limit int) (Page, error) {
	page := Page{AssetID: assetID, Events: []domain.Event{}}
	if fromVersion < 1 {
		fromVersion = 1
	}
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}

	db := s.db.WithContext(ctx)
	if err := s.authorize(db, entityID, assetID); err != nil {
		return page, err
	}

	var rows []models.AssetEvent
	err := db.Where("asset_id = ? AND aggregate_version >= ?", assetID, fromVersion).
		Order("aggregate_version ASC").
		Limit(limit + 1).
		Find(&rows).Error
	if err != nil {
		return page, fmt.Errorf("load events: %w", err)
	}
	if len(rows) > limit {
		next := rows[limit].AggregateVersion
		page.NextFromVersion = &next
		rows = rows[:limit]
	}
	for _, r := range rows {
		page.Events = append(page.Events, r.ToDomain())
	}
	return page, nil
}

// Tip returns the last event's version and hash, or version 0 and the
// genesis hash for an asset with no events.
func (s *GormStore) Tip(ctx context.Context, entityID, assetID string) (domain.Tip, error) {
	tip := domain.Tip{AssetID: assetID, EventHash: chain.GenesisHash}
	row, err := tipRow(s.db.WithContext(ctx), assetID)
	if err != nil {
		return tip, err
	}
	if row == nil {
		return tip, nil
	}
	if row.EntityID != entityID {
		return tip, notFound(assetID)
	}
	tip.AggregateVersion = row.AggregateVersion
	tip.EventHash = row.EventHash
	return tip, nil
}

// Projection returns the asset's snapshot, corrupted or not. Reads of a
// quarantined asset are served for forensics.
func (s *GormStore) Projection(ctx context.Context, entityID, assetID string) (domain.Projection, error) {
	if s.cache != nil {
		if p, ok := s.cache.Get(ctx, assetID); ok {
			if p.EntityID != entityID {
				return domain.Projection{}, notFound(assetID)
			}
			return p, nil
		}
	}

	p, ok, err := projections.Load(s.db.WithContext(ctx), assetID)
	if err != nil {
		return p, err
	}
	if !ok || p.EntityID != entityID {
		return domain.Projection{}, notFound(assetID)
	}
	if s.cache != nil {
		s.cache.Set(ctx, p)
	}
	return p, nil
}

// authorize fails with ASSET_NOT_FOUND unless entityID owns assetID. Assets
// of other tenants are indistinguishable from missing ones.
func (s *GormStore) authorize(db *gorm.DB, entityID, assetID string) error {
	var rows []models.AssetEvent
	err := db.Select("entity_id").
		Where("asset_id = ? AND aggregate_version = 1", assetID).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return fmt.Errorf("load asset owner: %w", err)
	}
	if len(rows) == 0 || rows[0].EntityID != entityID {
		return notFound(assetID)
	}
	return nil
}

func notFound(assetID string) error {
	return domain.Errorf(domain.ErrAssetNotFound, "asset %s not found", assetID)
}
