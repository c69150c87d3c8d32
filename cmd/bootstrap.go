package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/assetledger/internal/cache"
	"example.com/backstage/services/assetledger/internal/database"
	"example.com/backstage/services/assetledger/internal/eventstore"
	"example.com/backstage/services/assetledger/internal/projections"
	"example.com/backstage/services/assetledger/internal/registry"
	"example.com/backstage/services/assetledger/internal/signing"
)

// ledger bundles what every command that touches the event log needs.
type ledger struct {
	db    *gorm.DB
	keys  *signing.Keyring
	cache *cache.ProjectionCache
	store *eventstore.GormStore
}

func openDatabase(ctx context.Context) (*gorm.DB, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if cfg.RunMigrations {
		if err := database.RunMigrations(ctx, db); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	return db, nil
}

func openLedger(ctx context.Context) (*ledger, error) {
	reg, err := registry.Load()
	if err != nil {
		return nil, fmt.Errorf("load event registry: %w", err)
	}
	if err := reg.CheckHandlers(projections.Handled()); err != nil {
		return nil, err
	}
	log.Info().Str("version", reg.Version()).Strs("event_types", reg.Types()).Msg("Event registry loaded")

	db, err := openDatabase(ctx)
	if err != nil {
		return nil, err
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	keys, err := signing.NewKeyringFromConfig(cfg.SigningMasterSeed, cfg.IsDevelopment())
	if err != nil {
		closeDB()
		return nil, fmt.Errorf("signing keys: %w", err)
	}
	projectionCache, err := cache.NewProjectionCache(cfg)
	if err != nil {
		closeDB()
		return nil, err
	}
	store, err := eventstore.NewGormStore(db, reg, keys, eventstore.Options{
		Topics: cfg.OutboxTopics,
		Cache:  projectionCache,
	})
	if err != nil {
		_ = projectionCache.Close()
		closeDB()
		return nil, err
	}
	return &ledger{db: db, keys: keys, cache: projectionCache, store: store}, nil
}

func (l *ledger) Close() {
	if err := l.cache.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close projection cache")
	}
	if sqlDB, err := l.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
