package projections

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backstage/services/assetledger/internal/chain"
	"example.com/backstage/services/assetledger/internal/database"
	"example.com/backstage/services/assetledger/internal/domain"
	"example.com/backstage/services/assetledger/internal/metrics"
	"example.com/backstage/services/assetledger/internal/models"
	"example.com/backstage/services/assetledger/internal/signing"
)

const replayPageSize = 500

// Builder replays the ledger into projections. It is the only writer of
// projections outside the append transaction.
type Builder struct {
	db   *gorm.DB
	keys signing.KeyService
}

// NewBuilder creates a builder. A nil key service skips signature checks.
func NewBuilder(db *gorm.DB, keys signing.KeyService) *Builder {
	return &Builder{db: db, keys: keys}
}

// Replay is the outcome of verifying and folding an asset's history.
type Replay struct {
	Projection domain.Projection
	Verified   int64
	Break      *chain.Break
	// Incident is the earliest recorded incident, if any.
	Incident *domain.Incident
}

// Replay walks every stored event of assetID from version 1, verifying each
// link (hash, linkage and signature) before folding it. It stops at the first
// break, or before the broken version of a recorded incident, and writes nothing.
func (b *Builder) Replay(ctx context.Context, assetID string) (Replay, error) {
	var out Replay
	incident, err := FirstIncident(b.db.WithContext(ctx), assetID)
	if err != nil {
		return out, err
	}
	out.Incident = incident

	walker := chain.NewWalker(SignatureCheck(ctx, b.keys))
	var after int64
	for {
		var rows []models.AssetEvent
		err := b.db.WithContext(ctx).
			Where("asset_id = ? AND aggregate_version > ?", assetID, after).
			Order("aggregate_version ASC").
			Limit(replayPageSize).
			Find(&rows).Error
		if err != nil {
			return out, fmt.Errorf("load events for %s: %w", assetID, err)
		}
		for _, row := range rows {
			e := row.ToDomain()
			if incident != nil && e.AggregateVersion >= incident.BrokenVersion {
				return out, nil
			}
			if brk := walker.Step(e); brk != nil {
				out.Break = brk
				return out, nil
			}
			if out.Projection, err = Apply(out.Projection, e); err != nil {
				return out, err
			}
			out.Verified = walker.Verified()
			after = e.AggregateVersion
		}
		if len(rows) < replayPageSize {
			break
		}
	}
	if out.Verified == 0 && incident == nil {
		return out, domain.Errorf(domain.ErrAssetNotFound, "asset %s has no events", assetID)
	}
	return out, nil
}

// Rebuild discards the stored projection of assetID and replaces it with one
// replayed from the ledger. A chain break quarantines the asset: the rebuilt
// projection holds the verified prefix and is marked CORRUPTED.
func (b *Builder) Rebuild(ctx context.Context, assetID string) (domain.Projection, error) {
	start := time.Now()
	defer metrics.Default().Since(metrics.ProjectionRebuilds, start)

	var (
		p   domain.Projection
		err error
	)
	for attempt := 1; ; attempt++ {
		p, err = b.rebuild(ctx, assetID)
		if !errors.Is(err, errLogMoved) || attempt == rebuildAttempts {
			break
		}
		log.Debug().Str("asset_id", assetID).Int("attempt", attempt).Msg("Ledger advanced during rebuild, replaying again")
	}
	if err != nil {
		return domain.Projection{}, err
	}

	log.Info().
		Str("asset_id", assetID).
		Int64("aggregate_version", p.AggregateVersion).
		Str("chain_status", string(p.ChainStatus)).
		Msg("Projection rebuilt")
	return p, nil
}

const rebuildAttempts = 3

// errLogMoved means events were appended between the replay and the save.
var errLogMoved = errors.New("ledger advanced during rebuild")

func (b *Builder) rebuild(ctx context.Context, assetID string) (domain.Projection, error) {
	r, err := b.Replay(ctx, assetID)
	if err != nil {
		return domain.Projection{}, err
	}
	metrics.Default().IncrementCounter(metrics.ProjectionRebuilds)
	return b.commit(ctx, assetID, r)
}

// commit stores the outcome of r unless the ledger grew past r.Verified since
// the replay read it.
func (b *Builder) commit(ctx context.Context, assetID string, r Replay) (domain.Projection, error) {
	p := r.Projection
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// appends lock this row too, so the tip read below stays current
		if _, _, err := LoadForUpdate(tx, assetID); err != nil {
			return err
		}
		if r.Break == nil && r.Incident == nil {
			var tip []int64
			err := tx.Model(&models.AssetEvent{}).
				Where("asset_id = ?", assetID).
				Order("aggregate_version DESC").
				Limit(1).
				Pluck("aggregate_version", &tip).Error
			if err != nil {
				return fmt.Errorf("load tip: %w", err)
			}
			if len(tip) > 0 && tip[0] != r.Verified {
				return errLogMoved
			}
		}
		if err := tx.Where("asset_id = ?", assetID).Delete(&models.AssetProjection{}).Error; err != nil {
			return fmt.Errorf("drop projection: %w", err)
		}
		switch {
		case r.Break != nil:
			entityID, err := entityOf(tx, assetID)
			if err != nil {
				return err
			}
			p, _, err = Quarantine(tx, p, assetID, entityID, r.Break, "rebuild")
			return err
		case r.Incident != nil:
			p = markCorrupted(p, assetID, r.Incident.EntityID)
		}
		return Save(tx, p)
	})
	return p, err
}

// RebuildAll rebuilds every asset present in the ledger. It keeps going past
// per-asset failures and returns how many assets were rebuilt.
func (b *Builder) RebuildAll(ctx context.Context) (int, error) {
	var ids []string
	if err := b.db.WithContext(ctx).Model(&models.AssetEvent{}).Distinct("asset_id").Order("asset_id").Pluck("asset_id", &ids).Error; err != nil {
		return 0, fmt.Errorf("list assets: %w", err)
	}
	var errs []error
	n := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if _, err := b.Rebuild(ctx, id); err != nil {
			log.Error().Err(err).Str("asset_id", id).Msg("Rebuild failed")
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// SignatureCheck adapts a key service to the chain walker.
func SignatureCheck(ctx context.Context, keys signing.KeyService) chain.SignatureCheck {
	if keys == nil {
		return nil
	}
	return func(e domain.Event) error {
		return keys.Verify(ctx, e.EmitterID, []byte(e.EventHash), e.Signature)
	}
}

// Load reads the stored projection of assetID.
func Load(tx *gorm.DB, assetID string) (domain.Projection, bool, error) {
	var row models.AssetProjection
	err := tx.Where("asset_id = ?", assetID).Limit(1).Find(&row).Error
	if err != nil {
		return domain.Projection{}, false, fmt.Errorf("load projection: %w", err)
	}
	if row.AssetID == "" {
		return domain.Projection{}, false, nil
	}
	return row.ToDomain(), true, nil
}

// Save upserts p. A stored CORRUPTED row is never overwritten: a writer that
// read the projection before a concurrent quarantine committed must not flip
// it back to VALID.
func Save(tx *gorm.DB, p domain.Projection) error {
	row := models.ProjectionFromDomain(p)
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "asset_id"}},
		UpdateAll: true,
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "asset_projections.chain_status = ?", Vars: []interface{}{string(domain.ChainValid)}},
		}},
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save projection %s: %w", p.AssetID, err)
	}
	return nil
}

// LoadForUpdate is Load with a row lock on PostgreSQL, held until tx ends.
// SQLite serialises writers on its single connection.
func LoadForUpdate(tx *gorm.DB, assetID string) (domain.Projection, bool, error) {
	if database.IsPostgres(tx) {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return Load(tx, assetID)
}

// EnsureCorrupted stores p, the verified prefix, as CORRUPTED unless the
// stored projection already is. It reports whether it wrote anything.
func EnsureCorrupted(tx *gorm.DB, p domain.Projection, assetID, entityID string) (bool, error) {
	stored, ok, err := LoadForUpdate(tx, assetID)
	if err != nil {
		return false, err
	}
	if ok && stored.Corrupted() {
		return false, nil
	}
	if err := Save(tx, markCorrupted(p, assetID, entityID)); err != nil {
		return false, err
	}
	return true, nil
}

// Quarantine records a chain incident for assetID and stores p, the verified
// prefix, as CORRUPTED. Both writes belong to tx.
func Quarantine(tx *gorm.DB, p domain.Projection, assetID, entityID string, brk *chain.Break, detectedBy string) (domain.Projection, domain.Incident, error) {
	incident := models.ChainIncident{
		ID:            uuid.NewString(),
		AssetID:       assetID,
		EntityID:      entityID,
		BrokenVersion: brk.Version,
		Reason:        string(brk.Reason),
		Detail:        brk.Detail,
		DetectedBy:    detectedBy,
		DetectedAt:    time.Now().UTC(),
	}
	if err := tx.Create(&incident).Error; err != nil {
		return p, domain.Incident{}, fmt.Errorf("record incident: %w", err)
	}

	p = markCorrupted(p, assetID, entityID)
	if err := Save(tx, p); err != nil {
		return p, domain.Incident{}, err
	}

	metrics.Default().IncrementCounter(metrics.ChainBreaks)
	log.Error().
		Str("asset_id", assetID).
		Str("entity_id", entityID).
		Int64("broken_version", brk.Version).
		Str("reason", string(brk.Reason)).
		Str("detail", brk.Detail).
		Str("incident_id", incident.ID).
		Msg("Chain integrity failure, asset quarantined")
	return p, incident.ToDomain(), nil
}

// FirstIncident returns the earliest-version incident recorded for assetID.
func FirstIncident(tx *gorm.DB, assetID string) (*domain.Incident, error) {
	var rows []models.ChainIncident
	err := tx.Where("asset_id = ?", assetID).Order("broken_version ASC").Limit(1).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load incidents: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	i := rows[0].ToDomain()
	return &i, nil
}

func markCorrupted(p domain.Projection, assetID, entityID string) domain.Projection {
	if p.AssetID == "" {
		// broken at genesis: keep an empty, corrupted shell so reads explain why
		p.AssetID = assetID
		p.EntityID = entityID
	}
	p.ChainStatus = domain.ChainCorrupted
	return p
}

func entityOf(tx *gorm.DB, assetID string) (string, error) {
	var row models.AssetEvent
	err := tx.Select("entity_id").Where("asset_id = ?", assetID).Order("aggregate_version ASC").Limit(1).Find(&row).Error
	if err != nil {
		return "", fmt.Errorf("load asset owner: %w", err)
	}
	return row.EntityID, nil
}
