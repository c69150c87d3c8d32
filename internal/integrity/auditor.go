// Package integrity re-verifies stored chains and handles the forensic
// follow-up of a break.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/assetledger/internal/chain"
	"example.com/backstage/services/assetledger/internal/domain"
	"example.com/backstage/services/assetledger/internal/metrics"
	"example.com/backstage/services/assetledger/internal/models"
	"example.com/backstage/services/assetledger/internal/projections"
	"example.com/backstage/services/assetledger/internal/signing"
)

const (
	DefaultBatchSize = 100
	detectedBy       = "audit"
)

// Invalidator drops cached projections after a quarantine.
type Invalidator interface {
	Invalidate(ctx context.Context, assetID string)
}

// Result is the outcome of auditing one asset.
type Result struct {
	AssetID     string             `json:"asset_id"`
	EntityID    string             `json:"entity_id"`
	Valid       bool               `json:"valid"`
	ChainStatus domain.ChainStatus `json:"chain_status"`
	Verified    int64              `json:"verified_version"`
	Break       *chain.Break       `json:"-"`
	Incident    *domain.Incident   `json:"incident,omitempty"`
}

// Summary counts the outcomes of a full audit pass.
type Summary struct {
	Audited   int `json:"audited"`
	Corrupted int `json:"corrupted"`
	Failed    int `json:"failed"`
}

// Auditor re-reads events, recomputes every hash and re-verifies every
// signature. A break opens a permanent incident and flips the projection to
// CORRUPTED at the last verified version.
type Auditor struct {
	db        *gorm.DB
	builder   *projections.Builder
	cache     Invalidator
	batchSize int
}

func NewAuditor(db *gorm.DB, keys signing.KeyService, cache Invalidator, batchSize int) *Auditor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Auditor{
		db:        db,
		builder:   projections.NewBuilder(db, keys),
		cache:     cache,
		batchSize: batchSize,
	}
}

// VerifyAsset audits one asset.
func (a *Auditor) VerifyAsset(ctx context.Context, assetID string) (Result, error) {
	start := time.Now()
	defer metrics.Default().Since(metrics.AuditRuns, start)
	metrics.Default().IncrementCounter(metrics.AuditRuns)

	res := Result{AssetID: assetID, ChainStatus: domain.ChainValid}
	r, err := a.builder.Replay(ctx, assetID)
	if err != nil {
		return res, err
	}
	res.EntityID = r.Projection.EntityID
	res.Verified = r.Verified

	switch {
	case r.Incident != nil:
		// already quarantined; the recorded incident stands and the
		// projection must say so
		res.ChainStatus = domain.ChainCorrupted
		res.Incident = r.Incident
		res.EntityID = r.Incident.EntityID
		var remarked bool
		err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			remarked, err = projections.EnsureCorrupted(tx, r.Projection, assetID, r.Incident.EntityID)
			return err
		})
		if err != nil {
			return res, fmt.Errorf("mark %s corrupted: %w", assetID, err)
		}
		if remarked {
			log.Warn().
				Str("asset_id", assetID).
				Str("incident_id", r.Incident.ID).
				Msg("Quarantined asset had a VALID projection, marked CORRUPTED again")
			if a.cache != nil {
				a.cache.Invalidate(ctx, assetID)
			}
		}
		return res, nil
	case r.Break == nil:
		res.Valid = true
		log.Debug().Str("asset_id", assetID).Int64("verified_version", r.Verified).Msg("Chain verified")
		return res, nil
	}

	res.Break = r.Break
	res.ChainStatus = domain.ChainCorrupted
	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := projections.FirstIncident(tx, assetID)
		if err != nil {
			return err
		}
		if existing != nil {
			// another auditor got here first
			res.Incident = existing
			return nil
		}
		entityID := res.EntityID
		if entityID == "" {
			if entityID, err = ownerOf(tx, assetID); err != nil {
				return err
			}
		}
		_, incident, err := projections.Quarantine(tx, r.Projection, assetID, entityID, r.Break, detectedBy)
		if err != nil {
			return err
		}
		res.EntityID = entityID
		res.Incident = &incident
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("quarantine %s: %w", assetID, err)
	}
	if a.cache != nil {
		a.cache.Invalidate(ctx, assetID)
	}
	return res, nil
}

// VerifyAll audits every asset whose projection is still VALID, then every
// asset in the ledger that has no projection row at all, in batches ordered by
// asset id. Failures on one asset do not stop the pass.
func (a *Auditor) VerifyAll(ctx context.Context) (Summary, error) {
	var (
		sum  Summary
		errs []error
	)

	valid := func(tx *gorm.DB, last string) *gorm.DB {
		return tx.Model(&models.AssetProjection{}).
			Where("chain_status = ? AND asset_id > ?", string(domain.ChainValid), last)
	}
	unprojected := func(tx *gorm.DB, last string) *gorm.DB {
		return tx.Model(&models.AssetEvent{}).
			Distinct("asset_id").
			Where("asset_id > ? AND asset_id NOT IN (?)", last,
				tx.Session(&gorm.Session{NewDB: true}).Model(&models.AssetProjection{}).Select("asset_id"))
	}

	for _, list := range []func(*gorm.DB, string) *gorm.DB{valid, unprojected} {
		if err := a.auditBatches(ctx, list, &sum, &errs); err != nil {
			return sum, err
		}
	}

	log.Info().
		Int("audited", sum.Audited).
		Int("corrupted", sum.Corrupted).
		Int("failed", sum.Failed).
		Msg("Chain audit finished")
	return sum, errors.Join(errs...)
}

// auditBatches pages through the asset ids selected by list and audits each.
func (a *Auditor) auditBatches(ctx context.Context, list func(*gorm.DB, string) *gorm.DB, sum *Summary, errs *[]error) error {
	last := ""
	for {
		var ids []string
		err := list(a.db.WithContext(ctx), last).
			Order("asset_id ASC").
			Limit(a.batchSize).
			Pluck("asset_id", &ids).Error
		if err != nil {
			return fmt.Errorf("list assets: %w", err)
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := a.VerifyAsset(ctx, id)
			if err != nil {
				sum.Failed++
				log.Error().Err(err).Str("asset_id", id).Msg("Audit failed")
				*errs = append(*errs, fmt.Errorf("%s: %w", id, err))
				continue
			}
			sum.Audited++
			if !res.Valid {
				sum.Corrupted++
			}
		}
		if len(ids) < a.batchSize {
			return nil
		}
		last = ids[len(ids)-1]
	}
}

func ownerOf(tx *gorm.DB, assetID string) (string, error) {
	var ids []string
	err := tx.Model(&models.AssetEvent{}).
		Where("asset_id = ?", assetID).
		Order("aggregate_version ASC").
		Limit(1).
		Pluck("entity_id", &ids).Error
	if err != nil {
		return "", fmt.Errorf("load asset owner: %w", err)
	}
	if len(ids) == 0 {
		return "", domain.Errorf(domain.ErrAssetNotFound, "asset %s not found", assetID)
	}
	return ids[0], nil
}
