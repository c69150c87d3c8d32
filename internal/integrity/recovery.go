package integrity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/assetledger/internal/chain"
	"example.com/backstage/services/assetledger/internal/domain"
	"example.com/backstage/services/assetledger/internal/projections"
)

// RecoveryEmitterID is the SYSTEM identity that opens successor assets.
const RecoveryEmitterID = "integrity-recovery"

// Appender is the write side of the event store.
type Appender interface {
	Append(ctx context.Context, cmd domain.Command) (domain.Receipt, error)
}

// Recovery opens successor assets for quarantined ones. The corrupted asset
// stays read-only; its successor starts a fresh chain that points back at
// the last verified link.
type Recovery struct {
	db    *gorm.DB
	store Appender
}

func NewRecovery(db *gorm.DB, store Appender) *Recovery {
	return &Recovery{db: db, store: store}
}

type successorPayload struct {
	PredecessorAssetID   string `json:"predecessor_asset_id"`
	PredecessorVersion   int64  `json:"predecessor_version"`
	PredecessorEventHash string `json:"predecessor_event_hash"`
	IncidentID           string `json:"incident_id"`
	Name                 string `json:"name,omitempty"`
	Category             string `json:"category,omitempty"`
	SerialNumber         string `json:"serial_number,omitempty"`
	LocationZone         string `json:"location_zone,omitempty"`
	CustodianID          string `json:"custodian_id,omitempty"`
	Reason               string `json:"reason,omitempty"`
}

// OpenSuccessor appends ASSET_SUCCESSOR_OPENED as version 1 of newAssetID.
// Retrying with the same ids returns the original receipt.
func (r *Recovery) OpenSuccessor(ctx context.Context, entityID, corruptedAssetID, newAssetID string) (domain.Receipt, error) {
	if corruptedAssetID == newAssetID {
		return domain.Receipt{}, domain.Errorf(domain.ErrInvalidRequest, "successor must use a new asset id")
	}

	db := r.db.WithContext(ctx)
	p, ok, err := projections.Load(db, corruptedAssetID)
	if err != nil {
		return domain.Receipt{}, err
	}
	if !ok || p.EntityID != entityID {
		return domain.Receipt{}, domain.Errorf(domain.ErrAssetNotFound, "asset %s not found", corruptedAssetID)
	}
	if !p.Corrupted() {
		return domain.Receipt{}, domain.Errorf(domain.ErrInvalidRequest, "asset %s is not corrupted", corruptedAssetID)
	}
	incident, err := projections.FirstIncident(db, corruptedAssetID)
	if err != nil {
		return domain.Receipt{}, err
	}
	if incident == nil {
		return domain.Receipt{}, fmt.Errorf("asset %s is corrupted without a recorded incident", corruptedAssetID)
	}

	lastHash := p.LastEventHash
	if p.AggregateVersion == 0 {
		lastHash = chain.GenesisHash
	}
	payload, err := json.Marshal(successorPayload{
		PredecessorAssetID:   corruptedAssetID,
		PredecessorVersion:   p.AggregateVersion,
		PredecessorEventHash: lastHash,
		IncidentID:           incident.ID,
		Name:                 p.Name,
		Category:             p.Category,
		SerialNumber:         p.SerialNumber,
		LocationZone:         p.LocationZone,
		CustodianID:          p.CustodianID,
		Reason:               fmt.Sprintf("%s at version %d", incident.Reason, incident.BrokenVersion),
	})
	if err != nil {
		return domain.Receipt{}, err
	}

	receipt, err := r.store.Append(ctx, domain.Command{
		EntityID:        entityID,
		AssetID:         newAssetID,
		ExpectedVersion: 0,
		EventType:       domain.AssetSuccessorOpened,
		Emitter:         domain.Emitter{Class: domain.EmitterSystem, ID: RecoveryEmitterID},
		Evidence:        domain.Evidence{Policy: domain.EvidenceOptional, EvidenceHash: chain.NoEvidenceHash},
		Payload:         payload,
		IdempotencyKey:  fmt.Sprintf("successor:%s:%s", corruptedAssetID, newAssetID),
	})
	if err != nil {
		return receipt, err
	}

	log.Info().
		Str("asset_id", newAssetID).
		Str("predecessor_asset_id", corruptedAssetID).
		Int64("predecessor_version", p.AggregateVersion).
		Str("incident_id", incident.ID).
		Msg("Successor asset opened")
	return receipt, nil
}
