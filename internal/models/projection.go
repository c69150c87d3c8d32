package models

import (
	"encoding/json"
	"time"

	"example.com/backstage/services/assetledger/internal/domain"
)

// AssetProjection is the derived read model. It is never a source of truth
// and may be dropped and rebuilt from asset_events at any time.
type AssetProjection struct {
	AssetID                string     `gorm:"primaryKey;column:asset_id"`
	EntityID               string     `gorm:"column:entity_id;not null"`
	AggregateVersion       int64      `gorm:"column:aggregate_version;not null"`
	Status                 string     `gorm:"column:status"`
	Name                   string     `gorm:"column:name"`
	Category               string     `gorm:"column:category"`
	SerialNumber           string     `gorm:"column:serial_number"`
	Condition              string     `gorm:"column:condition"`
	CustodianID            string     `gorm:"column:custodian_id"`
	LocationZone           string     `gorm:"column:location_zone"`
	LastScanAt             *time.Time `gorm:"column:last_scan_at"`
	LastInspectionAt       *time.Time `gorm:"column:last_inspection_at"`
	LastEvidenceHash       string     `gorm:"column:last_evidence_hash"`
	LastEvidenceAt         *time.Time `gorm:"column:last_evidence_at"`
	ConfidenceBps          int64      `gorm:"column:confidence_bps"`
	ConfidenceSource       string     `gorm:"column:confidence_source"`
	RequiresReverification bool       `gorm:"column:requires_reverification"`
	SyncStatus             string     `gorm:"column:sync_status"`
	LedgerRefID            string     `gorm:"column:ledger_ref_id"`
	SuccessorOf            string     `gorm:"column:successor_of"`
	ChainStatus            string     `gorm:"column:chain_status;not null"`
	LastEventHash          string     `gorm:"column:last_event_hash"`
	LastPrevHash           string     `gorm:"column:last_prev_hash"`
	State                  string     `gorm:"column:state"`
	UpdatedAt              time.Time  `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (AssetProjection) TableName() string { return "asset_projections" }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func (p AssetProjection) ToDomain() domain.Projection {
	out := domain.Projection{
		AssetID:                p.AssetID,
		EntityID:               p.EntityID,
		AggregateVersion:       p.AggregateVersion,
		Status:                 p.Status,
		Name:                   p.Name,
		Category:               p.Category,
		SerialNumber:           p.SerialNumber,
		Condition:              p.Condition,
		CustodianID:            p.CustodianID,
		LocationZone:           p.LocationZone,
		LastScanAt:             utcPtr(p.LastScanAt),
		LastInspectionAt:       utcPtr(p.LastInspectionAt),
		LastEvidenceHash:       p.LastEvidenceHash,
		LastEvidenceAt:         utcPtr(p.LastEvidenceAt),
		ConfidenceBps:          p.ConfidenceBps,
		ConfidenceSource:       p.ConfidenceSource,
		RequiresReverification: p.RequiresReverification,
		SyncStatus:             p.SyncStatus,
		LedgerRefID:            p.LedgerRefID,
		SuccessorOf:            p.SuccessorOf,
		ChainStatus:            domain.ChainStatus(p.ChainStatus),
		LastEventHash:          p.LastEventHash,
		LastPrevHash:           p.LastPrevHash,
		UpdatedAt:              p.UpdatedAt.UTC(),
	}
	if p.State != "" {
		out.State = json.RawMessage(p.State)
	}
	return out
}

func ProjectionFromDomain(p domain.Projection) AssetProjection {
	return AssetProjection{
		AssetID:                p.AssetID,
		EntityID:               p.EntityID,
		AggregateVersion:       p.AggregateVersion,
		Status:                 p.Status,
		Name:                   p.Name,
		Category:               p.Category,
		SerialNumber:           p.SerialNumber,
		Condition:              p.Condition,
		CustodianID:            p.CustodianID,
		LocationZone:           p.LocationZone,
		LastScanAt:             p.LastScanAt,
		LastInspectionAt:       p.LastInspectionAt,
		LastEvidenceHash:       p.LastEvidenceHash,
		LastEvidenceAt:         p.LastEvidenceAt,
		ConfidenceBps:          p.ConfidenceBps,
		ConfidenceSource:       p.ConfidenceSource,
		RequiresReverification: p.RequiresReverification,
		SyncStatus:             p.SyncStatus,
		LedgerRefID:            p.LedgerRefID,
		SuccessorOf:            p.SuccessorOf,
		ChainStatus:            string(p.ChainStatus),
		LastEventHash:          p.LastEventHash,
		LastPrevHash:           p.LastPrevHash,
		State:                  string(p.State),
		UpdatedAt:              p.UpdatedAt,
	}
}
