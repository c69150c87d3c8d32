package models

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"example.com/backstage/services/assetledger/internal/domain"
)

// ErrAppendOnly is returned by hooks when code tries to rewrite history.
var ErrAppendOnly = errors.New("append-only table: update and delete are not permitted")

// AssetEvent is one row of the ledger. Payload holds the canonical bytes
// exactly as hashed, so it is stored as text rather than a JSON column type.
type AssetEvent struct {
	EventID          string    `gorm:"primaryKey;column:event_id"`
	AssetID          string    `gorm:"column:asset_id;not null"`
	EntityID         string    `gorm:"column:entity_id;not null"`
	AggregateVersion int64     `gorm:"column:aggregate_version;not null"`
	EventType        string    `gorm:"column:event_type;not null"`
	EmitterClass     string    `gorm:"column:emitter_class;not null"`
	EmitterID        string    `gorm:"column:emitter_id;not null"`
	OccurredAt       time.Time `gorm:"column:occurred_at;not null"`
	EvidencePolicy   string    `gorm:"column:evidence_policy;not null"`
	EvidenceHash     string    `gorm:"column:evidence_hash;not null"`
	WaiverReason     string    `gorm:"column:waiver_reason"`
	Payload          string    `gorm:"column:payload;not null"`
	PrevEventHash    string    `gorm:"column:prev_event_hash;not null"`
	EventHash        string    `gorm:"column:event_hash;not null"`
	Signature        string    `gorm:"column:signature;not null"`
	RegistryVersion  string    `gorm:"column:registry_version;not null"`
	CreatedAt        time.Time `gorm:"column:created_at"`
}

func (AssetEvent) TableName() string { return "asset_events" }

func (e *AssetEvent) BeforeUpdate(*gorm.DB) error { return ErrAppendOnly }
func (e *AssetEvent) BeforeDelete(*gorm.DB) error { return ErrAppendOnly }

// ToDomain converts the row into the event envelope.
func (e AssetEvent) ToDomain() domain.Event {
	return domain.Event{
		EventID:          e.EventID,
		AssetID:          e.AssetID,
		EntityID:         e.EntityID,
		AggregateVersion: e.AggregateVersion,
		EventType:        e.EventType,
		EmitterClass:     domain.EmitterClass(e.EmitterClass),
		EmitterID:        e.EmitterID,
		OccurredAt:       e.OccurredAt.UTC(),
		Evidence: domain.Evidence{
			Policy:       domain.EvidencePolicy(e.EvidencePolicy),
			EvidenceHash: e.EvidenceHash,
			WaiverReason: e.WaiverReason,
		},
		Payload:         []byte(e.Payload),
		PrevEventHash:   e.PrevEventHash,
		EventHash:       e.EventHash,
		Signature:       e.Signature,
		RegistryVersion: e.RegistryVersion,
	}
}

// EventFromDomain builds the row for a sealed envelope.
func EventFromDomain(e domain.Event) AssetEvent {
	return AssetEvent{
		EventID:          e.EventID,
		AssetID:          e.AssetID,
		EntityID:         e.EntityID,
		AggregateVersion: e.AggregateVersion,
		EventType:        e.EventType,
		EmitterClass:     string(e.EmitterClass),
		EmitterID:        e.EmitterID,
		OccurredAt:       e.OccurredAt,
		EvidencePolicy:   string(e.Evidence.Policy),
		EvidenceHash:     e.Evidence.EvidenceHash,
		WaiverReason:     e.Evidence.WaiverReason,
		Payload:          string(e.Payload),
		PrevEventHash:    e.PrevEventHash,
		EventHash:        e.EventHash,
		Signature:        e.Signature,
		RegistryVersion:  e.RegistryVersion,
	}
}

// ChainIncident is the permanent record of a detected chain break. Its
// presence quarantines the asset even if projections are dropped.
type ChainIncident struct {
	ID            string    `gorm:"primaryKey;column:id"`
	AssetID       string    `gorm:"column:asset_id;not null"`
	EntityID      string    `gorm:"column:entity_id;not null"`
	BrokenVersion int64     `gorm:"column:broken_version;not null"`
	Reason        string    `gorm:"column:reason;not null"`
	Detail        string    `gorm:"column:detail"`
	DetectedBy    string    `gorm:"column:detected_by;not null"`
	DetectedAt    time.Time `gorm:"column:detected_at;not null"`
}

func (ChainIncident) TableName() string { return "chain_incidents" }

func (i *ChainIncident) BeforeUpdate(*gorm.DB) error { return ErrAppendOnly }
func (i *ChainIncident) BeforeDelete(*gorm.DB) error { return ErrAppendOnly }

func (i ChainIncident) ToDomain() domain.Incident {
	return domain.Incident{
		ID:            i.ID,
		AssetID:       i.AssetID,
		EntityID:      i.EntityID,
		BrokenVersion: i.BrokenVersion,
		Reason:        i.Reason,
		Detail:        i.Detail,
		DetectedBy:    i.DetectedBy,
		DetectedAt:    i.DetectedAt.UTC(),
	}
}
