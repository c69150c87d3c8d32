package models

import "time"

// IdempotencyKey stores the response of a completed append so a retry with
// the same key replays it. Keys are scoped per entity.
type IdempotencyKey struct {
	EntityID     string    `gorm:"primaryKey;column:entity_id"`
	Key          string    `gorm:"primaryKey;column:idempotency_key"`
	RequestHash  string    `gorm:"column:request_hash;not null"`
	AssetID      string    `gorm:"column:asset_id;not null"`
	EventID      string    `gorm:"column:event_id;not null"`
	ResponseJSON string    `gorm:"column:response_json;not null"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (IdempotencyKey) TableName() string { return "idempotency_keys" }
