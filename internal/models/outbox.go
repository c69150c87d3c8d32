package models

import "time"

// Outbox delivery states.
const (
	OutboxPending = "PENDING"
	OutboxSent    = "SENT"
	OutboxFailed  = "FAILED"
)

// OutboxEntry is written in the same transaction as the event it announces.
type OutboxEntry struct {
	ID            string     `gorm:"primaryKey;column:id"`
	EventID       string     `gorm:"column:event_id;not null"`
	EntityID      string     `gorm:"column:entity_id;not null"`
	AssetID       string     `gorm:"column:asset_id;not null"`
	Topic         string     `gorm:"column:topic;not null"`
	Payload       string     `gorm:"column:payload;not null"`
	Status        string     `gorm:"column:status;not null"`
	Attempts      int        `gorm:"column:attempts;not null"`
	NextAttemptAt time.Time  `gorm:"column:next_attempt_at;not null"`
	LastError     string     `gorm:"column:last_error"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at"`
	SentAt        *time.Time `gorm:"column:sent_at"`
}

func (OutboxEntry) TableName() string { return "outbox_entries" }
