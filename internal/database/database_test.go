package database_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"example.com/backstage/services/assetledger/internal/database"
	"example.com/backstage/services/assetledger/internal/database/dbtest"
	"example.com/backstage/services/assetledger/internal/models"
)

func seedEvent(t *testing.T, db *gorm.DB, id string, version int64) models.AssetEvent {
	t.Helper()
	row := models.AssetEvent{
		EventID:          id,
		AssetID:          "A1",
		EntityID:         "tenant-1",
		AggregateVersion: version,
		EventType:        "SCAN_RECORDED",
		EmitterClass:     "SYSTEM",
		EmitterID:        "scanner-1",
		OccurredAt:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		EvidencePolicy:   "OPTIONAL",
		EvidenceHash:     "sha256:00",
		Payload:          `{"location_zone":"Z1"}`,
		PrevEventHash:    "sha256:00",
		EventHash:        "sha256:11",
		Signature:        "ed25519:AA==",
		RegistryVersion:  "1.1.0",
	}
	require.NoError(t, db.Create(&row).Error)
	return row
}

func TestMigrationsAreRepeatable(t *testing.T) {
	db := dbtest.Open(t)
	assert.NoError(t, database.RunMigrations(context.Background(), db))
}

func TestGormRefusesToRewriteEvents(t *testing.T) {
	db := dbtest.Open(t)
	row := seedEvent(t, db, "e1", 1)

	err := db.Model(&row).Update("payload", `{"location_zone":"ELSEWHERE"}`).Error
	assert.True(t, errors.Is(err, models.ErrAppendOnly), "got %v", err)

	err = db.Table("asset_events").Where("event_id = ?", "e1").Update("payload", "{}").Error
	assert.True(t, errors.Is(err, models.ErrAppendOnly), "got %v", err)

	err = db.Delete(&row).Error
	assert.True(t, errors.Is(err, models.ErrAppendOnly), "got %v", err)
}

func TestTriggersRefuseRawRewrites(t *testing.T) {
	db := dbtest.Open(t)
	seedEvent(t, db, "e1", 1)

	err := db.Exec("UPDATE asset_events SET payload = '{}' WHERE event_id = 'e1'").Error
	assert.ErrorContains(t, err, "append-only")

	err = db.Exec("DELETE FROM asset_events WHERE event_id = 'e1'").Error
	assert.ErrorContains(t, err, "append-only")

	var stored models.AssetEvent
	require.NoError(t, db.First(&stored, "event_id = ?", "e1").Error)
	assert.Equal(t, `{"location_zone":"Z1"}`, stored.Payload)
}

func TestDuplicateVersionIsUniqueViolation(t *testing.T) {
	db := dbtest.Open(t)
	seedEvent(t, db, "e1", 1)

	dup := models.AssetEvent{
		EventID: "e2", AssetID: "A1", EntityID: "tenant-1", AggregateVersion: 1,
		EventType: "SCAN_RECORDED", EmitterClass: "SYSTEM", EmitterID: "s", OccurredAt: time.Now().UTC(),
		EvidencePolicy: "OPTIONAL", EvidenceHash: "x", Payload: "{}", PrevEventHash: "x",
		EventHash: "y", Signature: "z", RegistryVersion: "1.1.0",
	}
	err := db.Create(&dup).Error
	require.Error(t, err)
	assert.True(t, database.IsUniqueViolation(err), "got %v", err)
	assert.False(t, database.IsUniqueViolation(errors.New("connection reset")))
	assert.False(t, database.IsUniqueViolation(nil))
}

func TestNotifyIsNoopOnSQLite(t *testing.T) {
	db := dbtest.Open(t)
	assert.NoError(t, database.Notify(db, "outbox_pending", "x"))
	assert.False(t, database.IsPostgres(db))
}
