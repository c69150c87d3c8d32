package database

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"example.com/backstage/services/assetledger/internal/metrics"
	"example.com/backstage/services/assetledger/internal/models"
)

// appendOnlyTables may only ever be inserted into through gorm.
var appendOnlyTables = map[string]bool{
	models.AssetEvent{}.TableName():    true,
	models.ChainIncident{}.TableName(): true,
}

// RegisterAppendOnlyGuard rejects gorm updates and deletes against the
// ledger tables, including ones issued with db.Table that skip model hooks.
// The database triggers and grants are the real barrier; this catches
// mistakes before a round trip.
func RegisterAppendOnlyGuard(db *gorm.DB) error {
	guard := func(tx *gorm.DB) {
		table := tx.Statement.Table
		if table == "" && tx.Statement.Schema != nil {
			table = tx.Statement.Schema.Table
		}
		if appendOnlyTables[table] {
			_ = tx.AddError(fmt.Errorf("%s: %w", table, models.ErrAppendOnly))
		}
	}
	if err := db.Callback().Update().Before("gorm:update").Register("ledger:append_only_update", guard); err != nil {
		return err
	}
	return db.Callback().Delete().Before("gorm:delete").Register("ledger:append_only_delete", guard)
}

// RegisterDurationHooks times every gorm operation into the metrics collector.
func RegisterDurationHooks(db *gorm.DB) {
	start := func(tx *gorm.DB) { tx.InstanceSet("ledger:start_time", time.Now()) }
	finish := func(tx *gorm.DB) {
		if v, ok := tx.InstanceGet("ledger:start_time"); ok {
			metrics.Default().Since(metrics.DBQuery, v.(time.Time))
		}
		metrics.Default().RecordOutcome(metrics.DBQuery, ignoreNotFound(tx.Error))
	}

	_ = db.Callback().Create().Before("gorm:create").Register("metrics:create_start", start)
	_ = db.Callback().Create().After("gorm:create").Register("metrics:create", finish)
	_ = db.Callback().Query().Before("gorm:query").Register("metrics:query_start", start)
	_ = db.Callback().Query().After("gorm:query").Register("metrics:query", finish)
	_ = db.Callback().Update().Before("gorm:update").Register("metrics:update_start", start)
	_ = db.Callback().Update().After("gorm:update").Register("metrics:update", finish)
	_ = db.Callback().Raw().Before("gorm:raw").Register("metrics:raw_start", start)
	_ = db.Callback().Raw().After("gorm:raw").Register("metrics:raw", finish)
}

func ignoreNotFound(err error) error {
	if err == gorm.ErrRecordNotFound {
		return nil
	}
	return err
}
