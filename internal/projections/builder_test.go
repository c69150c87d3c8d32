package projections

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"example.com/backstage/services/assetledger/internal/chain"
	"example.com/backstage/services/assetledger/internal/database/dbtest"
	"example.com/backstage/services/assetledger/internal/domain"
	"example.com/backstage/services/assetledger/internal/models"
)

func store(t *testing.T, db *gorm.DB, events []domain.Event) {
	t.Helper()
	for _, e := range events {
		row := models.EventFromDomain(e)
		require.NoError(t, db.Create(&row).Error)
	}
}

func incidents(t *testing.T, db *gorm.DB) []models.ChainIncident {
	t.Helper()
	var rows []models.ChainIncident
	require.NoError(t, db.Order("broken_version").Find(&rows).Error)
	return rows
}

func TestRebuildMatchesIncrementalFold(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	keys := testKeyring(t)
	events := sealed(t, keys, lifecycle()...)
	store(t, db, events)

	incremental := domain.Projection{}
	for _, e := range events {
		var err error
		incremental, err = Apply(incremental, e)
		require.NoError(t, err)
		require.NoError(t, Save(db, incremental))
	}
	before, ok, err := Load(db, "A1")
	require.NoError(t, err)
	require.True(t, ok)

	b := NewBuilder(db, keys)
	rebuilt, err := b.Rebuild(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, incremental, rebuilt)

	after, ok, err := Load(db, "A1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, before, after)

	// a second rebuild reproduces the same row
	_, err = b.Rebuild(ctx, "A1")
	require.NoError(t, err)
	again, _, err := Load(db, "A1")
	require.NoError(t, err)
	assert.Equal(t, after, again)
}

func TestRebuildHaltsAtTamperedPayload(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	keys := testKeyring(t)
	store(t, db, sealed(t, keys, lifecycle()...))

	dbtest.DropEventGuards(t, db)
	require.NoError(t, db.Exec(`UPDATE asset_events SET payload = '{"location_zone":"NOWHERE"}' WHERE asset_id = 'A1' AND aggregate_version = 3`).Error)

	p, err := NewBuilder(db, keys).Rebuild(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, domain.ChainCorrupted, p.ChainStatus)
	assert.Equal(t, int64(2), p.AggregateVersion)
	assert.Equal(t, "YARD", p.LocationZone)

	rows := incidents(t, db)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(3), rows[0].BrokenVersion)
	assert.Equal(t, string(chain.ReasonHashMismatch), rows[0].Reason)
	assert.Equal(t, "rebuild", rows[0].DetectedBy)

	stored, _, err := Load(db, "A1")
	require.NoError(t, err)
	assert.True(t, stored.Corrupted())
	assert.Equal(t, int64(2), stored.AggregateVersion)
}

func TestRebuildAtGenesisBreak(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	keys := testKeyring(t)
	store(t, db, sealed(t, keys, lifecycle()[:2]...))

	dbtest.DropEventGuards(t, db)
	require.NoError(t, db.Exec(`UPDATE asset_events SET payload = '{"name":"Forged","category":"pump"}' WHERE aggregate_version = 1`).Error)

	p, err := NewBuilder(db, keys).Rebuild(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, domain.ChainCorrupted, p.ChainStatus)
	assert.Equal(t, int64(0), p.AggregateVersion)
	assert.Equal(t, "A1", p.AssetID)
	assert.Empty(t, p.Name)
}

func TestRebuildDetectsForgedSignature(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	keys := testKeyring(t)
	events := sealed(t, keys, lifecycle()[:3]...)
	// signed with the wrong emitter's key; hashes stay intact
	forged, err := keys.Sign(ctx, "someone-else", []byte(events[1].EventHash))
	require.NoError(t, err)
	events[1].Signature = forged
	store(t, db, events)

	p, err := NewBuilder(db, keys).Rebuild(ctx, "A1")
	require.NoError(t, err)
	assert.True(t, p.Corrupted())
	assert.Equal(t, int64(1), p.AggregateVersion)

	rows := incidents(t, db)
	require.Len(t, rows, 1)
	assert.Equal(t, string(chain.ReasonSignatureInvalid), rows[0].Reason)
}

func TestRebuildKeepsRecordedIncident(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	keys := testKeyring(t)
	store(t, db, sealed(t, keys, lifecycle()...))

	_, _, err := Quarantine(db, domain.Projection{}, "A1", "tenant-1", &chain.Break{Version: 4, Reason: chain.ReasonHashMismatch, Detail: "test"}, "audit")
	require.NoError(t, err)

	// the chain verifies today, but a recorded break is permanent
	p, err := NewBuilder(db, keys).Rebuild(ctx, "A1")
	require.NoError(t, err)
	assert.True(t, p.Corrupted())
	assert.Equal(t, int64(3), p.AggregateVersion)
	assert.Len(t, incidents(t, db), 1)
}

func TestRebuildUnknownAsset(t *testing.T) {
	db := dbtest.Open(t)
	_, err := NewBuilder(db, nil).Rebuild(context.Background(), "ghost")
	assert.True(t, errors.Is(err, domain.ErrAssetNotFound))
}

func TestRebuildAll(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	keys := testKeyring(t)
	store(t, db, sealed(t, keys, lifecycle()[:2]...))

	n, err := NewBuilder(db, keys).RebuildAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, ok, err := Load(db, "A1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), p.AggregateVersion)
}

func TestSaveNeverClearsCorruption(t *testing.T) {
	db := dbtest.Open(t)
	events := sealed(t, nil, lifecycle()[:3]...)

	v2, err := Fold(events[:2])
	require.NoError(t, err)
	_, _, err = Quarantine(db, v2, "A1", "tenant-1", &chain.Break{Version: 3, Reason: chain.ReasonHashMismatch, Detail: "test"}, "audit")
	require.NoError(t, err)

	// a writer that loaded the row before the quarantine committed
	v3, err := Fold(events)
	require.NoError(t, err)
	require.NoError(t, Save(db, v3))

	stored, ok, err := Load(db, "A1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, stored.Corrupted())
	assert.Equal(t, int64(2), stored.AggregateVersion)
}

func TestEnsureCorrupted(t *testing.T) {
	db := dbtest.Open(t)
	events := sealed(t, nil, lifecycle()[:2]...)
	p, err := Fold(events)
	require.NoError(t, err)
	require.NoError(t, Save(db, p))

	wrote, err := EnsureCorrupted(db, p, "A1", "tenant-1")
	require.NoError(t, err)
	assert.True(t, wrote)

	stored, _, err := Load(db, "A1")
	require.NoError(t, err)
	assert.True(t, stored.Corrupted())
	assert.Equal(t, int64(2), stored.AggregateVersion)

	wrote, err = EnsureCorrupted(db, p, "A1", "tenant-1")
	require.NoError(t, err)
	assert.False(t, wrote)

	// no row at all gets a corrupted shell
	wrote, err = EnsureCorrupted(db, domain.Projection{}, "A2", "tenant-1")
	require.NoError(t, err)
	assert.True(t, wrote)
	shell, ok, err := Load(db, "A2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, shell.Corrupted())
	assert.Equal(t, "tenant-1", shell.EntityID)
}

func TestRebuildDoesNotStoreStaleReplay(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	keys := testKeyring(t)
	events := sealed(t, keys, lifecycle()[:3]...)
	store(t, db, events[:2])

	b := NewBuilder(db, keys)
	r, err := b.Replay(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, int64(2), r.Verified)

	// an append lands between the replay and the save
	store(t, db, events[2:])
	v3, err := Fold(events)
	require.NoError(t, err)
	require.NoError(t, Save(db, v3))

	_, err = b.commit(ctx, "A1", r)
	assert.ErrorIs(t, err, errLogMoved)

	stored, _, err := Load(db, "A1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.AggregateVersion)

	// Rebuild replays again and lands on the tip
	p, err := b.Rebuild(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.AggregateVersion)
}

func TestLoadForUpdateLocksRowOnPostgres(t *testing.T) {
	sqlDB, smock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	require.NoError(t, err)

	smock.ExpectQuery(`SELECT \* FROM "asset_projections" WHERE asset_id = .* FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"asset_id", "entity_id", "aggregate_version", "chain_status"}).
			AddRow("A1", "tenant-1", 2, string(domain.ChainValid)))

	p, ok, err := LoadForUpdate(db, "A1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), p.AggregateVersion)
	assert.NoError(t, smock.ExpectationsWereMet())
}
