package outbox

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"example.com/backstage/services/assetledger/internal/chain"
	"example.com/backstage/services/assetledger/internal/database/dbtest"
	"example.com/backstage/services/assetledger/internal/domain"
	"example.com/backstage/services/assetledger/internal/models"
)

type mockDeliverer struct {
	mock.Mock
}

func (m *mockDeliverer) Deliver(_ context.Context, entry models.OutboxEntry) error {
	return m.Called(entry.EventID).Error(0)
}

type clock struct{ now time.Time }

func newClock() *clock {
	return &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testEvent(id string) domain.Event {
	return domain.Event{
		EventID:          id,
		AssetID:          "A1",
		EntityID:         "tenant-1",
		AggregateVersion: 1,
		EventType:        domain.AssetRegistered,
		EmitterClass:     domain.EmitterHuman,
		EmitterID:        "user-1",
		Evidence:         domain.Evidence{Policy: domain.EvidenceOptional, EvidenceHash: chain.NoEvidenceHash},
		Payload:          []byte(`{"category":"vehicle","name":"Forklift 2"}`),
		PrevEventHash:    chain.GenesisHash,
		EventHash:        "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
	}
}

func seedEntries(t *testing.T, db *gorm.DB, c *clock, topic string, eventIDs ...string) {
	t.Helper()
	for _, id := range eventIDs {
		entries, err := NewEntries(testEvent(id), []string{topic}, c.Now())
		require.NoError(t, err)
		require.NoError(t, db.Create(&entries).Error)
	}
}

func entryFor(t *testing.T, db *gorm.DB, eventID string) models.OutboxEntry {
	t.Helper()
	var e models.OutboxEntry
	require.NoError(t, db.Where("event_id = ?", eventID).First(&e).Error)
	return e
}

func TestBackoff(t *testing.T) {
	base, max := 2*time.Second, time.Minute
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute},
		{60, time.Minute},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Backoff(tc.attempts, base, max), "attempts=%d", tc.attempts)
	}
}

func TestDispatchDeliversAndMarksSent(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	c := newClock()
	seedEntries(t, db, c, TopicWebhook, "e1", "e2")

	d := &mockDeliverer{}
	d.On("Deliver", "e1").Return(nil).Once()
	d.On("Deliver", "e2").Return(nil).Once()

	disp := NewDispatcher(db, map[string]Deliverer{TopicWebhook: d}, Options{Now: c.Now})
	n, err := disp.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	d.AssertExpectations(t)

	for _, id := range []string{"e1", "e2"} {
		e := entryFor(t, db, id)
		assert.Equal(t, models.OutboxSent, e.Status)
		assert.Equal(t, 1, e.Attempts)
		assert.NotNil(t, e.SentAt)
		assert.Empty(t, e.LastError)
	}

	// nothing left to do
	n, err = disp.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDispatchRetriesWithBackoffThenFails(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	c := newClock()
	seedEntries(t, db, c, TopicWebhook, "e1")

	d := &mockDeliverer{}
	d.On("Deliver", "e1").Return(errors.New("receiver down"))

	disp := NewDispatcher(db, map[string]Deliverer{TopicWebhook: d}, Options{
		MaxAttempts: 3,
		BaseBackoff: 10 * time.Second,
		MaxBackoff:  time.Minute,
		Lease:       5 * time.Second,
		Now:         c.Now,
	})

	_, err := disp.DispatchOnce(ctx)
	require.NoError(t, err)
	e := entryFor(t, db, "e1")
	assert.Equal(t, models.OutboxPending, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, "receiver down", e.LastError)
	assert.True(t, c.Now().Add(10*time.Second).Equal(e.NextAttemptAt), "next attempt %s", e.NextAttemptAt)

	// not due yet
	n, err := disp.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	c.Advance(10 * time.Second)
	_, err = disp.DispatchOnce(ctx)
	require.NoError(t, err)
	e = entryFor(t, db, "e1")
	assert.Equal(t, 2, e.Attempts)
	assert.True(t, c.Now().Add(20*time.Second).Equal(e.NextAttemptAt))

	c.Advance(20 * time.Second)
	_, err = disp.DispatchOnce(ctx)
	require.NoError(t, err)
	e = entryFor(t, db, "e1")
	assert.Equal(t, models.OutboxFailed, e.Status)
	assert.Equal(t, 3, e.Attempts)

	// FAILED is terminal until requeued
	c.Advance(time.Hour)
	n, err = disp.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	d.AssertNumberOfCalls(t, "Deliver", 3)

	requeued, err := disp.Requeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), requeued)
	e = entryFor(t, db, "e1")
	assert.Equal(t, models.OutboxPending, e.Status)
	assert.Equal(t, 0, e.Attempts)
}

func TestClaimLeasesEntries(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	c := newClock()
	seedEntries(t, db, c, TopicSearch, "e1", "e2", "e3")

	disp := NewDispatcher(db, nil, Options{BatchSize: 2, Lease: 30 * time.Second, Now: c.Now})
	first, err := disp.claim(ctx)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := disp.claim(ctx)
	require.NoError(t, err)
	require.Len(t, second, 1)
	for _, e := range first {
		assert.NotEqual(t, e.ID, second[0].ID)
	}

	third, err := disp.claim(ctx)
	require.NoError(t, err)
	assert.Empty(t, third)

	// an unfinished lease expires and the entry is claimable again
	c.Advance(31 * time.Second)
	again, err := disp.claim(ctx)
	require.NoError(t, err)
	assert.Len(t, again, 2)
}

func TestExpiredLeaseCannotOverwriteOutcome(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	c := newClock()
	seedEntries(t, db, c, TopicWebhook, "e1", "e2")

	stale := NewDispatcher(db, nil, Options{MaxAttempts: 1, Lease: 5 * time.Second, Now: c.Now})
	claimed, err := stale.claim(ctx)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// the lease runs out and a second dispatcher finishes both entries
	c.Advance(6 * time.Second)
	d := &mockDeliverer{}
	d.On("Deliver", "e1").Return(nil).Once()
	d.On("Deliver", "e2").Return(errors.New("receiver down")).Once()
	fresh := NewDispatcher(db, map[string]Deliverer{TopicWebhook: d}, Options{MaxAttempts: 3, Now: c.Now})
	n, err := fresh.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	d.AssertExpectations(t)

	byEvent := map[string]models.OutboxEntry{}
	for _, e := range claimed {
		byEvent[e.EventID] = e
	}

	// the stale holder's late failure must not turn SENT into FAILED
	require.NoError(t, stale.markFailed(ctx, byEvent["e1"], errors.New("timeout")))
	e := entryFor(t, db, "e1")
	assert.Equal(t, models.OutboxSent, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Empty(t, e.LastError)

	// nor its late success erase the retry the other dispatcher scheduled
	require.NoError(t, stale.markSent(ctx, byEvent["e2"]))
	e = entryFor(t, db, "e2")
	assert.Equal(t, models.OutboxPending, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, "receiver down", e.LastError)
	assert.Nil(t, e.SentAt)
}

func TestDispatchWithoutDelivererRetries(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	c := newClock()
	seedEntries(t, db, c, TopicServiceBus, "e1")

	disp := NewDispatcher(db, map[string]Deliverer{}, Options{Now: c.Now})
	_, err := disp.DispatchOnce(ctx)
	require.NoError(t, err)

	e := entryFor(t, db, "e1")
	assert.Equal(t, models.OutboxPending, e.Status)
	assert.Contains(t, e.LastError, "no deliverer")
}

func TestPostgresClaimSkipsLockedRows(t *testing.T) {
	sqlDB, smock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	require.NoError(t, err)

	c := newClock()
	rows := sqlmock.NewRows([]string{"id", "event_id", "entity_id", "asset_id", "topic", "payload", "status", "attempts", "next_attempt_at"}).
		AddRow("o1", "e1", "tenant-1", "A1", TopicWebhook, `{}`, models.OutboxPending, 0, c.Now().Add(time.Minute))
	smock.ExpectQuery(regexp.QuoteMeta("UPDATE outbox_entries SET next_attempt_at")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), models.OutboxPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(rows)

	disp := NewDispatcher(db, nil, Options{Now: c.Now})
	entries, err := disp.claim(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "o1", entries[0].ID)
	assert.Equal(t, TopicWebhook, entries[0].Topic)
	assert.NoError(t, smock.ExpectationsWereMet())
}

func TestRunStopsOnCancel(t *testing.T) {
	db := dbtest.Open(t)
	c := newClock()
	seedEntries(t, db, c, TopicWebhook, "e1")

	d := &mockDeliverer{}
	d.On("Deliver", "e1").Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	disp := NewDispatcher(db, map[string]Deliverer{TopicWebhook: d}, Options{PollInterval: 10 * time.Millisecond, Now: c.Now})
	done := make(chan error, 1)
	go func() { done <- disp.Run(ctx) }()

	assert.Eventually(t, func() bool {
		var e models.OutboxEntry
		return db.Where("event_id = ?", "e1").First(&e).Error == nil && e.Status == models.OutboxSent
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
