package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/assetledger/config"
	"example.com/backstage/services/assetledger/internal/database"
	"example.com/backstage/services/assetledger/internal/metrics"
	"example.com/backstage/services/assetledger/internal/models"
)

// Deliverer hands one entry to an external system. Delivery is at least
// once; receivers deduplicate on the event id.
type Deliverer interface {
	Deliver(ctx context.Context, entry models.OutboxEntry) error
}

// Options tune a Dispatcher.
type Options struct {
	BatchSize    int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	Lease        time.Duration
	PollInterval time.Duration
	Now          func() time.Time
}

// OptionsFromConfig reads the outbox section of cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		BatchSize:    cfg.OutboxBatchSize,
		MaxAttempts:  cfg.OutboxMaxAttempts,
		BaseBackoff:  cfg.OutboxBaseBackoff,
		MaxBackoff:   cfg.OutboxMaxBackoff,
		Lease:        cfg.OutboxLease,
		PollInterval: cfg.OutboxPollInterval,
	}
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 2 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Minute
	}
	if o.Lease <= 0 {
		o.Lease = time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Dispatcher delivers pending outbox entries. Several dispatchers may run
// against one database; a claimed entry is leased so the others skip it.
type Dispatcher struct {
	db         *gorm.DB
	deliverers map[string]Deliverer
	opts       Options
	wake       chan struct{}
}

func NewDispatcher(db *gorm.DB, deliverers map[string]Deliverer, opts Options) *Dispatcher {
	return &Dispatcher{
		db:         db,
		deliverers: deliverers,
		opts:       opts.withDefaults(),
		wake:       make(chan struct{}, 1),
	}
}

// Backoff is the delay before retry number attempts+1:
// min(base * 2^(attempts-1), max).
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		return base
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Wake makes a sleeping Run loop poll immediately.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. A full batch is followed by another
// poll straight away.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Info().
		Dur("poll_interval", d.opts.PollInterval).
		Int("batch_size", d.opts.BatchSize).
		Msg("Outbox dispatcher started")

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Outbox dispatch failed")
		}
		d.RefreshGauge(ctx)
		if err == nil && n == d.opts.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Outbox dispatcher stopped")
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// DispatchOnce claims one batch of due entries and attempts each of them.
// It returns how many entries were claimed.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	entries, err := d.claim(ctx)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			// leased entries become due again when the lease expires
			return len(entries), ctx.Err()
		}
		d.attempt(ctx, entry)
	}
	return len(entries), nil
}

func (d *Dispatcher) attempt(ctx context.Context, entry models.OutboxEntry) {
	start := time.Now()
	err := d.deliver(ctx, entry)
	metrics.Default().Since(metrics.OutboxDelivery, start)
	metrics.Default().RecordOutcome(metrics.OutboxDelivery, err)

	if err == nil {
		err = d.markSent(ctx, entry)
	} else {
		err = d.markFailed(ctx, entry, err)
	}
	if err != nil {
		log.Error().Err(err).Str("outbox_id", entry.ID).Msg("Failed to record outbox delivery result")
	}
}

func (d *Dispatcher) deliver(ctx context.Context, entry models.OutboxEntry) error {
	deliverer, ok := d.deliverers[entry.Topic]
	if !ok {
		return fmt.Errorf("no deliverer for topic %q", entry.Topic)
	}
	return deliverer.Deliver(ctx, entry)
}

func (d *Dispatcher) markSent(ctx context.Context, entry models.OutboxEntry) error {
	now := d.opts.Now().UTC()
	recorded, err := d.record(ctx, entry, map[string]any{
		"status":     models.OutboxSent,
		"attempts":   entry.Attempts + 1,
		"last_error": "",
		"sent_at":    now,
		"updated_at": now,
	})
	if err != nil || !recorded {
		return err
	}
	metrics.Default().IncrementCounter(metrics.OutboxDelivered)
	log.Debug().
		Str("outbox_id", entry.ID).
		Str("event_id", entry.EventID).
		Str("topic", entry.Topic).
		Msg("Outbox entry delivered")
	return nil
}

func (d *Dispatcher) markFailed(ctx context.Context, entry models.OutboxEntry, cause error) error {
	now := d.opts.Now().UTC()
	attempts := entry.Attempts + 1
	updates := map[string]any{
		"attempts":   attempts,
		"last_error": truncate(cause.Error(), 1000),
		"updated_at": now,
	}
	final := attempts >= d.opts.MaxAttempts
	delay := Backoff(attempts, d.opts.BaseBackoff, d.opts.MaxBackoff)
	if final {
		updates["status"] = models.OutboxFailed
	} else {
		updates["next_attempt_at"] = now.Add(delay)
	}

	recorded, err := d.record(ctx, entry, updates)
	if err != nil || !recorded {
		return err
	}

	if final {
		metrics.Default().IncrementCounter(metrics.OutboxFailed)
		log.Error().Err(cause).
			Str("outbox_id", entry.ID).
			Str("event_id", entry.EventID).
			Str("topic", entry.Topic).
			Int("attempts", attempts).
			Msg("Outbox entry failed permanently; requeue after fixing the receiver")
		return nil
	}
	metrics.Default().IncrementCounter(metrics.OutboxRetried)
	log.Warn().Err(cause).
		Str("outbox_id", entry.ID).
		Str("topic", entry.Topic).
		Int("attempts", attempts).
		Dur("retry_in", delay).
		Msg("Outbox delivery failed, will retry")
	return nil
}

// record applies the outcome of an attempt only while the row is still the
// PENDING one that was claimed. Once a lease expires another dispatcher may
// have claimed the entry and recorded its own outcome, which then stands.
func (d *Dispatcher) record(ctx context.Context, entry models.OutboxEntry, updates map[string]any) (bool, error) {
	res := d.db.WithContext(ctx).Model(&models.OutboxEntry{}).
		Where("id = ? AND status = ? AND attempts = ?", entry.ID, models.OutboxPending, entry.Attempts).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		log.Debug().
			Str("outbox_id", entry.ID).
			Int("attempts", entry.Attempts).
			Msg("Outbox lease lost, result discarded")
		return false, nil
	}
	return true, nil
}

// claim leases up to BatchSize due entries by pushing their next attempt
// past the lease. PostgreSQL skips rows locked by other dispatchers.
func (d *Dispatcher) claim(ctx context.Context) ([]models.OutboxEntry, error) {
	now := d.opts.Now().UTC()
	leaseUntil := now.Add(d.opts.Lease)
	db := d.db.WithContext(ctx)

	var entries []models.OutboxEntry
	if database.IsPostgres(db) {
		err := db.Raw(`UPDATE outbox_entries SET next_attempt_at = ?, updated_at = ?
WHERE id IN (
  SELECT id FROM outbox_entries
  WHERE status = ? AND next_attempt_at <= ?
  ORDER BY next_attempt_at, created_at
  LIMIT ?
  FOR UPDATE SKIP LOCKED
)
RETURNING *`, leaseUntil, now, models.OutboxPending, now, d.opts.BatchSize).Scan(&entries).Error
		if err != nil {
			return nil, fmt.Errorf("claim outbox entries: %w", err)
		}
		return entries, nil
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status = ? AND next_attempt_at <= ?", models.OutboxPending, now).
			Order("next_attempt_at, created_at").
			Limit(d.opts.BatchSize).
			Find(&entries).Error; err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		return tx.Model(&models.OutboxEntry{}).
			Where("id IN ?", ids).
			Updates(map[string]any{"next_attempt_at": leaseUntil, "updated_at": now}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbox entries: %w", err)
	}
	return entries, nil
}

// Requeue moves FAILED entries back to PENDING with a fresh attempt budget.
// With no ids every FAILED entry is requeued.
func (d *Dispatcher) Requeue(ctx context.Context, ids ...string) (int64, error) {
	now := d.opts.Now().UTC()
	q := d.db.WithContext(ctx).Model(&models.OutboxEntry{}).Where("status = ?", models.OutboxFailed)
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}
	res := q.Updates(map[string]any{
		"status":          models.OutboxPending,
		"attempts":        0,
		"last_error":      "",
		"next_attempt_at": now,
		"updated_at":      now,
	})
	if res.Error != nil {
		return 0, fmt.Errorf("requeue outbox entries: %w", res.Error)
	}
	log.Info().Int64("requeued", res.RowsAffected).Msg("Outbox entries requeued")
	d.Wake()
	return res.RowsAffected, nil
}

// RefreshGauge publishes the number of PENDING entries.
func (d *Dispatcher) RefreshGauge(ctx context.Context) {
	var n int64
	err := d.db.WithContext(ctx).Model(&models.OutboxEntry{}).
		Where("status = ?", models.OutboxPending).
		Count(&n).Error
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count pending outbox entries")
		return
	}
	metrics.Default().SetGauge(metrics.OutboxPendingGauge, n)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
