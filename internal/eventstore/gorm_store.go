package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/assetledger/internal/chain"
	"example.com/backstage/services/assetledger/internal/database"
	"example.com/backstage/services/assetledger/internal/domain"
	"example.com/backstage/services/assetledger/internal/metrics"
	"example.com/backstage/services/assetledger/internal/models"
	"example.com/backstage/services/assetledger/internal/outbox"
	"example.com/backstage/services/assetledger/internal/projections"
	"example.com/backstage/services/assetledger/internal/registry"
	"example.com/backstage/services/assetledger/internal/signing"
	"example.com/backstage/services/assetledger/internal/telemetry"
)

// NotifyChannel is the PostgreSQL channel the dispatcher listens on.
const NotifyChannel = "outbox_pending"

// detectedBy tags incidents opened by the append path.
const detectedBy = "append"

var validate = validator.New()

// Options tune a GormStore.
type Options struct {
	// Topics receive one outbox entry per appended event.
	Topics []string
	// Cache fronts projection reads; nil disables caching.
	Cache ProjectionCache
	// Now overrides the clock used for occurred_at.
	Now func() time.Time
}

// GormStore implements Store on a relational database through GORM.
type GormStore struct {
	db       *gorm.DB
	registry *registry.Registry
	keys     signing.KeyService
	topics   []string
	cache    ProjectionCache
	now      func() time.Time
}

// NewGormStore creates a store. The registry must already have passed the
// handler check.
func NewGormStore(db *gorm.DB, reg *registry.Registry, keys signing.KeyService, opts Options) (*GormStore, error) {
	for _, t := range opts.Topics {
		if !outbox.KnownTopic(t) {
			return nil, fmt.Errorf("unknown outbox topic %q", t)
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &GormStore{
		db:       db,
		registry: reg,
		keys:     keys,
		topics:   opts.Topics,
		cache:    opts.Cache,
		now:      now,
	}, nil
}

// errIdempotencyRace marks a lost race on the idempotency primary key.
var errIdempotencyRace = errors.New("idempotency key recorded concurrently")

// Append runs the ordered checks and appends one event. Each failing check
// short-circuits the rest; nothing is written unless all pass.
func (s *GormStore) Append(ctx context.Context, cmd domain.Command) (domain.Receipt, error) {
	defer telemetry.StartSegment(ctx, "eventstore.Append")()
	start := time.Now()

	receipt, replayed, err := s.append(ctx, cmd)

	m := metrics.Default()
	m.Since(metrics.AppendLatency, start)
	m.RecordOutcome(metrics.AppendLatency, ignoreClientErrors(err))
	switch {
	case err != nil:
		m.IncrementCounter(metrics.AppendRejected)
		if errors.Is(err, domain.ErrVersionConflict) {
			m.IncrementCounter(metrics.AppendConflicts)
		}
		telemetry.NoticeError(ctx, err)
		log.Debug().Err(err).
			Str("asset_id", cmd.AssetID).
			Str("event_type", cmd.EventType).
			Str("code", string(domain.CodeOf(err))).
			Msg("Append rejected")
	case replayed:
		m.IncrementCounter(metrics.AppendReplayed)
		log.Info().
			Str("asset_id", cmd.AssetID).
			Str("idempotency_key", cmd.IdempotencyKey).
			Int64("aggregate_version", receipt.AggregateVersion).
			Msg("Idempotent replay")
	default:
		m.IncrementCounter(metrics.AppendAccepted)
	}
	return receipt, err
}

func (s *GormStore) append(ctx context.Context, cmd domain.Command) (domain.Receipt, bool, error) {
	if err := validate.Struct(cmd); err != nil {
		return domain.Receipt{}, false, domain.Wrap(domain.ErrInvalidRequest, err)
	}
	if !cmd.Emitter.Class.Valid() {
		return domain.Receipt{}, false, domain.Errorf(domain.ErrInvalidRequest, "unknown emitter class %q", cmd.Emitter.Class)
	}
	if cmd.Evidence.EvidenceHash == "" {
		cmd.Evidence.EvidenceHash = chain.NoEvidenceHash
	}

	// 1. idempotency
	reqHash, err := requestHash(cmd)
	if err != nil {
		return domain.Receipt{}, false, err
	}
	if receipt, found, err := s.replay(ctx, cmd, reqHash); err != nil || found {
		return receipt, found, err
	}

	// 2. registry and schema
	def, err := s.registry.Lookup(cmd.EventType)
	if err != nil {
		return domain.Receipt{}, false, err
	}
	payload, err := def.Validate(cmd.Payload)
	if err != nil {
		return domain.Receipt{}, false, err
	}

	// 3. RBAC
	if err := def.Authorize(cmd.Emitter.Class); err != nil {
		return domain.Receipt{}, false, err
	}

	// 4. evidence policy
	if err := def.CheckEvidence(cmd.Evidence, chain.NoEvidenceHash); err != nil {
		return domain.Receipt{}, false, err
	}

	// 5-7. concurrency check, seal and commit
	var (
		receipt domain.Receipt
		event   domain.Event
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		event, err = s.commit(ctx, tx, cmd, payload, reqHash)
		if err != nil {
			return err
		}
		receipt = receiptOf(event)
		return nil
	})
	var brk *chainBreakError
	if errors.As(err, &brk) {
		// the append rolled back; the break is recorded on its own
		return domain.Receipt{}, false, s.quarantine(ctx, cmd, brk)
	}
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) || errors.Is(err, errIdempotencyRace) {
			// a retry may have raced its own original; answer it from the record
			if r, found, rerr := s.replay(ctx, cmd, reqHash); rerr != nil || found {
				return r, found, rerr
			}
			if errors.Is(err, errIdempotencyRace) {
				return domain.Receipt{}, false, domain.Errorf(domain.ErrVersionConflict, "concurrent append for %s", cmd.AssetID)
			}
		}
		return domain.Receipt{}, false, err
	}

	if s.cache != nil {
		s.cache.Invalidate(ctx, event.AssetID)
	}
	log.Info().
		Str("asset_id", event.AssetID).
		Str("event_id", event.EventID).
		Str("event_type", event.EventType).
		Int64("aggregate_version", event.AggregateVersion).
		Msg("Event appended")
	return receipt, false, nil
}

// commit performs steps 5 to 7 inside tx.
func (s *GormStore) commit(ctx context.Context, tx *gorm.DB, cmd domain.Command, payload []byte, reqHash string) (domain.Event, error) {
	var event domain.Event

	proj, err := s.current(tx, cmd)
	if err != nil {
		return event, err
	}

	// 5. optimistic concurrency on the aggregate version
	if proj.AggregateVersion != cmd.ExpectedVersion {
		return event, domain.Errorf(domain.ErrVersionConflict,
			"expected version %d, current version %d", cmd.ExpectedVersion, proj.AggregateVersion)
	}

	evidence := cmd.Evidence
	if evidence.Policy == domain.EvidenceInheritLast && evidence.EvidenceHash == chain.NoEvidenceHash {
		if proj.LastEvidenceHash == "" {
			return event, domain.Errorf(domain.ErrEvidenceRequired, "no earlier evidence to inherit for %s", cmd.AssetID)
		}
		evidence.EvidenceHash = proj.LastEvidenceHash
	}

	// 6. seal
	prev := chain.GenesisHash
	if proj.AggregateVersion > 0 {
		prev = proj.LastEventHash
	}
	event = domain.Event{
		EventID:          uuid.NewString(),
		AssetID:          cmd.AssetID,
		EntityID:         cmd.EntityID,
		AggregateVersion: cmd.ExpectedVersion + 1,
		EventType:        cmd.EventType,
		EmitterClass:     cmd.Emitter.Class,
		EmitterID:        cmd.Emitter.ID,
		OccurredAt:       chain.Timestamp(s.now()),
		Evidence:         evidence,
		Payload:          payload,
		PrevEventHash:    prev,
		RegistryVersion:  s.registry.Version(),
	}
	if event.EventHash, err = chain.Hash(event); err != nil {
		return event, err
	}
	if event.Signature, err = s.keys.Sign(ctx, event.EmitterID, []byte(event.EventHash)); err != nil {
		return event, fmt.Errorf("sign event: %w", err)
	}

	// 7. one atomic unit: event, projection, outbox, idempotency record
	row := models.EventFromDomain(event)
	if err := tx.Create(&row).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return event, domain.Errorf(domain.ErrVersionConflict,
				"version %d of %s was appended concurrently", event.AggregateVersion, event.AssetID)
		}
		return event, fmt.Errorf("insert event: %w", err)
	}

	next, err := projections.Apply(proj, event)
	if err != nil {
		return event, fmt.Errorf("fold projection: %w", err)
	}
	if err := projections.Save(tx, next); err != nil {
		return event, err
	}

	entries, err := outbox.NewEntries(event, s.topics, event.OccurredAt)
	if err != nil {
		return event, err
	}
	if len(entries) > 0 {
		if err := tx.Create(&entries).Error; err != nil {
			return event, fmt.Errorf("insert outbox entries: %w", err)
		}
	}

	if err := s.remember(tx, cmd, reqHash, receiptOf(event)); err != nil {
		return event, err
	}

	if len(entries) > 0 {
		if err := database.Notify(tx, NotifyChannel, event.EventID); err != nil {
			return event, fmt.Errorf("notify dispatcher: %w", err)
		}
	}
	return event, nil
}

// current loads the asset's projection inside tx after the quarantine and
// tenant checks. A missing or lagging projection is caught up from the log.
// The projection row is locked first so a quarantine committed by an auditor
// is either seen here or waits for this append.
func (s *GormStore) current(tx *gorm.DB, cmd domain.Command) (domain.Projection, error) {
	proj, _, err := projections.LoadForUpdate(tx, cmd.AssetID)
	if err != nil {
		return proj, err
	}

	incident, err := projections.FirstIncident(tx, cmd.AssetID)
	if err != nil {
		return domain.Projection{}, err
	}
	if incident != nil {
		return domain.Projection{}, domain.Errorf(domain.ErrAssetCorrupted,
			"asset %s is quarantined since version %d (%s)", cmd.AssetID, incident.BrokenVersion, incident.Reason)
	}

	tip, err := tipRow(tx, cmd.AssetID)
	if err != nil {
		return domain.Projection{}, err
	}
	if tip != nil && tip.EntityID != cmd.EntityID {
		return domain.Projection{}, domain.Errorf(domain.ErrAssetNotFound, "asset %s not found", cmd.AssetID)
	}

	if proj.Corrupted() {
		return proj, domain.Errorf(domain.ErrAssetCorrupted, "asset %s is corrupted", cmd.AssetID)
	}
	if tip == nil || proj.AggregateVersion == tip.AggregateVersion {
		return proj, nil
	}
	return catchUp(tx, cmd.AssetID)
}

// catchUp refolds the projection from the log with hash verification. It
// runs only when the projection row was dropped or lags the log.
func catchUp(tx *gorm.DB, assetID string) (domain.Projection, error) {
	var rows []models.AssetEvent
	if err := tx.Where("asset_id = ?", assetID).Order("aggregate_version ASC").Find(&rows).Error; err != nil {
		return domain.Projection{}, fmt.Errorf("load events: %w", err)
	}
	events := make([]domain.Event, len(rows))
	for i, r := range rows {
		events[i] = r.ToDomain()
	}
	if res := chain.VerifyChain(events, nil); !res.Valid {
		prefix, err := projections.Fold(events[:res.Verified])
		if err != nil {
			return domain.Projection{}, fmt.Errorf("fold verified prefix: %w", err)
		}
		return domain.Projection{}, &chainBreakError{brk: res.Break, prefix: prefix}
	}
	log.Warn().Str("asset_id", assetID).Msg("Projection behind the log, refolded from events")
	return projections.Fold(events)
}

// chainBreakError carries a break found by catchUp out of the rolled back
// append transaction, together with the projection of the verified prefix.
type chainBreakError struct {
	brk    *chain.Break
	prefix domain.Projection
}

func (e *chainBreakError) Error() string { return e.brk.Error() }

func (e *chainBreakError) Unwrap() error { return domain.Wrap(domain.ErrAssetCorrupted, e.brk) }

// quarantine records a break found while appending and answers the append
// with ASSET_CORRUPTED.
func (s *GormStore) quarantine(ctx context.Context, cmd domain.Command, brk *chainBreakError) error {
	rejected := domain.Errorf(domain.ErrAssetCorrupted, "asset %s is corrupted at version %d (%s)",
		cmd.AssetID, brk.brk.Version, brk.brk.Reason)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := projections.FirstIncident(tx, cmd.AssetID)
		if err != nil || existing != nil {
			return err
		}
		_, _, err = projections.Quarantine(tx, brk.prefix, cmd.AssetID, cmd.EntityID, brk.brk, detectedBy)
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("asset_id", cmd.AssetID).Msg("Failed to quarantine asset after chain break")
		return rejected
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, cmd.AssetID)
	}
	return rejected
}

func tipRow(tx *gorm.DB, assetID string) (*models.AssetEvent, error) {
	var rows []models.AssetEvent
	err := tx.Where("asset_id = ?", assetID).Order("aggregate_version DESC").Limit(1).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load tip: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func receiptOf(e domain.Event) domain.Receipt {
	return domain.Receipt{
		EventID:          e.EventID,
		AssetID:          e.AssetID,
		AggregateVersion: e.AggregateVersion,
		EventHash:        e.EventHash,
		PrevEventHash:    e.PrevEventHash,
	}
}

// ignoreClientErrors keeps rejected commands out of the store error rate.
func ignoreClientErrors(err error) error {
	if err == nil || domain.CodeOf(err) != domain.CodeInternal {
		return nil
	}
	return err
}
