package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"example.com/backstage/services/assetledger/internal/canonical"
	"example.com/backstage/services/assetledger/internal/database"
	"example.com/backstage/services/assetledger/internal/domain"
	"example.com/backstage/services/assetledger/internal/models"
)

// fingerprint is everything that makes two requests the same request.
type fingerprint struct {
	AssetID         string              `json:"asset_id"`
	ExpectedVersion int64               `json:"expected_version"`
	EventType       string              `json:"event_type"`
	Evidence        domain.Evidence     `json:"evidence"`
	Payload         json.RawMessage     `json:"payload"`
	EmitterClass    domain.EmitterClass `json:"emitter_class"`
	EmitterID       string              `json:"emitter_id"`
}

// requestHash digests the request independent of payload key order and
// whitespace. A payload that is not valid JSON is hashed as a string.
func requestHash(cmd domain.Command) (string, error) {
	payload, err := canonical.Transform(cmd.Payload)
	if err != nil {
		if payload, err = json.Marshal(string(cmd.Payload)); err != nil {
			return "", err
		}
	}
	return canonical.Hash(fingerprint{
		AssetID:         cmd.AssetID,
		ExpectedVersion: cmd.ExpectedVersion,
		EventType:       cmd.EventType,
		Evidence:        cmd.Evidence,
		Payload:         payload,
		EmitterClass:    cmd.Emitter.Class,
		EmitterID:       cmd.Emitter.ID,
	})
}

// replay answers a command whose idempotency key is already recorded. The
// stored response is returned verbatim; a different request under the same
// key is rejected.
func (s *GormStore) replay(ctx context.Context, cmd domain.Command, reqHash string) (domain.Receipt, bool, error) {
	var rows []models.IdempotencyKey
	err := s.db.WithContext(ctx).
		Where("entity_id = ? AND idempotency_key = ?", cmd.EntityID, cmd.IdempotencyKey).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return domain.Receipt{}, false, fmt.Errorf("load idempotency record: %w", err)
	}
	if len(rows) == 0 {
		return domain.Receipt{}, false, nil
	}
	rec := rows[0]
	if rec.RequestHash != reqHash {
		return domain.Receipt{}, false, domain.Errorf(domain.ErrIdempotencyMismatch,
			"idempotency key %q was used for a different request", cmd.IdempotencyKey)
	}
	var receipt domain.Receipt
	if err := json.Unmarshal([]byte(rec.ResponseJSON), &receipt); err != nil {
		return domain.Receipt{}, false, fmt.Errorf("decode stored response: %w", err)
	}
	return receipt, true, nil
}

// remember stores the response for cmd's idempotency key inside tx.
func (s *GormStore) remember(tx *gorm.DB, cmd domain.Command, reqHash string, receipt domain.Receipt) error {
	response, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	rec := models.IdempotencyKey{
		EntityID:     cmd.EntityID,
		Key:          cmd.IdempotencyKey,
		RequestHash:  reqHash,
		AssetID:      receipt.AssetID,
		EventID:      receipt.EventID,
		ResponseJSON: string(response),
		CreatedAt:    time.Now().UTC(),
	}
	if err := tx.Create(&rec).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return errIdempotencyRace
		}
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	return nil
}
