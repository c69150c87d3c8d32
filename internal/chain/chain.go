// Package chain computes and verifies the per-asset hash chain.
//
//	event_hash = sha256(canonical(body) || prev_event_hash || evidence_hash)
//
// body covers every stored field of the event except the derived hash and
// signature. All three parts are concatenated as UTF-8 bytes.
package chain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"example.com/backstage/services/assetledger/internal/canonical"
	"example.com/backstage/services/assetledger/internal/domain"
)

// GenesisHash is the prev_event_hash of every version 1 event.
var GenesisHash = canonical.HashPrefix + strings.Repeat("0", 64)

// NoEvidenceHash is recorded when the evidence policy permits no evidence.
// It shares GenesisHash's value but the two are never interchangeable.
var NoEvidenceHash = canonical.HashPrefix + strings.Repeat("0", 64)

// TimeLayout fixes occurred_at at microsecond precision in UTC.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Timestamp truncates t to the precision stored and hashed.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

type evidenceBody struct {
	Policy       domain.EvidencePolicy `json:"policy"`
	EvidenceHash string                `json:"evidence_hash"`
	WaiverReason string                `json:"waiver_reason"`
}

type body struct {
	EventID          string              `json:"event_id"`
	EventType        string              `json:"event_type"`
	AssetID          string              `json:"asset_id"`
	EntityID         string              `json:"entity_id"`
	AggregateVersion int64               `json:"aggregate_version"`
	EmitterClass     domain.EmitterClass `json:"emitter_class"`
	EmitterID        string              `json:"emitter_id"`
	OccurredAt       string              `json:"occurred_at"`
	Evidence         evidenceBody        `json:"evidence"`
	Payload          json.RawMessage     `json:"payload"`
}

// Body returns the canonical bytes of the event's hashed body.
func Body(e domain.Event) ([]byte, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return canonical.Marshal(body{
		EventID:          e.EventID,
		EventType:        e.EventType,
		AssetID:          e.AssetID,
		EntityID:         e.EntityID,
		AggregateVersion: e.AggregateVersion,
		EmitterClass:     e.EmitterClass,
		EmitterID:        e.EmitterID,
		OccurredAt:       Timestamp(e.OccurredAt).Format(TimeLayout),
		Evidence: evidenceBody{
			Policy:       e.Evidence.Policy,
			EvidenceHash: e.Evidence.EvidenceHash,
			WaiverReason: e.Evidence.WaiverReason,
		},
		Payload: payload,
	})
}

// ComputeEventHash digests the canonical body with the previous and evidence hashes.
func ComputeEventHash(canonicalBody []byte, prevHash, evidenceHash string) string {
	return canonical.Digest(canonicalBody, []byte(prevHash), []byte(evidenceHash))
}

// Hash recomputes the event hash of e from its stored fields.
func Hash(e domain.Event) (string, error) {
	b, err := Body(e)
	if err != nil {
		return "", fmt.Errorf("event body: %w", err)
	}
	return ComputeEventHash(b, e.PrevEventHash, e.Evidence.EvidenceHash), nil
}
