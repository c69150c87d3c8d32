// Package projections folds an asset's event stream into its current-state
// snapshot. Folding is pure; persistence and replay live in builder.go.
package projections

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"example.com/backstage/services/assetledger/internal/canonical"
	"example.com/backstage/services/assetledger/internal/chain"
	"example.com/backstage/services/assetledger/internal/domain"
)

// Confidence sources recorded alongside confidence_bps.
const (
	ConfidenceAuthority = "EXTERNAL_AUTHORITY"
	ConfidenceBishop    = "BISHOP"
	maxConfidenceBps    = 10000
)

var (
	ErrVersionGap     = errors.New("event does not follow the projection version")
	ErrBrokenLink     = errors.New("event does not link to the projection's last event hash")
	ErrForeignEvent   = errors.New("event belongs to another asset")
	ErrCorrupted      = errors.New("projection is corrupted and accepts no further events")
	ErrMissingReducer = errors.New("no reducer registered for event type")
)

// reducer folds one event's payload into p. It never touches the version
// or hash bookkeeping, which Apply owns.
type reducer func(p *domain.Projection, e domain.Event) error

var reducers = map[string]reducer{
	domain.AssetRegistered:       applyRegistered,
	domain.CustodyTransferred:    applyCustodyTransferred,
	domain.InspectionRecorded:    applyInspection,
	domain.ScanRecorded:          applyScan,
	domain.AssetLostEvent:        applyLost,
	domain.AssetRecovered:        applyRecovered,
	domain.ConditionAttested:     applyAttested,
	domain.AssetRetiredEvent:     applyRetired,
	domain.BishopProposalEmitted: applyProposal,
	domain.LedgerSyncUpdated:     applySync,
	domain.AssetSuccessorOpened:  applySuccessor,
}

// Handled lists the event types with a reducer, for the boot-time registry check.
func Handled() []string {
	out := make([]string, 0, len(reducers))
	for t := range reducers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Apply folds e into p and returns the new projection. Re-applying an event
// at or below the projection's version is a no-op; skipping a version is an
// error. The zero Projection is the state before version 1.
func Apply(p domain.Projection, e domain.Event) (domain.Projection, error) {
	if p.AssetID != "" && p.AssetID != e.AssetID {
		return p, fmt.Errorf("%w: projection %s, event %s", ErrForeignEvent, p.AssetID, e.AssetID)
	}
	if e.AggregateVersion <= p.AggregateVersion {
		return p, nil
	}
	if p.Corrupted() {
		return p, ErrCorrupted
	}
	if e.AggregateVersion != p.AggregateVersion+1 {
		return p, fmt.Errorf("%w: at %d, got %d", ErrVersionGap, p.AggregateVersion, e.AggregateVersion)
	}
	expectedPrev := p.LastEventHash
	if p.AggregateVersion == 0 {
		expectedPrev = chain.GenesisHash
	}
	if e.PrevEventHash != expectedPrev {
		return p, fmt.Errorf("%w at version %d", ErrBrokenLink, e.AggregateVersion)
	}

	fold, ok := reducers[e.EventType]
	if !ok {
		return p, fmt.Errorf("%w: %s", ErrMissingReducer, e.EventType)
	}

	next := p
	next.State = append(json.RawMessage(nil), p.State...)
	if p.AggregateVersion == 0 {
		next.AssetID = e.AssetID
		next.EntityID = e.EntityID
		next.ChainStatus = domain.ChainValid
	}
	if err := fold(&next, e); err != nil {
		return p, fmt.Errorf("fold %s v%d: %w", e.EventType, e.AggregateVersion, err)
	}

	at := chain.Timestamp(e.OccurredAt)
	if e.Evidence.EvidenceHash != chain.NoEvidenceHash {
		next.LastEvidenceHash = e.Evidence.EvidenceHash
		// an inherited hash is not new evidence
		if e.Evidence.Policy != domain.EvidenceInheritLast {
			next.LastEvidenceAt = &at
		}
	}
	next.AggregateVersion = e.AggregateVersion
	next.LastEventHash = e.EventHash
	next.LastPrevHash = e.PrevEventHash
	next.UpdatedAt = at
	return next, nil
}

// Fold applies events in order starting from the empty projection.
func Fold(events []domain.Event) (domain.Projection, error) {
	var p domain.Projection
	for _, e := range events {
		var err error
		if p, err = Apply(p, e); err != nil {
			return p, err
		}
	}
	return p, nil
}

func decode(e domain.Event, v any) error {
	dec := json.NewDecoder(bytes.NewReader(e.Payload))
	dec.UseNumber()
	return dec.Decode(v)
}

func occurred(e domain.Event) *time.Time {
	t := chain.Timestamp(e.OccurredAt)
	return &t
}

// setState stores value under key in the free-form state block, keeping the
// block canonical so replays reproduce it byte for byte.
func setState(p *domain.Projection, key string, value any) error {
	state := map[string]any{}
	if len(p.State) > 0 {
		dec := json.NewDecoder(bytes.NewReader(p.State))
		dec.UseNumber()
		if err := dec.Decode(&state); err != nil {
			return fmt.Errorf("decode state: %w", err)
		}
	}
	state[key] = value
	out, err := canonical.Marshal(state)
	if err != nil {
		return err
	}
	p.State = out
	return nil
}

func applyRegistered(p *domain.Projection, e domain.Event) error {
	var d struct {
		Name         string          `json:"name"`
		Category     string          `json:"category"`
		SerialNumber string          `json:"serial_number"`
		LocationZone string          `json:"location_zone"`
		CustodianID  string          `json:"custodian_id"`
		Attributes   json.RawMessage `json:"attributes"`
	}
	if err := decode(e, &d); err != nil {
		return err
	}
	p.Status = domain.AssetActive
	p.Name = d.Name
	p.Category = d.Category
	p.SerialNumber = d.SerialNumber
	p.LocationZone = d.LocationZone
	p.CustodianID = d.CustodianID
	if len(d.Attributes) > 0 {
		return setState(p, "attributes", d.Attributes)
	}
	return nil
}

func applyCustodyTransferred(p *domain.Projection, e domain.Event) error {
	var d struct {
		ToCustodianID string `json:"to_custodian_id"`
		LocationZone  string `json:"location_zone"`
	}
	if err := decode(e, &d); err != nil {
		return err
	}
	p.CustodianID = d.ToCustodianID
	if d.LocationZone != "" {
		p.LocationZone = d.LocationZone
	}
	return nil
}

func applyInspection(p *domain.Projection, e domain.Event) error {
	var d struct {
		Condition string `json:"condition"`
	}
	if err := decode(e, &d); err != nil {
		return err
	}
	p.Condition = d.Condition
	p.LastInspectionAt = occurred(e)
	p.RequiresReverification = false
	return nil
}

func applyScan(p *domain.Projection, e domain.Event) error {
	var d struct {
		LocationZone string `json:"location_zone"`
	}
	if err := decode(e, &d); err != nil {
		return err
	}
	p.LocationZone = d.LocationZone
	p.LastScanAt = occurred(e)
	return nil
}

func applyLost(p *domain.Projection, e domain.Event) error {
	var d struct {
		Reason        string `json:"reason"`
		LastKnownZone string `json:"last_known_zone"`
	}
	if err := decode(e, &d); err != nil {
		return err
	}
	p.Status = domain.AssetLost
	p.RequiresReverification = true
	return setState(p, "lost", map[string]string{"reason": d.Reason, "last_known_zone": d.LastKnownZone})
}

func applyRecovered(p *domain.Projection, e domain.Event) error {
	var d struct {
		LocationZone string `json:"location_zone"`
	}
	if err := decode(e, &d); err != nil {
		return err
	}
	p.Status = domain.AssetActive
	p.LocationZone = d.LocationZone
	// a recovered asset must be inspected before its condition is trusted again
	p.RequiresReverification = true
	return nil
}

func applyAttested(p *domain.Projection, e domain.Event) error {
	var d struct {
		Condition      string `json:"condition"`
		AuthorityRef   string `json:"authority_ref"`
		AttestationRef string `json:"attestation_ref"`
		ValidUntil     string `json:"valid_until"`
	}
	if err := decode(e, &d); err != nil {
		return err
	}
	p.Condition = d.Condition
	p.ConfidenceBps = maxConfidenceBps
	p.ConfidenceSource = ConfidenceAuthority
	p.RequiresReverification = false
	return setState(p, "attestation", map[string]string{
		"authority_ref":   d.AuthorityRef,
		"attestation_ref": d.AttestationRef,
		"valid_until":     d.ValidUntil,
	})
}

func applyRetired(p *domain.Projection, e domain.Event) error {
	var d struct {
		Reason      string `json:"reason"`
		DisposalRef string `json:"disposal_ref"`
	}
	if err := decode(e, &d); err != nil {
		return err
	}
	p.Status = domain.AssetRetired
	return setState(p, "retired", map[string]string{"reason": d.Reason, "disposal_ref": d.DisposalRef})
}

func applyProposal(p *domain.Projection, e domain.Event) error {
	var d struct {
		ProposalID    string      `json:"proposal_id"`
		Action        string      `json:"action"`
		ConfidenceBps json.Number `json:"confidence_bps"`
	}
	if err := decode(e, &d); err != nil {
		return err
	}
	bps, err := d.ConfidenceBps.Int64()
	if err != nil {
		return fmt.Errorf("confidence_bps: %w", err)
	}
	p.ConfidenceBps = bps
	p.ConfidenceSource = ConfidenceBishop
	return setState(p, "last_proposal", map[string]any{
		"proposal_id":    d.ProposalID,
		"action":         d.Action,
		"confidence_bps": bps,
		"event_id":       e.EventID,
	})
}

func applySync(p *domain.Projection, e domain.Event) error {
	var d struct {
		SyncStatus  string `json:"sync_status"`
		LedgerRefID string `json:"ledger_ref_id"`
	}
	if err := decode(e, &d); err != nil {
		return err
	}
	p.SyncStatus = d.SyncStatus
	if d.LedgerRefID != "" {
		p.LedgerRefID = d.LedgerRefID
	}
	return nil
}

func applySuccessor(p *domain.Projection, e domain.Event) error {
	var d struct {
		PredecessorAssetID   string      `json:"predecessor_asset_id"`
		PredecessorVersion   json.Number `json:"predecessor_version"`
		PredecessorEventHash string      `json:"predecessor_event_hash"`
		IncidentID           string      `json:"incident_id"`
		Name                 string      `json:"name"`
		Category             string      `json:"category"`
		SerialNumber         string      `json:"serial_number"`
		LocationZone         string      `json:"location_zone"`
		CustodianID          string      `json:"custodian_id"`
	}
	if err := decode(e, &d); err != nil {
		return err
	}
	p.Status = domain.AssetActive
	p.SuccessorOf = d.PredecessorAssetID
	p.Name = d.Name
	p.Category = d.Category
	p.SerialNumber = d.SerialNumber
	p.LocationZone = d.LocationZone
	p.CustodianID = d.CustodianID
	// nothing about the physical asset is verified by the predecessor's history
	p.RequiresReverification = true
	return setState(p, "predecessor", map[string]any{
		"asset_id":    d.PredecessorAssetID,
		"version":     d.PredecessorVersion,
		"event_hash":  d.PredecessorEventHash,
		"incident_id": d.IncidentID,
	})
}
