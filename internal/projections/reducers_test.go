package projections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/assetledger/internal/chain"
	"example.com/backstage/services/assetledger/internal/domain"
	"example.com/backstage/services/assetledger/internal/registry"
	"example.com/backstage/services/assetledger/internal/signing"
)

var (
	evidenceA = "sha256:ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	base      = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
)

type step struct {
	eventType string
	class     domain.EmitterClass
	evidence  domain.Evidence
	payload   string
}

func noEvidence() domain.Evidence {
	return domain.Evidence{Policy: domain.EvidenceOptional, EvidenceHash: chain.NoEvidenceHash}
}

func withEvidence(hash string) domain.Evidence {
	return domain.Evidence{Policy: domain.EvidenceRequired, EvidenceHash: hash}
}

func testKeyring(t *testing.T) *signing.Keyring {
	t.Helper()
	k, err := signing.NewKeyring(make([]byte, 32))
	require.NoError(t, err)
	return k
}

// sealed builds a correctly hashed and signed chain for asset A1.
func sealed(t *testing.T, keys signing.KeyService, steps ...step) []domain.Event {
	t.Helper()
	prev := chain.GenesisHash
	out := make([]domain.Event, 0, len(steps))
	for i, s := range steps {
		e := domain.Event{
			EventID:          fmt.Sprintf("evt-%d", i+1),
			AssetID:          "A1",
			EntityID:         "tenant-1",
			AggregateVersion: int64(i + 1),
			EventType:        s.eventType,
			EmitterClass:     s.class,
			EmitterID:        "emitter-" + string(s.class),
			OccurredAt:       base.Add(time.Duration(i) * time.Hour),
			Evidence:         s.evidence,
			Payload:          json.RawMessage(s.payload),
			PrevEventHash:    prev,
			RegistryVersion:  "1.1.0",
		}
		h, err := chain.Hash(e)
		require.NoError(t, err)
		e.EventHash = h
		if keys != nil {
			sig, err := keys.Sign(context.Background(), e.EmitterID, []byte(h))
			require.NoError(t, err)
			e.Signature = sig
		}
		prev = h
		out = append(out, e)
	}
	return out
}

func lifecycle() []step {
	return []step{
		{domain.AssetRegistered, domain.EmitterHuman, noEvidence(), `{"name":"Pump 4","category":"pump","serial_number":"SN-9","location_zone":"DOCK"}`},
		{domain.CustodyTransferred, domain.EmitterHuman, withEvidence(evidenceA), `{"to_custodian_id":"u-2","location_zone":"YARD"}`},
		{domain.ScanRecorded, domain.EmitterSystem, domain.Evidence{Policy: domain.EvidenceInheritLast, EvidenceHash: evidenceA}, `{"location_zone":"BAY-3"}`},
		{domain.InspectionRecorded, domain.EmitterHuman, withEvidence(evidenceA), `{"condition":"FAIR"}`},
		{domain.BishopProposalEmitted, domain.EmitterSystem, noEvidence(), `{"proposal_id":"p-1","action":"REINSPECT","confidence_bps":6400}`},
		{domain.LedgerSyncUpdated, domain.EmitterSystem, noEvidence(), `{"sync_status":"SYNCED","ledger_ref_id":"L-77"}`},
	}
}

func TestReducersCoverRegistry(t *testing.T) {
	r, err := registry.Load()
	require.NoError(t, err)
	assert.NoError(t, r.CheckHandlers(Handled()))
}

func TestFoldLifecycle(t *testing.T) {
	events := sealed(t, nil, lifecycle()...)
	p, err := Fold(events)
	require.NoError(t, err)

	assert.Equal(t, "A1", p.AssetID)
	assert.Equal(t, "tenant-1", p.EntityID)
	assert.Equal(t, int64(6), p.AggregateVersion)
	assert.Equal(t, domain.AssetActive, p.Status)
	assert.Equal(t, "Pump 4", p.Name)
	assert.Equal(t, "u-2", p.CustodianID)
	assert.Equal(t, "BAY-3", p.LocationZone)
	assert.Equal(t, "FAIR", p.Condition)
	assert.Equal(t, int64(6400), p.ConfidenceBps)
	assert.Equal(t, ConfidenceBishop, p.ConfidenceSource)
	assert.Equal(t, "SYNCED", p.SyncStatus)
	assert.Equal(t, "L-77", p.LedgerRefID)
	assert.Equal(t, domain.ChainValid, p.ChainStatus)
	assert.Equal(t, events[5].EventHash, p.LastEventHash)
	assert.Equal(t, events[5].PrevEventHash, p.LastPrevHash)
	assert.Equal(t, evidenceA, p.LastEvidenceHash)

	// the inherited scan evidence does not move last_evidence_at
	require.NotNil(t, p.LastEvidenceAt)
	assert.Equal(t, events[3].OccurredAt, *p.LastEvidenceAt)
	require.NotNil(t, p.LastScanAt)
	assert.Equal(t, events[2].OccurredAt, *p.LastScanAt)
	assert.Equal(t, events[5].OccurredAt, p.UpdatedAt)

	assert.JSONEq(t, `{"last_proposal":{"action":"REINSPECT","confidence_bps":6400,"event_id":"evt-5","proposal_id":"p-1"}}`, string(p.State))
}

func TestLostAndRecovered(t *testing.T) {
	events := sealed(t, nil,
		step{domain.AssetRegistered, domain.EmitterHuman, noEvidence(), `{"name":"Drill","category":"tool"}`},
		step{domain.AssetLostEvent, domain.EmitterHuman, withEvidence(evidenceA), `{"reason":"missing after shift"}`},
	)
	p, err := Fold(events)
	require.NoError(t, err)
	assert.Equal(t, domain.AssetLost, p.Status)
	assert.True(t, p.RequiresReverification)

	more := sealed(t, nil,
		step{domain.AssetRegistered, domain.EmitterHuman, noEvidence(), `{"name":"Drill","category":"tool"}`},
		step{domain.AssetLostEvent, domain.EmitterHuman, withEvidence(evidenceA), `{"reason":"missing after shift"}`},
		step{domain.AssetRecovered, domain.EmitterHuman, withEvidence(evidenceA), `{"location_zone":"LOCKER"}`},
		step{domain.ConditionAttested, domain.EmitterExternalAuthority, withEvidence(evidenceA), `{"condition":"GOOD","authority_ref":"CERT-1"}`},
	)
	p, err = Fold(more)
	require.NoError(t, err)
	assert.Equal(t, domain.AssetActive, p.Status)
	assert.Equal(t, "LOCKER", p.LocationZone)
	assert.Equal(t, "GOOD", p.Condition)
	assert.Equal(t, int64(10000), p.ConfidenceBps)
	assert.Equal(t, ConfidenceAuthority, p.ConfidenceSource)
	assert.False(t, p.RequiresReverification)
}

func TestApplySameVersionIsNoop(t *testing.T) {
	events := sealed(t, nil, lifecycle()[:2]...)
	p, err := Fold(events)
	require.NoError(t, err)

	again, err := Apply(p, events[1])
	require.NoError(t, err)
	assert.Equal(t, p, again)

	again, err = Apply(p, events[0])
	require.NoError(t, err)
	assert.Equal(t, p, again)
}

func TestApplyRejectsGapsAndBadLinks(t *testing.T) {
	events := sealed(t, nil, lifecycle()[:3]...)
	p, err := Apply(domain.Projection{}, events[0])
	require.NoError(t, err)

	_, err = Apply(p, events[2])
	assert.True(t, errors.Is(err, ErrVersionGap))

	forged := events[1]
	forged.PrevEventHash = evidenceA
	_, err = Apply(p, forged)
	assert.True(t, errors.Is(err, ErrBrokenLink))

	other := events[1]
	other.AssetID = "B2"
	_, err = Apply(p, other)
	assert.True(t, errors.Is(err, ErrForeignEvent))

	p.ChainStatus = domain.ChainCorrupted
	_, err = Apply(p, events[1])
	assert.True(t, errors.Is(err, ErrCorrupted))
}

func TestApplyRejectsUnknownType(t *testing.T) {
	events := sealed(t, nil, step{"TELEPORTED", domain.EmitterSystem, noEvidence(), `{}`})
	_, err := Apply(domain.Projection{}, events[0])
	assert.True(t, errors.Is(err, ErrMissingReducer))
}

func TestSuccessorGenesis(t *testing.T) {
	events := sealed(t, nil, step{domain.AssetSuccessorOpened, domain.EmitterSystem, noEvidence(),
		`{"predecessor_asset_id":"OLD","predecessor_version":4,"predecessor_event_hash":"` + evidenceA + `","incident_id":"inc-1","name":"Pump 4"}`})
	p, err := Fold(events)
	require.NoError(t, err)
	assert.Equal(t, "OLD", p.SuccessorOf)
	assert.Equal(t, domain.AssetActive, p.Status)
	assert.True(t, p.RequiresReverification)
	assert.Contains(t, string(p.State), `"incident_id":"inc-1"`)
	assert.Contains(t, string(p.State), `"version":4`)
}
