package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// EmitterClass determines which event types an emitter may produce.
type EmitterClass string

const (
	EmitterHuman             EmitterClass = "HUMAN"
	EmitterSystem            EmitterClass = "SYSTEM"
	EmitterExternalAuthority EmitterClass = "EXTERNAL_AUTHORITY"
)

// Valid reports whether c is one of the known emitter classes.
func (c EmitterClass) Valid() bool {
	switch c {
	case EmitterHuman, EmitterSystem, EmitterExternalAuthority:
		return true
	}
	return false
}

// ParseEmitterClass normalises a header value into an EmitterClass.
func ParseEmitterClass(s string) (EmitterClass, bool) {
	c := EmitterClass(strings.ToUpper(strings.TrimSpace(s)))
	return c, c.Valid()
}

// EvidencePolicy governs whether an evidence hash must reference real evidence.
type EvidencePolicy string

const (
	EvidenceRequired    EvidencePolicy = "REQUIRED"
	EvidenceInheritLast EvidencePolicy = "INHERIT_LAST"
	EvidenceWaiver      EvidencePolicy = "WAIVER"
	EvidenceOptional    EvidencePolicy = "OPTIONAL"
)

func (p EvidencePolicy) Valid() bool {
	switch p {
	case EvidenceRequired, EvidenceInheritLast, EvidenceWaiver, EvidenceOptional:
		return true
	}
	return false
}

// ChainStatus is the trust state of an asset's history.
type ChainStatus string

const (
	ChainValid     ChainStatus = "VALID"
	ChainCorrupted ChainStatus = "CORRUPTED"
)

// Asset lifecycle states folded into projections.
const (
	AssetActive  = "ACTIVE"
	AssetLost    = "LOST"
	AssetRetired = "RETIRED"
)

// Event types known to the registry. The registry file is authoritative;
// these constants exist so reducers and tests don't repeat string literals.
const (
	AssetRegistered       = "ASSET_REGISTERED"
	CustodyTransferred    = "CUSTODY_TRANSFERRED"
	InspectionRecorded    = "INSPECTION_RECORDED"
	ScanRecorded          = "SCAN_RECORDED"
	AssetLostEvent        = "ASSET_LOST"
	AssetRecovered        = "ASSET_RECOVERED"
	ConditionAttested     = "CONDITION_ATTESTED"
	AssetRetiredEvent     = "ASSET_RETIRED"
	BishopProposalEmitted = "BISHOP_PROPOSAL_EMITTED"
	LedgerSyncUpdated     = "LEDGER_SYNC_UPDATED"
	AssetSuccessorOpened  = "ASSET_SUCCESSOR_OPENED"
)

// Emitter is the verified identity a request acts as.
type Emitter struct {
	Class EmitterClass `json:"emitter_class" validate:"required"`
	ID    string       `json:"emitter_id" validate:"required,max=128"`
}

// Evidence is the evidence block submitted with a command and recorded on the event.
type Evidence struct {
	Policy       EvidencePolicy `json:"policy" validate:"required"`
	EvidenceHash string         `json:"evidence_hash"`
	WaiverReason string         `json:"waiver_reason" validate:"max=2000"`
}

// Command is a candidate event submitted for append.
type Command struct {
	EntityID        string          `validate:"required,max=128"`
	AssetID         string          `validate:"required,max=128"`
	ExpectedVersion int64           `validate:"gte=0"`
	EventType       string          `validate:"required,max=64"`
	Emitter         Emitter
	Evidence        Evidence
	Payload         json.RawMessage `validate:"required"`
	IdempotencyKey  string          `validate:"required,max=255"`
}

// Receipt is returned for every successful append, and replayed verbatim
// for idempotent retries.
type Receipt struct {
	EventID          string `json:"event_id"`
	AssetID          string `json:"asset_id"`
	AggregateVersion int64  `json:"aggregate_version"`
	EventHash        string `json:"event_hash"`
	PrevEventHash    string `json:"prev_event_hash"`
}

// Event is the immutable envelope stored in the ledger.
type Event struct {
	EventID          string          `json:"event_id"`
	AssetID          string          `json:"asset_id"`
	EntityID         string          `json:"entity_id"`
	AggregateVersion int64           `json:"aggregate_version"`
	EventType        string          `json:"event_type"`
	EmitterClass     EmitterClass    `json:"emitter_class"`
	EmitterID        string          `json:"emitter_id"`
	OccurredAt       time.Time       `json:"occurred_at"`
	Evidence         Evidence        `json:"evidence"`
	Payload          json.RawMessage `json:"payload"`
	PrevEventHash    string          `json:"prev_event_hash"`
	EventHash        string          `json:"event_hash"`
	Signature        string          `json:"signature"`
	RegistryVersion  string          `json:"registry_version"`
}

// Tip is the head of an asset's chain.
type Tip struct {
	AssetID          string `json:"asset_id"`
	AggregateVersion int64  `json:"aggregate_version"`
	EventHash        string `json:"event_hash"`
}

// Projection is the derived current-state snapshot of one asset.
type Projection struct {
	AssetID                string          `json:"asset_id"`
	EntityID               string          `json:"entity_id"`
	AggregateVersion       int64           `json:"aggregate_version"`
	Status                 string          `json:"status"`
	Name                   string          `json:"name,omitempty"`
	Category               string          `json:"category,omitempty"`
	SerialNumber           string          `json:"serial_number,omitempty"`
	Condition              string          `json:"condition,omitempty"`
	CustodianID            string          `json:"custodian_id,omitempty"`
	LocationZone           string          `json:"location_zone,omitempty"`
	LastScanAt             *time.Time      `json:"last_scan_at,omitempty"`
	LastInspectionAt       *time.Time      `json:"last_inspection_at,omitempty"`
	LastEvidenceHash       string          `json:"last_evidence_hash,omitempty"`
	LastEvidenceAt         *time.Time      `json:"last_evidence_at,omitempty"`
	ConfidenceBps          int64           `json:"confidence_bps"`
	ConfidenceSource       string          `json:"confidence_source,omitempty"`
	RequiresReverification bool            `json:"requires_reverification"`
	SyncStatus             string          `json:"sync_status,omitempty"`
	LedgerRefID            string          `json:"ledger_ref_id,omitempty"`
	SuccessorOf            string          `json:"successor_of,omitempty"`
	ChainStatus            ChainStatus     `json:"chain_status"`
	LastEventHash          string          `json:"last_event_hash"`
	LastPrevHash           string          `json:"last_prev_hash"`
	State                  json.RawMessage `json:"state,omitempty"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// Corrupted reports whether the asset's history is no longer trusted.
func (p Projection) Corrupted() bool {
	return p.ChainStatus == ChainCorrupted
}

// Incident records a detected chain break. Incidents are append-only.
type Incident struct {
	ID            string    `json:"id"`
	AssetID       string    `json:"asset_id"`
	EntityID      string    `json:"entity_id"`
	BrokenVersion int64     `json:"broken_version"`
	Reason        string    `json:"reason"`
	Detail        string    `json:"detail"`
	DetectedBy    string    `json:"detected_by"`
	DetectedAt    time.Time `json:"detected_at"`
}
