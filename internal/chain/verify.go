package chain

import (
	"fmt"

	"example.com/backstage/services/assetledger/internal/domain"
)

// Reason names why a chain link failed.
type Reason string

const (
	ReasonVersionGap       Reason = "VERSION_GAP"
	ReasonGenesisMismatch  Reason = "GENESIS_MISMATCH"
	ReasonPrevHashMismatch Reason = "PREV_HASH_MISMATCH"
	ReasonHashMismatch     Reason = "HASH_MISMATCH"
	ReasonSignatureInvalid Reason = "SIGNATURE_INVALID"
)

// Break describes the first failing link.
type Break struct {
	Version int64
	Reason  Reason
	Detail  string
}

func (b *Break) Error() string {
	return fmt.Sprintf("chain broken at version %d: %s (%s)", b.Version, b.Reason, b.Detail)
}

// SignatureCheck verifies an event's signature. A nil check skips signatures.
type SignatureCheck func(e domain.Event) error

// Walker verifies events one at a time in ascending version order, so
// callers can fold each event only after its link is proven.
type Walker struct {
	check    SignatureCheck
	next     int64
	prevHash string
}

func NewWalker(check SignatureCheck) *Walker {
	return &Walker{check: check, next: 1, prevHash: GenesisHash}
}

// Step verifies e as the next link. Once Step returns a break the walker
// must not be reused.
func (w *Walker) Step(e domain.Event) *Break {
	if e.AggregateVersion != w.next {
		return &Break{
			Version: w.next,
			Reason:  ReasonVersionGap,
			Detail:  fmt.Sprintf("expected version %d, found %d", w.next, e.AggregateVersion),
		}
	}
	if e.PrevEventHash != w.prevHash {
		reason := ReasonPrevHashMismatch
		if e.AggregateVersion == 1 {
			reason = ReasonGenesisMismatch
		}
		return &Break{
			Version: e.AggregateVersion,
			Reason:  reason,
			Detail:  fmt.Sprintf("prev_event_hash %s does not link to %s", e.PrevEventHash, w.prevHash),
		}
	}
	recomputed, err := Hash(e)
	if err != nil {
		return &Break{Version: e.AggregateVersion, Reason: ReasonHashMismatch, Detail: err.Error()}
	}
	if recomputed != e.EventHash {
		return &Break{
			Version: e.AggregateVersion,
			Reason:  ReasonHashMismatch,
			Detail:  fmt.Sprintf("stored %s, recomputed %s", e.EventHash, recomputed),
		}
	}
	if w.check != nil {
		if err := w.check(e); err != nil {
			return &Break{Version: e.AggregateVersion, Reason: ReasonSignatureInvalid, Detail: err.Error()}
		}
	}
	w.next++
	w.prevHash = e.EventHash
	return nil
}

// Verified is the number of links proven so far.
func (w *Walker) Verified() int64 { return w.next - 1 }

// Result is the outcome of VerifyChain.
type Result struct {
	Valid    bool
	Verified int64
	Break    *Break
}

// VerifyChain walks events in the given order from version 1.
func VerifyChain(events []domain.Event, check SignatureCheck) Result {
	w := NewWalker(check)
	for _, e := range events {
		if b := w.Step(e); b != nil {
			return Result{Valid: false, Verified: w.Verified(), Break: b}
		}
	}
	return Result{Valid: true, Verified: w.Verified()}
}
