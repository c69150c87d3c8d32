package domain

import (
	"errors"
	"fmt"
)

// Code is the machine-readable reason attached to every rejection.
type Code string

const (
	CodeUnknownEventType       Code = "UNKNOWN_EVENT_TYPE"
	CodeSchemaValidation       Code = "SCHEMA_VALIDATION"
	CodeForbidden              Code = "FORBIDDEN"
	CodeEvidenceRequired       Code = "EVIDENCE_REQUIRED"
	CodeWaiverReasonMissing    Code = "WAIVER_REASON_MISSING"
	CodeEvidencePolicyMismatch Code = "EVIDENCE_POLICY_MISMATCH"
	CodeVersionConflict        Code = "VERSION_CONFLICT"
	CodeIdempotencyMismatch    Code = "IDEMPOTENCY_KEY_MISMATCH"
	CodeAssetCorrupted         Code = "ASSET_CORRUPTED"
	CodeAssetNotFound          Code = "ASSET_NOT_FOUND"
	CodeInvalidRequest         Code = "INVALID_REQUEST"
	CodeServerFieldSupplied    Code = "SERVER_FIELD_SUPPLIED"
	CodePreconditionRequired   Code = "PRECONDITION_REQUIRED"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeInternal               Code = "INTERNAL"
)

// Error is a classified ledger error. Two errors match under errors.Is
// when their codes match, so callers compare against the sentinels below.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrUnknownEventType       = &Error{Code: CodeUnknownEventType, Message: "event type is not registered"}
	ErrSchemaValidation       = &Error{Code: CodeSchemaValidation, Message: "payload failed schema validation"}
	ErrForbidden              = &Error{Code: CodeForbidden, Message: "emitter class may not emit this event type"}
	ErrEvidenceRequired       = &Error{Code: CodeEvidenceRequired, Message: "evidence hash is required"}
	ErrWaiverReasonMissing    = &Error{Code: CodeWaiverReasonMissing, Message: "waiver_reason is required for WAIVER"}
	ErrEvidencePolicyMismatch = &Error{Code: CodeEvidencePolicyMismatch, Message: "evidence policy not accepted for this event type"}
	ErrVersionConflict        = &Error{Code: CodeVersionConflict, Message: "expected version does not match current version", Retryable: true}
	ErrIdempotencyMismatch    = &Error{Code: CodeIdempotencyMismatch, Message: "idempotency key reused with a different request"}
	ErrAssetCorrupted         = &Error{Code: CodeAssetCorrupted, Message: "asset chain is corrupted; writes are rejected"}
	ErrAssetNotFound          = &Error{Code: CodeAssetNotFound, Message: "asset not found"}
	ErrInvalidRequest         = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrServerFieldSupplied    = &Error{Code: CodeServerFieldSupplied, Message: "request contains server-assigned fields"}
	ErrPreconditionRequired   = &Error{Code: CodePreconditionRequired, Message: "If-Match header is required"}
	ErrRateLimited            = &Error{Code: CodeRateLimited, Message: "rate limit exceeded", Retryable: true}
)

// Errorf builds a classified error carrying the sentinel's code and retry hint.
func Errorf(sentinel *Error, format string, args ...any) *Error {
	return &Error{
		Code:      sentinel.Code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: sentinel.Retryable,
	}
}

// Wrap attaches a cause to a classified error.
func Wrap(sentinel *Error, err error) *Error {
	return &Error{
		Code:      sentinel.Code,
		Message:   sentinel.Message,
		Retryable: sentinel.Retryable,
		Err:       err,
	}
}

// CodeOf extracts the reason code, defaulting to INTERNAL.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the caller may retry after refetching state.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}
