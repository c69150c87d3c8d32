package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/assetledger/internal/domain"
)

// ErrorResponse defines the structure of an error response
type ErrorResponse struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// Error represents an API error
type Error struct {
	Message    string
	StatusCode int
	Code       string
}

func (e *Error) Error() string {
	return e.Message
}

// Errors raised by the HTTP layer itself.
var (
	ErrUnauthenticated = &Error{Message: "Missing or invalid identity headers", StatusCode: http.StatusUnauthorized, Code: "UNAUTHENTICATED"}
	ErrRouteNotFound   = &Error{Message: "Resource not found", StatusCode: http.StatusNotFound, Code: "NOT_FOUND"}
)

// statusByCode maps ledger reason codes to HTTP statuses.
var statusByCode = map[domain.Code]int{
	domain.CodeUnknownEventType:       http.StatusUnprocessableEntity,
	domain.CodeSchemaValidation:       http.StatusUnprocessableEntity,
	domain.CodeForbidden:              http.StatusForbidden,
	domain.CodeEvidenceRequired:       http.StatusUnprocessableEntity,
	domain.CodeWaiverReasonMissing:    http.StatusUnprocessableEntity,
	domain.CodeEvidencePolicyMismatch: http.StatusUnprocessableEntity,
	domain.CodeVersionConflict:        http.StatusConflict,
	domain.CodeIdempotencyMismatch:    http.StatusUnprocessableEntity,
	domain.CodeAssetCorrupted:         http.StatusLocked,
	domain.CodeAssetNotFound:          http.StatusNotFound,
	domain.CodeInvalidRequest:         http.StatusBadRequest,
	domain.CodeServerFieldSupplied:    http.StatusBadRequest,
	domain.CodePreconditionRequired:   http.StatusPreconditionRequired,
	domain.CodeRateLimited:            http.StatusTooManyRequests,
}

// StatusFor returns the HTTP status for a ledger reason code.
func StatusFor(code domain.Code) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WriteError aborts the request with an error response. Unclassified errors
// are logged and answered with a generic 500.
func WriteError(c *gin.Context, err error) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		c.AbortWithStatusJSON(apiErr.StatusCode, ErrorResponse{Message: apiErr.Message, Code: apiErr.Code})
		return
	}

	var ledgerErr *domain.Error
	if errors.As(err, &ledgerErr) && ledgerErr.Code != domain.CodeInternal {
		c.AbortWithStatusJSON(StatusFor(ledgerErr.Code), ErrorResponse{
			Message:   ledgerErr.Error(),
			Code:      string(ledgerErr.Code),
			Retryable: ledgerErr.Retryable,
		})
		return
	}

	requestID, _ := c.Get(requestIDKey)
	log.Error().Err(err).
		Str("path", c.Request.URL.Path).
		Interface("request_id", requestID).
		Msg("Unhandled error")
	c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
		Message: "Internal server error",
		Code:    string(domain.CodeInternal),
	})
}
