package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. The prefix of each code selects the HTTP status.
const (
	// Validation (400)
	ErrCodeValidationInvalidTime       ErrorCode = "validation_invalid_time"
	ErrCodeValidationInvalidBBox       ErrorCode = "validation_invalid_bbox"
	ErrCodeValidationInvalidCoords     ErrorCode = "validation_invalid_coords"
	ErrCodeValidationInvalidThresholds ErrorCode = "validation_invalid_thresholds"
	ErrCodeValidationUnknownDataset    ErrorCode = "validation_unknown_dataset"
	ErrCodeValidationMissingField      ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidLeadHours  ErrorCode = "validation_invalid_lead_hours"
	ErrCodeValidationInvalidJSON       ErrorCode = "validation_invalid_json"

	// Auth (401)
	ErrCodeAuthTokenMissing ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid ErrorCode = "auth_token_invalid"

	// Not Found (404)
	ErrCodeNotFoundRun        ErrorCode = "not_found_run"
	ErrCodeNotFoundValidTime  ErrorCode = "not_found_valid_time"
	ErrCodeNotFoundSourceFile ErrorCode = "not_found_source_file"
	ErrCodeNotFoundStore      ErrorCode = "not_found_store"

	// Internal/Upstream (500/502)
	ErrCodeInternalSchemaMismatch   ErrorCode = "internal_schema_mismatch"
	ErrCodeInternalStoreUnavailable ErrorCode = "internal_store_unavailable"
	ErrCodeInternalStoreCorrupt     ErrorCode = "internal_store_corrupt"
	ErrCodeInternalDB               ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected       ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamInventory        ErrorCode = "upstream_inventory_unavailable"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsClientFault reports whether the code describes a caller mistake or a
// missing resource rather than a server fault.
func (c ErrorCode) IsClientFault() bool {
	return c.HTTPStatus() < http.StatusInternalServerError
}

// AppError is the standard application error type. Resolution, subsetting,
// and ingestion failures are all expressed as AppError so callers can tell
// client faults from server faults without matching on messages.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}
