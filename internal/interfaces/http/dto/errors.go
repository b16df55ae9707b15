package dto

import "net/http"

// Error code constants organized by category
// Format: ERR_<CATEGORY>_<DESCRIPTION>

// General error codes
const (
	// ErrCodeUnknown is used when the error type is unknown
	ErrCodeUnknown = "ERR_UNKNOWN"
	// ErrCodeInternal is used for internal server errors
	ErrCodeInternal = "ERR_INTERNAL"
)

// Request error codes
const (
	// ErrCodeValidation is used when request fields fail validation
	ErrCodeValidation = "ERR_VALIDATION"
	// ErrCodeBadRequest is used for malformed requests
	ErrCodeBadRequest = "ERR_BAD_REQUEST"
	// ErrCodeInvalidInput is used for invalid input data
	ErrCodeInvalidInput = "ERR_INVALID_INPUT"
	// ErrCodeInvalidJSON is used when JSON parsing fails
	ErrCodeInvalidJSON = "ERR_INVALID_JSON"
	// ErrCodeRequestTooLarge is used when the body exceeds the configured limit
	ErrCodeRequestTooLarge = "ERR_REQUEST_TOO_LARGE"
)

// Tenant error codes
const (
	// ErrCodeTenantRequired is used when no tenant header is present
	ErrCodeTenantRequired = "ERR_TENANT_REQUIRED"
	// ErrCodeInvalidTenant is used when the tenant ID is not a UUID
	ErrCodeInvalidTenant = "ERR_INVALID_TENANT"
)

// Ledger error codes
const (
	// ErrCodeUnknownAddon is used when a purchase names a pack that does not exist
	ErrCodeUnknownAddon = "ERR_UNKNOWN_ADDON"
	// ErrCodePersistenceUnavailable is used when the ledger store cannot be reached
	ErrCodePersistenceUnavailable = "ERR_PERSISTENCE_UNAVAILABLE"
	// ErrCodeNotFound is used when a resource is not found
	ErrCodeNotFound = "ERR_NOT_FOUND"
	// ErrCodeConcurrencyConflict is used when optimistic locking fails
	ErrCodeConcurrencyConflict = "ERR_CONCURRENCY_CONFLICT"
	// ErrCodeLockTimeout is used when the tenant lock could not be acquired in time
	ErrCodeLockTimeout = "ERR_LOCK_TIMEOUT"
)

// Rate limiting error codes
const (
	// ErrCodeRateLimited is used when rate limit is exceeded
	ErrCodeRateLimited = "ERR_RATE_LIMITED"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeUnknown:  http.StatusInternalServerError,
	ErrCodeInternal: http.StatusInternalServerError,

	ErrCodeValidation:      http.StatusBadRequest,
	ErrCodeBadRequest:      http.StatusBadRequest,
	ErrCodeInvalidInput:    http.StatusBadRequest,
	ErrCodeInvalidJSON:     http.StatusBadRequest,
	ErrCodeRequestTooLarge: http.StatusRequestEntityTooLarge,

	ErrCodeTenantRequired: http.StatusBadRequest,
	ErrCodeInvalidTenant:  http.StatusBadRequest,

	ErrCodeUnknownAddon:           http.StatusBadRequest,
	ErrCodePersistenceUnavailable: http.StatusServiceUnavailable,
	ErrCodeNotFound:               http.StatusNotFound,
	ErrCodeConcurrencyConflict:    http.StatusConflict,
	ErrCodeLockTimeout:            http.StatusServiceUnavailable,

	ErrCodeRateLimited: http.StatusTooManyRequests,
}

// GetHTTPStatus returns the HTTP status code for an error code
// Returns 500 Internal Server Error if the error code is not found
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// DomainErrorCodeMapping maps domain error codes to API error codes
var DomainErrorCodeMapping = map[string]string{
	"NOT_FOUND":               ErrCodeNotFound,
	"INVALID_INPUT":           ErrCodeInvalidInput,
	"INVALID_TENANT":          ErrCodeInvalidTenant,
	"UNKNOWN_ADDON":           ErrCodeUnknownAddon,
	"PERSISTENCE_UNAVAILABLE": ErrCodePersistenceUnavailable,
	"CONCURRENCY_CONFLICT":    ErrCodeConcurrencyConflict,
	"INTERNAL_ERROR":          ErrCodeInternal,
}

// NormalizeErrorCode converts a domain error code to the API format.
// Codes already in the API format or unknown are returned as-is.
func NormalizeErrorCode(code string) string {
	if newCode, ok := DomainErrorCodeMapping[code]; ok {
		return newCode
	}
	return code
}
