package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Authentication errors
// 17000-17999: Export module errors
const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError     ErrorCode = 10100
	RecordNotFound    ErrorCode = 10101
	TransactionFailed ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200

	// Queue and storage errors (10400-10499)
	QueueError   ErrorCode = 10400
	StorageError ErrorCode = 10401

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Authentication Errors (11000-11999) ==========

	TokenExpired ErrorCode = 11003
	TokenInvalid ErrorCode = 11004

	// ========== Export Module Errors (17000-17999) ==========

	// Lifecycle (17000-17099)
	ExportNotFound             ErrorCode = 17000
	ExportQuotaExceeded        ErrorCode = 17001
	ExportInvalidState         ErrorCode = 17002
	ExportExpired              ErrorCode = 17003
	ExportDownloadLimitReached ErrorCode = 17004
	ExportNotCompleted         ErrorCode = 17005
	ExportRetryExhausted       ErrorCode = 17007

	// Pipeline (17100-17199)
	ExportProcessingFailed ErrorCode = 17006
	ExportArtifactTooLarge ErrorCode = 17008
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	DatabaseError:     "Database operation failed",
	RecordNotFound:    "Record not found in database",
	TransactionFailed: "Database transaction failed",

	CacheError:   "Cache operation failed",
	QueueError:   "Message queue operation failed",
	StorageError: "Object storage operation failed",

	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	TokenExpired: "Token has expired",
	TokenInvalid: "Invalid token",

	ExportNotFound:             "Export request not found",
	ExportQuotaExceeded:        "Export request quota exceeded",
	ExportInvalidState:         "Action is not allowed in the current export state",
	ExportExpired:              "Export has expired",
	ExportDownloadLimitReached: "Download limit reached",
	ExportNotCompleted:         "Export is not completed yet",
	ExportRetryExhausted:       "Retry limit reached, please create a new export request",
	ExportProcessingFailed:     "Export processing failed",
	ExportArtifactTooLarge:     "Export artifact exceeds the maximum allowed size",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid:
		return 401
	case c == Forbidden, c == ExportDownloadLimitReached:
		return 403
	case c == NotFound, c == RecordNotFound, c == ExportNotFound:
		return 404
	case c == ExportInvalidState, c == ExportNotCompleted, c == ExportRetryExhausted:
		return 409
	case c == ExportExpired:
		return 410
	case c == TooManyRequests, c == ExportQuotaExceeded:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c == Timeout:
		return 504
	case c >= 10300 && c < 10400:
		return 400
	case c == InvalidParams:
		return 400
	default:
		return 500
	}
}
