// Package errors provides unified error handling for the graph-database core.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// Validation errors (1xxx)
	ErrCodeInvalidArgument ErrorCode = "VAL_1001"
	ErrCodeInvalidFormat   ErrorCode = "VAL_1002"

	// Resource errors (2xxx)
	ErrCodeNotFound ErrorCode = "RES_2001"
	ErrCodeConflict ErrorCode = "RES_2002"

	// Capacity errors (3xxx)
	ErrCodeCapacityExceeded ErrorCode = "CAP_3001"

	// Connection/engine errors (4xxx)
	ErrCodeConnectionFailure ErrorCode = "CONN_4001"
	ErrCodeQueryFailure      ErrorCode = "CONN_4002"
	ErrCodeCheckpointFailed  ErrorCode = "CONN_4003"
	ErrCodeRebuildFailed     ErrorCode = "CONN_4004"

	// Credit errors (5xxx)
	ErrCodeInsufficientCredits ErrorCode = "CREDIT_5001"
	ErrCodeInactivePool        ErrorCode = "CREDIT_5002"
	ErrCodeReservationExpired  ErrorCode = "CREDIT_5003"
	ErrCodeReservationNotFound ErrorCode = "CREDIT_5004"
)

// ServiceError represents a structured error with code, message, and HTTP status.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError, narrowing an
// engine-specific error to a semantic category at a package boundary.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// InvalidArgument builds a 400 for a validator rejection (bad graph_id,
// bad table_name, path traversal, malformed request).
func InvalidArgument(field, reason string) *ServiceError {
	return New(ErrCodeInvalidArgument, "invalid argument", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// NotFound builds a 404 for a missing graph, table, or reservation.
func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// Conflict builds a 409, used when a graph database already exists.
func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// CapacityExceeded builds a 507 for the per-node database cap.
func CapacityExceeded(current, max int) *ServiceError {
	return New(ErrCodeCapacityExceeded, "database capacity exceeded on this node", http.StatusInsufficientStorage).
		WithDetails("current", current).
		WithDetails("max", max)
}

// ConnectionFailure wraps a pool open/probe failure.
func ConnectionFailure(operation string, err error) *ServiceError {
	return Wrap(ErrCodeConnectionFailure, "connection failure", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

// QueryFailure wraps an engine rejection of a Cypher/SQL statement.
// httpStatus is 400 for user errors (bad SQL/Cypher) and 500 for internal ones.
func QueryFailure(message string, httpStatus int, err error) *ServiceError {
	return Wrap(ErrCodeQueryFailure, message, httpStatus, err)
}

// CheckpointFailed surfaces a staging WAL flush failure after the retry budget.
func CheckpointFailed(graphID string, attempts int, err error) *ServiceError {
	return Wrap(ErrCodeCheckpointFailed, "staging checkpoint failed", http.StatusInternalServerError, err).
		WithDetails("graph_id", graphID).
		WithDetails("attempts", attempts)
}

// RebuildFailed surfaces a failed full rebuild, including a recovery pointer.
func RebuildFailed(graphID, lastBackupKey string, err error) *ServiceError {
	return Wrap(ErrCodeRebuildFailed, "graph rebuild failed", http.StatusInternalServerError, err).
		WithDetails("graph_id", graphID).
		WithDetails("last_backup_key", lastBackupKey)
}

// InsufficientCredits surfaces a failed reservation/consumption with the
// current available balance and the amount that was required.
func InsufficientCredits(available, required float64) *ServiceError {
	return New(ErrCodeInsufficientCredits, "insufficient credits", http.StatusPaymentRequired).
		WithDetails("available", available).
		WithDetails("required", required)
}

// InactivePool surfaces a reservation attempt against a deactivated pool.
func InactivePool(poolID string) *ServiceError {
	return New(ErrCodeInactivePool, "credit pool is not active", http.StatusForbidden).
		WithDetails("pool_id", poolID)
}

// ReservationExpired surfaces at confirm time, after the compensating cancel runs.
func ReservationExpired(reservationID string) *ServiceError {
	return New(ErrCodeReservationExpired, "reservation expired", http.StatusGone).
		WithDetails("reservation_id", reservationID)
}

// ReservationNotFound surfaces when confirm/cancel cannot locate the reservation.
func ReservationNotFound(reservationID string) *ServiceError {
	return New(ErrCodeReservationNotFound, "reservation not found", http.StatusNotFound).
		WithDetails("reservation_id", reservationID)
}

// IsServiceError checks if an error is a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status hint for an error, consumed by the
// (out-of-scope) HTTP surface — core logic never branches on it.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Is reports whether the first ServiceError in err's chain carries the given
// ErrorCode; ServiceErrors nested further down the chain are not checked.
func Is(err error, code ErrorCode) bool {
	if se := GetServiceError(err); se != nil {
		return se.Code == code
	}
	return false
}
