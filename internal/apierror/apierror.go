package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrConflict       ErrorCode = "CONFLICT"
	ErrBadRequest     ErrorCode = "BAD_REQUEST"
	ErrInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrInternalServer ErrorCode = "INTERNAL_SERVER_ERROR"

	// Coordination engine codes.
	ErrInvalidTransition     ErrorCode = "INVALID_TRANSITION"
	ErrGateNotSatisfied      ErrorCode = "GATE_NOT_SATISFIED"
	ErrLockHeld              ErrorCode = "LOCK_HELD"
	ErrNotOwner              ErrorCode = "NOT_OWNER"
	ErrInsufficientLiquidity ErrorCode = "INSUFFICIENT_PROVIDER_LIQUIDITY"
	ErrConsistencyDrift      ErrorCode = "CONSISTENCY_DRIFT"
	ErrIdempotencyInProgress ErrorCode = "IDEMPOTENCY_IN_PROGRESS"
)

type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	logrus.Error(details)
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Is lets callers match on the code with errors.Is.
func (e APIError) Is(target error) bool {
	var other APIError
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// HasCode reports whether err is an APIError carrying the given code.
func HasCode(err error, code ErrorCode) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func MapErrorToHTTPStatus(err error) int {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case ErrNotFound:
			return http.StatusNotFound
		case ErrConflict, ErrLockHeld, ErrNotOwner, ErrIdempotencyInProgress:
			return http.StatusConflict
		case ErrInvalidInput, ErrBadRequest:
			return http.StatusBadRequest
		case ErrInvalidTransition, ErrGateNotSatisfied:
			return http.StatusUnprocessableEntity
		case ErrInsufficientLiquidity:
			return http.StatusServiceUnavailable
		case ErrInternalServer:
			return http.StatusInternalServerError
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
