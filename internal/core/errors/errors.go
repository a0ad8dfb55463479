package errors

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/google/uuid"
)

const (
	HttpInternalError        = "internal_error"
	HttpInvalidJsonError     = "invalid_json"
	HttpNotFoundError        = "not_found"
	HttpValidationError      = "validation_failed"
	HttpInitFailedError      = "init_failed"
	HttpStateSizeExceeded    = "state_size_exceeded"
	HttpCalculationFailed    = "calculation_failed"
	HttpTimeoutError         = "timeout"
	HttpReprocessingRejected = "reprocessing_rejected"
	HttpServiceUnavailable   = "service_unavailable"
)

// ErrorResponse is the error response body of the HTTP API.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}

var (
	// ErrStateSizeExceeded means a state outgrew its byte budget and was removed.
	ErrStateSizeExceeded = stderrors.New("calculated field state size exceeds limit")
	// ErrStateFetchTimeout means a cold state could not be loaded within its bound.
	ErrStateFetchTimeout = stderrors.New("timed out fetching calculated field state")
	// ErrCalculationTimeout means a calculation did not finish within its bound.
	ErrCalculationTimeout = stderrors.New("calculation timed out")
	// ErrContextClosed means a message referenced a definition that was already replaced or deleted.
	ErrContextClosed = stderrors.New("calculated field context is closed")
	// ErrStopped means the engine is shutting down.
	ErrStopped = stderrors.New("engine stopped")
	// ErrReprocessingRejected means a field cannot be rebuilt from historical time series.
	ErrReprocessingRejected = stderrors.New("reprocessing not supported for calculated field")
)

// InitError is returned when a definition fails to compile or initialize.
type InitError struct {
	FieldID uuid.UUID
	Name    string
	Cause   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("failed to initialize calculated field %q (%s): %v", e.Name, e.FieldID, e.Cause)
}

func (e *InitError) Unwrap() error { return e.Cause }

// CalculationError carries the context of a failed argument update or calculation.
type CalculationError struct {
	FieldID   uuid.UUID
	FieldName string
	Entity    entity.ID
	MsgID     uuid.UUID
	MsgType   string
	Arguments map[string]any
	Cause     error
}

func (e *CalculationError) Error() string {
	return fmt.Sprintf("calculated field %q failed for %s (msg %s %s): %v",
		e.FieldName, e.Entity, e.MsgType, e.MsgID, e.Cause)
}

func (e *CalculationError) Unwrap() error { return e.Cause }

// Details returns the structured context for logging and API responses.
func (e *CalculationError) Details() map[string]interface{} {
	return map[string]interface{}{
		"field_id":   e.FieldID.String(),
		"field_name": e.FieldName,
		"entity":     e.Entity.String(),
		"msg_id":     e.MsgID.String(),
		"msg_type":   e.MsgType,
		"arguments":  e.Arguments,
	}
}

// Kind classifies an error for transports so operators can tell size and
// initialization failures apart from transient ones.
func Kind(err error) string {
	var initErr *InitError
	switch {
	case err == nil:
		return ""
	case stderrors.Is(err, ErrStateSizeExceeded):
		return HttpStateSizeExceeded
	case stderrors.Is(err, ErrReprocessingRejected):
		return HttpReprocessingRejected
	case stderrors.As(err, &initErr):
		return HttpInitFailedError
	case stderrors.Is(err, ErrStateFetchTimeout),
		stderrors.Is(err, ErrCalculationTimeout),
		stderrors.Is(err, context.DeadlineExceeded):
		return HttpTimeoutError
	default:
		return HttpCalculationFailed
	}
}

// Details extracts structured context from err when it carries any.
func Details(err error) map[string]interface{} {
	var calcErr *CalculationError
	if stderrors.As(err, &calcErr) {
		return calcErr.Details()
	}
	var initErr *InitError
	if stderrors.As(err, &initErr) {
		return map[string]interface{}{"field_id": initErr.FieldID.String(), "field_name": initErr.Name}
	}
	return nil
}
