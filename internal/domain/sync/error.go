package sync

import (
	"errors"
	"fmt"
)

var (
	ErrNotAuthenticated  = errors.New("user not authenticated")
	ErrDeviceRequired    = errors.New("device id is required")
	ErrUserMismatch      = errors.New("user id does not match authenticated user")
	ErrBatchTooLarge     = errors.New("batch too large")
	ErrDeviceNotFound    = errors.New("device not found")
	ErrEntityNotFound    = errors.New("entity not found")
	ErrOperationNotFound = errors.New("operation not found")
	ErrConflictNotFound  = errors.New("conflict not found")
	ErrConflictResolved  = errors.New("conflict already resolved")
	ErrMergedDataMissing = errors.New("merged data is required for manual resolution")
	ErrInvalidStrategy   = errors.New("invalid resolution strategy")
)

// Коды ошибок валидации, уходящие клиенту в errors[]
const (
	CodeMissingLocalID    = "missing_local_id"
	CodeInvalidEntityType = "invalid_entity_type"
	CodeInvalidKind       = "invalid_kind"
	CodeMissingEntityID   = "missing_entity_id"
	CodeMissingBase       = "missing_base"
	CodeInvalidPayload    = "invalid_payload"
	CodeLocalIDReused     = "local_id_reused"
	CodeInternal          = "internal_error"
)

// ErrValidation базовая ошибка для errors.Is
var ErrValidation = errors.New("validation error")

// ValidationError операция отклонена из-за некорректных данных; повтор не поможет
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func newValidationError(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}
