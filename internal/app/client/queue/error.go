package queue

import "errors"

var (
	ErrNotFound           = errors.New("operation not found")
	ErrDuplicateOperation = errors.New("operation with this local_id already exists")
	ErrInvalidTransition  = errors.New("invalid operation status transition")
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	ErrInvalidOperation   = errors.New("invalid operation")
	ErrDependencyFailed   = errors.New("entity create operation has failed")
)
