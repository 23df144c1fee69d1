package apperrors

import "errors"

// ErrNotFound indicates that a requested resource could not be found.
var ErrNotFound = errors.New("resource not found")

// ErrValidation indicates that configuration or input data failed validation checks.
var ErrValidation = errors.New("validation error")

// ErrAlreadyRunning indicates that a pipeline run was requested while another is in flight.
var ErrAlreadyRunning = errors.New("pipeline already running")

// ErrSchemaMismatch indicates that a table is missing columns a step depends on.
var ErrSchemaMismatch = errors.New("schema mismatch")

// ErrReadOnly indicates that a write statement was sent to a read-only source connection.
var ErrReadOnly = errors.New("read-only connection")

// ErrShuttingDown indicates that a run was requested after shutdown began.
var ErrShuttingDown = errors.New("shutting down")
