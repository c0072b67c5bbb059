package domain

import "errors"

var (
	ErrInvalidProjectID  = errors.New("invalid project id")
	ErrNotFound          = errors.New("project not found")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrAlreadyRunning    = errors.New("project is already running")
	ErrNotRunning        = errors.New("project is not running")
	ErrQuotaExceeded     = errors.New("project quota exceeded")
	ErrValidation        = errors.New("validation failed")
	ErrDependencyMissing = errors.New("missing native dependency")
	ErrSpawnFailed       = errors.New("failed to start worker process")
	ErrStoreIO           = errors.New("store i/o failure")
)
