package domain

import "errors"

// Sentinel errors shared across the pipeline. Handlers map these to HTTP
// statuses with errors.Is; lower layers wrap them with context.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrQuotaExceeded    = errors.New("storage quota exceeded")
	ErrDuplicateBook    = errors.New("book already exists")
	ErrParseFailure     = errors.New("archive parse failure")
	ErrProcessingFailed = errors.New("processing failed")
)
