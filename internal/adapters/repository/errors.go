package repository

import "errors"

// Sentinel kinds for store errors.
var (
	ErrClosed         = errors.New("store closed")
	ErrUnknownBackend = errors.New("unknown store backend")
	ErrCorruptRecord  = errors.New("corrupt score record")
	ErrMissingDSN     = errors.New("store dsn is required")
)
