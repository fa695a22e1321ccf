package uplink

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("uplink: no store configured")
	ErrMigrationFailed = errors.New("uplink: migration failed")

	// Not found errors.
	ErrJobNotFound     = errors.New("uplink: job not found")
	ErrBatchNotFound   = errors.New("uplink: batch not found")
	ErrAccountNotFound = errors.New("uplink: account not found")

	// Conflict errors.
	ErrJobAlreadyExists   = errors.New("uplink: job already exists")
	ErrBatchAlreadyExists = errors.New("uplink: batch already exists")

	// Submission errors.
	ErrInvalidInput    = errors.New("uplink: invalid job input")
	ErrUnknownProvider = errors.New("uplink: no adapter registered for provider")

	// State errors.
	ErrInvalidState = errors.New("uplink: invalid state transition")
)
