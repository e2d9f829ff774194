package services

import "errors"

var (
	// ErrAlreadyRunning means a sync for the account is active; the new
	// trigger is rejected, not queued.
	ErrAlreadyRunning = errors.New("sync already running for this account")

	// ErrAccountDisabled means the account is soft-disabled and not synced.
	ErrAccountDisabled = errors.New("account is disabled")

	// ErrNotCached means the requested image has not been cached yet.
	ErrNotCached = errors.New("image not cached")
)
