package domain

import "errors"

var (
	// ErrNotFound is returned when the requested resource does not exist.
	// Keeping this sentinel in domain allows adapters to map it consistently to 404/NOT_FOUND.
	ErrNotFound = errors.New("resource not found")
	// ErrNoLicense means no usable license exists at all, not even the offline
	// default. Given the fallback chain this should be unreachable in practice.
	ErrNoLicense = errors.New("no usable license")
	// ErrLicenseInactive signals a license whose status is not active.
	ErrLicenseInactive = errors.New("license not active")
	// ErrFeatureDisabled signals a request for a feature the license does not grant.
	ErrFeatureDisabled = errors.New("feature not enabled by license")
	// ErrLimitExceeded signals the concurrent-user quota is reached. Returned
	// to callers as an explicit rejection code, never a generic 500.
	ErrLimitExceeded = errors.New("concurrent user limit exceeded")
	// ErrSessionConflict signals an existing active session for the same user
	// from a different device.
	ErrSessionConflict = errors.New("session conflict")
	// ErrSyncUnavailable means the master server is unreachable. It is absorbed
	// internally via stale/offline fallback, never surfaced to end users.
	ErrSyncUnavailable = errors.New("master server unavailable")
	// ErrStoreUnavailable means the atomic cache is down. Admission falls back
	// to durable-store-only checks with reduced concurrency guarantees.
	ErrStoreUnavailable = errors.New("session cache unavailable")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConflict         = errors.New("conflict")
)
