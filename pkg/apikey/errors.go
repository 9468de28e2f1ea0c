package apikey

import "errors"

var (
	// ErrKeyNotFound means the credential does not exist. Not retried.
	ErrKeyNotFound = errors.New("apikey: key not found")

	// ErrResolutionUnavailable means the authoritative store is unreachable
	// and no cached copy exists to fall back on.
	ErrResolutionUnavailable = errors.New("apikey: resolution unavailable")
)
