package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAPIKey           = errors.New("invalid upstream api key")
	ErrTransientFetch          = errors.New("transient upstream fetch failure")
	ErrCoordinationUnavailable = errors.New("coordination backend unavailable")
	ErrCacheBackendUnavailable = errors.New("cache backend unavailable")
	ErrPeerSendFailure         = errors.New("peer send failed")
	ErrMalformedUpdate         = errors.New("malformed price update")
	ErrPriceNotFound           = errors.New("no cached price for asset")
	ErrProviderModeActive      = errors.New("provider mode already enabled")
	ErrProviderModeInactive    = errors.New("provider mode not enabled")
)

// AuthenticationError is returned when the upstream API rejects the key.
// It is never retried.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthenticationError) Unwrap() error {
	if e.Err == nil {
		return ErrInvalidAPIKey
	}
	return e.Err
}
