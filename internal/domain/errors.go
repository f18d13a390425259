package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrWSDisconnect = errors.New("websocket disconnected")
	ErrLockHeld     = errors.New("lock held by another owner")

	// Book maintenance.
	ErrStaleBook        = errors.New("stale book")
	ErrOutOfOrder       = errors.New("out-of-order snapshot")
	ErrMalformedMessage = errors.New("malformed feed message")

	// Estimation.
	ErrInvalidRequest = errors.New("invalid estimate request")
	ErrUnknownFeeTier = errors.New("unknown fee tier")

	// Startup.
	ErrConfiguration = errors.New("configuration error")
)
