package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrMarketNotFound = errors.New("market not found for position")
	ErrNoBlock        = errors.New("no block satisfies timestamp bound")
	ErrLockHeld       = errors.New("lock already held")
	ErrInvalidEvent   = errors.New("invalid event payload")
	ErrContextDone    = errors.New("context cancelled")
)
