package limiter

import "errors"

var (
	// ErrInvalidRuleConfiguration is returned when a rule fails validation.
	ErrInvalidRuleConfiguration = errors.New("limiter: invalid rule configuration")
	// ErrCounterStoreUnavailable is returned when the counter store cannot be
	// read or written in time. It never implies allow or deny.
	ErrCounterStoreUnavailable = errors.New("limiter: counter store unavailable")
	// ErrRuleNotFound is returned by rule administration calls for unknown ids.
	ErrRuleNotFound = errors.New("limiter: rule not found")
)
