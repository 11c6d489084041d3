package limiter

import "time"

// TargetType selects which part of a request a rule applies to.
type TargetType string

// Target types
const (
	TargetGlobal   TargetType = "global"
	TargetEndpoint TargetType = "endpoint"
	TargetIP       TargetType = "ip"
	TargetUser     TargetType = "user"
)

// ActionType is the consequence a caller applies when a rule is violated.
type ActionType string

// Action types
const (
	ActionBlock    ActionType = "block"
	ActionThrottle ActionType = "throttle"
	ActionCaptcha  ActionType = "captcha"
	ActionWarn     ActionType = "warn"
)

// Storage types
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

const (
	// DefaultRetention is how long a counter survives after its window started.
	DefaultRetention = 24 * time.Hour
	// DefaultSweepInterval is how often Reaper.Run sweeps.
	DefaultSweepInterval = time.Hour
	// DefaultStoreTimeout bounds every counter store call made by the engine.
	DefaultStoreTimeout = 200 * time.Millisecond
)
