package limiter

import (
	"fmt"
	"regexp"
	"strings"
)

var validTargetTypes = map[TargetType]bool{
	TargetGlobal:   true,
	TargetEndpoint: true,
	TargetIP:       true,
	TargetUser:     true,
}

var validActionTypes = map[ActionType]bool{
	ActionBlock:    true,
	ActionThrottle: true,
	ActionCaptcha:  true,
	ActionWarn:     true,
}

// LimitRule is an externally authored limiting rule.
//
// Exactly one of EndpointPattern, IPAddress and UserID is meaningful, chosen by
// TargetType. BurstLimit is carried as metadata only and is not enforced.
type LimitRule struct {
	ID                   int64      `yaml:"id" json:"id"`
	Name                 string     `yaml:"name" json:"name,omitempty"`
	Active               bool       `yaml:"active" json:"active"`
	Priority             int        `yaml:"priority" json:"priority"`
	TargetType           TargetType `yaml:"target_type" json:"target_type"`
	EndpointPattern      string     `yaml:"endpoint_pattern" json:"endpoint_pattern,omitempty"`
	IPAddress            string     `yaml:"ip_address" json:"ip_address,omitempty"`
	UserID               int64      `yaml:"user_id" json:"user_id,omitempty"`
	RequestsLimit        int64      `yaml:"requests_limit" json:"requests_limit"`
	TimeWindowSeconds    int64      `yaml:"time_window_seconds" json:"time_window_seconds"`
	BurstLimit           int64      `yaml:"burst_limit" json:"burst_limit,omitempty"`
	ActionType           ActionType `yaml:"action_type" json:"action_type"`
	BlockDurationSeconds int64      `yaml:"block_duration_seconds" json:"block_duration_seconds"`

	endpointRegex *regexp.Regexp // compiled from EndpointPattern by Validate
}

// Validate checks the rule invariants and prepares internal fields.
// Every failure wraps ErrInvalidRuleConfiguration.
func (r *LimitRule) Validate() error {
	if r.RequestsLimit <= 0 {
		return r.invalid("requests_limit must be positive, got %d", r.RequestsLimit)
	}
	if r.TimeWindowSeconds <= 0 {
		return r.invalid("time_window_seconds must be positive, got %d", r.TimeWindowSeconds)
	}
	if r.BlockDurationSeconds < 0 {
		return r.invalid("block_duration_seconds must not be negative, got %d", r.BlockDurationSeconds)
	}
	if r.BurstLimit < 0 {
		return r.invalid("burst_limit must not be negative, got %d", r.BurstLimit)
	}

	if r.ActionType == "" {
		r.ActionType = ActionBlock
	}
	if !validActionTypes[r.ActionType] {
		return r.invalid("unknown action_type '%s'", r.ActionType)
	}
	if !validTargetTypes[r.TargetType] {
		return r.invalid("unknown target_type '%s'", r.TargetType)
	}

	switch r.TargetType {
	case TargetEndpoint:
		if r.EndpointPattern == "" {
			return r.invalid("endpoint rule requires endpoint_pattern")
		}
		re, err := compileGlob(r.EndpointPattern)
		if err != nil {
			return r.invalid("failed to compile endpoint_pattern '%s': %v", r.EndpointPattern, err)
		}
		r.endpointRegex = re
	case TargetIP:
		if r.IPAddress == "" {
			return r.invalid("ip rule requires ip_address")
		}
	case TargetUser:
		if r.UserID == 0 {
			return r.invalid("user rule requires user_id")
		}
	}
	return nil
}

func (r *LimitRule) invalid(format string, args ...any) error {
	return fmt.Errorf("%w: rule %d: %s", ErrInvalidRuleConfiguration, r.ID, fmt.Sprintf(format, args...))
}

// label is the name used in logs and metrics.
func (r *LimitRule) label() string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("rule-%d", r.ID)
}

// compileGlob turns a shell glob into an anchored regexp.
// '*' matches any run of characters including '/', '?' exactly one.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString(`(?s)^`)
	for _, c := range pattern {
		switch c {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString(`$`)
	return regexp.Compile(b.String())
}
