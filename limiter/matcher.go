package limiter

// matchFunc reports whether a rule of one target type applies to a request.
type matchFunc func(rule *LimitRule, req Request) bool

// matchers has exactly one entry per TargetType.
var matchers = map[TargetType]matchFunc{
	TargetGlobal:   matchGlobal,
	TargetEndpoint: matchEndpoint,
	TargetIP:       matchIP,
	TargetUser:     matchUser,
}

func matchGlobal(*LimitRule, Request) bool {
	return true
}

func matchEndpoint(rule *LimitRule, req Request) bool {
	if req.Endpoint == "" {
		return false
	}
	if rule.endpointRegex == nil {
		// rule was not validated
		re, err := compileGlob(rule.EndpointPattern)
		if err != nil {
			return false
		}
		return re.MatchString(req.Endpoint)
	}
	return rule.endpointRegex.MatchString(req.Endpoint)
}

func matchIP(rule *LimitRule, req Request) bool {
	return req.IP != "" && req.IP == rule.IPAddress
}

func matchUser(rule *LimitRule, req Request) bool {
	return req.UserID != nil && *req.UserID == rule.UserID
}

// Matches reports whether an active rule applies to req.
func (r *LimitRule) Matches(req Request) bool {
	if !r.Active {
		return false
	}
	match, ok := matchers[r.TargetType]
	if !ok {
		return false
	}
	return match(r, req)
}

// SelectRules returns the active rules of rs that apply to req, highest
// priority first and ties by ascending id. An empty result means no rule
// applies and the request is allowed.
func SelectRules(rs *RuleSet, req Request) []*LimitRule {
	var selected []*LimitRule
	for _, rule := range rs.Rules() {
		if rule.Matches(req) {
			selected = append(selected, rule)
		}
	}
	return selected
}
