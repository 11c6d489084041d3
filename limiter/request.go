package limiter

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Request identifies who is calling what. Empty strings and a nil UserID
// mean the discriminant is absent.
type Request struct {
	IP       string `json:"ip,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	UserID   *int64 `json:"user_id,omitempty"`
}

// UserID returns a pointer suitable for Request.UserID.
func UserID(id int64) *int64 {
	return &id
}

func (r Request) userString() string {
	if r.UserID == nil {
		return ""
	}
	return strconv.FormatInt(*r.UserID, 10)
}

// BuildKey derives the counter key for a rule and request.
// Format: <ruleID>:<xxhash64 hex of "ruleID|ip|endpoint|user">
func BuildKey(ruleID int64, req Request) string {
	id := strconv.FormatInt(ruleID, 10)

	d := xxhash.New()
	_, _ = d.WriteString(id)
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(req.IP)
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(req.Endpoint)
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(req.userString())

	return id + ":" + strconv.FormatUint(d.Sum64(), 16)
}
