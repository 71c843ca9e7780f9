// Package radiusdb manages the FreeRADIUS authorization tables. Each
// provisioned user gets check attributes (credentials, device limit),
// reply attributes (session timeout, rate limit) and a usergroup row
// tying the user to its plan.
package radiusdb

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/supa-modo/vuka-wifi-billing-server/pkg/store"
)

// FreeRADIUS operators. Check attributes use ":=" (set and require),
// reply attributes use "=" (add to reply).
const (
	OpSet = ":="
	OpAdd = "="
)

// Attribute names written to radius_check and radius_reply.
const (
	AttrCleartextPassword = "Cleartext-Password"
	AttrSimultaneousUse   = "Simultaneous-Use"
	AttrSessionTimeout    = "Session-Timeout"
	AttrIdleTimeout       = "Idle-Timeout"
	AttrMikrotikRateLimit = "Mikrotik-Rate-Limit"
)

// Attribute is a single FreeRADIUS check or reply row.
type Attribute struct {
	Name  string `json:"name"`
	Op    string `json:"op"`
	Value string `json:"value"`
}

// AttributeSet is everything FreeRADIUS needs to authorize one user.
type AttributeSet struct {
	Username  string      `json:"username"`
	SessionID string      `json:"sessionId"`
	Check     []Attribute `json:"check"`
	Reply     []Attribute `json:"reply"`
	Groups    []string    `json:"groups"`
}

// bandwidthRE matches plan bandwidth strings such as "5M/2M" or "512k/256k".
var bandwidthRE = regexp.MustCompile(`^(\d+[kKmMgG]?)/(\d+[kKmMgG]?)$`)

// RateLimit converts a plan bandwidth limit, stored download-first,
// into the Mikrotik-Rate-Limit value, which is upload-first.
func RateLimit(bandwidthLimit string) (string, error) {
	m := bandwidthRE.FindStringSubmatch(bandwidthLimit)
	if m == nil {
		return "", fmt.Errorf("invalid bandwidth limit %q, want download/upload like 5M/2M", bandwidthLimit)
	}
	return m[2] + "/" + m[1], nil
}

// GroupName returns the FreeRADIUS group for a plan.
func GroupName(planID string) string {
	return "plan_" + planID
}

// Build assembles the attribute set for a provisioned session.
func Build(username, password string, plan *store.Plan, deviceCount int, sessionID string) (*AttributeSet, error) {
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	if password == "" {
		return nil, fmt.Errorf("password is required")
	}
	if deviceCount < 1 {
		deviceCount = 1
	}
	if plan.MaxDevices > 0 && deviceCount > plan.MaxDevices {
		return nil, fmt.Errorf("device count %d exceeds plan limit %d", deviceCount, plan.MaxDevices)
	}

	rateLimit, err := RateLimit(plan.BandwidthLimit)
	if err != nil {
		return nil, err
	}

	timeout := int(plan.Duration() / time.Second)

	return &AttributeSet{
		Username:  username,
		SessionID: sessionID,
		Check: []Attribute{
			{Name: AttrCleartextPassword, Op: OpSet, Value: password},
			{Name: AttrSimultaneousUse, Op: OpSet, Value: strconv.Itoa(deviceCount)},
		},
		Reply: []Attribute{
			{Name: AttrSessionTimeout, Op: OpAdd, Value: strconv.Itoa(timeout)},
			{Name: AttrMikrotikRateLimit, Op: OpAdd, Value: rateLimit},
		},
		Groups: []string{GroupName(plan.ID)},
	}, nil
}

// Password returns the Cleartext-Password value, if present.
func (s *AttributeSet) Password() (string, bool) {
	for _, attr := range s.Check {
		if attr.Name == AttrCleartextPassword {
			return attr.Value, true
		}
	}
	return "", false
}

func (a Attribute) String() string {
	return strings.Join([]string{a.Name, a.Op, a.Value}, " ")
}
