package session

import (
	"time"

	"github.com/supa-modo/vuka-wifi-billing-server/pkg/coa"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/credentials"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/store"
)

// Reason records why a session ended. The values follow the RADIUS
// Acct-Terminate-Cause vocabulary so NAS-reported causes and our own
// line up in the accounting tables.
type Reason string

const (
	// ReasonAdmin is an operator-initiated teardown.
	ReasonAdmin Reason = "Admin-Request"
	// ReasonUser is a user-initiated logout.
	ReasonUser Reason = "User-Request"
	// ReasonNewSession is a teardown forced by a newer purchase.
	ReasonNewSession Reason = "New-Session"
	// ReasonExpiry is the paid period running out.
	ReasonExpiry Reason = "Session-Timeout"
)

// TerminateCause maps a Reason to its RFC 2866 Acct-Terminate-Cause value.
func (r Reason) TerminateCause() uint32 {
	switch r {
	case ReasonUser:
		return 1 // User Request
	case ReasonExpiry:
		return 5 // Session Timeout
	case ReasonAdmin:
		return 6 // Admin Reset
	case ReasonNewSession:
		return 13 // Port Preempted
	default:
		return 6
	}
}

// CreateRequest describes a paid-for session to provision.
type CreateRequest struct {
	PhoneNumber      string   `json:"phoneNumber"`
	PlanID           string   `json:"planId"`
	DeviceCount      int      `json:"deviceCount"`
	NASIP            string   `json:"nasIp"`
	DeviceMACs       []string `json:"deviceMacs,omitempty"`
	PaymentReference string   `json:"paymentReference,omitempty"`
}

// CreateResult is a freshly provisioned session plus the credentials
// the captive portal shows the user. Preempted lists sessions torn
// down to make room for this one.
type CreateResult struct {
	Session     *store.Session          `json:"session"`
	Credentials credentials.Credentials `json:"credentials"`
	Preempted   []*TerminateResult      `json:"preempted,omitempty"`
}

// TerminateResult reports one session teardown.
type TerminateResult struct {
	Session         *store.Session   `json:"session"`
	Reason          Reason           `json:"reason"`
	Fanout          coa.FanoutResult `json:"fanout"`
	AlreadyTerminal bool             `json:"alreadyTerminal"`
}

// PolicyResult reports a live policy change pushed to the NAS.
type PolicyResult struct {
	Session *store.Session   `json:"session"`
	Fanout  coa.FanoutResult `json:"fanout"`
}

// SweepReport summarizes one expiry pass.
type SweepReport struct {
	Scanned time.Time `json:"scanned"`
	Expired int       `json:"expired"`
	Failed  int       `json:"failed"`
}

// Stats is a snapshot of manager counters plus live session counts.
type Stats struct {
	ActiveSessions   int            `json:"activeSessions"`
	SessionsToday    int            `json:"sessionsToday"`
	SessionsThisWeek int            `json:"sessionsThisWeek"`
	ActivePerPlan    map[string]int `json:"activePerPlan"`
	Created          uint64         `json:"created"`
	Terminated       uint64         `json:"terminated"`
	Expired          uint64         `json:"expired"`
	Preempted        uint64         `json:"preempted"`
	AuthAccepts      uint64         `json:"authAccepts"`
	AuthRejects      uint64         `json:"authRejects"`
}
