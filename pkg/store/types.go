package store

import (
	"math"
	"time"
)

// SessionStatus is the lifecycle state of a billing session.
type SessionStatus string

const (
	StatusActive     SessionStatus = "active"
	StatusExpired    SessionStatus = "expired"
	StatusTerminated SessionStatus = "terminated"
)

// Terminal reports whether the status is one of the end states. Status
// transitions are one-way: active sessions move to expired or
// terminated and never back.
func (s SessionStatus) Terminal() bool {
	return s == StatusExpired || s == StatusTerminated
}

// User is a subscriber identity keyed by phone number. Users are
// created lazily on the first successful payment; the username is the
// stable RADIUS identity across all of the user's sessions.
type User struct {
	ID          string    `json:"id"`
	PhoneNumber string    `json:"phone_number"`
	Username    string    `json:"username"`
	Active      bool      `json:"active"`
	LastLogin   time.Time `json:"last_login,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Plan is an immutable commercial offer, owned by the billing
// subsystem and read-only to the session engine.
type Plan struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	BasePrice     float64 `json:"base_price"`
	DurationHours int     `json:"duration_hours"`

	// BandwidthLimit is "download/upload", e.g. "5M/2M". Empty means
	// no rate limit for the plan.
	BandwidthLimit string `json:"bandwidth_limit,omitempty"`

	MaxDevices int  `json:"max_devices"`
	Active     bool `json:"active"`
	Popular    bool `json:"popular"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Duration is the plan's access window.
func (p *Plan) Duration() time.Duration {
	return time.Duration(p.DurationHours) * time.Hour
}

// PriceFor computes the plan price for a device count: each device
// beyond the first adds 60% of the base price.
func (p *Plan) PriceFor(deviceCount int) float64 {
	if deviceCount <= 1 {
		return p.BasePrice
	}
	return math.Round(p.BasePrice * (1 + 0.6*float64(deviceCount-1)))
}

// Session is the central entity: one paid access window for one user.
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	PlanID string `json:"plan_id"`

	DeviceCount int `json:"device_count"`

	// RADIUS credentials for this session. The password here is the
	// hotspot password, distinct from any portal login password.
	Username string `json:"username"`
	Password string `json:"password"`

	// NASIP is set when the first accounting Start arrives.
	NASIP string `json:"nas_ip,omitempty"`

	// DeviceMACs is the deduplicated list of Calling-Station-Ids seen
	// in accounting for this session.
	DeviceMACs []string `json:"device_macs,omitempty"`

	SessionStart time.Time `json:"session_start"`
	SessionEnd   time.Time `json:"session_end,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity,omitempty"`

	BytesIn  uint64 `json:"bytes_in"`
	BytesOut uint64 `json:"bytes_out"`

	Status           SessionStatus `json:"status"`
	PaymentReference string        `json:"payment_reference,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExpiredAt reports whether the session's access window has elapsed.
func (s *Session) ExpiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// TotalBytes is the combined traffic for the session.
func (s *Session) TotalBytes() uint64 {
	return s.BytesIn + s.BytesOut
}

// AddDeviceMAC appends a Calling-Station-Id to the device list if not
// already present. Returns true when the list changed.
func (s *Session) AddDeviceMAC(mac string) bool {
	if mac == "" {
		return false
	}
	for _, m := range s.DeviceMACs {
		if m == mac {
			return false
		}
	}
	s.DeviceMACs = append(s.DeviceMACs, mac)
	return true
}

// AccountingRecord is one NAS-reported usage row for one physical
// session (one device/port), keyed by the NAS-assigned Acct-Session-Id.
// Many records may map to one billing Session.
type AccountingRecord struct {
	ID string `json:"id"`

	AcctSessionID    string `json:"acct_session_id"`
	Username         string `json:"username"`
	NASIPAddress     string `json:"nas_ip_address"`
	NASPortID        string `json:"nas_port_id,omitempty"`
	CallingStationID string `json:"calling_station_id,omitempty"`

	AcctStartTime  time.Time `json:"acct_start_time"`
	AcctUpdateTime time.Time `json:"acct_update_time"`
	// AcctStopTime is zero while the NAS-side session is open.
	AcctStopTime time.Time `json:"acct_stop_time,omitempty"`

	AcctSessionTime  int64  `json:"acct_session_time"`
	AcctInputOctets  uint64 `json:"acct_input_octets"`
	AcctOutputOctets uint64 `json:"acct_output_octets"`

	TerminateCause string `json:"terminate_cause,omitempty"`
}

// Open reports whether the NAS-side session is still open.
func (r *AccountingRecord) Open() bool {
	return r.AcctStopTime.IsZero()
}

// PostAuthRecord logs one authentication decision for the external
// RADIUS authentication path.
type PostAuthRecord struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Reply    string    `json:"reply"` // Access-Accept or Access-Reject
	AuthDate time.Time `json:"auth_date"`
}

// SessionFilter narrows session listings.
type SessionFilter struct {
	Status       SessionStatus
	UserID       string
	PlanID       string
	CreatedAfter time.Time
	Limit        int
	Offset       int
}
