// Package accounting receives RADIUS accounting traffic from the NAS
// and keeps the accounting tables and session usage counters current.
package accounting

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/supa-modo/vuka-wifi-billing-server/pkg/store"
)

// StatusType is the Acct-Status-Type of one accounting request.
type StatusType uint32

const (
	StatusStart   StatusType = 1
	StatusStop    StatusType = 2
	StatusInterim StatusType = 3
	StatusOn      StatusType = 7
	StatusOff     StatusType = 8
)

func (s StatusType) String() string {
	switch s {
	case StatusStart:
		return "Start"
	case StatusStop:
		return "Stop"
	case StatusInterim:
		return "Interim-Update"
	case StatusOn:
		return "Accounting-On"
	case StatusOff:
		return "Accounting-Off"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(s))
	}
}

// Record is one parsed accounting request. Octet counters already
// include the gigaword high words.
type Record struct {
	StatusType       StatusType
	AcctSessionID    string
	Username         string
	NASIPAddress     string
	NASPortID        string
	CallingStationID string
	SessionTime      uint32
	InputOctets      uint64
	OutputOctets     uint64
	TerminateCause   uint32
	Timestamp        time.Time
}

// CauseName renders an Acct-Terminate-Cause value the way FreeRADIUS
// logs it.
func CauseName(cause uint32) string {
	names := map[uint32]string{
		1: "User-Request", 2: "Lost-Carrier", 3: "Lost-Service",
		4: "Idle-Timeout", 5: "Session-Timeout", 6: "Admin-Reset",
		7: "Admin-Reboot", 8: "Port-Error", 9: "NAS-Error",
		10: "NAS-Request", 11: "NAS-Reboot", 12: "Port-Unneeded",
		13: "Port-Preempted", 14: "Port-Suspended", 15: "Service-Unavailable",
		16: "Callback", 17: "User-Error", 18: "Host-Request",
	}
	if name, ok := names[cause]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", cause)
}

// Ingestor applies accounting records to the stores. Records for
// usernames we no longer track are stored and logged, never refused;
// the NAS is the source of truth for what happened on the wire.
type Ingestor struct {
	store  store.Store
	logger *zap.Logger

	starts      uint64
	interims    uint64
	stops       uint64
	stopReplays uint64
	unmatched   uint64
	failures    uint64
}

// IngestorStats is a snapshot of ingest counters.
type IngestorStats struct {
	Starts      uint64 `json:"starts"`
	Interims    uint64 `json:"interims"`
	Stops       uint64 `json:"stops"`
	StopReplays uint64 `json:"stopReplays"`
	Unmatched   uint64 `json:"unmatched"`
	Failures    uint64 `json:"failures"`
}

// NewIngestor creates an accounting ingestor.
func NewIngestor(s store.Store, logger *zap.Logger) (*Ingestor, error) {
	if s == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{store: s, logger: logger}, nil
}

// HandleRecord applies one accounting record.
func (i *Ingestor) HandleRecord(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	var err error
	switch rec.StatusType {
	case StatusStart:
		err = i.handleStart(ctx, rec)
	case StatusInterim:
		err = i.handleInterim(ctx, rec)
	case StatusStop:
		err = i.handleStop(ctx, rec)
	case StatusOn, StatusOff:
		// NAS reboot markers. Nothing to store per-session.
		i.logger.Info("nas accounting state change",
			zap.Stringer("status", rec.StatusType),
			zap.String("nas", rec.NASIPAddress))
		return nil
	default:
		i.logger.Warn("unknown accounting status type",
			zap.Uint32("statusType", uint32(rec.StatusType)),
			zap.String("username", rec.Username))
		return nil
	}

	if err != nil {
		atomic.AddUint64(&i.failures, 1)
	}
	return err
}

func (i *Ingestor) handleStart(ctx context.Context, rec Record) error {
	atomic.AddUint64(&i.starts, 1)

	existing, err := i.store.AccountingRecord(ctx, rec.Username, rec.AcctSessionID)
	if err == nil {
		// Retransmitted Start. Keep the original start time.
		existing.NASPortID = rec.NASPortID
		existing.CallingStationID = rec.CallingStationID
		return i.store.UpdateAccountingRecord(ctx, existing)
	}
	if !errors.Is(err, store.ErrRecordNotFound) {
		return err
	}

	if err := i.store.CreateAccountingRecord(ctx, &store.AccountingRecord{
		AcctSessionID:    rec.AcctSessionID,
		Username:         rec.Username,
		NASIPAddress:     rec.NASIPAddress,
		NASPortID:        rec.NASPortID,
		CallingStationID: rec.CallingStationID,
		AcctStartTime:    rec.Timestamp,
	}); err != nil {
		return fmt.Errorf("storing start record: %w", err)
	}

	i.touchSession(ctx, rec)
	i.logger.Info("accounting start",
		zap.String("username", rec.Username),
		zap.String("acctSessionId", rec.AcctSessionID),
		zap.String("nas", rec.NASIPAddress))
	return nil
}

func (i *Ingestor) handleInterim(ctx context.Context, rec Record) error {
	atomic.AddUint64(&i.interims, 1)

	record, err := i.store.AccountingRecord(ctx, rec.Username, rec.AcctSessionID)
	if errors.Is(err, store.ErrRecordNotFound) {
		// The Start never reached us. Backfill so usage is not lost.
		i.logger.Warn("interim update without start",
			zap.String("username", rec.Username),
			zap.String("acctSessionId", rec.AcctSessionID))
		record = &store.AccountingRecord{
			AcctSessionID:    rec.AcctSessionID,
			Username:         rec.Username,
			NASIPAddress:     rec.NASIPAddress,
			NASPortID:        rec.NASPortID,
			CallingStationID: rec.CallingStationID,
			AcctStartTime:    rec.Timestamp.Add(-time.Duration(rec.SessionTime) * time.Second),
		}
		if err := i.store.CreateAccountingRecord(ctx, record); err != nil {
			return fmt.Errorf("backfilling accounting record: %w", err)
		}
	} else if err != nil {
		return err
	}

	if !record.Open() {
		// Late interim after the Stop. The Stop totals win.
		return nil
	}

	record.AcctUpdateTime = rec.Timestamp
	record.AcctSessionTime = int64(rec.SessionTime)
	record.AcctInputOctets = rec.InputOctets
	record.AcctOutputOctets = rec.OutputOctets
	if err := i.store.UpdateAccountingRecord(ctx, record); err != nil {
		return fmt.Errorf("updating accounting record: %w", err)
	}

	return i.refreshSessionUsage(ctx, rec)
}

func (i *Ingestor) handleStop(ctx context.Context, rec Record) error {
	atomic.AddUint64(&i.stops, 1)

	record, err := i.store.AccountingRecord(ctx, rec.Username, rec.AcctSessionID)
	if errors.Is(err, store.ErrRecordNotFound) {
		// Stop with no prior history. Store it closed so billing and
		// audit still see the usage.
		i.logger.Warn("stop without start",
			zap.String("username", rec.Username),
			zap.String("acctSessionId", rec.AcctSessionID))
		record = &store.AccountingRecord{
			AcctSessionID:    rec.AcctSessionID,
			Username:         rec.Username,
			NASIPAddress:     rec.NASIPAddress,
			NASPortID:        rec.NASPortID,
			CallingStationID: rec.CallingStationID,
			AcctStartTime:    rec.Timestamp.Add(-time.Duration(rec.SessionTime) * time.Second),
			AcctStopTime:     rec.Timestamp,
			AcctSessionTime:  int64(rec.SessionTime),
			AcctInputOctets:  rec.InputOctets,
			AcctOutputOctets: rec.OutputOctets,
			TerminateCause:   CauseName(rec.TerminateCause),
		}
		if err := i.store.CreateAccountingRecord(ctx, record); err != nil {
			return fmt.Errorf("storing stop record: %w", err)
		}
		return i.refreshSessionUsage(ctx, rec)
	}
	if err != nil {
		return err
	}

	if !record.Open() {
		// Retransmitted Stop. Already applied.
		atomic.AddUint64(&i.stopReplays, 1)
		return nil
	}

	record.AcctStopTime = rec.Timestamp
	record.AcctSessionTime = int64(rec.SessionTime)
	record.AcctInputOctets = rec.InputOctets
	record.AcctOutputOctets = rec.OutputOctets
	record.TerminateCause = CauseName(rec.TerminateCause)
	if err := i.store.UpdateAccountingRecord(ctx, record); err != nil {
		return fmt.Errorf("closing accounting record: %w", err)
	}

	i.logger.Info("accounting stop",
		zap.String("username", rec.Username),
		zap.String("acctSessionId", rec.AcctSessionID),
		zap.Uint64("inputOctets", rec.InputOctets),
		zap.Uint64("outputOctets", rec.OutputOctets),
		zap.String("cause", CauseName(rec.TerminateCause)))

	return i.refreshSessionUsage(ctx, rec)
}

// touchSession records what a Start tells us about the active session:
// the NAS it landed on, the device MAC, and the activity time.
func (i *Ingestor) touchSession(ctx context.Context, rec Record) {
	session, err := i.store.ActiveSessionByUsername(ctx, rec.Username)
	if err != nil {
		return
	}

	changed := false
	if session.NASIP == "" && rec.NASIPAddress != "" {
		session.NASIP = rec.NASIPAddress
		changed = true
	}
	if rec.CallingStationID != "" && session.AddDeviceMAC(rec.CallingStationID) {
		changed = true
	}
	if rec.Timestamp.After(session.LastActivity) {
		session.LastActivity = rec.Timestamp
		changed = true
	}
	if changed {
		if err := i.store.UpdateSession(ctx, session); err != nil {
			i.logger.Warn("failed to update session from accounting start",
				zap.String("sessionId", session.ID),
				zap.Error(err))
		}
	}
}

// refreshSessionUsage folds the accounting totals into the active
// session. Counters only move forward: the NAS reports cumulative
// totals and retransmits can arrive out of order.
func (i *Ingestor) refreshSessionUsage(ctx context.Context, rec Record) error {
	session, err := i.store.ActiveSessionByUsername(ctx, rec.Username)
	if errors.Is(err, store.ErrSessionNotFound) {
		atomic.AddUint64(&i.unmatched, 1)
		i.logger.Warn("accounting for unknown session",
			zap.String("username", rec.Username),
			zap.String("acctSessionId", rec.AcctSessionID))
		return nil
	}
	if err != nil {
		return err
	}

	in, out, _, err := i.store.UsageSince(ctx, rec.Username, session.SessionStart)
	if err != nil {
		return fmt.Errorf("summing usage: %w", err)
	}

	changed := false
	if in > session.BytesIn {
		session.BytesIn = in
		changed = true
	}
	if out > session.BytesOut {
		session.BytesOut = out
		changed = true
	}
	if rec.Timestamp.After(session.LastActivity) {
		session.LastActivity = rec.Timestamp
		changed = true
	}
	if !changed {
		return nil
	}
	if err := i.store.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("updating session usage: %w", err)
	}
	return nil
}

// Stats returns a snapshot of ingest counters.
func (i *Ingestor) Stats() IngestorStats {
	return IngestorStats{
		Starts:      atomic.LoadUint64(&i.starts),
		Interims:    atomic.LoadUint64(&i.interims),
		Stops:       atomic.LoadUint64(&i.stops),
		StopReplays: atomic.LoadUint64(&i.stopReplays),
		Unmatched:   atomic.LoadUint64(&i.unmatched),
		Failures:    atomic.LoadUint64(&i.failures),
	}
}
