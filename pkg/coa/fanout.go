package coa

import (
	"context"

	"go.uber.org/zap"

	"github.com/supa-modo/vuka-wifi-billing-server/pkg/store"
)

// FanoutResult aggregates the per-target outcomes of acting on every
// NAS-side session a user holds.
type FanoutResult struct {
	Total        int      `json:"total"`
	Acknowledged int      `json:"acknowledged"`
	Results      []Result `json:"results"`
}

// AllAcknowledged reports whether every NAS acknowledged, or there was
// nothing to do.
func (f FanoutResult) AllAcknowledged() bool {
	return f.Acknowledged == f.Total
}

// DisconnectUser sends a Disconnect-Request for each open accounting
// record the user holds. A user with several devices online has one
// record per device, each keyed by its own Acct-Session-Id. The cause
// is an Acct-Terminate-Cause value reported to the NAS; zero omits it.
func (c *Client) DisconnectUser(ctx context.Context, username string, records []*store.AccountingRecord, cause uint32) FanoutResult {
	result := FanoutResult{Total: len(records)}
	for _, record := range records {
		r := c.SendDisconnect(ctx, targetFromRecord(username, record), cause)
		if r.Ok() {
			result.Acknowledged++
		}
		result.Results = append(result.Results, r)
	}

	if result.Total > 0 && !result.AllAcknowledged() {
		c.logger.Warn("not all nas sessions disconnected",
			zap.String("username", username),
			zap.Int("acknowledged", result.Acknowledged),
			zap.Int("total", result.Total))
	}
	return result
}

// UpdateUser pushes new session policy to each open NAS-side session.
func (c *Client) UpdateUser(ctx context.Context, username string, records []*store.AccountingRecord, update PolicyUpdate) FanoutResult {
	result := FanoutResult{Total: len(records)}
	for _, record := range records {
		r := c.SendUpdate(ctx, targetFromRecord(username, record), update)
		if r.Ok() {
			result.Acknowledged++
		}
		result.Results = append(result.Results, r)
	}
	return result
}

func targetFromRecord(username string, record *store.AccountingRecord) Target {
	return Target{
		NASIP:            record.NASIPAddress,
		Username:         username,
		AcctSessionID:    record.AcctSessionID,
		NASPortID:        record.NASPortID,
		CallingStationID: record.CallingStationID,
	}
}
