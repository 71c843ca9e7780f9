package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/supa-modo/vuka-wifi-billing-server/pkg/coa"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/radiusdb"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/session"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/store"
)

type noopNAS struct{}

func (noopNAS) DisconnectUser(_ context.Context, _ string, records []*store.AccountingRecord, _ uint32) coa.FanoutResult {
	return coa.FanoutResult{Total: len(records), Acknowledged: len(records)}
}

func (noopNAS) UpdateUser(_ context.Context, _ string, records []*store.AccountingRecord, _ coa.PolicyUpdate) coa.FanoutResult {
	return coa.FanoutResult{Total: len(records), Acknowledged: len(records)}
}

func newSweepFixture(t *testing.T) (*Sweeper, *store.MemoryStore, *session.Manager) {
	t.Helper()
	s := store.NewMemoryStore()
	manager, err := session.NewManager(s, radiusdb.NewMemoryStore(), noopNAS{}, zap.NewNop())
	require.NoError(t, err)

	sw, err := New(DefaultConfig(), manager, s, zap.NewNop())
	require.NoError(t, err)
	return sw, s, manager
}

func TestRunOnceExpiresOverdueSessions(t *testing.T) {
	sw, s, manager := newSweepFixture(t)
	ctx := context.Background()

	plan := &store.Plan{
		Name:           "Hourly",
		BasePrice:      10,
		DurationHours:  1,
		BandwidthLimit: "5M/2M",
		MaxDevices:     1,
		Active:         true,
	}
	require.NoError(t, s.CreatePlan(ctx, plan))

	created, err := manager.CreateSession(ctx, session.CreateRequest{
		PhoneNumber: "+254712345678",
		PlanID:      plan.ID,
	})
	require.NoError(t, err)

	// Force the session overdue.
	sess, err := s.Session(ctx, created.Session.ID)
	require.NoError(t, err)
	sess.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, s.UpdateSession(ctx, sess))

	report, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 0, report.ExpireFailures)

	sess, err = s.Session(ctx, created.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTerminated, sess.Status)
}

func TestRunOncePrunesOldRows(t *testing.T) {
	sw, s, _ := newSweepFixture(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.CreateAccountingRecord(ctx, &store.AccountingRecord{
		AcctSessionID: "old",
		Username:      "User11111",
		AcctStartTime: now.Add(-32 * 24 * time.Hour),
		AcctStopTime:  now.Add(-31 * 24 * time.Hour),
	}))
	require.NoError(t, s.CreateAccountingRecord(ctx, &store.AccountingRecord{
		AcctSessionID: "fresh",
		Username:      "User11111",
		AcctStartTime: now.Add(-time.Hour),
		AcctStopTime:  now,
	}))
	require.NoError(t, s.CreatePostAuthRecord(ctx, &store.PostAuthRecord{
		Username: "User11111",
		Reply:    "Access-Accept",
		AuthDate: now.Add(-8 * 24 * time.Hour),
	}))

	report, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PurgedAccounting)
	assert.Equal(t, 1, report.PurgedPostAuth)

	_, err = s.AccountingRecord(ctx, "User11111", "fresh")
	assert.NoError(t, err)
}

func TestRunOnceReconcilesSessionUsage(t *testing.T) {
	sw, s, manager := newSweepFixture(t)
	ctx := context.Background()

	plan := &store.Plan{
		Name:          "Daily",
		BasePrice:     50,
		DurationHours: 24,
		MaxDevices:    1,
		Active:        true,
	}
	require.NoError(t, s.CreatePlan(ctx, plan))

	created, err := manager.CreateSession(ctx, session.CreateRequest{
		PhoneNumber: "+254712345678",
		PlanID:      plan.ID,
	})
	require.NoError(t, err)

	// Accounting rows exist but no interim ever reached the session.
	require.NoError(t, s.CreateAccountingRecord(ctx, &store.AccountingRecord{
		AcctSessionID:    "8100001a",
		Username:         created.Credentials.Username,
		AcctStartTime:    created.Session.SessionStart.Add(time.Second),
		AcctInputOctets:  4000,
		AcctOutputOctets: 9000,
	}))

	report, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.UsageReconciled)

	sess, err := s.Session(ctx, created.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(4000), sess.BytesIn)
	assert.Equal(t, uint64(9000), sess.BytesOut)

	// A second pass with nothing new changes nothing.
	report, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.UsageReconciled)
}

func TestBackgroundLoopRunsImmediately(t *testing.T) {
	sw, _, _ := newSweepFixture(t)
	sw.config.Interval = time.Hour

	sw.Start(context.Background())
	defer sw.Stop()

	require.Eventually(t, func() bool {
		return sw.Stats().Passes >= 1
	}, time.Second, 10*time.Millisecond)
}
