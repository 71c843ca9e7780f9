package payments

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/supa-modo/vuka-wifi-billing-server/pkg/session"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/store"
)

// fakeCreator records provisioning calls.
type fakeCreator struct {
	mu       sync.Mutex
	requests []session.CreateRequest
	err      error
}

func (f *fakeCreator) CreateSession(_ context.Context, req session.CreateRequest) (*session.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	return &session.CreateResult{
		Session: &store.Session{ID: "sess-1", PaymentReference: req.PaymentReference},
	}, nil
}

func newProcessorFixture(t *testing.T) (*Processor, *fakeCreator, *store.MemoryStore, *store.Plan) {
	t.Helper()
	s := store.NewMemoryStore()
	plan := &store.Plan{
		Name:           "Daily",
		BasePrice:      50,
		DurationHours:  24,
		BandwidthLimit: "5M/2M",
		MaxDevices:     3,
		Active:         true,
	}
	require.NoError(t, s.CreatePlan(context.Background(), plan))

	creator := &fakeCreator{}
	processor, err := NewProcessor(s, creator, NewMemoryGuard(), zap.NewNop())
	require.NoError(t, err)
	return processor, creator, s, plan
}

func completedEvent(plan *store.Plan, amount float64) Event {
	return Event{
		Provider:          "mpesa",
		ProviderReceiptID: "QGH7281XKM",
		PhoneNumber:       "+254712345678",
		PlanID:            plan.ID,
		DeviceCount:       2,
		Amount:            amount,
		Status:            StatusCompleted,
	}
}

func TestCompletedPaymentProvisionsSession(t *testing.T) {
	processor, creator, _, plan := newProcessorFixture(t)

	// Two devices on a 50 bob plan: 50 * 1.6.
	result, err := processor.HandleEvent(context.Background(), completedEvent(plan, 80))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "QGH7281XKM", result.Session.PaymentReference)

	require.Len(t, creator.requests, 1)
	assert.Equal(t, "+254712345678", creator.requests[0].PhoneNumber)
	assert.Equal(t, 2, creator.requests[0].DeviceCount)
	assert.Equal(t, uint64(1), processor.Stats().Completed)
}

func TestDuplicateReceiptIsIgnored(t *testing.T) {
	processor, creator, _, plan := newProcessorFixture(t)
	ctx := context.Background()

	_, err := processor.HandleEvent(ctx, completedEvent(plan, 80))
	require.NoError(t, err)

	_, err = processor.HandleEvent(ctx, completedEvent(plan, 80))
	assert.ErrorIs(t, err, ErrDuplicateReceipt)
	assert.Len(t, creator.requests, 1)
	assert.Equal(t, uint64(1), processor.Stats().Duplicates)
}

func TestFailedPaymentIsLoggedOnly(t *testing.T) {
	processor, creator, _, plan := newProcessorFixture(t)

	event := completedEvent(plan, 80)
	event.Status = StatusFailed
	result, err := processor.HandleEvent(context.Background(), event)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Empty(t, creator.requests)
	assert.Equal(t, uint64(1), processor.Stats().Failed)
}

func TestUnderpaymentIsRejected(t *testing.T) {
	processor, creator, _, plan := newProcessorFixture(t)

	_, err := processor.HandleEvent(context.Background(), completedEvent(plan, 50))
	assert.ErrorIs(t, err, ErrAmountMismatch)
	assert.Empty(t, creator.requests)
	assert.Equal(t, uint64(1), processor.Stats().Rejected)
}

func TestProvisioningFailureReleasesReceipt(t *testing.T) {
	processor, creator, _, plan := newProcessorFixture(t)
	creator.err = errors.New("radius database down")

	_, err := processor.HandleEvent(context.Background(), completedEvent(plan, 80))
	require.Error(t, err)

	// The provider retry after the outage must go through.
	creator.err = nil
	result, err := processor.HandleEvent(context.Background(), completedEvent(plan, 80))
	require.NoError(t, err)
	assert.NotNil(t, result)
}

func TestMemoryGuardFirstSeen(t *testing.T) {
	guard := NewMemoryGuard()
	ctx := context.Background()

	first, err := guard.FirstSeen(ctx, "payments:receipt:mpesa:ABC")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := guard.FirstSeen(ctx, "payments:receipt:mpesa:ABC")
	require.NoError(t, err)
	assert.False(t, again)

	other, err := guard.FirstSeen(ctx, "payments:receipt:mpesa:DEF")
	require.NoError(t, err)
	assert.True(t, other)
}
