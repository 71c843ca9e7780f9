// Package payments turns confirmed payment events into provisioned
// sessions. Provider callbacks arrive at-least-once, so processing is
// deduplicated on the provider receipt id.
package payments

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/supa-modo/vuka-wifi-billing-server/pkg/session"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/store"
)

// Event statuses as the payment providers report them.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	// ErrDuplicateReceipt means this receipt was already processed.
	ErrDuplicateReceipt = errors.New("payment receipt already processed")

	// ErrAmountMismatch means the paid amount does not cover the plan.
	ErrAmountMismatch = errors.New("paid amount does not match plan price")
)

// Event is one provider callback.
type Event struct {
	Provider          string  `json:"provider"`
	ProviderReceiptID string  `json:"providerReceiptId"`
	PhoneNumber       string  `json:"phoneNumber"`
	PlanID            string  `json:"planId"`
	DeviceCount       int     `json:"deviceCount"`
	Amount            float64 `json:"amount"`
	Status            string  `json:"status"`
	NASIP             string  `json:"nasIp,omitempty"`
}

// SessionCreator provisions sessions. *session.Manager implements it.
type SessionCreator interface {
	CreateSession(ctx context.Context, req session.CreateRequest) (*session.CreateResult, error)
}

// IdempotencyGuard remembers which receipts were already handled.
type IdempotencyGuard interface {
	// FirstSeen returns true exactly once per key.
	FirstSeen(ctx context.Context, key string) (bool, error)
	// Release returns a claimed key so a provider retry can succeed
	// after provisioning failed.
	Release(ctx context.Context, key string) error
}

// Processor validates and applies payment events.
type Processor struct {
	plans    store.PlanStore
	sessions SessionCreator
	guard    IdempotencyGuard
	logger   *zap.Logger

	completed  uint64
	failed     uint64
	duplicates uint64
	rejected   uint64
}

// Stats is a snapshot of processor counters.
type Stats struct {
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
	Duplicates uint64 `json:"duplicates"`
	Rejected   uint64 `json:"rejected"`
}

// NewProcessor creates a payment processor.
func NewProcessor(plans store.PlanStore, sessions SessionCreator, guard IdempotencyGuard, logger *zap.Logger) (*Processor, error) {
	if plans == nil {
		return nil, fmt.Errorf("plan store is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session creator is required")
	}
	if guard == nil {
		return nil, fmt.Errorf("idempotency guard is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{plans: plans, sessions: sessions, guard: guard, logger: logger}, nil
}

// HandleEvent processes one provider callback. Failed payments are
// logged and dropped; completed payments are validated against the
// plan price and then provisioned. Replays return ErrDuplicateReceipt.
func (p *Processor) HandleEvent(ctx context.Context, event Event) (*session.CreateResult, error) {
	if event.ProviderReceiptID == "" {
		return nil, fmt.Errorf("provider receipt id is required")
	}

	if event.Status == StatusFailed {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Info("payment failed, nothing to provision",
			zap.String("provider", event.Provider),
			zap.String("receipt", event.ProviderReceiptID),
			zap.String("phone", event.PhoneNumber))
		return nil, nil
	}
	if event.Status != StatusCompleted {
		return nil, fmt.Errorf("unknown payment status %q", event.Status)
	}

	if event.DeviceCount < 1 {
		event.DeviceCount = 1
	}

	plan, err := p.plans.Plan(ctx, event.PlanID)
	if err != nil {
		return nil, err
	}

	expected := plan.PriceFor(event.DeviceCount)
	if event.Amount+0.01 < expected {
		atomic.AddUint64(&p.rejected, 1)
		p.logger.Warn("payment amount below plan price",
			zap.String("receipt", event.ProviderReceiptID),
			zap.Float64("amount", event.Amount),
			zap.Float64("expected", expected))
		return nil, fmt.Errorf("%w: paid %.2f, plan costs %.2f",
			ErrAmountMismatch, event.Amount, expected)
	}

	first, err := p.guard.FirstSeen(ctx, receiptKey(event))
	if err != nil {
		return nil, fmt.Errorf("checking receipt: %w", err)
	}
	if !first {
		atomic.AddUint64(&p.duplicates, 1)
		p.logger.Info("duplicate payment callback ignored",
			zap.String("receipt", event.ProviderReceiptID))
		return nil, ErrDuplicateReceipt
	}

	result, err := p.sessions.CreateSession(ctx, session.CreateRequest{
		PhoneNumber:      event.PhoneNumber,
		PlanID:           event.PlanID,
		DeviceCount:      event.DeviceCount,
		NASIP:            event.NASIP,
		PaymentReference: event.ProviderReceiptID,
	})
	if err != nil {
		// Give the receipt back so the provider's retry is not
		// swallowed as a duplicate.
		if relErr := p.guard.Release(ctx, receiptKey(event)); relErr != nil {
			p.logger.Error("failed to release payment receipt",
				zap.String("receipt", event.ProviderReceiptID),
				zap.Error(relErr))
		}
		return nil, fmt.Errorf("provisioning paid session: %w", err)
	}

	atomic.AddUint64(&p.completed, 1)
	p.logger.Info("payment provisioned",
		zap.String("provider", event.Provider),
		zap.String("receipt", event.ProviderReceiptID),
		zap.String("sessionId", result.Session.ID),
		zap.Float64("amount", event.Amount))
	return result, nil
}

func receiptKey(event Event) string {
	return fmt.Sprintf("payments:receipt:%s:%s", event.Provider, event.ProviderReceiptID)
}

// Stats returns a snapshot of processor counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Completed:  atomic.LoadUint64(&p.completed),
		Failed:     atomic.LoadUint64(&p.failed),
		Duplicates: atomic.LoadUint64(&p.duplicates),
		Rejected:   atomic.LoadUint64(&p.rejected),
	}
}
