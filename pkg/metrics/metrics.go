// Package metrics exposes Prometheus metrics collected from the
// component stat snapshots.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/supa-modo/vuka-wifi-billing-server/pkg/accounting"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/coa"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/payments"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/session"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/sweeper"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Session metrics
	sessionsActive     prometheus.Gauge
	sessionsCreated    prometheus.Gauge
	sessionsTerminated prometheus.Gauge
	sessionsExpired    prometheus.Gauge
	sessionsPreempted  prometheus.Gauge
	authResults        *prometheus.GaugeVec

	// CoA metrics
	coaSent    *prometheus.GaugeVec
	coaResults *prometheus.GaugeVec

	// Accounting metrics
	acctRecords  *prometheus.GaugeVec
	acctPackets  *prometheus.GaugeVec
	acctStopRepl prometheus.Gauge

	// Sweeper metrics
	sweepPasses prometheus.Gauge
	sweepPurged *prometheus.GaugeVec

	// Payment metrics
	paymentEvents *prometheus.GaugeVec

	// Sources
	manager    *session.Manager
	coaClient  *coa.Client
	ingestor   *accounting.Ingestor
	acctServer *accounting.Server
	sweep      *sweeper.Sweeper
	processor  *payments.Processor
	logger     *zap.Logger
}

// Sources wires the components the collector polls. Nil fields are
// skipped.
type Sources struct {
	Manager    *session.Manager
	CoAClient  *coa.Client
	Ingestor   *accounting.Ingestor
	AcctServer *accounting.Server
	Sweeper    *sweeper.Sweeper
	Processor  *payments.Processor
}

// New creates a Metrics instance.
func New(src Sources, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Metrics{
		manager:    src.Manager,
		coaClient:  src.CoAClient,
		ingestor:   src.Ingestor,
		acctServer: src.AcctServer,
		sweep:      src.Sweeper,
		processor:  src.Processor,
		logger:     logger,

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vukawifi_sessions_active",
			Help: "Sessions currently active",
		}),
		sessionsCreated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vukawifi_sessions_created_total",
			Help: "Sessions created since start",
		}),
		sessionsTerminated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vukawifi_sessions_terminated_total",
			Help: "Sessions terminated since start",
		}),
		sessionsExpired: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vukawifi_sessions_expired_total",
			Help: "Sessions expired by the sweeper since start",
		}),
		sessionsPreempted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vukawifi_sessions_preempted_total",
			Help: "Sessions preempted by a newer purchase since start",
		}),
		authResults: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vukawifi_auth_results_total",
			Help: "Authentication outcomes since start",
		}, []string{"result"}),

		coaSent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vukawifi_coa_requests_total",
			Help: "CoA and Disconnect requests sent since start",
		}, []string{"type"}),
		coaResults: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vukawifi_coa_results_total",
			Help: "CoA and Disconnect outcomes since start",
		}, []string{"result"}),

		acctRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vukawifi_accounting_records_total",
			Help: "Accounting records ingested since start",
		}, []string{"status"}),
		acctPackets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vukawifi_accounting_packets_total",
			Help: "Accounting packets handled since start",
		}, []string{"outcome"}),
		acctStopRepl: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vukawifi_accounting_stop_replays_total",
			Help: "Retransmitted Stop records absorbed since start",
		}),

		sweepPasses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vukawifi_sweep_passes_total",
			Help: "Sweeper passes since start",
		}),
		sweepPurged: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vukawifi_sweep_purged_total",
			Help: "Rows purged by retention since start",
		}, []string{"table"}),

		paymentEvents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vukawifi_payment_events_total",
			Help: "Payment events handled since start",
		}, []string{"outcome"}),
	}
}

// Register registers all metrics with the default registry.
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.sessionsActive,
		m.sessionsCreated,
		m.sessionsTerminated,
		m.sessionsExpired,
		m.sessionsPreempted,
		m.authResults,
		m.coaSent,
		m.coaResults,
		m.acctRecords,
		m.acctPackets,
		m.acctStopRepl,
		m.sweepPasses,
		m.sweepPurged,
		m.paymentEvents,
	}
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Collect polls every source once.
func (m *Metrics) Collect(ctx context.Context) {
	if m.manager != nil {
		stats, err := m.manager.Stats(ctx)
		if err != nil {
			m.logger.Warn("failed to collect session stats", zap.Error(err))
		} else {
			m.sessionsActive.Set(float64(stats.ActiveSessions))
			m.sessionsCreated.Set(float64(stats.Created))
			m.sessionsTerminated.Set(float64(stats.Terminated))
			m.sessionsExpired.Set(float64(stats.Expired))
			m.sessionsPreempted.Set(float64(stats.Preempted))
			m.authResults.WithLabelValues("accept").Set(float64(stats.AuthAccepts))
			m.authResults.WithLabelValues("reject").Set(float64(stats.AuthRejects))
		}
	}

	if m.coaClient != nil {
		stats := m.coaClient.Stats()
		m.coaSent.WithLabelValues("disconnect").Set(float64(stats.DisconnectsSent))
		m.coaSent.WithLabelValues("update").Set(float64(stats.UpdatesSent))
		m.coaResults.WithLabelValues("ack").Set(float64(stats.DisconnectAcks + stats.UpdateAcks))
		m.coaResults.WithLabelValues("nak").Set(float64(stats.DisconnectNaks + stats.UpdateNaks))
		m.coaResults.WithLabelValues("timeout").Set(float64(stats.Timeouts))
		m.coaResults.WithLabelValues("transport_error").Set(float64(stats.TransportErrors))
	}

	if m.ingestor != nil {
		stats := m.ingestor.Stats()
		m.acctRecords.WithLabelValues("start").Set(float64(stats.Starts))
		m.acctRecords.WithLabelValues("interim").Set(float64(stats.Interims))
		m.acctRecords.WithLabelValues("stop").Set(float64(stats.Stops))
		m.acctRecords.WithLabelValues("unmatched").Set(float64(stats.Unmatched))
		m.acctStopRepl.Set(float64(stats.StopReplays))
	}

	if m.acctServer != nil {
		stats := m.acctServer.Stats()
		m.acctPackets.WithLabelValues("received").Set(float64(stats.Received))
		m.acctPackets.WithLabelValues("acked").Set(float64(stats.Acked))
		m.acctPackets.WithLabelValues("dropped").Set(float64(stats.Dropped))
	}

	if m.sweep != nil {
		stats := m.sweep.Stats()
		m.sweepPasses.Set(float64(stats.Passes))
		m.sweepPurged.WithLabelValues("radius_accounting").Set(float64(stats.PurgedAccounting))
		m.sweepPurged.WithLabelValues("radius_postauth").Set(float64(stats.PurgedPostAuth))
	}

	if m.processor != nil {
		stats := m.processor.Stats()
		m.paymentEvents.WithLabelValues("completed").Set(float64(stats.Completed))
		m.paymentEvents.WithLabelValues("failed").Set(float64(stats.Failed))
		m.paymentEvents.WithLabelValues("duplicate").Set(float64(stats.Duplicates))
		m.paymentEvents.WithLabelValues("rejected").Set(float64(stats.Rejected))
	}
}

// StartCollector polls all sources in the background until the context
// is cancelled.
func (m *Metrics) StartCollector(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.Collect(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Collect(ctx)
			}
		}
	}()
}
