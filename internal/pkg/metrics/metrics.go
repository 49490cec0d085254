// Package metrics exposes Prometheus collectors for the wallet ledger.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ledger holds the collectors recorded by ledger operations.
type Ledger struct {
	operations    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	missingRows   prometheus.Counter
	discrepancies prometheus.Gauge
}

// NewLedger builds the collectors and registers them with reg.
func NewLedger(reg prometheus.Registerer) (*Ledger, error) {
	m := &Ledger{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_ledger_operations_total",
			Help: "Ledger operations by operation and outcome code.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wallet_ledger_operation_duration_seconds",
			Help:    "Ledger operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		missingRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wallet_ledger_missing_rows_total",
			Help: "Wallet writes whose ledger row could not be persisted.",
		}),
		discrepancies: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wallet_reconcile_discrepancies",
			Help: "Wallets whose version does not match their ledger row count in the last sweep.",
		}),
	}

	for _, c := range []prometheus.Collector{m.operations, m.duration, m.missingRows, m.discrepancies} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register ledger metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Ledger) ObserveOperation(operation, outcome string, took time.Duration) {
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.duration.WithLabelValues(operation).Observe(took.Seconds())
}

func (m *Ledger) LedgerRowMissing() {
	m.missingRows.Inc()
}

func (m *Ledger) SetDiscrepancies(n int) {
	m.discrepancies.Set(float64(n))
}

type HealthFunc func(ctx context.Context) error

// Handler serves /metrics for the default gatherer plus a /healthz probe.
func Handler(healthFn HealthFunc) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()

		if healthFn != nil {
			if err := healthFn(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(fmt.Sprintf("unhealthy: %v", err)))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
