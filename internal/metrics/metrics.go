// Package metrics holds the daemon's Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Entities is the number of registered entities per kind.
	Entities = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "steward_entities",
			Help: "Registered entities by kind",
		},
		[]string{"kind"},
	)

	OperationsOutstanding = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "steward_operations_outstanding",
			Help: "Asynchronous operations awaiting completion",
		},
	)

	KernelRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_kernel_requests_total",
			Help: "Kernel requests completed by object, op and result",
		},
		[]string{"object", "op", "result"},
	)

	GCCollected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_gc_collected_total",
			Help: "Entities destroyed by the GC sweep by kind",
		},
		[]string{"kind"},
	)

	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_state_transitions_total",
			Help: "Entity state transitions by kind and target state",
		},
		[]string{"kind", "to"},
	)
)

// Kernel request results.
const (
	ResultOK       = "ok"
	ResultExists   = "exists"
	ResultAbsent   = "absent"
	ResultRejected = "rejected"
)

func RecordKernelRequest(object, op, result string) {
	KernelRequests.WithLabelValues(object, op, result).Inc()
}

func RecordTransition(kind, to string) {
	StateTransitions.WithLabelValues(kind, to).Inc()
}

func RecordCollected(kind string) {
	GCCollected.WithLabelValues(kind).Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Serving metrics.", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
