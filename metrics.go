package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics is SPEC_FULL's domain-stack addition: prometheus/client_golang
// counters for the lifecycle events spec.md's testable properties already
// describe in prose (registration, blockwise transfers, bearer restarts).
// Grounded the same way ghjramos-aistore and piwi3910-netweave expose
// counters over an HTTP endpoint.
type Metrics struct {
	Registrations  prometheus.Counter
	CoAPRequests   *prometheus.CounterVec
	BlockTransfers *prometheus.CounterVec
	BearerRestarts prometheus.Counter
}

// NewMetrics registers the collectors against a private registry so
// multiple Metrics instances (as in tests) never collide on the global
// default registry.
func NewMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registrations: factory.NewCounter(prometheus.CounterOpts{
			Name: "lwm2m_registrations_total",
			Help: "Total successful LwM2M registrations and re-registrations.",
		}),
		CoAPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lwm2m_coap_requests_total",
			Help: "Total CoAP requests served, by method and response code.",
		}, []string{"method", "code"}),
		BlockTransfers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lwm2m_block_transfers_total",
			Help: "Total blockwise transfers completed, by direction.",
		}, []string{"direction"}),
		BearerRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "lwm2m_bearer_restarts_total",
			Help: "Total bearer supervisor restarts.",
		}),
	}, reg
}

// ServeMetrics starts an HTTP listener exposing reg's collectors at /metrics
// for the life of the process; it runs in its own goroutine and logs fatal
// bind errors rather than crashing the event loop, since metrics are
// observability, not control flow.
func ServeMetrics(address string, reg *prometheus.Registry) {
	if address == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(address, mux); err != nil {
			log.Error().Str("component", "metrics").Err(err).Msg("metrics listener stopped")
		}
	}()
}
