package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/metrics"
)

// Router bundles the HTTP handlers served by `tsms serve`.
type Router struct {
	Transactions *TransactionHandler
	Breakers     *BreakerHandler
	Health       *HealthHandler
	Gatherer     prometheus.Gatherer
}

func (rt Router) Handler() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern, name string, fn http.HandlerFunc) {
		mux.Handle(pattern, metrics.InstrumentHandler(name, fn))
	}

	handle("POST /transactions", "transactions_submit", rt.Transactions.HandleSubmit)
	handle("GET /transactions/{id}", "transactions_get", rt.Transactions.HandleGet)
	handle("GET /circuit-breakers", "circuit_breakers_list", rt.Breakers.HandleList)
	handle("POST /circuit-breakers/{id}/reset", "circuit_breakers_reset", rt.Breakers.HandleReset)
	handle("GET /health", "health", rt.Health.HandleHealth)
	handle("GET /forwarding/health", "forwarding_health", rt.Health.HandleForwardingHealth)
	handle("GET /forwarding/events", "forwarding_events", rt.Health.HandleEvents)

	gatherer := rt.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}
