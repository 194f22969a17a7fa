package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters for the execution core. Registered on the default
// registry; exposed at GET /metrics.
var (
	triggerFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerg_trigger_fired_total",
		Help: "Trigger events accepted and published.",
	})
	webhookRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerg_webhook_rejected_total",
		Help: "Webhook deliveries rejected by HMAC or timestamp checks.",
	})
	pubsubDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerg_pubsub_deduped_total",
		Help: "Pub/Sub pushes dropped by historyId dedupe.",
	})
	wsClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zerg_ws_clients",
		Help: "Connected WebSocket clients.",
	})
	wsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerg_ws_clients_dropped_total",
		Help: "WebSocket clients closed for queue overflow.",
	})
)

func (s *Server) metricsHandler() http.Handler {
	return promhttp.Handler()
}
