package metric

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the gateway collectors. Build one per registry; tests use a
// fresh prometheus.NewRegistry so runs never collide on the default one.
type Metrics struct {
	Connections   prometheus.Gauge
	InboundEvents *prometheus.CounterVec
	ErrorsSent    *prometheus.CounterVec
	Evictions     prometheus.Counter
	AuthFailures  prometheus.Counter
	Lifecycle     *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_active_connections",
			Help: "Active websocket connections",
		}),
		InboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_inbound_events_total",
			Help: "Client events received, by event type",
		}, []string{"type"}),
		ErrorsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_errors_sent_total",
			Help: "Error envelopes sent to clients, by code",
		}, []string{"code"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_slow_consumer_evictions_total",
			Help: "Connections dropped because their send buffer was full",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_auth_failures_total",
			Help: "Handshakes rejected by credential verification",
		}),
		Lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_message_lifecycle_total",
			Help: "Durable message changes, by lifecycle event",
		}, []string{"event"}),
		gatherer: reg,
	}
	reg.MustRegister(m.Connections, m.InboundEvents, m.ErrorsSent, m.Evictions, m.AuthFailures, m.Lifecycle)
	return m
}

// RegisterRooms exposes a live room count read through fn at scrape time.
func (m *Metrics) RegisterRooms(reg prometheus.Registerer, fn func() float64) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "hub_active_rooms",
		Help: "Rooms with at least one member",
	}, fn))
}

// Handler returns a fiber handler for Prometheus scraping.
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}
