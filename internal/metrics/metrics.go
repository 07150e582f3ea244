package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "Duration of HTTP requests in seconds",
		},
		[]string{"method", "path"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Current number of HTTP requests in flight",
		},
	)

	// Broker API metrics
	BrokerAPIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_api_requests_total",
			Help: "Total number of broker API requests",
		},
		[]string{"endpoint", "status"},
	)
	BrokerAPIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "broker_api_request_duration_seconds",
			Help: "Duration of broker API requests in seconds",
		},
		[]string{"endpoint"},
	)

	// Trading metrics
	SignalEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_evaluations_total",
			Help: "Risk gateway evaluations by outcome",
		},
		[]string{"outcome", "check"},
	)
	OrdersPlacedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_placed_total",
			Help: "Orders submitted to the broker by shape and result",
		},
		[]string{"shape", "result"},
	)
	TradesClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trades_closed_total",
			Help: "Trades closed by exit reason",
		},
		[]string{"reason"},
	)
	OpenPositions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "open_positions",
			Help: "Open positions tracked in the ledger",
		},
		[]string{"asset_type"},
	)
	CircuitBreakerLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_level",
			Help: "Drawdown circuit breaker level (0=none 1=warning 2=paused 3=halted)",
		},
	)
	MonitorCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "monitor_cycle_duration_seconds",
			Help: "Duration of position monitor cycles in seconds",
		},
	)
	MonitorCycleErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "monitor_cycle_errors_total",
			Help: "Per-trade errors collected during monitor cycles",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(HTTPRequestsInFlight)

	prometheus.MustRegister(BrokerAPIRequestsTotal)
	prometheus.MustRegister(BrokerAPIRequestDuration)

	prometheus.MustRegister(SignalEvaluationsTotal)
	prometheus.MustRegister(OrdersPlacedTotal)
	prometheus.MustRegister(TradesClosedTotal)
	prometheus.MustRegister(OpenPositions)
	prometheus.MustRegister(CircuitBreakerLevel)
	prometheus.MustRegister(MonitorCycleDuration)
	prometheus.MustRegister(MonitorCycleErrors)

	prometheus.MustRegister(prometheus.NewGoCollector())
	prometheus.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
}
