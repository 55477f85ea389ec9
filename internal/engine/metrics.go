package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: сколько занял прогон конвейера целиком (включая реестр и запись)
	RequestDuration *prometheus.HistogramVec

	// Traffic: общее кол-во команд
	TotalRequests *prometheus.CounterVec

	// Errors: классификация отказов по Kind
	ErrorTotal *prometheus.CounterVec

	// Retries: повторные отправки в реестр после сетевых ошибок
	SubmitRetries *prometheus.CounterVec

	// Replays: команды, закрытые по уже существующей записи корреляции
	Replays *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - ок, 0.5 - проба, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_pipeline_duration_seconds",
			Help:    "Histogram of pipeline latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"operation", "state"}),

		TotalRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_commands_total",
			Help: "Total number of submitted commands.",
		}, []string{"tenant", "operation"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_errors_total",
			Help: "Total number of failed pipeline runs by error kind.",
		}, []string{"kind"}), // validation, not_found, conflict, network, rejected, persistence, timeout

		SubmitRetries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_ledger_submit_retries_total",
			Help: "Ledger submit retries after network errors.",
		}, []string{"operation"}),

		Replays: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_replays_total",
			Help: "Commands answered from an existing correlation record.",
		}, []string{"operation"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_circuit_breaker_state",
			Help: "Current state of the ledger circuit breaker (0=closed, 0.5=half-open, 1=open).",
		}, []string{"connector_id"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "bridge_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}
