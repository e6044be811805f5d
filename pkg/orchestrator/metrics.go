package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig конфигурация метрик
type MetricsConfig struct {
	// Namespace префикс для Prometheus метрик
	Namespace string

	// Subsystem подсистема для Prometheus метрик
	Subsystem string

	// Registerer реестр Prometheus; nil отключает регистрацию
	Registerer prometheus.Registerer
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig(reg prometheus.Registerer) MetricsConfig {
	return MetricsConfig{
		Namespace:  "voice_bridge",
		Subsystem:  "orchestrator",
		Registerer: reg,
	}
}

// Metrics метрики оркестратора
type Metrics struct {
	sessionsTotal     *prometheus.CounterVec
	sessionsActive    prometheus.Gauge
	stateTransitions  *prometheus.CounterVec
	commandsTotal     *prometheus.CounterVec
	droppedEvents     *prometheus.CounterVec
	pendingOperations prometheus.Gauge
	sessionDuration   prometheus.Histogram
	panicsTotal       prometheus.Counter
}

// NewMetrics создает и регистрирует метрики
func NewMetrics(cfg MetricsConfig) *Metrics {
	factory := promauto.With(cfg.Registerer)

	return &Metrics{
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "sessions_total",
			Help:      "Total number of call sessions created",
		}, []string{"direction"}),

		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "sessions_active",
			Help:      "Number of sessions currently held in the registry",
		}),

		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "state_transitions_total",
			Help:      "Session lifecycle transitions",
		}, []string{"from", "to"}),

		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "commands_total",
			Help:      "UI commands by outcome",
		}, []string{"command", "result"}),

		droppedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "dropped_events_total",
			Help:      "Events dropped because their session is unknown or already settled",
		}, []string{"event"}),

		pendingOperations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "pending_operations",
			Help:      "Outstanding UI operations awaiting resolution",
		}),

		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "session_duration_seconds",
			Help:      "Time from session creation to removal",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),

		panicsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "recovered_panics_total",
			Help:      "Panics recovered at the orchestration boundary",
		}),
	}
}

// Методы допускают nil получатель

func (m *Metrics) sessionCreated(direction string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(direction).Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionRemoved(createdAt time.Time) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionDuration.Observe(time.Since(createdAt).Seconds())
}

func (m *Metrics) transition(from, to string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) command(name string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commandsTotal.WithLabelValues(name, result).Inc()
}

func (m *Metrics) dropped(event string) {
	if m == nil {
		return
	}
	m.droppedEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pendingOperations.Set(float64(n))
}

func (m *Metrics) panicRecovered() {
	if m == nil {
		return
	}
	m.panicsTotal.Inc()
}
