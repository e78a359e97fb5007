// Package metrics provides Prometheus-based metrics recording for node
// operations: tick dispatch, bridge relays, migrations, and A2A traffic.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the metrics surface handed to components. The daemon wires
// the Prometheus recorder; tests and embedded setups use Nop.
type Recorder interface {
	// IncTick records one dispatched work-loop tick.
	IncTick(agentID, status string)
	// IncBridgeRelay records one message crossing a bridge.
	IncBridgeRelay(platform, direction, status string)
	// ObserveMigrationPhase records the duration of one migration phase.
	ObserveMigrationPhase(phase string, duration time.Duration)
	// IncMigration records one finished migration.
	IncMigration(status string)
	// IncA2ARequest records one A2A RPC served.
	IncA2ARequest(method, status string)
}

// PrometheusRecorder implements Recorder with promauto collectors.
type PrometheusRecorder struct {
	ticksTotal        *prometheus.CounterVec
	bridgeRelaysTotal *prometheus.CounterVec
	migrationPhase    *prometheus.HistogramVec
	migrationsTotal   *prometheus.CounterVec
	a2aRequestsTotal  *prometheus.CounterVec
}

// NewPrometheusRecorder registers the collectors on the default registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		ticksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flock_ticks_total",
				Help: "Total work-loop ticks dispatched by agent and status",
			},
			[]string{"agent_id", "status"},
		),
		bridgeRelaysTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flock_bridge_relays_total",
				Help: "Total messages relayed across channel bridges",
			},
			[]string{"platform", "direction", "status"},
		),
		migrationPhase: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flock_migration_phase_duration_seconds",
				Help:    "Duration of migration phases in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		migrationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flock_migrations_total",
				Help: "Total migrations by terminal status",
			},
			[]string{"status"},
		),
		a2aRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flock_a2a_requests_total",
				Help: "Total A2A JSON-RPC requests by method and status",
			},
			[]string{"method", "status"},
		),
	}
}

func (p *PrometheusRecorder) IncTick(agentID, status string) {
	p.ticksTotal.WithLabelValues(agentID, status).Inc()
}

func (p *PrometheusRecorder) IncBridgeRelay(platform, direction, status string) {
	p.bridgeRelaysTotal.WithLabelValues(platform, direction, status).Inc()
}

func (p *PrometheusRecorder) ObserveMigrationPhase(phase string, duration time.Duration) {
	p.migrationPhase.WithLabelValues(phase).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) IncMigration(status string) {
	p.migrationsTotal.WithLabelValues(status).Inc()
}

func (p *PrometheusRecorder) IncA2ARequest(method, status string) {
	p.a2aRequestsTotal.WithLabelValues(method, status).Inc()
}

// NoopRecorder discards all metrics.
type NoopRecorder struct{}

// Nop returns a recorder that discards all metrics.
func Nop() Recorder { return &NoopRecorder{} }

func (*NoopRecorder) IncTick(_, _ string)                             {}
func (*NoopRecorder) IncBridgeRelay(_, _, _ string)                   {}
func (*NoopRecorder) ObserveMigrationPhase(_ string, _ time.Duration) {}
func (*NoopRecorder) IncMigration(_ string)                           {}
func (*NoopRecorder) IncA2ARequest(_, _ string)                       {}
