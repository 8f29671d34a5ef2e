package meter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ineyio/postgate"
)

// PromMeter exports gate events as Prometheus metrics.
type PromMeter struct {
	Checks         *prometheus.CounterVec
	Rejections     *prometheus.CounterVec
	Recorded       prometheus.Counter
	RecordFailures prometheus.Counter
	Pruned         prometheus.Counter
	StoreErrors    *prometheus.CounterVec
	Remaining      prometheus.Gauge
	ScopeState     *prometheus.GaugeVec

	RejectionRemaining *prometheus.GaugeVec
}

var _ postgate.Meter = (*PromMeter)(nil)

// NewPromMeter registers the gate metrics with reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PromMeter{
		Checks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "postgate_checks_total",
			Help: "Total number of admission checks by result and derivation",
		}, []string{"result", "derivation"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "postgate_rejections_total",
			Help: "Total number of remote quota rejections by provenance",
		}, []string{"source"}),
		Recorded: f.NewCounter(prometheus.CounterOpts{
			Name: "postgate_actions_recorded_total",
			Help: "Total number of successful actions written to the action log",
		}),
		RecordFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "postgate_actions_record_failures_total",
			Help: "Total number of successful actions that could not be logged",
		}),
		Pruned: f.NewCounter(prometheus.CounterOpts{
			Name: "postgate_actions_pruned_total",
			Help: "Total number of actions removed past the retention horizon",
		}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "postgate_store_errors_total",
			Help: "Total number of failed reads or writes of persisted state",
		}, []string{"op"}),
		Remaining: f.NewGauge(prometheus.GaugeOpts{
			Name: "postgate_quota_remaining",
			Help: "Effective remaining quota at the last check",
		}),
		ScopeState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "postgate_scope_state",
			Help: "Quota state per scope at the last check (0 unknown, 1 derived, 2 confirmed, 3 exhausted)",
		}, []string{"scope"}),
		RejectionRemaining: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "postgate_rejection_remaining",
			Help: "Remaining quota per scope reported by the last rejection",
		}, []string{"scope"}),
	}
}

func (m *PromMeter) OnCheck(e postgate.CheckEvent) {
	result := "allowed"
	if !e.Allowed {
		result = "denied"
	}
	m.Checks.WithLabelValues(result, string(e.Derivation)).Inc()
	m.Remaining.Set(float64(e.Remaining))
	for scope, state := range e.States {
		m.ScopeState.WithLabelValues(string(scope)).Set(float64(state))
	}
	if e.States == nil {
		for _, t := range e.Transitions {
			m.ScopeState.WithLabelValues(string(t.Scope)).Set(float64(t.To))
		}
	}
}

func (m *PromMeter) OnRejected(e postgate.RejectedEvent) {
	m.Rejections.WithLabelValues(string(e.Headers.App.Provenance)).Inc()
	for _, s := range postgate.Scopes {
		m.RejectionRemaining.WithLabelValues(string(s)).Set(float64(e.Headers.Snapshot(s).Remaining))
	}
}

func (m *PromMeter) OnRecorded(e postgate.RecordedEvent) {
	if e.Error != nil {
		m.RecordFailures.Inc()
		return
	}
	m.Recorded.Inc()
	m.Pruned.Add(float64(e.Pruned))
}

func (m *PromMeter) OnStoreError(e postgate.StoreErrorEvent) {
	m.StoreErrors.WithLabelValues(e.Op).Inc()
}
