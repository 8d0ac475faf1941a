// Package metrics exposes Prometheus collectors for the iteration loop. The
// Recorder is fed from the event bus, so the runner never calls it directly.
// `cadence run` writes the registry to a textfile in the state directory,
// where node_exporter's textfile collector can pick it up.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Iron-Ham/cadence/internal/event"
)

const namespace = "cadence"

// Recorder holds the loop collectors.
type Recorder struct {
	iterations   *prometheus.CounterVec
	costUSD      prometheus.Counter
	tokens       prometheus.Counter
	tasksDone    prometheus.Counter
	contextUsage prometheus.Gauge
	handoffs     prometheus.Counter
	transitions  *prometheus.CounterVec
	recoveries   *prometheus.CounterVec
	halts        *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewRecorder creates the collectors and registers them on reg.
func NewRecorder(reg *prometheus.Registry) (*Recorder, error) {
	r := &Recorder{
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loop", Name: "iterations_total",
			Help: "Iterations run, by outcome.",
		}, []string{"outcome"}),
		costUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loop", Name: "cost_usd_total",
			Help: "USD spent by agent sessions.",
		}),
		tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loop", Name: "tokens_total",
			Help: "Tokens consumed by agent sessions.",
		}),
		tasksDone: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "plan", Name: "tasks_completed_total",
			Help: "Tasks marked complete.",
		}),
		contextUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "context_usage_percent",
			Help: "Context window usage of the current session.",
		}),
		handoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "handoffs_total",
			Help: "Session handoffs.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "phase", Name: "transitions_total",
			Help: "Phase transitions, by target phase.",
		}, []string{"to"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loop", Name: "recoveries_total",
			Help: "Recovery actions applied, by action.",
		}, []string{"action"}),
		halts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loop", Name: "halts_total",
			Help: "Loop halts, by reason kind.",
		}, []string{"reason"}),
		gatherer: reg,
	}

	for _, c := range []prometheus.Collector{
		r.iterations, r.costUSD, r.tokens, r.tasksDone, r.contextUsage,
		r.handoffs, r.transitions, r.recoveries, r.halts,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Attach subscribes the recorder to bus and returns the subscription id.
func (r *Recorder) Attach(bus *event.Bus) string {
	return bus.SubscribeAll(r.Observe)
}

// Observe updates the collectors from one event.
func (r *Recorder) Observe(e event.Event) {
	switch ev := e.(type) {
	case event.IterationCompleted:
		outcome := "success"
		if !ev.Success {
			outcome = "failure"
		}
		r.iterations.WithLabelValues(outcome).Inc()
		if ev.CostUSD > 0 {
			r.costUSD.Add(ev.CostUSD)
		}
		if ev.Tokens > 0 {
			r.tokens.Add(float64(ev.Tokens))
		}
		if ev.TaskCompleted != "" {
			r.tasksDone.Inc()
		}
		r.contextUsage.Set(ev.ContextUsagePct)
	case event.SessionHandoff:
		r.handoffs.Inc()
		r.contextUsage.Set(0)
	case event.PhaseChanged:
		r.transitions.WithLabelValues(ev.To).Inc()
		r.contextUsage.Set(0)
	case event.RecoveryApplied:
		r.recoveries.WithLabelValues(ev.Action).Inc()
	case event.LoopHalted:
		r.halts.WithLabelValues(reasonKind(ev.Reason)).Inc()
	}
}

// WriteTextfile writes every metric in the registry to path in the text
// exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.gatherer)
}

// reasonKind strips the detail from a halt reason such as "stagnation:5" so
// the label has bounded cardinality.
func reasonKind(reason string) string {
	if reason == "" {
		return "unknown"
	}
	kind, _, _ := strings.Cut(reason, ":")
	return kind
}
