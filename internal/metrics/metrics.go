// Package metrics exposes the fleet's Prometheus metrics: launch-budget
// utilization, per-instance state, and outcome counts. It is trimmed from
// the teacher's pkg/metrics/collector.go, which tracked GA4/SEO-style
// hit-rate and bounce-rate gauges that have no equivalent here; the
// Counter/Gauge/CounterVec construction-and-register pattern is kept.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shivanshu32/cloudvoter-sub001/internal/classifier"
)

const namespace = "votefleet"

// Collector holds every metric the fleet reports.
type Collector struct {
	AttemptsTotal *prometheus.CounterVec // labeled by outcome kind
	VoteCount     *prometheus.GaugeVec   // labeled by instance_id, instance_name

	InstanceState *prometheus.GaugeVec // labeled by instance_id, state; 1 for the active state, 0 otherwise

	LaunchBudgetInUse    prometheus.Gauge
	LaunchBudgetCapacity prometheus.Gauge

	GlobalHourlyLimitActive prometheus.Gauge

	registry *prometheus.Registry
}

// New builds a Collector registered against its own registry, so metrics
// registration never collides with a process-wide default registry a host
// binary might also use.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Total voting attempts, labeled by classified outcome.",
		}, []string{"outcome"}),
		VoteCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instance_vote_count",
			Help:      "Cumulative successful votes recorded for an instance.",
		}, []string{"instance_id", "instance_name"}),
		InstanceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instance_state",
			Help:      "1 if the instance is currently in this state, 0 otherwise.",
		}, []string{"instance_id", "state"}),
		LaunchBudgetInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "launch_budget_in_use",
			Help:      "Number of concurrent-launch slots currently held.",
		}),
		LaunchBudgetCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "launch_budget_capacity",
			Help:      "Configured concurrent-launch budget.",
		}),
		GlobalHourlyLimitActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "global_hourly_limit_active",
			Help:      "1 while the fleet is paused for a detected global hourly vote limit.",
		}),
	}
	reg.MustRegister(
		c.AttemptsTotal,
		c.VoteCount,
		c.InstanceState,
		c.LaunchBudgetInUse,
		c.LaunchBudgetCapacity,
		c.GlobalHourlyLimitActive,
	)
	return c
}

// RecordOutcome increments the per-kind attempt counter.
func (c *Collector) RecordOutcome(k classifier.Kind) {
	c.AttemptsTotal.WithLabelValues(string(k)).Inc()
}

// SetInstanceState marks state active for instanceID and zeroes every other
// known lifecycle state for it, so a dashboard gauge query always reads a
// clean one-hot row per instance.
func (c *Collector) SetInstanceState(instanceID string, states []string, active string) {
	for _, s := range states {
		v := 0.0
		if s == active {
			v = 1.0
		}
		c.InstanceState.WithLabelValues(instanceID, s).Set(v)
	}
}

// SetVoteCount updates the cumulative-votes gauge for one instance.
func (c *Collector) SetVoteCount(instanceID, instanceName string, count int) {
	c.VoteCount.WithLabelValues(instanceID, instanceName).Set(float64(count))
}

// SetLaunchBudget updates the launch-budget utilization gauges.
func (c *Collector) SetLaunchBudget(inUse, capacity int) {
	c.LaunchBudgetInUse.Set(float64(inUse))
	c.LaunchBudgetCapacity.Set(float64(capacity))
}

// SetGlobalHourlyLimitActive reports whether the fleet is currently paused
// for a detected global hourly vote limit.
func (c *Collector) SetGlobalHourlyLimitActive(active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	c.GlobalHourlyLimitActive.Set(v)
}

// Handler returns the HTTP handler the External Interface Adapter mounts
// at /api/metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
