// Package metrics exports engine and consensus metrics to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/gasoline/pkg/api"
)

// Metrics holds every collector. Create one per registry.
type Metrics struct {
	/* Workflow metrics */
	runsTotal       *prometheus.CounterVec
	outcomesTotal   *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	activitiesTotal *prometheus.CounterVec
	activityLatency *prometheus.HistogramVec

	/* Worker metrics */
	pulledTotal    prometheus.Counter
	runningGauge   prometheus.Gauge
	expiredLeases  prometheus.Counter
	pullErrorTotal prometheus.Counter

	/* Epoxy metrics */
	proposalsTotal   *prometheus.CounterVec
	proposalDuration *prometheus.HistogramVec
	executedTotal    prometheus.Counter
	clusterEpoch     prometheus.Gauge
}

// New registers the collectors with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gasoline_workflow_runs_total",
				Help: "Total number of workflow runs started",
			},
			[]string{"workflow"},
		),
		outcomesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gasoline_workflow_outcomes_total",
				Help: "Workflow runs by outcome",
			},
			[]string{"workflow", "outcome"},
		),
		runDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gasoline_workflow_run_duration_seconds",
				Help:    "Duration of a workflow run from lease to commit",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
			},
			[]string{"workflow"},
		),
		activitiesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gasoline_activities_total",
				Help: "Activities executed by status",
			},
			[]string{"workflow", "activity", "status"},
		),
		activityLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gasoline_activity_duration_seconds",
				Help:    "Activity duration including in-run retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"workflow", "activity"},
		),
		pulledTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "gasoline_worker_pulled_workflows_total",
			Help: "Workflows leased by this worker",
		}),
		runningGauge: f.NewGauge(prometheus.GaugeOpts{
			Name: "gasoline_worker_running_workflows",
			Help: "Workflows currently running on this worker",
		}),
		expiredLeases: f.NewCounter(prometheus.CounterOpts{
			Name: "gasoline_worker_expired_leases_total",
			Help: "Leases of dead workers cleared by the gc task",
		}),
		pullErrorTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "gasoline_worker_pull_errors_total",
			Help: "Failed attempts to pull workflows",
		}),
		proposalsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gasoline_epoxy_proposals_total",
				Help: "Epoxy proposals by path taken",
			},
			[]string{"path"},
		),
		proposalDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gasoline_epoxy_proposal_duration_seconds",
				Help:    "Epoxy proposal latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"path"},
		),
		executedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "gasoline_epoxy_executed_instances_total",
			Help: "Epoxy instances applied to the state machine",
		}),
		clusterEpoch: f.NewGauge(prometheus.GaugeOpts{
			Name: "gasoline_epoxy_cluster_epoch",
			Help: "Epoch of the cluster configuration this replica holds",
		}),
	}
}

// Handler serves the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Observer reports workflow lifecycle events.
func (m *Metrics) Observer() api.Observer { return &observer{m: m} }

// RecordOutcome counts a finished run. outcome is one of the executor's
// outcome names.
func (m *Metrics) RecordOutcome(workflow, outcome string, d time.Duration) {
	m.outcomesTotal.WithLabelValues(workflow, outcome).Inc()
	m.runDuration.WithLabelValues(workflow).Observe(d.Seconds())
}

func (m *Metrics) WorkflowsPulled(n int) { m.pulledTotal.Add(float64(n)) }
func (m *Metrics) RunStarted()           { m.runningGauge.Inc() }
func (m *Metrics) RunFinished()          { m.runningGauge.Dec() }
func (m *Metrics) LeasesExpired(n int)   { m.expiredLeases.Add(float64(n)) }
func (m *Metrics) PullFailed()           { m.pullErrorTotal.Inc() }
func (m *Metrics) InstanceExecuted()     { m.executedTotal.Inc() }
func (m *Metrics) ClusterEpoch(e uint64) { m.clusterEpoch.Set(float64(e)) }

// Proposal records one epoxy proposal. path is "fast", "slow" or "failed".
func (m *Metrics) Proposal(path string, d time.Duration) {
	m.proposalsTotal.WithLabelValues(path).Inc()
	m.proposalDuration.WithLabelValues(path).Observe(d.Seconds())
}

type observer struct {
	m *Metrics
}

func (o *observer) OnWorkflowStart(ctx context.Context, run *api.RunInfo) {
	o.m.runsTotal.WithLabelValues(run.Name).Inc()
}

func (o *observer) OnWorkflowCompleted(ctx context.Context, run *api.RunInfo)                    {}
func (o *observer) OnWorkflowSleeping(ctx context.Context, run *api.RunInfo, wake *api.Yield)    {}
func (o *observer) OnWorkflowFailed(ctx context.Context, run *api.RunInfo, err error, dead bool) {}
func (o *observer) OnActivityStart(ctx context.Context, run *api.RunInfo, activity, loc string)  {}

func (o *observer) OnActivityCompleted(ctx context.Context, run *api.RunInfo, activity, loc string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.m.activitiesTotal.WithLabelValues(run.Name, activity, status).Inc()
	o.m.activityLatency.WithLabelValues(run.Name, activity).Observe(d.Seconds())
}
