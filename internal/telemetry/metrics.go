package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Prefix = "streamtable_"

type RoundOutcome string

const (
	RoundOK      RoundOutcome = "ok"
	RoundStalled RoundOutcome = "stalled"
	RoundFailed  RoundOutcome = "failed"
)

type Metrics struct {
	recordsDelivered *prometheus.CounterVec
	brokenMessages   *prometheus.CounterVec
	rounds           *prometheus.CounterVec
	commits          *prometheus.CounterVec
	sessionsCreated  *prometheus.CounterVec
	poolAvailable    *prometheus.GaugeVec
	taskLatency      *prometheus.HistogramVec
}

// NewMetrics registers the engine collectors on reg. A nil reg gets a private
// registry, which keeps tests independent of each other.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		recordsDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "records_delivered_total",
			Help: "Number of broker records handed to the sink",
		}, []string{"table"}),
		brokenMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "broken_messages_total",
			Help: "Number of records skipped because they could not be decoded",
		}, []string{"table"}),
		rounds: f.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "rounds_total",
			Help: "Number of delivery rounds grouped by outcome",
		}, []string{"table", "outcome"}),
		commits: f.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "commits_total",
			Help: "Number of offset commits grouped by result",
		}, []string{"table", "result"}),
		sessionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "sessions_created_total",
			Help: "Number of broker consumer sessions created",
		}, []string{"table"}),
		poolAvailable: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: Prefix + "pool_available_readers",
			Help: "Readers currently sitting in the consumer pool",
		}, []string{"table"}),
		taskLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    Prefix + "task_latency_seconds",
			Help:    "Background task invocation latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}, []string{"task"}),
	}
}

func (m *Metrics) RecordDelivered(table string, n int) {
	m.recordsDelivered.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) RecordBroken(table string) {
	m.brokenMessages.WithLabelValues(table).Inc()
}

func (m *Metrics) RecordRound(table string, outcome RoundOutcome) {
	m.rounds.WithLabelValues(table, string(outcome)).Inc()
}

func (m *Metrics) RecordCommit(table string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.commits.WithLabelValues(table, result).Inc()
}

func (m *Metrics) RecordSession(table string) {
	m.sessionsCreated.WithLabelValues(table).Inc()
}

func (m *Metrics) SetPoolAvailable(table string, n int) {
	m.poolAvailable.WithLabelValues(table).Set(float64(n))
}

// ObserveTask matches schedule.Observer.
func (m *Metrics) ObserveTask(task string, took time.Duration) {
	m.taskLatency.WithLabelValues(task).Observe(took.Seconds())
}

func Expose(port int) {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		_ = http.ListenAndServe(fmt.Sprintf(":%d", port), nil)
	}()
}
