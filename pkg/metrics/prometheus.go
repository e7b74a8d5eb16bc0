package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus is a Collector backed by a private registry. Only the
// metric names declared in this package are accepted.
type Prometheus struct {
	registry *prometheus.Registry

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		counters: map[string]*prometheus.CounterVec{
			CommitsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Name: CommitsTotal,
				Help: "Committed log entries handled by the state machine",
			}, []string{"result"}), // applied, redelivered, rejected, journal_error
			WALRecordsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Name: WALRecordsTotal,
				Help: "Records appended to the write-ahead log",
			}, []string{"op"}),
			ProposalsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Name: ProposalsTotal,
				Help: "Client proposals by outcome",
			}, []string{"result"}),
			SnapshotsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Name: SnapshotsTotal,
				Help: "Snapshots taken",
			}, []string{"kind"}), // persistence, raft
		},
		gauges: map[string]*prometheus.GaugeVec{
			LastCommitIndex: f.NewGaugeVec(prometheus.GaugeOpts{
				Name: LastCommitIndex,
				Help: "Highest log index applied to the data store",
			}, nil),
			LastDurableIndex: f.NewGaugeVec(prometheus.GaugeOpts{
				Name: LastDurableIndex,
				Help: "Highest log index reported durable by the log store",
			}, nil),
			LogStartIndex: f.NewGaugeVec(prometheus.GaugeOpts{
				Name: LogStartIndex,
				Help: "First index still held by the log store",
			}, nil),
		},
		histograms: map[string]*prometheus.HistogramVec{
			ProposeSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
				Name:    ProposeSeconds,
				Help:    "Time from proposal to commit result",
				Buckets: prometheus.DefBuckets,
			}, []string{"result"}),
		},
	}
}

func (p *Prometheus) IncCounter(name string, labels map[string]string, delta float64) {
	vec, ok := p.counters[name]
	if !ok {
		slog.Debug("unknown counter", "name", name)
		return
	}
	c, err := vec.GetMetricWith(labels)
	if err != nil {
		slog.Warn("counter labels mismatch", "name", name, "error", err)
		return
	}
	c.Add(delta)
}

func (p *Prometheus) SetGauge(name string, labels map[string]string, value float64) {
	vec, ok := p.gauges[name]
	if !ok {
		slog.Debug("unknown gauge", "name", name)
		return
	}
	g, err := vec.GetMetricWith(labels)
	if err != nil {
		slog.Warn("gauge labels mismatch", "name", name, "error", err)
		return
	}
	g.Set(value)
}

func (p *Prometheus) ObserveHistogram(name string, labels map[string]string, value float64) {
	vec, ok := p.histograms[name]
	if !ok {
		slog.Debug("unknown histogram", "name", name)
		return
	}
	h, err := vec.GetMetricWith(labels)
	if err != nil {
		slog.Warn("histogram labels mismatch", "name", name, "error", err)
		return
	}
	h.Observe(value)
}

// Handler exposes the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}
