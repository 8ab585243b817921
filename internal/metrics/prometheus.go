package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kasane"

// Prometheus implements Observer with Prometheus collectors on its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	puts        *prometheus.CounterVec
	violations  *prometheus.CounterVec
	indexAdds   *prometheus.CounterVec
	searches    *prometheus.HistogramVec
	consolidate *prometheus.HistogramVec
	rebuilds    *prometheus.HistogramVec
	divergence  *prometheus.GaugeVec
	aggregated  *prometheus.CounterVec
	errors      *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them on a fresh registry.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		puts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "puts_total",
			Help:      "Vectors put, by whether a new record was created.",
		}, []string{"level", "result"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_violations_total",
			Help:      "Puts rejected because a fingerprint matched different content.",
		}, []string{"level"}),
		indexAdds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_adds_total",
			Help:      "Vectors added to ANN indexes.",
		}, []string{"level"}),
		searches: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Latency of index searches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"level"}),
		consolidate: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consolidation_duration_seconds",
			Help:      "Duration of index consolidations.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"level", "reason"}),
		rebuilds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rebuild_duration_seconds",
			Help:      "Duration of full index rebuilds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}, []string{"level"}),
		divergence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "divergence_ratio",
			Help:      "Store/index divergence measured by the last consistency check.",
		}, []string{"level"}),
		aggregated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregated_vectors_total",
			Help:      "Child records processed by aggregation, by outcome.",
		}, []string{"parent", "outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failed operations.",
		}, []string{"op"}),
	}
	p.registry.MustRegister(
		p.puts, p.violations, p.indexAdds, p.searches, p.consolidate,
		p.rebuilds, p.divergence, p.aggregated, p.errors,
	)
	return p
}

// Registry returns the registry holding the collectors.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) OnPut(level string, created bool) {
	result := "deduplicated"
	if created {
		result = "created"
	}
	p.puts.WithLabelValues(level, result).Inc()
}

func (p *Prometheus) OnIntegrityViolation(level string) {
	p.violations.WithLabelValues(level).Inc()
}

func (p *Prometheus) OnIndexAdd(level string, n int) {
	p.indexAdds.WithLabelValues(level).Add(float64(n))
}

func (p *Prometheus) OnSearch(level string, d time.Duration, _ int, err error) {
	if err != nil {
		p.errors.WithLabelValues("search").Inc()
		return
	}
	p.searches.WithLabelValues(level).Observe(d.Seconds())
}

func (p *Prometheus) OnConsolidate(level, reason string, d time.Duration, err error) {
	if err != nil {
		p.errors.WithLabelValues("consolidate").Inc()
		return
	}
	p.consolidate.WithLabelValues(level, reason).Observe(d.Seconds())
}

func (p *Prometheus) OnRebuild(level string, _ uint64, d time.Duration, err error) {
	if err != nil {
		p.errors.WithLabelValues("rebuild").Inc()
		return
	}
	p.rebuilds.WithLabelValues(level).Observe(d.Seconds())
}

func (p *Prometheus) OnCheck(level string, ratio float64) {
	p.divergence.WithLabelValues(level).Set(ratio)
}

func (p *Prometheus) OnAggregate(_, parent string, copied, linked int, err error) {
	if err != nil {
		p.errors.WithLabelValues("aggregate").Inc()
	}
	p.aggregated.WithLabelValues(parent, "copied").Add(float64(copied))
	p.aggregated.WithLabelValues(parent, "linked").Add(float64(linked))
}
