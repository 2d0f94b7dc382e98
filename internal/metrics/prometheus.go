package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "kimp_arb_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	vec *prometheus.GaugeVec
}

func (p promGauge) Set(label string, value float64) {
	p.vec.WithLabelValues(label).Set(value)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
	gauges   map[string]*prometheus.GaugeVec
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	p := &Prometheus{
		registry: registry,
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]*prometheus.GaugeVec),
	}
	p.Metrics = &Metrics{
		Ticks:              p.counter("ticks_total", "Total number of engine ticks."),
		TicksDeferred:      p.counter("ticks_deferred_total", "Ticks that ran out of budget before evaluating every symbol."),
		FetchFailures:      p.counter("fetch_failures_total", "Market data fetches that failed after retries."),
		BreakerTrips:       p.counter("breaker_trips_total", "Price source circuit breaker transitions to open."),
		EntriesCommitted:   p.counter("entries_committed_total", "Entry executions with both legs filled."),
		ExitsCommitted:     p.counter("exits_committed_total", "Exit executions with both legs filled."),
		ExecutionsAborted:  p.counter("executions_aborted_total", "Executions aborted before or at submission."),
		PartialFailures:    p.counter("partial_failures_total", "Executions where only one leg filled or a leg is unverified."),
		CompensationFailed: p.counter("compensation_failed_total", "Compensating orders that did not fill."),
		Unverified:         p.counter("unverified_total", "Executions with a leg whose outcome could not be verified."),
		Premium:            p.gauge("premium_percent", "Latest kimp premium in percent."),
		ZScore:             p.gauge("zscore", "Latest premium Z-score."),
		OpenPositions:      p.gauge("open_positions", "Open positions per symbol."),
		Exposure:           p.gauge("exposure_fraction", "Summed size fraction of open positions per symbol."),
	}
	return p
}

func (p *Prometheus) counter(name, help string) Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(c)
	p.counters[name] = c
	return promCounter{c}
}

func (p *Prometheus) gauge(name, help string) LabeledGauge {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	}, []string{"symbol"})
	p.registry.MustRegister(vec)
	p.gauges[name] = vec
	return promGauge{vec}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
