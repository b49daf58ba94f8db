package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/park285/digitpark-versus/internal/versus"
)

// Prometheus records the match lifecycle. It implements versus.Metrics.
type Prometheus struct {
	registry *prometheus.Registry

	searchElapsed  *prometheus.HistogramVec
	outcomes       *prometheus.CounterVec
	staleCallbacks *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	pruned         prometheus.Counter
}

var _ versus.Metrics = (*Prometheus)(nil)

// New registers the collectors on reg; nil gets a fresh registry.
func New(reg *prometheus.Registry) *Prometheus {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Prometheus{
		registry: reg,
		searchElapsed: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "versus_search_elapsed_seconds",
			Help:    "Time from search start until it found, failed, timed out or was cancelled",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 9),
		}, []string{"result"}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "versus_outcomes_total",
			Help: "Resolved matches by deciding rule and winner side",
		}, []string{"reason", "winner"}),
		staleCallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "versus_stale_callbacks_total",
			Help: "Backend callbacks dropped because their search or match was no longer current",
		}, []string{"kind"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "versus_queue_depth",
			Help: "Waiting entries per matchmaking queue",
		}, []string{"queue"}),
		pruned: factory.NewCounter(prometheus.CounterOpts{
			Name: "versus_queue_pruned_total",
			Help: "Stale queue entries removed by the janitor",
		}),
	}
}

func (m *Prometheus) Registry() *prometheus.Registry { return m.registry }

func (m *Prometheus) ObserveSearch(result string, elapsed time.Duration) {
	m.searchElapsed.With(prometheus.Labels{"result": result}).Observe(elapsed.Seconds())
}

func (m *Prometheus) ObserveOutcome(reason versus.OutcomeReason, winner versus.Side) {
	m.outcomes.With(prometheus.Labels{"reason": string(reason), "winner": winner.String()}).Inc()
}

func (m *Prometheus) IncStaleCallback(kind string) {
	m.staleCallbacks.With(prometheus.Labels{"kind": kind}).Inc()
}

func (m *Prometheus) SetQueueDepth(queue string, n int) {
	m.queueDepth.With(prometheus.Labels{"queue": queue}).Set(float64(n))
}

func (m *Prometheus) AddPruned(n int) {
	if n > 0 {
		m.pruned.Add(float64(n))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Prometheus) Handler() fasthttp.RequestHandler {
	h := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/metrics":
			h(ctx)
		case "/healthz":
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBodyString("ok")
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
}
