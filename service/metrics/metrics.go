package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

// Handler /metrics
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// 所有方法对 nil 接收者安全，组件可以不带指标运行

type Gateway struct {
	connections prometheus.Gauge
	sessions    prometheus.Gauge
	frames      *prometheus.CounterVec
	frameErrors *prometheus.CounterVec
	delivered   prometheus.Counter
	slowClients prometheus.Counter
	submitLat   prometheus.Histogram
}

func NewGateway(reg prometheus.Registerer) *Gateway {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Gateway{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flare_gateway_connections",
			Help: "Open client connections.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flare_gateway_sessions",
			Help: "Sessions held by the local registry.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flare_gateway_frames_total",
			Help: "Inbound frames by type.",
		}, []string{"type"}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flare_gateway_frame_errors_total",
			Help: "Frames answered with ERROR, by error code.",
		}, []string{"code"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flare_gateway_delivered_total",
			Help: "Messages written to client connections.",
		}),
		slowClients: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flare_gateway_slow_clients_total",
			Help: "Connections closed because the outbound queue was full.",
		}),
		submitLat: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flare_gateway_submit_seconds",
			Help:    "MESSAGE frame round trip through the orchestrator.",
			Buckets: latencyBuckets,
		}),
	}
	reg.MustRegister(m.connections, m.sessions, m.frames, m.frameErrors, m.delivered, m.slowClients, m.submitLat)
	return m
}

func (m *Gateway) ConnOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Gateway) ConnClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Gateway) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Gateway) Frame(typ string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(typ).Inc()
}

func (m *Gateway) FrameError(code string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(code).Inc()
}

func (m *Gateway) Delivered() {
	if m == nil {
		return
	}
	m.delivered.Inc()
}

func (m *Gateway) SlowClient() {
	if m == nil {
		return
	}
	m.slowClients.Inc()
}

func (m *Gateway) ObserveSubmit(d time.Duration) {
	if m == nil {
		return
	}
	m.submitLat.Observe(d.Seconds())
}

type Orchestrator struct {
	submits    *prometheus.CounterVec
	latency    prometheus.Histogram
	walPending prometheus.Gauge
	recovered  prometheus.Counter
	rejected   *prometheus.CounterVec
}

func NewOrchestrator(reg prometheus.Registerer) *Orchestrator {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Orchestrator{
		submits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flare_orchestrator_submits_total",
			Help: "Submissions by result (ok, duplicate, error code).",
		}, []string{"result"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flare_orchestrator_submit_seconds",
			Help:    "Submit pipeline latency.",
			Buckets: latencyBuckets,
		}),
		walPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flare_orchestrator_wal_pending",
			Help: "WAL entries not yet done, sampled at admission.",
		}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flare_orchestrator_recovered_total",
			Help: "WAL entries republished by the recovery scan.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flare_orchestrator_admission_rejected_total",
			Help: "Submissions refused by admission control.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.submits, m.latency, m.walPending, m.recovered, m.rejected)
	return m
}

func (m *Orchestrator) Submit(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.submits.WithLabelValues(result).Inc()
	m.latency.Observe(d.Seconds())
}

func (m *Orchestrator) WALPending(n int64) {
	if m == nil {
		return
	}
	m.walPending.Set(float64(n))
}

func (m *Orchestrator) Recovered(n int) {
	if m == nil {
		return
	}
	m.recovered.Add(float64(n))
}

func (m *Orchestrator) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

// Pipeline 流水线消费者（存储写入 / 分发 / 推送）共用
type Pipeline struct {
	processed *prometheus.CounterVec
	retries   prometheus.Counter
	dlq       prometheus.Counter
	latency   prometheus.Histogram
}

func NewPipeline(reg prometheus.Registerer, role string) *Pipeline {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Pipeline{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "flare_pipeline_processed_total",
			Help:        "Records handled by result.",
			ConstLabels: prometheus.Labels{"role": role},
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "flare_pipeline_retries_total",
			Help:        "Retry attempts scheduled.",
			ConstLabels: prometheus.Labels{"role": role},
		}),
		dlq: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "flare_pipeline_dlq_total",
			Help:        "Records moved to the dead-letter topic.",
			ConstLabels: prometheus.Labels{"role": role},
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "flare_pipeline_handle_seconds",
			Help:        "Per-record handling latency.",
			Buckets:     latencyBuckets,
			ConstLabels: prometheus.Labels{"role": role},
		}),
	}
	reg.MustRegister(m.processed, m.retries, m.dlq, m.latency)
	return m
}

func (m *Pipeline) Done(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(result).Inc()
	m.latency.Observe(d.Seconds())
}

func (m *Pipeline) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Pipeline) DLQ() {
	if m == nil {
		return
	}
	m.dlq.Inc()
}
