package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tandem/pkg/model"
)

const namespace = "tandem"

// Recorder 把阶段/轮次耗时导出成 prometheus 指标
// 同时实现 scheduler.Observer 和 scheduler.Reporter
type Recorder struct {
	phaseSeconds *prometheus.HistogramVec
	phaseErrors  *prometheus.CounterVec
	roundSeconds prometheus.Histogram
	rounds       *prometheus.CounterVec
	throughput   prometheus.Gauge
	lastStep     prometheus.Gauge
}

func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		phaseSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Wall time of one phase fan-out, from submit to the last worker returning.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"phase"}),
		phaseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_errors_total",
			Help:      "Failed phase calls.",
		}, []string{"phase"}),
		roundSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Wall time of one training round.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Finished rounds by final state.",
		}, []string{"state"}),
		throughput: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "throughput_tokens_per_device_second",
			Help:      "perf/throughput of the last successful round.",
		}),
		lastStep: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_step",
			Help:      "Step number of the last reported round.",
		}),
	}

	for _, c := range []prometheus.Collector{
		r.phaseSeconds, r.phaseErrors, r.roundSeconds, r.rounds, r.throughput, r.lastStep,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) ObservePhase(phase string, elapsed time.Duration, err error) {
	if err != nil {
		r.phaseErrors.WithLabelValues(phase).Inc()
		return
	}
	r.phaseSeconds.WithLabelValues(phase).Observe(elapsed.Seconds())
}

func (r *Recorder) ObserveRound(_ int, elapsed time.Duration, err error) {
	if err != nil {
		return
	}
	r.roundSeconds.Observe(elapsed.Seconds())
}

func (r *Recorder) Report(_ context.Context, rec *model.RoundRecord) error {
	r.rounds.WithLabelValues(string(rec.State)).Inc()
	r.lastStep.Set(float64(rec.Step))
	if v, ok := rec.Metrics["perf/throughput"]; ok {
		r.throughput.Set(v)
	}
	return nil
}

// Handler 暴露 /metrics
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
