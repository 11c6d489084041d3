package limiter

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Decision outcomes reported to a Recorder.
const (
	OutcomeAllowed  = "allowed"
	OutcomeDenied   = "denied"
	OutcomeAdvisory = "advisory"
	OutcomeError    = "error"
)

// Recorder receives engine and reaper measurements.
type Recorder interface {
	Decision(rule string, outcome string)
	StoreLatency(d time.Duration, failed bool)
	Swept(removed int)
}

type noopRecorder struct{}

func (noopRecorder) Decision(string, string)          {}
func (noopRecorder) StoreLatency(time.Duration, bool) {}
func (noopRecorder) Swept(int)                        {}

// PrometheusRecorder exports measurements as Prometheus collectors.
type PrometheusRecorder struct {
	decisions    *prometheus.CounterVec
	storeLatency *prometheus.HistogramVec
	swept        prometheus.Counter
}

// NewPrometheusRecorder creates the collectors and registers them with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "throttle",
				Name:      "decisions_total",
				Help:      "Rule evaluations by rule and outcome.",
			},
			[]string{"rule", "outcome"},
		),
		storeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "throttle",
				Name:      "counter_store_seconds",
				Help:      "Latency of counter store calls.",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"result"},
		),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "throttle",
			Name:      "counters_swept_total",
			Help:      "Stale counters removed by the reaper.",
		}),
	}

	for _, c := range []prometheus.Collector{r.decisions, r.storeLatency, r.swept} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Decision implements Recorder.
func (r *PrometheusRecorder) Decision(rule string, outcome string) {
	r.decisions.WithLabelValues(rule, outcome).Inc()
}

// StoreLatency implements Recorder.
func (r *PrometheusRecorder) StoreLatency(d time.Duration, failed bool) {
	result := "ok"
	if failed {
		result = "error"
	}
	r.storeLatency.WithLabelValues(result).Observe(d.Seconds())
}

// Swept implements Recorder.
func (r *PrometheusRecorder) Swept(removed int) {
	r.swept.Add(float64(removed))
}
