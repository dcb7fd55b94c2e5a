package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "browserd",
		Subsystem: "pool",
		Name:      "instances",
		Help:      "Live browser instances owned by the pool.",
	})
	metricLeases = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "browserd",
		Subsystem: "pool",
		Name:      "leased_contexts",
		Help:      "Browsing contexts currently leased.",
	})
	metricWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "browserd",
		Subsystem: "pool",
		Name:      "waiting",
		Help:      "Acquire calls queued for capacity.",
	})
	metricAcquire = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserd",
		Subsystem: "pool",
		Name:      "acquire_total",
		Help:      "Acquire outcomes.",
	}, []string{"result"})
	metricAcquireWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "browserd",
		Subsystem: "pool",
		Name:      "acquire_seconds",
		Help:      "Time from acquire call to leased context.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})
	metricInstanceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserd",
		Subsystem: "pool",
		Name:      "instance_events_total",
		Help:      "Instance lifecycle events.",
	}, []string{"event"})
)
