package intercept

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserd",
		Subsystem: "intercept",
		Name:      "requests_total",
		Help:      "Requests seen by the interceptor, by action.",
	}, []string{"action"})

	guardRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browserd",
		Subsystem: "intercept",
		Name:      "guard_rejections_total",
		Help:      "Requests rejected by the network guard.",
	})
)
