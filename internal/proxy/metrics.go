package proxy

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

func (p *Proxy) initMetrics() {
	p.metricsOnce.Do(func() {
		p.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "localship",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Count of proxied application requests",
		}, []string{"deployment", "status"})

		p.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "localship",
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution of proxied application requests",
			Buckets:   histogramBuckets,
		}, []string{"deployment"})

		if err := prometheus.Register(p.requestTotal); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					p.requestTotal = existing
				}
			}
		}
		if err := prometheus.Register(p.requestDuration); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
					p.requestDuration = existing
				}
			}
		}
	})
}

func (p *Proxy) recordMetrics(name string, status int, elapsed time.Duration) {
	p.requestTotal.With(prometheus.Labels{"deployment": name, "status": strconv.Itoa(status)}).Inc()
	p.requestDuration.With(prometheus.Labels{"deployment": name}).Observe(elapsed.Seconds())
}
