package diag

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lorarelay"

// PromSink exports events as Prometheus metrics on its own registry.
type PromSink struct {
	registry  *prometheus.Registry
	uplinks   *prometheus.CounterVec
	downlinks *prometheus.CounterVec
	expired   prometheus.Counter
	rtt       *prometheus.HistogramVec
	rssi      prometheus.Histogram
}

func NewPromSink() *PromSink {
	s := &PromSink{
		registry: prometheus.NewRegistry(),
		uplinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uplinks_total",
			Help:      "Inbound messages by kind and outcome.",
		}, []string{"kind", "success"}),
		downlinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downlinks_total",
			Help:      "Outbound sends by kind and transport result.",
		}, []string{"kind", "success"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_total",
			Help:      "Sessions and queued commands removed by the expiry sweep.",
		}),
		rtt: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_trip_seconds",
			Help:      "Measured discovery and command round trips.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		}, []string{"session"}),
		rssi: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "uplink_rssi_dbm",
			Help:      "Reported RSSI of inbound messages.",
			Buckets:   prometheus.LinearBuckets(-130, 10, 10),
		}),
	}
	s.registry.MustRegister(s.uplinks, s.downlinks, s.expired, s.rtt, s.rssi)
	return s
}

// Gauge registers a gauge evaluated at scrape time, e.g. reachable devices.
func (s *PromSink) Gauge(name, help string, fn func() float64) {
	s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (s *PromSink) Emit(e Event) {
	success := "false"
	if e.Success {
		success = "true"
	}
	switch e.Direction {
	case Uplink:
		s.uplinks.WithLabelValues(e.Kind, success).Inc()
		if e.Radio != nil {
			s.rssi.Observe(float64(e.Radio.RSSI))
		}
	case Downlink:
		s.downlinks.WithLabelValues(e.Kind, success).Inc()
	case Internal:
		if e.Kind == KindExpire {
			s.expired.Inc()
		}
	}
	if e.HasRTT && e.SessionKind != "" {
		s.rtt.WithLabelValues(e.SessionKind).Observe(e.RoundTrip.Seconds())
	}
}

// Handler serves the metrics exposition format.
func (s *PromSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (s *PromSink) Registry() *prometheus.Registry {
	return s.registry
}
