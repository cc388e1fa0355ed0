package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus counterparts to the faststats/flatjson-based Stats struct
// above (§4.10 EXPANSION): the JSON stats endpoint stays as the teacher
// built it, while these counters/gauges are exported for scraping under
// StatsConfig.PrometheusAddr, labeled by protocol and address family so a
// single metric covers all four front-end combinations.
var (
	promConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chihaya",
		Name:      "connections_total",
		Help:      "Total connections handled, by protocol and address family.",
	}, []string{"protocol", "family"})
	promAnnounces = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chihaya",
		Name:      "announces_total",
		Help:      "Total announces handled, by protocol and address family.",
	}, []string{"protocol", "family"})
	promScrapes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chihaya",
		Name:      "scrapes_total",
		Help:      "Total scrapes handled, by protocol and address family.",
	}, []string{"protocol", "family"})
	promCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chihaya",
		Name:      "completed_total",
		Help:      "Total download completions recorded.",
	})
	promOpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chihaya",
		Name:      "open_connections",
		Help:      "Currently open HTTP front-end connections.",
	})
	promTorrents = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chihaya",
		Name:      "torrents",
		Help:      "Currently tracked torrents.",
	})
	promResponseTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chihaya",
		Name:      "response_time_seconds",
		Help:      "Front-end response latency.",
		Buckets:   prometheus.DefBuckets,
	})
)

// RecordPrometheus mirrors an event counted by RecordEvent into the
// corresponding Prometheus metric. The package-level RecordEvent calls it
// directly on the caller's goroutine, not from within handleEvent.
func RecordPrometheus(event int) {
	switch event {
	case TCP4Connection:
		promConnections.WithLabelValues("tcp", "4").Inc()
		promOpenConnections.Inc()
	case TCP4Announce:
		promAnnounces.WithLabelValues("tcp", "4").Inc()
	case TCP4Scrape:
		promScrapes.WithLabelValues("tcp", "4").Inc()

	case TCP6Connection:
		promConnections.WithLabelValues("tcp", "6").Inc()
		promOpenConnections.Inc()
	case TCP6Announce:
		promAnnounces.WithLabelValues("tcp", "6").Inc()
	case TCP6Scrape:
		promScrapes.WithLabelValues("tcp", "6").Inc()

	case UDP4Connection:
		promConnections.WithLabelValues("udp", "4").Inc()
	case UDP4Announce:
		promAnnounces.WithLabelValues("udp", "4").Inc()
	case UDP4Scrape:
		promScrapes.WithLabelValues("udp", "4").Inc()

	case UDP6Connection:
		promConnections.WithLabelValues("udp", "6").Inc()
	case UDP6Announce:
		promAnnounces.WithLabelValues("udp", "6").Inc()
	case UDP6Scrape:
		promScrapes.WithLabelValues("udp", "6").Inc()

	case Completed:
		promCompleted.Inc()
	}
}

// ClosedTCPConnection decrements the open-HTTP-connection gauge. A close is
// not a counted event, so it isn't routed through RecordEvent/RecordPrometheus;
// RecordClosedConnection pairs it with the JSON stats' OpenConnections decrement.
func ClosedTCPConnection() {
	promOpenConnections.Dec()
}

func setPrometheusTorrentGauge(n int) {
	promTorrents.Set(float64(n))
}

// ObserveResponseTime records a front-end response latency sample.
func ObserveResponseTime(seconds float64) {
	promResponseTime.Observe(seconds)
}
