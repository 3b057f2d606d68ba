package collective

import "github.com/prometheus/client_golang/prometheus"

var allReduceSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "engined",
	Subsystem: "collective",
	Name:      "allreduce_seconds",
	Help:      "Latency of cross-replica all-reduce operations.",
	Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
}, []string{"op"})

func init() {
	prometheus.MustRegister(allReduceSeconds)
}
