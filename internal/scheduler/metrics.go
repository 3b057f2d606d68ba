package scheduler

import "github.com/prometheus/client_golang/prometheus"

var kvCacheUsage = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "engined",
	Subsystem: "scheduler",
	Name:      "kv_cache_usage_ratio",
	Help:      "Fraction of KV cache blocks reserved by admitted requests.",
})

func init() {
	prometheus.MustRegister(kvCacheUsage)
}
