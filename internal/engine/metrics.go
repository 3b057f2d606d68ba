package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	stepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "engined",
			Subsystem: "engine",
			Name:      "steps_total",
			Help:      "Engine steps that scheduled at least one token",
		},
	)

	batchesDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "engined",
			Subsystem: "engine",
			Name:      "batches_dispatched_total",
			Help:      "Batches handed to the executor through the batch queue",
		},
	)

	batchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "engined",
			Subsystem: "engine",
			Name:      "batch_queue_depth",
			Help:      "Batches currently in flight",
		},
	)

	requestsAdded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "engined",
			Subsystem: "engine",
			Name:      "requests_added_total",
			Help:      "Requests admitted to the scheduler",
		},
	)

	requestsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engined",
			Subsystem: "engine",
			Name:      "requests_rejected_total",
			Help:      "Requests rejected at admission",
		},
		[]string{"reason"},
	)

	requestsAborted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "engined",
			Subsystem: "engine",
			Name:      "requests_aborted_total",
			Help:      "Request ids passed to abort",
		},
	)

	utilityCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engined",
			Subsystem: "engine",
			Name:      "utility_calls_total",
			Help:      "Utility calls by method and result",
		},
		[]string{"method", "result"},
	)

	currentWaveGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "engined",
			Subsystem: "dp",
			Name:      "current_wave",
			Help:      "Current data-parallel wave of this replica",
		},
	)

	collectiveChecks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "engined",
			Subsystem: "dp",
			Name:      "collective_checks_total",
			Help:      "Cross-replica unfinished-request checks performed",
		},
	)

	wavesCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "engined",
			Subsystem: "dp",
			Name:      "waves_completed_total",
			Help:      "Waves this replica observed as globally finished",
		},
	)

	statsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "engined",
			Subsystem: "dp",
			Name:      "stats_published_total",
			Help:      "Request-count updates sent to the coordinator",
		},
	)

	outputBuffers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engined",
			Subsystem: "io",
			Name:      "output_buffers_total",
			Help:      "Output encode buffers by origin (reused or allocated)",
		},
		[]string{"origin"},
	)

	inputMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engined",
			Subsystem: "io",
			Name:      "input_messages_total",
			Help:      "Messages received on input sockets by request type",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(
		stepsTotal, batchesDispatched, batchQueueDepth,
		requestsAdded, requestsRejected, requestsAborted, utilityCalls,
		currentWaveGauge, collectiveChecks, wavesCompleted, statsPublished,
		outputBuffers, inputMessages,
	)
}
