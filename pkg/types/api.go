package types

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: not ready
	Error string `json:"error" example:"not ready"`
	// HTTP status code.
	// example: 503
	Code int `json:"code" example:"503"`
}

// EngineStatus is returned by GET /status on the admin server.
type EngineStatus struct {
	// Index of this engine among the data-parallel replicas.
	// example: 0
	EngineIndex int `json:"engine_index" example:"0"`
	// Lifecycle state: starting, ready, running, idle, stopped, dead.
	// example: running
	State string `json:"state" example:"running"`
	// Current wave number.
	// example: 3
	CurrentWave int `json:"current_wave" example:"3"`
	// Whether any replica is believed to have outstanding work in the current wave.
	// example: true
	EnginesRunning bool `json:"engines_running" example:"true"`
	// Requests currently scheduled.
	// example: 4
	NumRunning int `json:"num_running" example:"4"`
	// Requests waiting for admission.
	// example: 2
	NumWaiting int `json:"num_waiting" example:"2"`
	// Batches currently in flight.
	// example: 1
	BatchQueueDepth int `json:"batch_queue_depth" example:"1"`
	// Maximum batches in flight (pipeline depth).
	// example: 2
	BatchQueueCapacity int `json:"batch_queue_capacity" example:"2"`
	// Data-parallel group size.
	// example: 2
	DataParallelSize int `json:"data_parallel_size" example:"2"`
	// Data-parallel rank of this engine.
	// example: 0
	DataParallelRank int `json:"data_parallel_rank" example:"0"`
	// Number of connected front-end clients.
	// example: 1
	ClientCount int `json:"client_count" example:"1"`
	// KV cache blocks available to the scheduler.
	// example: 4096
	NumGPUBlocks int `json:"num_gpu_blocks" example:"4096"`
	// Loop iterations executed so far.
	// example: 12345
	Steps uint64 `json:"steps" example:"12345"`
	// Last fatal error, if any.
	Error string `json:"error,omitempty"`
}
