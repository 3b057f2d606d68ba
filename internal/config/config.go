// Package config defines the engine process configuration and loads it from
// yaml, json or toml files.
package config

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Defaults applied by Default.
const (
	DefaultHandshakeTimeout = 5 * time.Minute
	DefaultInputQueueSize   = 1024
	DefaultExecutorBackend  = "echo"
	DefaultMaxTokens        = 16
	DefaultBlockSize        = 16
	DefaultMaxNumSeqs       = 256
	DefaultMaxBatchedTokens = 2048
	DefaultAdminAddr        = ":9400"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "console"
	DefaultTracingExporter  = "none"
	DefaultMasterIP         = "127.0.0.1"
	DefaultMasterPort       = 29550
)

// Config holds runtime parameters for one engine process.
type Config struct {
	Engine    EngineConfig    `json:"engine" yaml:"engine" toml:"engine"`
	Parallel  ParallelConfig  `json:"parallel" yaml:"parallel" toml:"parallel"`
	Cache     CacheConfig     `json:"cache" yaml:"cache" toml:"cache"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler" toml:"scheduler"`
	Admin     AdminConfig     `json:"admin" yaml:"admin" toml:"admin"`
	Log       LogConfig       `json:"log" yaml:"log" toml:"log"`
	Tracing   TracingConfig   `json:"tracing" yaml:"tracing" toml:"tracing"`
}

type EngineConfig struct {
	// HandshakeAddress is the ROUTER address of the front end (or rank-0 peer).
	HandshakeAddress string `json:"handshake_address" yaml:"handshake_address" toml:"handshake_address"`
	// ClientHandshakeAddress, when set, enables the dual handshake: the first
	// exchange goes to HandshakeAddress, the second to this colocated front end.
	ClientHandshakeAddress string `json:"client_handshake_address" yaml:"client_handshake_address" toml:"client_handshake_address"`
	LocalClient            bool   `json:"local_client" yaml:"local_client" toml:"local_client"`
	EngineIndex            int    `json:"engine_index" yaml:"engine_index" toml:"engine_index"`
	LogStats               bool   `json:"log_stats" yaml:"log_stats" toml:"log_stats"`
	// HandshakeTimeout is a Go duration string such as "5m".
	HandshakeTimeout string `json:"handshake_timeout" yaml:"handshake_timeout" toml:"handshake_timeout"`
	InputQueueSize   int    `json:"input_queue_size" yaml:"input_queue_size" toml:"input_queue_size"`
	// ExecutorBackend selects the model executor: echo or llama.
	ExecutorBackend string `json:"executor_backend" yaml:"executor_backend" toml:"executor_backend"`
	// PipelineDepth > 1 wraps the executor so batches run asynchronously.
	PipelineDepth int    `json:"pipeline_depth" yaml:"pipeline_depth" toml:"pipeline_depth"`
	Model         string `json:"model" yaml:"model" toml:"model"`
	ModelsDir     string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	MaxTokens     int    `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	// KVTransferEngineID is suffixed with _dp<local rank> when data parallel.
	KVTransferEngineID string `json:"kv_transfer_engine_id" yaml:"kv_transfer_engine_id" toml:"kv_transfer_engine_id"`
}

// HandshakeTimeoutDuration parses HandshakeTimeout, falling back to the default.
func (e EngineConfig) HandshakeTimeoutDuration() time.Duration {
	if e.HandshakeTimeout == "" {
		return DefaultHandshakeTimeout
	}
	d, err := time.ParseDuration(e.HandshakeTimeout)
	if err != nil || d <= 0 {
		return DefaultHandshakeTimeout
	}
	return d
}

// ParallelConfig describes the data-parallel topology. Field names double as
// the keys of the handshake config delta.
type ParallelConfig struct {
	DataParallelSize       int    `json:"data_parallel_size" yaml:"data_parallel_size" toml:"data_parallel_size" msgpack:"data_parallel_size"`
	DataParallelRank       int    `json:"data_parallel_rank" yaml:"data_parallel_rank" toml:"data_parallel_rank" msgpack:"data_parallel_rank"`
	DataParallelRankLocal  int    `json:"data_parallel_rank_local" yaml:"data_parallel_rank_local" toml:"data_parallel_rank_local" msgpack:"data_parallel_rank_local"`
	DataParallelMasterIP   string `json:"data_parallel_master_ip" yaml:"data_parallel_master_ip" toml:"data_parallel_master_ip" msgpack:"data_parallel_master_ip"`
	DataParallelMasterPort int    `json:"data_parallel_master_port" yaml:"data_parallel_master_port" toml:"data_parallel_master_port" msgpack:"data_parallel_master_port"`
	// DataParallelExternalLB disables stats publication: an external load
	// balancer routes requests instead of the coordinator.
	DataParallelExternalLB bool `json:"data_parallel_external_lb" yaml:"data_parallel_external_lb" toml:"data_parallel_external_lb" msgpack:"data_parallel_external_lb"`
	TensorParallelSize     int  `json:"tensor_parallel_size" yaml:"tensor_parallel_size" toml:"tensor_parallel_size" msgpack:"tensor_parallel_size"`
	PipelineParallelSize   int  `json:"pipeline_parallel_size" yaml:"pipeline_parallel_size" toml:"pipeline_parallel_size" msgpack:"pipeline_parallel_size"`
	// ElasticScaleUpLaunch marks an engine started to grow a running group; it
	// takes its KV memory budget from the peers instead of profiling.
	ElasticScaleUpLaunch bool `json:"elastic_scale_up_launch" yaml:"elastic_scale_up_launch" toml:"elastic_scale_up_launch" msgpack:"elastic_scale_up_launch"`
}

// WorldSize is the number of devices one replica spans.
func (p ParallelConfig) WorldSize() int {
	tp, pp := p.TensorParallelSize, p.PipelineParallelSize
	if tp < 1 {
		tp = 1
	}
	if pp < 1 {
		pp = 1
	}
	return tp * pp
}

// DataParallel reports whether more than one replica is configured.
func (p ParallelConfig) DataParallel() bool { return p.DataParallelSize > 1 }

// ApplyOverrides overwrites the fields named in delta. Keys use the msgpack
// field names; unknown keys are ignored and absent keys are left unchanged.
func (p *ParallelConfig) ApplyOverrides(delta map[string]any) error {
	if len(delta) == 0 {
		return nil
	}
	b, err := msgpack.Marshal(delta)
	if err != nil {
		return fmt.Errorf("encode parallel config delta: %w", err)
	}
	if err := msgpack.Unmarshal(b, p); err != nil {
		return fmt.Errorf("apply parallel config delta: %w", err)
	}
	return nil
}

type CacheConfig struct {
	// NumGPUBlocks overrides sizing from profiled memory when > 0.
	NumGPUBlocks int `json:"num_gpu_blocks" yaml:"num_gpu_blocks" toml:"num_gpu_blocks"`
	BlockSize    int `json:"block_size" yaml:"block_size" toml:"block_size"`
}

type SchedulerConfig struct {
	MaxNumSeqs          int `json:"max_num_seqs" yaml:"max_num_seqs" toml:"max_num_seqs"`
	MaxNumBatchedTokens int `json:"max_num_batched_tokens" yaml:"max_num_batched_tokens" toml:"max_num_batched_tokens"`
}

type AdminConfig struct {
	// Addr of the admin HTTP server; empty disables it.
	Addr        string   `json:"addr" yaml:"addr" toml:"addr"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

type TracingConfig struct {
	// Exporter is one of none, stdout, otlphttp.
	Exporter string `json:"exporter" yaml:"exporter" toml:"exporter"`
}

// Default returns a single-replica configuration with an echo executor.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			LocalClient:     true,
			InputQueueSize:  DefaultInputQueueSize,
			ExecutorBackend: DefaultExecutorBackend,
			PipelineDepth:   1,
			MaxTokens:       DefaultMaxTokens,
		},
		Parallel: ParallelConfig{
			DataParallelSize:       1,
			DataParallelMasterIP:   DefaultMasterIP,
			DataParallelMasterPort: DefaultMasterPort,
			TensorParallelSize:     1,
			PipelineParallelSize:   1,
		},
		Cache:     CacheConfig{BlockSize: DefaultBlockSize},
		Scheduler: SchedulerConfig{MaxNumSeqs: DefaultMaxNumSeqs, MaxNumBatchedTokens: DefaultMaxBatchedTokens},
		Admin:     AdminConfig{Addr: DefaultAdminAddr},
		Log:       LogConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
		Tracing:   TracingConfig{Exporter: DefaultTracingExporter},
	}
}

// Validate rejects inconsistent topologies.
func (c Config) Validate() error {
	p := c.Parallel
	if p.DataParallelSize < 1 {
		return fmt.Errorf("parallel.data_parallel_size must be >= 1, got %d", p.DataParallelSize)
	}
	if p.DataParallelRank < 0 || p.DataParallelRank >= p.DataParallelSize {
		return fmt.Errorf("parallel.data_parallel_rank %d out of range [0,%d)", p.DataParallelRank, p.DataParallelSize)
	}
	if p.DataParallelRankLocal < 0 {
		return fmt.Errorf("parallel.data_parallel_rank_local must be >= 0, got %d", p.DataParallelRankLocal)
	}
	if c.Engine.PipelineDepth < 0 {
		return fmt.Errorf("engine.pipeline_depth must be >= 0, got %d", c.Engine.PipelineDepth)
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout", "otlphttp":
	default:
		return fmt.Errorf("tracing.exporter %q not supported", c.Tracing.Exporter)
	}
	return nil
}
