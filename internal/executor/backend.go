package executor

import (
	"fmt"

	"github.com/rs/zerolog"

	"engined/internal/config"
	"engined/internal/engine"
	"engined/internal/registry"
)

// Backend names accepted in engine.executor_backend.
const (
	BackendEcho  = "echo"
	BackendLlama = "llama"
)

// Llama defaults.
const (
	DefaultContextSize = 2048
	DefaultThreads     = 4
	DefaultLlamaMemory = 1 << 30
)

// LlamaConfig configures the llama.cpp backend.
type LlamaConfig struct {
	ModelPath   string
	ContextSize int
	Threads     int
	GPULayers   int
	// MemoryBytes reported for KV cache sizing.
	MemoryBytes int64
	Logger      zerolog.Logger
}

func (c LlamaConfig) withDefaults() LlamaConfig {
	if c.ContextSize <= 0 {
		c.ContextSize = DefaultContextSize
	}
	if c.Threads <= 0 {
		c.Threads = DefaultThreads
	}
	if c.MemoryBytes <= 0 {
		c.MemoryBytes = DefaultLlamaMemory
	}
	return c
}

// LlamaBuilt reports whether this binary includes the llama backend.
func LlamaBuilt() bool { return llamaBuilt }

// New builds the executor named by cfg.Engine.ExecutorBackend and wraps it
// with Async when cfg.Engine.PipelineDepth > 1.
func New(cfg config.Config, log zerolog.Logger) (engine.Executor, error) {
	var (
		ex  engine.Executor
		err error
	)
	switch cfg.Engine.ExecutorBackend {
	case "", BackendEcho:
		ex = NewEcho(EchoConfig{Logger: log})
	case BackendLlama:
		m, rerr := registry.Resolve(cfg.Engine.ModelsDir, cfg.Engine.Model)
		if rerr != nil {
			return nil, fmt.Errorf("resolve model: %w", rerr)
		}
		log.Info().Str("model", m.ID).Str("path", m.Path).Int64("size_bytes", m.SizeBytes).Msg("loading model")
		ex, err = newLlamaExecutor(LlamaConfig{ModelPath: m.Path, Logger: log})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown executor backend %q", cfg.Engine.ExecutorBackend)
	}
	if cfg.Engine.PipelineDepth > 1 {
		ex = NewAsync(ex, cfg.Engine.PipelineDepth, log)
	}
	return ex, nil
}
