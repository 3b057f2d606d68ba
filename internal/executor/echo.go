package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"engined/internal/engine"
	"engined/internal/scheduler"
	"engined/pkg/types"
)

// DefaultEchoMemory is the KV memory the echo executor reports.
const DefaultEchoMemory = 2 << 30

// Collective RPC methods served by every executor.
const (
	RPCWarmUp       = "compile_or_warm_up_model"
	RPCPing         = "ping"
	RPCNumGPUBlocks = "num_gpu_blocks"
)

const defaultShardPattern = "model-rank-{rank}-part-{part}.yaml"

type EchoConfig struct {
	// MemoryBytes reported by DetermineAvailableMemory.
	MemoryBytes int64
	// Tasks defaults to generate and embed.
	Tasks []string
	// StepDelay simulates model latency per batch.
	StepDelay time.Duration
	Logger    zerolog.Logger
}

// Echo generates by replaying the prompt token ids in a loop and pools by
// averaging them. It keeps no model and is safe for concurrent use.
type Echo struct {
	cfg EchoConfig
	log zerolog.Logger

	mu        sync.Mutex
	blocks    int
	warm      bool
	loras     map[int]types.LoRARequest
	pinned    map[int]bool
	profiling bool

	sleeping atomic.Bool
	batches  atomic.Int64
}

func NewEcho(cfg EchoConfig) *Echo {
	if cfg.MemoryBytes <= 0 {
		cfg.MemoryBytes = DefaultEchoMemory
	}
	if len(cfg.Tasks) == 0 {
		cfg.Tasks = []string{engine.TaskGenerate, engine.TaskEmbed}
	}
	return &Echo{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "executor").Str("backend", "echo").Logger(),
		loras:  make(map[int]types.LoRARequest),
		pinned: make(map[int]bool),
	}
}

func (e *Echo) ExecuteModel(ctx context.Context, so engine.SchedulerOutput) (engine.Future, error) {
	b, ok := so.(*scheduler.Batch)
	if !ok {
		return nil, fmt.Errorf("echo executor: unexpected batch type %T", so)
	}
	if e.sleeping.Load() {
		return nil, ErrSleeping
	}
	if e.cfg.StepDelay > 0 {
		t := time.NewTimer(e.cfg.StepDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.batches.Add(1)
	return engine.Resolved(echoBatch(b), nil), nil
}

func echoBatch(b *scheduler.Batch) *scheduler.RunnerOutput {
	out := &scheduler.RunnerOutput{
		SampledTokenIDs: make(map[string][]int32),
		PoolerOutput:    make(map[string][]float32),
	}
	for _, req := range b.Requests {
		if !b.PrefillDone(req) {
			continue
		}
		if req.Pooling != nil {
			out.PoolerOutput[req.ID] = pool(req.PromptTokenIDs)
			continue
		}
		out.SampledTokenIDs[req.ID] = []int32{nextToken(req)}
	}
	return out
}

func nextToken(req *engine.Request) int32 {
	if len(req.PromptTokenIDs) == 0 {
		return 0
	}
	return req.PromptTokenIDs[len(req.OutputTokenIDs)%len(req.PromptTokenIDs)]
}

// pool returns the mean token id and the prompt length.
func pool(tokens []int32) []float32 {
	if len(tokens) == 0 {
		return []float32{0, 0}
	}
	var sum float64
	for _, t := range tokens {
		sum += float64(t)
	}
	return []float32{float32(sum / float64(len(tokens))), float32(len(tokens))}
}

// Batches returns the number of batches executed.
func (e *Echo) Batches() int64 { return e.batches.Load() }

// Warm reports whether the cache was initialized or a warm-up ran.
func (e *Echo) Warm() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.warm
}

func (e *Echo) MaxConcurrentBatches() int { return 1 }

func (e *Echo) SupportedTasks() []string { return e.cfg.Tasks }

func (e *Echo) DetermineAvailableMemory(context.Context) (int64, error) {
	return e.cfg.MemoryBytes, nil
}

func (e *Echo) InitializeCache(_ context.Context, numGPUBlocks int) error {
	e.mu.Lock()
	e.blocks = numGPUBlocks
	e.warm = true
	e.mu.Unlock()
	e.log.Info().Int("num_gpu_blocks", numGPUBlocks).Msg("kv cache initialized")
	return nil
}

func (e *Echo) CollectiveRPC(_ context.Context, method string, _ ...any) ([]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch method {
	case RPCWarmUp:
		e.warm = true
		return []any{nil}, nil
	case RPCPing:
		return []any{"pong"}, nil
	case RPCNumGPUBlocks:
		return []any{e.blocks}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownRPC, method)
}

func (e *Echo) Shutdown() {
	e.log.Debug().Int64("batches", e.batches.Load()).Msg("echo executor shutdown")
}

func (e *Echo) Sleep(_ context.Context, level int) error {
	e.sleeping.Store(true)
	e.log.Info().Int("level", level).Msg("executor sleeping")
	return nil
}

func (e *Echo) WakeUp(_ context.Context, tags []string) error {
	e.sleeping.Store(false)
	e.log.Info().Strs("tags", tags).Msg("executor awake")
	return nil
}

func (e *Echo) IsSleeping() bool { return e.sleeping.Load() }

func (e *Echo) AddLoRA(_ context.Context, lora types.LoRARequest) (bool, error) {
	if lora.LoRAID <= 0 {
		return false, fmt.Errorf("lora_id must be positive, got %d", lora.LoRAID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.loras[lora.LoRAID]; ok {
		return false, nil
	}
	e.loras[lora.LoRAID] = lora
	return true, nil
}

func (e *Echo) RemoveLoRA(_ context.Context, id int) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.loras[id]; !ok {
		return false, nil
	}
	delete(e.loras, id)
	delete(e.pinned, id)
	return true, nil
}

func (e *Echo) ListLoRAs(context.Context) ([]int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedKeys(e.loras), nil
}

func (e *Echo) PinLoRA(_ context.Context, id int) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.loras[id]; !ok {
		return false, nil
	}
	e.pinned[id] = true
	return true, nil
}

func (e *Echo) Profile(_ context.Context, isStart bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if isStart == e.profiling {
		return fmt.Errorf("profiler already in requested state (running=%t)", e.profiling)
	}
	e.profiling = isStart
	e.log.Info().Bool("running", isStart).Msg("profiler toggled")
	return nil
}

// shardManifest is what SaveShardedState writes; echo has no weights.
type shardManifest struct {
	Backend      string              `yaml:"backend"`
	NumGPUBlocks int                 `yaml:"num_gpu_blocks"`
	LoRAs        []types.LoRARequest `yaml:"loras,omitempty"`
	Pinned       []int               `yaml:"pinned,omitempty"`
}

func (e *Echo) manifest() ([]byte, error) {
	e.mu.Lock()
	m := shardManifest{Backend: "echo", NumGPUBlocks: e.blocks}
	for _, id := range sortedKeys(e.loras) {
		m.LoRAs = append(m.LoRAs, e.loras[id])
		if e.pinned[id] {
			m.Pinned = append(m.Pinned, id)
		}
	}
	e.mu.Unlock()
	return yaml.Marshal(m)
}

// SaveShardedState writes one manifest file named by pattern, where {rank}
// and {part} are replaced with 0.
func (e *Echo) SaveShardedState(_ context.Context, path, pattern string, maxSize int64) error {
	if path == "" {
		return fmt.Errorf("save_sharded_state: empty path")
	}
	if pattern == "" {
		pattern = defaultShardPattern
	}
	b, err := e.manifest()
	if err != nil {
		return err
	}
	if maxSize > 0 && int64(len(b)) > maxSize {
		return fmt.Errorf("save_sharded_state: manifest of %d bytes exceeds max size %d", len(b), maxSize)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	name := strings.NewReplacer("{rank}", "0", "{part}", "0").Replace(pattern)
	return os.WriteFile(filepath.Join(path, name), b, 0o644)
}

// SaveTensorizedModel writes the manifest to a local file URI or path.
func (e *Echo) SaveTensorizedModel(_ context.Context, cfg types.TensorizerConfig) error {
	path := strings.TrimPrefix(cfg.TensorizerURI, "file://")
	if path == "" || strings.Contains(path, "://") {
		return fmt.Errorf("save_tensorized_model: unsupported uri %q", cfg.TensorizerURI)
	}
	b, err := e.manifest()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func sortedKeys(m map[int]types.LoRARequest) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
