//go:build llama

package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"
	"github.com/rs/zerolog"

	"engined/internal/engine"
	"engined/internal/scheduler"
	"engined/pkg/types"
)

// llamaBuilt indicates this binary was compiled with real llama support.
var llamaBuilt = true

// Llama runs requests on a llama.cpp model. llama.cpp generates a whole
// completion per call, so the first decode step of a request produces the
// full completion and later steps hand out its tokens one at a time.
type Llama struct {
	cfg   LlamaConfig
	log   zerolog.Logger
	model *llama.LLama

	mu      sync.Mutex
	pending map[*engine.Request][]int32
	blocks  int
}

// NewLlama loads the model at cfg.ModelPath.
func NewLlama(cfg LlamaConfig) (*Llama, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.ModelPath) == "" {
		return nil, errors.New("model path is empty")
	}
	mo := []llama.ModelOption{
		llama.SetContext(cfg.ContextSize),
		llama.EnableEmbeddings,
	}
	if cfg.GPULayers > 0 {
		mo = append(mo, llama.SetGPULayers(cfg.GPULayers))
	}
	m, err := llama.New(cfg.ModelPath, mo...)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", cfg.ModelPath, err)
	}
	return &Llama{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "executor").Str("backend", "llama").Logger(),
		model:   m,
		pending: make(map[*engine.Request][]int32),
	}, nil
}

func newLlamaExecutor(cfg LlamaConfig) (engine.Executor, error) {
	l, err := NewLlama(cfg)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// ExecuteModel runs synchronously; wrap it with Async to pipeline.
func (l *Llama) ExecuteModel(ctx context.Context, so engine.SchedulerOutput) (engine.Future, error) {
	b, ok := so.(*scheduler.Batch)
	if !ok {
		return nil, fmt.Errorf("llama executor: unexpected batch type %T", so)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.model == nil {
		return nil, errors.New("llama model not initialized")
	}
	for req := range l.pending {
		if req.Status.Finished() {
			delete(l.pending, req)
		}
	}
	out := &scheduler.RunnerOutput{
		SampledTokenIDs: make(map[string][]int32),
		PoolerOutput:    make(map[string][]float32),
		Stopped:         make(map[string]bool),
	}
	for _, req := range b.Requests {
		if !b.PrefillDone(req) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return engine.Resolved(nil, err), nil
		}
		if req.Pooling != nil {
			emb, err := l.model.Embeddings(req.Prompt, llama.SetThreads(l.cfg.Threads))
			if err != nil {
				return engine.Resolved(nil, fmt.Errorf("embed %s: %w", req.ID, err)), nil
			}
			out.PoolerOutput[req.ID] = emb
			continue
		}
		toks, started := l.pending[req]
		if !started {
			var err error
			if toks, err = l.generate(ctx, req); err != nil {
				return engine.Resolved(nil, fmt.Errorf("generate %s: %w", req.ID, err)), nil
			}
		}
		if len(toks) == 0 {
			out.SampledTokenIDs[req.ID] = nil
			out.Stopped[req.ID] = true
			delete(l.pending, req)
			continue
		}
		out.SampledTokenIDs[req.ID] = toks[:1]
		l.pending[req] = toks[1:]
	}
	return engine.Resolved(out, nil), nil
}

// generate predicts the completion of req.Prompt and tokenizes it.
func (l *Llama) generate(ctx context.Context, req *engine.Request) ([]int32, error) {
	l.model.SetTokenCallback(func(string) bool { return ctx.Err() == nil })
	text, err := l.model.Predict(req.Prompt, predictOptions(req.Sampling, req.MaxTokens, l.cfg.Threads)...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if text == "" {
		return nil, nil
	}
	_, toks, err := l.model.TokenizeString(text)
	if err != nil {
		return nil, err
	}
	return toks, nil
}

func (l *Llama) MaxConcurrentBatches() int { return 1 }

func (l *Llama) SupportedTasks() []string { return []string{engine.TaskGenerate, engine.TaskEmbed} }

func (l *Llama) DetermineAvailableMemory(context.Context) (int64, error) {
	return l.cfg.MemoryBytes, nil
}

func (l *Llama) InitializeCache(_ context.Context, numGPUBlocks int) error {
	l.mu.Lock()
	l.blocks = numGPUBlocks
	l.mu.Unlock()
	l.log.Info().Int("num_gpu_blocks", numGPUBlocks).Int("ctx_size", l.cfg.ContextSize).Msg("kv cache initialized")
	return nil
}

func (l *Llama) CollectiveRPC(_ context.Context, method string, _ ...any) ([]any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch method {
	case RPCWarmUp:
		if _, _, err := l.model.TokenizeString("warm up"); err != nil {
			return nil, err
		}
		return []any{nil}, nil
	case RPCPing:
		return []any{"pong"}, nil
	case RPCNumGPUBlocks:
		return []any{l.blocks}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownRPC, method)
}

func (l *Llama) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.model != nil {
		l.model.Free()
		l.model = nil
	}
	l.pending = make(map[*engine.Request][]int32)
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}

// predictOptions converts sampling params into go-llama.cpp options.
func predictOptions(sp types.SamplingParams, maxTokens, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, maxTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(zf(sp.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(sp.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(zf(sp.Temperature, llama.DefaultOptions.Temperature)),
	}
	if sp.Seed != 0 {
		po = append(po, llama.SetSeed(sp.Seed))
	}
	if len(sp.Stop) > 0 {
		po = append(po, llama.SetStopWords(sp.Stop...))
	}
	return po
}
