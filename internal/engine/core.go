package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"engined/pkg/types"
)

// Core interleaves scheduling and model execution. It is driven by one
// goroutine; only PreprocessAddRequest may run concurrently with it.
type Core struct {
	cfg        Config
	log        zerolog.Logger
	events     EventPublisher
	executor   Executor
	scheduler  Scheduler
	structured StructuredOutputManager
	mmCache    *MMCache
	batchQueue *batchQueue
	utilities  *UtilityRegistry

	numGPUBlocks      int
	availableKVMemory int64

	shutdownOnce sync.Once
}

// NewCore sizes the KV cache, initializes the executor and builds the
// scheduler.
func NewCore(ctx context.Context, cfg Config) (*Core, error) {
	cfg = cfg.withDefaults()
	if cfg.Executor == nil {
		return nil, errors.New("engine: nil executor")
	}
	if cfg.NewScheduler == nil {
		return nil, errors.New("engine: nil scheduler factory")
	}
	c := &Core{
		cfg:        cfg,
		log:        cfg.Logger.With().Str("component", "engine_core").Int("engine_index", cfg.EngineIndex).Logger(),
		events:     cfg.Events,
		executor:   cfg.Executor,
		structured: cfg.StructuredOutput,
		mmCache:    NewMMCache(cfg.MMCacheEntries),
		utilities:  NewUtilityRegistry(),
	}
	blocks, err := c.initializeKVCaches(ctx)
	if err != nil {
		return nil, err
	}
	c.numGPUBlocks = blocks
	s, err := cfg.NewScheduler(blocks)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	c.scheduler = s
	if depth := c.executor.MaxConcurrentBatches(); depth > 1 {
		c.log.Info().Int("size", depth).Msg("batch queue is enabled")
		c.batchQueue = newBatchQueue(depth)
	}
	c.registerUtilities()
	return c, nil
}

func (c *Core) initializeKVCaches(ctx context.Context) (int, error) {
	start := time.Now()
	var (
		avail int64
		err   error
	)
	if c.cfg.KVMemorySource != nil {
		avail, err = c.cfg.KVMemorySource(ctx)
	} else {
		avail, err = c.executor.DetermineAvailableMemory(ctx)
	}
	if err != nil {
		return 0, fmt.Errorf("determine available kv cache memory: %w", err)
	}
	c.availableKVMemory = avail
	blocks := int(avail / c.cfg.BlockSizeBytes)
	if c.cfg.NumGPUBlocksOverride > 0 {
		blocks = c.cfg.NumGPUBlocksOverride
	}
	if blocks <= 0 {
		return 0, fmt.Errorf("no memory available for kv cache blocks (available=%d bytes, block=%d bytes)", avail, c.cfg.BlockSizeBytes)
	}
	if err := c.executor.InitializeCache(ctx, blocks); err != nil {
		return 0, fmt.Errorf("initialize kv cache: %w", err)
	}
	c.log.Info().
		Int("num_gpu_blocks", blocks).
		Dur("elapsed", time.Since(start)).
		Msg("init engine (profile, create kv cache, warmup model)")
	return blocks, nil
}

// NumGPUBlocks is the KV cache size the scheduler was built with.
func (c *Core) NumGPUBlocks() int { return c.numGPUBlocks }

// Scheduler exposes the scheduler for request counts and tests.
func (c *Core) Scheduler() Scheduler { return c.scheduler }

// Utilities returns the registry so the process wrapper can add DP methods.
func (c *Core) Utilities() *UtilityRegistry { return c.utilities }

// BatchQueueState reports in-flight batches and the pipeline depth.
func (c *Core) BatchQueueState() (depth, capacity int) {
	if c.batchQueue == nil {
		return 0, 1
	}
	return c.batchQueue.Len(), c.batchQueue.Cap()
}

// SupportedTasks returns the executor's tasks.
func (c *Core) SupportedTasks() []string { return c.executor.SupportedTasks() }

// AddRequest validates req and admits it to the scheduler. wave is the data
// parallel wave the request belongs to; the core itself ignores it.
func (c *Core) AddRequest(req *Request, wave int) error {
	if req == nil || req.ID == "" {
		requestsRejected.WithLabelValues("invalid_id").Inc()
		return ErrInvalidRequestID
	}
	if req.Pooling != nil {
		var pooling []string
		for _, t := range c.executor.SupportedTasks() {
			if IsPoolingTask(t) {
				pooling = append(pooling, t)
			}
		}
		if !slices.Contains(pooling, req.Pooling.Task) {
			requestsRejected.WithLabelValues("unsupported_task").Inc()
			return UnsupportedTaskError{Task: req.Pooling.Task, Supported: pooling}
		}
	}
	if req.KVTransferParams != nil && !c.scheduler.HasKVConnector() {
		c.log.Warn().Str("request_id", req.ID).Msg("got kv_transfer_params, but no KV connector found; disabling KV transfer for this request")
		req.KVTransferParams = nil
	}
	c.scheduler.AddRequest(req)
	requestsAdded.Inc()
	return nil
}

// AbortRequests finishes the given requests as aborted, whether or not they
// started.
func (c *Core) AbortRequests(ids []string) {
	if len(ids) == 0 {
		return
	}
	c.scheduler.FinishRequests(ids, StatusFinishedAborted)
	requestsAborted.Add(float64(len(ids)))
}

// Step schedules, executes and folds one batch. The bool reports whether any
// tokens were scheduled. It is a no-op when the scheduler holds no requests.
func (c *Core) Step(ctx context.Context) (map[int]*types.EngineCoreOutputs, bool, error) {
	if !c.scheduler.HasRequests() {
		return nil, false, nil
	}
	so := c.scheduler.Schedule()
	out, err := c.executeWithErrorLogging(ctx, so, func(ctx context.Context) (ModelRunnerOutput, error) {
		f, err := c.executor.ExecuteModel(ctx, so)
		if err != nil {
			return nil, err
		}
		return f.Result(ctx)
	})
	if err != nil {
		return nil, false, err
	}
	outputs := c.scheduler.UpdateFromOutput(so, out)
	scheduled := so.TotalScheduledTokens() > 0
	if scheduled {
		stepsTotal.Inc()
	}
	return outputs, scheduled, nil
}

// StepWithBatchQueue keeps up to MaxConcurrentBatches batches in flight.
// Filling the pipeline takes priority: a new batch is scheduled whenever the
// queue has room, and the oldest batch is awaited only when nothing new was
// dispatched. Empty batches are not dispatched; one that only finishes
// requests is folded right away. The bool reports whether a
// batch was dispatched; outputs are nil unless a batch was folded.
func (c *Core) StepWithBatchQueue(ctx context.Context) (map[int]*types.EngineCoreOutputs, bool, error) {
	bq := c.batchQueue
	if bq == nil {
		return nil, false, errors.New("engine: batch queue not enabled")
	}
	scheduled := false
	if !bq.Full() {
		so := c.scheduler.Schedule()
		if so.TotalScheduledTokens() > 0 {
			f, err := c.executor.ExecuteModel(ctx, so)
			if err != nil {
				dumpEngineException(c.log, c.cfg, so, c.scheduler, err)
				return nil, false, fmt.Errorf("%w: %w", ErrExecutorFailed, err)
			}
			bq.put(batchEntry{future: f, so: so})
			batchesDispatched.Inc()
			stepsTotal.Inc()
			scheduled = true
		} else if ef, ok := so.(EarlyFinisher); ok && ef.FinishesRequests() {
			return c.scheduler.UpdateFromOutput(so, nil), false, nil
		}
	}
	if scheduled || bq.Empty() {
		return nil, scheduled, nil
	}
	e := bq.pop()
	out, err := c.executeWithErrorLogging(ctx, e.so, e.future.Result)
	if err != nil {
		return nil, false, err
	}
	return c.scheduler.UpdateFromOutput(e.so, out), false, nil
}

// StepFn selects the pipelined step when the batch queue is enabled.
func (c *Core) StepFn() func(context.Context) (map[int]*types.EngineCoreOutputs, bool, error) {
	if c.batchQueue != nil {
		return c.StepWithBatchQueue
	}
	return c.Step
}

func (c *Core) executeWithErrorLogging(ctx context.Context, so SchedulerOutput, fn func(context.Context) (ModelRunnerOutput, error)) (ModelRunnerOutput, error) {
	out, err := fn(ctx)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil, err
	}
	dumpEngineException(c.log, c.cfg, so, c.scheduler, err)
	return nil, fmt.Errorf("%w: %w", ErrExecutorFailed, err)
}

// PreprocessAddRequest runs on the input goroutine: it resolves cached
// multi-modal inputs, builds the Request and starts grammar compilation.
func (c *Core) PreprocessAddRequest(r *types.EngineCoreRequest) (*Request, int, error) {
	if len(r.MMHashes) > 0 {
		inputs, err := c.mmCache.Resolve(r.MMInputs, r.MMHashes)
		if err != nil {
			return nil, r.CurrentWave, err
		}
		r.MMInputs = inputs
	}
	req := NewRequest(r)
	if req.UseStructuredOutput() {
		if c.structured != nil {
			c.structured.GrammarInit(req)
		} else {
			req.MarkGrammarReady()
		}
	}
	return req, r.CurrentWave, nil
}

// ExecuteDummyBatch runs a no-op forward pass so collectives stay in step
// across replicas.
func (c *Core) ExecuteDummyBatch(ctx context.Context) error {
	_, err := c.executor.CollectiveRPC(ctx, "execute_dummy_batch")
	return err
}

// Shutdown releases the structured-output backend, the executor and the
// scheduler, in that order. It is idempotent.
func (c *Core) Shutdown() {
	c.shutdownOnce.Do(func() {
		if c.structured != nil {
			c.structured.ClearBackend()
		}
		if c.executor != nil {
			c.executor.Shutdown()
		}
		if c.scheduler != nil {
			c.scheduler.Shutdown()
		}
	})
}
