package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"engined/internal/engine"
	"engined/pkg/types"
)

// Async runs batches of a synchronous executor on one worker goroutine, in
// submission order, and hands the engine a future per batch. Up to depth
// batches may be queued, which lets the engine schedule the next batch while
// the previous one executes.
type Async struct {
	inner engine.Executor
	depth int
	log   zerolog.Logger

	jobs chan *job
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	failed    atomic.Bool
	mu        sync.Mutex
	onFailure func()
}

type job struct {
	ctx context.Context
	so  engine.SchedulerOutput
	fut *future
}

type future struct {
	done chan struct{}
	out  engine.ModelRunnerOutput
	err  error
}

func (f *future) resolve(out engine.ModelRunnerOutput, err error) {
	f.out, f.err = out, err
	close(f.done)
}

func (f *future) Result(ctx context.Context) (engine.ModelRunnerOutput, error) {
	select {
	case <-f.done:
		return f.out, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NewAsync starts the worker. depth < 2 is raised to 2; a depth of one gains
// nothing over the inner executor.
func NewAsync(inner engine.Executor, depth int, log zerolog.Logger) *Async {
	if depth < 2 {
		depth = 2
	}
	a := &Async{
		inner: inner,
		depth: depth,
		log:   log.With().Str("component", "executor").Str("wrapper", "async").Logger(),
		jobs:  make(chan *job, depth),
		quit:  make(chan struct{}),
	}
	a.wg.Add(1)
	go a.work()
	return a
}

func (a *Async) work() {
	defer a.wg.Done()
	for {
		select {
		case <-a.quit:
			a.drain()
			return
		default:
		}
		select {
		case <-a.quit:
			a.drain()
			return
		case j := <-a.jobs:
			if a.failed.Load() {
				j.fut.resolve(nil, ErrWorkerDied)
				continue
			}
			j.fut.resolve(a.run(j))
			if a.failed.Load() {
				a.notifyFailure()
			}
		}
	}
}

func (a *Async) drain() {
	for {
		select {
		case j := <-a.jobs:
			j.fut.resolve(nil, ErrClosed)
		default:
			return
		}
	}
}

// run executes one batch. A panic marks the worker dead and is reported as
// ErrWorkerDied.
func (a *Async) run(j *job) (out engine.ModelRunnerOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.failed.Store(true)
			a.log.Error().Interface("panic", r).Msg("executor worker died")
			out, err = nil, fmt.Errorf("%w: %v", ErrWorkerDied, r)
		}
	}()
	f, err := a.inner.ExecuteModel(j.ctx, j.so)
	if err != nil {
		return nil, err
	}
	return f.Result(j.ctx)
}

// notifyFailure fires the failure callback. It runs after the failed batch's
// future resolved, so a callback that blocks cannot hold up the step waiting
// on that future.
func (a *Async) notifyFailure() {
	a.mu.Lock()
	cb := a.onFailure
	a.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (a *Async) ExecuteModel(ctx context.Context, so engine.SchedulerOutput) (engine.Future, error) {
	if a.failed.Load() {
		return nil, ErrWorkerDied
	}
	select {
	case <-a.quit:
		return nil, ErrClosed
	default:
	}
	j := &job{ctx: ctx, so: so, fut: &future{done: make(chan struct{})}}
	select {
	case a.jobs <- j:
		return j.fut, nil
	case <-a.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Async) MaxConcurrentBatches() int { return a.depth }

func (a *Async) SupportedTasks() []string { return a.inner.SupportedTasks() }

func (a *Async) DetermineAvailableMemory(ctx context.Context) (int64, error) {
	return a.inner.DetermineAvailableMemory(ctx)
}

func (a *Async) InitializeCache(ctx context.Context, numGPUBlocks int) error {
	return a.inner.InitializeCache(ctx, numGPUBlocks)
}

func (a *Async) CollectiveRPC(ctx context.Context, method string, args ...any) ([]any, error) {
	return a.inner.CollectiveRPC(ctx, method, args...)
}

// Shutdown stops the worker, failing queued batches with ErrClosed, then
// shuts the inner executor down.
func (a *Async) Shutdown() {
	a.once.Do(func() {
		close(a.quit)
		a.wg.Wait()
		a.inner.Shutdown()
	})
}

func (a *Async) RegisterFailureCallback(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFailure = fn
}

// The methods below forward optional capabilities of the inner executor.

func (a *Async) Sleep(ctx context.Context, level int) error {
	s, ok := a.inner.(engine.Sleeper)
	if !ok {
		return unsupportedError{"sleep mode"}
	}
	return s.Sleep(ctx, level)
}

func (a *Async) WakeUp(ctx context.Context, tags []string) error {
	s, ok := a.inner.(engine.Sleeper)
	if !ok {
		return unsupportedError{"sleep mode"}
	}
	return s.WakeUp(ctx, tags)
}

func (a *Async) IsSleeping() bool {
	s, ok := a.inner.(engine.Sleeper)
	return ok && s.IsSleeping()
}

func (a *Async) lora() (engine.LoRAManager, error) {
	l, ok := a.inner.(engine.LoRAManager)
	if !ok {
		return nil, unsupportedError{"lora"}
	}
	return l, nil
}

func (a *Async) AddLoRA(ctx context.Context, lora types.LoRARequest) (bool, error) {
	l, err := a.lora()
	if err != nil {
		return false, err
	}
	return l.AddLoRA(ctx, lora)
}

func (a *Async) RemoveLoRA(ctx context.Context, id int) (bool, error) {
	l, err := a.lora()
	if err != nil {
		return false, err
	}
	return l.RemoveLoRA(ctx, id)
}

func (a *Async) ListLoRAs(ctx context.Context) ([]int, error) {
	l, err := a.lora()
	if err != nil {
		return nil, err
	}
	return l.ListLoRAs(ctx)
}

func (a *Async) PinLoRA(ctx context.Context, id int) (bool, error) {
	l, err := a.lora()
	if err != nil {
		return false, err
	}
	return l.PinLoRA(ctx, id)
}

func (a *Async) Profile(ctx context.Context, isStart bool) error {
	p, ok := a.inner.(engine.Profiler)
	if !ok {
		return unsupportedError{"profiling"}
	}
	return p.Profile(ctx, isStart)
}

func (a *Async) SaveShardedState(ctx context.Context, path, pattern string, maxSize int64) error {
	s, ok := a.inner.(engine.StateSaver)
	if !ok {
		return unsupportedError{"save_sharded_state"}
	}
	return s.SaveShardedState(ctx, path, pattern, maxSize)
}

func (a *Async) SaveTensorizedModel(ctx context.Context, cfg types.TensorizerConfig) error {
	s, ok := a.inner.(engine.TensorizedSaver)
	if !ok {
		return unsupportedError{"save_tensorized_model"}
	}
	return s.SaveTensorizedModel(ctx, cfg)
}

func (a *Async) ReinitializeDistributed(ctx context.Context, req types.ReconfigureDistributedRequest) error {
	if r, ok := a.inner.(engine.DistributedReinitializer); ok {
		return r.ReinitializeDistributed(ctx, req)
	}
	return nil
}
