package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"engined/internal/engine"
	"engined/internal/scheduler"
	"engined/pkg/types"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return c
}

func newEcho() *Echo { return NewEcho(EchoConfig{Logger: zerolog.Nop()}) }

// batchOf schedules reqs on a fresh scheduler and returns the first batch.
func batchOf(reqs ...*engine.Request) *scheduler.Batch {
	s := scheduler.New(scheduler.Config{})
	for _, r := range reqs {
		s.AddRequest(r)
	}
	return s.Schedule().(*scheduler.Batch)
}

func genReq(id string, prompt ...int32) *engine.Request {
	return engine.NewRequest(&types.EngineCoreRequest{
		RequestID:      id,
		PromptTokenIDs: prompt,
		Sampling:       &types.SamplingParams{MaxTokens: 4},
	})
}

func result(t *testing.T, f engine.Future) *scheduler.RunnerOutput {
	t.Helper()
	out, err := f.Result(testCtx(t))
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	return out.(*scheduler.RunnerOutput)
}

// gatedExecutor blocks each batch until released and can be told to panic.
// It implements only the required Executor methods.
type gatedExecutor struct {
	gate    chan struct{}
	started chan engine.SchedulerOutput
	panics  bool

	mu       sync.Mutex
	shutdown bool
}

func newGated() *gatedExecutor {
	return &gatedExecutor{gate: make(chan struct{}), started: make(chan engine.SchedulerOutput, 8)}
}

func (g *gatedExecutor) ExecuteModel(ctx context.Context, so engine.SchedulerOutput) (engine.Future, error) {
	g.started <- so
	if g.panics {
		panic("device lost")
	}
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return engine.Resolved(so.TotalScheduledTokens(), nil), nil
}

func (g *gatedExecutor) MaxConcurrentBatches() int { return 1 }
func (g *gatedExecutor) SupportedTasks() []string { return []string{engine.TaskGenerate} }
func (g *gatedExecutor) DetermineAvailableMemory(context.Context) (int64, error) {
	return 1 << 20, nil
}
func (g *gatedExecutor) InitializeCache(context.Context, int) error { return nil }
func (g *gatedExecutor) CollectiveRPC(context.Context, string, ...any) ([]any, error) {
	return nil, nil
}
func (g *gatedExecutor) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shutdown = true
}

func (g *gatedExecutor) isShutdown() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.shutdown
}

// tokens is a SchedulerOutput with a fixed token count.
type tokens int

func (n tokens) TotalScheduledTokens() int { return int(n) }
