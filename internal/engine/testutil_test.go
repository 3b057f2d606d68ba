package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"engined/pkg/types"
)

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return c
}

// fakeBatch is the SchedulerOutput of fakeScheduler: one token per request.
type fakeBatch struct{ ids []string }

func (b fakeBatch) TotalScheduledTokens() int { return len(b.ids) }

// fakeScheduler runs every waiting request one token per step until it reaches
// MaxTokens. Requests with a batch in flight are not scheduled again.
type fakeScheduler struct {
	mu        sync.Mutex
	order     []*Request
	inflight  map[string]bool
	scheduled [][]string
	kv        bool
	calls     *[]string
	resets    int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{inflight: make(map[string]bool)}
}

func (s *fakeScheduler) factory() SchedulerFactory {
	return func(int) (Scheduler, error) { return s, nil }
}

func (s *fakeScheduler) AddRequest(req *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, req)
}

func (s *fakeScheduler) FinishRequests(ids []string, status RequestStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := s.order[:0]
	for _, r := range s.order {
		if drop[r.ID] {
			r.Status = status
			continue
		}
		kept = append(kept, r)
	}
	s.order = kept
}

func (s *fakeScheduler) Schedule() SchedulerOutput {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b fakeBatch
	for _, r := range s.order {
		if !s.inflight[r.ID] {
			b.ids = append(b.ids, r.ID)
			s.inflight[r.ID] = true
		}
	}
	s.scheduled = append(s.scheduled, b.ids)
	return b
}

func (s *fakeScheduler) UpdateFromOutput(so SchedulerOutput, _ ModelRunnerOutput) map[int]*types.EngineCoreOutputs {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := so.(fakeBatch)
	out := make(map[int]*types.EngineCoreOutputs)
	for _, id := range b.ids {
		delete(s.inflight, id)
		var req *Request
		idx := -1
		for i, r := range s.order {
			if r.ID == id {
				req, idx = r, i
				break
			}
		}
		if req == nil {
			// aborted while in flight
			continue
		}
		tok := int32(len(req.OutputTokenIDs) + 1)
		req.OutputTokenIDs = append(req.OutputTokenIDs, tok)
		o := types.EngineCoreOutput{RequestID: id, NewTokenIDs: []int32{tok}}
		if len(req.OutputTokenIDs) >= req.MaxTokens {
			req.Status = StatusFinishedLengthCapped
			o.FinishReason = types.FinishLength
			s.order = append(s.order[:idx], s.order[idx+1:]...)
		}
		eco := out[req.ClientIndex]
		if eco == nil {
			eco = &types.EngineCoreOutputs{}
			out[req.ClientIndex] = eco
		}
		eco.Outputs = append(eco.Outputs, o)
	}
	return out
}

func (s *fakeScheduler) HasRequests() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order) > 0
}

func (s *fakeScheduler) HasUnfinishedRequests() bool { return s.HasRequests() }

func (s *fakeScheduler) GetRequestCounts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight), len(s.order) - len(s.inflight)
}

func (s *fakeScheduler) MakeStats() *types.SchedulerStats {
	r, w := s.GetRequestCounts()
	return &types.SchedulerStats{NumRunningReqs: r, NumWaitingReqs: w}
}

func (s *fakeScheduler) HasKVConnector() bool { return s.kv }

func (s *fakeScheduler) ResetPrefixCache() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return true
}

func (s *fakeScheduler) Shutdown() {
	if s.calls != nil {
		*s.calls = append(*s.calls, "scheduler")
	}
}

func (s *fakeScheduler) batches() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.scheduled...)
}

// fakeExecutor resolves every batch immediately unless execErr is set.
type fakeExecutor struct {
	mu        sync.Mutex
	depth     int
	tasks     []string
	memory    int64
	blocks    int
	execErr   error
	executed  []fakeBatch
	rpcs      []string
	calls     *[]string
	reinit    []types.ReconfigureDistributedRequest
	failureCb func()
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{depth: 1, tasks: []string{TaskGenerate}, memory: 64 << 20}
}

func (e *fakeExecutor) ExecuteModel(_ context.Context, so SchedulerOutput) (Future, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, so.(fakeBatch))
	if e.execErr != nil {
		return Resolved(nil, e.execErr), nil
	}
	return Resolved(len(so.(fakeBatch).ids), nil), nil
}

func (e *fakeExecutor) MaxConcurrentBatches() int { return e.depth }

func (e *fakeExecutor) SupportedTasks() []string { return e.tasks }

func (e *fakeExecutor) DetermineAvailableMemory(context.Context) (int64, error) {
	return e.memory, nil
}

func (e *fakeExecutor) InitializeCache(_ context.Context, n int) error {
	e.blocks = n
	return nil
}

func (e *fakeExecutor) CollectiveRPC(_ context.Context, method string, _ ...any) ([]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rpcs = append(e.rpcs, method)
	return []any{method}, nil
}

func (e *fakeExecutor) Shutdown() {
	if e.calls != nil {
		*e.calls = append(*e.calls, "executor")
	}
}

func (e *fakeExecutor) ReinitializeDistributed(_ context.Context, req types.ReconfigureDistributedRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reinit = append(e.reinit, req)
	return nil
}

func (e *fakeExecutor) RegisterFailureCallback(fn func()) { e.failureCb = fn }

func (e *fakeExecutor) rpcCalls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.rpcs...)
}

// fakeStructured records lifecycle calls and marks grammars ready at once.
type fakeStructured struct {
	inits int
	calls *[]string
}

func (f *fakeStructured) GrammarInit(req *Request) {
	f.inits++
	req.MarkGrammarReady()
}

func (f *fakeStructured) ClearBackend() {
	if f.calls != nil {
		*f.calls = append(*f.calls, "structured")
	}
}

// fakeGroup answers HasUnfinished from a script, falling back to local.
type fakeGroup struct {
	mu            sync.Mutex
	answers       []bool
	checks        []bool
	synced        []int64
	kvMemory      int64
	closed        int
	unfinishedErr error
}

func (g *fakeGroup) HasUnfinished(_ context.Context, local bool) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks = append(g.checks, local)
	if g.unfinishedErr != nil {
		return false, g.unfinishedErr
	}
	if len(g.answers) > 0 {
		a := g.answers[0]
		g.answers = g.answers[1:]
		return a, nil
	}
	return local, nil
}

func (g *fakeGroup) SyncKVCacheMemory(_ context.Context, local int64) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.synced = append(g.synced, local)
	if g.kvMemory > local {
		return g.kvMemory, nil
	}
	return local, nil
}

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed++
	return nil
}

var errBoom = errors.New("boom")

func newTestCore(t *testing.T, ex *fakeExecutor, s *fakeScheduler) *Core {
	t.Helper()
	c, err := NewCore(context.Background(), Config{
		Executor:     ex,
		NewScheduler: s.factory(),
		Logger:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	return c
}

func newReq(id string, maxTokens int) *Request {
	return NewRequest(&types.EngineCoreRequest{
		RequestID:      id,
		PromptTokenIDs: []int32{1, 2, 3},
		Sampling:       &types.SamplingParams{MaxTokens: maxTokens},
	})
}

// recorder collects emitted outputs.
type recorder struct {
	mu  sync.Mutex
	out []emitted
}

type emitted struct {
	client  int
	outputs *types.EngineCoreOutputs
}

func (r *recorder) emit(client int, out *types.EngineCoreOutputs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, emitted{client: client, outputs: out})
}

func (r *recorder) all() []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emitted(nil), r.out...)
}
