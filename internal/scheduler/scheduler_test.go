package scheduler

import (
	"reflect"
	"testing"

	"engined/internal/engine"
	"engined/pkg/types"
)

func req(id string, prompt, maxTokens int) *engine.Request {
	toks := make([]int32, prompt)
	for i := range toks {
		toks[i] = int32(i + 1)
	}
	return engine.NewRequest(&types.EngineCoreRequest{
		RequestID:      id,
		PromptTokenIDs: toks,
		Sampling:       &types.SamplingParams{MaxTokens: maxTokens},
	})
}

func ids(b *Batch) []string {
	var out []string
	for _, r := range b.Requests {
		out = append(out, r.ID)
	}
	return out
}

// sample returns a RunnerOutput giving tok to every request in b whose
// prefill completes.
func sample(b *Batch, tok int32) *RunnerOutput {
	out := &RunnerOutput{SampledTokenIDs: map[string][]int32{}}
	for _, r := range b.Requests {
		if b.PrefillDone(r) {
			out.SampledTokenIDs[r.ID] = []int32{tok}
		}
	}
	return out
}

func TestScheduleSplitsTokenBudgetInArrivalOrder(t *testing.T) {
	s := New(Config{MaxNumBatchedTokens: 5})
	s.AddRequest(req("a", 3, 4))
	s.AddRequest(req("b", 3, 4))
	s.AddRequest(req("c", 3, 4))

	b := s.Schedule().(*Batch)
	if got := ids(b); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("batch = %v, want [a b]", got)
	}
	if b.NumTokens["a"] != 3 || b.NumTokens["b"] != 2 || b.TotalScheduledTokens() != 5 {
		t.Fatalf("tokens = %v total %d", b.NumTokens, b.Total)
	}
	if r, w := s.GetRequestCounts(); r != 2 || w != 1 {
		t.Fatalf("counts = %d/%d, want 2/1", r, w)
	}
}

func TestChunkedPrefill(t *testing.T) {
	s := New(Config{MaxNumBatchedTokens: 4})
	r := req("a", 10, 2)
	s.AddRequest(r)

	var chunks []int
	var done []bool
	for i := 0; i < 3; i++ {
		b := s.Schedule().(*Batch)
		chunks = append(chunks, b.NumTokens["a"])
		done = append(done, b.PrefillDone(r))
		outs := s.UpdateFromOutput(b, sample(b, 9))
		if i < 2 && len(outs) != 0 {
			t.Fatalf("chunk %d produced output %v", i, outs)
		}
	}
	if !reflect.DeepEqual(chunks, []int{4, 4, 2}) {
		t.Fatalf("chunks = %v", chunks)
	}
	if !reflect.DeepEqual(done, []bool{false, false, true}) {
		t.Fatalf("prefill done = %v", done)
	}
	b := s.Schedule().(*Batch)
	if b.NumTokens["a"] != 1 {
		t.Fatalf("decode step scheduled %d tokens", b.NumTokens["a"])
	}
}

func TestScheduleSkipsInflightRequests(t *testing.T) {
	s := New(Config{})
	s.AddRequest(req("a", 2, 4))
	first := s.Schedule().(*Batch)
	second := s.Schedule().(*Batch)
	if len(first.Requests) != 1 || len(second.Requests) != 0 {
		t.Fatalf("batches = %v then %v", ids(first), ids(second))
	}
	s.UpdateFromOutput(first, sample(first, 5))
	third := s.Schedule().(*Batch)
	if got := ids(third); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("after update batch = %v", got)
	}
}

func TestBlockBudgetGatesAdmission(t *testing.T) {
	// 3 prompt + 13 max tokens fills exactly one 16-token block.
	s := Factory(Config{BlockSize: 16})
	es, err := s(1)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	sch := es.(*Scheduler)
	sch.AddRequest(req("a", 3, 13))
	sch.AddRequest(req("b", 3, 13))

	b := sch.Schedule().(*Batch)
	if got := ids(b); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("batch = %v, want [a]", got)
	}
	if st := sch.MakeStats(); st.KVCacheUsage != 1 || st.NumWaitingReqs != 1 {
		t.Fatalf("stats = %+v", st)
	}

	sch.FinishRequests([]string{"a"}, engine.StatusFinishedAborted)
	b = sch.Schedule().(*Batch)
	if got := ids(b); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("after abort batch = %v, want [b]", got)
	}
}

func TestMaxNumSeqs(t *testing.T) {
	s := New(Config{MaxNumSeqs: 1})
	s.AddRequest(req("a", 1, 4))
	s.AddRequest(req("b", 1, 4))
	if got := ids(s.Schedule().(*Batch)); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("batch = %v", got)
	}
}

func TestGrammarPendingRequestIsSkipped(t *testing.T) {
	s := New(Config{})
	g := engine.NewRequest(&types.EngineCoreRequest{
		RequestID:        "g",
		PromptTokenIDs:   []int32{1},
		StructuredOutput: &types.StructuredOutputParams{Regex: "[0-9]+"},
	})
	s.AddRequest(g)
	s.AddRequest(req("a", 1, 4))

	if got := ids(s.Schedule().(*Batch)); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("batch = %v, want [a]", got)
	}
	g.MarkGrammarReady()
	if got := ids(s.Schedule().(*Batch)); !reflect.DeepEqual(got, []string{"g"}) {
		t.Fatalf("batch = %v, want [g]", got)
	}
	if g.MaxTokens != DefaultMaxTokens {
		t.Fatalf("default max tokens not applied: %d", g.MaxTokens)
	}
}

func TestStopOnEOS(t *testing.T) {
	eos := int32(7)
	mk := func(id string, ignore bool) *engine.Request {
		return engine.NewRequest(&types.EngineCoreRequest{
			RequestID:      id,
			PromptTokenIDs: []int32{1, 2},
			EOSTokenID:     &eos,
			Sampling:       &types.SamplingParams{MaxTokens: 8, IgnoreEOS: ignore},
			ClientIndex:    1,
		})
	}
	s := New(Config{})
	s.AddRequest(mk("stop", false))
	s.AddRequest(mk("ignore", true))

	b := s.Schedule().(*Batch)
	outs := s.UpdateFromOutput(b, sample(b, eos))
	eco := outs[1]
	if eco == nil || len(eco.Outputs) != 2 {
		t.Fatalf("outputs = %+v", outs)
	}
	if eco.Outputs[0].FinishReason != types.FinishStop || eco.Outputs[1].Finished() {
		t.Fatalf("finish reasons = %q, %q", eco.Outputs[0].FinishReason, eco.Outputs[1].FinishReason)
	}
	if !reflect.DeepEqual(eco.FinishedRequests, []string{"stop"}) {
		t.Fatalf("finished = %v", eco.FinishedRequests)
	}
	if eco.Timestamp == 0 {
		t.Fatalf("timestamp not set")
	}
	if r, w := s.GetRequestCounts(); r != 1 || w != 0 {
		t.Fatalf("counts = %d/%d", r, w)
	}
}

func TestStopAtMaxTokens(t *testing.T) {
	s := New(Config{})
	r := req("a", 2, 2)
	s.AddRequest(r)

	var last types.EngineCoreOutput
	for i := 0; i < 2; i++ {
		b := s.Schedule().(*Batch)
		outs := s.UpdateFromOutput(b, sample(b, int32(10+i)))
		last = outs[0].Outputs[0]
	}
	if last.FinishReason != types.FinishLength || r.Status != engine.StatusFinishedLengthCapped {
		t.Fatalf("finish = %q status %v", last.FinishReason, r.Status)
	}
	if !reflect.DeepEqual(r.OutputTokenIDs, []int32{10, 11}) {
		t.Fatalf("output tokens = %v", r.OutputTokenIDs)
	}
	if s.HasRequests() || s.HasUnfinishedRequests() {
		t.Fatalf("finished request still held")
	}
}

func TestAbortWhileInflightDropsResult(t *testing.T) {
	s := New(Config{})
	r := req("a", 2, 4)
	s.AddRequest(r)
	b := s.Schedule().(*Batch)
	s.FinishRequests([]string{"a", "unknown"}, engine.StatusFinishedAborted)

	if outs := s.UpdateFromOutput(b, sample(b, 3)); len(outs) != 0 {
		t.Fatalf("aborted request produced %+v", outs)
	}
	if r.Status != engine.StatusFinishedAborted || len(r.OutputTokenIDs) != 0 {
		t.Fatalf("status %v tokens %v", r.Status, r.OutputTokenIDs)
	}
}

func TestPoolingRequestFinishesWithPooledOutput(t *testing.T) {
	s := New(Config{})
	r := engine.NewRequest(&types.EngineCoreRequest{
		RequestID:      "p",
		PromptTokenIDs: []int32{4, 5},
		Pooling:        &types.PoolingParams{Task: engine.TaskEmbed},
	})
	s.AddRequest(r)
	b := s.Schedule().(*Batch)
	outs := s.UpdateFromOutput(b, &RunnerOutput{PoolerOutput: map[string][]float32{"p": {0.5, 1}}})

	o := outs[0].Outputs[0]
	if o.FinishReason != types.FinishStop || !reflect.DeepEqual(o.PoolingOutput, []float32{0.5, 1}) {
		t.Fatalf("output = %+v", o)
	}
}

func TestShutdownDropsState(t *testing.T) {
	s := New(Config{NumGPUBlocks: 10})
	s.AddRequest(req("a", 2, 4))
	s.AddRequest(req("b", 2, 4))
	s.Schedule()
	s.Shutdown()
	if s.HasRequests() || s.MakeStats().KVCacheUsage != 0 {
		t.Fatalf("state survived shutdown")
	}
	if s.HasKVConnector() || !s.ResetPrefixCache() {
		t.Fatalf("unexpected capabilities")
	}
}

func TestRunnerStopFinishesRequest(t *testing.T) {
	s := New(Config{})
	r := req("a", 1, 8)
	s.AddRequest(r)
	b := s.Schedule().(*Batch)
	out := sample(b, 4)
	out.Stopped = map[string]bool{"a": true}
	o := s.UpdateFromOutput(b, out)[0].Outputs[0]
	if o.FinishReason != types.FinishStop || !reflect.DeepEqual(o.NewTokenIDs, []int32{4}) {
		t.Fatalf("output = %+v", o)
	}
}

func TestOversizedRequestIsIgnored(t *testing.T) {
	s := New(Config{NumGPUBlocks: 1, BlockSize: 16})
	s.AddRequest(req("big", 10, 16))
	s.AddRequest(req("small", 2, 4))

	b := s.Schedule().(*Batch)
	if got := ids(b); !reflect.DeepEqual(got, []string{"small"}) {
		t.Fatalf("batch = %v, want [small]", got)
	}
	if len(b.Ignored) != 1 || b.Ignored[0].ID != "big" || !b.FinishesRequests() {
		t.Fatalf("ignored = %v", b.Ignored)
	}
	out := s.UpdateFromOutput(b, sample(b, 9))[0]
	if out == nil || len(out.Outputs) != 2 {
		t.Fatalf("outputs = %+v", out)
	}
	if o := out.Outputs[0]; o.RequestID != "big" || o.FinishReason != types.FinishLength || len(o.NewTokenIDs) != 0 {
		t.Fatalf("ignored output = %+v", o)
	}
	if !reflect.DeepEqual(out.FinishedRequests, []string{"big"}) {
		t.Fatalf("finished = %v", out.FinishedRequests)
	}
	if _, waiting := s.GetRequestCounts(); waiting != 0 {
		t.Fatalf("waiting = %d, want 0", waiting)
	}

	s.FinishRequests([]string{"small"}, engine.StatusFinishedAborted)
	if s.HasRequests() {
		t.Fatalf("scheduler still holds requests")
	}
	if b := s.Schedule().(*Batch); b.FinishesRequests() || b.Total != 0 {
		t.Fatalf("ignored request reported twice: %+v", b)
	}
}
