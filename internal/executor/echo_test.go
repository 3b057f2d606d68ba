package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"engined/internal/engine"
	"engined/internal/scheduler"
	"engined/internal/wire"
	"engined/pkg/types"
)

func TestEchoReplaysPrompt(t *testing.T) {
	e := newEcho()
	r := genReq("a", 5, 6, 7)
	b := batchOf(r)
	f, err := e.ExecuteModel(testCtx(t), b)
	if err != nil {
		t.Fatalf("ExecuteModel: %v", err)
	}
	out := result(t, f)
	if got := out.SampledTokenIDs["a"]; !reflect.DeepEqual(got, []int32{5}) {
		t.Fatalf("first token = %v", got)
	}
	r.OutputTokenIDs = []int32{5, 6, 7}
	if got := nextToken(r); got != 5 {
		t.Fatalf("token after wrap = %d, want 5", got)
	}
	if e.Batches() != 1 {
		t.Fatalf("batches = %d", e.Batches())
	}
}

func TestEchoPoolsPrompt(t *testing.T) {
	e := newEcho()
	r := engine.NewRequest(&types.EngineCoreRequest{
		RequestID:      "p",
		PromptTokenIDs: []int32{2, 4},
		Pooling:        &types.PoolingParams{Task: engine.TaskEmbed},
	})
	f, _ := e.ExecuteModel(testCtx(t), batchOf(r))
	if got := result(t, f).PoolerOutput["p"]; !reflect.DeepEqual(got, []float32{3, 2}) {
		t.Fatalf("pooled = %v", got)
	}
}

func TestEchoRejectsForeignBatch(t *testing.T) {
	if _, err := newEcho().ExecuteModel(testCtx(t), tokens(1)); err == nil {
		t.Fatalf("expected error for foreign batch type")
	}
}

func TestEchoSleep(t *testing.T) {
	e := newEcho()
	ctx := testCtx(t)
	if err := e.Sleep(ctx, 1); err != nil || !e.IsSleeping() {
		t.Fatalf("Sleep: %v sleeping=%t", err, e.IsSleeping())
	}
	if _, err := e.ExecuteModel(ctx, batchOf(genReq("a", 1))); !errors.Is(err, ErrSleeping) {
		t.Fatalf("execute while asleep: %v", err)
	}
	if err := e.WakeUp(ctx, nil); err != nil || e.IsSleeping() {
		t.Fatalf("WakeUp: %v", err)
	}
}

func TestEchoStepDelayHonoursContext(t *testing.T) {
	e := NewEcho(EchoConfig{StepDelay: time.Hour, Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.ExecuteModel(ctx, batchOf(genReq("a", 1))); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want canceled", err)
	}
}

func TestEchoLoRA(t *testing.T) {
	e := newEcho()
	ctx := testCtx(t)
	for _, id := range []int{3, 1} {
		if ok, err := e.AddLoRA(ctx, types.LoRARequest{LoRAID: id, LoRAName: "x"}); !ok || err != nil {
			t.Fatalf("AddLoRA(%d) = %t, %v", id, ok, err)
		}
	}
	if ok, _ := e.AddLoRA(ctx, types.LoRARequest{LoRAID: 1}); ok {
		t.Fatalf("duplicate add succeeded")
	}
	if _, err := e.AddLoRA(ctx, types.LoRARequest{}); err == nil {
		t.Fatalf("zero id accepted")
	}
	if ok, _ := e.PinLoRA(ctx, 3); !ok {
		t.Fatalf("pin failed")
	}
	if ok, _ := e.PinLoRA(ctx, 9); ok {
		t.Fatalf("pinned unknown lora")
	}
	if ok, _ := e.RemoveLoRA(ctx, 1); !ok {
		t.Fatalf("remove failed")
	}
	ids, _ := e.ListLoRAs(ctx)
	if !reflect.DeepEqual(ids, []int{3}) {
		t.Fatalf("loras = %v", ids)
	}
}

func TestEchoCollectiveRPC(t *testing.T) {
	e := newEcho()
	ctx := testCtx(t)
	if err := e.InitializeCache(ctx, 12); err != nil {
		t.Fatalf("InitializeCache: %v", err)
	}
	res, err := e.CollectiveRPC(ctx, RPCNumGPUBlocks)
	if err != nil || !reflect.DeepEqual(res, []any{12}) {
		t.Fatalf("num_gpu_blocks = %v, %v", res, err)
	}
	if _, err := e.CollectiveRPC(ctx, RPCWarmUp); err != nil || !e.Warm() {
		t.Fatalf("warm up: %v", err)
	}
	if _, err := e.CollectiveRPC(ctx, "nope"); !errors.Is(err, ErrUnknownRPC) {
		t.Fatalf("unknown rpc err = %v", err)
	}
}

func TestEchoProfileToggles(t *testing.T) {
	e := newEcho()
	ctx := testCtx(t)
	if err := e.Profile(ctx, false); err == nil {
		t.Fatalf("stopping an idle profiler should fail")
	}
	if err := e.Profile(ctx, true); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Profile(ctx, false); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestEchoSaveShardedState(t *testing.T) {
	e := newEcho()
	ctx := testCtx(t)
	_ = e.InitializeCache(ctx, 8)
	_, _ = e.AddLoRA(ctx, types.LoRARequest{LoRAID: 2, LoRAName: "sql"})
	_, _ = e.PinLoRA(ctx, 2)

	dir := filepath.Join(t.TempDir(), "out")
	if err := e.SaveShardedState(ctx, dir, "", 0); err != nil {
		t.Fatalf("SaveShardedState: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "model-rank-0-part-0.yaml"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	for _, want := range []string{"backend: echo", "num_gpu_blocks: 8", "pinned:"} {
		if !strings.Contains(string(b), want) {
			t.Fatalf("manifest missing %q:\n%s", want, b)
		}
	}
	if err := e.SaveShardedState(ctx, dir, "tiny.yaml", 4); err == nil {
		t.Fatalf("max size not enforced")
	}
	if err := e.SaveShardedState(ctx, "", "", 0); err == nil {
		t.Fatalf("empty path accepted")
	}
}

// TestEchoDrivesCore runs a request through the engine core with the FIFO
// scheduler and the echo executor behind the async wrapper.
func TestEchoDrivesCore(t *testing.T) {
	ctx := testCtx(t)
	ex := NewAsync(newEcho(), 2, zerolog.Nop())
	core, err := engine.NewCore(ctx, engine.Config{
		Executor:     ex,
		NewScheduler: scheduler.Factory(scheduler.Config{}),
		Logger:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	defer core.Shutdown()
	if core.NumGPUBlocks() != DefaultEchoMemory/(2<<20) {
		t.Fatalf("blocks = %d", core.NumGPUBlocks())
	}
	if err := core.AddRequest(genReq("a", 5, 6, 7), 0); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	step := core.StepFn()
	var toks []int32
	var finish types.FinishReason
	for i := 0; i < 50 && finish == types.FinishNone; i++ {
		outs, _, err := step(ctx)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		eco := outs[0]
		if eco == nil {
			continue
		}
		for _, o := range eco.Outputs {
			toks = append(toks, o.NewTokenIDs...)
			finish = o.FinishReason
		}
	}
	if !reflect.DeepEqual(toks, []int32{5, 6, 7, 5}) || finish != types.FinishLength {
		t.Fatalf("tokens = %v finish %q", toks, finish)
	}
}

func TestEchoCoreFinishesOversizedRequest(t *testing.T) {
	ctx := testCtx(t)
	ex := NewAsync(newEcho(), 2, zerolog.Nop())
	// 3 prompt + 4 max tokens needs 4 two-token blocks; the cache holds 3.
	core, err := engine.NewCore(ctx, engine.Config{
		Executor:             ex,
		NewScheduler:         scheduler.Factory(scheduler.Config{BlockSize: 2}),
		NumGPUBlocksOverride: 3,
		Logger:               zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	defer core.Shutdown()
	if err := core.AddRequest(genReq("big", 1, 2, 3), 0); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	outs, dispatched, err := core.StepFn()(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if dispatched {
		t.Fatalf("oversized request was dispatched")
	}
	eco := outs[0]
	if eco == nil || len(eco.Outputs) != 1 || eco.Outputs[0].FinishReason != types.FinishLength ||
		!reflect.DeepEqual(eco.FinishedRequests, []string{"big"}) {
		t.Fatalf("outputs = %+v", eco)
	}
	if core.Scheduler().HasRequests() {
		t.Fatalf("oversized request still held by the scheduler")
	}
}

func TestSaveTensorizedModelUtility(t *testing.T) {
	ctx := testCtx(t)
	core, err := engine.NewCore(ctx, engine.Config{
		Executor:     NewAsync(newEcho(), 2, zerolog.Nop()),
		NewScheduler: scheduler.Factory(scheduler.Config{}),
		Logger:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	defer core.Shutdown()

	call := func(uri string) string {
		args, err := wire.Marshal(types.SaveTensorizedModelArgs{TensorizerConfig: types.TensorizerConfig{TensorizerURI: uri}})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		out := core.HandleUtility(ctx, types.UtilityCall{CallID: 1, Method: "save_tensorized_model", Args: args})
		return out.UtilityOutput.FailureMessage
	}
	path := filepath.Join(t.TempDir(), "tensors", "model.tensors")
	if msg := call("file://" + path); msg != "" {
		t.Fatalf("save_tensorized_model failed: %s", msg)
	}
	b, err := os.ReadFile(path)
	if err != nil || !strings.Contains(string(b), "backend: echo") {
		t.Fatalf("manifest = %q (%v)", b, err)
	}
	if msg := call("s3://bucket/model"); !strings.Contains(msg, "unsupported uri") {
		t.Fatalf("remote uri accepted: %q", msg)
	}
	if msg := call(""); !strings.Contains(msg, "tensorizer_uri is required") {
		t.Fatalf("empty uri accepted: %q", msg)
	}
}
