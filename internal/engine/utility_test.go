package engine

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"engined/pkg/types"
)

func mustArgs(t *testing.T, v any) msgpack.RawMessage {
	t.Helper()
	b, err := msgpack.Marshal(v)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return b
}

func TestHandleUtility_UnknownMethod(t *testing.T) {
	c := newTestCore(t, newFakeExecutor(), newFakeScheduler())
	out := c.HandleUtility(testCtx(t), types.UtilityCall{CallID: 9, Method: "rm_rf"})
	u := out.UtilityOutput
	if u == nil || u.CallID != 9 {
		t.Fatalf("utility output = %+v", out)
	}
	if !strings.HasPrefix(u.FailureMessage, "Call to rm_rf method failed") {
		t.Fatalf("failure message = %q", u.FailureMessage)
	}
	if _, err := c.Utilities().Call(context.Background(), "rm_rf", nil); !IsUnknownUtility(err) {
		t.Fatalf("Call error = %v, want unknown utility", err)
	}
}

func TestHandleUtility_TypedResults(t *testing.T) {
	ex := newFakeExecutor()
	ex.tasks = []string{TaskGenerate, TaskEmbed}
	s := newFakeScheduler()
	c := newTestCore(t, ex, s)
	ctx := testCtx(t)

	out := c.HandleUtility(ctx, types.UtilityCall{CallID: 1, Method: "get_supported_tasks"})
	if out.UtilityOutput.FailureMessage != "" || !reflect.DeepEqual(out.UtilityOutput.Result, ex.tasks) {
		t.Fatalf("get_supported_tasks = %+v", out.UtilityOutput)
	}

	out = c.HandleUtility(ctx, types.UtilityCall{CallID: 2, Method: "reset_prefix_cache"})
	if out.UtilityOutput.Result != true || s.resets != 1 {
		t.Fatalf("reset_prefix_cache = %+v resets=%d", out.UtilityOutput, s.resets)
	}

	out = c.HandleUtility(ctx, types.UtilityCall{
		CallID: 3,
		Method: "collective_rpc",
		Args:   mustArgs(t, types.CollectiveRPCArgs{Method: "ping", TimeoutSeconds: 1}),
	})
	if out.UtilityOutput.FailureMessage != "" {
		t.Fatalf("collective_rpc failed: %s", out.UtilityOutput.FailureMessage)
	}
	if got := ex.rpcCalls(); len(got) != 1 || got[0] != "ping" {
		t.Fatalf("rpc calls = %v", got)
	}

	out = c.HandleUtility(ctx, types.UtilityCall{CallID: 4, Method: "is_sleeping"})
	if out.UtilityOutput.Result != false {
		t.Fatalf("is_sleeping = %+v", out.UtilityOutput)
	}
}

func TestHandleUtility_FailureIsReported(t *testing.T) {
	pub := NewMemoryPublisher()
	c := newTestCore(t, newFakeExecutor(), newFakeScheduler())
	c.events = pub

	// The fake executor has no sleep support.
	out := c.HandleUtility(testCtx(t), types.UtilityCall{CallID: 5, Method: "sleep", Args: mustArgs(t, types.SleepArgs{Level: 2})})
	if !strings.Contains(out.UtilityOutput.FailureMessage, "does not support sleep") {
		t.Fatalf("failure message = %q", out.UtilityOutput.FailureMessage)
	}
	if pub.Count(EventUtilityFailed) != 1 {
		t.Fatalf("utility failure event not published")
	}

	out = c.HandleUtility(testCtx(t), types.UtilityCall{CallID: 6, Method: "collective_rpc", Args: []byte{0xc1}})
	if !strings.Contains(out.UtilityOutput.FailureMessage, "decode arguments") {
		t.Fatalf("bad args message = %q", out.UtilityOutput.FailureMessage)
	}
}

func TestUtilityRegistry_RecoversPanics(t *testing.T) {
	r := NewUtilityRegistry()
	RegisterTyped(r, "explode", func(context.Context, types.NoArgs) (any, error) {
		panic("kaboom")
	})
	_, err := r.Call(context.Background(), "explode", nil)
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("panic not converted: %v", err)
	}
	if got := r.Methods(); len(got) != 1 || got[0] != "explode" {
		t.Fatalf("methods = %v", got)
	}
}
