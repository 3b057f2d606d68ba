package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"engined/pkg/types"
)

func TestAsyncQueuesUpToDepthAndKeepsOrder(t *testing.T) {
	g := newGated()
	a := NewAsync(g, 2, zerolog.Nop())
	defer a.Shutdown()
	ctx := testCtx(t)

	f1, err := a.ExecuteModel(ctx, tokens(1))
	if err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	<-g.started
	f2, err := a.ExecuteModel(ctx, tokens(2))
	if err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	if a.MaxConcurrentBatches() != 2 {
		t.Fatalf("depth = %d", a.MaxConcurrentBatches())
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := f1.Result(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("result before release: %v", err)
	}

	g.gate <- struct{}{}
	if out, err := f1.Result(ctx); err != nil || out != 1 {
		t.Fatalf("f1 = %v, %v", out, err)
	}
	if so := <-g.started; so != tokens(2) {
		t.Fatalf("second batch = %v", so)
	}
	g.gate <- struct{}{}
	if out, err := f2.Result(ctx); err != nil || out != 2 {
		t.Fatalf("f2 = %v, %v", out, err)
	}
}

func TestAsyncPanicMarksWorkerDead(t *testing.T) {
	g := newGated()
	g.panics = true
	a := NewAsync(g, 2, zerolog.Nop())
	defer a.Shutdown()
	failed := make(chan struct{}, 1)
	a.RegisterFailureCallback(func() { failed <- struct{}{} })
	ctx := testCtx(t)

	f, err := a.ExecuteModel(ctx, tokens(1))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.Result(ctx); !IsWorkerDied(err) {
		t.Fatalf("result err = %v, want worker died", err)
	}
	select {
	case <-failed:
	case <-ctx.Done():
		t.Fatalf("failure callback not called")
	}
	if _, err := a.ExecuteModel(ctx, tokens(1)); !IsWorkerDied(err) {
		t.Fatalf("submit after death: %v", err)
	}
}

func TestAsyncResolvesFailedBatchBeforeCallback(t *testing.T) {
	g := newGated()
	g.panics = true
	a := NewAsync(g, 2, zerolog.Nop())
	release := make(chan struct{})
	entered := make(chan struct{})
	a.RegisterFailureCallback(func() {
		close(entered)
		<-release
	})
	defer func() {
		close(release)
		a.Shutdown()
	}()
	ctx := testCtx(t)

	f, err := a.ExecuteModel(ctx, tokens(1))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// The callback is still blocked; the future must resolve regardless.
	if _, err := f.Result(ctx); !IsWorkerDied(err) {
		t.Fatalf("result err = %v, want worker died", err)
	}
	select {
	case <-entered:
	case <-ctx.Done():
		t.Fatalf("failure callback not called")
	}
}

func TestAsyncShutdownFailsQueuedBatches(t *testing.T) {
	g := newGated()
	a := NewAsync(g, 3, zerolog.Nop())
	ctx := testCtx(t)

	running, _ := a.ExecuteModel(ctx, tokens(1))
	<-g.started
	queued, err := a.ExecuteModel(ctx, tokens(2))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := make(chan struct{})
	go func() {
		a.Shutdown()
		close(done)
	}()
	select {
	case <-a.quit:
	case <-ctx.Done():
		t.Fatalf("shutdown did not signal the worker")
	}
	g.gate <- struct{}{}
	<-done

	if out, err := running.Result(ctx); err != nil || out != 1 {
		t.Fatalf("running batch = %v, %v", out, err)
	}
	if _, err := queued.Result(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("queued batch err = %v, want closed", err)
	}
	if _, err := a.ExecuteModel(ctx, tokens(3)); !errors.Is(err, ErrClosed) {
		t.Fatalf("submit after shutdown: %v", err)
	}
	if !g.isShutdown() {
		t.Fatalf("inner executor not shut down")
	}
	a.Shutdown()
}

func TestAsyncForwardsCapabilities(t *testing.T) {
	ctx := testCtx(t)
	e := newEcho()
	a := NewAsync(e, 2, zerolog.Nop())
	defer a.Shutdown()
	if err := a.Sleep(ctx, 1); err != nil || !a.IsSleeping() {
		t.Fatalf("Sleep: %v", err)
	}
	if err := a.WakeUp(ctx, nil); err != nil || a.IsSleeping() {
		t.Fatalf("WakeUp: %v", err)
	}
	if ok, err := a.AddLoRA(ctx, types.LoRARequest{LoRAID: 1}); !ok || err != nil {
		t.Fatalf("AddLoRA: %t %v", ok, err)
	}
	if ids, _ := a.ListLoRAs(ctx); len(ids) != 1 {
		t.Fatalf("loras = %v", ids)
	}
	if res, err := a.CollectiveRPC(ctx, RPCPing); err != nil || res[0] != "pong" {
		t.Fatalf("ping = %v, %v", res, err)
	}

	bare := NewAsync(newGated(), 2, zerolog.Nop())
	defer bare.Shutdown()
	if err := bare.Sleep(ctx, 1); !IsUnsupported(err) {
		t.Fatalf("sleep on bare executor: %v", err)
	}
	if _, err := bare.PinLoRA(ctx, 1); !IsUnsupported(err) {
		t.Fatalf("pin on bare executor: %v", err)
	}
	if err := bare.Profile(ctx, true); !IsUnsupported(err) {
		t.Fatalf("profile on bare executor: %v", err)
	}
	if err := bare.ReinitializeDistributed(ctx, types.ReconfigureDistributedRequest{}); err != nil {
		t.Fatalf("reinitialize on bare executor: %v", err)
	}
}
