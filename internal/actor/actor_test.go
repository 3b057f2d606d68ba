package actor

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"engined/internal/config"
	"engined/internal/engine"
	"engined/internal/executor"
	"engined/internal/scheduler"
	"engined/internal/transport"
	"engined/internal/wire"
	"engined/pkg/types"
)

func TestVisibleDevices(t *testing.T) {
	cases := []struct {
		name      string
		base      string
		set       bool
		localRank int
		world     int
		want      string
		wantErr   bool
	}{
		{name: "unset identity rank 0", localRank: 0, world: 2, want: "0,1"},
		{name: "unset identity rank 2", localRank: 2, world: 2, want: "4,5"},
		{name: "slice of physical list", base: "3,5,7,9", set: true, localRank: 1, world: 2, want: "7,9"},
		{name: "spaces trimmed", base: "3, 5", set: true, localRank: 1, world: 1, want: "5"},
		{name: "range past end", base: "0,1", set: true, localRank: 1, world: 2, wantErr: true},
		{name: "set but empty", base: "", set: true, localRank: 0, world: 1, wantErr: true},
		{name: "empty entry", base: "0,,2", set: true, localRank: 1, world: 1, wantErr: true},
		{name: "negative rank", localRank: -1, world: 1, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := VisibleDevices("DEVS", tc.base, tc.set, tc.localRank, tc.world)
			if tc.wantErr {
				if !IsDeviceAssignment(err) {
					t.Fatalf("err = %v, want DeviceAssignmentError", err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("VisibleDevices = %q, %v; want %q", got, err, tc.want)
			}
		})
	}
}

func TestDeviceAssignmentErrorMessage(t *testing.T) {
	_, err := VisibleDevices("DEVS", "0,1", true, 1, 2)
	want := `error setting DEVS: local range: [2, 4) local rank 1 base value: "0,1"`
	if err == nil || err.Error() != want {
		t.Fatalf("error = %v\nwant %s", err, want)
	}
}

func actorConfig(n *transport.MemNetwork, in, out string) Config {
	return Config{
		Engine: engine.Config{
			Parallel:     config.ParallelConfig{TensorParallelSize: 2},
			Executor:     executor.NewEcho(executor.EchoConfig{Logger: zerolog.Nop()}),
			NewScheduler: scheduler.Factory(scheduler.Config{}),
			Opener:       n,
			Logger:       zerolog.Nop(),
		},
		Addresses:    types.EngineAddresses{Inputs: []string{in}, Outputs: []string{out}},
		LocalRank:    1,
		DeviceEnvVar: "ENGINED_TEST_DEVICES",
	}
}

func TestActorRestrictsDevicesAndServes(t *testing.T) {
	t.Setenv("ENGINED_TEST_DEVICES", "4,5,6,7")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	n := transport.NewMemNetwork()
	in, err := n.Open(ctx, transport.Router, "inproc://actor-in", transport.Options{Bind: true})
	if err != nil {
		t.Fatalf("bind input: %v", err)
	}
	defer in.Close()
	out, err := n.Open(ctx, transport.Pull, "inproc://actor-out", transport.Options{Bind: true})
	if err != nil {
		t.Fatalf("bind output: %v", err)
	}
	defer out.Close()

	a, err := New(ctx, actorConfig(n, "inproc://actor-in", "inproc://actor-out"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.WaitForInit()
	if a.Devices() != "6,7" || os.Getenv("ENGINED_TEST_DEVICES") != "6,7" {
		t.Fatalf("devices = %q env %q", a.Devices(), os.Getenv("ENGINED_TEST_DEVICES"))
	}
	if _, err := in.Recv(ctx); err != nil {
		t.Fatalf("registration: %v", err)
	}

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()

	payload, err := wire.Marshal(types.EngineCoreRequest{
		RequestID:      "r1",
		PromptTokenIDs: []int32{9, 8},
		Sampling:       &types.SamplingParams{MaxTokens: 3},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := in.Send([][]byte{engine.Identity(0), types.RequestTypeAdd.Frame(), payload}); err != nil {
		t.Fatalf("send: %v", err)
	}

	var toks []int32
	for len(toks) < 3 {
		frames, err := out.Recv(ctx)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		var eco types.EngineCoreOutputs
		if err := wire.Decode(frames, &eco); err != nil {
			t.Fatalf("decode: %v", err)
		}
		for _, o := range eco.Outputs {
			toks = append(toks, o.NewTokenIDs...)
		}
	}
	if want := []int32{9, 8, 9}; toks[0] != want[0] || toks[1] != want[1] || toks[2] != want[2] {
		t.Fatalf("tokens = %v, want %v", toks, want)
	}

	stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("Run did not return")
	}
	for {
		frames, err := out.Recv(ctx)
		if err != nil {
			t.Fatalf("waiting for dead notice: %v", err)
		}
		if len(frames) == 1 && bytes.Equal(frames[0], types.EngineCoreDead) {
			break
		}
	}
}

func TestActorRejectsBadDeviceRange(t *testing.T) {
	t.Setenv("ENGINED_TEST_DEVICES", "0,1")
	n := transport.NewMemNetwork()
	_, err := New(context.Background(), actorConfig(n, "inproc://unused-in", "inproc://unused-out"))
	if !IsDeviceAssignment(err) {
		t.Fatalf("err = %v, want DeviceAssignmentError", err)
	}
	if got := os.Getenv("ENGINED_TEST_DEVICES"); got != "0,1" {
		t.Fatalf("env modified on failure: %q", got)
	}
}

func TestActorBuildsExecutorAfterRestriction(t *testing.T) {
	t.Setenv("ENGINED_TEST_DEVICES", "4,5,6,7")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	cfg := actorConfig(transport.NewMemNetwork(), "inproc://late-in", "inproc://late-out")
	cfg.Engine.Executor = nil
	var seen string
	cfg.NewExecutor = func() (engine.Executor, error) {
		seen = os.Getenv("ENGINED_TEST_DEVICES")
		return executor.NewEcho(executor.EchoConfig{Logger: zerolog.Nop()}), nil
	}
	a, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if seen != "6,7" {
		t.Fatalf("executor saw devices %q, want 6,7", seen)
	}
	stopped, stop := context.WithCancel(ctx)
	stop()
	if err := a.Run(stopped); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
