package engine

import (
	"context"

	"engined/pkg/types"
)

// SchedulerOutput describes the next batch. It is consumed exactly once by the
// Executor.
type SchedulerOutput interface {
	TotalScheduledTokens() int
}

// ModelRunnerOutput is the opaque result of executing one SchedulerOutput. It
// is consumed exactly once by Scheduler.UpdateFromOutput.
type ModelRunnerOutput any

// Future is a pending execution result. Result may be called once.
type Future interface {
	Result(ctx context.Context) (ModelRunnerOutput, error)
}

// Resolved returns a Future that is already complete, for executors that
// run synchronously.
func Resolved(out ModelRunnerOutput, err error) Future { return resolvedFuture{out: out, err: err} }

type resolvedFuture struct {
	out ModelRunnerOutput
	err error
}

func (f resolvedFuture) Result(context.Context) (ModelRunnerOutput, error) { return f.out, f.err }

// Scheduler admits requests and decides what runs in each batch.
type Scheduler interface {
	AddRequest(req *Request)
	FinishRequests(ids []string, status RequestStatus)
	Schedule() SchedulerOutput
	UpdateFromOutput(so SchedulerOutput, out ModelRunnerOutput) map[int]*types.EngineCoreOutputs
	// HasRequests includes finished requests not yet removed from the batch.
	HasRequests() bool
	HasUnfinishedRequests() bool
	GetRequestCounts() (running, waiting int)
	MakeStats() *types.SchedulerStats
	HasKVConnector() bool
	ResetPrefixCache() bool
	Shutdown()
}

// EarlyFinisher is implemented by SchedulerOutputs that can finish requests
// without running them. Such an output is folded even when it schedules no
// tokens, so the finish reaches the client.
type EarlyFinisher interface {
	FinishesRequests() bool
}

// SchedulerFactory builds a Scheduler once the KV cache size is known.
type SchedulerFactory func(numGPUBlocks int) (Scheduler, error)

// Executor runs batches on the model.
type Executor interface {
	ExecuteModel(ctx context.Context, so SchedulerOutput) (Future, error)
	// MaxConcurrentBatches > 1 enables the batch queue.
	MaxConcurrentBatches() int
	SupportedTasks() []string
	// DetermineAvailableMemory profiles the bytes available for KV cache.
	DetermineAvailableMemory(ctx context.Context) (int64, error)
	// InitializeCache allocates the KV cache and warms the model up.
	InitializeCache(ctx context.Context, numGPUBlocks int) error
	CollectiveRPC(ctx context.Context, method string, args ...any) ([]any, error)
	Shutdown()
}

// Optional Executor capabilities, discovered with type assertions.
type (
	Sleeper interface {
		Sleep(ctx context.Context, level int) error
		WakeUp(ctx context.Context, tags []string) error
		IsSleeping() bool
	}

	LoRAManager interface {
		AddLoRA(ctx context.Context, lora types.LoRARequest) (bool, error)
		RemoveLoRA(ctx context.Context, id int) (bool, error)
		ListLoRAs(ctx context.Context) ([]int, error)
		PinLoRA(ctx context.Context, id int) (bool, error)
	}

	Profiler interface {
		Profile(ctx context.Context, isStart bool) error
	}

	StateSaver interface {
		SaveShardedState(ctx context.Context, path, pattern string, maxSize int64) error
	}

	TensorizedSaver interface {
		SaveTensorizedModel(ctx context.Context, cfg types.TensorizerConfig) error
	}

	DistributedReinitializer interface {
		ReinitializeDistributed(ctx context.Context, req types.ReconfigureDistributedRequest) error
	}

	// FailureNotifier executors report asynchronous worker death through the
	// registered callback.
	FailureNotifier interface {
		RegisterFailureCallback(fn func())
	}
)

// StructuredOutputManager compiles grammars for structured-output requests.
type StructuredOutputManager interface {
	// GrammarInit starts compilation; it must not block on it.
	GrammarInit(req *Request)
	ClearBackend()
}

// Supported task names.
const (
	TaskGenerate = "generate"
	TaskEmbed    = "embed"
	TaskEncode   = "encode"
	TaskClassify = "classify"
	TaskScore    = "score"
)

// IsPoolingTask reports whether task is served by pooling requests.
func IsPoolingTask(task string) bool {
	switch task {
	case TaskEmbed, TaskEncode, TaskClassify, TaskScore:
		return true
	}
	return false
}
