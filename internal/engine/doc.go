// Package engine implements the engine core loop: scheduling and executing
// batches, the process wrapper that talks to front ends over sockets, and the
// data-parallel wave coordination. It is structured into small files by
// concern:
//
//   - core.go: Core, KV cache sizing, add/abort, Step and StepWithBatchQueue.
//   - batch_queue.go: bounded FIFO of in-flight batches.
//   - config.go: Config and package defaults; constructors apply defaults.
//   - interfaces.go: Scheduler, Executor, Future and optional capabilities.
//   - request.go: Request and its lifecycle status.
//   - utility.go: utility method registry and the built-in methods.
//   - proc.go: Proc, the busy loop, control dispatch and shutdown.
//   - input.go: input goroutine (sockets, decode, preprocessing).
//   - output.go: output goroutine and encode-buffer reuse.
//   - dp.go: DPCoordinator, waves and the lazy collective check.
//   - reconfigure.go: live data-parallel rescaling.
//   - status.go: lifecycle state snapshots for the admin server.
//   - errors.go: error values and predicates (IsExecutorFailed, ...).
//   - events.go, eventpub_memory.go: EventPublisher and an in-memory recorder.
//   - metrics.go: Prometheus collectors.
//   - mmcache.go: multi-modal input cache.
//   - dump.go: diagnostic dump on executor failure.
//
// Only Proc.Run's goroutine touches the Core; the IO goroutines communicate
// with it through the input channel and the output queue.
package engine
