// Package executor provides the model executors an engine can drive.
//
// Files by concern:
//   - echo.go: deterministic executor that replays prompt tokens; used by
//     tests and the CLI default backend
//   - async.go: wrapper that runs batches on a worker goroutine and returns
//     futures, enabling the engine batch queue
//   - llama.go / llama_stub.go: llama.cpp backend (build tag 'llama')
//   - backend.go: backend selection from configuration
//   - errors.go: typed errors and predicates
package executor
