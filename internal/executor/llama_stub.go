//go:build !llama

package executor

import "engined/internal/engine"

// llamaBuilt is false: this binary has no llama.cpp support and default
// builds stay CGO-free.
var llamaBuilt = false

// newLlamaExecutor fails fast: the llama runtime is not compiled in.
func newLlamaExecutor(LlamaConfig) (engine.Executor, error) {
	return nil, ErrBackendUnavailable("llama support not built (missing 'llama' build tag)")
}
