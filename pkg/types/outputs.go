package types

// EngineCoreDead is the raw frame broadcast to every client when the engine exits.
var EngineCoreDead = []byte("ENGINE_CORE_DEAD")

// CoordinatorClient is the client index that routes an output to the DP coordinator.
const CoordinatorClient = -1

// FinishReason explains why a request stopped producing tokens.
type FinishReason string

const (
	FinishNone   FinishReason = ""
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
	FinishAbort  FinishReason = "abort"
)

// EngineCoreOutput carries new tokens for one request.
type EngineCoreOutput struct {
	RequestID       string       `msgpack:"request_id"`
	NewTokenIDs     []int32      `msgpack:"new_token_ids"`
	NewText         string       `msgpack:"new_text,omitempty"`
	FinishReason    FinishReason `msgpack:"finish_reason,omitempty"`
	StopReason      string       `msgpack:"stop_reason,omitempty"`
	NumCachedTokens int          `msgpack:"num_cached_tokens,omitempty"`
	PoolingOutput   []float32    `msgpack:"pooling_output,omitempty"`
}

// Finished reports whether this output terminates its request.
func (o EngineCoreOutput) Finished() bool { return o.FinishReason != FinishNone }

// UtilityOutput answers a UTILITY call. FailureMessage is set when the call failed.
type UtilityOutput struct {
	CallID         int64  `msgpack:"call_id"`
	FailureMessage string `msgpack:"failure_message,omitempty"`
	Result         any    `msgpack:"result,omitempty"`
}

// SchedulerStats is published to the coordinator for load balancing.
type SchedulerStats struct {
	NumRunningReqs int     `msgpack:"num_running_reqs"`
	NumWaitingReqs int     `msgpack:"num_waiting_reqs"`
	KVCacheUsage   float64 `msgpack:"kv_cache_usage,omitempty"`
	StepCounter    int     `msgpack:"step_counter,omitempty"`
	CurrentWave    int     `msgpack:"current_wave,omitempty"`
}

// EngineCoreOutputs is the batch of results sent to one client.
type EngineCoreOutputs struct {
	EngineIndex      int                `msgpack:"engine_index"`
	Outputs          []EngineCoreOutput `msgpack:"outputs,omitempty"`
	SchedulerStats   *SchedulerStats    `msgpack:"scheduler_stats,omitempty"`
	Timestamp        float64            `msgpack:"timestamp,omitempty"`
	UtilityOutput    *UtilityOutput     `msgpack:"utility_output,omitempty"`
	FinishedRequests []string           `msgpack:"finished_requests,omitempty"`
	// WaveComplete is set when the engines finished the given wave and paused.
	WaveComplete *int `msgpack:"wave_complete,omitempty"`
	// StartWave asks the front end to start the given wave.
	StartWave *int `msgpack:"start_wave,omitempty"`
}

// IntPtr returns a pointer to v. Used for the optional wave markers.
func IntPtr(v int) *int { return &v }
