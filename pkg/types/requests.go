package types

import "fmt"

// RequestType tags the first frame of every message on an engine input socket.
type RequestType byte

const (
	RequestTypeAdd            RequestType = 0x00
	RequestTypeAbort          RequestType = 0x01
	RequestTypeStartDPWave    RequestType = 0x02
	RequestTypeUtility        RequestType = 0x03
	RequestTypeExecutorFailed RequestType = 0x04
)

// Frame returns the single-byte type frame sent ahead of the payload.
func (t RequestType) Frame() []byte { return []byte{byte(t)} }

func (t RequestType) String() string {
	switch t {
	case RequestTypeAdd:
		return "ADD"
	case RequestTypeAbort:
		return "ABORT"
	case RequestTypeStartDPWave:
		return "START_DP_WAVE"
	case RequestTypeUtility:
		return "UTILITY"
	case RequestTypeExecutorFailed:
		return "EXECUTOR_FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%#x)", byte(t))
	}
}

// SamplingParams holds the generation parameters the scheduler needs.
type SamplingParams struct {
	MaxTokens   int      `msgpack:"max_tokens"`
	Temperature float32  `msgpack:"temperature,omitempty"`
	TopP        float32  `msgpack:"top_p,omitempty"`
	TopK        int      `msgpack:"top_k,omitempty"`
	Seed        int      `msgpack:"seed,omitempty"`
	Stop        []string `msgpack:"stop,omitempty"`
	IgnoreEOS   bool     `msgpack:"ignore_eos,omitempty"`
}

// PoolingParams marks a request as a pooling (non-generative) request.
type PoolingParams struct {
	Task string `msgpack:"task"`
}

// StructuredOutputParams requests constrained decoding. Exactly one field is expected.
type StructuredOutputParams struct {
	JSON    string   `msgpack:"json,omitempty"`
	Regex   string   `msgpack:"regex,omitempty"`
	Choice  []string `msgpack:"choice,omitempty"`
	Grammar string   `msgpack:"grammar,omitempty"`
}

// EngineCoreRequest is the wire form of a generation request sent by a front end.
type EngineCoreRequest struct {
	RequestID        string                  `msgpack:"request_id"`
	Prompt           string                  `msgpack:"prompt,omitempty"`
	PromptTokenIDs   []int32                 `msgpack:"prompt_token_ids"`
	MMInputs         [][]byte                `msgpack:"mm_inputs,omitempty"`
	MMHashes         []string                `msgpack:"mm_hashes,omitempty"`
	Sampling         *SamplingParams         `msgpack:"sampling_params,omitempty"`
	Pooling          *PoolingParams          `msgpack:"pooling_params,omitempty"`
	StructuredOutput *StructuredOutputParams `msgpack:"structured_output,omitempty"`
	EOSTokenID       *int32                  `msgpack:"eos_token_id,omitempty"`
	ArrivalTime      float64                 `msgpack:"arrival_time"`
	LoRAID           int                     `msgpack:"lora_id,omitempty"`
	CacheSalt        string                  `msgpack:"cache_salt,omitempty"`
	DataParallelRank *int                    `msgpack:"data_parallel_rank,omitempty"`
	KVTransferParams map[string]any          `msgpack:"kv_transfer_params,omitempty"`
	// Index of the front-end client that owns this request.
	ClientIndex int `msgpack:"client_index"`
	// Wave the front end believed current when it dispatched the request.
	CurrentWave int `msgpack:"current_wave"`
}

// StartWave is the payload of a START_DP_WAVE control message.
type StartWave struct {
	Wave               int `msgpack:"wave"`
	ExcludeEngineIndex int `msgpack:"exclude_engine_index"`
}
