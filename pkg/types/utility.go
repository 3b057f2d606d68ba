package types

import "github.com/vmihailenco/msgpack/v5"

// UtilityCall is the payload of a UTILITY control message. Args is the
// msgpack encoding of the argument struct declared by the target method.
type UtilityCall struct {
	ClientIndex int                `msgpack:"client_index"`
	CallID      int64              `msgpack:"call_id"`
	Method      string             `msgpack:"method"`
	Args        msgpack.RawMessage `msgpack:"args,omitempty"`
}

// NoArgs is the argument shape of utility methods that take no parameters.
type NoArgs struct{}

type ProfileArgs struct {
	IsStart bool `msgpack:"is_start"`
}

type SleepArgs struct {
	Level int `msgpack:"level"`
}

type WakeUpArgs struct {
	Tags []string `msgpack:"tags,omitempty"`
}

// LoRARequest describes an adapter to load.
type LoRARequest struct {
	LoRAID   int    `msgpack:"lora_id"`
	LoRAName string `msgpack:"lora_name"`
	LoRAPath string `msgpack:"lora_path"`
}

type LoRAIDArgs struct {
	LoRAID int `msgpack:"lora_id"`
}

type SaveShardedStateArgs struct {
	Path    string `msgpack:"path"`
	Pattern string `msgpack:"pattern,omitempty"`
	MaxSize int64  `msgpack:"max_size,omitempty"`
}

// TensorizerConfig names where a serialized model goes.
type TensorizerConfig struct {
	TensorizerURI string `msgpack:"tensorizer_uri"`
}

type SaveTensorizedModelArgs struct {
	TensorizerConfig TensorizerConfig `msgpack:"tensorizer_config"`
}

type CollectiveRPCArgs struct {
	Method         string  `msgpack:"method"`
	Args           []any   `msgpack:"args,omitempty"`
	TimeoutSeconds float64 `msgpack:"timeout_seconds,omitempty"`
}

// Rank sentinels for ReconfigureDistributedRequest.
const (
	KeepCurrentRank     = -1
	ShutdownCurrentRank = -2
)

// ReconfigureDistributedRequest rescales the data-parallel group.
type ReconfigureDistributedRequest struct {
	NewDataParallelSize       int    `msgpack:"new_data_parallel_size"`
	NewDataParallelRank       int    `msgpack:"new_data_parallel_rank"`
	NewDataParallelRankLocal  int    `msgpack:"new_data_parallel_rank_local"`
	NewDataParallelMasterIP   string `msgpack:"new_data_parallel_master_ip"`
	NewDataParallelMasterPort int    `msgpack:"new_data_parallel_master_port"`
}
