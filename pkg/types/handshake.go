package types

// HandshakeStatus is the status field of a handshake message.
type HandshakeStatus string

const (
	HandshakeHello HandshakeStatus = "HELLO"
	HandshakeReady HandshakeStatus = "READY"
)

// HandshakeMessage is sent by an engine to register (HELLO) and to report
// that initialization finished (READY).
type HandshakeMessage struct {
	Status   HandshakeStatus `msgpack:"status"`
	Local    bool            `msgpack:"local"`
	Headless bool            `msgpack:"headless"`
	// Set on READY only.
	NumGPUBlocks   *int    `msgpack:"num_gpu_blocks,omitempty"`
	DPStatsAddress *string `msgpack:"dp_stats_address,omitempty"`
}

// EngineAddresses lists the sockets an engine connects to. Empty strings mean absent.
type EngineAddresses struct {
	Inputs                      []string `msgpack:"inputs"`
	Outputs                     []string `msgpack:"outputs"`
	CoordinatorInput            string   `msgpack:"coordinator_input,omitempty"`
	CoordinatorOutput           string   `msgpack:"coordinator_output,omitempty"`
	FrontendStatsPublishAddress string   `msgpack:"frontend_stats_publish_address,omitempty"`
}

// HandshakeMetadata is the init message a front end sends after HELLO.
type HandshakeMetadata struct {
	Addresses EngineAddresses `msgpack:"addresses"`
	// Parallel config keys the engine must overwrite locally.
	ParallelConfig map[string]any `msgpack:"parallel_config,omitempty"`
}
