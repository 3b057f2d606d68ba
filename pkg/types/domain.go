package types

// Model is a weights file the llama executor can load.
type Model struct {
	// Stable identifier (the file name).
	// example: tinyllama-q4.gguf
	ID string `json:"id" example:"tinyllama-q4.gguf"`
	// Absolute path to the weights file.
	// example: /home/user/models/tinyllama-q4.gguf
	Path string `json:"path" example:"/home/user/models/tinyllama-q4.gguf"`
	// Size of the file in bytes, used as a memory estimate.
	// example: 668788096
	SizeBytes int64 `json:"size_bytes" example:"668788096"`
}
