package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"engined/internal/config"
	"engined/internal/handshake"
	"engined/internal/transport"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultInputQueueSize = 1024
	// defaultBlockSizeBytes sizes the KV cache from the profiled memory.
	defaultBlockSizeBytes = 2 << 20

	readyPollInterval       = 10 * time.Second
	deadNoticeTimeout       = 5 * time.Second
	outputLinger            = 4 * time.Second
	collectiveCheckInterval = 32
)

// GroupFactory creates the cross-replica collective group. It may update
// pc.DataParallelMasterPort with the port actually used.
type GroupFactory func(ctx context.Context, pc *config.ParallelConfig) (DPGroup, error)

// Config encapsulates the collaborators and tunables of an engine.
type Config struct {
	EngineIndex  int
	Parallel     config.ParallelConfig
	LocalClient  bool
	LogStats     bool
	ExecutorName string

	Executor         Executor
	NewScheduler     SchedulerFactory
	StructuredOutput StructuredOutputManager

	// BlockSizeBytes is the KV memory one cache block needs.
	BlockSizeBytes int64
	// NumGPUBlocksOverride skips sizing from profiled memory when > 0.
	NumGPUBlocksOverride int
	// KVMemorySource replaces memory profiling, e.g. with a budget synced
	// from running peers on elastic scale-up.
	KVMemorySource func(ctx context.Context) (int64, error)
	MMCacheEntries int
	// KVTransferEngineID is made unique per local replica when data parallel.
	KVTransferEngineID string

	// Proc only.
	Source         handshake.Source
	Opener         transport.Opener
	NewGroup       GroupFactory
	InputQueueSize int

	Logger zerolog.Logger
	Events EventPublisher
}

func (c Config) withDefaults() Config {
	if c.BlockSizeBytes <= 0 {
		c.BlockSizeBytes = defaultBlockSizeBytes
	}
	if c.InputQueueSize <= 0 {
		c.InputQueueSize = defaultInputQueueSize
	}
	if c.MMCacheEntries <= 0 {
		c.MMCacheEntries = defaultMMCacheEntries
	}
	if c.Events == nil {
		c.Events = noopPublisher{}
	}
	if c.Opener == nil {
		c.Opener = transport.ZMQ{}
	}
	if c.Parallel.DataParallelSize < 1 {
		c.Parallel.DataParallelSize = 1
	}
	return c
}
