package engine

// Event is a lifecycle event emitted by the engine loop: name + engine index
// and optional fields.
type Event struct {
	Name        string
	EngineIndex int
	Fields      map[string]any
}

// Event names.
const (
	EventReady          = "engine_ready"
	EventWaveStarted    = "wave_started"
	EventWaveComplete   = "wave_complete"
	EventStartWaveSent  = "start_wave_requested"
	EventCollectiveSync = "collective_check"
	EventStatsPublished = "stats_published"
	EventUtilityFailed  = "utility_failed"
	EventReinitialized  = "distributed_reinitialized"
	EventShutdown       = "engine_shutdown"
	EventDead           = "engine_dead"
)

// EventPublisher receives engine events. Implementations should be lightweight
// and non-blocking; Publish is called from the compute goroutine and must not
// panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
