package engine

import (
	"context"

	"github.com/rs/zerolog"

	"engined/pkg/types"
)

// DPGroup is the cross-replica collective used by the coordinator.
type DPGroup interface {
	// HasUnfinished all-reduces local with every replica's value (logical OR).
	HasUnfinished(ctx context.Context, local bool) (bool, error)
	// SyncKVCacheMemory all-reduces the KV memory budget (max). Replicas that
	// have no budget yet pass -1.
	SyncKVCacheMemory(ctx context.Context, local int64) (int64, error)
	Close() error
}

// DPCoordinatorConfig configures a DPCoordinator.
type DPCoordinatorConfig struct {
	EngineIndex    int
	Rank           int
	HasCoordinator bool
	// PublishStats sends request counts to the coordinator on change.
	PublishStats bool
	Group        DPGroup
	// Emit queues outputs for a client index (-1 is the coordinator).
	Emit func(client int, out *types.EngineCoreOutputs)
	// CheckInterval is how many loop iterations pass between collective checks.
	CheckInterval int
	Logger        zerolog.Logger
	Events        EventPublisher
}

// DPCoordinator owns the wave bookkeeping of one data-parallel replica. All
// methods are called from the compute goroutine.
type DPCoordinator struct {
	engineIndex    int
	rank           int
	hasCoordinator bool
	publishStats   bool
	group          DPGroup
	emit           func(int, *types.EngineCoreOutputs)
	checkInterval  int
	base           zerolog.Logger
	log            zerolog.Logger
	events         EventPublisher

	currentWave    int
	enginesRunning bool
	counter        int
	lastCounts     [2]int
	// lastStartWave dedupes start-wave notices for one wave.
	lastStartWave int
}

func NewDPCoordinator(cfg DPCoordinatorConfig) *DPCoordinator {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = collectiveCheckInterval
	}
	if cfg.Events == nil {
		cfg.Events = noopPublisher{}
	}
	if cfg.Emit == nil {
		cfg.Emit = func(int, *types.EngineCoreOutputs) {}
	}
	d := &DPCoordinator{
		engineIndex:    cfg.EngineIndex,
		rank:           cfg.Rank,
		hasCoordinator: cfg.HasCoordinator,
		publishStats:   cfg.PublishStats,
		group:          cfg.Group,
		emit:           cfg.Emit,
		checkInterval:  cfg.CheckInterval,
		base:           cfg.Logger.With().Str("component", "dp").Logger(),
		events:         cfg.Events,
		lastStartWave:  -1,
	}
	d.log = d.base.With().Int("dp_rank", cfg.Rank).Logger()
	currentWaveGauge.Set(0)
	return d
}

func (d *DPCoordinator) CurrentWave() int     { return d.currentWave }
func (d *DPCoordinator) EnginesRunning() bool { return d.enginesRunning }
func (d *DPCoordinator) Rank() int            { return d.rank }
func (d *DPCoordinator) Group() DPGroup       { return d.group }

func (d *DPCoordinator) setWave(w int) {
	if w < d.currentWave {
		return
	}
	d.currentWave = w
	currentWaveGauge.Set(float64(w))
}

// OnAddRequest is called before a request of the given wave is admitted. A
// newer wave moves this replica forward. While idle, the replica asks the front
// end to start its current wave, once per wave: after adopting a newer wave,
// or when the request belongs to an already completed one.
func (d *DPCoordinator) OnAddRequest(wave int) {
	if !d.hasCoordinator || wave == d.currentWave {
		return
	}
	if wave > d.currentWave {
		d.setWave(wave)
	}
	if d.enginesRunning || d.lastStartWave == d.currentWave {
		return
	}
	d.lastStartWave = d.currentWave
	d.emit(types.CoordinatorClient, &types.EngineCoreOutputs{StartWave: types.IntPtr(d.currentWave)})
	d.events.Publish(Event{Name: EventStartWaveSent, EngineIndex: d.engineIndex, Fields: map[string]any{"wave": d.currentWave}})
}

// OnStartWave handles START_DP_WAVE broadcast by the coordinator.
func (d *DPCoordinator) OnStartWave(sw types.StartWave) {
	if sw.ExcludeEngineIndex == d.engineIndex || sw.Wave < d.currentWave {
		return
	}
	d.setWave(sw.Wave)
	if !d.enginesRunning {
		d.log.Debug().Int("wave", sw.Wave).Msg("starting idle loop for wave")
		d.enginesRunning = true
		d.events.Publish(Event{Name: EventWaveStarted, EngineIndex: d.engineIndex, Fields: map[string]any{"wave": sw.Wave}})
	}
}

// MaybePublishRequestCounts sends the scheduler's counts to the coordinator
// when they changed since the last publication.
func (d *DPCoordinator) MaybePublishRequestCounts(running, waiting int) {
	if !d.publishStats {
		return
	}
	counts := [2]int{running, waiting}
	if counts == d.lastCounts {
		return
	}
	d.lastCounts = counts
	d.emit(types.CoordinatorClient, &types.EngineCoreOutputs{
		SchedulerStats: &types.SchedulerStats{NumRunningReqs: running, NumWaitingReqs: waiting, CurrentWave: d.currentWave},
	})
	statsPublished.Inc()
	d.events.Publish(Event{Name: EventStatsPublished, EngineIndex: d.engineIndex, Fields: map[string]any{"running": running, "waiting": waiting}})
}

// hasGlobalUnfinished runs the collective only every checkInterval calls and
// assumes peers are busy in between.
func (d *DPCoordinator) hasGlobalUnfinished(ctx context.Context, local bool) (bool, error) {
	d.counter++
	if d.counter != d.checkInterval {
		return true, nil
	}
	d.counter = 0
	collectiveChecks.Inc()
	d.events.Publish(Event{Name: EventCollectiveSync, EngineIndex: d.engineIndex, Fields: map[string]any{"local_unfinished": local}})
	if d.group == nil {
		return local, nil
	}
	return d.group.HasUnfinished(ctx, local)
}

// AfterStep runs the per-iteration wave logic once the engine stepped.
// dummy executes a no-op batch so collectives stay aligned across replicas.
func (d *DPCoordinator) AfterStep(ctx context.Context, executed, localUnfinished bool, dummy func(context.Context) error) error {
	if !executed {
		if !localUnfinished && !d.enginesRunning {
			return nil
		}
		if err := dummy(ctx); err != nil {
			return err
		}
	}
	running, err := d.hasGlobalUnfinished(ctx, localUnfinished)
	if err != nil {
		return err
	}
	d.enginesRunning = running
	if running {
		return nil
	}
	if d.rank == 0 || !d.hasCoordinator {
		d.log.Debug().Int("wave", d.currentWave).Msg("wave finished, pausing engine loop")
		client := 0
		if d.hasCoordinator {
			client = types.CoordinatorClient
		}
		d.emit(client, &types.EngineCoreOutputs{WaveComplete: types.IntPtr(d.currentWave)})
	}
	d.events.Publish(Event{Name: EventWaveComplete, EngineIndex: d.engineIndex, Fields: map[string]any{"wave": d.currentWave}})
	wavesCompleted.Inc()
	d.setWave(d.currentWave + 1)
	return nil
}

// closeGroup destroys the collective group.
func (d *DPCoordinator) closeGroup() {
	if d.group == nil {
		return
	}
	if err := d.group.Close(); err != nil {
		d.log.Warn().Err(err).Msg("closing dp group")
	}
	d.group = nil
}

func (d *DPCoordinator) setGroup(g DPGroup) { d.group = g }

func (d *DPCoordinator) setRank(rank int) {
	d.rank = rank
	d.log = d.base.With().Int("dp_rank", rank).Logger()
}
