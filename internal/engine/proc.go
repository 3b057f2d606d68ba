package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"engined/internal/handshake"
	"engined/internal/queue"
	"engined/pkg/types"
)

// inputItem is a decoded control message handed to the compute goroutine.
type inputItem struct {
	typ     types.RequestType
	payload any
}

type addRequest struct {
	req  *Request
	wave int
}

// outputItem is queued for the output goroutine. dead marks the sentinel.
type outputItem struct {
	client  int
	outputs *types.EngineCoreOutputs
	dead    bool
}

// Proc runs a Core behind input and output sockets. A single type serves
// both single-replica and data-parallel engines: dp is nil for the former.
type Proc struct {
	cfg    Config
	core   *Core
	log    zerolog.Logger
	events EventPublisher
	source handshake.Source

	identity []byte
	addrs    types.EngineAddresses

	input  chan inputItem
	output *queue.Queue[outputItem]

	dp       *DPCoordinator
	newGroup GroupFactory
	stepFn   func(context.Context) (map[int]*types.EngineCoreOutputs, bool, error)
	stopped  bool

	ioCancel   context.CancelFunc
	inputDone  chan struct{}
	inputErr   error
	outputDone chan struct{}

	status       *statusTracker
	shutdownOnce sync.Once
}

// Identity returns the 2-byte little-endian routing id of an engine index.
func Identity(engineIndex int) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(engineIndex))
	return b
}

// NewProc performs the handshake, initializes the core and starts the IO
// goroutines. It returns once the input goroutine is ready and READY was sent.
func NewProc(ctx context.Context, cfg Config) (*Proc, error) {
	cfg = cfg.withDefaults()
	if cfg.Source == nil {
		return nil, errors.New("engine: nil address source")
	}
	p := &Proc{
		cfg:        cfg,
		log:        cfg.Logger.With().Str("component", "engine_proc").Int("engine_index", cfg.EngineIndex).Logger(),
		events:     cfg.Events,
		source:     cfg.Source,
		identity:   Identity(cfg.EngineIndex),
		input:      make(chan inputItem, cfg.InputQueueSize),
		output:     queue.New[outputItem](),
		newGroup:   cfg.NewGroup,
		inputDone:  make(chan struct{}),
		outputDone: make(chan struct{}),
		status:     newStatusTracker(),
	}
	p.status.setState(StateStarting)

	addrs, err := cfg.Source.Acquire(ctx, &p.cfg.Parallel)
	if err != nil {
		return nil, err
	}
	p.addrs = addrs
	hasCoordinator := addrs.CoordinatorOutput != ""
	p.log.Debug().
		Bool("has_coordinator", hasCoordinator).
		Str("stats_publish_address", addrs.FrontendStatsPublishAddress).
		Msg("handshake complete")

	if err := p.initDataParallel(ctx, hasCoordinator); err != nil {
		_ = p.source.Close()
		return nil, err
	}

	coreCfg := p.cfg
	if p.dp != nil && p.cfg.Parallel.ElasticScaleUpLaunch {
		group := p.dp.Group()
		coreCfg.KVMemorySource = func(ctx context.Context) (int64, error) {
			return group.SyncKVCacheMemory(ctx, -1)
		}
	}
	core, err := NewCore(ctx, coreCfg)
	if err != nil {
		p.closeGroup()
		_ = p.source.Close()
		return nil, err
	}
	p.core = core
	p.stepFn = core.StepFn()
	if p.dp != nil {
		RegisterTyped(core.Utilities(), "reinitialize_distributed", p.reinitializeDistributed)
	}
	if fn, ok := cfg.Executor.(FailureNotifier); ok {
		fn.RegisterFailureCallback(p.onExecutorFailed)
	}

	ioCtx, cancel := context.WithCancel(context.Background())
	p.ioCancel = cancel
	ready := make(chan struct{})
	go func() {
		defer close(p.inputDone)
		p.inputErr = p.runInput(ioCtx, addrs.Inputs, addrs.CoordinatorInput, ready)
		if p.inputErr != nil {
			p.log.Error().Err(p.inputErr).Msg("input goroutine exited")
		}
	}()
	go func() {
		defer close(p.outputDone)
		if err := p.runOutput(ioCtx, addrs.Outputs, addrs.CoordinatorOutput); err != nil {
			p.log.Error().Err(err).Msg("output goroutine exited")
		}
	}()

	if err := p.waitInputReady(ctx, ready); err != nil {
		p.Shutdown()
		_ = p.source.Close()
		return nil, err
	}
	if err := p.source.Ready(handshake.ReadyInfo{
		NumGPUBlocks:   core.NumGPUBlocks(),
		DPStatsAddress: addrs.FrontendStatsPublishAddress,
	}); err != nil {
		p.Shutdown()
		return nil, fmt.Errorf("send READY: %w", err)
	}
	p.status.observe(p)
	p.status.setState(StateReady)
	p.events.Publish(Event{Name: EventReady, EngineIndex: cfg.EngineIndex, Fields: map[string]any{"num_gpu_blocks": core.NumGPUBlocks()}})
	return p, nil
}

func (p *Proc) initDataParallel(ctx context.Context, hasCoordinator bool) error {
	pc := &p.cfg.Parallel
	if pc.DataParallelSize <= 1 && pc.DataParallelRank == 0 {
		return nil
	}
	if !(0 <= pc.DataParallelRankLocal && pc.DataParallelRankLocal <= pc.DataParallelRank && pc.DataParallelRank < pc.DataParallelSize) {
		return fmt.Errorf("invalid data parallel topology: local rank %d, rank %d, size %d",
			pc.DataParallelRankLocal, pc.DataParallelRank, pc.DataParallelSize)
	}
	if p.cfg.KVTransferEngineID != "" {
		p.cfg.KVTransferEngineID = fmt.Sprintf("%s_dp%d", p.cfg.KVTransferEngineID, pc.DataParallelRankLocal)
		p.log.Debug().Str("engine_id", p.cfg.KVTransferEngineID).Msg("setting kv transfer engine id")
	}
	var group DPGroup
	if p.newGroup != nil {
		g, err := p.newGroup(ctx, pc)
		if err != nil {
			return fmt.Errorf("init dp group: %w", err)
		}
		group = g
	}
	p.dp = NewDPCoordinator(DPCoordinatorConfig{
		EngineIndex:    p.cfg.EngineIndex,
		Rank:           pc.DataParallelRank,
		HasCoordinator: hasCoordinator,
		PublishStats:   hasCoordinator && !pc.DataParallelExternalLB,
		Group:          group,
		Emit:           p.emit,
		Logger:         p.cfg.Logger,
		Events:         p.events,
	})
	return nil
}

func (p *Proc) waitInputReady(ctx context.Context, ready <-chan struct{}) error {
	t := time.NewTicker(readyPollInterval)
	defer t.Stop()
	for {
		select {
		case <-ready:
			return nil
		case <-p.inputDone:
			if p.inputErr != nil {
				return fmt.Errorf("%w: %w", ErrInputDied, p.inputErr)
			}
			return ErrInputDied
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			p.log.Info().Msg("waiting for READY message from DP coordinator")
		}
	}
}

// emit queues outputs for a client.
func (p *Proc) emit(client int, out *types.EngineCoreOutputs) {
	p.output.Put(outputItem{client: client, outputs: out})
}

func (p *Proc) onExecutorFailed() {
	select {
	case p.input <- inputItem{typ: types.RequestTypeExecutorFailed}:
	case <-p.outputDone:
	}
}

// Core returns the wrapped engine core.
func (p *Proc) Core() *Core { return p.core }

// DP returns the data-parallel coordinator, or nil for a single replica.
func (p *Proc) DP() *DPCoordinator { return p.dp }

// Addresses returns the peer addresses obtained at startup.
func (p *Proc) Addresses() types.EngineAddresses { return p.addrs }

// Run drives the busy loop until ctx is cancelled, a fatal error occurs or
// the replica is told to shut down. Shutdown always runs before Run returns;
// a cancelled ctx is a clean exit.
func (p *Proc) Run(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			p.log.Error().Err(err).Msg("engine core encountered a fatal error")
			p.status.setError(err)
		}
		p.Shutdown()
	}()
	p.status.setState(StateRunning)
	for {
		if ctx.Err() != nil || p.stopped {
			return nil
		}
		if err := p.processInputQueue(ctx); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		}
		if p.stopped {
			return nil
		}
		executed, err := p.processEngineStep(ctx)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		}
		if p.dp != nil {
			running, waiting := p.core.scheduler.GetRequestCounts()
			p.dp.MaybePublishRequestCounts(running, waiting)
			localUnfinished := p.core.scheduler.HasUnfinishedRequests()
			if err := p.dp.AfterStep(ctx, executed, localUnfinished, p.core.ExecuteDummyBatch); err != nil {
				if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					return nil
				}
				return err
			}
		}
		p.status.observe(p)
	}
}

func (p *Proc) enginesRunning() bool { return p.dp != nil && p.dp.EnginesRunning() }

// processInputQueue blocks while there is nothing to do, then drains every
// pending message without blocking.
func (p *Proc) processInputQueue(ctx context.Context) error {
	waited := false
	for !p.enginesRunning() && !p.core.scheduler.HasRequests() {
		if len(p.input) == 0 {
			if !waited {
				p.log.Debug().Msg("waiting for work")
				p.status.setState(StateIdle)
			}
			waited = true
		}
		select {
		case item := <-p.input:
			if err := p.handleInput(ctx, item); err != nil {
				return err
			}
			if p.stopped {
				return nil
			}
		case <-p.inputDone:
			return fmt.Errorf("input goroutine exited: %v", p.inputErr)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if waited {
		p.log.Debug().Msg("loop active")
		p.status.setState(StateRunning)
	}
	for {
		select {
		case item := <-p.input:
			if err := p.handleInput(ctx, item); err != nil {
				return err
			}
			if p.stopped {
				return nil
			}
		default:
			return nil
		}
	}
}

func (p *Proc) processEngineStep(ctx context.Context) (bool, error) {
	outputs, executed, err := p.stepFn(ctx)
	if err != nil {
		return false, err
	}
	clients := make([]int, 0, len(outputs))
	for client := range outputs {
		clients = append(clients, client)
	}
	sort.Ints(clients)
	for _, client := range clients {
		p.emit(client, outputs[client])
	}
	p.status.steps.Add(1)
	return executed, nil
}

// handleInput dispatches one control message on the compute goroutine.
func (p *Proc) handleInput(ctx context.Context, item inputItem) error {
	switch item.typ {
	case types.RequestTypeAdd:
		add := item.payload.(addRequest)
		if p.dp != nil {
			p.dp.OnAddRequest(add.wave)
		}
		if err := p.core.AddRequest(add.req, add.wave); err != nil {
			p.log.Warn().Err(err).Str("request_id", add.req.ID).Msg("rejected request")
			if add.req.ID != "" {
				p.emit(add.req.ClientIndex, rejectedOutputs(add.req.ID))
			}
		}
	case types.RequestTypeAbort:
		p.core.AbortRequests(item.payload.([]string))
	case types.RequestTypeUtility:
		call := item.payload.(types.UtilityCall)
		p.emit(call.ClientIndex, p.core.HandleUtility(ctx, call))
	case types.RequestTypeStartDPWave:
		sw := item.payload.(types.StartWave)
		if p.dp == nil {
			p.log.Warn().Int("wave", sw.Wave).Msg("ignoring START_DP_WAVE on a single replica engine")
			return nil
		}
		p.dp.OnStartWave(sw)
	case types.RequestTypeExecutorFailed:
		return fmt.Errorf("%w: executor reported a failure", ErrExecutorFailed)
	default:
		p.log.Error().Stringer("type", item.typ).Msg("unrecognized input request type encountered")
	}
	return nil
}

// rejectedOutputs finishes a request that failed admission.
func rejectedOutputs(id string) *types.EngineCoreOutputs {
	return &types.EngineCoreOutputs{
		Outputs:          []types.EngineCoreOutput{{RequestID: id, FinishReason: types.FinishAbort}},
		FinishedRequests: []string{id},
	}
}

// sendEngineDead queues the dead sentinel and waits for the output goroutine
// to flush it.
func (p *Proc) sendEngineDead() {
	p.output.Put(outputItem{dead: true})
	select {
	case <-p.outputDone:
	case <-time.After(deadNoticeTimeout):
		p.log.Error().Msg("engine shutdown signal failed to send")
	}
	p.events.Publish(Event{Name: EventDead, EngineIndex: p.cfg.EngineIndex})
}

func (p *Proc) closeGroup() {
	if p.dp != nil {
		p.dp.closeGroup()
	}
}

// Shutdown notifies clients, releases the core in order, destroys the DP
// group and stops the IO goroutines. It is idempotent.
func (p *Proc) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.sendEngineDead()
		if p.core != nil {
			p.core.Shutdown()
		}
		p.closeGroup()
		if p.ioCancel != nil {
			p.ioCancel()
		}
		p.output.Close()
		<-p.inputDone
		if p.status.state.Load().(string) != StateDead {
			p.status.setState(StateStopped)
		}
		p.events.Publish(Event{Name: EventShutdown, EngineIndex: p.cfg.EngineIndex})
	})
}
