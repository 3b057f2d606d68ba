package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"engined/internal/observability"
	"engined/pkg/types"
)

// reinitializeDistributed rescales the data-parallel group in place. The
// local rank fixes device visibility and cannot change.
func (p *Proc) reinitializeDistributed(ctx context.Context, req types.ReconfigureDistributedRequest) (any, error) {
	if req.NewDataParallelRankLocal != types.KeepCurrentRank {
		return nil, fmt.Errorf("%w: got %d", ErrLocalRankChange, req.NewDataParallelRankLocal)
	}
	if p.dp == nil {
		return nil, ErrNotDataParallel
	}
	ctx, span := observability.StartSpan(ctx, "engine.reinitialize_distributed",
		attribute.Int("dp.new_size", req.NewDataParallelSize),
		attribute.Int("dp.new_rank", req.NewDataParallelRank))
	defer span.End()

	p.closeGroup()

	pc := &p.cfg.Parallel
	oldSize := pc.DataParallelSize
	pc.DataParallelSize = req.NewDataParallelSize
	if req.NewDataParallelRank != types.KeepCurrentRank && req.NewDataParallelRank != types.ShutdownCurrentRank {
		pc.DataParallelRank = req.NewDataParallelRank
	}
	pc.DataParallelMasterIP = req.NewDataParallelMasterIP
	pc.DataParallelMasterPort = req.NewDataParallelMasterPort

	p.dp.setRank(pc.DataParallelRank)

	shutdown := req.NewDataParallelRank == types.ShutdownCurrentRank
	if !shutdown && p.newGroup != nil {
		g, err := p.newGroup(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("recreate dp group: %w", err)
		}
		p.dp.setGroup(g)
	}
	// The group may have bound a different port.
	req.NewDataParallelMasterPort = pc.DataParallelMasterPort

	if r, ok := p.cfg.Executor.(DistributedReinitializer); ok {
		if err := r.ReinitializeDistributed(ctx, req); err != nil {
			return nil, fmt.Errorf("executor reinitialize: %w", err)
		}
	}

	if req.NewDataParallelSize > oldSize && !shutdown {
		if g := p.dp.Group(); g != nil {
			if _, err := g.SyncKVCacheMemory(ctx, p.core.availableKVMemory); err != nil {
				return nil, fmt.Errorf("sync kv cache memory: %w", err)
			}
		}
		if _, err := p.cfg.Executor.CollectiveRPC(ctx, "compile_or_warm_up_model"); err != nil {
			return nil, fmt.Errorf("warm up model: %w", err)
		}
	}

	if shutdown {
		p.log.Info().Int("dp_rank", pc.DataParallelRank).Msg("dp engine shutting down after reconfiguration")
		p.stopped = true
	} else {
		p.log.Info().
			Int("dp_rank", pc.DataParallelRank).
			Int("dp_size", pc.DataParallelSize).
			Msg("dp engine reinitialized")
	}
	p.events.Publish(Event{Name: EventReinitialized, EngineIndex: p.cfg.EngineIndex, Fields: map[string]any{
		"size":     pc.DataParallelSize,
		"rank":     pc.DataParallelRank,
		"shutdown": shutdown,
	}})
	return nil, nil
}
