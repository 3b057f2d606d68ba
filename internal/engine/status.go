package engine

import (
	"sync"
	"sync/atomic"

	"engined/pkg/types"
)

// Lifecycle states reported by Proc.Status.
const (
	StateStarting = "starting"
	StateReady    = "ready"
	StateRunning  = "running"
	StateIdle     = "idle"
	StateStopped  = "stopped"
	StateDead     = "dead"
)

// statusTracker is written by the compute goroutine and read by the admin
// server.
type statusTracker struct {
	state      atomic.Value
	steps      atomic.Uint64
	wave       atomic.Int64
	running    atomic.Bool
	numRunning atomic.Int64
	numWaiting atomic.Int64
	bqDepth    atomic.Int64
	bqCap      atomic.Int64
	dpSize     atomic.Int64
	dpRank     atomic.Int64

	mu  sync.Mutex
	err string
}

func newStatusTracker() *statusTracker {
	s := &statusTracker{}
	s.state.Store(StateStarting)
	s.bqCap.Store(1)
	s.dpSize.Store(1)
	return s
}

func (s *statusTracker) setState(state string) { s.state.Store(state) }

func (s *statusTracker) setError(err error) {
	s.mu.Lock()
	s.err = err.Error()
	s.mu.Unlock()
	s.setState(StateDead)
}

func (s *statusTracker) observe(p *Proc) {
	running, waiting := p.core.scheduler.GetRequestCounts()
	s.numRunning.Store(int64(running))
	s.numWaiting.Store(int64(waiting))
	depth, capacity := p.core.BatchQueueState()
	s.bqDepth.Store(int64(depth))
	s.bqCap.Store(int64(capacity))
	s.dpSize.Store(int64(p.cfg.Parallel.DataParallelSize))
	s.dpRank.Store(int64(p.cfg.Parallel.DataParallelRank))
	if p.dp != nil {
		s.wave.Store(int64(p.dp.CurrentWave()))
		s.running.Store(p.dp.EnginesRunning())
	}
}

// Status returns a snapshot safe to call from any goroutine.
func (p *Proc) Status() types.EngineStatus {
	s := p.status
	s.mu.Lock()
	errMsg := s.err
	s.mu.Unlock()
	st := types.EngineStatus{
		EngineIndex:        p.cfg.EngineIndex,
		State:              s.state.Load().(string),
		CurrentWave:        int(s.wave.Load()),
		EnginesRunning:     s.running.Load(),
		NumRunning:         int(s.numRunning.Load()),
		NumWaiting:         int(s.numWaiting.Load()),
		BatchQueueDepth:    int(s.bqDepth.Load()),
		BatchQueueCapacity: int(s.bqCap.Load()),
		DataParallelSize:   int(s.dpSize.Load()),
		DataParallelRank:   int(s.dpRank.Load()),
		ClientCount:        len(p.addrs.Outputs),
		Steps:              s.steps.Load(),
		Error:              errMsg,
	}
	if p.core != nil {
		st.NumGPUBlocks = p.core.NumGPUBlocks()
	}
	return st
}

// Ready reports whether the engine finished startup and has not stopped.
func (p *Proc) Ready() bool {
	switch p.status.state.Load().(string) {
	case StateReady, StateRunning, StateIdle:
		return true
	}
	return false
}
