// Package scheduler is a FIFO token-budget scheduler. It admits waiting
// requests in arrival order while the sequence, token and KV block budgets
// allow, prefills prompts in chunks and decodes one token per step.
package scheduler

import (
	"time"

	"github.com/rs/zerolog"

	"engined/internal/engine"
	"engined/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	DefaultMaxNumSeqs          = 256
	DefaultMaxNumBatchedTokens = 2048
	DefaultBlockSize           = 16
	DefaultMaxTokens           = 16
)

type Config struct {
	MaxNumSeqs          int
	MaxNumBatchedTokens int
	NumGPUBlocks        int
	// BlockSize is tokens per KV cache block.
	BlockSize int
	// DefaultMaxTokens applies to requests that do not set max_tokens.
	DefaultMaxTokens int
	Logger           zerolog.Logger
}

// Batch is the SchedulerOutput of this scheduler.
type Batch struct {
	Requests []*engine.Request
	// NumTokens is the number of tokens scheduled per request id.
	NumTokens map[string]int
	Total     int
	// Ignored holds requests finished at admission because they can never
	// fit in the KV cache.
	Ignored []*engine.Request
}

func (b *Batch) TotalScheduledTokens() int { return b.Total }

func (b *Batch) FinishesRequests() bool { return len(b.Ignored) > 0 }

// RunnerOutput is the ModelRunnerOutput executors return for a Batch.
type RunnerOutput struct {
	// SampledTokenIDs holds tokens for requests that finished prefill.
	SampledTokenIDs map[string][]int32
	PoolerOutput    map[string][]float32
	// Stopped marks requests the runner ended itself, e.g. on a stop string.
	Stopped map[string]bool
}

// PrefillDone reports whether the batch completes req's prompt, meaning the
// executor should sample (or pool) for it.
func (b *Batch) PrefillDone(req *engine.Request) bool {
	return req.NumComputedTokens+b.NumTokens[req.ID] >= len(req.PromptTokenIDs)
}

// Scheduler is driven by the engine loop goroutine only.
type Scheduler struct {
	cfg      Config
	log      zerolog.Logger
	waiting  []*engine.Request
	running  []*engine.Request
	requests map[string]*engine.Request
	blocks   map[string]int
	// inflight marks requests whose batch has not been folded yet.
	inflight map[string]bool
	used     int
}

// New returns a Scheduler with defaults applied.
func New(cfg Config) *Scheduler {
	if cfg.MaxNumSeqs <= 0 {
		cfg.MaxNumSeqs = DefaultMaxNumSeqs
	}
	if cfg.MaxNumBatchedTokens <= 0 {
		cfg.MaxNumBatchedTokens = DefaultMaxNumBatchedTokens
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = DefaultMaxTokens
	}
	return &Scheduler{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "scheduler").Logger(),
		requests: make(map[string]*engine.Request),
		blocks:   make(map[string]int),
		inflight: make(map[string]bool),
	}
}

// Factory adapts New to engine.SchedulerFactory; the KV cache size comes from
// the engine.
func Factory(cfg Config) engine.SchedulerFactory {
	return func(numGPUBlocks int) (engine.Scheduler, error) {
		c := cfg
		c.NumGPUBlocks = numGPUBlocks
		return New(c), nil
	}
}

func (s *Scheduler) AddRequest(req *engine.Request) {
	if req.MaxTokens <= 0 {
		req.MaxTokens = s.cfg.DefaultMaxTokens
	}
	s.requests[req.ID] = req
	s.waiting = append(s.waiting, req)
}

func (s *Scheduler) FinishRequests(ids []string, status engine.RequestStatus) {
	for _, id := range ids {
		req, ok := s.requests[id]
		if !ok {
			continue
		}
		req.Status = status
		s.free(req)
	}
}

func (s *Scheduler) free(req *engine.Request) {
	delete(s.requests, req.ID)
	s.used -= s.blocks[req.ID]
	delete(s.blocks, req.ID)
	s.waiting = remove(s.waiting, req)
	s.running = remove(s.running, req)
	kvCacheUsage.Set(s.usage())
}

func remove(list []*engine.Request, req *engine.Request) []*engine.Request {
	for i, r := range list {
		if r == req {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func (s *Scheduler) blocksFor(req *engine.Request) int {
	n := len(req.PromptTokenIDs) + req.MaxTokens
	return (n + s.cfg.BlockSize - 1) / s.cfg.BlockSize
}

// remaining is the number of tokens req needs in its next step.
func remaining(req *engine.Request) int {
	if left := len(req.PromptTokenIDs) - req.NumComputedTokens; left > 0 {
		return left
	}
	return 1
}

// Schedule builds the next batch: running requests first, then waiting ones
// in arrival order. A waiting request whose grammar is still compiling is
// skipped without blocking those behind it.
func (s *Scheduler) Schedule() engine.SchedulerOutput {
	b := &Batch{NumTokens: make(map[string]int)}
	budget := s.cfg.MaxNumBatchedTokens
	for _, req := range s.running {
		if budget == 0 {
			break
		}
		if s.inflight[req.ID] {
			continue
		}
		budget -= s.add(b, req, budget)
	}
	var still []*engine.Request
	for _, req := range s.waiting {
		need := s.blocksFor(req)
		if s.cfg.NumGPUBlocks > 0 && need > s.cfg.NumGPUBlocks {
			s.log.Warn().Str("request_id", req.ID).Int("blocks", need).Int("num_gpu_blocks", s.cfg.NumGPUBlocks).
				Msg("request exceeds KV cache capacity; ignoring")
			req.Status = engine.StatusFinishedIgnored
			delete(s.requests, req.ID)
			b.Ignored = append(b.Ignored, req)
			continue
		}
		if budget == 0 || len(s.running) >= s.cfg.MaxNumSeqs || !req.GrammarReady() {
			still = append(still, req)
			continue
		}
		if s.cfg.NumGPUBlocks > 0 && s.used+need > s.cfg.NumGPUBlocks {
			still = append(still, req)
			continue
		}
		s.used += need
		s.blocks[req.ID] = need
		req.Status = engine.StatusRunning
		s.running = append(s.running, req)
		budget -= s.add(b, req, budget)
	}
	s.waiting = still
	b.Total = s.cfg.MaxNumBatchedTokens - budget
	kvCacheUsage.Set(s.usage())
	return b
}

func (s *Scheduler) add(b *Batch, req *engine.Request, budget int) int {
	n := min(remaining(req), budget)
	b.Requests = append(b.Requests, req)
	b.NumTokens[req.ID] = n
	s.inflight[req.ID] = true
	return n
}

// UpdateFromOutput advances every scheduled request and returns new tokens
// grouped by client, along with finish outputs for ignored requests. Requests aborted while their batch was in flight are
// skipped.
func (s *Scheduler) UpdateFromOutput(so engine.SchedulerOutput, mro engine.ModelRunnerOutput) map[int]*types.EngineCoreOutputs {
	b := so.(*Batch)
	out, _ := mro.(*RunnerOutput)
	now := float64(time.Now().UnixNano()) / 1e9
	result := make(map[int]*types.EngineCoreOutputs)
	for _, req := range b.Ignored {
		eco := result[req.ClientIndex]
		if eco == nil {
			eco = &types.EngineCoreOutputs{Timestamp: now}
			result[req.ClientIndex] = eco
		}
		eco.Outputs = append(eco.Outputs, types.EngineCoreOutput{RequestID: req.ID, FinishReason: req.Status.FinishReason()})
		eco.FinishedRequests = append(eco.FinishedRequests, req.ID)
	}
	for _, req := range b.Requests {
		delete(s.inflight, req.ID)
		if _, live := s.requests[req.ID]; !live {
			continue
		}
		req.NumComputedTokens += b.NumTokens[req.ID]
		if req.NumComputedTokens < len(req.PromptTokenIDs) {
			continue
		}
		o := types.EngineCoreOutput{RequestID: req.ID}
		if out != nil {
			if pooled, ok := out.PoolerOutput[req.ID]; ok {
				o.PoolingOutput = pooled
				req.Status = engine.StatusFinishedStopped
			}
			o.NewTokenIDs = out.SampledTokenIDs[req.ID]
			if out.Stopped[req.ID] {
				req.Status = engine.StatusFinishedStopped
			}
		}
		req.OutputTokenIDs = append(req.OutputTokenIDs, o.NewTokenIDs...)
		if !req.Status.Finished() {
			s.checkStop(req, o.NewTokenIDs)
		}
		if req.Status.Finished() {
			o.FinishReason = req.Status.FinishReason()
			s.free(req)
		}
		if len(o.NewTokenIDs) == 0 && o.PoolingOutput == nil && o.FinishReason == types.FinishNone {
			continue
		}
		eco := result[req.ClientIndex]
		if eco == nil {
			eco = &types.EngineCoreOutputs{Timestamp: now}
			result[req.ClientIndex] = eco
		}
		eco.Outputs = append(eco.Outputs, o)
		if o.FinishReason != types.FinishNone {
			eco.FinishedRequests = append(eco.FinishedRequests, req.ID)
		}
	}
	return result
}

func (s *Scheduler) checkStop(req *engine.Request, sampled []int32) {
	if req.EOSTokenID != nil && !req.Sampling.IgnoreEOS {
		for _, t := range sampled {
			if t == *req.EOSTokenID {
				req.Status = engine.StatusFinishedStopped
				return
			}
		}
	}
	if len(req.OutputTokenIDs) >= req.MaxTokens {
		req.Status = engine.StatusFinishedLengthCapped
	}
}

func (s *Scheduler) HasRequests() bool { return len(s.requests) > 0 }

func (s *Scheduler) HasUnfinishedRequests() bool { return len(s.waiting)+len(s.running) > 0 }

func (s *Scheduler) GetRequestCounts() (running, waiting int) { return len(s.running), len(s.waiting) }

func (s *Scheduler) usage() float64 {
	if s.cfg.NumGPUBlocks <= 0 {
		return 0
	}
	return float64(s.used) / float64(s.cfg.NumGPUBlocks)
}

func (s *Scheduler) MakeStats() *types.SchedulerStats {
	return &types.SchedulerStats{
		NumRunningReqs: len(s.running),
		NumWaitingReqs: len(s.waiting),
		KVCacheUsage:   s.usage(),
	}
}

// HasKVConnector is false: there is no disaggregated KV transfer.
func (s *Scheduler) HasKVConnector() bool { return false }

// ResetPrefixCache succeeds trivially; blocks are never shared between requests.
func (s *Scheduler) ResetPrefixCache() bool { return true }

func (s *Scheduler) Shutdown() {
	s.log.Debug().Int("dropped", len(s.requests)).Msg("scheduler shutdown")
	s.waiting, s.running = nil, nil
	s.requests = make(map[string]*engine.Request)
	s.blocks = make(map[string]int)
	s.inflight = make(map[string]bool)
	s.used = 0
	kvCacheUsage.Set(0)
}
