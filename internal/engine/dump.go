package engine

import (
	"github.com/rs/zerolog"
)

// dumpEngineException logs the failing batch and scheduler statistics. It
// never fails: panics while formatting are recovered and logged.
func dumpEngineException(log zerolog.Logger, cfg Config, so SchedulerOutput, s Scheduler, cause error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("failed to dump engine state after execution error")
		}
	}()
	ev := log.Error().
		Err(cause).
		Int("engine_index", cfg.EngineIndex).
		Int("dp_rank", cfg.Parallel.DataParallelRank).
		Int("dp_size", cfg.Parallel.DataParallelSize).
		Str("executor", cfg.ExecutorName)
	if so != nil {
		ev = ev.Int("total_scheduled_tokens", so.TotalScheduledTokens()).Interface("scheduler_output", so)
	}
	if s != nil {
		if st := s.MakeStats(); st != nil {
			ev = ev.Interface("scheduler_stats", st)
		}
	}
	ev.Msg("dumping input data for failed execution")
}
