package main

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"engined/internal/collective"
	"engined/internal/config"
	"engined/internal/engine"
	"engined/internal/registry"
	"engined/internal/scheduler"
	"engined/internal/transport"
	"engined/pkg/types"
)

// engineConfig maps the file configuration onto the engine's collaborators.
// Source is left to the caller.
func engineConfig(cfg config.Config, ex engine.Executor, opener transport.Opener, log zerolog.Logger) engine.Config {
	return engine.Config{
		EngineIndex:  cfg.Engine.EngineIndex,
		Parallel:     cfg.Parallel,
		LocalClient:  cfg.Engine.LocalClient,
		LogStats:     cfg.Engine.LogStats,
		ExecutorName: cfg.Engine.ExecutorBackend,
		Executor:     ex,
		NewScheduler: scheduler.Factory(scheduler.Config{
			MaxNumSeqs:          cfg.Scheduler.MaxNumSeqs,
			MaxNumBatchedTokens: cfg.Scheduler.MaxNumBatchedTokens,
			BlockSize:           cfg.Cache.BlockSize,
			DefaultMaxTokens:    cfg.Engine.MaxTokens,
			Logger:              log,
		}),
		NumGPUBlocksOverride: cfg.Cache.NumGPUBlocks,
		KVTransferEngineID:   cfg.Engine.KVTransferEngineID,
		Opener:               opener,
		NewGroup:             collective.Factory(opener, log),
		InputQueueSize:       cfg.Engine.InputQueueSize,
		Logger:               log,
		Events:               logPublisher{log: log.With().Str("component", "events").Logger()},
	}
}

// logPublisher writes engine events to the log.
type logPublisher struct{ log zerolog.Logger }

func (p logPublisher) Publish(e engine.Event) {
	ev := p.log.Debug()
	switch e.Name {
	case engine.EventReady, engine.EventShutdown, engine.EventReinitialized:
		ev = p.log.Info()
	case engine.EventDead, engine.EventUtilityFailed:
		ev = p.log.Warn()
	}
	ev.Int("engine_index", e.EngineIndex).Fields(e.Fields).Msg(e.Name)
}

// adminService backs the admin server. The engine is attached once the
// handshake completes; until then it reports "starting".
type adminService struct {
	proc      atomic.Pointer[engine.Proc]
	modelsDir string
}

func (s *adminService) attach(p *engine.Proc) { s.proc.Store(p) }

func (s *adminService) Status() types.EngineStatus {
	if p := s.proc.Load(); p != nil {
		return p.Status()
	}
	return types.EngineStatus{State: engine.StateStarting}
}

func (s *adminService) Ready() bool {
	p := s.proc.Load()
	return p != nil && p.Ready()
}

func (s *adminService) ListModels() ([]types.Model, error) {
	if s.modelsDir == "" {
		return nil, statusError{code: http.StatusNotFound, msg: "no model directory configured"}
	}
	return registry.Scan(s.modelsDir)
}

// statusError carries an HTTP status for the admin server.
type statusError struct {
	code int
	msg  string
}

func (e statusError) Error() string   { return e.msg }
func (e statusError) StatusCode() int { return e.code }

// envStr returns the environment value of key or def.
func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt returns the integer environment value of key, or def when unset or
// malformed.
func envInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return def
}

// flagSet reports whether the user gave a flag explicitly or through its
// ENGINED_* variable.
func flagSet(cmd *cobra.Command, name string) bool {
	if cmd.Flags().Changed(name) {
		return true
	}
	return os.Getenv(envName(name)) != ""
}

func envName(flag string) string {
	return "ENGINED_" + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// splitCSV splits a comma-separated list, dropping blanks.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
