// Package actor runs an engine whose peer addresses are assigned out of band
// by a cluster launcher instead of through the handshake. Each actor owns one
// data-parallel replica and restricts device visibility to its local slice.
package actor

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"engined/internal/engine"
	"engined/internal/handshake"
	"engined/pkg/types"
)

// Config configures an Actor.
type Config struct {
	Engine    engine.Config
	Addresses types.EngineAddresses
	DPRank    int
	LocalRank int
	// DeviceEnvVar defaults to DefaultDeviceEnvVar.
	DeviceEnvVar string
	// NewExecutor, when set, builds Engine.Executor once device visibility
	// is restricted.
	NewExecutor func() (engine.Executor, error)
}

// Actor is a data-parallel engine replica launched with known addresses.
type Actor struct {
	proc    *engine.Proc
	devices string
	log     zerolog.Logger
}

// New restricts device visibility, then initializes the engine. It returns
// once the engine is ready to serve.
func New(ctx context.Context, cfg Config) (*Actor, error) {
	envVar := cfg.DeviceEnvVar
	if envVar == "" {
		envVar = DefaultDeviceEnvVar
	}
	ec := cfg.Engine
	ec.Parallel.DataParallelRank = cfg.DPRank
	ec.Parallel.DataParallelRankLocal = cfg.LocalRank
	log := ec.Logger.With().Str("component", "actor").Int("dp_rank", cfg.DPRank).Int("local_rank", cfg.LocalRank).Logger()

	base, set := os.LookupEnv(envVar)
	devices, err := VisibleDevices(envVar, base, set, cfg.LocalRank, ec.Parallel.WorldSize())
	if err != nil {
		return nil, err
	}
	if err := os.Setenv(envVar, devices); err != nil {
		return nil, fmt.Errorf("set %s: %w", envVar, err)
	}
	log.Info().Str(envVar, devices).Msg("restricted device visibility")

	if cfg.NewExecutor != nil {
		ex, err := cfg.NewExecutor()
		if err != nil {
			return nil, fmt.Errorf("create executor: %w", err)
		}
		ec.Executor = ex
	}

	ec.Source = handshake.Static{Addresses: cfg.Addresses}
	proc, err := engine.NewProc(ctx, ec)
	if err != nil {
		return nil, err
	}
	return &Actor{proc: proc, devices: devices, log: log}, nil
}

// WaitForInit returns immediately: New completes initialization, and the
// launcher already knows the addresses, so there is no READY exchange.
func (a *Actor) WaitForInit() {}

// Devices returns the device list the engine was started with.
func (a *Actor) Devices() string { return a.devices }

// Proc exposes the engine for status reporting.
func (a *Actor) Proc() *engine.Proc { return a.proc }

// Run drives the engine until ctx is done or a fatal error occurs. The engine
// is always shut down before Run returns.
func (a *Actor) Run(ctx context.Context) error {
	defer a.log.Debug().Msg("engine core exiting")
	return a.proc.Run(ctx)
}
