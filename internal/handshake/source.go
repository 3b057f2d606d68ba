package handshake

import (
	"context"
	"fmt"

	"engined/internal/config"
	"engined/pkg/types"
)

// Source provides an engine's peer addresses and is told when the engine is
// initialized. Remote performs the network handshake; Static returns addresses
// known ahead of time.
type Source interface {
	// Acquire returns the addresses, applying any config delta onto pc.
	Acquire(ctx context.Context, pc *config.ParallelConfig) (types.EngineAddresses, error)
	// Ready reports local initialization. It is a no-op for Static.
	Ready(info ReadyInfo) error
	// Close releases sockets of an unfinished exchange.
	Close() error
}

// Remote performs a single handshake with Primary, or a dual handshake when
// Client is set: Primary is then the rank-0 peer that supplies coordinator
// addresses and the config delta, and Client the colocated front end that
// supplies this engine's input and output sockets.
type Remote struct {
	Primary Config
	Client  *Config

	primary *Session
	client  *Session
}

func (r *Remote) Acquire(ctx context.Context, pc *config.ParallelConfig) (types.EngineAddresses, error) {
	primaryCfg := r.Primary
	if r.Client != nil {
		primaryCfg.Local = false
	}
	s, err := Start(ctx, primaryCfg)
	if err != nil {
		return types.EngineAddresses{}, err
	}
	r.primary = s
	if pc != nil {
		if err := pc.ApplyOverrides(s.ConfigDelta()); err != nil {
			_ = r.Close()
			return types.EngineAddresses{}, err
		}
	}
	addrs := s.Addresses()
	if r.Client == nil {
		return addrs, nil
	}

	clientCfg := *r.Client
	clientCfg.Local = true
	cs, err := Start(ctx, clientCfg)
	if err != nil {
		_ = r.Close()
		return types.EngineAddresses{}, fmt.Errorf("client handshake: %w", err)
	}
	r.client = cs
	ca := cs.Addresses()
	addrs.Inputs = ca.Inputs
	addrs.Outputs = ca.Outputs
	addrs.FrontendStatsPublishAddress = ca.FrontendStatsPublishAddress
	return addrs, nil
}

// Ready sends READY to the colocated front end first, then to the primary peer.
func (r *Remote) Ready(info ReadyInfo) error {
	if r.client != nil {
		if err := r.client.Ready(info); err != nil {
			return err
		}
	}
	if r.primary != nil {
		return r.primary.Ready(info)
	}
	return nil
}

func (r *Remote) Close() error {
	for _, s := range []*Session{r.client, r.primary} {
		if s != nil && s.State() != StateReady {
			_ = s.Close()
		}
	}
	return nil
}

// Static serves addresses supplied out of band.
type Static struct {
	Addresses types.EngineAddresses
}

func (s Static) Acquire(context.Context, *config.ParallelConfig) (types.EngineAddresses, error) {
	a := s.Addresses
	a.Inputs = append([]string(nil), a.Inputs...)
	a.Outputs = append([]string(nil), a.Outputs...)
	return a, nil
}

func (Static) Ready(ReadyInfo) error { return nil }

func (Static) Close() error { return nil }
