package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"engined/internal/transport"
	"engined/internal/wire"
	"engined/pkg/types"
)

// DefaultTimeout bounds the wait for the peer's init message.
const DefaultTimeout = 5 * time.Minute

// State of a handshake exchange.
type State int

const (
	StateInit State = iota
	StateHelloSent
	StateAwaitInit
	StateReady
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHelloSent:
		return "HELLO_SENT"
	case StateAwaitInit:
		return "AWAIT_INIT"
	case StateReady:
		return "READY"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config describes one exchange.
type Config struct {
	// Address of the peer ROUTER socket.
	Address string
	// Identity is the engine's routing id, shared with its input sockets.
	Identity []byte
	Local    bool
	Headless bool
	// Timeout for the init message; zero means DefaultTimeout.
	Timeout time.Duration
	Opener  transport.Opener
	Logger  zerolog.Logger
}

// ReadyInfo is reported to the peer once local initialization finished.
type ReadyInfo struct {
	NumGPUBlocks   int
	DPStatsAddress string
}

// Session is an exchange that received its init message and awaits READY.
type Session struct {
	sock     transport.Socket
	state    State
	meta     types.HandshakeMetadata
	local    bool
	headless bool
	log      zerolog.Logger
}

// Start sends HELLO and waits for the init message. On timeout it returns
// ErrHandshakeTimeout and no session.
func Start(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Opener == nil {
		return nil, errors.New("handshake: nil opener")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log := cfg.Logger.With().Str("component", "handshake").Str("addr", cfg.Address).Logger()

	sock, err := cfg.Opener.Open(ctx, transport.Dealer, cfg.Address, transport.Options{
		Identity: cfg.Identity,
		Linger:   5 * time.Second,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open handshake socket: %w", err)
	}
	s := &Session{sock: sock, state: StateInit, local: cfg.Local, headless: cfg.Headless, log: log}

	hello, err := wire.Marshal(types.HandshakeMessage{
		Status:   types.HandshakeHello,
		Local:    cfg.Local,
		Headless: cfg.Headless,
	})
	if err != nil {
		_ = sock.Close()
		return nil, err
	}
	if _, err := sock.Send([][]byte{hello}); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("send HELLO: %w", err)
	}
	s.state = StateHelloSent
	log.Debug().Bool("local", cfg.Local).Bool("headless", cfg.Headless).Msg("sent HELLO")

	s.state = StateAwaitInit
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	frames, err := sock.Recv(waitCtx)
	if err != nil {
		_ = sock.Close()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w (%s at %s)", ErrHandshakeTimeout, timeout, cfg.Address)
		}
		return nil, fmt.Errorf("await init message: %w", err)
	}
	if err := wire.Decode(frames, &s.meta); err != nil {
		_ = sock.Close()
		return nil, &ProtocolError{State: StateAwaitInit, Detail: "decode init message: " + err.Error()}
	}
	log.Debug().Strs("inputs", s.meta.Addresses.Inputs).Strs("outputs", s.meta.Addresses.Outputs).Msg("received init message")
	return s, nil
}

func (s *Session) State() State { return s.state }

// Addresses returns the peer socket addresses from the init message.
func (s *Session) Addresses() types.EngineAddresses { return s.meta.Addresses }

// ConfigDelta returns the parallel config keys the peer wants overwritten.
func (s *Session) ConfigDelta() map[string]any { return s.meta.ParallelConfig }

// Ready reports local initialization to the peer and closes the socket,
// which lingers until READY is flushed.
func (s *Session) Ready(info ReadyInfo) error {
	if s.state == StateReady {
		return nil
	}
	msg := types.HandshakeMessage{
		Status:       types.HandshakeReady,
		Local:        s.local,
		Headless:     s.headless,
		NumGPUBlocks: types.IntPtr(info.NumGPUBlocks),
	}
	if info.DPStatsAddress != "" {
		addr := info.DPStatsAddress
		msg.DPStatsAddress = &addr
	}
	b, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := s.sock.Send([][]byte{b}); err != nil {
		return fmt.Errorf("send READY: %w", err)
	}
	s.state = StateReady
	s.log.Debug().Int("num_gpu_blocks", info.NumGPUBlocks).Msg("sent READY")
	return s.sock.Close()
}

// Close abandons the exchange without sending READY.
func (s *Session) Close() error { return s.sock.Close() }
