// Package client is a minimal front end for engine cores. It binds the
// handshake, input and output sockets, answers engine HELLOs with the socket
// addresses, and then submits requests and utility calls to the registered
// engines.
package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"engined/internal/handshake"
	"engined/internal/transport"
	"engined/internal/wire"
	"engined/pkg/types"
)

// ErrEngineDead is returned once an engine announced its death on the output
// socket.
var ErrEngineDead = errors.New("client: engine core died")

// UtilityError is the failure message of a utility call.
type UtilityError struct {
	Method  string
	Message string
}

func (e *UtilityError) Error() string {
	return fmt.Sprintf("utility %s failed: %s", e.Method, e.Message)
}

// IsUtilityError reports whether err is a failed utility call.
func IsUtilityError(err error) bool {
	var ue *UtilityError
	return errors.As(err, &ue)
}

// Config describes the sockets the front end binds.
type Config struct {
	HandshakeAddress string
	InputAddress     string
	OutputAddress    string
	// StatsAddress is handed to engines as the front-end stats publish address.
	StatsAddress string
	// NumEngines to wait for; zero means one.
	NumEngines int
	// ParallelConfig is sent to every engine as a config delta.
	ParallelConfig map[string]any
	// Timeout bounds the handshake; zero means handshake.DefaultTimeout.
	Timeout time.Duration
	Opener  transport.Opener
	Logger  zerolog.Logger
}

// Engine is a registered engine core.
type Engine struct {
	Index        int
	Identity     []byte
	Local        bool
	Headless     bool
	NumGPUBlocks int
}

// Client talks to one or more engine cores. It is not safe for concurrent use.
type Client struct {
	log     zerolog.Logger
	peer    *handshake.Peer
	in      transport.Socket
	out     transport.Socket
	engines []Engine

	// backlog holds outputs received while waiting for something else.
	backlog []types.EngineCoreOutputs
}

// Start binds the sockets and blocks until cfg.NumEngines engines completed
// the handshake and registered on the input socket.
func Start(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Opener == nil {
		return nil, errors.New("client: nil opener")
	}
	if cfg.NumEngines <= 0 {
		cfg.NumEngines = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = handshake.DefaultTimeout
	}
	c := &Client{log: cfg.Logger.With().Str("component", "client").Logger()}

	var err error
	if c.in, err = cfg.Opener.Open(ctx, transport.Router, cfg.InputAddress, transport.Options{Bind: true, Logger: cfg.Logger}); err != nil {
		return nil, fmt.Errorf("bind input: %w", err)
	}
	if c.out, err = cfg.Opener.Open(ctx, transport.Pull, cfg.OutputAddress, transport.Options{Bind: true, Logger: cfg.Logger}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("bind output: %w", err)
	}
	if c.peer, err = handshake.Listen(ctx, cfg.Opener, cfg.HandshakeAddress); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("bind handshake: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := c.handshake(hctx, cfg); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake(ctx context.Context, cfg Config) error {
	meta := types.HandshakeMetadata{
		Addresses: types.EngineAddresses{
			Inputs:                      []string{cfg.InputAddress},
			Outputs:                     []string{cfg.OutputAddress},
			FrontendStatsPublishAddress: cfg.StatsAddress,
		},
		ParallelConfig: cfg.ParallelConfig,
	}
	hello := make(map[string]types.HandshakeMessage, cfg.NumEngines)
	for len(c.engines) < cfg.NumEngines {
		id, msg, err := c.peer.Recv(ctx)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		switch msg.Status {
		case types.HandshakeHello:
			hello[string(id)] = msg
			if err := c.peer.SendInit(id, meta); err != nil {
				return fmt.Errorf("send init: %w", err)
			}
			c.log.Debug().Hex("identity", id).Bool("local", msg.Local).Msg("engine said HELLO")
		case types.HandshakeReady:
			h, ok := hello[string(id)]
			if !ok {
				return fmt.Errorf("handshake: READY from %x before HELLO", id)
			}
			e := Engine{Index: indexOf(id), Identity: id, Local: h.Local, Headless: h.Headless}
			if msg.NumGPUBlocks != nil {
				e.NumGPUBlocks = *msg.NumGPUBlocks
			}
			c.engines = append(c.engines, e)
			c.log.Info().Int("engine_index", e.Index).Int("num_gpu_blocks", e.NumGPUBlocks).Msg("engine ready")
		default:
			return fmt.Errorf("handshake: unexpected status %s", msg.Status)
		}
	}

	// Each engine registers its identity on the input socket before READY.
	registered := 0
	for registered < len(c.engines) {
		frames, err := c.in.Recv(ctx)
		if err != nil {
			return fmt.Errorf("await registration: %w", err)
		}
		if len(frames) != 2 || len(frames[1]) != 0 {
			return fmt.Errorf("unexpected message of %d frames before registration", len(frames))
		}
		if c.engine(indexOf(frames[0])) == nil {
			return fmt.Errorf("registration from unknown engine %x", frames[0])
		}
		registered++
	}
	return nil
}

// indexOf decodes a 2-byte little-endian engine identity.
func indexOf(id []byte) int {
	if len(id) != 2 {
		return -1
	}
	return int(binary.LittleEndian.Uint16(id))
}

func (c *Client) engine(index int) *Engine {
	for i := range c.engines {
		if c.engines[i].Index == index {
			return &c.engines[i]
		}
	}
	return nil
}

// Engines returns the registered engines in READY order.
func (c *Client) Engines() []Engine { return append([]Engine(nil), c.engines...) }

func (c *Client) send(engineIndex int, typ types.RequestType, v any) error {
	e := c.engine(engineIndex)
	if e == nil {
		return fmt.Errorf("client: no engine %d", engineIndex)
	}
	b, err := wire.Marshal(v)
	if err != nil {
		return err
	}
	_, err = c.in.Send([][]byte{e.Identity, typ.Frame(), b})
	return err
}

// Add submits req to an engine and returns its request id, generating one
// when req.RequestID is empty.
func (c *Client) Add(engineIndex int, req types.EngineCoreRequest) (string, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.ArrivalTime == 0 {
		req.ArrivalTime = float64(time.Now().UnixNano()) / 1e9
	}
	if err := c.send(engineIndex, types.RequestTypeAdd, req); err != nil {
		return "", fmt.Errorf("add %s: %w", req.RequestID, err)
	}
	return req.RequestID, nil
}

// Abort cancels requests on an engine.
func (c *Client) Abort(engineIndex int, ids ...string) error {
	return c.send(engineIndex, types.RequestTypeAbort, ids)
}

// Call invokes a utility method and waits for its result. args is encoded as
// the method's argument struct; nil sends no arguments.
func (c *Client) Call(ctx context.Context, engineIndex int, method string, args any) (any, error) {
	call := types.UtilityCall{CallID: callID(), Method: method}
	if args != nil {
		raw, err := wire.Marshal(args)
		if err != nil {
			return nil, err
		}
		call.Args = msgpack.RawMessage(raw)
	}
	if err := c.send(engineIndex, types.RequestTypeUtility, call); err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	for {
		outs, err := c.recv(ctx)
		if err != nil {
			return nil, err
		}
		u := outs.UtilityOutput
		if u == nil || u.CallID != call.CallID {
			c.backlog = append(c.backlog, outs)
			continue
		}
		if u.FailureMessage != "" {
			return nil, &UtilityError{Method: method, Message: u.FailureMessage}
		}
		return u.Result, nil
	}
}

// callID derives a positive call id from a random UUID.
func callID() int64 {
	id := uuid.New()
	return int64(binary.BigEndian.Uint64(id[:8]) &^ (1 << 63))
}

// Next returns the next outputs message, backlog first.
func (c *Client) Next(ctx context.Context) (types.EngineCoreOutputs, error) {
	if len(c.backlog) > 0 {
		outs := c.backlog[0]
		c.backlog = c.backlog[1:]
		return outs, nil
	}
	return c.recv(ctx)
}

func (c *Client) recv(ctx context.Context) (types.EngineCoreOutputs, error) {
	var outs types.EngineCoreOutputs
	frames, err := c.out.Recv(ctx)
	if err != nil {
		return outs, err
	}
	if len(frames) == 1 && bytes.Equal(frames[0], types.EngineCoreDead) {
		return outs, ErrEngineDead
	}
	if err := wire.Decode(frames, &outs); err != nil {
		return outs, fmt.Errorf("decode outputs: %w", err)
	}
	return outs, nil
}

// Generate submits req and calls fn with each of its outputs until it
// finishes. Outputs for other requests are kept for Next.
func (c *Client) Generate(ctx context.Context, engineIndex int, req types.EngineCoreRequest, fn func(types.EngineCoreOutput)) (types.FinishReason, error) {
	id, err := c.Add(engineIndex, req)
	if err != nil {
		return types.FinishNone, err
	}
	for {
		outs, err := c.recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = c.Abort(engineIndex, id)
			}
			return types.FinishNone, err
		}
		var (
			others []types.EngineCoreOutput
			finish types.FinishReason
		)
		for _, o := range outs.Outputs {
			if o.RequestID != id {
				others = append(others, o)
				continue
			}
			if fn != nil {
				fn(o)
			}
			if o.Finished() {
				finish = o.FinishReason
			}
		}
		if len(others) > 0 || outs.UtilityOutput != nil || outs.WaveComplete != nil || outs.StartWave != nil {
			outs.Outputs = others
			c.backlog = append(c.backlog, outs)
		}
		if finish != types.FinishNone {
			return finish, nil
		}
	}
}

// Close releases the sockets.
func (c *Client) Close() error {
	var errs []error
	for _, s := range []transport.Socket{c.in, c.out} {
		if s != nil {
			errs = append(errs, s.Close())
		}
	}
	if c.peer != nil {
		errs = append(errs, c.peer.Close())
	}
	return errors.Join(errs...)
}
