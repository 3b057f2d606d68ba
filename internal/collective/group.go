package collective

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"engined/internal/config"
	"engined/internal/engine"
	"engined/internal/transport"
	"engined/internal/wire"
)

// DefaultJoinTimeout bounds how long New waits for the whole group.
const DefaultJoinTimeout = 2 * time.Minute

// ErrSequence means a peer is out of step with the collective sequence.
var ErrSequence = errors.New("collective: peer out of sequence")

type op string

const (
	opJoin op = "join"
	opOr   op = "or"
	opMax  op = "max"
)

type message struct {
	Seq   uint64 `msgpack:"seq"`
	Op    op     `msgpack:"op"`
	Rank  int    `msgpack:"rank"`
	Value int64  `msgpack:"value"`
}

// Config describes one member of a group.
type Config struct {
	Rank int
	Size int
	// Address is the rank-0 endpoint, e.g. tcp://10.0.0.1:29550.
	Address     string
	Opener      transport.Opener
	JoinTimeout time.Duration
	Logger      zerolog.Logger
}

// Group all-reduces small integers across ranks. Rank 0 binds a ROUTER and
// every other rank connects a DEALER. Every rank must issue the same sequence
// of collectives.
type Group struct {
	rank int
	size int
	sock transport.Socket
	seq  uint64
	log  zerolog.Logger
}

// New joins the group. It returns once every rank has joined.
func New(ctx context.Context, cfg Config) (*Group, error) {
	if cfg.Size < 1 || cfg.Rank < 0 || cfg.Rank >= cfg.Size {
		return nil, fmt.Errorf("collective: invalid rank %d for size %d", cfg.Rank, cfg.Size)
	}
	if cfg.Opener == nil {
		cfg.Opener = transport.ZMQ{}
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	g := &Group{
		rank: cfg.Rank,
		size: cfg.Size,
		log:  cfg.Logger.With().Str("component", "collective").Int("rank", cfg.Rank).Int("size", cfg.Size).Logger(),
	}
	if cfg.Size == 1 {
		return g, nil
	}
	kind, opts := transport.Dealer, transport.Options{Identity: rankID(cfg.Rank), Logger: cfg.Logger}
	if cfg.Rank == 0 {
		kind, opts = transport.Router, transport.Options{Bind: true, Logger: cfg.Logger}
	}
	sock, err := cfg.Opener.Open(ctx, kind, cfg.Address, opts)
	if err != nil {
		return nil, err
	}
	g.sock = sock
	jctx, cancel := context.WithTimeout(ctx, cfg.JoinTimeout)
	defer cancel()
	if _, err := g.allReduce(jctx, opJoin, 0); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("collective: join %s: %w", cfg.Address, err)
	}
	g.log.Debug().Str("addr", cfg.Address).Msg("joined group")
	return g, nil
}

// Factory returns an engine.GroupFactory that joins a Group at the
// configured master address.
func Factory(opener transport.Opener, log zerolog.Logger) engine.GroupFactory {
	return func(ctx context.Context, pc *config.ParallelConfig) (engine.DPGroup, error) {
		addr := "tcp://" + net.JoinHostPort(pc.DataParallelMasterIP, strconv.Itoa(pc.DataParallelMasterPort))
		return New(ctx, Config{
			Rank:    pc.DataParallelRank,
			Size:    pc.DataParallelSize,
			Address: addr,
			Opener:  opener,
			Logger:  log,
		})
	}
}

func rankID(rank int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(rank))
	return b
}

func (g *Group) Rank() int { return g.rank }
func (g *Group) Size() int { return g.size }

// HasUnfinished reports whether any rank has unfinished requests.
func (g *Group) HasUnfinished(ctx context.Context, local bool) (bool, error) {
	var v int64
	if local {
		v = 1
	}
	out, err := g.allReduce(ctx, opOr, v)
	return out != 0, err
}

// SyncKVCacheMemory returns the largest KV memory budget across ranks.
func (g *Group) SyncKVCacheMemory(ctx context.Context, local int64) (int64, error) {
	return g.allReduce(ctx, opMax, local)
}

func (g *Group) Close() error {
	if g.sock == nil {
		return nil
	}
	return g.sock.Close()
}

func combine(o op, a, b int64) int64 {
	switch o {
	case opOr:
		if a != 0 || b != 0 {
			return 1
		}
		return 0
	default:
		return max(a, b)
	}
}

func (g *Group) allReduce(ctx context.Context, o op, v int64) (int64, error) {
	if g.size == 1 {
		return v, nil
	}
	start := time.Now()
	defer func() { allReduceSeconds.WithLabelValues(string(o)).Observe(time.Since(start).Seconds()) }()
	g.seq++
	if g.rank == 0 {
		return g.reduceRoot(ctx, o, v)
	}
	return g.reduceLeaf(ctx, o, v)
}

func (g *Group) reduceRoot(ctx context.Context, o op, v int64) (int64, error) {
	acc := v
	peers := make([][]byte, 0, g.size-1)
	seen := make(map[int]bool, g.size-1)
	for len(peers) < g.size-1 {
		frames, err := g.sock.Recv(ctx)
		if err != nil {
			return 0, err
		}
		if len(frames) < 2 {
			return 0, fmt.Errorf("collective: malformed message with %d frames", len(frames))
		}
		var m message
		if err := wire.Unmarshal(frames[1], &m); err != nil {
			return 0, fmt.Errorf("collective: decode: %w", err)
		}
		if m.Seq != g.seq || m.Op != o {
			return 0, fmt.Errorf("%w: rank %d sent %s#%d, expected %s#%d", ErrSequence, m.Rank, m.Op, m.Seq, o, g.seq)
		}
		if seen[m.Rank] {
			return 0, fmt.Errorf("%w: duplicate contribution from rank %d", ErrSequence, m.Rank)
		}
		seen[m.Rank] = true
		peers = append(peers, frames[0])
		acc = combine(o, acc, m.Value)
	}
	b, err := wire.Marshal(message{Seq: g.seq, Op: o, Value: acc})
	if err != nil {
		return 0, err
	}
	for _, id := range peers {
		if _, err := g.sock.Send([][]byte{id, b}); err != nil {
			return 0, err
		}
	}
	return acc, nil
}

func (g *Group) reduceLeaf(ctx context.Context, o op, v int64) (int64, error) {
	b, err := wire.Marshal(message{Seq: g.seq, Op: o, Rank: g.rank, Value: v})
	if err != nil {
		return 0, err
	}
	if _, err := g.sock.Send([][]byte{b}); err != nil {
		return 0, err
	}
	frames, err := g.sock.Recv(ctx)
	if err != nil {
		return 0, err
	}
	if len(frames) == 0 {
		return 0, errors.New("collective: empty result")
	}
	var m message
	if err := wire.Unmarshal(frames[len(frames)-1], &m); err != nil {
		return 0, fmt.Errorf("collective: decode: %w", err)
	}
	if m.Seq != g.seq || m.Op != o {
		return 0, fmt.Errorf("%w: got result %s#%d, expected %s#%d", ErrSequence, m.Op, m.Seq, o, g.seq)
	}
	return m.Value, nil
}
