package engine

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"engined/internal/queue"
	"engined/internal/transport"
	"engined/internal/wire"
	"engined/pkg/types"
)

const initialBufferSize = 4096

type pendingSend struct {
	tracker *transport.Tracker
	buf     []byte
}

// bufferPool recycles encode buffers once the transport releases them. It is
// owned by the output goroutine.
type bufferPool struct {
	free    [][]byte
	pending []pendingSend // oldest first
	max     int
}

func newBufferPool(max int) *bufferPool { return &bufferPool{max: max} }

// reclaim moves completed sends, oldest first, back to the free list.
func (b *bufferPool) reclaim() {
	for len(b.pending) > 0 && b.pending[0].tracker.Done() {
		if len(b.free) < b.max {
			b.free = append(b.free, b.pending[0].buf)
		}
		b.pending[0] = pendingSend{}
		b.pending = b.pending[1:]
	}
}

func (b *bufferPool) get() []byte {
	if n := len(b.free); n > 0 {
		buf := b.free[n-1]
		b.free = b.free[:n-1]
		outputBuffers.WithLabelValues("reused").Inc()
		return buf
	}
	outputBuffers.WithLabelValues("allocated").Inc()
	return make([]byte, 0, initialBufferSize)
}

// track keeps buf alive until tr completes. Buffers whose send already
// finished go straight back to the pool while it has room.
func (b *bufferPool) track(tr *transport.Tracker, buf []byte) {
	if !tr.Done() {
		b.pending = append(b.pending, pendingSend{tracker: tr, buf: buf})
		return
	}
	if len(b.free) < b.max {
		b.free = append(b.free, buf)
	}
}

// outputWriter sends outputs to the client and coordinator sockets.
type outputWriter struct {
	sockets     []transport.Socket
	coord       transport.Socket
	engineIndex int
	enc         *wire.Encoder
	pool        *bufferPool
	log         zerolog.Logger
}

func newOutputWriter(sockets []transport.Socket, coord transport.Socket, engineIndex int, log zerolog.Logger) *outputWriter {
	return &outputWriter{
		sockets:     sockets,
		coord:       coord,
		engineIndex: engineIndex,
		enc:         wire.NewEncoder(),
		pool:        newBufferPool(len(sockets) + 1),
		log:         log,
	}
}

// broadcastDead sends the dead sentinel to every client.
func (w *outputWriter) broadcastDead() {
	for _, s := range w.sockets {
		if _, err := s.Send([][]byte{types.EngineCoreDead}); err != nil {
			w.log.Warn().Err(err).Msg("send engine dead notice")
		}
	}
}

func (w *outputWriter) write(client int, outputs *types.EngineCoreOutputs) {
	outputs.EngineIndex = w.engineIndex
	if client == types.CoordinatorClient {
		if w.coord == nil {
			w.log.Warn().Msg("dropping coordinator output: no coordinator socket")
			return
		}
		// Coordinator messages are small; no buffer reuse.
		frames, err := w.enc.Encode(outputs)
		if err != nil {
			w.log.Error().Err(err).Msg("encode coordinator output")
			return
		}
		if _, err := w.coord.Send(frames); err != nil {
			w.log.Error().Err(err).Msg("send coordinator output")
		}
		return
	}
	if client < 0 || client >= len(w.sockets) {
		w.log.Error().Int("client_index", client).Msg("dropping output for unknown client")
		return
	}
	w.pool.reclaim()
	buf := w.pool.get()
	frames, buf, err := w.enc.EncodeInto(outputs, buf)
	if err != nil {
		w.log.Error().Err(err).Msg("encode output")
		return
	}
	tr, err := w.sockets[client].Send(frames)
	if err != nil {
		w.log.Error().Err(err).Int("client_index", client).Msg("send output")
		return
	}
	w.pool.track(tr, buf)
}

// runOutput owns the output sockets until the dead sentinel is flushed.
func (p *Proc) runOutput(ctx context.Context, outputs []string, coordOutput string) error {
	var socks []transport.Socket
	var coord transport.Socket
	defer func() {
		// Close lingers so the dead notice is flushed.
		for _, s := range socks {
			_ = s.Close()
		}
		if coord != nil {
			_ = coord.Close()
		}
	}()
	opts := transport.Options{Linger: outputLinger, Logger: p.log}
	for _, addr := range outputs {
		s, err := p.cfg.Opener.Open(ctx, transport.Push, addr, opts)
		if err != nil {
			return err
		}
		socks = append(socks, s)
	}
	if coordOutput != "" {
		s, err := p.cfg.Opener.Open(ctx, transport.Push, coordOutput, opts)
		if err != nil {
			return err
		}
		coord = s
	}
	w := newOutputWriter(socks, coord, p.cfg.EngineIndex, p.log)
	for {
		item, err := p.output.Get(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if item.dead {
			w.broadcastDead()
			return nil
		}
		w.write(item.client, item.outputs)
	}
}
