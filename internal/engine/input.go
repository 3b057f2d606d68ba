package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"engined/internal/transport"
	"engined/internal/wire"
	"engined/pkg/types"
)

// coordinatorSubscribe is the XSUB subscription message for all topics.
var coordinatorSubscribe = []byte{0x01}

var coordinatorReady = []byte("READY")

// runInput owns the input sockets. Each socket has a reader goroutine; a
// single decoder goroutine turns messages into inputItems so requests are
// preprocessed in arrival order. ready is closed once the sockets are
// registered (and the coordinator, if any, said READY).
func (p *Proc) runInput(ctx context.Context, inputs []string, coordInput string, ready chan<- struct{}) error {
	var socks []transport.Socket
	defer func() {
		for _, s := range socks {
			_ = s.Close()
		}
	}()
	for _, addr := range inputs {
		s, err := p.cfg.Opener.Open(ctx, transport.Dealer, addr, transport.Options{Identity: p.identity, Logger: p.log})
		if err != nil {
			return err
		}
		socks = append(socks, s)
		// The front-end ROUTER learns our identity from this first message.
		if _, err := s.Send([][]byte{{}}); err != nil {
			return fmt.Errorf("register with %s: %w", addr, err)
		}
	}
	if coordInput != "" {
		s, err := p.cfg.Opener.Open(ctx, transport.XSub, coordInput, transport.Options{Identity: p.identity, Logger: p.log})
		if err != nil {
			return err
		}
		socks = append(socks, s)
		if _, err := s.Send([][]byte{coordinatorSubscribe}); err != nil {
			return fmt.Errorf("subscribe to coordinator: %w", err)
		}
		frames, err := s.Recv(ctx)
		if err != nil {
			return fmt.Errorf("await coordinator READY: %w", err)
		}
		if len(frames) == 0 || !bytes.Equal(frames[0], coordinatorReady) {
			return fmt.Errorf("unexpected first coordinator message %q", frames)
		}
	}
	close(ready)

	g, gctx := errgroup.WithContext(ctx)
	msgs := make(chan [][]byte)
	for _, s := range socks {
		g.Go(func() error {
			for {
				frames, err := s.Recv(gctx)
				if err != nil {
					if gctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
						return nil
					}
					return err
				}
				select {
				case msgs <- frames:
				case <-gctx.Done():
					return nil
				}
			}
		})
	}
	g.Go(func() error {
		for {
			select {
			case frames := <-msgs:
				p.decodeInput(gctx, frames)
			case <-gctx.Done():
				return nil
			}
		}
	})
	return g.Wait()
}

// decodeInput decodes one message and pushes it to the input channel. ADD
// requests are preprocessed here, overlapping with model execution.
func (p *Proc) decodeInput(ctx context.Context, frames [][]byte) {
	if len(frames) == 0 || len(frames[0]) != 1 {
		p.log.Error().Int("frames", len(frames)).Msg("dropping malformed input message")
		return
	}
	typ := types.RequestType(frames[0][0])
	inputMessages.WithLabelValues(typ.String()).Inc()
	data := frames[1:]
	var item inputItem
	switch typ {
	case types.RequestTypeAdd:
		var r types.EngineCoreRequest
		if err := wire.Decode(data, &r); err != nil {
			p.log.Error().Err(err).Msg("decode ADD request")
			return
		}
		req, wave, err := p.core.PreprocessAddRequest(&r)
		if err != nil {
			p.log.Warn().Err(err).Str("request_id", r.RequestID).Msg("preprocess ADD request")
			if r.RequestID != "" {
				p.emit(r.ClientIndex, rejectedOutputs(r.RequestID))
			}
			return
		}
		item = inputItem{typ: typ, payload: addRequest{req: req, wave: wave}}
	case types.RequestTypeAbort:
		var ids []string
		if err := wire.Decode(data, &ids); err != nil {
			p.log.Error().Err(err).Msg("decode ABORT request")
			return
		}
		item = inputItem{typ: typ, payload: ids}
	case types.RequestTypeUtility:
		var call types.UtilityCall
		if err := wire.Decode(data, &call); err != nil {
			p.log.Error().Err(err).Msg("decode UTILITY request")
			return
		}
		item = inputItem{typ: typ, payload: call}
	case types.RequestTypeStartDPWave:
		var sw types.StartWave
		if err := wire.Decode(data, &sw); err != nil {
			p.log.Error().Err(err).Msg("decode START_DP_WAVE request")
			return
		}
		item = inputItem{typ: typ, payload: sw}
	default:
		// EXECUTOR_FAILED has no payload; unknown types are reported by the loop.
		item = inputItem{typ: typ}
	}
	select {
	case p.input <- item:
	case <-ctx.Done():
	}
}
