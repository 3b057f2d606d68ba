package handshake

import (
	"context"
	"fmt"

	"engined/internal/transport"
	"engined/internal/wire"
	"engined/pkg/types"
)

// Peer is the front-end side of the handshake: a ROUTER that receives HELLO
// and READY from engines and answers HELLO with an init message.
type Peer struct {
	sock transport.Socket
}

// Listen binds the peer ROUTER socket.
func Listen(ctx context.Context, opener transport.Opener, addr string) (*Peer, error) {
	sock, err := opener.Open(ctx, transport.Router, addr, transport.Options{Bind: true})
	if err != nil {
		return nil, err
	}
	return &Peer{sock: sock}, nil
}

// Recv returns the next handshake message and the sender's identity.
func (p *Peer) Recv(ctx context.Context) ([]byte, types.HandshakeMessage, error) {
	var msg types.HandshakeMessage
	frames, err := p.sock.Recv(ctx)
	if err != nil {
		return nil, msg, err
	}
	if len(frames) < 2 {
		return nil, msg, fmt.Errorf("handshake peer: expected identity and payload, got %d frames", len(frames))
	}
	if err := wire.Unmarshal(frames[1], &msg); err != nil {
		return frames[0], msg, fmt.Errorf("handshake peer: decode: %w", err)
	}
	return frames[0], msg, nil
}

// Expect receives a message and checks its status.
func (p *Peer) Expect(ctx context.Context, status types.HandshakeStatus) ([]byte, types.HandshakeMessage, error) {
	id, msg, err := p.Recv(ctx)
	if err != nil {
		return id, msg, err
	}
	if msg.Status != status {
		return id, msg, fmt.Errorf("handshake peer: expected %s, got %s", status, msg.Status)
	}
	return id, msg, nil
}

// SendInit answers the engine identified by id.
func (p *Peer) SendInit(id []byte, meta types.HandshakeMetadata) error {
	b, err := wire.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = p.sock.Send([][]byte{id, b})
	return err
}

func (p *Peer) Close() error { return p.sock.Close() }
