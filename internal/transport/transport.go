// Package transport provides the message sockets used between an engine and
// its front ends: multi-part binary messages, addressable identities and
// send-completion tracking for zero-copy buffer reuse.
//
// The production implementation wraps ZeroMQ (go-zeromq/zmq4). An in-memory
// implementation with identical semantics backs the tests.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by operations on a closed socket.
var ErrClosed = errors.New("transport: socket closed")

// Kind is the messaging pattern of a socket.
type Kind int

const (
	Dealer Kind = iota
	Router
	Push
	Pull
	XSub
	XPub
)

func (k Kind) String() string {
	switch k {
	case Dealer:
		return "DEALER"
	case Router:
		return "ROUTER"
	case Push:
		return "PUSH"
	case Pull:
		return "PULL"
	case XSub:
		return "XSUB"
	case XPub:
		return "XPUB"
	default:
		return "UNKNOWN"
	}
}

// Options configure a socket at open time.
type Options struct {
	// Identity is the routing id announced to ROUTER peers.
	Identity []byte
	// Bind listens on the address instead of connecting to it.
	Bind bool
	// Linger bounds how long Close waits for queued sends to flush.
	Linger time.Duration
	Logger zerolog.Logger
}

// Socket is a bidirectional multi-part message socket.
type Socket interface {
	// Send queues a multi-part message. The returned tracker completes once the
	// frames are no longer referenced by the transport; until then the caller
	// must not modify them.
	Send(frames [][]byte) (*Tracker, error)
	// Recv blocks for the next message or until ctx is done.
	Recv(ctx context.Context) ([][]byte, error)
	Close() error
}

// Opener creates sockets. Engines receive an Opener so tests can substitute
// in-memory sockets for ZeroMQ ones.
type Opener interface {
	Open(ctx context.Context, kind Kind, addr string, opts Options) (Socket, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, kind Kind, addr string, opts Options) (Socket, error)

func (f OpenerFunc) Open(ctx context.Context, kind Kind, addr string, opts Options) (Socket, error) {
	return f(ctx, kind, addr, opts)
}
