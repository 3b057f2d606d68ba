package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"
)

const (
	sendQueueSize = 256
	dialerRetry   = 250 * time.Millisecond
	defaultLinger = 0
)

// ZMQ opens ZeroMQ sockets.
type ZMQ struct{}

// Open creates, binds or connects a socket of the given kind.
func (ZMQ) Open(ctx context.Context, kind Kind, addr string, opts Options) (Socket, error) {
	zopts := []zmq4.Option{zmq4.WithDialerRetry(dialerRetry)}
	if len(opts.Identity) > 0 {
		zopts = append(zopts, zmq4.WithID(zmq4.SocketIdentity(opts.Identity)))
	}
	// Sockets outlive the caller's ctx; Close tears them down.
	base := context.WithoutCancel(ctx)
	var s zmq4.Socket
	switch kind {
	case Dealer:
		s = zmq4.NewDealer(base, zopts...)
	case Router:
		s = zmq4.NewRouter(base, zopts...)
	case Push:
		s = zmq4.NewPush(base, zopts...)
	case Pull:
		s = zmq4.NewPull(base, zopts...)
	case XSub:
		s = zmq4.NewXSub(base, zopts...)
	case XPub:
		s = zmq4.NewXPub(base, zopts...)
	default:
		return nil, fmt.Errorf("transport: unsupported socket kind %d", kind)
	}
	var err error
	if opts.Bind {
		err = s.Listen(addr)
	} else {
		err = s.Dial(addr)
	}
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("transport: %s %s: %w", kind, addr, err)
	}
	linger := opts.Linger
	if linger <= 0 {
		linger = defaultLinger
	}
	zs := &zmqSocket{
		sock:   s,
		kind:   kind,
		addr:   addr,
		linger: linger,
		log:    opts.Logger.With().Str("socket", kind.String()).Str("addr", addr).Logger(),
		sendq:  make(chan sendReq, sendQueueSize),
		recvc:  make(chan recvResult),
		closed: make(chan struct{}),
		sent:   make(chan struct{}),
	}
	go zs.sendLoop()
	return zs, nil
}

type sendReq struct {
	frames  [][]byte
	tracker *Tracker
}

type recvResult struct {
	frames [][]byte
	err    error
}

// zmqSocket serializes sends through one goroutine so a Tracker completes only
// after zmq4 has written the frames, and fans receives through a reader
// goroutine so Recv can honour a context.
type zmqSocket struct {
	sock   zmq4.Socket
	kind   Kind
	addr   string
	linger time.Duration
	log    zerolog.Logger

	mu         sync.Mutex
	isClosed   bool
	readerOnce sync.Once

	sendq  chan sendReq
	recvc  chan recvResult
	closed chan struct{}
	sent   chan struct{}
}

func (z *zmqSocket) Send(frames [][]byte) (*Tracker, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.isClosed {
		return nil, ErrClosed
	}
	t := newTracker()
	z.sendq <- sendReq{frames: frames, tracker: t}
	return t, nil
}

func (z *zmqSocket) sendLoop() {
	defer close(z.sent)
	for req := range z.sendq {
		var err error
		if len(req.frames) == 1 {
			err = z.sock.Send(zmq4.NewMsg(req.frames[0]))
		} else {
			err = z.sock.SendMulti(zmq4.NewMsgFrom(req.frames...))
		}
		if err != nil {
			z.log.Debug().Err(err).Msg("send failed")
		}
		req.tracker.complete(err)
	}
}

func (z *zmqSocket) readLoop() {
	for {
		msg, err := z.sock.Recv()
		res := recvResult{frames: msg.Frames, err: err}
		select {
		case z.recvc <- res:
		case <-z.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

func (z *zmqSocket) Recv(ctx context.Context) ([][]byte, error) {
	z.readerOnce.Do(func() { go z.readLoop() })
	select {
	case r := <-z.recvc:
		return r.frames, r.err
	case <-z.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting sends, waits up to the linger period for queued sends
// to be written, then closes the underlying socket.
func (z *zmqSocket) Close() error {
	z.mu.Lock()
	if z.isClosed {
		z.mu.Unlock()
		return nil
	}
	z.isClosed = true
	close(z.sendq)
	z.mu.Unlock()

	if z.linger > 0 {
		select {
		case <-z.sent:
		case <-time.After(z.linger):
			z.log.Warn().Dur("linger", z.linger).Msg("closing with unsent messages")
		}
	}
	close(z.closed)
	return z.sock.Close()
}
