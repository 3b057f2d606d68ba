package transport

import (
	"context"
	"fmt"
	"sync"

	"engined/internal/queue"
)

// MemNetwork is an in-process Opener. Sockets opened on the same address are
// connected whatever the bind/connect order. A tracked send completes when the
// receiver takes the message, which lets callers observe buffer lifetimes.
type MemNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*memEndpoint
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{endpoints: make(map[string]*memEndpoint)}
}

type memMsg struct {
	from    []byte
	frames  [][]byte
	tracker *Tracker
}

type memEndpoint struct {
	mu     sync.Mutex
	bound  *memSocket
	// binbox receives messages for the bound side, possibly before it exists.
	binbox *queue.Queue[memMsg]
	peers  []*memSocket
}

type memSocket struct {
	ep       *memEndpoint
	kind     Kind
	bind     bool
	identity []byte
	inbox    *queue.Queue[memMsg]

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (n *MemNetwork) endpoint(addr string) *memEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.endpoints[addr]
	if !ok {
		ep = &memEndpoint{binbox: queue.New[memMsg]()}
		n.endpoints[addr] = ep
	}
	return ep
}

// Open implements Opener.
func (n *MemNetwork) Open(_ context.Context, kind Kind, addr string, opts Options) (Socket, error) {
	ep := n.endpoint(addr)
	ep.mu.Lock()
	defer ep.mu.Unlock()
	s := &memSocket{ep: ep, kind: kind, bind: opts.Bind, identity: append([]byte(nil), opts.Identity...), done: make(chan struct{})}
	if opts.Bind {
		if ep.bound != nil {
			return nil, fmt.Errorf("transport: address %s already bound", addr)
		}
		ep.bound = s
		s.inbox = ep.binbox
		return s, nil
	}
	s.inbox = queue.New[memMsg]()
	ep.peers = append(ep.peers, s)
	return s, nil
}

func (s *memSocket) Send(frames [][]byte) (*Tracker, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	t := newTracker()
	ep := s.ep
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if !s.bind {
		ep.binbox.Put(memMsg{from: s.identity, frames: frames, tracker: t})
		return t, nil
	}
	switch s.kind {
	case Router:
		if len(frames) == 0 {
			t.complete(nil)
			return t, nil
		}
		for _, p := range ep.peers {
			if string(p.identity) == string(frames[0]) {
				p.inbox.Put(memMsg{frames: frames[1:], tracker: t})
				return t, nil
			}
		}
		// Unroutable messages are dropped.
		t.complete(nil)
	case XPub:
		for _, p := range ep.peers {
			p.inbox.Put(memMsg{frames: frames})
		}
		t.complete(nil)
	default:
		if len(ep.peers) == 0 {
			t.complete(nil)
			return t, nil
		}
		ep.peers[0].inbox.Put(memMsg{frames: frames, tracker: t})
	}
	return t, nil
}

func (s *memSocket) Recv(ctx context.Context) ([][]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	m, err := s.inbox.Get(ctx)
	if err != nil {
		select {
		case <-s.done:
			return nil, ErrClosed
		default:
		}
		return nil, err
	}
	out := make([][]byte, 0, len(m.frames)+1)
	if s.bind && s.kind == Router {
		out = append(out, append([]byte(nil), m.from...))
	}
	for _, f := range m.frames {
		out = append(out, append([]byte(nil), f...))
	}
	if m.tracker != nil {
		m.tracker.complete(nil)
	}
	return out, nil
}

func (s *memSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}
