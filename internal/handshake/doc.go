// Package handshake establishes an engine's peer addresses before steady-state
// operation.
//
// An engine opens a DEALER socket to the front end's ROUTER and walks the
// states INIT → HELLO_SENT → AWAIT_INIT → READY:
//
//   - handshake.go: Session, the single exchange and its state machine
//   - source.go:    Source implementations (Remote single/dual, Static)
//   - peer.go:      the front-end side, used by the client and by tests
//   - errors.go:    ErrHandshakeTimeout and predicates
package handshake
