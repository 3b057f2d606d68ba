package handshake

import (
	"errors"
	"fmt"
)

// ErrHandshakeTimeout means the peer never sent its init message.
var ErrHandshakeTimeout = errors.New("did not receive response from front-end process within timeout")

func IsHandshakeTimeout(err error) bool { return errors.Is(err, ErrHandshakeTimeout) }

// ProtocolError reports an unexpected message during the exchange.
type ProtocolError struct {
	State  State
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("handshake protocol error in state %s: %s", e.State, e.Detail)
}

func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
