package relay

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by any operation that needs an open port.
var ErrNotConnected = errors.New("relay board is not connected")

// ConnectionError reports a transport failure while opening or talking to
// a serial port. It wraps the underlying error.
type ConnectionError struct {
	Port string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("serial port %s: %v", e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// InvalidChannelError reports a relay channel outside 1..8.
type InvalidChannelError struct {
	Channel int
}

func (e *InvalidChannelError) Error() string {
	return fmt.Sprintf("channel must be between %d and %d, got %d", MinChannel, MaxChannel, e.Channel)
}
