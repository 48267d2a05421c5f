package relay

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

const (
	// Baud is the fixed line rate of the USB-RLY08C.
	Baud = 19200

	// getStatesCmd asks the board for its relay mask; it answers with one byte.
	getStatesCmd = 0x5B
	// setStatesCmd is followed by one payload byte, the desired mask; no reply.
	setStatesCmd = 0x5C

	// MinChannel and MaxChannel bound the channel numbers of the external API.
	MinChannel = 1
	MaxChannel = 8

	// DefaultReadTimeout bounds the wait for the board's single response byte.
	DefaultReadTimeout = time.Second
)

// serialPort is the part of serial.Port the board uses. Tests swap in a
// scripted fake.
type serialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
	Close() error
}

// openPort opens the real transport; replaced in tests.
var openPort = func(name string, mode *serial.Mode) (serialPort, error) {
	return serial.Open(name, mode)
}

// Board drives a single USB-RLY08C relay board over a serial port and caches
// the last relay mask this process wrote or read. The board never pushes
// state, so the cache can go stale behind its back; call ReadStates when
// ground truth matters.
//
// Board does no internal locking and must not be used from multiple
// goroutines concurrently.
type Board struct {
	readTimeout time.Duration

	conn  serialPort
	port  string
	state State
}

// New creates a disconnected Board. A zero readTimeout means
// DefaultReadTimeout.
func New(readTimeout time.Duration) *Board {
	if readTimeout == 0 {
		readTimeout = DefaultReadTimeout
	}
	return &Board{readTimeout: readTimeout}
}

// Ports returns the names of the available serial ports. Order is
// platform-defined.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}

// Connect closes any current connection, opens port at the board's baud rate
// and primes the state cache with an initial read. A board that stays silent
// on the initial read still connects, with the cache at all-OFF.
func (b *Board) Connect(port string) (State, error) {
	b.Close()

	conn, err := openPort(port, &serial.Mode{BaudRate: Baud})
	if err != nil {
		return 0, &ConnectionError{Port: port, Err: err}
	}
	if err := conn.SetReadTimeout(b.readTimeout); err != nil {
		conn.Close()
		return 0, &ConnectionError{Port: port, Err: err}
	}

	b.conn = conn
	b.port = port

	state, ok, err := b.ReadStates()
	switch {
	case err != nil:
		log.Warn().Str("port", port).Err(err).Msg("initial state read failed, assuming all relays off")
		b.state = 0
	case !ok:
		log.Debug().Str("port", port).Msg("no answer to initial state read, assuming all relays off")
		b.state = 0
	default:
		b.state = state
	}

	log.Info().Str("port", port).Stringer("states", b.state).Msg("connected to relay board")
	return b.state, nil
}

// Close closes the connection if one is open. Closing an already-closed
// board is a no-op.
func (b *Board) Close() error {
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			log.Warn().Str("port", b.port).Err(err).Msg("error closing serial port")
		}
	}
	b.conn = nil
	b.port = ""
	return nil
}

// IsConnected reports whether the board has an open connection.
func (b *Board) IsConnected() bool {
	return b.conn != nil
}

// Port returns the name of the connected port, or "" when disconnected.
func (b *Board) Port() string {
	return b.port
}

// State returns the cached relay mask: the last value this process wrote or
// read, not necessarily what the board currently holds.
func (b *Board) State() State {
	return b.state
}

// ReadStates asks the board for its relay mask and updates the cache. The ok
// result is false when the board did not answer within the read timeout; the
// cache keeps the last known mask in that case.
func (b *Board) ReadStates() (State, bool, error) {
	if b.conn == nil {
		return 0, false, ErrNotConnected
	}

	// Stale bytes from an earlier exchange must not be taken for this reply.
	if err := b.conn.ResetInputBuffer(); err != nil {
		return 0, false, &ConnectionError{Port: b.port, Err: err}
	}
	if _, err := b.conn.Write([]byte{getStatesCmd}); err != nil {
		return 0, false, &ConnectionError{Port: b.port, Err: err}
	}

	buf := make([]byte, 1)
	n, err := b.conn.Read(buf)
	if err != nil {
		return 0, false, &ConnectionError{Port: b.port, Err: err}
	}
	if n == 0 {
		// Timeout. A slow or silent board is a normal condition, not a failure.
		return 0, false, nil
	}

	b.state = State(buf[0])
	log.Trace().Str("port", b.port).Stringer("states", b.state).Msg("read relay states")
	return b.state, true, nil
}

// WriteStates sets the whole relay mask at once and updates the cache. The
// board sends no acknowledgement for this command; once the bytes are written
// the new mask is taken as applied.
func (b *Board) WriteStates(states State) (State, error) {
	if b.conn == nil {
		return 0, ErrNotConnected
	}

	if err := b.conn.ResetInputBuffer(); err != nil {
		return 0, &ConnectionError{Port: b.port, Err: err}
	}
	if _, err := b.conn.Write([]byte{setStatesCmd, byte(states)}); err != nil {
		return 0, &ConnectionError{Port: b.port, Err: err}
	}

	b.state = states
	log.Trace().Str("port", b.port).Stringer("states", b.state).Msg("wrote relay states")
	return b.state, nil
}

// SetChannel sets or clears a single channel, starting from the cached mask.
// This is read-modify-write against the cache, not the board.
func (b *Board) SetChannel(channel int, on bool) (State, error) {
	if channel < MinChannel || channel > MaxChannel {
		return 0, &InvalidChannelError{Channel: channel}
	}
	return b.WriteStates(apply(b.state, channel, on))
}

// SetChannels sets or clears every listed channel with a single write. All
// channels are validated before anything is sent; the first invalid entry
// fails the whole call with the cache untouched. An empty list writes the
// unchanged cached mask.
func (b *Board) SetChannels(channels []int, on bool) (State, error) {
	next := b.state
	for _, ch := range channels {
		if ch < MinChannel || ch > MaxChannel {
			return 0, &InvalidChannelError{Channel: ch}
		}
		next = apply(next, ch, on)
	}
	return b.WriteStates(next)
}
