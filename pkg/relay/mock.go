package relay

import (
	"usbrly08/pkg/config"
)

// Mock simulates a relay board entirely in memory, for tests and for running
// the tools without hardware. It keeps the Board's validation and cache
// semantics but performs no transport I/O.
type Mock struct {
	cfg *config.MockConfig

	connected bool
	port      string
	state     State
}

// NewMock creates a new mocked board. A nil cfg means an all-OFF board that
// answers every read.
func NewMock(cfg *config.MockConfig) *Mock {
	if cfg == nil {
		cfg = &config.MockConfig{}
	}
	return &Mock{cfg: cfg}
}

// Connect simulates connecting: the cache is primed from the configured
// initial mask, or left all-OFF when the board is configured silent (a silent
// board never answers the initial read).
func (m *Mock) Connect(port string) (State, error) {
	m.Close()

	m.connected = true
	m.port = port
	if m.cfg.Silent {
		m.state = 0
	} else {
		m.state = State(m.cfg.Initial)
	}
	return m.state, nil
}

// Close disconnects the mocked board. Idempotent.
func (m *Mock) Close() error {
	m.connected = false
	m.port = ""
	return nil
}

// IsConnected reports whether the mocked board is connected.
func (m *Mock) IsConnected() bool {
	return m.connected
}

// Port returns the name passed to Connect, or "" when disconnected.
func (m *Mock) Port() string {
	return m.port
}

// State returns the cached relay mask.
func (m *Mock) State() State {
	return m.state
}

// ReadStates returns the current mask, or no data when configured silent.
func (m *Mock) ReadStates() (State, bool, error) {
	if !m.connected {
		return 0, false, ErrNotConnected
	}
	if m.cfg.Silent {
		return 0, false, nil
	}
	return m.state, true, nil
}

// WriteStates replaces the whole mask.
func (m *Mock) WriteStates(states State) (State, error) {
	if !m.connected {
		return 0, ErrNotConnected
	}
	m.state = states
	return m.state, nil
}

// SetChannel sets or clears a single channel.
func (m *Mock) SetChannel(channel int, on bool) (State, error) {
	if channel < MinChannel || channel > MaxChannel {
		return 0, &InvalidChannelError{Channel: channel}
	}
	return m.WriteStates(apply(m.state, channel, on))
}

// SetChannels sets or clears every listed channel at once, validating all of
// them before applying any.
func (m *Mock) SetChannels(channels []int, on bool) (State, error) {
	next := m.state
	for _, ch := range channels {
		if ch < MinChannel || ch > MaxChannel {
			return 0, &InvalidChannelError{Channel: ch}
		}
		next = apply(next, ch, on)
	}
	return m.WriteStates(next)
}
