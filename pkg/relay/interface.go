package relay

// Controller defines the operations a relay board client exposes to
// presentation layers (real serial board or mocked).
type Controller interface {
	Connect(port string) (State, error)
	Close() error
	IsConnected() bool
	Port() string
	State() State
	ReadStates() (State, bool, error)
	WriteStates(states State) (State, error)
	SetChannel(channel int, on bool) (State, error)
	SetChannels(channels []int, on bool) (State, error)
}

// Ensure Board implements Controller.
var _ Controller = (*Board)(nil)

// Ensure Mock implements Controller.
var _ Controller = (*Mock)(nil)
