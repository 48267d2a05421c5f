package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// fakePort is a scripted in-memory serial port: every Read pops one queued
// reply, an empty queue reads as a timeout.
type fakePort struct {
	replies [][]byte
	writes  [][]byte
	flushes int
	closed  bool

	readTimeout time.Duration

	readErr    error
	writeErr   error
	flushErr   error
	timeoutErr error
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.readErr != nil {
		return 0, p.readErr
	}
	if len(p.replies) == 0 {
		return 0, nil
	}
	n := copy(b, p.replies[0])
	p.replies = p.replies[1:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	w := make([]byte, len(b))
	copy(w, b)
	p.writes = append(p.writes, w)
	return len(b), nil
}

func (p *fakePort) ResetInputBuffer() error {
	if p.flushErr != nil {
		return p.flushErr
	}
	p.flushes++
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	if p.timeoutErr != nil {
		return p.timeoutErr
	}
	p.readTimeout = t
	return nil
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

// fakeOpen points the board at fp, restoring the real opener after the test.
func fakeOpen(t *testing.T, fp *fakePort) {
	t.Helper()
	orig := openPort
	openPort = func(name string, mode *serial.Mode) (serialPort, error) {
		assert.Equal(t, Baud, mode.BaudRate)
		return fp, nil
	}
	t.Cleanup(func() { openPort = orig })
}

// connectFake connects a fresh board to fp.
func connectFake(t *testing.T, fp *fakePort) *Board {
	t.Helper()
	fakeOpen(t, fp)

	b := New(0)
	_, err := b.Connect("/dev/ttyTEST")
	require.NoError(t, err)
	return b
}

func TestConnect_PrimesStateFromBoard(t *testing.T) {
	fp := &fakePort{replies: [][]byte{{0x2A}}}
	fakeOpen(t, fp)

	b := New(0)
	state, err := b.Connect("/dev/ttyTEST")
	require.NoError(t, err)

	assert.Equal(t, State(0x2A), state)
	assert.Equal(t, State(0x2A), b.State())
	assert.True(t, b.IsConnected())
	assert.Equal(t, "/dev/ttyTEST", b.Port())
	assert.Equal(t, DefaultReadTimeout, fp.readTimeout)
	assert.Equal(t, [][]byte{{getStatesCmd}}, fp.writes)
	assert.Equal(t, 1, fp.flushes)
}

func TestConnect_SilentBoardDefaultsAllOff(t *testing.T) {
	fp := &fakePort{}
	fakeOpen(t, fp)

	b := New(0)
	state, err := b.Connect("/dev/ttyTEST")
	require.NoError(t, err)

	assert.Equal(t, State(0), state)
	assert.True(t, b.IsConnected())
	// The initial read was still attempted.
	assert.Equal(t, [][]byte{{getStatesCmd}}, fp.writes)
}

func TestConnect_OpenFailure(t *testing.T) {
	orig := openPort
	openPort = func(name string, mode *serial.Mode) (serialPort, error) {
		return nil, errors.New("no such device")
	}
	t.Cleanup(func() { openPort = orig })

	b := New(0)
	_, err := b.Connect("/dev/ttyBOGUS")

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "/dev/ttyBOGUS", connErr.Port)
	assert.False(t, b.IsConnected())
	assert.Equal(t, "", b.Port())
}

func TestConnect_SetupFailureClosesPort(t *testing.T) {
	fp := &fakePort{timeoutErr: errors.New("ioctl failed")}
	fakeOpen(t, fp)

	b := New(0)
	_, err := b.Connect("/dev/ttyTEST")

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, fp.closed)
	assert.False(t, b.IsConnected())
}

func TestConnect_ReconnectClosesPrevious(t *testing.T) {
	first := &fakePort{replies: [][]byte{{0x01}}}
	b := connectFake(t, first)

	second := &fakePort{replies: [][]byte{{0x02}}}
	fakeOpen(t, second)

	state, err := b.Connect("/dev/ttyOTHER")
	require.NoError(t, err)

	assert.True(t, first.closed)
	assert.Equal(t, State(0x02), state)
	assert.Equal(t, "/dev/ttyOTHER", b.Port())
}

func TestConnect_CustomReadTimeout(t *testing.T) {
	fp := &fakePort{}
	fakeOpen(t, fp)

	b := New(250 * time.Millisecond)
	_, err := b.Connect("/dev/ttyTEST")
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, fp.readTimeout)
}

func TestClose_Idempotent(t *testing.T) {
	fp := &fakePort{replies: [][]byte{{0x01}}}
	b := connectFake(t, fp)

	require.NoError(t, b.Close())
	assert.True(t, fp.closed)
	assert.False(t, b.IsConnected())
	assert.Equal(t, "", b.Port())

	require.NoError(t, b.Close())
	assert.False(t, b.IsConnected())
}

func TestNotConnected(t *testing.T) {
	tests := []struct {
		name string
		op   func(b *Board) error
	}{
		{
			name: "ReadStates",
			op: func(b *Board) error {
				_, _, err := b.ReadStates()
				return err
			},
		},
		{
			name: "WriteStates",
			op: func(b *Board) error {
				_, err := b.WriteStates(0x01)
				return err
			},
		},
		{
			name: "SetChannel",
			op: func(b *Board) error {
				_, err := b.SetChannel(1, true)
				return err
			},
		},
		{
			name: "SetChannels",
			op: func(b *Board) error {
				_, err := b.SetChannels([]int{1, 2}, true)
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(0)
			assert.ErrorIs(t, tt.op(b), ErrNotConnected)
			assert.Equal(t, State(0), b.State())
		})
	}
}

func TestReadStates_UpdatesCache(t *testing.T) {
	fp := &fakePort{replies: [][]byte{{0x00}}}
	b := connectFake(t, fp)

	fp.replies = [][]byte{{0x55}}
	state, ok, err := b.ReadStates()
	require.NoError(t, err)

	assert.True(t, ok)
	assert.Equal(t, State(0x55), state)
	assert.Equal(t, State(0x55), b.State())
	// Input flushed before each command so stale bytes can't be taken
	// for this reply.
	assert.Equal(t, 2, fp.flushes)
	assert.Equal(t, []byte{getStatesCmd}, fp.writes[len(fp.writes)-1])
}

func TestReadStates_NoDataKeepsCache(t *testing.T) {
	fp := &fakePort{replies: [][]byte{{0x0F}}}
	b := connectFake(t, fp)

	state, ok, err := b.ReadStates()
	require.NoError(t, err)

	assert.False(t, ok)
	assert.Equal(t, State(0), state)
	assert.Equal(t, State(0x0F), b.State())
}

func TestReadStates_TransportError(t *testing.T) {
	fp := &fakePort{replies: [][]byte{{0x00}}}
	b := connectFake(t, fp)

	ioErr := errors.New("device gone")
	fp.readErr = ioErr

	_, _, err := b.ReadStates()
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, ioErr)
}

func TestWriteStates(t *testing.T) {
	fp := &fakePort{}
	b := connectFake(t, fp)

	state, err := b.WriteStates(0b10110000)
	require.NoError(t, err)

	assert.Equal(t, State(0xB0), state)
	assert.Equal(t, State(0xB0), b.State())
	assert.Equal(t, []byte{setStatesCmd, 0xB0}, fp.writes[len(fp.writes)-1])
}

func TestWriteStates_TransportError(t *testing.T) {
	fp := &fakePort{replies: [][]byte{{0x0F}}}
	b := connectFake(t, fp)

	fp.writeErr = errors.New("device gone")

	_, err := b.WriteStates(0xFF)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	// The cache keeps the last value actually put on the wire.
	assert.Equal(t, State(0x0F), b.State())
}

func TestSetChannel(t *testing.T) {
	fp := &fakePort{replies: [][]byte{{0x00}}}
	b := connectFake(t, fp)

	state, err := b.SetChannel(1, true)
	require.NoError(t, err)
	assert.Equal(t, State(0x01), state)
	assert.Equal(t, []byte{setStatesCmd, 0x01}, fp.writes[len(fp.writes)-1])

	// Idempotent.
	state, err = b.SetChannel(1, true)
	require.NoError(t, err)
	assert.Equal(t, State(0x01), state)

	state, err = b.SetChannel(8, true)
	require.NoError(t, err)
	assert.Equal(t, State(0x81), state)

	state, err = b.SetChannel(1, false)
	require.NoError(t, err)
	assert.Equal(t, State(0x80), state)
}

func TestSetChannel_InvalidChannel(t *testing.T) {
	fp := &fakePort{replies: [][]byte{{0x0F}}}
	b := connectFake(t, fp)
	written := len(fp.writes)

	for _, ch := range []int{0, 9, -1, 100} {
		_, err := b.SetChannel(ch, true)

		var chErr *InvalidChannelError
		require.ErrorAs(t, err, &chErr, "channel %d", ch)
		assert.Equal(t, ch, chErr.Channel)
		assert.Equal(t, State(0x0F), b.State())
		assert.Len(t, fp.writes, written)
	}
}

func TestSetChannels_SingleWrite(t *testing.T) {
	fp := &fakePort{replies: [][]byte{{0x00}}}
	b := connectFake(t, fp)

	state, err := b.SetChannels([]int{2, 4, 6}, true)
	require.NoError(t, err)

	assert.Equal(t, State(0x2A), state)
	assert.Equal(t, State(0x2A), b.State())
	// One get-states on connect, then exactly one set-states.
	assert.Equal(t, [][]byte{{getStatesCmd}, {setStatesCmd, 0x2A}}, fp.writes)
}

func TestSetChannels_EmptyWritesCurrent(t *testing.T) {
	fp := &fakePort{replies: [][]byte{{0x2A}}}
	b := connectFake(t, fp)

	state, err := b.SetChannels(nil, true)
	require.NoError(t, err)

	assert.Equal(t, State(0x2A), state)
	assert.Equal(t, []byte{setStatesCmd, 0x2A}, fp.writes[len(fp.writes)-1])
}

func TestSetChannels_AllOrNothing(t *testing.T) {
	fp := &fakePort{replies: [][]byte{{0x00}}}
	b := connectFake(t, fp)
	written := len(fp.writes)

	_, err := b.SetChannels([]int{2, 9}, true)

	var chErr *InvalidChannelError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, 9, chErr.Channel)
	assert.Equal(t, State(0), b.State())
	assert.Len(t, fp.writes, written)
}

func TestReadThenSetChannel(t *testing.T) {
	fp := &fakePort{replies: [][]byte{{0xFF}}}
	b := connectFake(t, fp)
	assert.Equal(t, State(0xFF), b.State())

	fp.replies = [][]byte{{0x00}}
	state, ok, err := b.ReadStates()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, State(0), state)

	state, err = b.SetChannel(1, true)
	require.NoError(t, err)
	assert.Equal(t, State(0x01), state)
}
