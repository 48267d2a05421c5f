package main

import (
	"fmt"
	"strconv"

	"github.com/abiosoft/ishell"
	"github.com/rs/zerolog/log"

	"usbrly08/pkg/relay"
)

const unconnectedPrompt = "[none] > "

// shell provides the ishell backed interactive surface over a relay
// controller. All commands run on the shell's single goroutine, so the
// controller is never called concurrently.
type shell struct {
	sh   *ishell.Shell
	ctrl relay.Controller
	port string // configured port for auto-connect
}

func newShell(ctrl relay.Controller, port string) *shell {
	s := &shell{
		sh:   ishell.New(),
		ctrl: ctrl,
		port: port,
	}
	s.sh.SetPrompt(unconnectedPrompt)
	for _, cmd := range []*ishell.Cmd{
		{Name: "ports", Help: "list available serial ports", Func: s.cmdPorts},
		{Name: "connect", Aliases: []string{"c"}, Help: "[PORT]", Func: s.cmdConnect},
		{Name: "disconnect", Aliases: []string{"d"}, Help: "", Func: s.cmdDisconnect},
		{Name: "status", Aliases: []string{"st"}, Help: "show connection and relay states", Func: s.cmdStatus},
		{Name: "read", Aliases: []string{"r"}, Help: "re-read relay states from the board", Func: s.connected(s.cmdRead)},
		{Name: "on", Help: "CHANNEL [CHANNEL...]", Func: s.connected(s.cmdOn)},
		{Name: "off", Help: "CHANNEL [CHANNEL...]", Func: s.connected(s.cmdOff)},
		{Name: "toggle", Aliases: []string{"t"}, Help: "CHANNEL", Func: s.connected(s.cmdToggle)},
		{Name: "set", Help: "MASK (e.g. 0x2A, 42 or 00101010)", Func: s.connected(s.cmdSet)},
	} {
		s.sh.AddCmd(cmd)
	}
	return s
}

// connected wraps a command func that requires a connection.
func (s *shell) connected(fn func(c *ishell.Context)) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		if !s.ctrl.IsConnected() {
			c.Err(relay.ErrNotConnected)
			return
		}
		fn(c)
	}
}

// run starts the shell. Remaining args are processed as a one-shot command;
// with a configured port the shell connects first.
func (s *shell) run(args ...string) {
	oneShot := len(args) > 0
	if s.port != "" {
		if err := s.connect(s.port); err != nil {
			if oneShot {
				log.Fatal().Err(err).Str("port", s.port).Msg("failed to connect")
			}
			log.Warn().Err(err).Str("port", s.port).Msg("failed to connect")
		}
	}
	defer s.ctrl.Close()

	if oneShot {
		if err := s.sh.Process(args...); err != nil {
			log.Fatal().Err(err).Msg("command failed")
		}
		return
	}
	s.sh.Println("USB-RLY08C relay board control. Type \"help\" for commands.")
	s.sh.Run()
}

func (s *shell) connect(port string) error {
	state, err := s.ctrl.Connect(port)
	if err != nil {
		return err
	}
	s.sh.SetPrompt(fmt.Sprintf("%s > ", port))
	s.sh.Printf("connected to %s, states %s\n", port, state)
	return nil
}

func (s *shell) cmdPorts(c *ishell.Context) {
	ports, err := relay.Ports()
	if err != nil {
		c.Err(err)
		return
	}
	if len(ports) == 0 {
		c.Println("No serial ports found")
		return
	}
	for _, p := range ports {
		c.Println(p)
	}
}

func (s *shell) cmdConnect(c *ishell.Context) {
	var port string
	if len(c.Args) > 0 {
		port = c.Args[0]
	} else {
		ports, err := relay.Ports()
		if err != nil {
			c.Err(err)
			return
		}
		switch len(ports) {
		case 0:
			c.Err(fmt.Errorf("no serial ports found"))
			return
		case 1:
			port = ports[0]
		default:
			index := s.sh.MultiChoice(ports, "Which port to connect?")
			if index < 0 {
				return
			}
			port = ports[index]
		}
	}
	if err := s.connect(port); err != nil {
		c.Err(err)
	}
}

func (s *shell) cmdDisconnect(c *ishell.Context) {
	s.ctrl.Close()
	s.sh.SetPrompt(unconnectedPrompt)
}

func (s *shell) cmdStatus(c *ishell.Context) {
	if !s.ctrl.IsConnected() {
		c.Println("Disconnected")
		return
	}
	c.Printf("Connected to %s\n", s.ctrl.Port())
	printStates(c, s.ctrl.State())
}

func (s *shell) cmdRead(c *ishell.Context) {
	state, ok, err := s.ctrl.ReadStates()
	if err != nil {
		c.Err(err)
		return
	}
	if !ok {
		c.Println("No response from the relay board.")
		return
	}
	printStates(c, state)
}

func (s *shell) cmdOn(c *ishell.Context)  { s.setChannels(c, true) }
func (s *shell) cmdOff(c *ishell.Context) { s.setChannels(c, false) }

func (s *shell) setChannels(c *ishell.Context, on bool) {
	channels, err := parseChannels(c.Args)
	if err != nil {
		c.Err(err)
		return
	}

	var state relay.State
	switch len(channels) {
	case 0:
		c.Err(fmt.Errorf("at least one channel expected"))
		return
	case 1:
		state, err = s.ctrl.SetChannel(channels[0], on)
	default:
		state, err = s.ctrl.SetChannels(channels, on)
	}
	if err != nil {
		c.Err(err)
		return
	}
	c.Printf("states %s\n", state)
}

func (s *shell) cmdToggle(c *ishell.Context) {
	if len(c.Args) != 1 {
		c.Err(fmt.Errorf("exactly one channel expected"))
		return
	}
	channel, err := strconv.Atoi(c.Args[0])
	if err != nil {
		c.Err(fmt.Errorf("invalid channel %q: %w", c.Args[0], err))
		return
	}
	state, err := s.ctrl.SetChannel(channel, !s.ctrl.State().IsOn(channel))
	if err != nil {
		c.Err(err)
		return
	}
	c.Printf("states %s\n", state)
}

func (s *shell) cmdSet(c *ishell.Context) {
	if len(c.Args) != 1 {
		c.Err(fmt.Errorf("exactly one mask expected"))
		return
	}
	mask, err := relay.ParseState(c.Args[0])
	if err != nil {
		c.Err(err)
		return
	}
	state, err := s.ctrl.WriteStates(mask)
	if err != nil {
		c.Err(err)
		return
	}
	c.Printf("states %s\n", state)
}

func printStates(c *ishell.Context, state relay.State) {
	for ch := relay.MinChannel; ch <= relay.MaxChannel; ch++ {
		label := "OFF"
		if state.IsOn(ch) {
			label = "ON"
		}
		c.Printf("relay %d: %s\n", ch, label)
	}
}

func parseChannels(args []string) ([]int, error) {
	channels := make([]int, 0, len(args))
	for _, arg := range args {
		channel, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid channel %q: %w", arg, err)
		}
		channels = append(channels, channel)
	}
	return channels, nil
}
