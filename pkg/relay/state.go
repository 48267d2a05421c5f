package relay

import (
	"fmt"
	"strconv"
	"strings"
)

// State is the whole-board relay mask. Bit i (0-indexed) holds channel i+1:
// 1 means the relay is energized. Channels are numbered 1..8 in the API.
type State uint8

// IsOn reports whether the given channel is energized. Channels outside
// 1..8 report false.
func (s State) IsOn(channel int) bool {
	if channel < MinChannel || channel > MaxChannel {
		return false
	}
	return s&(1<<(channel-1)) != 0
}

// On returns the energized channels in ascending order.
func (s State) On() []int {
	on := make([]int, 0, MaxChannel)
	for ch := MinChannel; ch <= MaxChannel; ch++ {
		if s.IsOn(ch) {
			on = append(on, ch)
		}
	}
	return on
}

// String renders the mask as eight binary digits, channel 8 first.
func (s State) String() string {
	return fmt.Sprintf("%08b", uint8(s))
}

// ParseState parses a relay mask from text: exactly eight binary digits
// ("00101010"), or a number in any base strconv accepts with a base prefix
// ("0x2A", "0b101010", "42").
func ParseState(text string) (State, error) {
	t := strings.TrimSpace(text)
	if len(t) == 8 && strings.Trim(t, "01") == "" {
		v, err := strconv.ParseUint(t, 2, 8)
		if err != nil {
			return 0, fmt.Errorf("invalid relay mask %q: %w", text, err)
		}
		return State(v), nil
	}
	v, err := strconv.ParseUint(t, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid relay mask %q: %w", text, err)
	}
	return State(v), nil
}

// apply returns s with the bit for channel set (on) or cleared (off).
// Callers validate the channel range first.
func apply(s State, channel int, on bool) State {
	bit := State(1) << (channel - 1)
	if on {
		return s | bit
	}
	return s &^ bit
}
