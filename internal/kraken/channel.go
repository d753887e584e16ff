package kraken

import (
	"fmt"
	"strings"
)

// ChannelID addresses a lighting zone. The value is the zone byte sent on the wire.
type ChannelID byte

const (
	Combined ChannelID = 0x00
	Logo     ChannelID = 0x01
	Ring     ChannelID = 0x02
)

// Channels lists every addressable zone.
var Channels = []ChannelID{Combined, Logo, Ring}

func (c ChannelID) String() string {
	switch c {
	case Combined:
		return "sync"
	case Logo:
		return "logo"
	case Ring:
		return "ring"
	}
	return fmt.Sprintf("channel(0x%02x)", byte(c))
}

// Valid reports whether c is one of the known zones.
func (c ChannelID) Valid() bool {
	return c == Combined || c == Logo || c == Ring
}

// ParseChannel accepts the zone names used in config files and scripts.
func ParseChannel(s string) (ChannelID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sync", "combined", "all", "":
		return Combined, nil
	case "logo":
		return Logo, nil
	case "ring":
		return Ring, nil
	}
	return 0, fmt.Errorf("%w: unknown channel %q", ErrInvalidParameter, s)
}

// affectedChannels returns the zones whose bookkeeping changes when ch is targeted.
// Combined is an alias for every zone.
func affectedChannels(ch ChannelID) []ChannelID {
	if ch == Combined {
		return Channels
	}
	return []ChannelID{ch}
}
