package effects

import (
	"fmt"
	"strings"
)

// Speed is the animation speed index sent in the low bits of byte 4.
type Speed byte

const (
	Slowest Speed = iota
	Slower
	Normal
	Faster
	Fastest
)

var speedNames = []string{"slowest", "slower", "normal", "faster", "fastest"}

func (s Speed) String() string {
	if int(s) < len(speedNames) {
		return speedNames[s]
	}
	return fmt.Sprintf("speed(%d)", byte(s))
}

func ParseSpeed(s string) (Speed, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range speedNames {
		if s == name {
			return Speed(i), nil
		}
	}
	return 0, fmt.Errorf("effects: unknown speed %q", s)
}

// Color is an 8-bit RGB triple.
type Color struct {
	R, G, B byte
}

// ParseColor accepts "rrggbb" and "#rrggbb".
func ParseColor(s string) (Color, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(clean) != 6 {
		return Color{}, fmt.Errorf("effects: invalid color %q", s)
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(clean, "%02x%02x%02x", &r, &g, &b); err != nil {
		return Color{}, fmt.Errorf("effects: invalid color %q: %w", s, err)
	}
	return Color{R: r, G: g, B: b}, nil
}

func (c Color) String() string {
	return fmt.Sprintf("%02x%02x%02x", c.R, c.G, c.B)
}
