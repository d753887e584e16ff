// Package effects is the catalog of lighting modes supported by the Kraken
// firmware. Every effect compiles to one or more 32-byte lighting commands:
//
//	[0x02, 0x4C, flags|channel, mode, seq<<5|variant|speed, G, R, B, 8 x (R, G, B)]
//
// The logo LED takes its color in GRB order, the eight ring LEDs in RGB.
package effects

import (
	"fmt"
	"sort"
	"strings"

	"kraken-controller/internal/kraken"
)

const (
	reportID         = 0x02
	lightingCmdID    = 0x4C
	ringLEDs         = 8
	commandLen       = 5 + 3 + 3*ringLEDs
	maxAnimatedSteps = 8
)

// mode describes one firmware animation.
type mode struct {
	code      byte
	variant   byte // size/variant bits of byte 4
	flags     byte // direction/moving bits of byte 2
	minColors int
	maxColors int
	ringOnly  bool
	// perLED modes take one color per LED in a single command instead of one
	// command per color.
	perLED bool
	// xOnly modes are not present in the M22 firmware.
	xOnly bool
}

var modes = map[string]mode{
	"off":                     {code: 0x00},
	"fixed":                   {code: 0x00, minColors: 1, maxColors: 1},
	"super-fixed":             {code: 0x00, minColors: 1, maxColors: 9, perLED: true},
	"fading":                  {code: 0x01, minColors: 2, maxColors: 8},
	"spectrum-wave":           {code: 0x02},
	"backwards-spectrum-wave": {code: 0x02, flags: 0x10},
	"super-wave":              {code: 0x03, minColors: 1, maxColors: 8, ringOnly: true, perLED: true},
	"backwards-super-wave":    {code: 0x03, flags: 0x10, minColors: 1, maxColors: 8, ringOnly: true, perLED: true},
	"marquee-3":               {code: 0x04, minColors: 1, maxColors: 1, ringOnly: true},
	"marquee-4":               {code: 0x04, variant: 0x08, minColors: 1, maxColors: 1, ringOnly: true},
	"marquee-5":               {code: 0x04, variant: 0x10, minColors: 1, maxColors: 1, ringOnly: true},
	"marquee-6":               {code: 0x04, variant: 0x18, minColors: 1, maxColors: 1, ringOnly: true},
	"covering-marquee":        {code: 0x05, minColors: 1, maxColors: 8, ringOnly: true},
	"alternating":             {code: 0x06, minColors: 2, maxColors: 2, ringOnly: true},
	"moving-alternating":      {code: 0x06, variant: 0x08, minColors: 2, maxColors: 2, ringOnly: true},
	"breathing":               {code: 0x07, minColors: 1, maxColors: 8},
	"super-breathing":         {code: 0x07, minColors: 1, maxColors: 9, perLED: true},
	"pulse":                   {code: 0x08, minColors: 1, maxColors: 8},
	"tai-chi":                 {code: 0x09, minColors: 2, maxColors: 2, ringOnly: true, xOnly: true},
	"water-cooler":            {code: 0x0A, ringOnly: true, xOnly: true},
	"loading":                 {code: 0x0B, minColors: 1, maxColors: 1, ringOnly: true, xOnly: true},
	"wings":                   {code: 0x0C, minColors: 1, maxColors: 1, ringOnly: true, xOnly: true},
}

// Modes returns the names of every supported mode, sorted.
func Modes() []string {
	names := make([]string, 0, len(modes))
	for name := range modes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Effect is a configured lighting mode. It implements kraken.Effect.
type Effect struct {
	name   string
	mode   mode
	speed  Speed
	colors []Color
}

var _ kraken.Effect = (*Effect)(nil)

// New builds an effect, checking the color count against the mode.
func New(name string, speed Speed, colors ...Color) (*Effect, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	m, ok := modes[name]
	if !ok {
		return nil, fmt.Errorf("effects: unknown mode %q", name)
	}
	if speed > Fastest {
		return nil, fmt.Errorf("effects: invalid speed %d", speed)
	}
	if len(colors) < m.minColors || len(colors) > m.maxColors {
		if m.minColors == m.maxColors {
			return nil, fmt.Errorf("effects: %s takes %d color(s), got %d", name, m.minColors, len(colors))
		}
		return nil, fmt.Errorf("effects: %s takes %d to %d colors, got %d", name, m.minColors, m.maxColors, len(colors))
	}
	return &Effect{
		name:   name,
		mode:   m,
		speed:  speed,
		colors: append([]Color(nil), colors...),
	}, nil
}

// Parse builds an effect from its textual form, as used in config files,
// schedules and scripts. An empty speed means Normal.
func Parse(name, speed string, colors []string) (*Effect, error) {
	sp := Normal
	if strings.TrimSpace(speed) != "" {
		var err error
		if sp, err = ParseSpeed(speed); err != nil {
			return nil, err
		}
	}
	cs := make([]Color, 0, len(colors))
	for _, s := range colors {
		c, err := ParseColor(s)
		if err != nil {
			return nil, err
		}
		cs = append(cs, c)
	}
	return New(name, sp, cs...)
}

func Off() *Effect {
	e, _ := New("off", Normal)
	return e
}

func Fixed(c Color) *Effect {
	e, _ := New("fixed", Normal, c)
	return e
}

func SpectrumWave(speed Speed) *Effect {
	e, _ := New("spectrum-wave", speed)
	return e
}

func (e *Effect) Name() string { return e.name }

func (e *Effect) Speed() Speed { return e.speed }

func (e *Effect) Colors() []Color { return append([]Color(nil), e.colors...) }

func (e *Effect) String() string {
	parts := []string{e.name, e.speed.String()}
	for _, c := range e.colors {
		parts = append(parts, c.String())
	}
	return strings.Join(parts, " ")
}

// IsCompatibleWith reports whether the device firmware has this mode.
func (e *Effect) IsCompatibleWith(dt kraken.DeviceType) bool {
	switch dt {
	case kraken.KrakenX:
		return true
	case kraken.KrakenM22:
		return !e.mode.xOnly
	}
	return false
}

// Supports reports whether the mode can drive ch.
func (e *Effect) Supports(ch kraken.ChannelID) bool {
	return !e.mode.ringOnly || ch == kraken.Ring
}

// Check returns the error applying e to ch on dt would fail with, or nil.
func (e *Effect) Check(dt kraken.DeviceType, ch kraken.ChannelID) error {
	if !e.IsCompatibleWith(dt) {
		return &kraken.IncompatibleEffectError{DeviceType: dt, Effect: e.name}
	}
	_, err := e.Compile(dt, ch)
	return err
}

// Compile returns the lighting commands for ch, in the order they must be sent.
func (e *Effect) Compile(dt kraken.DeviceType, ch kraken.ChannelID) ([][]byte, error) {
	if !e.Supports(ch) {
		return nil, fmt.Errorf("effects: %s is only available on the ring", e.name)
	}

	var steps [][]Color
	switch {
	case e.mode.perLED:
		steps = [][]Color{e.perLEDColors()}
	case len(e.colors) == 0:
		steps = [][]Color{uniform(Color{})}
	default:
		n := len(e.colors)
		if n > maxAnimatedSteps {
			n = maxAnimatedSteps
		}
		for _, c := range e.colors[:n] {
			steps = append(steps, uniform(c))
		}
	}

	out := make([][]byte, 0, len(steps))
	for seq, leds := range steps {
		out = append(out, e.command(ch, seq, leds))
	}
	return out, nil
}

func (e *Effect) command(ch kraken.ChannelID, seq int, leds []Color) []byte {
	b := make([]byte, 0, commandLen)
	b = append(b,
		reportID,
		lightingCmdID,
		e.mode.flags|byte(ch),
		e.mode.code,
		byte(seq)<<5|e.mode.variant|byte(e.speed),
	)
	logo := leds[0]
	b = append(b, logo.G, logo.R, logo.B)
	for _, c := range leds[1:] {
		b = append(b, c.R, c.G, c.B)
	}
	return b
}

// perLEDColors maps colors onto logo + ring LEDs. Missing LEDs stay dark.
// On the ring the first color goes to the first ring LED.
func (e *Effect) perLEDColors() []Color {
	leds := make([]Color, 1+ringLEDs)
	src := e.colors
	if e.mode.ringOnly {
		copy(leds[1:], src)
		return leds
	}
	copy(leds, src)
	return leds
}

func uniform(c Color) []Color {
	leds := make([]Color, 1+ringLEDs)
	for i := range leds {
		leds[i] = c
	}
	return leds
}
