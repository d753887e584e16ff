package kraken

import (
	"fmt"
	"strings"
)

// DeviceType identifies the product family of the session.
type DeviceType int

const (
	// KrakenX covers the X42/X52/X62/X72: pump, fan, logo and ring.
	KrakenX DeviceType = iota
	// KrakenM22 is lighting-only.
	KrakenM22
)

func (t DeviceType) String() string {
	switch t {
	case KrakenX:
		return "kraken-x"
	case KrakenM22:
		return "kraken-m22"
	}
	return fmt.Sprintf("device-type(%d)", int(t))
}

// HasCooler reports whether the device has pump and fan actuators.
func (t DeviceType) HasCooler() bool {
	return t == KrakenX
}

func ParseDeviceType(s string) (DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "kraken-x", "krakenx", "x42", "x52", "x62", "x72":
		return KrakenX, nil
	case "kraken-m22", "krakenm22", "m22":
		return KrakenM22, nil
	}
	return 0, fmt.Errorf("unknown device type %q", s)
}

// Effect is a lighting behaviour that compiles to device command buffers.
// Compile must only be called after IsCompatibleWith returned true; the
// returned buffers are written in order.
type Effect interface {
	Name() string
	IsCompatibleWith(dt DeviceType) bool
	Compile(dt DeviceType, ch ChannelID) ([][]byte, error)
}
