package scheduler

import (
	"fmt"
	"strconv"
	"strings"

	"kraken-controller/internal/core"
	"kraken-controller/internal/effects"
	"kraken-controller/internal/kraken"
)

// ParseCommand turns a schedule command line into a core.Command:
//
//	pump <percent>
//	fan <percent>
//	stop pump|fan
//	effect <channel> <mode> [speed] [color...]
//	pattern <name.lua> | pattern stop
//	reconnect
func ParseCommand(line string) (core.Command, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return core.Command{}, fmt.Errorf("empty command")
	}
	verb, args := strings.ToLower(parts[0]), parts[1:]

	switch verb {
	case "pump", "fan":
		a, _ := kraken.ParseActuator(verb)
		if len(args) != 1 {
			return core.Command{}, fmt.Errorf("usage: %s <percent>", verb)
		}
		pct, err := strconv.Atoi(strings.TrimSuffix(args[0], "%"))
		if err != nil {
			return core.Command{}, fmt.Errorf("invalid %s speed '%s'", verb, args[0])
		}
		if lo, hi := a.Limits(); pct < lo || pct > hi {
			return core.Command{}, fmt.Errorf("%s speed must be between %d and %d", verb, lo, hi)
		}
		typ := core.CmdSetPumpSpeed
		if a == kraken.Fan {
			typ = core.CmdSetFanSpeed
		}
		return core.Command{Type: typ, Payload: core.SpeedPayload{Percent: pct}}, nil

	case "stop":
		if len(args) != 1 {
			return core.Command{}, fmt.Errorf("usage: stop pump|fan")
		}
		a, err := kraken.ParseActuator(args[0])
		if err != nil {
			return core.Command{}, err
		}
		return core.Command{Type: core.CmdStopOverride, Payload: core.StopPayload{Actuator: a.String()}}, nil

	case "effect":
		if len(args) < 2 {
			return core.Command{}, fmt.Errorf("usage: effect <channel> <mode> [speed] [color...]")
		}
		ch, err := kraken.ParseChannel(args[0])
		if err != nil {
			return core.Command{}, err
		}
		p := core.EffectPayload{Channel: ch.String(), Mode: strings.ToLower(args[1])}
		rest := args[2:]
		if len(rest) > 0 {
			if _, err := effects.ParseSpeed(rest[0]); err == nil {
				p.Speed, rest = strings.ToLower(rest[0]), rest[1:]
			}
		}
		p.Colors = rest
		e, err := effects.Parse(p.Mode, p.Speed, p.Colors)
		if err != nil {
			return core.Command{}, err
		}
		// Device type support is checked when the command runs.
		if !e.Supports(ch) {
			return core.Command{}, fmt.Errorf("%s is only available on the ring", e.Name())
		}
		return core.Command{Type: core.CmdApplyEffect, Payload: p}, nil

	case "pattern":
		if len(args) != 1 {
			return core.Command{}, fmt.Errorf("usage: pattern <name.lua>|stop")
		}
		if strings.EqualFold(args[0], "stop") {
			return core.Command{Type: core.CmdStopPattern}, nil
		}
		if !strings.HasSuffix(args[0], ".lua") {
			return core.Command{}, fmt.Errorf("pattern name must end with .lua")
		}
		return core.Command{Type: core.CmdRunPattern, Payload: core.PatternPayload{Name: args[0]}}, nil

	case "reconnect":
		if len(args) != 0 {
			return core.Command{}, fmt.Errorf("usage: reconnect")
		}
		return core.Command{Type: core.CmdReconnect}, nil
	}
	return core.Command{}, fmt.Errorf("unknown command '%s'", verb)
}
