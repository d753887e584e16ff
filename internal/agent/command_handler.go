package agent

import (
	"fmt"
	"log"

	"kraken-controller/internal/core"
	"kraken-controller/internal/effects"
	"kraken-controller/internal/kraken"
)

func (a *Agent) handleCommand(cmd core.Command) {
	log.Printf("[Agent] Handling command: %s from %s with payload: %+v", cmd.Type, cmd.Source, cmd.Payload)

	if err := a.dispatch(cmd); err != nil {
		log.Printf("[Agent] Command %s failed: %v", cmd.Type, err)
		a.state.SetLastError(err.Error())
	}
}

func (a *Agent) dispatch(cmd core.Command) error {
	switch cmd.Type {
	case core.CmdSetPumpSpeed, core.CmdSetFanSpeed:
		p, ok := cmd.Payload.(core.SpeedPayload)
		if !ok {
			return fmt.Errorf("bad payload %T", cmd.Payload)
		}
		act := kraken.Pump
		if cmd.Type == core.CmdSetFanSpeed {
			act = kraken.Fan
		}
		return a.SetSpeed(act, p.Percent)

	case core.CmdStopOverride:
		p, ok := cmd.Payload.(core.StopPayload)
		if !ok {
			return fmt.Errorf("bad payload %T", cmd.Payload)
		}
		act, err := kraken.ParseActuator(p.Actuator)
		if err != nil {
			return err
		}
		return a.StopSpeed(act)

	case core.CmdApplyEffect:
		p, ok := cmd.Payload.(core.EffectPayload)
		if !ok {
			return fmt.Errorf("bad payload %T", cmd.Payload)
		}
		if running := a.state.Clone().RunningPattern; running != "" {
			log.Printf("[Agent] Effect requested while pattern '%s' is running. Stopping pattern.", running)
			if err := a.luaEngine.StopCurrentPattern(); err != nil {
				log.Printf("[Agent] Could not stop pattern: %v", err)
			}
		}
		return a.ApplyEffect(p)

	case core.CmdRunPattern:
		p, ok := cmd.Payload.(core.PatternPayload)
		if !ok {
			return fmt.Errorf("bad payload %T", cmd.Payload)
		}
		return a.luaEngine.RunPattern(p.Name)

	case core.CmdStopPattern:
		return a.luaEngine.StopCurrentPattern()

	case core.CmdReconnect:
		log.Println("[Agent] Reconnect requested.")
		a.signalDisconnect()
		return nil
	}
	return fmt.Errorf("unknown command type: %s", cmd.Type)
}

func setSpeed(dev *kraken.Device, act kraken.Actuator, pct int) error {
	if act == kraken.Fan {
		return dev.SetFanSpeed(pct)
	}
	return dev.SetPumpSpeed(pct)
}

func (a *Agent) writeEffect(dev *kraken.Device, p core.EffectPayload) error {
	ch, err := kraken.ParseChannel(p.Channel)
	if err != nil {
		return err
	}
	e, err := effects.Parse(p.Mode, p.Speed, p.Colors)
	if err != nil {
		return err
	}
	return dev.ApplyEffectTo(ch, e, true)
}

// ApplyEffect writes a lighting effect and records it as the zone's desired
// effect.
func (a *Agent) ApplyEffect(p core.EffectPayload) error {
	ch, err := kraken.ParseChannel(p.Channel)
	if err != nil {
		return err
	}
	p.Channel = ch.String()

	dev, err := a.dev()
	if err != nil {
		return err
	}
	if err := a.writeEffect(dev, p); err != nil {
		a.deviceError(err)
		return err
	}

	a.state.SetEffect(p.Channel, p)
	a.eventBus.Publish(core.Event{Type: core.EffectAppliedEvent, Payload: p})
	return nil
}

// SetSpeed starts a speed override and records it as the desired duty.
func (a *Agent) SetSpeed(act kraken.Actuator, pct int) error {
	dev, err := a.dev()
	if err != nil {
		return err
	}
	if err := setSpeed(dev, act, pct); err != nil {
		a.deviceError(err)
		return err
	}
	a.setDuty(act, pct)
	return nil
}

// StopSpeed ends a speed override and hands the actuator back to the
// firmware curve.
func (a *Agent) StopSpeed(act kraken.Actuator) error {
	dev, err := a.dev()
	if err != nil {
		return err
	}
	if err := dev.StopOverride(act, kraken.StopAbort); err != nil {
		return err
	}
	a.setDuty(act, 0)
	return nil
}

func (a *Agent) setDuty(act kraken.Actuator, pct int) {
	if act == kraken.Fan {
		a.state.SetFanDuty(pct)
	} else {
		a.state.SetPumpDuty(pct)
	}
	a.eventBus.Publish(core.Event{
		Type:    core.OverrideChangedEvent,
		Payload: core.OverrideChange{Actuator: act.String(), Percent: pct},
	})
}

// Telemetry returns the latest sensor sample.
func (a *Agent) Telemetry() core.Telemetry {
	return a.state.CurrentTelemetry()
}
