package server

import "kraken-controller/internal/core"

// Message represents an outgoing JSON message sent to WebSocket clients.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// NewMessage creates a new structured Message for broadcasting to clients.
func NewMessage(msgType string, payload interface{}) Message {
	return Message{Type: msgType, Payload: payload}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// messageFor maps a bus event to the message sent to clients. ok is false
// for events that are not forwarded.
func messageFor(ev core.Event) (msg Message, ok bool) {
	switch ev.Type {
	case core.TelemetryEvent:
		return NewMessage("telemetry", ev.Payload), true
	case core.DeviceConnectedEvent:
		p, _ := ev.Payload.(core.ConnectionPayload)
		return NewMessage("device_status", map[string]interface{}{
			"connected": p.Connected,
			"firmware":  p.Firmware,
			"error":     errString(p.Err),
		}), true
	case core.PatternChangedEvent:
		p, _ := ev.Payload.(core.PatternPayload)
		return NewMessage("pattern_status", map[string]string{"running": p.Name}), true
	case core.EffectAppliedEvent:
		return NewMessage("effect_applied", ev.Payload), true
	case core.OverrideChangedEvent:
		return NewMessage("override", ev.Payload), true
	case core.OverrideFailedEvent:
		p, _ := ev.Payload.(core.OverrideFailure)
		return NewMessage("override_failed", map[string]string{
			"actuator": p.Actuator,
			"error":    errString(p.Err),
		}), true
	}
	return Message{}, false
}

var forwardedEvents = []core.EventType{
	core.TelemetryEvent,
	core.DeviceConnectedEvent,
	core.PatternChangedEvent,
	core.EffectAppliedEvent,
	core.OverrideChangedEvent,
	core.OverrideFailedEvent,
}
