package core

// CommandType defines the type of command being dispatched.
type CommandType string

const (
	CmdSetPumpSpeed CommandType = "setPumpSpeed"
	CmdSetFanSpeed  CommandType = "setFanSpeed"
	CmdStopOverride CommandType = "stopOverride"
	CmdApplyEffect  CommandType = "applyEffect"
	CmdRunPattern   CommandType = "runPattern"
	CmdStopPattern  CommandType = "stopPattern"
	CmdReconnect    CommandType = "reconnect"
)

// Command is the envelope for requests to change device state.
// Payload is one of the *Payload types below, or nil.
type Command struct {
	Type    CommandType
	Payload interface{}
	// Source names the originator for logging ("schedule", "startup", ...).
	Source string
}

// SpeedPayload carries a duty percentage for CmdSetPumpSpeed and CmdSetFanSpeed.
type SpeedPayload struct {
	Percent int
}

// StopPayload names the actuator for CmdStopOverride ("pump" or "fan").
type StopPayload struct {
	Actuator string
}

// EffectPayload describes a lighting effect in its textual form.
type EffectPayload struct {
	Channel string   `json:"channel"`
	Mode    string   `json:"mode"`
	Speed   string   `json:"speed,omitempty"`
	Colors  []string `json:"colors,omitempty"`
}

// PatternPayload names a Lua pattern file for CmdRunPattern. It also
// accompanies PatternChangedEvent, where an empty Name means no pattern is
// running.
type PatternPayload struct {
	Name string `json:"name"`
}

// CommandChannel is the single channel that the Agent listens to for commands.
type CommandChannel chan Command
