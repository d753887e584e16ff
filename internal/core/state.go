package core

import "sync"

// Telemetry is one sample of the cooler's sensors.
type Telemetry struct {
	LiquidTemp int  `json:"liquid_temp"`
	TempValid  bool `json:"temp_valid"`
	PumpRPM    int  `json:"pump_rpm"`
	FanRPM     int  `json:"fan_rpm"`
}

// State holds the single source of truth for the device: what was last
// measured and what the user asked for. Desired settings survive reconnects.
type State struct {
	mu sync.RWMutex

	IsConnected bool   `json:"connected"`
	DeviceType  string `json:"device_type"`
	Firmware    string `json:"firmware"`
	Session     string `json:"session"`
	LastError   string `json:"last_error,omitempty"`

	Telemetry Telemetry `json:"telemetry"`

	// Desired duty percentages. Zero means no override is wanted.
	PumpDuty int `json:"pump_duty"`
	FanDuty  int `json:"fan_duty"`

	// Effects maps a canonical channel name to the effect last applied to it.
	Effects map[string]EffectPayload `json:"effects"`

	RunningPattern string `json:"running_pattern"`
}

// NewState creates a new State instance.
func NewState() *State {
	return &State{Effects: make(map[string]EffectPayload)}
}

// Clone returns a snapshot of the current state for safe reading.
func (s *State) Clone() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	effects := make(map[string]EffectPayload, len(s.Effects))
	for ch, e := range s.Effects {
		e.Colors = append([]string(nil), e.Colors...)
		effects[ch] = e
	}
	return State{
		IsConnected:    s.IsConnected,
		DeviceType:     s.DeviceType,
		Firmware:       s.Firmware,
		Session:        s.Session,
		LastError:      s.LastError,
		Telemetry:      s.Telemetry,
		PumpDuty:       s.PumpDuty,
		FanDuty:        s.FanDuty,
		Effects:        effects,
		RunningPattern: s.RunningPattern,
	}
}

// SetConnection updates connection state. Firmware and session are kept
// only while connected.
func (s *State) SetConnection(connected bool, deviceType, firmware, session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.IsConnected = connected
	s.DeviceType = deviceType
	if !connected {
		firmware, session = "", ""
		s.Telemetry = Telemetry{}
	}
	s.Firmware = firmware
	s.Session = session
}

// SetLastError records the most recent device failure. An empty string clears it.
func (s *State) SetLastError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastError = msg
}

// SetTelemetry stores the latest sensor sample.
func (s *State) SetTelemetry(t Telemetry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Telemetry = t
}

// SetPumpDuty records the desired pump duty. Zero clears it.
func (s *State) SetPumpDuty(pct int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PumpDuty = pct
}

// SetFanDuty records the desired fan duty. Zero clears it.
func (s *State) SetFanDuty(pct int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FanDuty = pct
}

// SetEffect records the effect applied to a channel. The combined channel
// "sync" replaces any per-zone entries.
func (s *State) SetEffect(channel string, e EffectPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if channel == "sync" {
		for ch := range s.Effects {
			delete(s.Effects, ch)
		}
	}
	e.Channel = channel
	e.Colors = append([]string(nil), e.Colors...)
	s.Effects[channel] = e
}

// SetRunningPattern updates the running pattern state.
func (s *State) SetRunningPattern(pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RunningPattern = pattern
}

// CurrentTelemetry returns the latest sensor sample.
func (s *State) CurrentTelemetry() Telemetry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Telemetry
}
