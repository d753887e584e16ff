package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_SyncEffectReplacesZones(t *testing.T) {
	s := NewState()
	s.SetEffect("logo", EffectPayload{Mode: "fixed", Colors: []string{"ff0000"}})
	s.SetEffect("ring", EffectPayload{Mode: "spectrum-wave"})
	require.Len(t, s.Clone().Effects, 2)

	s.SetEffect("sync", EffectPayload{Mode: "off"})
	effects := s.Clone().Effects
	require.Len(t, effects, 1)
	assert.Equal(t, "sync", effects["sync"].Channel)

	s.SetEffect("ring", EffectPayload{Mode: "breathing", Colors: []string{"00ff00"}})
	assert.Len(t, s.Clone().Effects, 2)
}

func TestState_CloneIsDetached(t *testing.T) {
	s := NewState()
	colors := []string{"ff0000"}
	s.SetEffect("logo", EffectPayload{Mode: "fixed", Colors: colors})
	colors[0] = "000000"

	snap := s.Clone()
	assert.Equal(t, "ff0000", snap.Effects["logo"].Colors[0])

	snap.Effects["logo"].Colors[0] = "00ff00"
	delete(snap.Effects, "logo")
	assert.Equal(t, "ff0000", s.Clone().Effects["logo"].Colors[0])
}

func TestState_DisconnectClearsSessionData(t *testing.T) {
	s := NewState()
	s.SetConnection(true, "kraken-x", "6.2", "abc")
	s.SetTelemetry(Telemetry{LiquidTemp: 31, TempValid: true, PumpRPM: 2000})
	s.SetPumpDuty(70)

	s.SetConnection(false, "kraken-x", "6.2", "abc")
	snap := s.Clone()
	assert.False(t, snap.IsConnected)
	assert.Empty(t, snap.Firmware)
	assert.Empty(t, snap.Session)
	assert.Equal(t, Telemetry{}, snap.Telemetry)
	assert.Equal(t, 70, snap.PumpDuty, "desired settings survive")
}
