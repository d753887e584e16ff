package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kraken-controller/internal/core"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want core.Command
	}{
		{"pump 70", core.Command{Type: core.CmdSetPumpSpeed, Payload: core.SpeedPayload{Percent: 70}}},
		{"FAN 35%", core.Command{Type: core.CmdSetFanSpeed, Payload: core.SpeedPayload{Percent: 35}}},
		{"stop fan", core.Command{Type: core.CmdStopOverride, Payload: core.StopPayload{Actuator: "fan"}}},
		{"effect ring fading faster ff0000 0000ff", core.Command{Type: core.CmdApplyEffect, Payload: core.EffectPayload{
			Channel: "ring", Mode: "fading", Speed: "faster", Colors: []string{"ff0000", "0000ff"},
		}}},
		{"effect all Fixed 00FF00", core.Command{Type: core.CmdApplyEffect, Payload: core.EffectPayload{
			Channel: "sync", Mode: "fixed", Colors: []string{"00FF00"},
		}}},
		{"effect logo off", core.Command{Type: core.CmdApplyEffect, Payload: core.EffectPayload{
			Channel: "logo", Mode: "off", Colors: []string{},
		}}},
		{"pattern Night.lua", core.Command{Type: core.CmdRunPattern, Payload: core.PatternPayload{Name: "Night.lua"}}},
		{"pattern stop", core.Command{Type: core.CmdStopPattern}},
		{"reconnect", core.Command{Type: core.CmdReconnect}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCommand_Invalid(t *testing.T) {
	for _, line := range []string{
		"",
		"pump",
		"pump 40",
		"fan 101",
		"fan fast",
		"stop",
		"stop led",
		"effect ring",
		"effect fan fixed ff0000",
		"effect ring rainbow",
		"effect logo fixed",
		"effect sync marquee-3 ff0000",
		"effect logo tai-chi ff0000 0000ff",
		"pattern night",
		"reconnect now",
		"power on",
	} {
		_, err := ParseCommand(line)
		assert.Error(t, err, line)
	}
}

func TestAdd_RejectsInvalid(t *testing.T) {
	s := NewScheduler(make(core.CommandChannel, 1))

	_, err := s.Add("@hourly", "pump 10")
	assert.Error(t, err)
	_, err = s.Add("every tuesday", "pump 60")
	assert.Error(t, err)
	assert.Empty(t, s.GetAll())
}

func TestAddRemove(t *testing.T) {
	s := NewScheduler(make(core.CommandChannel, 1))

	a, err := s.Add("@daily", "effect sync off")
	require.NoError(t, err)
	b, err := s.Add("0 8 * * *", "pump 60")
	require.NoError(t, err)

	all := s.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, a, all[0].ID)
	assert.Equal(t, "pump 60", all[1].Command)

	s.Remove(a)
	all = s.GetAll()
	require.Len(t, all, 1)
	assert.Equal(t, b, all[0].ID)
}

func TestSchedule_FiresCommand(t *testing.T) {
	ch := make(core.CommandChannel, 4)
	s := NewScheduler(ch)
	_, err := s.Add("@every 1s", "fan 50")
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	select {
	case cmd := <-ch:
		assert.Equal(t, core.CmdSetFanSpeed, cmd.Type)
		assert.Equal(t, core.SpeedPayload{Percent: 50}, cmd.Payload)
		assert.Equal(t, "schedule", cmd.Source)
	case <-time.After(3 * time.Second):
		t.Fatal("schedule did not fire")
	}
}
