package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kraken-controller/internal/core"
	"kraken-controller/internal/scheduler"
)

const testOrigin = "http://localhost:8080"

func newTestServer(t *testing.T) (*Server, *httptest.Server, *core.EventBus) {
	t.Helper()
	state := core.NewState()
	state.SetConnection(true, "kraken-x", "6.2", "session-1")
	state.SetTelemetry(core.Telemetry{LiquidTemp: 31, TempValid: true, PumpRPM: 2000, FanRPM: 800})
	state.SetRunningPattern("night.lua")

	s := NewServer(Sources{
		State:    state.Clone,
		Patterns: func() ([]string, error) { return []string{"night.lua"}, nil },
		Schedules: func() []scheduler.ScheduleEntry {
			return []scheduler.ScheduleEntry{{ID: 1, Spec: "@daily", Command: "pump 60"}}
		},
	}, "0", t.TempDir(), []string{testOrigin})

	ctx, cancel := context.WithCancel(context.Background())
	eb := core.NewEventBus()
	s.Start(ctx, eb)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return s, ts, eb
}

func dial(t *testing.T, ts *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{origin}})
}

func readMessage(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg.Type, msg.Payload
}

func TestStatusEndpoint(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.True(t, st.State.IsConnected)
	assert.Equal(t, "6.2", st.State.Firmware)
	assert.Equal(t, 2000, st.State.Telemetry.PumpRPM)
	assert.Equal(t, []string{"night.lua"}, st.Patterns)
	require.Len(t, st.Schedules, 1)
	assert.Equal(t, "pump 60", st.Schedules[0].Command)

	resp, err = http.Post(ts.URL+"/api/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebSocket_InitialSnapshotThenEvents(t *testing.T) {
	s, ts, eb := newTestServer(t)

	conn, _, err := dial(t, ts, testOrigin)
	require.NoError(t, err)
	defer conn.Close()

	var types []string
	for i := 0; i < 4; i++ {
		typ, _ := readMessage(t, conn)
		types = append(types, typ)
	}
	assert.Equal(t, []string{"device_state", "pattern_list", "pattern_status", "schedule_list"}, types)

	require.Eventually(t, func() bool { return s.Hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	eb.Publish(core.Event{Type: core.TelemetryEvent, Payload: core.Telemetry{LiquidTemp: 33, TempValid: true, PumpRPM: 2100}})
	typ, payload := readMessage(t, conn)
	assert.Equal(t, "telemetry", typ)
	var tele core.Telemetry
	require.NoError(t, json.Unmarshal(payload, &tele))
	assert.Equal(t, 33, tele.LiquidTemp)
	assert.Equal(t, 2100, tele.PumpRPM)

	eb.Publish(core.Event{Type: core.OverrideFailedEvent, Payload: core.OverrideFailure{Actuator: "pump", Err: errors.New("pipe")}})
	typ, payload = readMessage(t, conn)
	assert.Equal(t, "override_failed", typ)
	assert.JSONEq(t, `{"actuator":"pump","error":"pipe"}`, string(payload))
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	_, ts, _ := newTestServer(t)

	_, resp, err := dial(t, ts, "http://evil.example")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMessageFor(t *testing.T) {
	msg, ok := messageFor(core.Event{Type: core.PatternChangedEvent, Payload: core.PatternPayload{Name: "a.lua"}})
	require.True(t, ok)
	assert.Equal(t, "pattern_status", msg.Type)
	assert.Equal(t, map[string]string{"running": "a.lua"}, msg.Payload)

	msg, ok = messageFor(core.Event{Type: core.DeviceConnectedEvent, Payload: core.ConnectionPayload{Connected: true, Firmware: "6.2"}})
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"connected": true, "firmware": "6.2", "error": ""}, msg.Payload)

	_, ok = messageFor(core.Event{Type: "Unknown"})
	assert.False(t, ok)
}
