package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventBus_DeliversBySubscribedType(t *testing.T) {
	eb := NewEventBus()
	tele := eb.Subscribe(TelemetryEvent)
	all := eb.Subscribe(TelemetryEvent, PatternChangedEvent)

	eb.Publish(Event{Type: TelemetryEvent, Payload: Telemetry{PumpRPM: 1800}})
	eb.Publish(Event{Type: PatternChangedEvent, Payload: PatternPayload{Name: "rainbow.lua"}})

	assert.Len(t, tele, 1)
	assert.Len(t, all, 2)
	ev := <-tele
	assert.Equal(t, 1800, ev.Payload.(Telemetry).PumpRPM)
}

func TestEventBus_Unsubscribe(t *testing.T) {
	eb := NewEventBus()
	a := eb.Subscribe(TelemetryEvent)
	b := eb.Subscribe(TelemetryEvent)
	eb.Unsubscribe(a, TelemetryEvent)

	eb.Publish(Event{Type: TelemetryEvent})
	assert.Len(t, a, 0)
	assert.Len(t, b, 1)
}

func TestEventBus_FullSubscriberDoesNotBlock(t *testing.T) {
	eb := NewEventBus()
	sub := eb.Subscribe(TelemetryEvent)
	for i := 0; i < cap(sub)+10; i++ {
		eb.Publish(Event{Type: TelemetryEvent})
	}
	assert.Len(t, sub, cap(sub))
}
