// Package mqtt publishes cooler telemetry to an MQTT broker, with optional
// Home Assistant discovery. It never accepts commands.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"kraken-controller/internal/config"
	"kraken-controller/internal/core"
)

type Client struct {
	client mqtt.Client
	cfg    config.MQTTConfig
	prefix string
	model  string

	// discoveryDelay lets the connection settle before discovery is sent.
	discoveryDelay time.Duration
}

// NewClient builds a client with automatic reconnect. It returns nil when
// MQTT is disabled.
func NewClient(cfg config.MQTTConfig, model string) *Client {
	if !cfg.Enabled {
		return nil
	}

	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)

	opts.SetKeepAlive(10 * time.Second)
	opts.SetPingTimeout(5 * time.Second)

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	// Keep retrying at startup so a broker that comes up later is still reached.
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetOrderMatters(false)

	opts.SetWill(prefix+"/availability", "offline", 1, true)

	c := &Client{
		cfg:            cfg,
		prefix:         prefix,
		model:          model,
		discoveryDelay: time.Second,
	}

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("[MQTT] Connection lost: %v. Retrying in background...", err)
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, options *mqtt.ClientOptions) {
		log.Println("[MQTT] Attempting to reconnect...")
	})

	c.client = mqtt.NewClient(opts)

	return c
}

// Connect starts the connection loop and waits for the first attempt.
func (c *Client) Connect() error {
	if c == nil || c.client == nil {
		return nil
	}
	log.Printf("[MQTT] Starting connection loop to %s...", c.cfg.Broker)

	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		log.Printf("[MQTT] Initial connection error: %v", token.Error())
		return token.Error()
	}
	return nil
}

// Disconnect publishes the offline status and closes the connection.
func (c *Client) Disconnect() {
	if c == nil || c.client == nil || !c.client.IsConnected() {
		return
	}
	log.Println("[MQTT] Disconnecting...")

	token := c.client.Publish(c.prefix+"/availability", 0, true, "offline")
	if token.WaitTimeout(2 * time.Second) {
		if token.Error() != nil {
			log.Printf("[MQTT] Warning: failed to publish offline status: %v", token.Error())
		}
	} else {
		log.Println("[MQTT] Warning: timed out publishing offline status")
	}

	c.client.Disconnect(250)
	log.Println("[MQTT] Disconnected.")
}

// Publish sends payload to prefix/subtopic without blocking the caller.
func (c *Client) Publish(subtopic string, payload interface{}, retained bool) {
	if c.client == nil || !c.client.IsConnected() {
		return
	}

	topic := fmt.Sprintf("%s/%s", c.prefix, subtopic)
	msg := fmt.Sprintf("%v", payload)

	token := c.client.Publish(topic, 0, retained, msg)
	go func() {
		if token.WaitTimeout(5 * time.Second) {
			if token.Error() != nil {
				log.Printf("[MQTT] Publish error to %s: %v", topic, token.Error())
			}
		} else {
			log.Printf("[MQTT] Timeout publishing to %s", topic)
		}
	}()
}

func (c *Client) onConnect(client mqtt.Client) {
	log.Println("[MQTT] Connected to broker.")

	go func() {
		c.Publish("availability", "online", true)
		if c.cfg.HADiscoveryEnabled {
			time.Sleep(c.discoveryDelay)
			c.PublishHADiscovery()
		}
	}()
}

// Run publishes device events until ctx is done. snapshot seeds the retained
// topics so a fresh broker sees current values.
func (c *Client) Run(ctx context.Context, eb *core.EventBus, snapshot func() core.State) {
	if c == nil {
		return
	}
	types := []core.EventType{
		core.TelemetryEvent,
		core.DeviceConnectedEvent,
		core.PatternChangedEvent,
		core.OverrideChangedEvent,
	}
	sub := eb.Subscribe(types...)
	defer eb.Unsubscribe(sub, types...)

	if snapshot != nil {
		c.publishState(snapshot())
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub:
			c.handleEvent(ev)
		}
	}
}

func (c *Client) publishState(st core.State) {
	c.handleEvent(core.Event{Type: core.DeviceConnectedEvent, Payload: core.ConnectionPayload{
		Connected: st.IsConnected,
		Firmware:  st.Firmware,
	}})
	if st.IsConnected {
		c.publishTelemetry(st.Telemetry)
	}
	c.Publish("pump_duty", st.PumpDuty, true)
	c.Publish("fan_duty", st.FanDuty, true)
	c.Publish("pattern", st.RunningPattern, true)
}

func (c *Client) handleEvent(ev core.Event) {
	switch ev.Type {
	case core.TelemetryEvent:
		if t, ok := ev.Payload.(core.Telemetry); ok {
			c.publishTelemetry(t)
		}
	case core.DeviceConnectedEvent:
		p, _ := ev.Payload.(core.ConnectionPayload)
		if p.Connected {
			c.Publish("connection", "connected", true)
			c.Publish("firmware", p.Firmware, true)
		} else {
			c.Publish("connection", "disconnected", true)
		}
	case core.PatternChangedEvent:
		p, _ := ev.Payload.(core.PatternPayload)
		c.Publish("pattern", p.Name, true)
	case core.OverrideChangedEvent:
		if p, ok := ev.Payload.(core.OverrideChange); ok {
			c.Publish(p.Actuator+"_duty", p.Percent, true)
		}
	}
}

func (c *Client) publishTelemetry(t core.Telemetry) {
	for _, m := range telemetryMessages(t) {
		c.Publish(m.subtopic, m.payload, false)
	}
}

type message struct {
	subtopic string
	payload  string
}

// telemetryMessages flattens a sample into per-sensor topics. The
// temperature is omitted until the first valid reading.
func telemetryMessages(t core.Telemetry) []message {
	msgs := make([]message, 0, 3)
	if t.TempValid {
		msgs = append(msgs, message{"liquid_temp", strconv.Itoa(t.LiquidTemp)})
	}
	return append(msgs,
		message{"pump_rpm", strconv.Itoa(t.PumpRPM)},
		message{"fan_rpm", strconv.Itoa(t.FanRPM)},
	)
}

// sanitizeID keeps only characters Home Assistant accepts in ids.
func sanitizeID(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		if r == ' ' {
			return '_'
		}
		return -1
	}, s)
}

type sensor struct {
	key         string
	name        string
	unit        string
	deviceClass string
	icon        string
	diagnostic  bool
}

var sensors = []sensor{
	{key: "liquid_temp", name: "Liquid Temperature", unit: "°C", deviceClass: "temperature"},
	{key: "pump_rpm", name: "Pump Speed", unit: "RPM", icon: "mdi:pump"},
	{key: "fan_rpm", name: "Fan Speed", unit: "RPM", icon: "mdi:fan"},
	{key: "pump_duty", name: "Pump Duty", unit: "%", icon: "mdi:pump"},
	{key: "fan_duty", name: "Fan Duty", unit: "%", icon: "mdi:fan"},
	{key: "firmware", name: "Firmware", icon: "mdi:chip", diagnostic: true},
	{key: "pattern", name: "Pattern", icon: "mdi:script-text"},
}

// discoveryConfigs returns the retained Home Assistant sensor configs keyed by topic.
func (c *Client) discoveryConfigs() map[string]map[string]interface{} {
	safeID := sanitizeID(c.cfg.ClientID)
	device := map[string]interface{}{
		"identifiers":  []string{safeID},
		"name":         "Kraken Controller",
		"manufacturer": "NZXT",
		"model":        c.model,
	}
	availability := []map[string]string{
		{
			"topic":                 fmt.Sprintf("%s/availability", c.prefix),
			"payload_available":     "online",
			"payload_not_available": "offline",
		},
		{
			"topic":                 fmt.Sprintf("%s/connection", c.prefix),
			"payload_available":     "connected",
			"payload_not_available": "disconnected",
		},
	}

	out := make(map[string]map[string]interface{}, len(sensors))
	for _, s := range sensors {
		topic := fmt.Sprintf("%s/sensor/%s/%s/config", c.cfg.HADiscoveryPrefix, safeID, s.key)
		payload := map[string]interface{}{
			"name":              s.name,
			"unique_id":         safeID + "_" + s.key,
			"object_id":         safeID + "_" + s.key,
			"state_topic":       fmt.Sprintf("%s/%s", c.prefix, s.key),
			"availability_mode": "all",
			"availability":      availability,
			"device":            device,
		}
		if s.unit != "" {
			payload["unit_of_measurement"] = s.unit
			payload["state_class"] = "measurement"
		}
		if s.deviceClass != "" {
			payload["device_class"] = s.deviceClass
		}
		if s.icon != "" {
			payload["icon"] = s.icon
		}
		if s.diagnostic {
			payload["entity_category"] = "diagnostic"
		}
		out[topic] = payload
	}
	return out
}

// PublishHADiscovery sends the Home Assistant sensor configs.
func (c *Client) PublishHADiscovery() {
	for topic, payload := range c.discoveryConfigs() {
		jsonPayload, err := json.Marshal(payload)
		if err != nil {
			log.Printf("[MQTT] Discovery marshal error for %s: %v", topic, err)
			continue
		}
		c.client.Publish(topic, 0, true, jsonPayload)
	}
	log.Printf("[MQTT] HA Discovery sent under %s", c.cfg.HADiscoveryPrefix)
}
