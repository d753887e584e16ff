package agent

import (
	"context"
	"errors"
	"log"
	"time"

	"kraken-controller/internal/core"
	"kraken-controller/internal/kraken"
)

// errReporter is implemented by transports whose background reader can fail.
type errReporter interface {
	Err() error
}

// trackedOpen opens a transport and remembers it for health checks.
func (a *Agent) trackedOpen(ctx context.Context) (kraken.Transport, error) {
	t, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	a.transportMu.Lock()
	a.transport = t
	a.transportMu.Unlock()
	return t, nil
}

func (a *Agent) transportErr() error {
	a.transportMu.Lock()
	t := a.transport
	a.transportMu.Unlock()
	if r, ok := t.(errReporter); ok {
		return r.Err()
	}
	return nil
}

func (a *Agent) dev() (*kraken.Device, error) {
	a.devMu.RLock()
	defer a.devMu.RUnlock()
	if a.device == nil {
		return nil, kraken.ErrNotConnected
	}
	return a.device, nil
}

// signalDisconnect asks the connection loop to reconnect. It never blocks.
func (a *Agent) signalDisconnect() {
	select {
	case a.disconnectChan <- struct{}{}:
	default:
	}
}

// deviceError logs err and triggers a reconnect when it came from the transport.
func (a *Agent) deviceError(err error) {
	a.state.SetLastError(err.Error())
	if isTransportFailure(err) {
		log.Printf("[Agent] Device failure, reconnecting: %v", err)
		a.signalDisconnect()
	}
}

func isTransportFailure(err error) bool {
	var te *kraken.TransportError
	return errors.As(err, &te) || errors.Is(err, kraken.ErrNotConnected)
}

func (a *Agent) onOverrideError(act kraken.Actuator, err error) {
	log.Printf("[Agent] %s override stopped: %v", act, err)
	a.eventBus.Publish(core.Event{
		Type:    core.OverrideFailedEvent,
		Payload: core.OverrideFailure{Actuator: act.String(), Err: err},
	})
	a.deviceError(err)
}

// sleep waits for d or until shutdown. It returns false on shutdown.
func (a *Agent) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-a.ctx.Done():
		return false
	}
}

// runDevice is the connection management loop: connect, restore the desired
// state, poll telemetry until a failure is signalled, then start over after
// the retry delay.
func (a *Agent) runDevice() {
	defer a.wg.Done()

	for {
		if a.ctx.Err() != nil {
			log.Println("[Agent] Device loop shutting down.")
			return
		}

		if err := a.connect(); err != nil {
			log.Printf("[Agent] Failed to connect: %v", err)
			a.setDisconnected(err)
			if !a.sleep(a.retryDelay) {
				return
			}
			continue
		}

		a.onConnected()
		a.watch()

		if a.ctx.Err() != nil {
			return
		}
		a.setDisconnected(nil)
		if !a.sleep(a.retryDelay) {
			return
		}
	}
}

func (a *Agent) connect() error {
	// Drop stale signals from the previous session.
	select {
	case <-a.disconnectChan:
	default:
	}

	a.devMu.RLock()
	dev := a.device
	a.devMu.RUnlock()

	if dev != nil {
		return dev.Reconnect(a.ctx)
	}

	dev, err := kraken.New(a.ctx, a.trackedOpen, a.deviceOpts...)
	if err != nil {
		return err
	}
	a.devMu.Lock()
	a.device = dev
	a.devMu.Unlock()
	return nil
}

func (a *Agent) onConnected() {
	dev, err := a.dev()
	if err != nil {
		return
	}
	st := dev.Status()
	fw := st.Firmware.String()
	log.Printf("[Agent] Device connected (firmware %s).", fw)

	a.state.SetConnection(true, a.deviceType.String(), fw, st.Session)
	a.state.SetLastError("")
	a.eventBus.Publish(core.Event{
		Type:    core.DeviceConnectedEvent,
		Payload: core.ConnectionPayload{Connected: true, Firmware: fw},
	})

	a.restore(dev)
	a.poll()
}

func (a *Agent) setDisconnected(err error) {
	wasConnected := a.state.Clone().IsConnected
	a.state.SetConnection(false, a.deviceType.String(), "", "")
	if err != nil {
		a.state.SetLastError(err.Error())
	}
	if wasConnected || err != nil {
		a.eventBus.Publish(core.Event{
			Type:    core.DeviceConnectedEvent,
			Payload: core.ConnectionPayload{Connected: false, Err: err},
		})
	}
}

// restore writes the desired effects and speeds to a fresh session. The
// combined channel goes first so per-zone effects land on top of it. An
// effect the device rejects is skipped; a transport failure ends the restore
// since a reconnect is already pending.
func (a *Agent) restore(dev *kraken.Device) {
	desired := a.state.Clone()

	for _, ch := range kraken.Channels {
		p, ok := desired.Effects[ch.String()]
		if !ok {
			continue
		}
		if err := a.writeEffect(dev, p); err != nil {
			log.Printf("[Agent] Restoring %s effect failed: %v", ch, err)
			a.deviceError(err)
			if isTransportFailure(err) {
				return
			}
		}
	}

	speeds := []struct {
		act kraken.Actuator
		pct int
	}{
		{kraken.Pump, desired.PumpDuty},
		{kraken.Fan, desired.FanDuty},
	}
	for _, s := range speeds {
		if s.pct == 0 {
			continue
		}
		if err := setSpeed(dev, s.act, s.pct); err != nil {
			log.Printf("[Agent] Restoring %s speed failed: %v", s.act, err)
			a.deviceError(err)
			return
		}
	}
}

// watch polls telemetry until a disconnect is signalled or the agent stops.
func (a *Agent) watch() {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.disconnectChan:
			log.Println("[Agent] Disconnection signal received. Resetting connection...")
			return
		case <-ticker.C:
			if err := a.transportErr(); err != nil {
				log.Printf("[Agent] Transport failed: %v", err)
				a.state.SetLastError(err.Error())
				return
			}
			a.poll()
		}
	}
}

// poll samples the sensors and publishes them.
func (a *Agent) poll() {
	dev, err := a.dev()
	if err != nil {
		return
	}
	temp, ok := dev.LiquidTemp()
	t := core.Telemetry{
		LiquidTemp: temp,
		TempValid:  ok,
		PumpRPM:    dev.PumpSpeed(),
		FanRPM:     dev.FanSpeed(),
	}
	a.state.SetTelemetry(t)
	a.eventBus.Publish(core.Event{Type: core.TelemetryEvent, Payload: t})
}
