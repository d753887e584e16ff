// Package kraken implements the control session for a Kraken-class liquid
// cooler: lighting effects per zone, status report decoding and the pump and
// fan speed overrides that must be refreshed while the session is alive.
package kraken

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport is the raw byte channel to the device.
type Transport interface {
	// Write sends one command buffer. Each call is delivered whole.
	Write(payload []byte) error
	// LastReport returns the most recent input report, or nil.
	LastReport() []byte
	// OnReport registers fn to be called with every input report.
	OnReport(fn func(report []byte))
	Close() error
}

// Opener opens a fresh Transport. It is called on construction and on every
// Reconnect.
type Opener func(ctx context.Context) (Transport, error)

type options struct {
	deviceType       DeviceType
	overrideInterval time.Duration
	firmwareTimeout  time.Duration
	layout           Layout
	onOverrideError  func(Actuator, error)
}

// Option configures a Device.
type Option func(*options)

func WithDeviceType(dt DeviceType) Option {
	return func(o *options) { o.deviceType = dt }
}

// WithOverrideInterval sets the keep-alive period of speed overrides.
func WithOverrideInterval(d time.Duration) Option {
	return func(o *options) { o.overrideInterval = d }
}

// WithFirmwareTimeout bounds the wait for the first status report during
// connect. Zero waits until the context is done.
func WithFirmwareTimeout(d time.Duration) Option {
	return func(o *options) { o.firmwareTimeout = d }
}

func WithLayout(l Layout) Option {
	return func(o *options) { o.layout = l }
}

// WithOverrideErrorHandler registers fn to be called from the loop goroutine
// when an override loop stops on a transport error. fn must not block on the
// same actuator's StopOverride with StopAbort.
func WithOverrideErrorHandler(fn func(Actuator, error)) Option {
	return func(o *options) { o.onOverrideError = fn }
}

// Device is a single session with one physical cooler.
type Device struct {
	open Opener
	opts options

	// writeMu makes every write sequence atomic with respect to other writers.
	writeMu sync.Mutex

	// sessionMu is held exclusively while the transport is torn down or
	// replaced, and shared while an override is being started.
	sessionMu sync.RWMutex

	mu        sync.RWMutex
	transport Transport
	cache     *ReportCache
	firmware  Version
	session   uuid.UUID
	closed    bool

	effectsMu sync.RWMutex
	effects   map[ChannelID]Effect

	overrides [2]*override
}

// New opens the transport and blocks until the firmware version has been read
// from the first status report.
func New(ctx context.Context, open Opener, opts ...Option) (*Device, error) {
	o := options{
		deviceType:       KrakenX,
		overrideInterval: DefaultOverrideInterval,
		firmwareTimeout:  5 * time.Second,
		layout:           DefaultLayout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.overrideInterval <= 0 {
		return nil, &InvalidParameterError{Name: "override interval", Value: int(o.overrideInterval)}
	}
	if err := o.layout.validate(); err != nil {
		return nil, err
	}

	d := &Device{
		open:    open,
		opts:    o,
		effects: make(map[ChannelID]Effect),
	}
	d.overrides[Pump] = newOverride(Pump)
	d.overrides[Fan] = newOverride(Fan)

	if err := d.connect(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) connect(ctx context.Context) error {
	t, err := d.open(ctx)
	if err != nil {
		return &TransportError{Op: "open", Err: err}
	}

	cache := NewReportCache(d.opts.layout)
	t.OnReport(cache.Update)
	if r := t.LastReport(); r != nil {
		cache.Update(r)
	}

	waitCtx := ctx
	if d.opts.firmwareTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, d.opts.firmwareTimeout)
		defer cancel()
	}
	fw, err := cache.WaitFirmware(waitCtx)
	if err != nil {
		_ = t.Close()
		return fmt.Errorf("kraken: resolve firmware version: %w", err)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = t.Close()
		return ErrClosed
	}
	prev := d.transport
	d.transport = t
	d.cache = cache
	d.firmware = fw
	d.session = uuid.New()
	sid := d.session
	d.mu.Unlock()

	if prev != nil && prev != t {
		_ = prev.Close()
	}

	d.effectsMu.Lock()
	d.effects = make(map[ChannelID]Effect)
	d.effectsMu.Unlock()

	log.Printf("[Device] %s ready (firmware %s, session %s)", d.opts.deviceType, fw, sid)
	return nil
}

func (d *Device) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

func (d *Device) reportCache() *ReportCache {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cache
}

// write delivers payloads in order while holding the write lock, so no other
// writer can interleave with the sequence.
func (d *Device) write(payloads ...[]byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	d.mu.RLock()
	t, closed := d.transport, d.closed
	d.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if t == nil {
		return ErrNotConnected
	}
	for _, p := range payloads {
		if err := t.Write(p); err != nil {
			return &TransportError{Op: "write", Err: err}
		}
	}
	return nil
}

// DeviceType returns the product family this session was opened for.
func (d *Device) DeviceType() DeviceType {
	return d.opts.deviceType
}

// WriteCustom sends a raw command buffer.
func (d *Device) WriteCustom(payload []byte) error {
	if len(payload) == 0 {
		return &InvalidParameterError{Name: "payload length", Value: 0}
	}
	return d.write(payload)
}

// ApplyEffect applies effect to every zone.
func (d *Device) ApplyEffect(effect Effect) error {
	return d.ApplyEffectTo(Combined, effect, true)
}

// ApplyEffectTo compiles effect for ch and writes the resulting buffers in
// order. When applyToChannel is set the effect is recorded as the zone's
// current effect; targeting Combined records it on every zone.
func (d *Device) ApplyEffectTo(ch ChannelID, effect Effect, applyToChannel bool) error {
	if effect == nil {
		return fmt.Errorf("%w: nil effect", ErrInvalidParameter)
	}
	if !ch.Valid() {
		return &InvalidParameterError{Name: "channel", Value: int(ch)}
	}
	dt := d.opts.deviceType
	if !effect.IsCompatibleWith(dt) {
		return &IncompatibleEffectError{DeviceType: dt, Effect: effect.Name()}
	}
	buffers, err := effect.Compile(dt, ch)
	if err != nil {
		return fmt.Errorf("kraken: compile %s for %s: %w", effect.Name(), ch, err)
	}
	if err := d.write(buffers...); err != nil {
		return err
	}
	if applyToChannel {
		d.effectsMu.Lock()
		for _, c := range affectedChannels(ch) {
			d.effects[c] = effect
		}
		d.effectsMu.Unlock()
	}
	return nil
}

// LastEffect returns the effect most recently applied to ch, or nil.
func (d *Device) LastEffect(ch ChannelID) Effect {
	d.effectsMu.RLock()
	defer d.effectsMu.RUnlock()
	return d.effects[ch]
}

func (d *Device) SetPumpSpeed(percent int) error {
	return d.setSpeed(Pump, percent)
}

func (d *Device) SetFanSpeed(percent int) error {
	return d.setSpeed(Fan, percent)
}

// StopOverride ends the keep-alive loop of a.
func (d *Device) StopOverride(a Actuator, st StopType) error {
	if a != Pump && a != Fan {
		return &InvalidParameterError{Name: "actuator", Value: int(a)}
	}
	d.overrides[a].stop(st)
	return nil
}

// Override returns the state of a's keep-alive loop.
func (d *Device) Override(a Actuator) OverrideStatus {
	if a != Pump && a != Fan {
		return OverrideStatus{Actuator: a}
	}
	return d.overrides[a].snapshot()
}

// PumpSpeed returns the pump RPM from the last report, or 0.
func (d *Device) PumpSpeed() int {
	if c := d.reportCache(); c != nil {
		return c.PumpSpeed()
	}
	return 0
}

// FanSpeed returns the fan RPM from the last report, or 0.
func (d *Device) FanSpeed() int {
	if c := d.reportCache(); c != nil {
		return c.FanSpeed()
	}
	return 0
}

// LiquidTemp returns the liquid temperature in °C. ok is false until a
// report has been received.
func (d *Device) LiquidTemp() (temp int, ok bool) {
	if c := d.reportCache(); c != nil {
		return c.LiquidTemp()
	}
	return 0, false
}

// LastReport returns a copy of the most recent status report, or nil.
func (d *Device) LastReport() Report {
	if c := d.reportCache(); c != nil {
		return c.Last()
	}
	return nil
}

// FirmwareVersion returns the version resolved when the session connected.
func (d *Device) FirmwareVersion() Version {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.firmware
}

// Close stops both override loops and releases the transport. It is safe to
// call more than once.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.sessionMu.Lock()
	defer d.sessionMu.Unlock()

	d.overrides[Pump].stop(StopAbort)
	d.overrides[Fan].stop(StopAbort)

	return d.release()
}

func (d *Device) release() error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	d.mu.Lock()
	t := d.transport
	d.transport = nil
	d.cache = nil
	d.mu.Unlock()

	if t == nil {
		return nil
	}
	if err := t.Close(); err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

// Reconnect tears the session down and runs the full connect sequence again.
// Overrides and effect bookkeeping do not survive it.
func (d *Device) Reconnect(ctx context.Context) error {
	if d.isClosed() {
		return ErrClosed
	}
	d.sessionMu.Lock()
	defer d.sessionMu.Unlock()
	if d.isClosed() {
		return ErrClosed
	}
	log.Printf("[Device] Reconnecting %s...", d.opts.deviceType)

	d.overrides[Pump].stop(StopAbort)
	d.overrides[Fan].stop(StopAbort)

	if err := d.release(); err != nil {
		log.Printf("[Device] Releasing previous transport: %v", err)
	}
	return d.connect(ctx)
}
