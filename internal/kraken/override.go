package kraken

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

const (
	reportID       = 0x02
	speedCommandID = 0x4D

	// DefaultOverrideInterval is how often a speed override is re-sent. The
	// controller falls back to its own curve if it is not refreshed.
	DefaultOverrideInterval = 5000 * time.Millisecond
)

// Actuator is a speed-controlled cooling component.
type Actuator int

const (
	Pump Actuator = iota
	Fan
)

func (a Actuator) String() string {
	switch a {
	case Pump:
		return "pump"
	case Fan:
		return "fan"
	}
	return fmt.Sprintf("actuator(%d)", int(a))
}

func ParseActuator(s string) (Actuator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pump":
		return Pump, nil
	case "fan":
		return Fan, nil
	}
	return 0, fmt.Errorf("%w: unknown actuator %q", ErrInvalidParameter, s)
}

func (a Actuator) selector() byte {
	if a == Pump {
		return 0x40
	}
	return 0x00
}

// Limits returns the accepted duty range in percent, inclusive.
func (a Actuator) Limits() (min, max int) {
	if a == Pump {
		return 50, 100
	}
	return 25, 100
}

// SpeedCommand builds the fixed-duty command for a.
func SpeedCommand(a Actuator, percent int) ([]byte, error) {
	if a != Pump && a != Fan {
		return nil, &InvalidParameterError{Name: "actuator", Value: int(a)}
	}
	lo, hi := a.Limits()
	if percent < lo || percent > hi {
		return nil, &InvalidParameterError{Name: a.String() + " speed", Value: percent, Min: lo, Max: hi}
	}
	return []byte{reportID, speedCommandID, a.selector(), 0x00, byte(percent)}, nil
}

// StopType selects how StopOverride waits for the loop.
type StopType int

const (
	// StopFlag signals the loop and returns immediately.
	StopFlag StopType = iota
	// StopAbort signals the loop and waits until it has exited.
	StopAbort
)

// OverrideStatus describes an actuator's keep-alive loop.
type OverrideStatus struct {
	Actuator  Actuator
	Running   bool
	Speed     int
	Writes    uint64
	Since     time.Time
	LastWrite time.Time
	LastError error
}

type overrideLoop struct {
	cmd    []byte
	cancel context.CancelFunc
	done   chan struct{}
}

// override holds the state of one actuator. ctl serializes start and stop so
// the previous loop is always joined before a new one begins; mu guards the
// fields the loop itself updates.
type override struct {
	actuator Actuator

	ctl  sync.Mutex
	loop *overrideLoop

	mu     sync.Mutex
	status OverrideStatus
}

func newOverride(a Actuator) *override {
	return &override{actuator: a, status: OverrideStatus{Actuator: a}}
}

func (o *override) snapshot() OverrideStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *override) update(fn func(*OverrideStatus)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.status)
}

// retire stops the current loop. The caller must hold o.ctl.
func (o *override) retire(wait bool) {
	l := o.loop
	if l == nil {
		return
	}
	l.cancel()
	if wait {
		<-l.done
		o.loop = nil
	}
}

// stop signals the current loop. With StopAbort it also waits for the exit.
func (o *override) stop(st StopType) {
	o.ctl.Lock()
	defer o.ctl.Unlock()
	if o.loop == nil {
		return
	}
	o.retire(st == StopAbort)
	o.update(func(s *OverrideStatus) { s.Running = false })
}

// setSpeed validates percent, retires the running loop, performs the first
// write synchronously and starts the keep-alive loop.
func (d *Device) setSpeed(a Actuator, percent int) error {
	if !d.opts.deviceType.HasCooler() {
		return fmt.Errorf("%w: %s has no %s", ErrUnsupported, d.opts.deviceType, a)
	}
	cmd, err := SpeedCommand(a, percent)
	if err != nil {
		return err
	}

	d.sessionMu.RLock()
	defer d.sessionMu.RUnlock()
	if d.isClosed() {
		return ErrClosed
	}

	o := d.overrides[a]
	o.ctl.Lock()
	defer o.ctl.Unlock()

	o.retire(true)

	if err := d.write(cmd); err != nil {
		o.update(func(s *OverrideStatus) {
			s.Running = false
			s.LastError = err
		})
		return err
	}

	now := time.Now()
	o.update(func(s *OverrideStatus) {
		s.Running = true
		s.Speed = percent
		s.Writes++
		s.Since = now
		s.LastWrite = now
		s.LastError = nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	l := &overrideLoop{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	o.loop = l
	go d.runOverride(ctx, o, l)

	log.Printf("[Device] %s override set to %d%%", a, percent)
	return nil
}

func (d *Device) runOverride(ctx context.Context, o *override, l *overrideLoop) {
	defer close(l.done)

	t := time.NewTimer(d.opts.overrideInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		if ctx.Err() != nil {
			return
		}
		if err := d.write(l.cmd); err != nil {
			o.update(func(s *OverrideStatus) {
				s.Running = false
				s.LastError = err
			})
			log.Printf("[Device] %s override stopped: %v", o.actuator, err)
			if d.opts.onOverrideError != nil {
				d.opts.onOverrideError(o.actuator, err)
			}
			return
		}
		o.update(func(s *OverrideStatus) {
			s.Writes++
			s.LastWrite = time.Now()
		})
		t.Reset(d.opts.overrideInterval)
	}
}
