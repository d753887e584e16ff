// Package hid is the USB HID transport for the cooler. It owns the device
// handle, keeps the most recent input report and paces output writes.
package hid

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	gohid "github.com/sstallion/go-hid"
	"golang.org/x/time/rate"
)

const (
	VendorNZXT       = 0x1E71
	ProductKrakenX   = 0x170E
	ProductKrakenM22 = 0x1715

	reportSize = 64
)

var ErrClosed = errors.New("hid: device closed")

// Options selects the device and tunes the transport.
type Options struct {
	VendorID  uint16
	ProductID uint16
	// Serial picks one unit when several are attached. Empty opens the first.
	Serial string

	ReadTimeout    time.Duration
	WriteRateLimit float64
	WriteRateBurst int
}

func (o *Options) setDefaults() {
	if o.VendorID == 0 {
		o.VendorID = VendorNZXT
	}
	if o.ProductID == 0 {
		o.ProductID = ProductKrakenX
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 500 * time.Millisecond
	}
	if o.WriteRateLimit <= 0 {
		o.WriteRateLimit = 25
	}
	if o.WriteRateBurst <= 0 {
		o.WriteRateBurst = 25
	}
}

// rawDevice is the subset of *gohid.Device used here.
type rawDevice interface {
	Write(b []byte) (int, error)
	ReadWithTimeout(b []byte, timeout time.Duration) (int, error)
	Close() error
}

var openFn = openRaw

func openRaw(opts Options) (rawDevice, error) {
	if err := gohid.Init(); err != nil {
		return nil, fmt.Errorf("hid: init: %w", err)
	}
	if opts.Serial != "" {
		return gohid.Open(opts.VendorID, opts.ProductID, opts.Serial)
	}
	return gohid.OpenFirst(opts.VendorID, opts.ProductID)
}

// Device is an open HID handle with a background report reader.
type Device struct {
	raw         rawDevice
	limiter     *rate.Limiter
	readTimeout time.Duration

	writeMu sync.Mutex

	last atomic.Pointer[[]byte]

	listenersMu sync.RWMutex
	listeners   []func([]byte)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error

	errMu   sync.Mutex
	readErr error
}

// Open opens the device and starts reading input reports. The read loop runs
// until Close is called or ctx is done.
func Open(ctx context.Context, opts Options) (*Device, error) {
	opts.setDefaults()

	raw, err := openFn(opts)
	if err != nil {
		return nil, fmt.Errorf("hid: open %04x:%04x: %w", opts.VendorID, opts.ProductID, err)
	}
	log.Printf("[HID] Opened %04x:%04x", opts.VendorID, opts.ProductID)

	loopCtx, cancel := context.WithCancel(ctx)
	d := &Device{
		raw:         raw,
		limiter:     rate.NewLimiter(rate.Limit(opts.WriteRateLimit), opts.WriteRateBurst),
		readTimeout: opts.ReadTimeout,
		ctx:         loopCtx,
		cancel:      cancel,
	}

	d.wg.Add(1)
	go d.readLoop()
	return d, nil
}

// Write sends one output report. Writes are paced by the rate limiter and
// never interleave.
func (d *Device) Write(payload []byte) error {
	if err := d.limiter.Wait(d.ctx); err != nil {
		if d.ctx.Err() != nil {
			return ErrClosed
		}
		return err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.ctx.Err() != nil {
		return ErrClosed
	}

	n, err := d.raw.Write(payload)
	if err != nil {
		return fmt.Errorf("hid: write: %w", err)
	}
	if n < len(payload) {
		return fmt.Errorf("hid: short write (%d of %d bytes)", n, len(payload))
	}
	return nil
}

// LastReport returns the most recent input report, or nil.
func (d *Device) LastReport() []byte {
	p := d.last.Load()
	if p == nil {
		return nil
	}
	return append([]byte(nil), *p...)
}

// OnReport registers fn to receive every input report. fn runs on the read
// goroutine and must not block.
func (d *Device) OnReport(fn func(report []byte)) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// Err returns the error that stopped the read loop, if any.
func (d *Device) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.readErr
}

func (d *Device) readLoop() {
	defer d.wg.Done()

	buf := make([]byte, reportSize)
	for {
		if d.ctx.Err() != nil {
			return
		}
		n, err := d.raw.ReadWithTimeout(buf, d.readTimeout)
		if errors.Is(err, gohid.ErrTimeout) || (err == nil && n == 0) {
			continue
		}
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			log.Printf("[HID] Read failed (assuming disconnected): %v", err)
			d.errMu.Lock()
			d.readErr = err
			d.errMu.Unlock()
			return
		}

		report := append([]byte(nil), buf[:n]...)
		d.last.Store(&report)

		d.listenersMu.RLock()
		for _, fn := range d.listeners {
			fn(report)
		}
		d.listenersMu.RUnlock()
	}
}

// Close stops the read loop and releases the handle.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.cancel()
		d.wg.Wait()

		d.writeMu.Lock()
		d.closeErr = d.raw.Close()
		d.writeMu.Unlock()
		log.Println("[HID] Device closed.")
	})
	return d.closeErr
}
