package kraken

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
)

// Layout holds the byte offsets decoded from a status report.
type Layout struct {
	TempInteger   int
	TempTenths    int
	PumpRPM       int // big-endian, two bytes
	FanRPM        int // big-endian, two bytes
	FirmwareMajor int
	FirmwareMinor int // two bytes, high byte first
}

// DefaultLayout matches the Kraken X status report. Pump and fan speed share
// offset 4; the report does not say which actuator it describes.
var DefaultLayout = Layout{
	TempInteger:   0,
	TempTenths:    1,
	PumpRPM:       4,
	FanRPM:        4,
	FirmwareMajor: 10,
	FirmwareMinor: 12,
}

func (l Layout) minLen() int {
	n := 0
	for _, end := range []int{
		l.TempInteger + 1,
		l.TempTenths + 1,
		l.PumpRPM + 2,
		l.FanRPM + 2,
		l.FirmwareMajor + 1,
		l.FirmwareMinor + 2,
	} {
		if end > n {
			n = end
		}
	}
	return n
}

func (l Layout) validate() error {
	for _, off := range []int{l.TempInteger, l.TempTenths, l.PumpRPM, l.FanRPM, l.FirmwareMajor, l.FirmwareMinor} {
		if off < 0 {
			return fmt.Errorf("%w: negative report offset %d", ErrInvalidParameter, off)
		}
	}
	return nil
}

// Report is a raw status report as received from the device.
type Report []byte

// Version is the device firmware version.
type Version struct {
	Major int
	Minor int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// ReportCache keeps the most recent status report. Update is called by the
// transport's listener; every other method only reads.
type ReportCache struct {
	layout Layout
	minLen int

	last atomic.Pointer[Report]

	readyOnce sync.Once
	ready     chan struct{}
}

func NewReportCache(layout Layout) *ReportCache {
	return &ReportCache{
		layout: layout,
		minLen: layout.minLen(),
		ready:  make(chan struct{}),
	}
}

// Update stores a copy of report and wakes anyone waiting for the first one.
// Reports too short to decode are dropped.
func (c *ReportCache) Update(report []byte) {
	if len(report) < c.minLen {
		log.Printf("[Device] Dropping short status report (%d bytes, need %d)", len(report), c.minLen)
		return
	}
	r := make(Report, len(report))
	copy(r, report)
	c.last.Store(&r)
	c.readyOnce.Do(func() { close(c.ready) })
}

// Last returns the most recent report, or nil if none has arrived yet.
func (c *ReportCache) Last() Report {
	p := c.last.Load()
	if p == nil {
		return nil
	}
	r := make(Report, len(*p))
	copy(r, *p)
	return r
}

// Ready is closed once the first report has been stored.
func (c *ReportCache) Ready() <-chan struct{} {
	return c.ready
}

func (c *ReportCache) load() (Report, bool) {
	p := c.last.Load()
	if p == nil {
		return nil, false
	}
	return *p, true
}

// PumpSpeed returns the pump RPM, or 0 before the first report.
func (c *ReportCache) PumpSpeed() int {
	r, ok := c.load()
	if !ok {
		return 0
	}
	return int(binary.BigEndian.Uint16(r[c.layout.PumpRPM:]))
}

// FanSpeed returns the fan RPM, or 0 before the first report.
func (c *ReportCache) FanSpeed() int {
	r, ok := c.load()
	if !ok {
		return 0
	}
	return int(binary.BigEndian.Uint16(r[c.layout.FanRPM:]))
}

// LiquidTemp returns the liquid temperature in whole degrees Celsius, rounded
// to nearest. ok is false until the first report arrives.
func (c *ReportCache) LiquidTemp() (temp int, ok bool) {
	r, ok := c.load()
	if !ok {
		return 0, false
	}
	v := float64(r[c.layout.TempInteger]) + float64(r[c.layout.TempTenths])*0.1
	return int(math.Round(v)), true
}

// WaitFirmware blocks until a report is available and decodes the firmware
// version from it. It returns ErrTimeout if ctx's deadline passes first.
func (c *ReportCache) WaitFirmware(ctx context.Context) (Version, error) {
	select {
	case <-c.ready:
	default:
		select {
		case <-c.ready:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Version{}, ErrTimeout
			}
			return Version{}, ctx.Err()
		}
	}
	r, _ := c.load()
	return Version{
		Major: int(r[c.layout.FirmwareMajor]),
		Minor: int(binary.BigEndian.Uint16(r[c.layout.FirmwareMinor:])),
	}, nil
}
