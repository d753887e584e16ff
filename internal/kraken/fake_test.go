package kraken

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errUnplugged = errors.New("device unplugged")

type fakeTransport struct {
	mu        sync.Mutex
	writes    [][]byte
	listeners []func([]byte)
	last      []byte

	writeCh   chan []byte
	failAfter atomic.Int64 // fail once this many writes have succeeded; 0 disables
	closed    atomic.Bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{writeCh: make(chan []byte, 1024)}
}

func (f *fakeTransport) Write(p []byte) error {
	f.mu.Lock()
	if n := f.failAfter.Load(); n > 0 && int64(len(f.writes)) >= n {
		f.mu.Unlock()
		return errUnplugged
	}
	b := append([]byte(nil), p...)
	f.writes = append(f.writes, b)
	f.mu.Unlock()
	select {
	case f.writeCh <- b:
	default:
	}
	return nil
}

func (f *fakeTransport) LastReport() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeTransport) OnReport(fn func([]byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeTransport) inject(report []byte) {
	f.mu.Lock()
	f.last = report
	ls := make([]func([]byte), len(f.listeners))
	copy(ls, f.listeners)
	f.mu.Unlock()
	for _, fn := range ls {
		fn(report)
	}
}

func (f *fakeTransport) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	f.writes = nil
	f.mu.Unlock()
	for {
		select {
		case <-f.writeCh:
		default:
			return
		}
	}
}

// statusReport builds a 64-byte report with the default layout.
func statusReport(temp, tenths byte, rpm uint16, major byte, minor uint16) []byte {
	r := make([]byte, 64)
	r[0] = temp
	r[1] = tenths
	r[4] = byte(rpm >> 8)
	r[5] = byte(rpm)
	r[10] = major
	r[12] = byte(minor >> 8)
	r[13] = byte(minor)
	return r
}

func openerFor(ts ...*fakeTransport) (Opener, *atomic.Int32) {
	var calls atomic.Int32
	return func(ctx context.Context) (Transport, error) {
		i := int(calls.Add(1)) - 1
		if i >= len(ts) {
			return nil, errUnplugged
		}
		return ts[i], nil
	}, &calls
}

// newTestDevice returns a connected device whose transport already holds a report.
func newTestDevice(t *testing.T, opts ...Option) (*Device, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	ft.inject(statusReport(30, 2, 1800, 6, 0x0102))
	open, _ := openerFor(ft)
	d, err := New(context.Background(), open, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, ft
}

func waitWrite(t *testing.T, ft *fakeTransport, timeout time.Duration) []byte {
	t.Helper()
	select {
	case w := <-ft.writeCh:
		return w
	case <-time.After(timeout):
		t.Fatalf("no write within %v", timeout)
		return nil
	}
}

// bufferEffect emits n tagged buffers: [tag, seq].
type bufferEffect struct {
	name       string
	tag        byte
	n          int
	compatible bool
	compileErr error
}

func (e *bufferEffect) Name() string                        { return e.name }
func (e *bufferEffect) IsCompatibleWith(dt DeviceType) bool { return e.compatible }

func (e *bufferEffect) Compile(dt DeviceType, ch ChannelID) ([][]byte, error) {
	if e.compileErr != nil {
		return nil, e.compileErr
	}
	out := make([][]byte, e.n)
	for i := range out {
		out[i] = []byte{e.tag, byte(i), byte(ch)}
	}
	return out, nil
}

// freshOpener hands out a new reporting transport on every call. When gate is
// set, every open after the first signals entered and waits on gate.
type freshOpener struct {
	mu     sync.Mutex
	opened []*fakeTransport
	delay  time.Duration

	gate    chan struct{}
	entered chan struct{}
}

func (o *freshOpener) open(ctx context.Context) (Transport, error) {
	o.mu.Lock()
	n := len(o.opened)
	o.mu.Unlock()
	if n > 0 && o.gate != nil {
		o.entered <- struct{}{}
		<-o.gate
	}
	time.Sleep(o.delay)

	ft := newFakeTransport()
	ft.inject(statusReport(30, 0, 1000, 6, 1))
	o.mu.Lock()
	o.opened = append(o.opened, ft)
	o.mu.Unlock()
	return ft, nil
}

func (o *freshOpener) transports() []*fakeTransport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*fakeTransport(nil), o.opened...)
}
