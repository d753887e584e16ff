package kraken

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyEffect_CombinedUpdatesEveryZone(t *testing.T) {
	d, ft := newTestDevice(t)
	e := &bufferEffect{name: "fixed", tag: 0xAA, n: 1, compatible: true}

	require.NoError(t, d.ApplyEffect(e))

	for _, ch := range Channels {
		assert.Same(t, e, d.LastEffect(ch), "channel %s", ch)
	}
	// The byte stream is still addressed to the combined zone.
	assert.Equal(t, [][]byte{{0xAA, 0, byte(Combined)}}, ft.Writes())
}

func TestApplyEffectTo_SingleZone(t *testing.T) {
	d, _ := newTestDevice(t)
	base := &bufferEffect{name: "base", n: 1, compatible: true}
	logo := &bufferEffect{name: "logo", n: 1, compatible: true}
	ring := &bufferEffect{name: "ring", n: 1, compatible: true}

	require.NoError(t, d.ApplyEffect(base))
	require.NoError(t, d.ApplyEffectTo(Logo, logo, true))
	assert.Same(t, logo, d.LastEffect(Logo))
	assert.Same(t, base, d.LastEffect(Ring))
	assert.Same(t, base, d.LastEffect(Combined))

	require.NoError(t, d.ApplyEffectTo(Ring, ring, true))
	assert.Same(t, logo, d.LastEffect(Logo))
	assert.Same(t, ring, d.LastEffect(Ring))
	assert.Same(t, base, d.LastEffect(Combined))
}

func TestApplyEffectTo_WithoutBookkeeping(t *testing.T) {
	d, ft := newTestDevice(t)
	e := &bufferEffect{name: "preview", n: 2, compatible: true}

	require.NoError(t, d.ApplyEffectTo(Ring, e, false))
	assert.Len(t, ft.Writes(), 2)
	assert.Nil(t, d.LastEffect(Ring))
}

func TestApplyEffect_IncompatibleWritesNothing(t *testing.T) {
	d, ft := newTestDevice(t, WithDeviceType(KrakenM22))
	e := &bufferEffect{name: "water-cooler", n: 3, compatible: false}

	for i := 0; i < 2; i++ {
		err := d.ApplyEffectTo(Ring, e, true)
		require.ErrorIs(t, err, ErrIncompatibleEffect)

		var iee *IncompatibleEffectError
		require.ErrorAs(t, err, &iee)
		assert.Equal(t, KrakenM22, iee.DeviceType)
		assert.Equal(t, "water-cooler", iee.Effect)
		assert.Contains(t, err.Error(), "kraken-m22")
	}
	assert.Empty(t, ft.Writes())
	assert.Nil(t, d.LastEffect(Ring))
}

func TestApplyEffect_CompileErrorWritesNothing(t *testing.T) {
	d, ft := newTestDevice(t)
	boom := errors.New("ring-only mode")
	e := &bufferEffect{name: "tai-chi", n: 2, compatible: true, compileErr: boom}

	err := d.ApplyEffectTo(Logo, e, true)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, ft.Writes())
	assert.Nil(t, d.LastEffect(Logo))
}

func TestApplyEffect_InvalidArguments(t *testing.T) {
	d, _ := newTestDevice(t)
	assert.ErrorIs(t, d.ApplyEffect(nil), ErrInvalidParameter)
	assert.ErrorIs(t, d.ApplyEffectTo(ChannelID(9), &bufferEffect{compatible: true, n: 1}, true), ErrInvalidParameter)
}

func TestApplyEffect_SequenceIsAtomicUnderOverrideLoad(t *testing.T) {
	d, ft := newTestDevice(t, WithOverrideInterval(100*time.Microsecond))
	require.NoError(t, d.SetPumpSpeed(60))
	require.NoError(t, d.SetFanSpeed(40))

	const n = 16
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(tag byte) {
			defer wg.Done()
			e := &bufferEffect{name: "multi", tag: tag, n: n, compatible: true}
			for i := 0; i < 25; i++ {
				assert.NoError(t, d.ApplyEffectTo(Ring, e, true))
			}
		}(byte(0xE0 + g))
	}
	wg.Wait()
	require.NoError(t, d.StopOverride(Pump, StopAbort))
	require.NoError(t, d.StopOverride(Fan, StopAbort))

	writes := ft.Writes()
	sequences := 0
	for i := 0; i < len(writes); i++ {
		w := writes[i]
		if w[0] < 0xE0 {
			continue
		}
		require.Equal(t, byte(0), w[1], "sequence must start at index 0 (write %d)", i)
		require.LessOrEqual(t, i+n, len(writes))
		for j := 0; j < n; j++ {
			require.Equal(t, []byte{w[0], byte(j), byte(Ring)}, writes[i+j], "write %d", i+j)
		}
		i += n - 1
		sequences++
	}
	assert.Equal(t, 4*25, sequences)
}

func TestReadings_DecodeReport(t *testing.T) {
	d, ft := newTestDevice(t)

	ft.inject(statusReport(22, 5, 0x0A8C, 6, 0x0102))

	temp, ok := d.LiquidTemp()
	assert.True(t, ok)
	assert.Equal(t, 23, temp)
	assert.Equal(t, 0x0A8C, d.PumpSpeed())
	assert.Equal(t, 0x0A8C, d.FanSpeed())
	assert.Equal(t, statusReport(22, 5, 0x0A8C, 6, 0x0102), []byte(d.LastReport()))

	st := d.Status()
	assert.True(t, st.Valid)
	assert.Equal(t, 23, st.LiquidTemp)
	assert.NotEmpty(t, st.Session)
}

func TestFirmwareVersion_BlocksUntilFirstReport(t *testing.T) {
	ft := newFakeTransport()
	open, _ := openerFor(ft)

	type result struct {
		d   *Device
		err error
	}
	done := make(chan result, 1)
	go func() {
		d, err := New(context.Background(), open, WithFirmwareTimeout(0))
		done <- result{d, err}
	}()

	select {
	case <-done:
		t.Fatal("New returned before any report arrived")
	case <-time.After(50 * time.Millisecond):
	}

	ft.inject(statusReport(28, 0, 0, 6, 0x0102))

	var r result
	select {
	case r = <-done:
	case <-time.After(time.Second):
		t.Fatal("New did not return after report")
	}
	require.NoError(t, r.err)
	defer r.d.Close()

	assert.Equal(t, Version{Major: 6, Minor: 258}, r.d.FirmwareVersion())
	assert.Equal(t, "6.258", r.d.FirmwareVersion().String())

	ft.inject(statusReport(28, 0, 0, 9, 0x0909))
	assert.Equal(t, Version{Major: 6, Minor: 258}, r.d.FirmwareVersion(), "version is resolved once per session")
}

func TestNew_FirmwareTimeout(t *testing.T) {
	ft := newFakeTransport()
	open, _ := openerFor(ft)

	_, err := New(context.Background(), open, WithFirmwareTimeout(20*time.Millisecond))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, ft.closed.Load())
}

func TestNew_OpenError(t *testing.T) {
	open, _ := openerFor()
	_, err := New(context.Background(), open)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "open", te.Op)
}

func TestWriteCustom(t *testing.T) {
	d, ft := newTestDevice(t)
	require.NoError(t, d.WriteCustom([]byte{0x02, 0x4C, 0x00}))
	assert.Equal(t, [][]byte{{0x02, 0x4C, 0x00}}, ft.Writes())
	assert.ErrorIs(t, d.WriteCustom(nil), ErrInvalidParameter)
}

func TestClose(t *testing.T) {
	d, ft := newTestDevice(t, WithOverrideInterval(5*time.Millisecond))
	require.NoError(t, d.SetPumpSpeed(70))
	require.NoError(t, d.SetFanSpeed(35))

	require.NoError(t, d.Close())
	assert.True(t, ft.closed.Load())
	assert.False(t, d.Override(Pump).Running)
	assert.False(t, d.Override(Fan).Running)

	n := len(ft.Writes())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, len(ft.Writes()))

	assert.ErrorIs(t, d.SetPumpSpeed(70), ErrClosed)
	assert.ErrorIs(t, d.WriteCustom([]byte{1}), ErrClosed)
	assert.ErrorIs(t, d.Reconnect(context.Background()), ErrClosed)
	assert.NoError(t, d.Close())

	_, ok := d.LiquidTemp()
	assert.False(t, ok)
	assert.Zero(t, d.PumpSpeed())
}

func TestReconnect_FullReset(t *testing.T) {
	first := newFakeTransport()
	first.inject(statusReport(30, 0, 1000, 6, 1))
	second := newFakeTransport()
	second.inject(statusReport(31, 0, 1100, 6, 2))
	open, calls := openerFor(first, second)

	d, err := New(context.Background(), open, WithOverrideInterval(5*time.Millisecond))
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.SetPumpSpeed(80))
	require.NoError(t, d.ApplyEffect(&bufferEffect{name: "fixed", n: 1, compatible: true}))
	session := d.Status().Session

	require.NoError(t, d.Reconnect(context.Background()))

	assert.Equal(t, int32(2), calls.Load())
	assert.True(t, first.closed.Load())
	assert.False(t, second.closed.Load())
	assert.False(t, d.Override(Pump).Running)
	assert.Nil(t, d.LastEffect(Combined))
	assert.Equal(t, Version{Major: 6, Minor: 2}, d.FirmwareVersion())
	assert.NotEqual(t, session, d.Status().Session)
	assert.Equal(t, 1100, d.PumpSpeed())

	require.NoError(t, d.WriteCustom([]byte{0x01}))
	assert.True(t, bytes.Equal([]byte{0x01}, second.Writes()[0]))
}

func TestReconnect_ConcurrentCallsReleaseEveryTransport(t *testing.T) {
	o := &freshOpener{delay: 10 * time.Millisecond}
	d, err := New(context.Background(), o.open)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Reconnect(context.Background()))
		}()
	}
	wg.Wait()

	opened := o.transports()
	require.Len(t, opened, 9)
	open := 0
	for _, ft := range opened {
		if !ft.closed.Load() {
			open++
		}
	}
	assert.Equal(t, 1, open, "only the current session may hold a transport")

	require.NoError(t, d.Close())
	for i, ft := range opened {
		assert.True(t, ft.closed.Load(), "transport %d", i)
	}
}

func TestReconnect_SetSpeedWaitsForNewSession(t *testing.T) {
	o := &freshOpener{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	d, err := New(context.Background(), o.open, WithOverrideInterval(5*time.Millisecond))
	require.NoError(t, err)
	defer d.Close()

	reconnected := make(chan error, 1)
	go func() { reconnected <- d.Reconnect(context.Background()) }()
	<-o.entered

	setDone := make(chan error, 1)
	go func() { setDone <- d.SetPumpSpeed(70) }()

	select {
	case err := <-setDone:
		t.Fatalf("SetPumpSpeed returned during reconnect: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	close(o.gate)
	require.NoError(t, <-reconnected)
	require.NoError(t, <-setDone)

	opened := o.transports()
	require.Len(t, opened, 2)
	assert.Empty(t, opened[0].Writes())
	assert.True(t, d.Override(Pump).Running)
	assert.Equal(t, []byte{0x02, 0x4D, 0x40, 0x00, 70}, waitWrite(t, opened[1], time.Second))
}
