package kraken

// Status is a point-in-time view of the session.
type Status struct {
	Session    string
	DeviceType DeviceType
	Firmware   Version

	// Valid is false until the first status report; the readings below are
	// zero until then.
	Valid      bool
	LiquidTemp int
	PumpRPM    int
	FanRPM     int

	Pump OverrideStatus
	Fan  OverrideStatus

	// Effects maps each zone to the name of its last applied effect.
	Effects map[ChannelID]string
}

func (d *Device) Status() Status {
	d.mu.RLock()
	st := Status{
		DeviceType: d.opts.deviceType,
		Firmware:   d.firmware,
	}
	if d.transport != nil {
		st.Session = d.session.String()
	}
	cache := d.cache
	d.mu.RUnlock()

	if cache != nil {
		st.LiquidTemp, st.Valid = cache.LiquidTemp()
		st.PumpRPM = cache.PumpSpeed()
		st.FanRPM = cache.FanSpeed()
	}
	st.Pump = d.Override(Pump)
	st.Fan = d.Override(Fan)

	st.Effects = make(map[ChannelID]string, len(Channels))
	d.effectsMu.RLock()
	for ch, e := range d.effects {
		st.Effects[ch] = e.Name()
	}
	d.effectsMu.RUnlock()
	return st
}
