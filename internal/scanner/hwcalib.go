package scanner

import (
	"fmt"
	"log/slog"

	"github.com/mzyy94/airmustek/internal/calib"
	"github.com/mzyy94/airmustek/internal/ma1017"
	"github.com/mzyy94/airmustek/internal/timing"
)

// analogDPI returns 600 or 300 depending on which analog path xDPI uses.
func (d *Device) analogDPI(xDPI int) int {
	if timing.Is600Mode(d.chip.Sensor(), xDPI) {
		return 600
	}
	return 300
}

func (d *Device) adjustLength(path int) int {
	if path == 600 {
		return d.p.adjustLength600
	}
	return d.p.adjustLength300
}

func (d *Device) skips(path int) int {
	if path == 600 {
		return d.p.skips600
	}
	return d.p.skips300
}

// hardwareCalibration settles the exposure, gain and power delays for the
// analog path of the current scan.
func (d *Device) hardwareCalibration() error {
	if d.cis {
		if err := d.safeForward(d.p.homeLines); err != nil {
			return fmt.Errorf("hardware calibration: %w", err)
		}
	}
	mono := d.mode == ModeGray8
	path := d.analogDPI(d.geo.XDPI)
	d.expose = d.p.expose
	d.pga = d.p.pga
	switch d.p.adjustWay {
	case 1:
		if mono {
			d.pixelRate = d.p.pixelRate
		}
		return d.adjustPowerDelay(path, mono)
	case 3:
		d.skipsPerRow = d.p.skips600
		if mono {
			transfer := calib.TransferTime(d.pixelRate, d.geo.XDPI)
			capability, err := timing.Capability(d.motor, d.geo.YDPI, true)
			if err != nil {
				return fmt.Errorf("hardware calibration: %w", err)
			}
			slog.Debug("ccd mono exposure", "width", calib.RoundUp64(max(5504, transfer, capability)))
		}
		return nil
	}
	d.tuned[analogPath{path, mono}] = calib.Uniform(d.p.initPD)
	return nil
}

// delayProbe measures one channel for the power-delay search.
type delayProbe struct {
	d      *Device
	ch     ma1017.Channel
	length int
}

func (p delayProbe) SetPowerDelay(pd int) error {
	return p.d.chip.SetPowerDelay(p.ch, byte(pd))
}

// PeakLevel rows a few lines of the stationary adjust table and returns
// the brightest sample away from the row edges.
func (p delayProbe) PeakLevel() (int, error) {
	c := p.d.chip
	if err := c.StartRowing(); err != nil {
		return 0, err
	}
	row := p.d.green[:p.length]
	peak := 0
	for range p.d.p.powerDelayLines {
		if err := c.GetRow(row); err != nil {
			p.d.stopRowing()
			return 0, err
		}
		for _, v := range row[20 : p.length-20] {
			peak = max(peak, int(v))
		}
	}
	if err := p.d.stopRowing(); err != nil {
		return 0, err
	}
	return peak, nil
}

func (d *Device) cacheRecord(path int, mono bool) calib.Record {
	e := calib.NewRecord(d.chip.Sensor(), path, mono)
	e.PGA = d.pga
	e.Expose = d.expose
	return e
}

// adjustPowerDelay tunes the power delay of every channel of the path, or
// takes it from the cache when the same exposure and gain were tuned before.
func (d *Device) adjustPowerDelay(path int, mono bool) error {
	key := analogPath{path, mono}
	if _, ok := d.tuned[key]; ok {
		return nil
	}
	want := d.cacheRecord(path, mono)
	useCache := !d.probing && !d.noCache.Load()
	if useCache {
		if e, ok := d.cache.Get(want.Key()); ok && e.Expose == d.expose && e.PGA == d.pga {
			d.tuned[key] = e.Delays
			slog.Debug("power delay from cache", "key", e.Key(), "delays", e.Delays)
			return nil
		}
	}

	c := d.chip
	maxPD := d.expose / 64
	delays := calib.Uniform(maxPD)
	length := d.adjustLength(path)
	offset := d.p.offset
	for _, fn := range []func() error{
		func() error { return c.SetRedPD(byte(maxPD)) },
		func() error { return c.SetGreenPD(byte(maxPD)) },
		func() error { return c.SetBluePD(byte(maxPD)) },
		func() error { return c.SetCCDWidth(d.expose) },
		func() error { return d.fe.SetMode(d.p.frontEnd) },
		func() error { return d.fe.SetTopReference(d.p.topRef) },
		func() error { return d.fe.SetOffsets(offset, offset, offset) },
		func() error { return d.fe.SetRGBSignal() },
		func() error { return c.SetDummy(d.skips(path)) },
		func() error { return c.SetImageByteWidth(length) },
		func() error { return c.SetPixelDepth(ma1017.Depth8Bit) },
	} {
		if err := fn(); err != nil {
			return fmt.Errorf("adjust power delay: %w", err)
		}
	}

	channels := []ma1017.Channel{ma1017.ChannelGreen, ma1017.ChannelBlue, ma1017.ChannelRed}
	if mono {
		channels = channels[:1]
	}
	pga := byte(d.pga)
	for _, ch := range channels {
		if err := timing.PrepareAdjust(c, ch); err != nil {
			return err
		}
		if err := timing.PrepareSensor(c, c.Sensor(), path, false); err != nil {
			return err
		}
		var err error
		switch {
		case mono:
			err = d.fe.SetPGA(pga, pga, pga)
		case ch == ma1017.ChannelGreen:
			err = d.fe.SetGreenPGA(pga)
		case ch == ma1017.ChannelBlue:
			err = d.fe.SetBluePGA(pga)
		default:
			err = d.fe.SetRedPGA(pga)
		}
		if err != nil {
			return fmt.Errorf("adjust power delay: %w", err)
		}
		t, err := calib.TunePowerDelay(delayProbe{d: d, ch: ch, length: length}, maxPD, 0, d.p.maxPowerDelay)
		if err != nil {
			return fmt.Errorf("adjust %s power delay: %w", ch, err)
		}
		switch ch {
		case ma1017.ChannelGreen:
			delays.Green = t.Delay
		case ma1017.ChannelBlue:
			delays.Blue = t.Delay
		default:
			delays.Red = t.Delay
		}
		slog.Debug("power delay tuned", "channel", ch.String(), "delay", t.Delay,
			"state", t.State.String(), "level", t.Level)
	}
	d.tuned[key] = delays

	if !useCache {
		return nil
	}
	want.Delays = delays
	if err := d.cache.Put(want); err != nil {
		slog.Warn("caching power delays failed", "key", want.Key(), "err", err)
	}
	return nil
}
