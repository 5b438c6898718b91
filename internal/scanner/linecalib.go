package scanner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mzyy94/airmustek/internal/calib"
	"github.com/mzyy94/airmustek/internal/ma1017"
	"github.com/mzyy94/airmustek/internal/timing"
)

// calibrators holds the shading correction of the running scan: red, green
// and blue in colour, mono alone in grey.
type calibrators struct {
	red, green, blue, mono *calib.Calibrator
}

func (cs *calibrators) release() {
	for _, c := range []*calib.Calibrator{cs.red, cs.green, cs.blue, cs.mono} {
		if c != nil {
			c.Release()
		}
	}
	*cs = calibrators{}
}

// channelRow pairs a colour channel with the calibrator and strip buffer it
// is captured into.
type channelRow struct {
	ch  ma1017.Channel
	cal *calib.Calibrator
	buf []byte
}

// prepareFormat sets the row layout of calibration and scan rows.
func (d *Device) prepareFormat() error {
	c := d.chip
	if err := c.SetImageByteWidth(d.bytesPerStrip); err != nil {
		return err
	}
	if err := c.SetDummy(d.dummy); err != nil {
		return err
	}
	return c.SetPixelDepth(ma1017.Depth8Bit)
}

// prepareSignal programs the exposure width, the front end and the channel
// delays derived from the tuned power delays.
func (d *Device) prepareSignal() error {
	mono := d.mode == ModeGray8
	sensor := d.chip.Sensor()
	path := d.analogDPI(d.geo.XDPI)
	tuned := d.tuned[analogPath{path, mono}]
	capability, err := timing.Capability(d.motor, d.geo.YDPI, mono)
	if err != nil {
		return fmt.Errorf("prepare signal: %w", err)
	}
	transfer := calib.TransferTime(d.pixelRate, d.geo.XDPI)
	var e calib.Exposure
	switch {
	case path == 600 && mono:
		e = calib.MonoExposure600(sensor, d.expose, tuned.Green, capability, transfer)
	case path == 600:
		e = calib.RGBExposure600(sensor, d.expose, tuned, capability)
	case mono:
		e = calib.MonoExposure300(sensor, d.expose, tuned.Green, capability, transfer)
	default:
		e = calib.RGBExposure300(sensor, d.expose, tuned, capability)
	}
	d.exposure = e

	c := d.chip
	pga, offset := byte(d.pga), d.p.offset
	for _, fn := range []func() error{
		func() error { return c.SetCCDWidth(e.Width) },
		func() error { return d.fe.SetMode(d.p.frontEnd) },
		func() error { return d.fe.SetTopReference(d.p.topRef) },
		func() error { return d.fe.SetOffsets(offset, offset, offset) },
		func() error { return d.fe.SetPGA(pga, pga, pga) },
		func() error { return d.fe.SetRGBSignal() },
		func() error { return c.SetRedPD(byte(e.Delays.Red)) },
		func() error { return c.SetGreenPD(byte(e.Delays.Green)) },
		func() error { return c.SetBluePD(byte(e.Delays.Blue)) },
	} {
		if err := fn(); err != nil {
			return fmt.Errorf("prepare signal: %w", err)
		}
	}
	slog.Debug("signal prepared", "path", path, "mono", mono, "width", e.Width, "delays", e.Delays)
	return nil
}

// lineCalibration captures white and dark references for every channel of
// the scan and evaluates the calibrators.
func (d *Device) lineCalibration(ctx context.Context) error {
	mono := d.mode == ModeGray8
	if err := d.prepareFormat(); err != nil {
		return fmt.Errorf("line calibration: %w", err)
	}
	if err := d.prepareSignal(); err != nil {
		return fmt.Errorf("line calibration: %w", err)
	}
	if err := timing.PrepareSensor(d.chip, d.chip.Sensor(), d.geo.XDPI, mono); err != nil {
		return fmt.Errorf("line calibration: %w", err)
	}
	var err error
	if mono {
		err = d.calibrateMono(ctx)
	} else {
		err = d.calibrateRGB(ctx)
	}
	if err != nil {
		d.cals.release()
		return fmt.Errorf("line calibration: %w", err)
	}
	return nil
}

func (d *Device) newCalibrator(kind calib.Kind, minor int) (*calib.Calibrator, int, int, error) {
	cal := calib.New(kind, d.p.kLevel<<8)
	if err := cal.Prepare(d.geo.Width); err != nil {
		return nil, 0, 0, err
	}
	if err := cal.EmbedGamma(d.gamma); err != nil {
		cal.Release()
		return nil, 0, 0, err
	}
	cal.SetThreshold(d.threshold << 4)
	white, dark, err := cal.Setup(1, minor, d.p.kFilter, d.geo.Width)
	if err != nil {
		cal.Release()
		return nil, 0, 0, err
	}
	return cal, white, dark, nil
}

// capture rows n reference samples of every channel, minor rows each.
// It stops early once ctx is cancelled.
func (d *Device) capture(ctx context.Context, rows []channelRow, n, minor int, fill func(cr channelRow, i int, row []byte) error) error {
	c := d.chip
	if err := c.StartRowing(); err != nil {
		return err
	}
	for i := range n {
		if err := interrupted(ctx); err != nil {
			d.stopRowing()
			return fmt.Errorf("reference row %d: %w", i, err)
		}
		for _, cr := range rows {
			for range minor {
				buf := cr.buf[:d.bytesPerStrip]
				if err := c.GetRow(buf); err != nil {
					d.stopRowing()
					return fmt.Errorf("%s reference row %d: %w", cr.ch, i, err)
				}
				if err := fill(cr, i, buf[d.skipsPerRow:]); err != nil {
					d.stopRowing()
					return err
				}
			}
		}
	}
	return d.stopRowing()
}

// referencePasses captures the lit white strip, then the dark level with
// the lamp and motor off.
func (d *Device) referencePasses(ctx context.Context, rows []channelRow, white, dark, minor int, factor func(ma1017.Channel) float64) error {
	c := d.chip
	mono := d.mode == ModeGray8
	if err := timing.PrepareCalibration(c, d.motor, d.geo.YDPI, mono); err != nil {
		return err
	}
	if err := c.TurnLamp(true); err != nil {
		return err
	}
	if err := d.capture(ctx, rows, white, minor, func(cr channelRow, i int, row []byte) error {
		return cr.cal.FillWhite(i, row)
	}); err != nil {
		return err
	}
	for _, cr := range rows {
		if err := cr.cal.EvaluateWhite(factor(cr.ch)); err != nil {
			return err
		}
	}
	if err := interrupted(ctx); err != nil {
		return err
	}

	if err := timing.PrepareCalibration(c, d.motor, d.geo.YDPI, mono); err != nil {
		return err
	}
	if err := c.EnableMotor(false); err != nil {
		return err
	}
	if err := c.TurnLamp(false); err != nil {
		return err
	}
	if err := d.capture(ctx, rows, dark, minor, func(cr channelRow, _ int, row []byte) error {
		return cr.cal.FillDark(row)
	}); err != nil {
		return err
	}
	if err := c.TurnLamp(true); err != nil {
		return err
	}
	for _, cr := range rows {
		if err := cr.cal.EvaluateDark(d.p.blackFactor); err != nil {
			return err
		}
		if err := cr.cal.Evaluate(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) calibrateRGB(ctx context.Context) error {
	minor := 1
	if d.cis {
		minor = 2
	}
	var white, dark int
	var err error
	if d.cals.red, white, dark, err = d.newCalibrator(calib.KindRGB8, minor); err != nil {
		return err
	}
	if d.cals.green, _, _, err = d.newCalibrator(calib.KindRGB8, minor); err != nil {
		return err
	}
	if d.cals.blue, _, _, err = d.newCalibrator(calib.KindRGB8, minor); err != nil {
		return err
	}
	rows := []channelRow{
		{ma1017.ChannelGreen, d.cals.green, d.green},
		{ma1017.ChannelBlue, d.cals.blue, d.blue},
		{ma1017.ChannelRed, d.cals.red, d.red},
	}
	return d.referencePasses(ctx, rows, white, dark, minor, func(ch ma1017.Channel) float64 {
		switch ch {
		case ma1017.ChannelGreen:
			return d.p.greenFactor
		case ma1017.ChannelBlue:
			return d.p.blueFactor
		}
		return d.p.redFactor
	})
}

func (d *Device) calibrateMono(ctx context.Context) error {
	cal, white, dark, err := d.newCalibrator(calib.KindMono8, 1)
	if err != nil {
		return err
	}
	d.cals.mono = cal
	rows := []channelRow{{ma1017.ChannelGreen, cal, d.green}}
	return d.referencePasses(ctx, rows, white, dark, 1, func(ma1017.Channel) float64 {
		return d.p.grayFactor
	})
}
