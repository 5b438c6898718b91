package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mzyy94/airmustek/internal/ma1017"
	"github.com/mzyy94/airmustek/internal/timing"
)

// Suggest quantises a window given at dpi into the resolutions the sensor
// and motor can run and rescales it accordingly.
func (d *Device) Suggest(mode Mode, dpi, x, y, width, height int) Geometry {
	g := Geometry{
		XDPI: timing.SensorDPI(d.chip.Sensor(), dpi),
		YDPI: timing.MotorDPI(d.motor, dpi),
	}
	g.X = x * g.XDPI / dpi
	g.Y = y * g.YDPI / dpi
	g.Width = width * g.XDPI / dpi
	g.Height = height * g.YDPI / dpi
	g.BytesPerRow = g.Width * mode.BytesPerPixel()
	g.BitsPerPixel = 8 * mode.BytesPerPixel()
	return g
}

// SetupScan calibrates for g and starts rowing at the top of the window.
// Cancelling ctx abandons the calibration between reference rows and
// leaves the device stopped with the lamp off.
func (d *Device) SetupScan(ctx context.Context, mode Mode, g Geometry) error {
	if d.State() != StatePrepared {
		return fmt.Errorf("setup scan: device is %s: %w", d.State(), ma1017.ErrInvalidState)
	}
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("setup scan: %dx%d window: %w", g.Width, g.Height, ma1017.ErrInvalidParameter)
	}
	d.setState(StateCalibrating)
	if err := d.setupScan(ctx, mode, g); err != nil {
		d.cals.release()
		d.stopRowing()
		if errors.Is(err, ma1017.ErrCancelled) {
			if lerr := d.chip.TurnLamp(false); lerr != nil {
				slog.Warn("lamp off after cancelled setup", "err", lerr)
			}
		}
		d.setState(StateStopped)
		return err
	}
	d.setState(StateStreaming)
	return nil
}

// interrupted reports a cancelled ctx as ErrCancelled.
func interrupted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ma1017.ErrCancelled, err)
	}
	return nil
}

func (d *Device) setupScan(ctx context.Context, mode Mode, g Geometry) error {
	if err := interrupted(ctx); err != nil {
		return fmt.Errorf("setup scan: %w", err)
	}
	c := d.chip
	sensor := c.Sensor()
	d.mode = mode
	d.geo = g
	d.geo.BytesPerRow = g.Width * mode.BytesPerPixel()
	d.invert = false

	if err := timing.InitASIC(c, sensor); err != nil {
		return fmt.Errorf("setup scan: %w", err)
	}
	for _, fn := range []func() error{
		func() error { return c.TurnPeripheralPower(true) },
		func() error { return c.EnableMotor(true) },
		func() error { return c.TurnLamp(true) },
		func() error { return c.InvertImage(d.invert) },
	} {
		if err := fn(); err != nil {
			return fmt.Errorf("setup scan: %w", err)
		}
	}
	if !d.cis {
		for _, fn := range []func() error{
			func() error { return d.fe.SetMode(16) },
			func() error { return d.fe.Enable() },
			func() error { return d.fe.SetTopReference(244) },
			func() error { return d.fe.SetRGBSignal() },
		} {
			if err := fn(); err != nil {
				return fmt.Errorf("setup scan: %w", err)
			}
		}
	}

	upper := g.Y*600/g.YDPI + d.p.jLines
	if mode == ModeGray8 {
		upper += 4
	}
	var left int
	if timing.Is600Mode(sensor, g.XDPI) {
		left = g.X*600/g.XDPI + d.p.skips600
		d.skipsPerRow = ((left%32)*g.XDPI + 300) / 600
	} else {
		left = g.X*300/g.XDPI + d.p.skips300
		d.skipsPerRow = ((left%32)*g.XDPI + 150) / 300
	}
	d.dummy = left / 32 * 32
	d.bytesPerStrip = d.skipsPerRow + g.Width
	if d.bytesPerStrip%2 == 1 {
		d.bytesPerStrip++
	}
	d.allocStrips(d.bytesPerStrip)
	slog.Debug("scan window", "mode", mode.String(), "xdpi", g.XDPI, "ydpi", g.YDPI,
		"upper", upper, "left", left, "skips", d.skipsPerRow, "dummy", d.dummy, "strip", d.bytesPerStrip)

	if err := d.waitCarriageHome(); err != nil {
		return err
	}
	if err := interrupted(ctx); err != nil {
		return fmt.Errorf("setup scan: %w", err)
	}
	if err := d.hardwareCalibration(); err != nil {
		return err
	}
	if err := interrupted(ctx); err != nil {
		return fmt.Errorf("setup scan: %w", err)
	}
	if err := d.lineCalibration(ctx); err != nil {
		return err
	}
	if err := interrupted(ctx); err != nil {
		return fmt.Errorf("setup scan: %w", err)
	}
	if err := d.stepForward(upper); err != nil {
		return fmt.Errorf("setup scan: %w", err)
	}
	if err := d.prepareScan(); err != nil {
		return err
	}
	if err := c.StartRowing(); err != nil {
		return fmt.Errorf("setup scan: %w", err)
	}
	d.reader = readerFor(mode)
	return nil
}

// prepareScan programs the row format, signal, sensor and motor table of
// the scan proper.
func (d *Device) prepareScan() error {
	mono := d.mode == ModeGray8
	if err := d.prepareFormat(); err != nil {
		return fmt.Errorf("prepare scan: %w", err)
	}
	if err := d.prepareSignal(); err != nil {
		return fmt.Errorf("prepare scan: %w", err)
	}
	if err := timing.PrepareSensor(d.chip, d.chip.Sensor(), d.geo.XDPI, mono); err != nil {
		return fmt.Errorf("prepare scan: %w", err)
	}
	if err := timing.PrepareScan(d.chip, d.motor, d.geo.YDPI, mono); err != nil {
		return fmt.Errorf("prepare scan: %w", err)
	}
	return nil
}

// GetRows reads n corrected lines of BytesPerRow bytes each into block.
func (d *Device) GetRows(block []byte, n int) error {
	if d.State() != StateStreaming || d.reader == nil {
		return fmt.Errorf("get rows: device is %s: %w", d.State(), ma1017.ErrInvalidState)
	}
	bpr := d.geo.BytesPerRow
	if len(block) < n*bpr {
		return fmt.Errorf("get rows: %d bytes for %d rows of %d: %w", len(block), n, bpr, ma1017.ErrInvalidParameter)
	}
	for i := range n {
		if err := d.reader.readLine(d, block[i*bpr:(i+1)*bpr]); err != nil {
			return fmt.Errorf("get rows: row %d: %w", i, err)
		}
	}
	return nil
}

// SetThreshold sets the lineart threshold handed to calibrators (0..255).
func (d *Device) SetThreshold(t int) { d.threshold = min(max(t, 0), 255) }

// EmbedGamma sets the 4096-entry table calibrators map corrected values
// through. Nil restores linear scaling.
func (d *Device) EmbedGamma(table []byte) { d.gamma = table }
