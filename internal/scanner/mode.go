package scanner

import (
	"fmt"
	"time"
)

// Mode is the hardware capture mode.
type Mode int

const (
	// ModeRGB24 captures green, blue and red rows per line and interleaves
	// them into 24-bit pixels.
	ModeRGB24 Mode = iota
	// ModeGray8 captures one green row per line. Lineart is thresholded
	// from it.
	ModeGray8
)

func (m Mode) String() string {
	if m == ModeGray8 {
		return "gray8"
	}
	return "rgb24"
}

// BytesPerPixel returns the output bytes per pixel of the mode.
func (m Mode) BytesPerPixel() int {
	if m == ModeGray8 {
		return 1
	}
	return 3
}

// lineReader reads and corrects one line in a mode and knows how to settle
// the carriage when the scan is abandoned.
type lineReader interface {
	readLine(d *Device, line []byte) error
	backtrack(d *Device) error
}

func readerFor(m Mode) lineReader {
	if m == ModeGray8 {
		return grayReader{}
	}
	return rgbReader{}
}

type rgbReader struct{}

// readLine reads the green, blue and red rows of one line. Green lands on
// byte 1 of each pixel; red and blue swap places when the image is
// inverted.
func (rgbReader) readLine(d *Device, line []byte) error {
	c := d.chip
	for _, buf := range [][]byte{d.green, d.blue, d.red} {
		if err := c.GetRow(buf[:d.bytesPerStrip]); err != nil {
			return err
		}
	}
	red, blue := 0, 2
	if d.invert {
		red, blue = 2, 0
	}
	skip := d.skipsPerRow
	if err := d.cals.green.Calibrate(d.green[skip:], line[1:]); err != nil {
		return err
	}
	if err := d.cals.blue.Calibrate(d.blue[skip:], line[blue:]); err != nil {
		return err
	}
	return d.cals.red.Calibrate(d.red[skip:], line[red:])
}

func (rgbReader) backtrack(*Device) error { return nil }

type grayReader struct{}

func (grayReader) readLine(d *Device, line []byte) error {
	if err := d.chip.GetRow(d.green[:d.bytesPerStrip]); err != nil {
		return err
	}
	return d.cals.mono.Calibrate(d.green[d.skipsPerRow:], line)
}

// backtrack reverses the carriage over the last rows and rolls forward
// again so the next start does not leave a gap. Below 300 dpi the steps are
// coarse enough to skip it.
func (grayReader) backtrack(d *Device) error {
	if d.geo.YDPI < 300 {
		return nil
	}
	c := d.chip
	rows := func() error {
		for range d.p.backTrackMono {
			if err := c.GetRow(d.green[:d.bytesPerStrip]); err != nil {
				return err
			}
		}
		return nil
	}
	if err := d.stopRowing(); err != nil {
		return fmt.Errorf("backtrack: %w", err)
	}
	if err := c.SetMotorDirection(true); err != nil {
		return fmt.Errorf("backtrack: %w", err)
	}
	if err := c.StartRowing(); err != nil {
		return fmt.Errorf("backtrack: %w", err)
	}
	if err := rows(); err != nil {
		return fmt.Errorf("backtrack: %w", err)
	}
	d.sleep(100 * time.Millisecond)
	if err := d.stopRowing(); err != nil {
		return fmt.Errorf("backtrack: %w", err)
	}
	if err := c.SetMotorDirection(false); err != nil {
		return fmt.Errorf("backtrack: %w", err)
	}
	if err := c.StartRowing(); err != nil {
		return fmt.Errorf("backtrack: %w", err)
	}
	if err := rows(); err != nil {
		return fmt.Errorf("backtrack: %w", err)
	}
	return nil
}
