package timing

import (
	"fmt"

	"github.com/mzyy94/airmustek/internal/ma1017"
)

// Serial addresses of the analog front end.
const (
	feTopRef       byte = 0x00
	feRedOffset    byte = 0x10
	feGreenOffset  byte = 0x50
	feBlueOffset   byte = 0x30
	feRedPGA       byte = 0x40
	feGreenPGA     byte = 0x20
	feBluePGA      byte = 0x60
	signalRedRef   byte = 0xef
	signalGreenRef byte = 0xf7
	signalBlueRef  byte = 0xff
)

// FrontEnd writes analog front-end settings through the ASIC serial port.
type FrontEnd struct {
	chip *ma1017.Chip
}

// NewFrontEnd returns a front end driven through c.
func NewFrontEnd(c *ma1017.Chip) FrontEnd { return FrontEnd{chip: c} }

// SetMode sets the serial frame format.
func (f FrontEnd) SetMode(mode byte) error {
	if err := f.chip.SetSerialFormat(mode); err != nil {
		return fmt.Errorf("front end mode: %w", err)
	}
	return nil
}

// Enable turns the serial path to the front end on.
func (f FrontEnd) Enable() error {
	if err := f.chip.TurnFrontEndMode(true); err != nil {
		return fmt.Errorf("front end enable: %w", err)
	}
	return nil
}

func (f FrontEnd) write(addr, value byte) error {
	c := f.chip
	for _, step := range []func() error{
		func() error { return c.TurnFrontEndMode(true) },
		func() error { return c.SetSerialByte1(addr) },
		func() error { return c.SetSerialByte2(value) },
		func() error { return c.TurnFrontEndMode(false) },
	} {
		if err := step(); err != nil {
			return fmt.Errorf("front end write 0x%02x: %w", addr, err)
		}
	}
	return nil
}

func (f FrontEnd) SetTopReference(v byte) error  { return f.write(feTopRef, v) }
func (f FrontEnd) SetRedOffset(v byte) error     { return f.write(feRedOffset, v) }
func (f FrontEnd) SetGreenOffset(v byte) error   { return f.write(feGreenOffset, v) }
func (f FrontEnd) SetBlueOffset(v byte) error    { return f.write(feBlueOffset, v) }
func (f FrontEnd) SetRedPGA(v byte) error        { return f.write(feRedPGA, v) }
func (f FrontEnd) SetGreenPGA(v byte) error      { return f.write(feGreenPGA, v) }
func (f FrontEnd) SetBluePGA(v byte) error       { return f.write(feBluePGA, v) }

// SetOffsets writes the three channel offsets.
func (f FrontEnd) SetOffsets(red, green, blue byte) error {
	if err := f.SetRedOffset(red); err != nil {
		return err
	}
	if err := f.SetGreenOffset(green); err != nil {
		return err
	}
	return f.SetBlueOffset(blue)
}

// SetPGA writes the three channel gains.
func (f FrontEnd) SetPGA(red, green, blue byte) error {
	if err := f.SetRedPGA(red); err != nil {
		return err
	}
	if err := f.SetGreenPGA(green); err != nil {
		return err
	}
	return f.SetBluePGA(blue)
}

// SetRGBSignal programs the ASIC channel references.
func (f FrontEnd) SetRGBSignal() error {
	c := f.chip
	if err := c.SetRedRef(signalRedRef); err != nil {
		return fmt.Errorf("rgb signal: %w", err)
	}
	if err := c.SetGreenRef(signalGreenRef); err != nil {
		return fmt.Errorf("rgb signal: %w", err)
	}
	if err := c.SetBlueRef(signalBlueRef); err != nil {
		return fmt.Errorf("rgb signal: %w", err)
	}
	return nil
}
