package ma1017

import "fmt"

// SetCommand programs command table entry index (0..31).
func (c *Chip) SetCommand(index int, e Entry) error {
	if err := c.writable("set command"); err != nil {
		return err
	}
	if index < 0 || index >= MaxTableEntries {
		return fmt.Errorf("set command %d: %w", index, ErrInvalidParameter)
	}
	reg := RegTableLow
	if index > 15 {
		reg = RegTableHigh
	}
	c.transfer[index] = e.Transfer
	return c.writeReg(reg, e.Encode(index))
}

// SetTableLength sets the number of active command table entries (1..32).
func (c *Chip) SetTableLength(n int) error {
	if n < 1 || n > MaxTableEntries {
		return fmt.Errorf("set table length %d: %w", n, ErrInvalidParameter)
	}
	if err := c.update(RegTable, func(r *Registers) { r.Table.Length = byte(n - 1) }); err != nil {
		return err
	}
	c.tableLength = n
	return nil
}

// SetSecondPosition sets the index where the repeating table tail starts.
func (c *Chip) SetSecondPosition(n int) error {
	if n < 0 || n >= MaxTableEntries {
		return fmt.Errorf("set second position %d: %w", n, ErrInvalidParameter)
	}
	if err := c.update(RegSecondPos, func(r *Registers) { r.SecondPos = byte(n) }); err != nil {
		return err
	}
	c.secondPos = n
	return nil
}

// SetLoopCount sets how often the table tail repeats.
func (c *Chip) SetLoopCount(n int) error {
	if n < 0 || n > 0xffff {
		return fmt.Errorf("set loop count %d: %w", n, ErrInvalidParameter)
	}
	if err := c.update(RegLoopLo, func(r *Registers) { r.LoopCount = n }); err != nil {
		return err
	}
	return c.writeReg(RegLoopHi, byte(n>>8))
}

// --------------------------------------------------------------------------
// Control, timing and pins
// --------------------------------------------------------------------------

func (c *Chip) SetAppend(v bool) error {
	return c.update(RegControl, func(r *Registers) { r.Control.Append = v })
}

func (c *Chip) SetTestSRAM(v bool) error {
	return c.update(RegControl, func(r *Registers) { r.Control.TestSRAM = v })
}

func (c *Chip) SetFixPattern(v bool) error {
	return c.update(RegControl, func(r *Registers) { r.Control.FixPattern = v })
}

func (c *Chip) AdjustTiming(v byte) error {
	return c.update(RegAdjust, func(r *Registers) { r.Adjust = v })
}

func (c *Chip) SelectTiming(v byte) error {
	return c.update(RegSelect, func(r *Registers) { r.Select.Select = v & 0xfe })
}

// TurnFrontEndMode enables serial access to the analog front end.
func (c *Chip) TurnFrontEndMode(on bool) error {
	return c.update(RegSelect, func(r *Registers) { r.Select.FrontEnd = on })
}

func (c *Chip) SetASICIOPins(v byte) error {
	return c.update(RegPins, func(r *Registers) { r.Pins.ASICIO = v & 0xdc })
}

func (c *Chip) SetRGBSelPins(v byte) error {
	return c.update(RegPins, func(r *Registers) { r.Pins.RGBSel = v & 0x03 })
}

// SetTiming sets the CCD timing bits of register 7.
func (c *Chip) SetTiming(v byte) error {
	return c.update(RegTiming, func(r *Registers) { r.Timing.CCD = v & 0xfc })
}

func (c *Chip) SetSRAMBank(b BankSize) error {
	if b > Bank16K {
		return fmt.Errorf("set sram bank %d: %w", b, ErrInvalidParameter)
	}
	return c.update(RegTiming, func(r *Registers) { r.Timing.Bank = b })
}

// SetCCDWidth sets the exposure width. The ninth bit travels in register 8,
// which is written before register 10.
func (c *Chip) SetCCDWidth(w int) error {
	if w < 0 || w/32 > 0x1ff {
		return fmt.Errorf("set ccd width %d: %w", w, ErrInvalidParameter)
	}
	if err := c.update(RegTable, func(r *Registers) {
		r.CCDWidth = w
		r.Table.CCDWidthMSB = (w/32)>>8 == 1
	}); err != nil {
		return err
	}
	b, _ := c.regs.Encode(RegCCDWidth)
	return c.writeReg(RegCCDWidth, b)
}

// SetDummy sets the number of skipped pixels at the start of a row. Like the
// CCD width its ninth bit lives in register 8.
func (c *Chip) SetDummy(d int) error {
	if d < 0 || d/32+1 > 0x1ff {
		return fmt.Errorf("set dummy %d: %w", d, ErrInvalidParameter)
	}
	if err := c.update(RegTable, func(r *Registers) {
		r.Dummy = d
		r.Table.DummyMSB = (d/32+1)>>8 == 1
	}); err != nil {
		return err
	}
	b, _ := c.regs.Encode(RegDummy)
	return c.writeReg(RegDummy, b)
}

// SetImageByteWidth sets the delivered row size; the hardware byte width is
// the row size times the soft resample factor.
func (c *Chip) SetImageByteWidth(rowSize int) error {
	if err := c.writable("set byte width"); err != nil {
		return err
	}
	if rowSize < 0 || rowSize*c.softResample > MaxByteWidth {
		return fmt.Errorf("set byte width %d: %w", rowSize, ErrInvalidParameter)
	}
	c.rowSize = rowSize
	return c.writeByteWidth()
}

// SetSoftResample sets the factor by which rows are decimated on the host.
func (c *Chip) SetSoftResample(n int) error {
	if err := c.writable("set soft resample"); err != nil {
		return err
	}
	if n <= 0 || c.rowSize*n > MaxByteWidth {
		return fmt.Errorf("set soft resample %d: %w", n, ErrInvalidParameter)
	}
	c.softResample = n
	return c.writeByteWidth()
}

// SoftResample returns the current host-side decimation factor.
func (c *Chip) SoftResample() int { return c.softResample }

func (c *Chip) writeByteWidth() error {
	c.regs.ByteWidth = c.rowSize * c.softResample
	if err := c.writeReg(RegByteWidthLo, byte(c.regs.ByteWidth)); err != nil {
		return err
	}
	return c.writeReg(RegByteWidthHi, byte(c.regs.ByteWidth>>8))
}

// --------------------------------------------------------------------------
// Motor
// --------------------------------------------------------------------------

func (c *Chip) EnableMotor(on bool) error {
	return c.update(RegMotor, func(r *Registers) { r.Motor.Enable = on })
}

func (c *Chip) SetMotorMovement(full, double, two bool) error {
	return c.update(RegMotor, func(r *Registers) {
		r.Motor.Full = full
		r.Motor.Double = double
		r.Motor.Two = two
	})
}

func (c *Chip) SetMotorDirection(backward bool) error {
	return c.update(RegMotor, func(r *Registers) { r.Motor.Backward = backward })
}

func (c *Chip) SetMotorSignal(v byte) error {
	return c.update(RegMotor, func(r *Registers) { r.Motor.Signal = v & 0x06 })
}

// MoveMotorHome configures register 15 for a homing run. home also enables
// the motor; clearing it disables the motor.
func (c *Chip) MoveMotorHome(home, backward bool) error {
	return c.update(RegMotor, func(r *Registers) {
		r.Motor.Enable = home
		r.Motor.Home = home
		r.Motor.Backward = backward
	})
}

// --------------------------------------------------------------------------
// Pixel format
// --------------------------------------------------------------------------

func (c *Chip) SetPixelDepth(d PixelDepth) error {
	switch d {
	case Depth1Bit, Depth4Bit, Depth8Bit, Depth12Bit:
	default:
		return fmt.Errorf("set pixel depth 0x%02x: %w", byte(d), ErrInvalidParameter)
	}
	return c.update(RegPixel, func(r *Registers) { r.Pixel.Depth = d })
}

func (c *Chip) InvertImage(v bool) error {
	return c.update(RegPixel, func(r *Registers) { r.Pixel.Invert = v })
}

// SetImageDPI selects the optical path and horizontal sampling ratio.
func (c *Chip) SetImageDPI(optical600 bool, way SampleWay) error {
	if way < SampleP1P6 || way > SampleP6P6 {
		return fmt.Errorf("set sample way %d: %w", way, ErrInvalidParameter)
	}
	return c.update(RegPixel, func(r *Registers) {
		r.Pixel.Optical600 = optical600
		r.Pixel.SampleWay = way
	})
}

// --------------------------------------------------------------------------
// Analog references and power delays
// --------------------------------------------------------------------------

func (c *Chip) SetRedRef(v byte) error {
	return c.update(RegRedRef, func(r *Registers) { r.RedRef = v })
}

func (c *Chip) SetGreenRef(v byte) error {
	return c.update(RegGreenRef, func(r *Registers) { r.GreenRef = v })
}

func (c *Chip) SetBlueRef(v byte) error {
	return c.update(RegBlueRef, func(r *Registers) { r.BlueRef = v })
}

func (c *Chip) SetRedPD(v byte) error {
	return c.update(RegRedPD, func(r *Registers) { r.RedPD = v })
}

func (c *Chip) SetGreenPD(v byte) error {
	return c.update(RegGreenPD, func(r *Registers) { r.GreenPD = v })
}

func (c *Chip) SetBluePD(v byte) error {
	return c.update(RegBluePD, func(r *Registers) { r.BluePD = v })
}

// SetPowerDelay sets the power delay of one channel.
func (c *Chip) SetPowerDelay(ch Channel, v byte) error {
	switch ch {
	case ChannelRed:
		return c.SetRedPD(v)
	case ChannelGreen:
		return c.SetGreenPD(v)
	case ChannelBlue:
		return c.SetBluePD(v)
	}
	return fmt.Errorf("set power delay on %s: %w", ch, ErrInvalidParameter)
}

// --------------------------------------------------------------------------
// Power, lamp and serial front-end access
// --------------------------------------------------------------------------

func (c *Chip) TurnPeripheralPower(on bool) error {
	return c.update(RegPower, func(r *Registers) { r.Power.Peripheral = on })
}

func (c *Chip) TurnLamp(on bool) error {
	return c.update(RegPower, func(r *Registers) { r.Power.Lamp = on })
}

func (c *Chip) SetIO3(on bool) error {
	return c.update(RegPower, func(r *Registers) { r.Power.IO3 = on })
}

func (c *Chip) SetLEDLightAll(on bool) error {
	return c.update(RegPower, func(r *Registers) { r.Power.LEDAll = on })
}

// SetADTiming writes the special-AD and FY1-delay bits of register 24.
func (c *Chip) SetADTiming(v byte) error {
	return c.update(RegAnalog, func(r *Registers) {
		r.Analog.SpecialAD = v&0x02 != 0
		r.Analog.FY1Delay = v&0x01 != 0
	})
}

func (c *Chip) SetSerialByte1(v byte) error {
	return c.update(RegSerial1, func(r *Registers) { r.Serial1 = v })
}

func (c *Chip) SetSerialByte2(v byte) error {
	return c.update(RegSerial2, func(r *Registers) { r.Serial2 = v })
}

func (c *Chip) SetSerialFormat(v byte) error {
	return c.update(RegSerialFmt, func(r *Registers) { r.SerialFmt.Decode(v) })
}
