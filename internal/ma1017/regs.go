package ma1017

// Each logical register is a typed struct whose Encode/Decode pair owns the
// bit layout. Registers composes them into the shadow copy kept by Chip.

// ControlReg is register 2.
type ControlReg struct {
	Append     bool
	TestSRAM   bool
	FixPattern bool
}

func (r ControlReg) Encode() byte {
	return bit(r.Append, 0x10) | bit(r.TestSRAM, 0x20) | bit(r.FixPattern, 0x80)
}

func (r *ControlReg) Decode(b byte) {
	r.Append = b&0x10 != 0
	r.TestSRAM = b&0x20 != 0
	r.FixPattern = b&0x80 != 0
}

// SelectReg is register 4.
type SelectReg struct {
	Select   byte
	FrontEnd bool
}

func (r SelectReg) Encode() byte { return r.Select&0xfe | bit(r.FrontEnd, 0x01) }

func (r *SelectReg) Decode(b byte) {
	r.Select = b & 0xfe
	r.FrontEnd = b&0x01 != 0
}

// PinsReg is register 6.
type PinsReg struct {
	ASICIO byte
	RGBSel byte
}

func (r PinsReg) Encode() byte { return r.ASICIO&0xdc | r.RGBSel&0x03 }

func (r *PinsReg) Decode(b byte) {
	r.ASICIO = b & 0xdc
	r.RGBSel = b & 0x03
}

// TimingReg is register 7.
type TimingReg struct {
	CCD  byte
	Bank BankSize
}

func (r TimingReg) Encode() byte { return r.CCD&0xfc | byte(r.Bank)&0x03 }

func (r *TimingReg) Decode(b byte) {
	r.CCD = b & 0xfc
	r.Bank = BankSize(b & 0x03)
}

// TableReg is register 8. Length holds the command table length minus one.
type TableReg struct {
	Length      byte
	CCDWidthMSB bool
	DummyMSB    bool
}

func (r TableReg) Encode() byte {
	return r.Length&0x1f | bit(r.CCDWidthMSB, 0x20) | bit(r.DummyMSB, 0x40)
}

func (r *TableReg) Decode(b byte) {
	r.Length = b & 0x1f
	r.CCDWidthMSB = b&0x20 != 0
	r.DummyMSB = b&0x40 != 0
}

// MotorReg is register 15.
type MotorReg struct {
	Enable   bool
	Full     bool
	Double   bool
	Two      bool
	Backward bool
	Signal   byte
	Home     bool
}

func (r MotorReg) Encode() byte {
	return bit(r.Enable, 0x80) | bit(r.Full, 0x40) | bit(r.Double, 0x20) |
		bit(r.Two, 0x08) | bit(r.Backward, 0x10) | r.Signal&0x06 | bit(r.Home, 0x01)
}

func (r *MotorReg) Decode(b byte) {
	r.Enable = b&0x80 != 0
	r.Full = b&0x40 != 0
	r.Double = b&0x20 != 0
	r.Two = b&0x08 != 0
	r.Backward = b&0x10 != 0
	r.Signal = b & 0x06
	r.Home = b&0x01 != 0
}

// PixelReg is register 16.
type PixelReg struct {
	Depth      PixelDepth
	Invert     bool
	Optical600 bool
	SampleWay  SampleWay
}

func (r PixelReg) Encode() byte {
	return byte(r.Depth)&0xe0 | bit(r.Invert, 0x10) | bit(r.Optical600, 0x08) | byte(r.SampleWay)&0x07
}

func (r *PixelReg) Decode(b byte) {
	r.Depth = PixelDepth(b & 0xe0)
	r.Invert = b&0x10 != 0
	r.Optical600 = b&0x08 != 0
	r.SampleWay = SampleWay(b & 0x07)
}

// PowerReg is register 23.
type PowerReg struct {
	Peripheral bool
	Lamp       bool
	IO3        bool
	LEDAll     bool
}

func (r PowerReg) Encode() byte {
	return bit(r.Peripheral, 0x80) | bit(r.Lamp, 0x40) | bit(r.IO3, 0x08) | bit(r.LEDAll, 0x01)
}

func (r *PowerReg) Decode(b byte) {
	r.Peripheral = b&0x80 != 0
	r.Lamp = b&0x40 != 0
	r.IO3 = b&0x08 != 0
	r.LEDAll = b&0x01 != 0
}

// AnalogReg is register 24.
type AnalogReg struct {
	SpecialAD bool
	FY1Delay  bool
}

func (r AnalogReg) Encode() byte { return bit(r.SpecialAD, 0x02) | bit(r.FY1Delay, 0x01) }

func (r *AnalogReg) Decode(b byte) {
	r.SpecialAD = b&0x02 != 0
	r.FY1Delay = b&0x01 != 0
}

// SerialFormatReg is register 27.
type SerialFormatReg struct {
	SCLK   bool
	SEN    bool
	Length byte
}

func (r SerialFormatReg) Encode() byte {
	return bit(r.SCLK, 0x80) | bit(r.SEN, 0x40) | r.Length&0x1f
}

func (r *SerialFormatReg) Decode(b byte) {
	r.SCLK = b&0x80 != 0
	r.SEN = b&0x40 != 0
	r.Length = b & 0x1f
}

// Registers is the shadow copy of every writable register.
type Registers struct {
	Control   ControlReg
	Adjust    byte
	Select    SelectReg
	Pins      PinsReg
	Timing    TimingReg
	Table     TableReg
	SecondPos byte
	CCDWidth  int
	Dummy     int
	ByteWidth int
	LoopCount int
	Motor     MotorReg
	Pixel     PixelReg
	RedRef    byte
	GreenRef  byte
	BlueRef   byte
	RedPD     byte
	GreenPD   byte
	BluePD    byte
	Power     PowerReg
	Analog    AnalogReg
	Serial1   byte
	Serial2   byte
	SerialFmt SerialFormatReg
}

// DefaultRegisters returns the power-on shadow state.
func DefaultRegisters() Registers {
	return Registers{
		Select:    SelectReg{},
		Pins:      PinsReg{ASICIO: 0x9c, RGBSel: 0x02},
		Timing:    TimingReg{CCD: 0xe8, Bank: Bank16K},
		CCDWidth:  0x0c80,
		Dummy:     0x0020,
		ByteWidth: 0x09f6,
		LoopCount: 0x0db5,
		Motor:     MotorReg{Full: true, Double: true, Backward: true},
		Pixel:     PixelReg{Depth: Depth8Bit, SampleWay: SampleP6P6},
		RedRef:    0xff,
		GreenRef:  0xff,
		BlueRef:   0xff,
		Power:     PowerReg{Peripheral: true},
		SerialFmt: SerialFormatReg{Length: 0x10},
	}
}

// Encode returns the byte the hardware holds for the given register address.
// ok is false for addresses without a shadow (table entries, status).
func (r *Registers) Encode(reg byte) (b byte, ok bool) {
	switch reg {
	case RegControl:
		return r.Control.Encode(), true
	case RegAdjust:
		return r.Adjust, true
	case RegSelect:
		return r.Select.Encode(), true
	case RegPins:
		return r.Pins.Encode(), true
	case RegTiming:
		return r.Timing.Encode(), true
	case RegTable:
		return r.Table.Encode(), true
	case RegSecondPos:
		return r.SecondPos, true
	case RegCCDWidth:
		return byte(r.CCDWidth / 32), true
	case RegDummy:
		return byte(r.Dummy/32 + 1), true
	case RegByteWidthLo:
		return byte(r.ByteWidth), true
	case RegByteWidthHi:
		return byte(r.ByteWidth >> 8), true
	case RegLoopLo:
		return byte(r.LoopCount), true
	case RegLoopHi:
		return byte(r.LoopCount >> 8), true
	case RegMotor:
		return r.Motor.Encode(), true
	case RegPixel:
		return r.Pixel.Encode(), true
	case RegRedRef:
		return r.RedRef, true
	case RegGreenRef:
		return r.GreenRef, true
	case RegBlueRef:
		return r.BlueRef, true
	case RegRedPD:
		return r.RedPD, true
	case RegGreenPD:
		return r.GreenPD, true
	case RegBluePD:
		return r.BluePD, true
	case RegPower:
		return r.Power.Encode(), true
	case RegAnalog:
		return r.Analog.Encode(), true
	case RegSerial1:
		return r.Serial1, true
	case RegSerial2:
		return r.Serial2, true
	case RegSerialFmt:
		return r.SerialFmt.Encode(), true
	}
	return 0, false
}

// Decode folds a byte read from the hardware back into the shadow. The
// two-byte fields keep their other half; ccd width and dummy use the msb
// flags already held in the table register.
func (r *Registers) Decode(reg, b byte) {
	switch reg {
	case RegControl:
		r.Control.Decode(b)
	case RegAdjust:
		r.Adjust = b
	case RegSelect:
		r.Select.Decode(b)
	case RegPins:
		r.Pins.Decode(b)
	case RegTiming:
		r.Timing.Decode(b)
	case RegTable:
		r.Table.Decode(b)
		r.CCDWidth = (r.CCDWidth/32)&0xff*32 + msb(r.Table.CCDWidthMSB)*32
		raw := (r.Dummy/32+1)&0xff + msb(r.Table.DummyMSB)
		r.Dummy = max(raw-1, 0) * 32
	case RegSecondPos:
		r.SecondPos = b
	case RegCCDWidth:
		r.CCDWidth = (int(b) + msb(r.Table.CCDWidthMSB)) * 32
	case RegDummy:
		d := int(b) + msb(r.Table.DummyMSB) - 1
		if d < 0 {
			d = 0
		}
		r.Dummy = d * 32
	case RegByteWidthLo:
		r.ByteWidth = r.ByteWidth&0x3f00 | int(b)
	case RegByteWidthHi:
		r.ByteWidth = r.ByteWidth&0x00ff | int(b&0x3f)<<8
	case RegLoopLo:
		r.LoopCount = r.LoopCount&0xff00 | int(b)
	case RegLoopHi:
		r.LoopCount = r.LoopCount&0x00ff | int(b)<<8
	case RegMotor:
		r.Motor.Decode(b)
	case RegPixel:
		r.Pixel.Decode(b)
	case RegRedRef:
		r.RedRef = b
	case RegGreenRef:
		r.GreenRef = b
	case RegBlueRef:
		r.BlueRef = b
	case RegRedPD:
		r.RedPD = b
	case RegGreenPD:
		r.GreenPD = b
	case RegBluePD:
		r.BluePD = b
	case RegPower:
		r.Power.Decode(b)
	case RegAnalog:
		r.Analog.Decode(b)
	case RegSerial1:
		r.Serial1 = b
	case RegSerial2:
		r.Serial2 = b
	case RegSerialFmt:
		r.SerialFmt.Decode(b)
	}
}

// Entry is one step of a motor command table.
type Entry struct {
	Channel  Channel
	Motor    bool
	Transfer bool
}

// Encode returns the register byte for the entry at index.
func (e Entry) Encode(index int) byte {
	return byte(index)<<4 | byte(e.Channel) | bit(e.Motor, 0x02) | bit(e.Transfer, 0x01)
}

// DecodeEntry splits a command table register byte into its index and entry.
// Only the low four index bits are carried; register 1 adds 16.
func DecodeEntry(b byte) (index int, e Entry) {
	return int(b >> 4), Entry{
		Channel:  Channel(b & 0x0c),
		Motor:    b&0x02 != 0,
		Transfer: b&0x01 != 0,
	}
}

func bit(v bool, mask byte) byte {
	if v {
		return mask
	}
	return 0
}

func msb(v bool) int {
	if v {
		return 0x100
	}
	return 0
}
