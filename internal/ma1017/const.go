package ma1017

import "strings"

// USB identification of MA-1017 based scanners.
const VendorID uint16 = 0x055f

// Model identifies a scanner product built around the MA-1017.
type Model int

const (
	ModelUnknown Model = iota
	Model1200CU
	Model1200CUPlus
	Model1200USB
	Model1200UB
	Model600CU
	Model600USB
)

// ProductModels maps USB product ids to scanner models.
var ProductModels = map[uint16]Model{
	0x0001: Model1200CU,
	0x0002: Model600CU,
	0x0003: Model1200USB,
	0x0006: Model1200UB,
	0x0008: Model1200CUPlus,
	0x0873: Model600USB,
}

var modelNames = map[Model]string{
	ModelUnknown:    "unknown",
	Model1200CU:     "1200 CU",
	Model1200CUPlus: "1200 CU Plus",
	Model1200USB:    "1200 USB (unsupported)",
	Model1200UB:     "1200 UB",
	Model600CU:      "600 CU",
	Model600USB:     "600 USB (unsupported)",
}

func (m Model) String() string {
	if s, ok := modelNames[m]; ok {
		return s
	}
	return "unknown"
}

// ProductID returns the USB product id of the model, or 0 if unknown.
func (m Model) ProductID() uint16 {
	for id, model := range ProductModels {
		if model == m {
			return id
		}
	}
	return 0
}

// ParseModel parses a model override as used in configuration files
// ("1200ub", "1200cu", "1200cu_plus", "600cu", "1200usb"). "auto" and ""
// return ModelUnknown, meaning any supported product is accepted.
func ParseModel(s string) (Model, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModelUnknown, true
	case "1200cu":
		return Model1200CU, true
	case "1200cu_plus", "1200cu-plus":
		return Model1200CUPlus, true
	case "1200ub":
		return Model1200UB, true
	case "600cu":
		return Model600CU, true
	case "1200usb":
		return Model1200USB, true
	case "600usb":
		return Model600USB, true
	}
	return ModelUnknown, false
}

// Sensor is the CCD/CIS sensor family attached to the ASIC.
type Sensor int

const (
	SensorToshiba600 Sensor = iota
	SensorCanon300
	SensorCanon300600
	SensorCanon600
	SensorNEC600
)

func (s Sensor) String() string {
	switch s {
	case SensorToshiba600:
		return "toshiba600"
	case SensorCanon300:
		return "canon300"
	case SensorCanon300600:
		return "canon300600"
	case SensorCanon600:
		return "canon600"
	case SensorNEC600:
		return "nec600"
	}
	return "unknown"
}

// Motor is the stepper motor class.
type Motor int

const (
	MotorMT600 Motor = iota
	MotorMT1200
)

func (m Motor) String() string {
	if m == MotorMT600 {
		return "mt600"
	}
	return "mt1200"
}

// Channel selects the sensor colour channel of a command table entry.
type Channel byte

const (
	ChannelNone  Channel = 0x00
	ChannelRed   Channel = 0x04
	ChannelGreen Channel = 0x08
	ChannelBlue  Channel = 0x0c
)

func (c Channel) String() string {
	switch c {
	case ChannelRed:
		return "red"
	case ChannelGreen:
		return "green"
	case ChannelBlue:
		return "blue"
	}
	return "none"
}

// SampleWay is the horizontal sampling ratio of the sensor (n out of 6).
type SampleWay byte

const (
	SampleP1P6 SampleWay = iota + 1
	SampleP2P6
	SampleP3P6
	SampleP4P6
	SampleP5P6
	SampleP6P6
)

// PixelDepth is the depth of the raw pixels the ASIC delivers.
type PixelDepth byte

const (
	Depth8Bit  PixelDepth = 0x00
	Depth12Bit PixelDepth = 0x20
	Depth1Bit  PixelDepth = 0x80
	Depth4Bit  PixelDepth = 0xc0
)

// BankSize is the SRAM bank size.
type BankSize byte

const (
	Bank4K  BankSize = 0x00
	Bank8K  BankSize = 0x01
	Bank16K BankSize = 0x02
)

// Physical register addresses.
const (
	RegTableLow    byte = 0
	RegTableHigh   byte = 1
	RegControl     byte = 2
	RegAdjust      byte = 3
	RegSelect      byte = 4
	RegPins        byte = 6
	RegTiming      byte = 7
	RegTable       byte = 8
	RegSecondPos   byte = 9
	RegCCDWidth    byte = 10
	RegDummy       byte = 11
	RegByteWidthLo byte = 12
	RegByteWidthHi byte = 13
	RegLoopLo      byte = 14
	RegMotor       byte = 15
	RegPixel       byte = 16
	RegRedRef      byte = 17
	RegGreenRef    byte = 18
	RegBlueRef     byte = 19
	RegRedPD       byte = 20
	RegGreenPD     byte = 21
	RegBluePD      byte = 22
	RegPower       byte = 23
	RegAnalog      byte = 24
	RegSerial1     byte = 25
	RegSerial2     byte = 26
	RegSerialFmt   byte = 27
	RegLoopHi      byte = 30
	RegStatus      byte = 31

	MaxRegister byte = 0x20
)

// Command bytes that are not register writes.
const (
	cmdReadFlag  byte = 0x20
	cmdStartCMT  byte = 0x02 | 0x60
	cmdStopCMT   byte = 0x82
	flagStartCMT byte = 0x02
	flagStopCMT  byte = 0x01
)

// Transfer limits.
const (
	DefaultMaxBlockSize = 8192
	MaxTableEntries     = 32
	MaxByteWidth        = 0x3fff
	urbSize             = 64
)

// readableRegisters are read back once after open to seed the shadow set.
var readableRegisters = []byte{
	RegControl, RegSelect, RegPins, RegTiming, RegTable, RegSecondPos,
	RegCCDWidth, RegDummy, RegByteWidthLo, RegByteWidthHi, RegMotor,
	RegPixel, RegRedRef, RegGreenRef, RegBlueRef, RegRedPD, RegGreenPD,
	RegBluePD, RegPower, RegAnalog, RegSerialFmt,
}
