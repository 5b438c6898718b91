package ma1017

import (
	"errors"
	"testing"
)

func openSim(t *testing.T, opts SimulatorOptions, chipOpts Options) (*Chip, *Simulator) {
	t.Helper()
	sim := NewSimulator(opts)
	c := NewChip(chipOpts)
	if err := c.Open(sim); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c, sim
}

func singleRowTable(loop int) CommandTable {
	return CommandTable{
		Entries: []Entry{
			{Channel: ChannelGreen, Transfer: true},
			{Channel: ChannelGreen},
		},
		Length:    1,
		LoopCount: loop,
	}
}

// --------------------------------------------------------------------------
// Typed register encoding
// --------------------------------------------------------------------------

func TestTypedRegisterRoundTrip(t *testing.T) {
	motor := MotorReg{Enable: true, Double: true, Two: true, Backward: true, Signal: 0x04, Home: true}
	var gotMotor MotorReg
	gotMotor.Decode(motor.Encode())
	if gotMotor != motor {
		t.Errorf("MotorReg round trip = %+v, want %+v", gotMotor, motor)
	}

	pixel := PixelReg{Depth: Depth12Bit, Invert: true, Optical600: true, SampleWay: SampleP3P6}
	var gotPixel PixelReg
	gotPixel.Decode(pixel.Encode())
	if gotPixel != pixel {
		t.Errorf("PixelReg round trip = %+v, want %+v", gotPixel, pixel)
	}

	power := PowerReg{Peripheral: true, Lamp: true, IO3: true, LEDAll: true}
	if got := power.Encode(); got != 0xc9 {
		t.Errorf("PowerReg.Encode() = 0x%02x, want 0xc9", got)
	}

	table := TableReg{Length: 26, CCDWidthMSB: true, DummyMSB: true}
	if got := table.Encode(); got != 0x7a {
		t.Errorf("TableReg.Encode() = 0x%02x, want 0x7a", got)
	}
}

func TestEntryEncode(t *testing.T) {
	tests := []struct {
		index int
		entry Entry
		want  byte
	}{
		{0, Entry{Channel: ChannelGreen, Motor: true, Transfer: true}, 0x0b},
		{3, Entry{Channel: ChannelRed, Transfer: true}, 0x35},
		{15, Entry{Channel: ChannelBlue, Motor: true}, 0xfe},
		{17, Entry{Channel: ChannelGreen}, 0x18},
	}
	for _, tt := range tests {
		got := tt.entry.Encode(tt.index)
		if got != tt.want {
			t.Errorf("Entry%+v.Encode(%d) = 0x%02x, want 0x%02x", tt.entry, tt.index, got, tt.want)
		}
		idx, e := DecodeEntry(got)
		if idx != tt.index%16 || e != tt.entry {
			t.Errorf("DecodeEntry(0x%02x) = %d, %+v", got, idx, e)
		}
	}
}

// --------------------------------------------------------------------------
// Shadow register round trip against the simulated hardware
// --------------------------------------------------------------------------

func TestShadowRegisterRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		regs []byte
		set  func(c *Chip) error
	}{
		{"control", []byte{RegControl}, func(c *Chip) error { return c.SetFixPattern(true) }},
		{"adjust", []byte{RegAdjust}, func(c *Chip) error { return c.AdjustTiming(0x40) }},
		{"select", []byte{RegSelect}, func(c *Chip) error { return c.SelectTiming(0xe8) }},
		{"frontend", []byte{RegSelect}, func(c *Chip) error { return c.TurnFrontEndMode(true) }},
		{"pins", []byte{RegPins}, func(c *Chip) error { return c.SetASICIOPins(0x12) }},
		{"rgb_sel", []byte{RegPins}, func(c *Chip) error { return c.SetRGBSelPins(0x01) }},
		{"timing", []byte{RegTiming}, func(c *Chip) error { return c.SetTiming(0xe8) }},
		{"bank", []byte{RegTiming}, func(c *Chip) error { return c.SetSRAMBank(Bank4K) }},
		{"table_length", []byte{RegTable}, func(c *Chip) error { return c.SetTableLength(27) }},
		{"second_pos", []byte{RegSecondPos}, func(c *Chip) error { return c.SetSecondPosition(24) }},
		{"ccd_width", []byte{RegTable, RegCCDWidth}, func(c *Chip) error { return c.SetCCDWidth(0x2040) }},
		{"dummy", []byte{RegTable, RegDummy}, func(c *Chip) error { return c.SetDummy(0x1fe0) }},
		{"byte_width", []byte{RegByteWidthLo, RegByteWidthHi}, func(c *Chip) error { return c.SetImageByteWidth(0x1234) }},
		{"loop", []byte{RegLoopLo, RegLoopHi}, func(c *Chip) error { return c.SetLoopCount(0xefff) }},
		{"motor", []byte{RegMotor}, func(c *Chip) error { return c.MoveMotorHome(true, true) }},
		{"movement", []byte{RegMotor}, func(c *Chip) error { return c.SetMotorMovement(true, true, true) }},
		{"signal", []byte{RegMotor}, func(c *Chip) error { return c.SetMotorSignal(0x06) }},
		{"depth", []byte{RegPixel}, func(c *Chip) error { return c.SetPixelDepth(Depth12Bit) }},
		{"dpi", []byte{RegPixel}, func(c *Chip) error { return c.SetImageDPI(true, SampleP4P6) }},
		{"invert", []byte{RegPixel}, func(c *Chip) error { return c.InvertImage(true) }},
		{"red_ref", []byte{RegRedRef}, func(c *Chip) error { return c.SetRedRef(0xef) }},
		{"green_ref", []byte{RegGreenRef}, func(c *Chip) error { return c.SetGreenRef(0xf7) }},
		{"blue_ref", []byte{RegBlueRef}, func(c *Chip) error { return c.SetBlueRef(0x10) }},
		{"red_pd", []byte{RegRedPD}, func(c *Chip) error { return c.SetRedPD(61) }},
		{"green_pd", []byte{RegGreenPD}, func(c *Chip) error { return c.SetGreenPD(62) }},
		{"blue_pd", []byte{RegBluePD}, func(c *Chip) error { return c.SetBluePD(63) }},
		{"lamp", []byte{RegPower}, func(c *Chip) error { return c.TurnLamp(true) }},
		{"io3", []byte{RegPower}, func(c *Chip) error { return c.SetIO3(true) }},
		{"led_all", []byte{RegPower}, func(c *Chip) error { return c.SetLEDLightAll(true) }},
		{"ad_timing", []byte{RegAnalog}, func(c *Chip) error { return c.SetADTiming(0x03) }},
		{"serial1", []byte{RegSerial1}, func(c *Chip) error { return c.SetSerialByte1(0x50) }},
		{"serial2", []byte{RegSerial2}, func(c *Chip) error { return c.SetSerialByte2(0x80) }},
		{"serial_fmt", []byte{RegSerialFmt}, func(c *Chip) error { return c.SetSerialFormat(0xd0) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, sim := openSim(t, SimulatorOptions{}, Options{})
			if err := tt.set(c); err != nil {
				t.Fatalf("set: %v", err)
			}
			before := c.Registers()
			for _, reg := range tt.regs {
				want, ok := before.Encode(reg)
				if !ok {
					t.Fatalf("register %d has no shadow", reg)
				}
				if hw := sim.Register(reg); hw != want {
					t.Errorf("hardware register %d = 0x%02x, want 0x%02x", reg, hw, want)
				}
				got, err := c.ReadRegister(reg)
				if err != nil {
					t.Fatalf("ReadRegister(%d): %v", reg, err)
				}
				if got != want {
					t.Errorf("ReadRegister(%d) = 0x%02x, want 0x%02x", reg, got, want)
				}
			}
			if after := c.Registers(); after != before {
				t.Errorf("shadow changed on read back:\n got %+v\nwant %+v", after, before)
			}
		})
	}
}

func TestWriteRegisterUpdatesShadow(t *testing.T) {
	c, sim := openSim(t, SimulatorOptions{}, Options{})
	if err := c.WriteRegister(RegPower, 0xc0); err != nil {
		t.Fatalf("WriteRegister: %v", err)
	}
	if p := c.Registers().Power; !p.Lamp || !p.Peripheral {
		t.Errorf("shadow power = %+v, want lamp and peripheral on", p)
	}
	if got, _ := c.ReadRegister(RegPower); got != 0xc0 {
		t.Errorf("ReadRegister(power) = 0x%02x, want 0xc0", got)
	}
	if err := c.WriteRegister(0x21, 0); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("WriteRegister(0x21) err = %v, want ErrInvalidParameter", err)
	}
	if got := sim.Register(RegPower); got != 0xc0 {
		t.Errorf("hardware power = 0x%02x, want 0xc0", got)
	}
}

// --------------------------------------------------------------------------
// Protocol encoding
// --------------------------------------------------------------------------

func TestCCDWidthWritesTableRegisterFirst(t *testing.T) {
	c, sim := openSim(t, SimulatorOptions{}, Options{})
	n := len(sim.Ops())
	if err := c.SetCCDWidth(0x2040); err != nil {
		t.Fatalf("SetCCDWidth: %v", err)
	}
	ops := sim.Ops()[n:]
	if len(ops) != 2 {
		t.Fatalf("ops = %+v, want 2 writes", ops)
	}
	if ops[0].Reg != RegTable || ops[0].Value&0x20 == 0 {
		t.Errorf("first write = %+v, want register 8 with msb", ops[0])
	}
	if ops[1].Reg != RegCCDWidth || ops[1].Value != 0x02 {
		t.Errorf("second write = %+v, want register 10 = 0x02", ops[1])
	}
	if err := c.SetCCDWidth(0x200 * 32); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("SetCCDWidth(too wide) err = %v, want ErrInvalidParameter", err)
	}
}

func TestStartStopCommandBytes(t *testing.T) {
	c, sim := openSim(t, SimulatorOptions{}, Options{})
	if err := c.SetImageByteWidth(64); err != nil {
		t.Fatal(err)
	}
	if err := c.ProgramTable(singleRowTable(4)); err != nil {
		t.Fatal(err)
	}
	if err := c.SetFixPattern(true); err != nil {
		t.Fatal(err)
	}
	n := len(sim.Ops())
	if err := c.StartRowing(); err != nil {
		t.Fatalf("StartRowing: %v", err)
	}
	if err := c.StopRowing(); err != nil {
		t.Fatalf("StopRowing: %v", err)
	}
	ops := sim.Ops()[n:]
	if len(ops) != 3 {
		t.Fatalf("ops = %+v, want start, stop, status", ops)
	}
	if ops[0].Kind != "start" || ops[0].Value != 0x82 {
		t.Errorf("start = %+v, want value 0x82", ops[0])
	}
	if ops[1].Kind != "stop" || ops[1].Value != 0x81 {
		t.Errorf("stop = %+v, want value 0x81", ops[1])
	}
	if c.IsRowing() {
		t.Error("IsRowing() = true after stop")
	}
}

// --------------------------------------------------------------------------
// State preconditions
// --------------------------------------------------------------------------

func TestRegisterWriteWhileRowingIsBusy(t *testing.T) {
	c, sim := openSim(t, SimulatorOptions{}, Options{})
	if err := c.SetImageByteWidth(64); err != nil {
		t.Fatal(err)
	}
	if err := c.ProgramTable(singleRowTable(10)); err != nil {
		t.Fatal(err)
	}
	if err := c.StartRowing(); err != nil {
		t.Fatal(err)
	}
	before := c.Registers()
	hw := sim.Register(RegPower)

	if err := c.TurnLamp(true); !errors.Is(err, ErrBusy) {
		t.Errorf("TurnLamp while rowing err = %v, want ErrBusy", err)
	}
	if err := c.WriteRegister(RegGreenPD, 9); !errors.Is(err, ErrBusy) {
		t.Errorf("WriteRegister while rowing err = %v, want ErrBusy", err)
	}
	if after := c.Registers(); after != before {
		t.Errorf("shadow changed while rowing: %+v", after)
	}
	if got := sim.Register(RegPower); got != hw {
		t.Errorf("hardware power = 0x%02x, want 0x%02x", got, hw)
	}
	if _, err := c.ReadRegister(RegPower); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ReadRegister while rowing err = %v, want ErrInvalidState", err)
	}
}

func TestOperationsRequireOpen(t *testing.T) {
	c := NewChip(Options{})
	if err := c.TurnLamp(true); !errors.Is(err, ErrInvalidState) {
		t.Errorf("TurnLamp err = %v, want ErrInvalidState", err)
	}
	if _, err := c.ReadRegister(RegPower); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ReadRegister err = %v, want ErrInvalidState", err)
	}
	if err := c.ReadRows(make([]byte, 8)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ReadRows err = %v, want ErrInvalidState", err)
	}
	if err := c.Close(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Close err = %v, want ErrInvalidState", err)
	}
}

func TestOpenRejectsOtherModel(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{Model: Model600CU})
	c := NewChip(Options{Model: Model1200UB})
	if err := c.Open(sim); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("Open err = %v, want ErrInvalidParameter", err)
	}
	if c.IsOpen() {
		t.Error("IsOpen() = true after rejected open")
	}
}

func TestStartRowingValidation(t *testing.T) {
	tests := []struct {
		name   string
		length int
		second int
		loop   int
	}{
		{"zero loop", 2, 0, 0},
		{"second equals length", 2, 2, 5},
		{"second beyond length", 2, 5, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := openSim(t, SimulatorOptions{}, Options{})
			if err := c.SetTableLength(tt.length); err != nil {
				t.Fatal(err)
			}
			if err := c.SetSecondPosition(tt.second); err != nil {
				t.Fatal(err)
			}
			if err := c.SetLoopCount(tt.loop); err != nil {
				t.Fatal(err)
			}
			if err := c.StartRowing(); !errors.Is(err, ErrInvalidParameter) {
				t.Errorf("StartRowing err = %v, want ErrInvalidParameter", err)
			}
			if c.IsRowing() {
				t.Error("IsRowing() = true after rejected start")
			}
		})
	}
}

func TestCommandTableRows(t *testing.T) {
	g := func(motor, transfer bool) Entry { return Entry{Channel: ChannelGreen, Motor: motor, Transfer: transfer} }
	tests := []struct {
		name  string
		table CommandTable
		want  int
	}{
		{"single", singleRowTable(5), 5},
		{"head and tail", CommandTable{
			Entries:   []Entry{g(true, true), g(false, false), g(true, true), g(true, false), g(false, false)},
			Length:    4,
			SecondPos: 2,
			LoopCount: 3,
		}, 4},
		{"steps only", CommandTable{
			Entries:   []Entry{g(true, false), g(true, false), g(true, false), g(false, false)},
			Length:    3,
			SecondPos: 1,
			LoopCount: 7,
		}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.table.Rows(); got != tt.want {
				t.Errorf("Rows() = %d, want %d", got, tt.want)
			}
			c, sim := openSim(t, SimulatorOptions{}, Options{})
			if err := c.SetImageByteWidth(32); err != nil {
				t.Fatal(err)
			}
			if err := c.ProgramTable(tt.table); err != nil {
				t.Fatal(err)
			}
			if err := c.StartRowing(); err != nil {
				t.Fatal(err)
			}
			if c.TotalLines() != tt.want {
				t.Errorf("TotalLines() = %d, want %d", c.TotalLines(), tt.want)
			}
			row := make([]byte, 32)
			for c.LinesLeft() > 0 {
				if err := c.GetRow(row); err != nil {
					t.Fatalf("GetRow: %v", err)
				}
			}
			if tt.want == 0 {
				if err := c.WaitRowingStop(); err != nil {
					t.Fatalf("WaitRowingStop: %v", err)
				}
			}
			if c.IsRowing() {
				t.Error("IsRowing() = true after table end")
			}
			if got := sim.LinesDelivered(); got != tt.want {
				t.Errorf("simulator delivered %d rows, want %d", got, tt.want)
			}
		})
	}
}

// --------------------------------------------------------------------------
// Bulk reads
// --------------------------------------------------------------------------

func TestReadRowsAssemblesShortTransfers(t *testing.T) {
	const width = 1000
	c, sim := openSim(t, SimulatorOptions{MaxTransfer: 100}, Options{MaxBlockSize: 256})
	if err := c.SetImageByteWidth(width); err != nil {
		t.Fatal(err)
	}
	if err := c.ProgramTable(singleRowTable(3)); err != nil {
		t.Fatal(err)
	}
	if err := c.StartRowing(); err != nil {
		t.Fatal(err)
	}
	_, readsBefore := c.TransferCounts()
	n := len(sim.Ops())

	row := make([]byte, width)
	for i := range 3 {
		if err := c.GetRow(row); err != nil {
			t.Fatalf("GetRow %d: %v", i, err)
		}
	}
	if c.IsRowing() || c.LinesLeft() != 0 {
		t.Errorf("rowing = %v, lines left = %d after last row", c.IsRowing(), c.LinesLeft())
	}

	total, chunks := 0, 0
	for _, op := range sim.Ops()[n:] {
		if op.Kind != "rows" {
			continue
		}
		if op.N > 100 {
			t.Errorf("chunk of %d bytes exceeds transfer cap", op.N)
		}
		total += op.N
		chunks++
	}
	if total != 3*width {
		t.Errorf("row bytes = %d, want %d", total, 3*width)
	}
	if chunks != 30 {
		t.Errorf("chunks = %d, want 30", chunks)
	}
	_, readsAfter := c.TransferCounts()
	// 30 chunks of 100 bytes count two 64-byte transfers each, plus the end byte.
	if got := readsAfter - readsBefore; got != 61 {
		t.Errorf("read transfers = %d, want 61", got)
	}
}

// stallingDevice answers bulk reads with no data once stalled is set.
type stallingDevice struct {
	*Simulator
	stalled bool
	reads   int
}

func (d *stallingDevice) BulkRead(p []byte) (int, error) {
	if d.stalled {
		d.reads++
		return 0, nil
	}
	return d.Simulator.BulkRead(p)
}

func TestReadRowsGivesUpOnEmptyTransfers(t *testing.T) {
	dev := &stallingDevice{Simulator: NewSimulator(SimulatorOptions{})}
	c := NewChip(Options{})
	if err := c.Open(dev); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.SetImageByteWidth(100); err != nil {
		t.Fatal(err)
	}
	if err := c.ProgramTable(singleRowTable(1)); err != nil {
		t.Fatal(err)
	}
	if err := c.StartRowing(); err != nil {
		t.Fatal(err)
	}

	dev.stalled = true
	err := c.ReadRows(make([]byte, 100))
	if !errors.Is(err, ErrIO) {
		t.Fatalf("ReadRows = %v, want ErrIO", err)
	}
	if dev.reads != maxEmptyReads {
		t.Errorf("bulk reads = %d, want %d", dev.reads, maxEmptyReads)
	}
}

func TestGetRowResample(t *testing.T) {
	c, _ := openSim(t, SimulatorOptions{}, Options{})
	if err := c.SetImageByteWidth(100); err != nil {
		t.Fatal(err)
	}
	if err := c.SetSoftResample(2); err != nil {
		t.Fatal(err)
	}
	if got := c.Registers().ByteWidth; got != 200 {
		t.Errorf("ByteWidth = %d, want 200", got)
	}
	if err := c.SetSoftResample(0); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("SetSoftResample(0) err = %v, want ErrInvalidParameter", err)
	}
	if err := c.ProgramTable(singleRowTable(1)); err != nil {
		t.Fatal(err)
	}
	if err := c.StartRowing(); err != nil {
		t.Fatal(err)
	}
	row := make([]byte, 100)
	if err := c.GetRow(row); err != nil {
		t.Fatalf("GetRow: %v", err)
	}
	if err := c.GetRow(row); !errors.Is(err, ErrInvalidState) {
		t.Errorf("GetRow past end err = %v, want ErrInvalidState", err)
	}
}

// --------------------------------------------------------------------------
// Close parity workaround
// --------------------------------------------------------------------------

func TestCloseEvensTransferCounts(t *testing.T) {
	tests := []struct {
		name   string
		before func(c *Chip) error
		want   []SimOp
	}{
		{
			name:   "odd reads",
			before: func(c *Chip) error { return nil },
			want:   []SimOp{{Kind: "read", Reg: RegSelect}, {Kind: "status", N: 1}},
		},
		{
			name:   "odd reads then odd writes",
			before: func(c *Chip) error { return c.TurnLamp(true) },
			want:   []SimOp{{Kind: "read", Reg: RegSelect}, {Kind: "status", N: 1}, {Kind: "write", Reg: RegControl}},
		},
		{
			name: "odd writes only",
			before: func(c *Chip) error {
				if err := c.TurnLamp(true); err != nil {
					return err
				}
				_, err := c.ReadRegister(RegPower)
				return err
			},
			want: []SimOp{{Kind: "write", Reg: RegControl}},
		},
		{
			name: "already even",
			before: func(c *Chip) error {
				_, err := c.ReadRegister(RegPower)
				return err
			},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, sim := openSim(t, SimulatorOptions{}, Options{})
			if err := tt.before(c); err != nil {
				t.Fatal(err)
			}
			n := len(sim.Ops())
			if err := c.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			got := sim.Ops()[n:]
			if len(got) != len(tt.want) {
				t.Fatalf("close ops = %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i].Kind != tt.want[i].Kind || got[i].Reg != tt.want[i].Reg {
					t.Errorf("close op %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
			w, r := c.TransferCounts()
			if w%2 != 0 || r%2 != 0 {
				t.Errorf("TransferCounts() = %d, %d, want both even", w, r)
			}
		})
	}
}

func TestCloseStopsRowing(t *testing.T) {
	c, sim := openSim(t, SimulatorOptions{}, Options{})
	if err := c.SetImageByteWidth(64); err != nil {
		t.Fatal(err)
	}
	if err := c.ProgramTable(singleRowTable(50)); err != nil {
		t.Fatal(err)
	}
	if err := c.StartRowing(); err != nil {
		t.Fatal(err)
	}
	n := len(sim.Ops())
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ops := sim.Ops()[n:]
	if len(ops) == 0 || ops[0].Kind != "stop" {
		t.Errorf("close ops = %+v, want stop first", ops)
	}
	if c.IsOpen() || c.IsRowing() {
		t.Error("chip still open or rowing after Close")
	}
}
