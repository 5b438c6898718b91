package ma1017

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// SimulatorOptions configures a Simulator.
type SimulatorOptions struct {
	Path  string
	Model Model
	// HalfWidthSensor makes columns beyond 2700 dark, as a CANON300600
	// sensor looks to the 1200-series sensor probe.
	HalfWidthSensor bool
	// MaxTransfer caps the bytes returned by one bulk read. Zero means no cap.
	MaxTransfer int
	// Gain scales light integration into sample values.
	Gain int
	// DocumentStart is the carriage position where the white calibration
	// strip ends and the document begins.
	DocumentStart int
	// HomeSpeed is how many steps the carriage travels home per status poll.
	HomeSpeed int
	// Pattern returns the document reflectance (0..255) at column x,
	// document line y.
	Pattern func(x, y int) byte
	// DarkLevel is the sample value with the lamp off.
	DarkLevel byte
}

// SimOp is one transfer observed by the Simulator.
type SimOp struct {
	Kind  string // "write", "read", "start", "stop", "rows", "status"
	Reg   byte
	Value byte
	N     int
}

// Simulator is an in-memory MA-1017 that decodes the register protocol,
// runs command tables against a simulated carriage and synthesises rows.
type Simulator struct {
	mu   sync.Mutex
	opts SimulatorOptions

	regs  [MaxRegister]byte
	table [MaxTableEntries]Entry

	rowing   bool
	pending  []byte
	pc       int
	loop     int
	finished bool
	row      []byte
	rowOff   int
	lines    int

	position int
	homing   bool
	open     bool

	readErr error
	ops     []SimOp
}

// NewSimulator creates a simulated scanner with the carriage away from home.
func NewSimulator(opts SimulatorOptions) *Simulator {
	if opts.Model == ModelUnknown {
		opts.Model = Model1200UB
	}
	if opts.Path == "" {
		opts.Path = "sim:001"
	}
	if opts.Gain == 0 {
		opts.Gain = 3
	}
	if opts.DocumentStart == 0 {
		opts.DocumentStart = 600
	}
	if opts.HomeSpeed == 0 {
		opts.HomeSpeed = 2000
	}
	if opts.Pattern == nil {
		opts.Pattern = CheckerPattern
	}
	if opts.DarkLevel == 0 {
		opts.DarkLevel = 3
	}
	s := &Simulator{opts: opts, position: 1200, open: true}
	def := DefaultRegisters()
	for reg := range s.regs {
		if b, ok := def.Encode(byte(reg)); ok {
			s.regs[reg] = b
		}
	}
	return s
}

// CheckerPattern is the default document: 64-pixel squares of white and
// dark grey.
func CheckerPattern(x, y int) byte {
	if (x/64+y/64)%2 == 0 {
		return 255
	}
	return 64
}

// InjectReadError makes the next row read fail with err.
func (s *Simulator) InjectReadError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// Ops returns a copy of the transfer log.
func (s *Simulator) Ops() []SimOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SimOp(nil), s.ops...)
}

// Register returns the raw value the simulated hardware holds.
func (s *Simulator) Register(reg byte) byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[reg&0x1f]
}

// TableEntry returns the programmed command table entry.
func (s *Simulator) TableEntry(i int) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table[i]
}

// Position returns the carriage position in motor steps from home.
func (s *Simulator) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// LinesDelivered returns the number of rows produced by the last table run.
func (s *Simulator) LinesDelivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines
}

// --------------------------------------------------------------------------
// Device implementation
// --------------------------------------------------------------------------

func (s *Simulator) Info() DeviceInfo {
	return DeviceInfo{
		Path:    s.opts.Path,
		Vendor:  VendorID,
		Product: s.opts.Model.ProductID(),
		Name:    "Simulated " + s.opts.Model.String(),
		Serial:  "SIM-" + s.opts.Path,
	}
}

func (s *Simulator) BulkWrite(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return 0, errors.New("simulator: device closed")
	}
	if len(p) != 2 {
		return 0, fmt.Errorf("simulator: %d byte command", len(p))
	}
	value, cmd := p[0], p[1]
	switch {
	case cmd == cmdStartCMT:
		if s.rowing {
			return 0, errors.New("simulator: table already running")
		}
		s.start()
		s.ops = append(s.ops, SimOp{Kind: "start", Value: value})
	case cmd == cmdStopCMT:
		s.rowing = false
		s.row = nil
		s.pending = append(s.pending, 0)
		s.ops = append(s.ops, SimOp{Kind: "stop", Value: value})
	case cmd&0xe0 == cmdReadFlag:
		reg := cmd & 0x1f
		s.pending = append(s.pending, s.readReg(reg))
		s.ops = append(s.ops, SimOp{Kind: "read", Reg: reg})
	case cmd < cmdReadFlag:
		s.writeReg(cmd, value)
		s.ops = append(s.ops, SimOp{Kind: "write", Reg: cmd, Value: value})
	default:
		return 0, fmt.Errorf("simulator: unknown command 0x%02x", cmd)
	}
	return len(p), nil
}

func (s *Simulator) BulkRead(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return 0, errors.New("simulator: device closed")
	}
	if len(p) == 0 {
		return 0, nil
	}
	if len(s.pending) > 0 {
		p[0] = s.pending[0]
		s.pending = s.pending[1:]
		s.ops = append(s.ops, SimOp{Kind: "status", N: 1})
		return 1, nil
	}
	if !s.rowing {
		return 0, errors.New("simulator: read timeout")
	}
	if s.readErr != nil {
		err := s.readErr
		s.readErr = nil
		return 0, err
	}
	if s.row == nil || s.rowOff >= len(s.row) {
		if !s.nextRow() {
			s.rowing = false
			p[0] = 0
			s.ops = append(s.ops, SimOp{Kind: "status", N: 1})
			return 1, nil
		}
	}
	n := len(p)
	if s.opts.MaxTransfer > 0 && n > s.opts.MaxTransfer {
		n = s.opts.MaxTransfer
	}
	n = copy(p[:n], s.row[s.rowOff:])
	s.rowOff += n
	s.ops = append(s.ops, SimOp{Kind: "rows", N: n})
	return n, nil
}

func (s *Simulator) Control(requestType, request uint8, value, index uint16, data []byte) (int, error) {
	slog.Debug("simulator control", "type", requestType, "request", request, "value", value, "index", index)
	return len(data), nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.rowing = false
	s.pending = nil
	return nil
}

func (s *Simulator) reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	s.ops = nil
}

// --------------------------------------------------------------------------
// Hardware model
// --------------------------------------------------------------------------

func (s *Simulator) writeReg(reg, value byte) {
	switch reg {
	case RegTableLow, RegTableHigh:
		idx, e := DecodeEntry(value)
		if reg == RegTableHigh {
			idx += 16
		}
		s.table[idx] = e
		return
	case RegMotor:
		var m MotorReg
		m.Decode(value)
		s.homing = m.Enable && m.Home
	}
	s.regs[reg] = value
}

func (s *Simulator) readReg(reg byte) byte {
	if reg != RegStatus {
		return s.regs[reg]
	}
	if s.homing {
		s.position -= s.opts.HomeSpeed
		if s.position <= 0 {
			s.position = 0
			s.homing = false
		}
	}
	if s.position == 0 {
		return 0x80
	}
	return 0
}

func (s *Simulator) tableShape() (length, second, loop int) {
	length = int(s.regs[RegTable]&0x1f) + 1
	second = int(s.regs[RegSecondPos])
	loop = int(s.regs[RegLoopLo]) | int(s.regs[RegLoopHi])<<8
	return
}

func (s *Simulator) start() {
	s.rowing = true
	s.pc = 0
	s.loop = 0
	s.finished = false
	s.row = nil
	s.rowOff = 0
	s.lines = 0
}

// nextRow runs the table until the next transfer entry and renders its row.
func (s *Simulator) nextRow() bool {
	length, second, loop := s.tableShape()
	var motor MotorReg
	motor.Decode(s.regs[RegMotor])
	for !s.finished {
		e := s.table[s.pc]
		if e.Motor && motor.Enable {
			if motor.Backward {
				s.position = max(0, s.position-1)
			} else {
				s.position++
			}
		}
		s.pc++
		if s.pc >= length {
			s.loop++
			s.pc = second
			if s.loop >= loop {
				s.finished = true
			}
		}
		if e.Transfer {
			s.renderRow(e.Channel)
			s.lines++
			return true
		}
	}
	return false
}

func (s *Simulator) renderRow(ch Channel) {
	width := int(s.regs[RegByteWidthLo]) | int(s.regs[RegByteWidthHi]&0x3f)<<8
	s.row = make([]byte, width)
	s.rowOff = 0

	var power PowerReg
	power.Decode(s.regs[RegPower])
	if !power.Lamp {
		for x := range s.row {
			s.row[x] = s.opts.DarkLevel + byte(x%3)
		}
		return
	}

	// light integration window in units of 64 clocks
	window := int(s.regs[RegCCDWidth])
	if s.regs[RegTable]&0x20 != 0 {
		window += 0x100
	}
	window /= 2

	pd := int(s.regs[RegGreenPD])
	switch ch {
	case ChannelRed:
		pd = int(s.regs[RegRedPD])
	case ChannelBlue:
		pd = int(s.regs[RegBluePD])
	}
	level := s.opts.Gain * (window - pd)
	level = min(max(level, 0), 255)

	docY := s.position - s.opts.DocumentStart
	for x := range s.row {
		r := 255
		if docY >= 0 {
			r = int(s.opts.Pattern(x, docY))
		}
		if s.opts.HalfWidthSensor && x >= 2700 {
			r = 0
		}
		v := level * r / 255
		s.row[x] = byte(max(v, int(s.opts.DarkLevel)))
	}
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// SimRegistry serves Simulators as attached devices.
type SimRegistry struct {
	sims []*Simulator
}

// NewSimRegistry creates a registry exposing the given simulators.
func NewSimRegistry(sims ...*Simulator) *SimRegistry {
	return &SimRegistry{sims: sims}
}

func (r *SimRegistry) Devices() ([]DeviceInfo, error) {
	out := make([]DeviceInfo, 0, len(r.sims))
	for _, s := range r.sims {
		out = append(out, s.Info())
	}
	return out, nil
}

func (r *SimRegistry) Open(path string) (Device, error) {
	for _, s := range r.sims {
		if s.opts.Path == path {
			s.reopen()
			return s, nil
		}
	}
	return nil, fmt.Errorf("open %s: no such device: %w", path, ErrInvalidParameter)
}
