package timing

import (
	"fmt"

	"github.com/mzyy94/airmustek/internal/ma1017"
)

// Movement is the stepping mode of register 15.
type Movement struct {
	Full, Double, Two bool
}

// Program is a motor command table together with the stepping mode and
// motor power it runs with.
type Program struct {
	Table    ma1017.CommandTable
	Movement Movement
	IO3      bool
}

// Apply writes the table, then the stepping mode and motor power.
func (p Program) Apply(c *ma1017.Chip) error {
	if err := c.ProgramTable(p.Table); err != nil {
		return err
	}
	if err := c.SetMotorMovement(p.Movement.Full, p.Movement.Double, p.Movement.Two); err != nil {
		return fmt.Errorf("motor movement: %w", err)
	}
	if err := c.SetIO3(p.IO3); err != nil {
		return fmt.Errorf("motor power: %w", err)
	}
	return nil
}

// Rows returns the number of rows a run of the program transfers.
func (p Program) Rows() int { return p.Table.Rows() }

// scanLoop keeps scan and calibration tables rowing until stopped.
const scanLoop = 0xefff

var (
	mvFullDouble    = Movement{Full: true, Double: true}
	mvDouble        = Movement{Double: true}
	mvFullDoubleTwo = Movement{Full: true, Double: true, Two: true}
	mvDoubleTwo     = Movement{Double: true, Two: true}
)

func g(motor, transfer bool) ma1017.Entry {
	return ma1017.Entry{Channel: ma1017.ChannelGreen, Motor: motor, Transfer: transfer}
}

func b(motor, transfer bool) ma1017.Entry {
	return ma1017.Entry{Channel: ma1017.ChannelBlue, Motor: motor, Transfer: transfer}
}

func r(motor, transfer bool) ma1017.Entry {
	return ma1017.Entry{Channel: ma1017.ChannelRed, Motor: motor, Transfer: transfer}
}

func scan(length int, mv Movement, io3 bool, entries ...ma1017.Entry) Program {
	return Program{
		Table:    ma1017.CommandTable{Entries: entries, Length: length, LoopCount: scanLoop},
		Movement: mv,
		IO3:      io3,
	}
}

// idle is the entry written past the active table length.
var idle = g(false, false)

// mono600Entries is the 26 entry greyscale table shared by the MT_1200 300
// and 600 dpi programs. It steps on 8 of 26 entries and transfers on 4.
func mono600Entries() []ma1017.Entry {
	e := make([]ma1017.Entry, 27)
	for i := range e {
		e[i] = idle
	}
	for _, i := range []int{0, 12, 20, 24} {
		e[i] = g(true, true)
	}
	for _, i := range []int{6, 16, 22, 25} {
		e[i] = g(true, false)
	}
	return e
}

// motorTables are the programs of one motor class.
type motorTables struct {
	dpis     []int
	rgb      map[int]Program
	mono     map[int]Program
	calRGB   map[int]Program
	calMono  map[int]Program
	capRGB   map[int]int
	capMono  map[int]int
	stepMove Movement
	// prelude parks the motor, selects forward and re-enables it before a
	// scan or calibration table.
	prelude bool
}

var mt1200 = func() motorTables {
	rgbFast := []ma1017.Entry{g(false, true), b(false, true), r(true, true), idle, idle}
	rgb3 := []ma1017.Entry{g(true, true), b(true, true), r(true, true), idle}
	rgb4 := []ma1017.Entry{g(true, true), b(true, true), r(true, true), g(true, false), idle}
	mono3 := []ma1017.Entry{g(true, true), g(true, false), g(true, false), idle}

	monoFifty := []ma1017.Entry{g(true, true)}
	for range 5 {
		monoFifty = append(monoFifty, g(true, false))
	}
	monoFifty = append(monoFifty, idle)

	mono600 := scan(26, mvDouble, true, mono600Entries()...)
	mono600.Table.SecondPos = 24
	mono300 := scan(26, mvFullDouble, true, mono600Entries()...)
	mono300.Table.SecondPos = 24

	halfRGB := scan(6, mvDouble, true, g(true, true), g(false, true), b(true, true), b(true, true), r(false, true), r(true, true), idle)
	biFullRGB := scan(6, mvFullDouble, false, g(false, true), g(true, true), b(false, true), b(false, true), r(true, true), r(false, true), idle)
	x2RGB := scan(6, mvFullDoubleTwo, true, g(false, true), g(false, true), b(false, true), b(false, true), r(false, true), r(true, true), idle)
	halfMono := scan(4, mvDouble, true, g(true, true), g(true, false), g(true, false), g(true, false), idle)
	biFullMono := scan(2, mvFullDouble, true, g(true, true), g(true, false), idle)
	x2Mono := scan(2, mvFullDoubleTwo, true, g(true, true), g(true, true), idle)

	return motorTables{
		dpis: []int{1200, 600, 400, 300, 200, 150, 100, 50},
		rgb: map[int]Program{
			1200: scan(4, mvDouble, false, rgbFast...),
			600:  scan(4, mvFullDouble, false, rgbFast...),
			400:  scan(3, mvDouble, true, rgb3...),
			300:  scan(4, mvDouble, true, rgb4...),
			200:  scan(3, mvFullDouble, true, rgb3...),
			150:  scan(4, mvFullDouble, true, rgb4...),
			100:  scan(3, mvFullDoubleTwo, true, rgb3...),
			50: scan(6, mvFullDoubleTwo, true,
				g(true, true), g(true, false), b(true, true), b(true, false), r(true, true), r(true, false), idle),
		},
		mono: map[int]Program{
			1200: scan(2, mvDouble, true, g(true, true), g(true, true), idle),
			600:  mono600,
			400:  scan(3, mvDouble, true, mono3...),
			300:  mono300,
			200:  scan(3, mvFullDouble, true, mono3...),
			150:  scan(2, mvFullDoubleTwo, true, g(true, true), g(true, false), idle),
			100:  scan(3, mvFullDoubleTwo, true, mono3...),
			50:   scan(6, mvFullDoubleTwo, true, monoFifty...),
		},
		calRGB: map[int]Program{
			1200: halfRGB, 400: halfRGB, 300: halfRGB,
			600: biFullRGB, 200: biFullRGB, 150: biFullRGB,
			100: x2RGB, 50: x2RGB,
		},
		calMono: map[int]Program{
			1200: halfMono, 600: halfMono, 400: halfMono,
			300: biFullMono, 200: biFullMono,
			150: x2Mono, 100: x2Mono, 50: x2Mono,
		},
		capRGB: map[int]int{
			1200: 3008, 600: 3008, 400: 3008, 300: 3008,
			200: 5056, 150: 5056,
			100: 10048, 50: 10048,
		},
		capMono: map[int]int{
			1200: 3008, 600: 3008, 400: 3008,
			300: 5056, 200: 5056,
			150: 10048, 100: 10048, 50: 10048,
		},
		stepMove: mvFullDouble,
		prelude:  true,
	}
}()

var mt600 = func() motorTables {
	rgbFast := []ma1017.Entry{g(false, true), b(false, true), r(true, true), idle, idle}
	rgb5 := []ma1017.Entry{g(false, true), b(false, true), r(true, true), g(true, false), g(true, false), idle}
	mono2 := []ma1017.Entry{g(true, true), g(true, true), idle}
	mono3 := []ma1017.Entry{g(true, true), g(true, false), g(true, false), idle}

	halfRGB := mt1200.calRGB[300]
	biFullRGB := mt1200.calRGB[600]
	halfMono := scan(2, mvDouble, true, g(true, true), g(true, false), idle)
	biFullMono := scan(2, mvFullDouble, true, g(true, true), g(true, true), idle)

	return motorTables{
		dpis: []int{600, 300, 200, 150, 100, 50},
		rgb: map[int]Program{
			600: scan(4, mvDouble, false, rgbFast...),
			300: scan(4, mvFullDouble, false, rgbFast...),
			200: scan(5, mvDouble, true, rgb5...),
			150: scan(3, mvFullDoubleTwo, true, g(false, true), b(false, true), r(true, true), idle),
			100: scan(5, mvFullDouble, true, rgb5...),
			50:  scan(3, mvFullDoubleTwo, true, g(true, true), b(true, true), r(true, true), idle),
		},
		mono: map[int]Program{
			600: scan(2, mvDouble, true, mono2...),
			300: scan(2, mvFullDouble, true, mono2...),
			200: scan(3, mvDouble, true, mono3...),
			150: scan(2, mvFullDoubleTwo, true, mono2...),
			100: scan(3, mvFullDouble, true, mono3...),
			50:  scan(3, mvFullDoubleTwo, true, mono3...),
		},
		calRGB: map[int]Program{
			600: halfRGB, 200: halfRGB,
			300: biFullRGB, 150: biFullRGB, 100: biFullRGB, 50: biFullRGB,
		},
		calMono: map[int]Program{
			600: halfMono, 200: halfMono,
			300: biFullMono, 150: biFullMono, 100: biFullMono, 50: biFullMono,
		},
		capRGB: map[int]int{
			600: 2600, 300: 2600, 200: 2600,
			100: 4500,
			150: 9000, 50: 9000,
		},
		capMono: map[int]int{
			600: 2600, 200: 2600,
			300: 4500, 100: 4500,
			150: 9000, 50: 9000,
		},
		stepMove: mvDouble,
	}
}()

func tablesFor(m ma1017.Motor) *motorTables {
	if m == ma1017.MotorMT600 {
		return &mt600
	}
	return &mt1200
}

// MotorDPIs returns the vertical resolutions of m, highest first.
func MotorDPIs(m ma1017.Motor) []int {
	return append([]int(nil), tablesFor(m).dpis...)
}

// MotorDPI returns the vertical resolution used for a wanted one, picked
// like SensorDPI.
func MotorDPI(m ma1017.Motor, wanted int) int {
	return pickDPI(tablesFor(m).dpis, wanted)
}

func lookup(m ma1017.Motor, what string, table map[int]Program, dpi int) (Program, error) {
	p, ok := table[dpi]
	if !ok {
		return Program{}, fmt.Errorf("%s %s program: %d dpi: %w", m, what, dpi, ma1017.ErrInvalidParameter)
	}
	return p, nil
}

// ScanProgram returns the scan table for dpi.
func ScanProgram(m ma1017.Motor, dpi int, mono bool) (Program, error) {
	t := tablesFor(m)
	if mono {
		return lookup(m, "mono", t.mono, dpi)
	}
	return lookup(m, "rgb", t.rgb, dpi)
}

// CalibrationProgram returns the table that moves over the white strip while
// reference rows are captured at dpi.
func CalibrationProgram(m ma1017.Motor, dpi int, mono bool) (Program, error) {
	t := tablesFor(m)
	if mono {
		return lookup(m, "mono calibration", t.calMono, dpi)
	}
	return lookup(m, "rgb calibration", t.calRGB, dpi)
}

// StepProgram returns a table moving the carriage n steps without
// transferring rows.
func StepProgram(m ma1017.Motor, n int) (Program, error) {
	if n <= 0 {
		return Program{}, fmt.Errorf("step %d: %w", n, ma1017.ErrInvalidParameter)
	}
	p := Program{Movement: tablesFor(m).stepMove, IO3: true}
	switch {
	case n == 1:
		p.Table = ma1017.CommandTable{Entries: []ma1017.Entry{g(true, false), idle}, Length: 1, LoopCount: 1}
	case n%2 == 1:
		p.Table = ma1017.CommandTable{
			Entries:   []ma1017.Entry{g(true, false), g(true, false), g(true, false), idle},
			Length:    3,
			SecondPos: 1,
			LoopCount: (n - 1) / 2,
		}
	default:
		p.Table = ma1017.CommandTable{
			Entries:   []ma1017.Entry{g(true, false), g(true, false), idle},
			Length:    2,
			LoopCount: n / 2,
		}
	}
	if p.Table.LoopCount > 0xffff {
		return Program{}, fmt.Errorf("step %d: %w", n, ma1017.ErrInvalidParameter)
	}
	return p, nil
}

// AdjustProgram returns the stationary table used while tuning the power
// delay of ch.
func AdjustProgram(ch ma1017.Channel) Program {
	e := ma1017.Entry{Channel: ch, Transfer: true}
	return Program{Table: ma1017.CommandTable{
		Entries:   []ma1017.Entry{e, e, {Channel: ch}},
		Length:    2,
		LoopCount: scanLoop,
	}}
}

// Capability returns the minimum row time, in CCD clocks, the motor needs at
// dpi.
func Capability(m ma1017.Motor, dpi int, mono bool) (int, error) {
	t := tablesFor(m)
	caps := t.capRGB
	if mono {
		caps = t.capMono
	}
	v, ok := caps[dpi]
	if !ok {
		return 0, fmt.Errorf("%s capability: %d dpi: %w", m, dpi, ma1017.ErrInvalidParameter)
	}
	return v, nil
}

// --------------------------------------------------------------------------
// Programming sequences
// --------------------------------------------------------------------------

func prelude(c *ma1017.Chip) error {
	if err := c.MoveMotorHome(false, false); err != nil {
		return err
	}
	if err := c.SetMotorDirection(false); err != nil {
		return err
	}
	return c.EnableMotor(true)
}

// PrepareScan programs the motor for a scan at dpi.
func PrepareScan(c *ma1017.Chip, m ma1017.Motor, dpi int, mono bool) error {
	p, err := ScanProgram(m, dpi, mono)
	if err != nil {
		return err
	}
	if tablesFor(m).prelude {
		if err := prelude(c); err != nil {
			return fmt.Errorf("prepare scan: %w", err)
		}
	}
	if err := p.Apply(c); err != nil {
		return fmt.Errorf("prepare scan: %w", err)
	}
	return nil
}

// PrepareCalibration programs the motor for white reference capture at dpi.
func PrepareCalibration(c *ma1017.Chip, m ma1017.Motor, dpi int, mono bool) error {
	p, err := CalibrationProgram(m, dpi, mono)
	if err != nil {
		return err
	}
	if err := prelude(c); err != nil {
		return fmt.Errorf("prepare calibration: %w", err)
	}
	if err := p.Apply(c); err != nil {
		return fmt.Errorf("prepare calibration: %w", err)
	}
	return nil
}

// PrepareStep programs an n step forward move and enables the motor.
func PrepareStep(c *ma1017.Chip, m ma1017.Motor, n int) error {
	p, err := StepProgram(m, n)
	if err != nil {
		return err
	}
	if err := c.SetMotorMovement(p.Movement.Full, p.Movement.Double, p.Movement.Two); err != nil {
		return fmt.Errorf("prepare step: %w", err)
	}
	if err := c.SetIO3(true); err != nil {
		return fmt.Errorf("prepare step: %w", err)
	}
	if err := c.MoveMotorHome(false, false); err != nil {
		return fmt.Errorf("prepare step: %w", err)
	}
	if err := c.ProgramTable(p.Table); err != nil {
		return fmt.Errorf("prepare step: %w", err)
	}
	if err := c.EnableMotor(true); err != nil {
		return fmt.Errorf("prepare step: %w", err)
	}
	return nil
}

// PrepareHome starts the carriage travelling back to the home sensor.
func PrepareHome(c *ma1017.Chip, m ma1017.Motor, s ma1017.Sensor) error {
	mv := mvFullDouble
	switch {
	case m == ma1017.MotorMT600:
		mv = mvDoubleTwo
	case s == ma1017.SensorNEC600:
		mv = mvDouble
	}
	if err := c.SetMotorMovement(mv.Full, mv.Double, mv.Two); err != nil {
		return fmt.Errorf("prepare home: %w", err)
	}
	if err := c.SetIO3(true); err != nil {
		return fmt.Errorf("prepare home: %w", err)
	}
	if err := c.MoveMotorHome(true, true); err != nil {
		return fmt.Errorf("prepare home: %w", err)
	}
	return nil
}

// PrepareAdjust programs the stationary table for power-delay tuning of ch.
func PrepareAdjust(c *ma1017.Chip, ch ma1017.Channel) error {
	if err := c.ProgramTable(AdjustProgram(ch).Table); err != nil {
		return fmt.Errorf("prepare adjust %s: %w", ch, err)
	}
	return nil
}
