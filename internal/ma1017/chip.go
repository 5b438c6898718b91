package ma1017

import (
	"fmt"
	"log/slog"
)

// Options configures a Chip.
type Options struct {
	// Model restricts Open to one product. ModelUnknown accepts any
	// supported product.
	Model Model
	// MaxBlockSize caps a single bulk read. Zero means DefaultMaxBlockSize.
	MaxBlockSize int
}

// Chip is the MA-1017 driver state for one device: open and rowing flags,
// the shadow register set, the programmed command table shape and the
// transfer counters used by the close-time parity workaround.
type Chip struct {
	dev      Device
	model    Model
	maxBlock int

	opened bool
	rowing bool

	regs Registers

	transfer     [MaxTableEntries]bool
	tableLength  int
	secondPos    int
	rowSize      int
	softResample int
	totalLines   int
	linesLeft    int
	sensor       Sensor

	writeURBs int
	readURBs  int
}

// NewChip creates a closed chip with power-on shadow registers.
func NewChip(opts Options) *Chip {
	c := &Chip{model: opts.Model, maxBlock: opts.MaxBlockSize}
	if c.maxBlock <= 0 {
		c.maxBlock = DefaultMaxBlockSize
	}
	c.reset()
	return c
}

func (c *Chip) reset() {
	c.regs = DefaultRegisters()
	c.transfer = [MaxTableEntries]bool{}
	c.tableLength = 0
	c.secondPos = 0
	c.rowSize = 0
	c.softResample = 1
	c.totalLines = 0
	c.linesLeft = 0
	c.sensor = SensorCanon600
	c.writeURBs = 0
	c.readURBs = 0
}

// Open takes ownership of dev, identifies the product and reads back every
// readable register. On failure dev is closed.
func (c *Chip) Open(dev Device) error {
	if c.rowing || c.opened {
		return fmt.Errorf("open: already open: %w", ErrInvalidState)
	}
	info := dev.Info()
	m := info.Model()
	if m == ModelUnknown {
		dev.Close()
		return fmt.Errorf("open %s: unknown product: %w", info, ErrInvalidParameter)
	}
	if c.model != ModelUnknown && m != c.model {
		dev.Close()
		return fmt.Errorf("open %s: found %s, expected %s: %w", info, m, c.model, ErrInvalidParameter)
	}
	c.dev = dev
	c.model = m
	c.opened = true
	c.writeURBs, c.readURBs = 0, 0
	slog.Debug("ma1017 opened", "device", info.String(), "model", m.String())

	for _, reg := range readableRegisters {
		if _, err := c.ReadRegister(reg); err != nil {
			dev.Close()
			c.dev = nil
			c.opened = false
			return fmt.Errorf("open: read registers: %w", err)
		}
	}
	return nil
}

// Close stops rowing if needed, evens out the transfer counters and releases
// the device. The chip firmware times out on the next session when either
// counter is odd, so a dummy register read and/or a dummy write is issued.
func (c *Chip) Close() error {
	if !c.opened {
		return fmt.Errorf("close: %w", ErrInvalidState)
	}
	if c.rowing {
		if err := c.StopRowing(); err != nil {
			slog.Warn("stop rowing on close failed", "err", err)
		}
	}
	if c.readURBs%2 == 1 {
		if _, err := c.ReadRegister(RegSelect); err != nil {
			slog.Warn("dummy read on close failed", "err", err)
		}
	}
	if c.writeURBs%2 == 1 {
		if err := c.SetFixPattern(false); err != nil {
			slog.Warn("dummy write on close failed", "err", err)
		}
	}
	err := c.dev.Close()
	c.dev = nil
	c.opened = false
	c.rowing = false
	slog.Debug("ma1017 closed", "writes", c.writeURBs, "reads", c.readURBs)
	if err != nil {
		return fmt.Errorf("close: %v: %w", err, ErrIO)
	}
	return nil
}

// IsOpen reports whether a device is attached.
func (c *Chip) IsOpen() bool { return c.opened }

// IsRowing reports whether a command table is running.
func (c *Chip) IsRowing() bool { return c.rowing }

// Model returns the identified (or configured) model.
func (c *Chip) Model() Model { return c.model }

// Info returns the attached device description.
func (c *Chip) Info() DeviceInfo {
	if c.dev == nil {
		return DeviceInfo{}
	}
	return c.dev.Info()
}

// Registers returns a copy of the shadow register set.
func (c *Chip) Registers() Registers { return c.regs }

// Sensor returns the sensor the chip was initialised for.
func (c *Chip) Sensor() Sensor { return c.sensor }

// SetSensor records the attached sensor; it affects row resampling.
func (c *Chip) SetSensor(s Sensor) { c.sensor = s }

// TransferCounts returns the number of write and read transfers issued
// since open.
func (c *Chip) TransferCounts() (writes, reads int) { return c.writeURBs, c.readURBs }

// TotalLines returns the row count the running table delivers.
func (c *Chip) TotalLines() int { return c.totalLines }

// LinesLeft returns how many rows of the running table are still unread.
func (c *Chip) LinesLeft() int { return c.linesLeft }

// RowSize returns the size of one delivered row after soft resampling.
func (c *Chip) RowSize() int { return c.rowSize }

// --------------------------------------------------------------------------
// Physical transfers
// --------------------------------------------------------------------------

func (c *Chip) bulkWrite(p []byte) error {
	n, err := c.dev.BulkWrite(p)
	if err != nil {
		return fmt.Errorf("bulk write: %v: %w", err, ErrIO)
	}
	if n != len(p) {
		return fmt.Errorf("bulk write: wrote %d of %d bytes: %w", n, len(p), ErrIO)
	}
	c.writeURBs++
	return nil
}

func (c *Chip) readByte() (byte, error) {
	var b [1]byte
	n, err := c.dev.BulkRead(b[:])
	if err != nil {
		return 0, fmt.Errorf("bulk read: %v: %w", err, ErrIO)
	}
	if n != 1 {
		return 0, fmt.Errorf("bulk read: got %d bytes, want 1: %w", n, ErrIO)
	}
	c.readURBs++
	return b[0], nil
}

func (c *Chip) writeReg(reg, data byte) error {
	if reg > MaxRegister {
		return fmt.Errorf("write register %d: %w", reg, ErrInvalidParameter)
	}
	if err := c.bulkWrite([]byte{data, reg}); err != nil {
		return fmt.Errorf("write register %d: %w", reg, err)
	}
	slog.Debug("register write", "reg", reg, "value", fmt.Sprintf("0x%02x", data))
	return nil
}

func (c *Chip) writable(op string) error {
	if !c.opened {
		return fmt.Errorf("%s: not open: %w", op, ErrInvalidState)
	}
	if c.rowing {
		return fmt.Errorf("%s: rowing: %w", op, ErrBusy)
	}
	return nil
}

// update applies fn to the shadow and writes the resulting register byte.
func (c *Chip) update(reg byte, fn func(r *Registers)) error {
	if err := c.writable(fmt.Sprintf("set register %d", reg)); err != nil {
		return err
	}
	fn(&c.regs)
	b, _ := c.regs.Encode(reg)
	return c.writeReg(reg, b)
}

// WriteRegister stores value in the shadow copy of reg and writes it to the
// hardware. Writes to registers 0 and 1 program command table entries.
func (c *Chip) WriteRegister(reg, value byte) error {
	if err := c.writable(fmt.Sprintf("write register %d", reg)); err != nil {
		return err
	}
	if reg > MaxRegister {
		return fmt.Errorf("write register %d: %w", reg, ErrInvalidParameter)
	}
	switch reg {
	case RegTableLow, RegTableHigh:
		idx, e := DecodeEntry(value)
		if reg == RegTableHigh {
			idx += 16
		}
		c.transfer[idx] = e.Transfer
	case RegTable:
		c.regs.Decode(reg, value)
		c.tableLength = int(c.regs.Table.Length) + 1
	case RegSecondPos:
		c.regs.Decode(reg, value)
		c.secondPos = int(value)
	case RegByteWidthLo, RegByteWidthHi:
		c.regs.Decode(reg, value)
		c.rowSize = c.regs.ByteWidth / c.softResample
	default:
		c.regs.Decode(reg, value)
	}
	return c.writeReg(reg, value)
}

// ReadRegister reads reg from the hardware and folds it into the shadow.
func (c *Chip) ReadRegister(reg byte) (byte, error) {
	if !c.opened {
		return 0, fmt.Errorf("read register %d: not open: %w", reg, ErrInvalidState)
	}
	if c.rowing {
		return 0, fmt.Errorf("read register %d: rowing: %w", reg, ErrInvalidState)
	}
	if reg > MaxRegister {
		return 0, fmt.Errorf("read register %d: %w", reg, ErrInvalidParameter)
	}
	if err := c.bulkWrite([]byte{0x00, reg | cmdReadFlag}); err != nil {
		return 0, fmt.Errorf("read register %d: %w", reg, err)
	}
	b, err := c.readByte()
	if err != nil {
		return 0, fmt.Errorf("read register %d: %w", reg, err)
	}
	c.regs.Decode(reg, b)
	if reg == RegByteWidthLo || reg == RegByteWidthHi {
		c.rowSize = c.regs.ByteWidth / c.softResample
	}
	return b, nil
}

// HomeSensor reports whether the carriage sits on the home sensor.
func (c *Chip) HomeSensor() (bool, error) {
	b, err := c.ReadRegister(RegStatus)
	if err != nil {
		return false, err
	}
	return b&0x80 != 0, nil
}

// --------------------------------------------------------------------------
// Command table execution
// --------------------------------------------------------------------------

func (c *Chip) startCMT() error {
	if !c.opened {
		return fmt.Errorf("start table: not open: %w", ErrInvalidState)
	}
	if c.rowing {
		return fmt.Errorf("start table: already rowing: %w", ErrInvalidState)
	}
	data := flagStartCMT | c.regs.Control.Encode()
	if err := c.bulkWrite([]byte{data, cmdStartCMT}); err != nil {
		return fmt.Errorf("start table: %w", err)
	}
	c.rowing = true
	return nil
}

func (c *Chip) stopCMT() error {
	if !c.opened {
		return fmt.Errorf("stop table: not open: %w", ErrInvalidState)
	}
	if !c.rowing {
		return fmt.Errorf("stop table: not rowing: %w", ErrInvalidState)
	}
	data := flagStopCMT | c.regs.Control.Encode()
	if err := c.bulkWrite([]byte{data, cmdStopCMT}); err != nil {
		return fmt.Errorf("stop table: %w", err)
	}
	if _, err := c.readByte(); err != nil {
		return fmt.Errorf("stop table: %w", err)
	}
	c.rowing = false
	return nil
}

// StartRowing validates the programmed table, computes the number of rows it
// will deliver and starts it.
func (c *Chip) StartRowing() error {
	if c.regs.LoopCount == 0 {
		return fmt.Errorf("start rowing: loop count not set: %w", ErrInvalidParameter)
	}
	if c.tableLength == 0 {
		return fmt.Errorf("start rowing: table length not set: %w", ErrInvalidParameter)
	}
	if c.tableLength <= c.secondPos {
		return fmt.Errorf("start rowing: second position %d not below length %d: %w",
			c.secondPos, c.tableLength, ErrInvalidParameter)
	}
	c.totalLines = tableRows(c.transfer[:c.tableLength], c.secondPos, c.regs.LoopCount)
	c.linesLeft = c.totalLines
	if err := c.startCMT(); err != nil {
		return err
	}
	slog.Debug("rowing started", "lines", c.totalLines, "length", c.tableLength,
		"second", c.secondPos, "loop", c.regs.LoopCount)
	return nil
}

// StopRowing aborts the running table.
func (c *Chip) StopRowing() error { return c.stopCMT() }

// WaitRowing consumes the end-of-table byte the chip sends when a table
// finishes on its own.
func (c *Chip) WaitRowing() error {
	if !c.opened {
		return fmt.Errorf("wait rowing: not open: %w", ErrInvalidState)
	}
	if !c.rowing {
		return fmt.Errorf("wait rowing: not rowing: %w", ErrInvalidState)
	}
	if _, err := c.readByte(); err != nil {
		return fmt.Errorf("wait rowing: %w", err)
	}
	c.rowing = false
	return nil
}

// WaitRowingStop waits for a table that transfers no rows (motor moves).
func (c *Chip) WaitRowingStop() error {
	if c.totalLines != 0 {
		return fmt.Errorf("wait rowing stop: table delivers %d rows: %w", c.totalLines, ErrInvalidState)
	}
	return c.WaitRowing()
}

// maxEmptyReads is how many empty bulk transfers in a row ReadRows accepts
// before it gives up on the device.
const maxEmptyReads = 8

// ReadRows fills p with raw row bytes, in chunks of at most the maximum block
// size. Short transfers are accumulated until p is full.
func (c *Chip) ReadRows(p []byte) error {
	if !c.opened {
		return fmt.Errorf("read rows: not open: %w", ErrInvalidState)
	}
	if !c.rowing {
		return fmt.Errorf("read rows: not rowing: %w", ErrInvalidState)
	}
	total, empty := 0, 0
	for total < len(p) {
		n := min(len(p)-total, c.maxBlock)
		got, err := c.dev.BulkRead(p[total : total+n])
		if err != nil {
			return fmt.Errorf("read rows: %v: %w", err, ErrIO)
		}
		if got == 0 {
			empty++
			if empty >= maxEmptyReads {
				return fmt.Errorf("read rows: %d empty transfers at %d/%d bytes: %w", empty, total, len(p), ErrIO)
			}
			continue
		}
		empty = 0
		c.readURBs += (got + urbSize - 1) / urbSize
		total += got
		if got < n {
			slog.Debug("short row read, retrying", "want", n, "got", got, "total", total)
		}
	}
	return nil
}

// GetRow reads the next row of the running table into p, which must hold
// RowSize bytes. The last row also consumes the end-of-table byte.
func (c *Chip) GetRow(p []byte) error {
	if c.linesLeft == 0 {
		return fmt.Errorf("get row: no rows left: %w", ErrInvalidState)
	}
	if len(p) < c.rowSize {
		return fmt.Errorf("get row: buffer %d < row %d: %w", len(p), c.rowSize, ErrInvalidParameter)
	}
	if c.softResample == 1 {
		if err := c.ReadRows(p[:c.regs.ByteWidth]); err != nil {
			return fmt.Errorf("get row: %w", err)
		}
	} else {
		raw := make([]byte, c.regs.ByteWidth)
		if err := c.ReadRows(raw); err != nil {
			return fmt.Errorf("get row: %w", err)
		}
		c.resample(raw, p)
	}
	if c.linesLeft <= 1 {
		if err := c.WaitRowing(); err != nil {
			return fmt.Errorf("get row: %w", err)
		}
		c.linesLeft = 0
		c.rowing = false
		return nil
	}
	c.linesLeft--
	return nil
}

func (c *Chip) resample(raw, dst []byte) {
	step := c.softResample
	if c.sensor == SensorCanon600 && c.regs.Pixel.Depth == Depth12Bit {
		px := make([]int, 0, len(raw)/3*2)
		for i := 0; i+2 < len(raw); i += 3 {
			px = append(px, int(raw[i])|int(raw[i+1]&0xf0)<<4)
			px = append(px, int(raw[i+1]&0x0f)<<8|int(raw[i+2]))
		}
		k := 0
		for i := 0; i+2 < len(px) && k+2 < len(dst); i += step * 2 {
			dst[k] = byte(px[i])
			dst[k+1] = byte(px[i]&0x0f00>>4) | byte(px[i+2]&0x0f00>>8)
			dst[k+2] = byte(px[i+2])
			k += 3
		}
		return
	}
	k := 0
	for i := 0; i < len(raw) && k < len(dst); i += step {
		dst[k] = raw[i]
		k++
	}
}

func tableRows(transfer []bool, second, loop int) int {
	head, tail := 0, 0
	for i, t := range transfer {
		if !t {
			continue
		}
		head++
		if i >= second {
			tail++
		}
	}
	return (loop-1)*tail + head
}
