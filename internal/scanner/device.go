package scanner

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mzyy94/airmustek/internal/calib"
	"github.com/mzyy94/airmustek/internal/ma1017"
	"github.com/mzyy94/airmustek/internal/timing"
)

// State is the lifecycle state of a Device.
type State int

const (
	StateClosed State = iota
	StateOpen
	StatePrepared
	StateCalibrating
	StateStreaming
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StatePrepared:
		return "prepared"
	case StateCalibrating:
		return "calibrating"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// profile holds the analog and geometry constants a model starts with.
type profile struct {
	bytesPerStrip   int
	adjustLength300 int
	adjustLength600 int
	minExpose       int
	skips300        int
	skips600        int
	jLines          int
	kLines          int
	kFilter         int
	powerDelayLines int
	homeLines       int
	darkLines       int
	kLevel          int
	maxPowerDelay   int
	adjustWay       int

	redFactor, greenFactor, blueFactor, grayFactor float64
	blackFactor                                    float64

	pga       int
	expose    int
	initPD    int
	pixelRate int
	threshold int
	frontEnd  byte
	topRef    byte
	offset    byte

	backTrackRGB  int
	backTrackMono int
}

func defaultProfile() profile {
	return profile{
		bytesPerStrip:   8192,
		adjustLength300: 2560,
		adjustLength600: 5120,
		minExpose:       4992,
		skips300:        56,
		skips600:        72,
		jLines:          154,
		kLines:          16,
		kFilter:         8,
		powerDelayLines: 2,
		homeLines:       160,
		darkLines:       50,
		kLevel:          245,
		maxPowerDelay:   240,
		adjustWay:       1,
		redFactor:       0.826375,
		greenFactor:     0.82004,
		blueFactor:      0.84954,
		grayFactor:      0.833375,
		pga:             8,
		expose:          9024,
		initPD:          80,
		pixelRate:       2000,
		threshold:       128,
		frontEnd:        16,
		topRef:          128,
		backTrackRGB:    80,
		backTrackMono:   80,
	}
}

// profileFor applies the NEC600 overrides of the 1200 USB.
func profileFor(m ma1017.Model) profile {
	p := defaultProfile()
	if m == ma1017.Model1200USB {
		p.minExpose = 2250
		p.skips600 = 0
		p.homeLines = 32
		p.darkLines = 10
		p.maxPowerDelay = 220
		p.adjustWay = 3
		p.pga = 30
		p.expose = 16000
		p.topRef = 6
		p.frontEnd = 12
		p.offset = 128
		p.backTrackRGB = 0
		p.backTrackMono = 40
	}
	return p
}

// Options configures a Device.
type Options struct {
	// Path selects one device of the registry. Empty picks the first
	// supported one.
	Path string
	// Model restricts the device to one product.
	Model ma1017.Model
	// MaxBlockSize caps single bulk reads.
	MaxBlockSize int
	// Cache keeps power-delay tuning results. Nil means a private memory
	// cache.
	Cache *calib.Cache
}

// Geometry is a scan window quantised to hardware resolutions.
type Geometry struct {
	XDPI, YDPI    int
	X, Y          int
	Width, Height int
	BytesPerRow   int
	BitsPerPixel  int
}

type analogPath struct {
	dpi  int
	mono bool
}

// Device drives one MA-1017 scanner from power-up through sensor detection,
// calibration and row acquisition. It is owned by one session at a time.
type Device struct {
	registry ma1017.Registry
	opts     Options
	chip     *ma1017.Chip
	fe       timing.FrontEnd
	cache    *calib.Cache
	p        profile
	sleep    func(time.Duration)

	mu    sync.Mutex
	state State
	id    identity

	motor    ma1017.Motor
	cis      bool
	detected bool
	probing  bool
	noCache  atomic.Bool

	mode          Mode
	geo           Geometry
	skipsPerRow   int
	dummy         int
	bytesPerStrip int
	invert        bool

	expose    int
	pixelRate int
	pga       int
	exposure  calib.Exposure
	tuned     map[analogPath]calib.PowerDelays
	threshold int
	gamma     []byte

	red, green, blue []byte
	cals             calibrators
	reader           lineReader
}

// NewDevice returns a closed device that opens scanners through registry.
func NewDevice(registry ma1017.Registry, opts Options) *Device {
	c := ma1017.NewChip(ma1017.Options{Model: opts.Model, MaxBlockSize: opts.MaxBlockSize})
	cache := opts.Cache
	if cache == nil {
		cache = calib.NewCache()
	}
	return &Device{
		registry: registry,
		opts:     opts,
		chip:     c,
		fe:       timing.NewFrontEnd(c),
		cache:    cache,
		p:        defaultProfile(),
		sleep:    time.Sleep,
		tuned:    make(map[analogPath]calib.PowerDelays),
	}
}

// State returns the lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	if prev != s {
		slog.Debug("device state", "from", prev.String(), "to", s.String())
	}
}

// identity is what Open and sensor detection learned about the scanner,
// readable while a scan holds the chip.
type identity struct {
	info     ma1017.DeviceInfo
	model    ma1017.Model
	sensor   ma1017.Sensor
	motor    ma1017.Motor
	detected bool
}

func (d *Device) identify() {
	id := identity{
		info:     d.chip.Info(),
		model:    d.chip.Model(),
		sensor:   d.chip.Sensor(),
		motor:    d.motor,
		detected: d.detected,
	}
	d.mu.Lock()
	d.id = id
	d.mu.Unlock()
}

func (d *Device) ident() identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

// Info describes the attached device.
func (d *Device) Info() ma1017.DeviceInfo { return d.ident().info }

// Model returns the attached product.
func (d *Device) Model() ma1017.Model { return d.ident().model }

// Sensor returns the sensor in use. It is only meaningful once detected.
func (d *Device) Sensor() ma1017.Sensor { return d.ident().sensor }

// Motor returns the motor class in use.
func (d *Device) Motor() ma1017.Motor { return d.ident().motor }

// Detected reports whether the sensor and motor have been identified.
func (d *Device) Detected() bool { return d.ident().detected }

// Exposure returns the exposure programmed for the last scan.
func (d *Device) Exposure() calib.Exposure { return d.exposure }

// Cache returns the tuning cache.
func (d *Device) Cache() *calib.Cache { return d.cache }

// SetCacheEnabled controls whether later calibrations read and write the
// tuning cache. With the cache off every scan tunes the power delays again.
func (d *Device) SetCacheEnabled(on bool) { d.noCache.Store(!on) }

// MaxDPI returns the highest resolution a scan can achieve.
func (d *Device) MaxDPI() int {
	if d.chip.Model() == ma1017.Model600CU {
		return 600
	}
	return min(1200, timing.SensorDPI(d.chip.Sensor(), 1<<16))
}

func (d *Device) find() (ma1017.DeviceInfo, error) {
	if d.opts.Path == "" {
		return ma1017.FindFirst(d.registry, d.opts.Model)
	}
	devs, err := d.registry.Devices()
	if err != nil {
		return ma1017.DeviceInfo{}, err
	}
	for _, info := range devs {
		if info.Path == d.opts.Path {
			return info, nil
		}
	}
	return ma1017.DeviceInfo{}, fmt.Errorf("no scanner at %s: %w", d.opts.Path, ma1017.ErrInvalidParameter)
}

// Open attaches the scanner and powers up the peripheral and the lamp.
func (d *Device) Open() error {
	if d.State() != StateClosed {
		return fmt.Errorf("open: device is %s: %w", d.State(), ma1017.ErrInvalidState)
	}
	info, err := d.find()
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	dev, err := d.registry.Open(info.Path)
	if err != nil {
		return fmt.Errorf("open %s: %v: %w", info, err, ma1017.ErrIO)
	}
	if err := d.chip.Open(dev); err != nil {
		return err
	}
	m := d.chip.Model()
	d.p = profileFor(m)
	d.expose = 4000
	d.pixelRate = d.p.pixelRate
	if !d.detected {
		d.motor = ma1017.MotorMT1200
		if m == ma1017.Model600CU {
			d.motor = ma1017.MotorMT600
		}
	}
	if err := d.turnPower(true); err != nil {
		d.chip.Close()
		return err
	}
	d.identify()
	d.setState(StateOpen)
	slog.Info("scanner opened", "device", info.String(), "model", m.String())
	return nil
}

func (d *Device) turnPower(on bool) error {
	if on {
		if err := d.chip.TurnPeripheralPower(true); err != nil {
			return fmt.Errorf("power on: %w", err)
		}
	}
	if err := d.chip.TurnLamp(on); err != nil {
		return fmt.Errorf("lamp %t: %w", on, err)
	}
	return nil
}

// Close turns the lamp off and releases the scanner. A running scan is
// stopped first.
func (d *Device) Close() error {
	switch d.State() {
	case StateClosed:
		return fmt.Errorf("close: %w", ma1017.ErrInvalidState)
	case StateCalibrating, StateStreaming:
		if err := d.StopScan(); err != nil {
			slog.Warn("stop scan on close failed", "err", err)
		}
	}
	if err := d.turnPower(false); err != nil {
		slog.Warn("lamp off on close failed", "err", err)
	}
	d.clearup()
	err := d.chip.Close()
	d.setState(StateClosed)
	return err
}

// Prepare allocates the row buffers, resets the ASIC and detects the sensor.
func (d *Device) Prepare() error {
	if d.State() != StateOpen {
		return fmt.Errorf("prepare: device is %s: %w", d.State(), ma1017.ErrInvalidState)
	}
	d.allocStrips(d.p.bytesPerStrip)
	if err := d.reset(); err != nil {
		d.clearup()
		return err
	}
	if err := d.detectSensor(); err != nil {
		d.clearup()
		return err
	}
	d.setState(StatePrepared)
	return nil
}

func (d *Device) allocStrips(n int) {
	if len(d.green) >= n {
		return
	}
	d.red = make([]byte, n)
	d.green = make([]byte, n)
	d.blue = make([]byte, n)
}

func (d *Device) clearup() {
	d.red, d.green, d.blue = nil, nil, nil
}

func (d *Device) reset() error {
	s := d.chip.Sensor()
	if err := timing.InitASIC(d.chip, s); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if err := d.chip.SetCCDWidth(d.p.minExpose); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if err := timing.PrepareHome(d.chip, d.motor, s); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	d.threshold = d.p.threshold
	d.gamma = nil
	clear(d.tuned)
	return nil
}

// detectSensor identifies the sensor and motor. The 1200-series share a
// product family with two sensors, told apart by a grey probe row: the
// CANON300600 only lights the left half of a 600 dpi row.
func (d *Device) detectSensor() error {
	if d.detected {
		return nil
	}
	var sensor ma1017.Sensor
	switch d.chip.Model() {
	case ma1017.Model600CU:
		sensor, d.motor, d.cis = ma1017.SensorCanon300, ma1017.MotorMT600, true
	case ma1017.Model1200USB:
		sensor, d.motor, d.cis = ma1017.SensorNEC600, ma1017.MotorMT1200, false
	case ma1017.Model1200UB, ma1017.Model1200CU, ma1017.Model1200CUPlus:
		d.motor, d.cis = ma1017.MotorMT1200, true
		level, err := d.probeSensor()
		if err != nil {
			return fmt.Errorf("detect sensor: %w", err)
		}
		sensor = ma1017.SensorCanon300600
		if level > 50 {
			sensor = ma1017.SensorCanon600
		}
		slog.Debug("sensor probe", "level", level)
	default:
		return fmt.Errorf("detect sensor: %s: %w", d.chip.Model(), ma1017.ErrInvalidParameter)
	}
	d.chip.SetSensor(sensor)
	d.detected = true
	d.identify()
	slog.Info("sensor detected", "sensor", sensor.String(), "motor", d.motor.String(), "cis", d.cis)
	return nil
}

func (d *Device) probeSensor() (int, error) {
	d.probing = true
	defer func() {
		d.probing = false
		clear(d.tuned)
	}()

	d.mode = ModeGray8
	d.geo = Geometry{XDPI: 600, YDPI: 1200, Width: 5400, BytesPerRow: 5400, BitsPerPixel: 8}
	c := d.chip
	if err := timing.InitASIC(c, ma1017.SensorCanon600); err != nil {
		return 0, err
	}
	for _, fn := range []func() error{
		func() error { return c.TurnPeripheralPower(true) },
		func() error { return c.EnableMotor(true) },
		func() error { return c.TurnLamp(true) },
		func() error { return c.InvertImage(false) },
		func() error { return c.SetImageDPI(true, ma1017.SampleP6P6) },
	} {
		if err := fn(); err != nil {
			return 0, err
		}
	}
	d.bytesPerStrip = d.p.adjustLength600
	d.dummy = 0
	d.skipsPerRow = 0
	if err := d.waitCarriageHome(); err != nil {
		return 0, err
	}
	if err := d.hardwareCalibration(); err != nil {
		return 0, err
	}
	if err := d.prepareScan(); err != nil {
		return 0, err
	}
	if err := c.StartRowing(); err != nil {
		return 0, err
	}
	row := d.green[:d.bytesPerStrip]
	if err := c.GetRow(row); err != nil {
		d.stopRowing()
		return 0, err
	}
	if err := d.stopRowing(); err != nil {
		return 0, err
	}
	sum := 0
	for _, v := range row[3500:3756] {
		sum += int(v)
	}
	return sum / 256, nil
}

func (d *Device) stopRowing() error {
	if !d.chip.IsRowing() {
		return nil
	}
	return d.chip.StopRowing()
}

// --------------------------------------------------------------------------
// Carriage
// --------------------------------------------------------------------------

const (
	homePollInterval = 18 * time.Millisecond
	maxHomePolls     = 2000
)

func (d *Device) waitCarriageHome() error {
	home, err := d.chip.HomeSensor()
	if err != nil {
		return fmt.Errorf("wait home: %w", err)
	}
	if !home {
		if err := d.chip.SetCCDWidth(d.p.minExpose); err != nil {
			return fmt.Errorf("wait home: %w", err)
		}
		if err := timing.PrepareHome(d.chip, d.motor, d.chip.Sensor()); err != nil {
			return fmt.Errorf("wait home: %w", err)
		}
		for polls := 0; !home; polls++ {
			if polls >= maxHomePolls {
				return fmt.Errorf("wait home: carriage never reached the sensor: %w", ma1017.ErrIO)
			}
			d.sleep(homePollInterval)
			if home, err = d.chip.HomeSensor(); err != nil {
				return fmt.Errorf("wait home: %w", err)
			}
		}
	}
	return d.chip.MoveMotorHome(false, false)
}

// BackHome sends the carriage home without waiting for it.
func (d *Device) BackHome() error {
	if !d.chip.IsOpen() {
		return fmt.Errorf("back home: %w", ma1017.ErrInvalidState)
	}
	if err := d.chip.SetCCDWidth(d.p.minExpose); err != nil {
		return fmt.Errorf("back home: %w", err)
	}
	if err := timing.PrepareHome(d.chip, d.motor, d.chip.Sensor()); err != nil {
		return fmt.Errorf("back home: %w", err)
	}
	return nil
}

func (d *Device) stepForward(n int) error {
	if n <= 0 {
		return fmt.Errorf("step forward %d: %w", n, ma1017.ErrInvalidParameter)
	}
	c := d.chip
	if err := c.SetCCDWidth(d.p.minExpose); err != nil {
		return err
	}
	if err := c.SetMotorDirection(false); err != nil {
		return err
	}
	if err := timing.PrepareStep(c, d.motor, n); err != nil {
		return err
	}
	if err := c.StartRowing(); err != nil {
		return err
	}
	d.sleep(time.Duration(n) * 2 * time.Millisecond)
	if err := c.WaitRowingStop(); err != nil {
		return fmt.Errorf("step forward %d: %w", n, err)
	}
	if !d.cis {
		return c.SetCCDWidth(d.expose)
	}
	return nil
}

// safeForward moves over the white strip with a wide exposure, used to
// settle a CIS carriage before calibration.
func (d *Device) safeForward(n int) error {
	c := d.chip
	if err := c.SetCCDWidth(5400); err != nil {
		return err
	}
	if err := c.SetMotorDirection(false); err != nil {
		return err
	}
	if err := timing.PrepareStep(c, d.motor, n); err != nil {
		return err
	}
	if err := c.StartRowing(); err != nil {
		return err
	}
	if err := c.WaitRowingStop(); err != nil {
		return fmt.Errorf("safe forward %d: %w", n, err)
	}
	return c.SetCCDWidth(d.expose)
}

// --------------------------------------------------------------------------
// Scan teardown
// --------------------------------------------------------------------------

// StopScan releases the calibrators and stops rowing. CCD models also turn
// the lamp off.
func (d *Device) StopScan() error {
	switch d.State() {
	case StateCalibrating, StateStreaming:
	default:
		return fmt.Errorf("stop scan: device is %s: %w", d.State(), ma1017.ErrInvalidState)
	}
	d.cals.release()
	d.reader = nil
	err := d.stopRowing()
	if !d.cis {
		if lerr := d.chip.TurnLamp(false); lerr != nil && err == nil {
			err = lerr
		}
	}
	d.setState(StateStopped)
	if err != nil {
		return fmt.Errorf("stop scan: %w", err)
	}
	return nil
}

// Release homes the carriage after a stopped scan and drops the row
// buffers, returning the device to the open state.
func (d *Device) Release() error {
	if d.State() != StateStopped {
		return fmt.Errorf("release: device is %s: %w", d.State(), ma1017.ErrInvalidState)
	}
	err := d.BackHome()
	d.clearup()
	d.setState(StateOpen)
	return err
}

// Backtrack runs the mode's back-track sequence on a streaming device.
func (d *Device) Backtrack() error {
	if d.State() != StateStreaming || d.reader == nil {
		return fmt.Errorf("backtrack: device is %s: %w", d.State(), ma1017.ErrInvalidState)
	}
	return d.reader.backtrack(d)
}
