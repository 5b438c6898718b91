package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"

	"github.com/mzyy94/airmustek/internal/ma1017"
)

// ColorMode is the output format of a scan.
type ColorMode int

const (
	ColorColor ColorMode = iota
	ColorGray
	ColorLineart
)

func (m ColorMode) String() string {
	switch m {
	case ColorGray:
		return "grayscale"
	case ColorLineart:
		return "lineart"
	}
	return "color"
}

// ParseColorMode accepts the names used by the settings store and the web
// API.
func ParseColorMode(s string) (ColorMode, error) {
	switch strings.ToLower(s) {
	case "color", "colour", "rgb", "":
		return ColorColor, nil
	case "grayscale", "gray", "grey", "mono":
		return ColorGray, nil
	case "lineart", "bw", "binary":
		return ColorLineart, nil
	}
	return 0, fmt.Errorf("color mode %q: %w", s, ma1017.ErrInvalidParameter)
}

// Scan area and buffering limits.
const (
	MinDPI         = 50
	MaxWidthInch   = 8.4
	MaxHeightInch  = 11.7
	DefaultDPI     = 300
	scanBufferSize = 64 * 1024
	mmPerInch      = 25.4
)

// Params are the scan options a caller resolves before starting.
type Params struct {
	Mode ColorMode
	DPI  int
	// Scan area in millimetres from the top-left corner of the glass.
	TopLeftX, TopLeftY         float64
	BottomRightX, BottomRightY float64
	// Threshold is the lineart cut-off on the 0..255 grey scale.
	Threshold int
	Gamma     *Gamma
}

// DefaultParams scans the whole glass in colour at 300 dpi.
func DefaultParams() Params {
	return Params{
		Mode:         ColorColor,
		DPI:          DefaultDPI,
		BottomRightX: MaxWidthInch * mmPerInch,
		BottomRightY: MaxHeightInch * mmPerInch,
		Threshold:    128,
	}
}

// Frame describes the image a session delivers.
type Frame struct {
	Mode          ColorMode `json:"mode"`
	DPI           int       `json:"dpi"`
	PixelsPerLine int       `json:"pixelsPerLine"`
	Lines         int       `json:"lines"`
	BytesPerLine  int       `json:"bytesPerLine"`
	Depth         int       `json:"depth"`
	Channels      int       `json:"channels"`
}

// window is a frame placed on the glass, in dots at the frame resolution.
type window struct {
	Frame
	x, y int
}

// computeWindow turns params into a frame clamped to the glass and to
// maxDPI.
func computeWindow(p Params, maxDPI int) window {
	dpi := min(max(p.DPI, MinDPI), maxDPI)
	w := window{Frame: Frame{Mode: p.Mode, DPI: dpi, Depth: 8, Channels: 1}}
	switch p.Mode {
	case ColorColor:
		w.Channels = 3
	case ColorLineart:
		w.Depth = 1
	}
	maxX := int(MaxWidthInch * float64(dpi))
	maxY := int(MaxHeightInch * float64(dpi))
	tlX := p.TopLeftX / mmPerInch
	tlY := p.TopLeftY / mmPerInch
	width := (p.BottomRightX - p.TopLeftX) / mmPerInch
	height := (p.BottomRightY - p.TopLeftY) / mmPerInch

	w.PixelsPerLine = min(int(width*float64(dpi)), maxX)
	w.Lines = min(int(height*float64(dpi)), maxY)
	if p.Mode == ColorLineart {
		w.PixelsPerLine = max(w.PixelsPerLine/8*8, 8)
	}
	w.x = max(int(tlX*float64(dpi)), 0)
	w.y = max(int(tlY*float64(dpi)), 0)
	if w.x+w.PixelsPerLine > maxX {
		w.x = max(maxX-w.PixelsPerLine, 0)
	}
	if w.y+w.Lines > maxY {
		w.y = max(maxY-w.Lines, 0)
	}
	w.BytesPerLine = w.PixelsPerLine * w.Depth / 8 * w.Channels
	return w
}

// Session is one scan in progress. Read delivers the image bytes; it must
// not be used from more than one goroutine.
type Session struct {
	dev       *Device
	frame     Frame
	geo       Geometry
	threshold int
	gamma     *Gamma

	readRows   int
	lineSwitch int
	lineOffset int
	totalLines int

	raw     []byte
	buf     []byte
	pending []byte

	done      bool
	eof       bool
	cancelled bool
}

// Start prepares the device if needed, calibrates for p and returns the
// running session. Cancelling ctx interrupts the calibration.
func (d *Device) Start(ctx context.Context, p Params) (*Session, error) {
	switch d.State() {
	case StateOpen:
		if err := d.Prepare(); err != nil {
			return nil, err
		}
	case StatePrepared:
	case StateCalibrating, StateStreaming:
		return nil, fmt.Errorf("start: scan in progress: %w", ma1017.ErrBusy)
	default:
		return nil, fmt.Errorf("start: device is %s: %w", d.State(), ma1017.ErrInvalidState)
	}

	w := computeWindow(p, d.MaxDPI())
	if w.PixelsPerLine <= 0 || w.Lines <= 0 {
		return nil, fmt.Errorf("start: empty scan area: %w", ma1017.ErrInvalidParameter)
	}
	if w.DPI != p.DPI {
		slog.Info("resolution adjusted", "requested", p.DPI, "achieved", w.DPI)
	}
	mode := ModeGray8
	if p.Mode == ColorColor {
		mode = ModeRGB24
	}
	d.SetThreshold(128)
	d.EmbedGamma(nil)

	g := d.Suggest(mode, w.DPI, w.x, w.y, w.PixelsPerLine, w.Lines)
	slog.Info("scan starting", "mode", p.Mode.String(), "dpi", w.DPI, "width", w.PixelsPerLine,
		"lines", w.Lines, "xdpi", g.XDPI, "ydpi", g.YDPI)
	if err := d.SetupScan(ctx, mode, g); err != nil {
		if rerr := d.Release(); rerr != nil {
			slog.Warn("release after failed setup", "err", rerr)
		}
		return nil, err
	}

	gamma := p.Gamma
	if gamma == nil {
		gamma = IdentityGamma()
	}
	return &Session{
		dev:        d,
		frame:      w.Frame,
		geo:        d.geo,
		threshold:  min(max(p.Threshold, 0), 255),
		gamma:      gamma,
		readRows:   d.geo.Height,
		lineSwitch: d.geo.Height,
	}, nil
}

// Frame returns the image parameters.
func (s *Session) Frame() Frame { return s.frame }

// Geometry returns the hardware window the session scans.
func (s *Session) Geometry() Geometry { return s.geo }

// Read implements io.Reader. After the last byte it returns io.EOF once and
// ErrEndOfData on every later call.
func (s *Session) Read(p []byte) (int, error) {
	if s.cancelled {
		return 0, ma1017.ErrCancelled
	}
	if s.eof {
		return 0, ma1017.ErrEndOfData
	}
	for len(s.pending) == 0 {
		if s.readRows <= 0 || s.totalLines >= s.frame.Lines {
			s.eof = true
			if err := s.finish(); err != nil {
				slog.Warn("scan teardown failed", "err", err)
			}
			return 0, io.EOF
		}
		if err := s.fill(); err != nil {
			s.fail()
			return 0, err
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// fill reads the next batch of hardware rows and resamples it.
func (s *Session) fill() error {
	bpr := s.geo.BytesPerRow
	lines := max(min(scanBufferSize/bpr, s.readRows), 1)
	if cap(s.raw) < lines*bpr {
		s.raw = make([]byte, lines*bpr)
	}
	raw := s.raw[:lines*bpr]
	if err := s.dev.GetRows(raw, lines); err != nil {
		return err
	}
	s.readRows -= lines

	s.buf = s.fitLines(s.buf[:0], raw, lines)
	got := len(s.buf) / s.frame.BytesPerLine
	if s.totalLines+got > s.frame.Lines {
		got = s.frame.Lines - s.totalLines
		s.buf = s.buf[:got*s.frame.BytesPerLine]
	}
	s.totalLines += got
	s.pending = s.buf
	return nil
}

// fitLines resamples srcLines hardware rows to the frame resolution with
// nearest-neighbour selection, applying the gamma tables, and appends the
// result to dst. Lineart ignores gamma and packs eight pixels per byte,
// most significant bit first, with 1 for samples at or below the threshold.
func (s *Session) fitLines(dst, src []byte, srcLines int) []byte {
	srcWidth := s.geo.Width
	dstWidth := s.frame.PixelsPerLine
	bpr := s.geo.BytesPerRow
	bpl := s.frame.BytesPerLine
	gray := &s.gamma.Gray
	channels := [3]*[256]byte{&s.gamma.Red, &s.gamma.Green, &s.gamma.Blue}

	srcLine := s.lineOffset
	for srcLine < srcLines {
		row := src[srcLine*bpr : (srcLine+1)*bpr]
		start := len(dst)
		dst = append(dst, make([]byte, bpl)...)
		line := dst[start:]

		srcPixel, pixelSwitch := 0, srcWidth
		for x := range dstWidth {
			for pixelSwitch > dstWidth {
				srcPixel++
				pixelSwitch -= dstWidth
			}
			pixelSwitch += srcWidth
			switch s.frame.Mode {
			case ColorGray:
				line[x] = gray[row[srcPixel]]
			case ColorLineart:
				if row[srcPixel] <= byte(s.threshold) {
					line[x/8] |= 0x80 >> (x % 8)
				}
			default:
				for c, table := range channels {
					line[x*3+c] = table[gray[row[srcPixel*3+c]]]
				}
			}
		}

		for s.lineSwitch >= s.frame.Lines {
			srcLine++
			s.lineSwitch -= s.frame.Lines
		}
		s.lineSwitch += s.geo.Height
	}
	s.lineOffset = srcLine - srcLines
	return dst
}

// finish stops the scan and homes the carriage after the last line.
func (s *Session) finish() error {
	if s.done {
		return nil
	}
	s.done = true
	return errors.Join(s.dev.StopScan(), s.dev.Release())
}

// fail tears the scan down after a read error.
func (s *Session) fail() {
	if s.done {
		return
	}
	s.done = true
	if err := s.dev.StopScan(); err != nil {
		slog.Warn("stop scan after read error", "err", err)
	}
	if err := s.dev.chip.TurnLamp(false); err != nil {
		slog.Warn("lamp off after read error", "err", err)
	}
	if err := s.dev.Release(); err != nil {
		slog.Warn("release after read error", "err", err)
	}
}

// Cancel abandons the scan: the carriage backtracks, rowing stops, the
// carriage heads home and the lamp goes off. Later reads return
// ErrCancelled.
func (s *Session) Cancel() error {
	if s.cancelled {
		return nil
	}
	s.cancelled = true
	if s.done {
		return nil
	}
	s.done = true
	d := s.dev
	var errs []error
	if d.State() == StateStreaming {
		errs = append(errs, d.Backtrack())
	}
	errs = append(errs, d.StopScan(), d.Release(), d.chip.TurnLamp(false))
	slog.Info("scan cancelled", "lines", s.totalLines)
	return errors.Join(errs...)
}

// Close ends the session, cancelling it when lines are still pending.
func (s *Session) Close() error {
	if s.done {
		return nil
	}
	return s.Cancel()
}

// --------------------------------------------------------------------------
// Gamma
// --------------------------------------------------------------------------

// Gamma holds the 256-entry output tables. Grey applies to every sample;
// the colour tables apply after it in colour mode.
type Gamma struct {
	Gray, Red, Green, Blue [256]byte
}

// IdentityGamma returns tables that leave samples unchanged.
func IdentityGamma() *Gamma {
	g := &Gamma{}
	for i := range 256 {
		g.Gray[i], g.Red[i], g.Green[i], g.Blue[i] = byte(i), byte(i), byte(i), byte(i)
	}
	return g
}

// PowerGamma returns a grey curve of exponent 1/gamma with identity colour
// tables.
func PowerGamma(gamma float64) *Gamma {
	g := IdentityGamma()
	if gamma <= 0 || gamma == 1 {
		return g
	}
	for i := range 256 {
		g.Gray[i] = byte(math.Round(255 * math.Pow(float64(i)/255, 1/gamma)))
	}
	return g
}

// GammaTable builds a table from option values, clamping each to 0..255.
// Missing entries repeat the identity.
func GammaTable(values []int) [256]byte {
	var t [256]byte
	for i := range t {
		v := i
		if i < len(values) {
			v = min(max(values[i], 0), 255)
		}
		t[i] = byte(v)
	}
	return t
}
