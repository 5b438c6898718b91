// Package calib derives the per-pixel shading correction and the analog
// power-delay settings of an MA-1017 scanner from measurements taken on its
// white calibration strip.
package calib

import (
	"fmt"
	"slices"

	"github.com/mzyy94/airmustek/internal/ma1017"
)

// Kind selects the raw sample layout a Calibrator reads and the output it
// writes.
type Kind int

const (
	// KindRGB8 reads 8-bit samples of one channel and writes every third
	// byte of an interleaved RGB line.
	KindRGB8 Kind = iota
	// KindMono8 reads and writes 8-bit grey.
	KindMono8
	// KindMono4to1 reads packed 4-bit samples and writes 1-bit lineart.
	KindMono4to1
)

func (k Kind) String() string {
	switch k {
	case KindRGB8:
		return "i8o8rgb"
	case KindMono8:
		return "i8o8mono"
	case KindMono4to1:
		return "i4o1mono"
	}
	return "unknown"
}

// Calibration constants.
const (
	// WhiteTarget is the target white level passed to New, in 8.8 fixed point.
	WhiteTarget = 245 << 8
	// DefaultThreshold is the 12-bit lineart decision level.
	DefaultThreshold = 2048
	// MaxLevel is the largest 12-bit level.
	MaxLevel = 4095
	// GammaSize is the length of an embedded gamma table.
	GammaSize = 4096
)

// Calibrator collects white and dark reference rows of one channel and turns
// them into shading correction tables.
type Calibrator struct {
	kind       Kind
	whiteLevel int
	threshold  int
	gamma      []byte

	prepared bool
	maxWidth int

	width, major, minor, filter int
	whiteNeeded, darkNeeded     int

	whiteBuf  []int
	whiteLine []float64
	darkLine  []float64

	kWhite []int
	kDark  []int
	ready  bool
}

// New returns a calibrator aiming raw white at target/16 on the 12-bit scale.
func New(kind Kind, target int) *Calibrator {
	return &Calibrator{
		kind:       kind,
		whiteLevel: target / 16,
		threshold:  DefaultThreshold,
	}
}

// Kind returns the calibrator kind.
func (c *Calibrator) Kind() Kind { return c.kind }

// WhiteLevel returns the 12-bit white target.
func (c *Calibrator) WhiteLevel() int { return c.whiteLevel }

// SetThreshold sets the 12-bit lineart decision level.
func (c *Calibrator) SetThreshold(t int) { c.threshold = t }

// EmbedGamma makes Calibrate map the full 12-bit corrected value through
// table instead of scaling to 8 bits. A nil table disables it. Tables
// shorter than GammaSize are rejected.
func (c *Calibrator) EmbedGamma(table []byte) error {
	if table != nil && len(table) < GammaSize {
		return fmt.Errorf("gamma table has %d entries, want %d: %w", len(table), GammaSize, ma1017.ErrInvalidParameter)
	}
	c.gamma = table
	return nil
}

// Prepare allocates the correction tables for rows up to maxWidth pixels.
func (c *Calibrator) Prepare(maxWidth int) error {
	if c.prepared {
		return fmt.Errorf("calibrator prepare: already prepared: %w", ma1017.ErrInvalidState)
	}
	if maxWidth <= 0 {
		return fmt.Errorf("calibrator prepare: width %d: %w", maxWidth, ma1017.ErrInvalidParameter)
	}
	c.kWhite = make([]int, maxWidth)
	c.kDark = make([]int, maxWidth)
	c.maxWidth = maxWidth
	c.prepared = true
	c.ready = false
	return nil
}

// Release drops the correction tables. The calibrator can be prepared again.
func (c *Calibrator) Release() error {
	if !c.prepared {
		return fmt.Errorf("calibrator release: %w", ma1017.ErrInvalidState)
	}
	c.kWhite, c.kDark = nil, nil
	c.whiteBuf, c.whiteLine, c.darkLine = nil, nil, nil
	c.prepared = false
	c.ready = false
	return nil
}

// Setup starts a reference capture of width pixels. major is the number of
// sample groups, minor the rows summed into each sample, and filter the
// number of extra white samples captured and discarded by the trimmed mean.
// It returns how many white and dark samples the caller must feed.
func (c *Calibrator) Setup(major, minor, filter, width int) (whiteNeeded, darkNeeded int, err error) {
	switch {
	case !c.prepared:
		return 0, 0, fmt.Errorf("calibrator setup: not prepared: %w", ma1017.ErrInvalidState)
	case major <= 0 || minor <= 0 || filter < 0:
		return 0, 0, fmt.Errorf("calibrator setup: average %dx%d filter %d: %w", major, minor, filter, ma1017.ErrInvalidParameter)
	case width <= 0 || width > c.maxWidth:
		return 0, 0, fmt.Errorf("calibrator setup: width %d of %d: %w", width, c.maxWidth, ma1017.ErrInvalidParameter)
	}
	c.major, c.minor, c.filter, c.width = major, minor, filter, width
	c.whiteNeeded = major*16 + filter
	c.darkNeeded = major * 16
	c.whiteLine = make([]float64, width)
	c.darkLine = make([]float64, width)
	c.whiteBuf = make([]int, c.whiteNeeded*width)
	c.ready = false
	return c.whiteNeeded, c.darkNeeded, nil
}

// samples expands a raw row into per-pixel values on the 8-bit scale.
// Packed 4-bit rows carry the high nibble first.
func (c *Calibrator) samples(row []byte, fn func(j, v int)) error {
	if c.kind == KindMono4to1 {
		if len(row) < (c.width+1)/2 {
			return fmt.Errorf("calibrator: row of %d bytes for %d pixels: %w", len(row), c.width, ma1017.ErrInvalidParameter)
		}
		for j := 0; j < c.width; j++ {
			b := row[j/2]
			if j%2 == 0 {
				fn(j, int(b&0xf0))
			} else {
				fn(j, int(b<<4))
			}
		}
		return nil
	}
	if len(row) < c.width {
		return fmt.Errorf("calibrator: row of %d bytes for %d pixels: %w", len(row), c.width, ma1017.ErrInvalidParameter)
	}
	for j := 0; j < c.width; j++ {
		fn(j, int(row[j]))
	}
	return nil
}

// FillWhite adds a white reference row to sample slot i. The minor rows of
// one sample are added to the same slot.
func (c *Calibrator) FillWhite(i int, row []byte) error {
	if !c.prepared || c.whiteBuf == nil {
		return fmt.Errorf("calibrator fill white: %w", ma1017.ErrInvalidState)
	}
	if i < 0 || i >= c.whiteNeeded {
		return fmt.Errorf("calibrator fill white: sample %d of %d: %w", i, c.whiteNeeded, ma1017.ErrInvalidParameter)
	}
	base := i * c.width
	return c.samples(row, func(j, v int) { c.whiteBuf[base+j] += v })
}

// FillDark adds a dark reference row.
func (c *Calibrator) FillDark(row []byte) error {
	if !c.prepared || c.darkLine == nil {
		return fmt.Errorf("calibrator fill dark: %w", ma1017.ErrInvalidState)
	}
	return c.samples(row, func(j, v int) { c.darkLine[j] += float64(v) })
}

// trimmedSum sorts the samples descending and sums all but the last filter
// entries, dropping the darkest samples of the white strip.
func trimmedSum(samples []int, filter int) int {
	slices.SortFunc(samples, func(a, b int) int { return b - a })
	sum := 0
	for _, v := range samples[:len(samples)-filter] {
		sum += v
	}
	return sum
}

// EvaluateWhite reduces the white samples to a per-pixel level scaled by
// factor and clamped just under 4096.
func (c *Calibrator) EvaluateWhite(factor float64) error {
	if c.whiteBuf == nil || c.whiteLine == nil {
		return fmt.Errorf("calibrator evaluate white: no samples: %w", ma1017.ErrInvalidState)
	}
	div := float64(c.major * c.minor)
	col := make([]int, c.whiteNeeded)
	for j := 0; j < c.width; j++ {
		for i := range col {
			col[i] = c.whiteBuf[i*c.width+j]
		}
		avg := float64(trimmedSum(col, c.filter)) * factor / div
		switch {
		case avg >= 4096:
			c.whiteLine[j] = 4095.9999
		case avg < 0:
			c.whiteLine[j] = 0
		default:
			c.whiteLine[j] = avg
		}
	}
	c.whiteBuf = nil
	return nil
}

// EvaluateDark averages the dark samples and subtracts factor on the 8-bit
// scale, flooring at zero.
func (c *Calibrator) EvaluateDark(factor float64) error {
	if c.darkLine == nil {
		return fmt.Errorf("calibrator evaluate dark: no samples: %w", ma1017.ErrInvalidState)
	}
	div := float64(c.major * c.minor)
	for j := range c.darkLine {
		v := c.darkLine[j]/div - factor*16
		c.darkLine[j] = max(v, 0)
	}
	return nil
}

// Evaluate freezes the correction tables: white gain is white minus dark in
// [1, 4095] and dark offset is the dark level.
func (c *Calibrator) Evaluate() error {
	if c.whiteLine == nil || c.darkLine == nil {
		return fmt.Errorf("calibrator evaluate: %w", ma1017.ErrInvalidState)
	}
	if c.whiteBuf != nil {
		return fmt.Errorf("calibrator evaluate: white not reduced: %w", ma1017.ErrInvalidState)
	}
	for j := 0; j < c.width; j++ {
		gain := int(c.whiteLine[j]) - int(c.darkLine[j])
		c.kWhite[j] = min(max(gain, 1), MaxLevel)
		c.kDark[j] = min(int(c.darkLine[j]), MaxLevel)
	}
	c.whiteLine, c.darkLine = nil, nil
	c.ready = true
	return nil
}

// Ready reports whether Evaluate has produced correction tables.
func (c *Calibrator) Ready() bool { return c.ready }

// Width returns the number of calibrated pixels.
func (c *Calibrator) Width() int { return c.width }

// WhiteGain returns a copy of the per-pixel white gain.
func (c *Calibrator) WhiteGain() []int { return slices.Clone(c.kWhite[:c.width]) }

// DarkOffset returns a copy of the per-pixel dark offset.
func (c *Calibrator) DarkOffset() []int { return slices.Clone(c.kDark[:c.width]) }

// correct returns the shading corrected value of raw sample v (8-bit scale)
// at pixel j, on the 12-bit scale when full is set and on the 8-bit scale
// otherwise.
func (c *Calibrator) correct(j, v int, full bool) int {
	base := max((v<<4)-c.kDark[j], 0)
	if full {
		return min(base*c.whiteLevel/c.kWhite[j], MaxLevel)
	}
	return min(base*(c.whiteLevel>>4)/c.kWhite[j], 0xff)
}

// Calibrate corrects one raw row into dst. RGB calibrators write every third
// byte starting at dst[0]; lineart calibrators pack eight pixels per byte,
// most significant bit first, setting bits at or above the threshold.
func (c *Calibrator) Calibrate(src, dst []byte) error {
	if !c.ready {
		return fmt.Errorf("calibrate: not evaluated: %w", ma1017.ErrInvalidState)
	}
	switch c.kind {
	case KindRGB8, KindMono8:
		stride := 1
		if c.kind == KindRGB8 {
			stride = 3
		}
		if len(src) < c.width || len(dst) < (c.width-1)*stride+1 {
			return fmt.Errorf("calibrate: %d/%d bytes for %d pixels: %w", len(src), len(dst), c.width, ma1017.ErrInvalidParameter)
		}
		for j := 0; j < c.width; j++ {
			v := int(src[j])
			if c.gamma != nil {
				dst[j*stride] = c.gamma[c.correct(j, v, true)]
			} else {
				dst[j*stride] = byte(c.correct(j, v, false))
			}
		}
		return nil
	case KindMono4to1:
		if len(dst) < (c.width+7)/8 {
			return fmt.Errorf("calibrate: %d bytes for %d lineart pixels: %w", len(dst), c.width, ma1017.ErrInvalidParameter)
		}
		clear(dst[:(c.width+7)/8])
		return c.samples(src, func(j, v int) {
			if c.correct(j, v, true) >= c.threshold {
				dst[j/8] |= 0x80 >> (j % 8)
			}
		})
	}
	return fmt.Errorf("calibrate: kind %d: %w", c.kind, ma1017.ErrInvalidParameter)
}
