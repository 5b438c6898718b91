// Package timing holds the sensor, motor and analog front-end tables that turn
// a resolution and colour mode into MA-1017 register settings.
package timing

import (
	"fmt"

	"github.com/mzyy94/airmustek/internal/ma1017"
)

// SensorSetting is the sensor configuration for one physical resolution.
type SensorSetting struct {
	DPI          int
	Optical600   bool
	Way          ma1017.SampleWay
	SoftResample int
	LEDAllRGB    bool
	LEDAllMono   bool
}

// Sensor tables, highest resolution first.
var (
	nec600Table = []SensorSetting{
		{600, true, ma1017.SampleP6P6, 1, false, true},
		{400, true, ma1017.SampleP4P6, 1, false, true},
		{300, true, ma1017.SampleP3P6, 1, false, true},
		{200, true, ma1017.SampleP2P6, 1, false, true},
		{100, true, ma1017.SampleP1P6, 1, false, true},
		{50, true, ma1017.SampleP1P6, 2, false, true},
	}
	canon600Table = []SensorSetting{
		{600, false, ma1017.SampleP6P6, 1, false, false},
		{400, false, ma1017.SampleP4P6, 1, false, false},
		{300, false, ma1017.SampleP3P6, 1, false, false},
		{200, false, ma1017.SampleP2P6, 1, false, false},
		{150, false, ma1017.SampleP3P6, 2, false, false},
		{100, false, ma1017.SampleP1P6, 1, false, false},
		{50, false, ma1017.SampleP1P6, 2, false, false},
	}
	canon300600Table = []SensorSetting{
		{600, true, ma1017.SampleP6P6, 1, false, false},
		{400, true, ma1017.SampleP4P6, 1, false, false},
		{300, false, ma1017.SampleP6P6, 1, false, false},
		{200, true, ma1017.SampleP2P6, 1, false, false},
		{150, false, ma1017.SampleP3P6, 1, false, false},
		{100, false, ma1017.SampleP2P6, 1, false, false},
		{50, false, ma1017.SampleP1P6, 1, false, false},
	}
	canon300Table = []SensorSetting{
		{300, true, ma1017.SampleP6P6, 1, false, true},
		{200, true, ma1017.SampleP4P6, 1, false, true},
		{150, true, ma1017.SampleP3P6, 1, false, true},
		{100, true, ma1017.SampleP2P6, 1, false, true},
		{50, true, ma1017.SampleP1P6, 1, false, true},
	}
)

// SensorTable returns the resolution table of s. Sensors without their own
// table share the CANON300600 one.
func SensorTable(s ma1017.Sensor) []SensorSetting {
	switch s {
	case ma1017.SensorCanon300:
		return canon300Table
	case ma1017.SensorCanon600:
		return canon600Table
	case ma1017.SensorNEC600:
		return nec600Table
	}
	return canon300600Table
}

// SensorDPI returns the physical resolution used for a wanted one: the
// lowest table entry not below wanted, clamped to the top entry. Requests
// under the lowest entry get the lowest entry.
func SensorDPI(s ma1017.Sensor, wanted int) int {
	t := SensorTable(s)
	dpis := make([]int, len(t))
	for i, e := range t {
		dpis[i] = e.DPI
	}
	return pickDPI(dpis, wanted)
}

func pickDPI(desc []int, wanted int) int {
	i := 0
	for i < len(desc) && wanted <= desc[i] {
		i++
	}
	if i > 0 {
		i--
	}
	return desc[i]
}

// SensorSettingFor returns the table entry for an exact physical dpi.
func SensorSettingFor(s ma1017.Sensor, dpi int) (SensorSetting, error) {
	for _, e := range SensorTable(s) {
		if e.DPI == dpi {
			return e, nil
		}
	}
	return SensorSetting{}, fmt.Errorf("%s sensor: %d dpi: %w", s, dpi, ma1017.ErrInvalidParameter)
}

// Is600Mode reports whether dpi is captured through the 600 dpi analog path.
func Is600Mode(s ma1017.Sensor, dpi int) bool {
	switch s {
	case ma1017.SensorCanon300:
		return false
	case ma1017.SensorCanon600, ma1017.SensorNEC600:
		return true
	}
	switch dpi {
	case 600, 400, 200:
		return true
	}
	return false
}

// PrepareSensor programs sampling, soft resampling and LED illumination for
// dpi. mono selects the monochrome LED setting.
func PrepareSensor(c *ma1017.Chip, s ma1017.Sensor, dpi int, mono bool) error {
	e, err := SensorSettingFor(s, dpi)
	if err != nil {
		return err
	}
	if err := c.SetImageDPI(e.Optical600, e.Way); err != nil {
		return fmt.Errorf("prepare sensor: %w", err)
	}
	if err := c.SetSoftResample(e.SoftResample); err != nil {
		return fmt.Errorf("prepare sensor: %w", err)
	}
	led := e.LEDAllRGB
	if mono {
		led = e.LEDAllMono
	}
	if err := c.SetLEDLightAll(led); err != nil {
		return fmt.Errorf("prepare sensor: %w", err)
	}
	return nil
}
