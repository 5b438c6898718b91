package timing

import (
	"fmt"
	"log/slog"

	"github.com/mzyy94/airmustek/internal/ma1017"
)

// ASICProfile is the power-on ASIC configuration for one sensor family.
type ASICProfile struct {
	CCDTiming  byte
	Select     byte
	Adjust     byte
	IOPins     byte
	ADTiming   byte
	Bank       ma1017.BankSize
	MotorSig   byte
	FixPattern bool
}

var asicProfiles = map[ma1017.Sensor]ASICProfile{
	ma1017.SensorToshiba600:  {CCDTiming: 32, Select: 240, Adjust: 0, IOPins: 18, ADTiming: 0, Bank: ma1017.Bank16K},
	ma1017.SensorCanon300:    {CCDTiming: 232, Select: 232, Adjust: 0, IOPins: 18, ADTiming: 1, Bank: ma1017.Bank4K},
	ma1017.SensorCanon300600: {CCDTiming: 232, Select: 232, Adjust: 64, IOPins: 18, ADTiming: 1, Bank: ma1017.Bank16K},
	ma1017.SensorCanon600:    {CCDTiming: 232, Select: 232, Adjust: 64, IOPins: 18, ADTiming: 1, Bank: ma1017.Bank16K},
	ma1017.SensorNEC600:      {CCDTiming: 32, Select: 224, Adjust: 112, IOPins: 18, ADTiming: 0, Bank: ma1017.Bank16K},
}

// Profile returns the ASIC profile of s.
func Profile(s ma1017.Sensor) (ASICProfile, error) {
	p, ok := asicProfiles[s]
	if !ok {
		return ASICProfile{}, fmt.Errorf("asic profile for %s: %w", s, ma1017.ErrInvalidParameter)
	}
	return p, nil
}

// InitASIC writes the timing, pin and bank setup for sensor s and records the
// sensor on the chip.
func InitASIC(c *ma1017.Chip, s ma1017.Sensor) error {
	p, err := Profile(s)
	if err != nil {
		return err
	}
	c.SetSensor(s)
	for _, step := range []struct {
		name string
		fn   func() error
	}{
		{"adjust timing", func() error { return c.AdjustTiming(p.Adjust) }},
		{"select timing", func() error { return c.SelectTiming(p.Select) }},
		{"ccd timing", func() error { return c.SetTiming(p.CCDTiming) }},
		{"sram bank", func() error { return c.SetSRAMBank(p.Bank) }},
		{"io pins", func() error { return c.SetASICIOPins(p.IOPins) }},
		{"rgb select pins", func() error { return c.SetRGBSelPins(p.IOPins) }},
		{"motor signal", func() error { return c.SetMotorSignal(p.MotorSig) }},
		{"test sram", func() error { return c.SetTestSRAM(false) }},
		{"fix pattern", func() error { return c.SetFixPattern(p.FixPattern) }},
		{"ad timing", func() error { return c.SetADTiming(p.ADTiming) }},
	} {
		if err := step.fn(); err != nil {
			return fmt.Errorf("init asic %s: %s: %w", s, step.name, err)
		}
	}
	slog.Debug("asic initialised", "sensor", s.String())
	return nil
}
