package calib

import (
	"fmt"
	"log/slog"

	"github.com/mzyy94/airmustek/internal/ma1017"
)

// SignalState tells where the measured signal ended up relative to the
// tuning threshold.
type SignalState int

const (
	SignalUnknown SignalState = iota
	SignalBrighter
	SignalDarker
	SignalEqual
)

func (s SignalState) String() string {
	switch s {
	case SignalBrighter:
		return "brighter"
	case SignalDarker:
		return "darker"
	case SignalEqual:
		return "equal"
	}
	return "unknown"
}

func stateOf(level, threshold int) SignalState {
	switch {
	case level > threshold:
		return SignalBrighter
	case level < threshold:
		return SignalDarker
	}
	return SignalEqual
}

// Probe applies a power delay to one channel and measures the resulting peak
// level. A larger delay gives a darker signal.
type Probe interface {
	SetPowerDelay(pd int) error
	PeakLevel() (int, error)
}

// Tuning is the outcome of a power-delay search.
type Tuning struct {
	Delay int
	State SignalState
	Level int
}

// TunePowerDelay bisects the delay between lo and hi until the peak level
// equals threshold. When bisection narrows to two adjacent delays without a
// match it keeps the one whose level is closest to threshold, preferring the
// darker one on a tie. When the search never left one end of the range it
// settles on that end. The probe is left set to the returned delay.
func TunePowerDelay(p Probe, hi, lo, threshold int) (Tuning, error) {
	if hi < lo || lo < 0 || hi > 0xff {
		return Tuning{}, fmt.Errorf("power delay range [%d, %d]: %w", lo, hi, ma1017.ErrInvalidParameter)
	}
	maxMax, minMin := hi, lo
	levelAt := map[int]int{}

	measure := func(pd int) (int, error) {
		if err := p.SetPowerDelay(pd); err != nil {
			return 0, err
		}
		level, err := p.PeakLevel()
		if err != nil {
			return 0, err
		}
		levelAt[pd] = level
		return level, nil
	}

	target := (hi + lo) / 2
	if err := p.SetPowerDelay(target); err != nil {
		return Tuning{}, err
	}
	state := SignalUnknown
	for target != lo {
		level, err := p.PeakLevel()
		if err != nil {
			return Tuning{}, err
		}
		levelAt[target] = level
		state = stateOf(level, threshold)
		switch state {
		case SignalBrighter:
			lo = target
		case SignalDarker:
			hi = target
		default:
			slog.Debug("power delay matched", "delay", target, "level", level)
			return Tuning{Delay: target, State: SignalEqual, Level: level}, nil
		}
		target = (hi + lo) / 2
		if err := p.SetPowerDelay(target); err != nil {
			return Tuning{}, err
		}
	}

	if hi == maxMax || lo == minMin {
		end := minMin
		if hi == maxMax {
			end = maxMax
		}
		level, err := measure(end)
		if err != nil {
			return Tuning{}, err
		}
		slog.Debug("power delay at range end", "delay", end, "level", level)
		return Tuning{Delay: end, State: stateOf(level, threshold), Level: level}, nil
	}

	// Both ends moved, so both were measured on the way down.
	best := hi
	loLevel, hiLevel := levelAt[lo], levelAt[hi]
	bestLevel := hiLevel
	if dist(loLevel, threshold) < dist(hiLevel, threshold) {
		best, bestLevel = lo, loLevel
	}
	if err := p.SetPowerDelay(best); err != nil {
		return Tuning{}, err
	}
	slog.Debug("power delay closest", "delay", best, "level", bestLevel, "lo", lo, "hi", hi)
	return Tuning{Delay: best, State: stateOf(bestLevel, threshold), Level: bestLevel}, nil
}

func dist(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
