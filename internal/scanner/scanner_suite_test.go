package scanner

import (
	"io"
	"log/slog"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mzyy94/airmustek/internal/calib"
	"github.com/mzyy94/airmustek/internal/ma1017"
)

func TestScanner(t *testing.T) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Scanner Suite")
}

// newSimDevice returns a closed Device attached to a fresh simulator.
// Carriage waits do not sleep.
func newSimDevice(opts ma1017.SimulatorOptions, cache *calib.Cache) (*Device, *ma1017.Simulator) {
	sim := ma1017.NewSimulator(opts)
	dev := NewDevice(ma1017.NewSimRegistry(sim), Options{Cache: cache})
	dev.sleep = func(time.Duration) {}
	return dev, sim
}

// smallArea is a one inch by half inch window at the top-left corner.
func smallArea(mode ColorMode, dpi int) Params {
	p := DefaultParams()
	p.Mode = mode
	p.DPI = dpi
	p.BottomRightX = 25.4
	p.BottomRightY = 12.7
	return p
}

func lampOn(sim *ma1017.Simulator) bool {
	var r ma1017.PowerReg
	r.Decode(sim.Register(ma1017.RegPower))
	return r.Lamp
}
