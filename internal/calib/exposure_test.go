package calib

import (
	"testing"

	"github.com/mzyy94/airmustek/internal/ma1017"
)

func TestRoundUp64(t *testing.T) {
	tests := []struct{ in, want int }{{0, 0}, {1, 64}, {64, 64}, {5120, 5120}, {5121, 5184}}
	for _, tt := range tests {
		if got := RoundUp64(tt.in); got != tt.want {
			t.Errorf("RoundUp64(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestTransferTime(t *testing.T) {
	if got := TransferTime(2000, 600); got != 2000 {
		t.Errorf("TransferTime(2000, 600) = %d, want 2000", got)
	}
	if got := TransferTime(20000, 600); got != MaxTransferTime {
		t.Errorf("TransferTime(20000, 600) = %d, want %d", got, MaxTransferTime)
	}
}

// --------------------------------------------------------------------------
// Exposure
// --------------------------------------------------------------------------

func TestRGBExposure600(t *testing.T) {
	tests := []struct {
		name   string
		sensor ma1017.Sensor
		tuned  PowerDelays
		cap    int
		want   Exposure
	}{
		{"floor", ma1017.SensorCanon600, Uniform(61), 3008, Exposure{5376, Uniform(4)}},
		{"nec floor", ma1017.SensorNEC600, Uniform(61), 3008, Exposure{5504, Uniform(6)}},
		{"motor bound", ma1017.SensorCanon600, Uniform(61), 10048, Exposure{10048, Uniform(77)}},
		{"per channel", ma1017.SensorCanon600, PowerDelays{50, 61, 70}, 3008,
			Exposure{5824, PowerDelays{Red: 0, Green: 11, Blue: 20}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RGBExposure600(tt.sensor, 9024, tt.tuned, tt.cap)
			if got != tt.want {
				t.Errorf("RGBExposure600 = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMonoExposure(t *testing.T) {
	got := MonoExposure600(ma1017.SensorCanon600, 9024, 61, 3008, TransferTime(2000, 600))
	want := Exposure{5376, PowerDelays{Red: 84, Green: 4, Blue: 84}}
	if got != want {
		t.Errorf("MonoExposure600 = %+v, want %+v", got, want)
	}

	got = MonoExposure300(ma1017.SensorCanon300, 9024, 100, 2600, TransferTime(2000, 300))
	// light up 2624 sits under the 2688 floor
	want = Exposure{2688, PowerDelays{Red: 42, Green: 1, Blue: 42}}
	if got != want {
		t.Errorf("MonoExposure300 = %+v, want %+v", got, want)
	}
}

func TestRGBExposure300(t *testing.T) {
	got := RGBExposure300(ma1017.SensorCanon300, 9024, Uniform(61), 2600)
	if want := (Exposure{5120, Uniform(0)}); got != want {
		t.Errorf("RGBExposure300(canon300) = %+v, want %+v", got, want)
	}
	got = RGBExposure300(ma1017.SensorCanon600, 9024, Uniform(100), 2600)
	if want := (Exposure{5376, Uniform(43)}); got != want {
		t.Errorf("RGBExposure300(canon600) = %+v, want %+v", got, want)
	}
}
