package calib

import "github.com/mzyy94/airmustek/internal/ma1017"

// PowerDelays holds one delay per colour channel.
type PowerDelays struct {
	Red   int `json:"red"`
	Green int `json:"green"`
	Blue  int `json:"blue"`
}

// Uniform returns delays with every channel set to v.
func Uniform(v int) PowerDelays { return PowerDelays{v, v, v} }

// Exposure is a CCD exposure width together with the channel delays that
// keep each channel's light-up time at its tuned value.
type Exposure struct {
	Width  int
	Delays PowerDelays
}

// MaxTransferTime caps the pixel transfer time of mono scans.
const MaxTransferTime = 16000

// RoundUp64 rounds v up to a multiple of 64 clocks.
func RoundUp64(v int) int { return (v + 63) / 64 * 64 }

func floor600(s ma1017.Sensor) int {
	if s == ma1017.SensorNEC600 {
		return 5504
	}
	return 5376
}

func floor300(s ma1017.Sensor, mono bool) int {
	if s == ma1017.SensorCanon300600 || s == ma1017.SensorCanon300 {
		if mono {
			return 2688
		}
		return 2624
	}
	return 5376
}

// TransferTime returns the mono pixel transfer time at xDPI for a pixel rate
// given at 600 dpi.
func TransferTime(pixelRate, xDPI int) int {
	return min(pixelRate*xDPI/600, MaxTransferTime)
}

func rgbExposure(floor, expose int, tuned PowerDelays, capability int) Exposure {
	red := expose - tuned.Red*64
	green := expose - tuned.Green*64
	blue := expose - tuned.Blue*64
	ideal := RoundUp64(max(floor, red, green, blue, capability))
	return Exposure{Width: ideal, Delays: PowerDelays{
		Red:   (ideal - red) / 64,
		Green: (ideal - green) / 64,
		Blue:  (ideal - blue) / 64,
	}}
}

func monoExposure(floor, expose, tunedGreen, capability, transfer int) Exposure {
	lightUp := expose - tunedGreen*64
	ideal := RoundUp64(max(floor, lightUp, transfer, capability))
	return Exposure{Width: ideal, Delays: PowerDelays{
		Red:   ideal / 64,
		Green: (ideal - lightUp) / 64,
		Blue:  ideal / 64,
	}}
}

// RGBExposure600 computes the colour exposure on the 600 dpi analog path
// from delays tuned at exposure width expose.
func RGBExposure600(s ma1017.Sensor, expose int, tuned PowerDelays, capability int) Exposure {
	return rgbExposure(floor600(s), expose, tuned, capability)
}

// MonoExposure600 computes the grey exposure on the 600 dpi analog path.
// Only the green channel lights up; red and blue are held dark.
func MonoExposure600(s ma1017.Sensor, expose, tunedGreen, capability, transfer int) Exposure {
	return monoExposure(floor600(s), expose, tunedGreen, capability, transfer)
}

// RGBExposure300 computes the colour exposure on the 300 dpi analog path.
func RGBExposure300(s ma1017.Sensor, expose int, tuned PowerDelays, capability int) Exposure {
	return rgbExposure(floor300(s, false), expose, tuned, capability)
}

// MonoExposure300 computes the grey exposure on the 300 dpi analog path.
func MonoExposure300(s ma1017.Sensor, expose, tunedGreen, capability, transfer int) Exposure {
	return monoExposure(floor300(s, true), expose, tunedGreen, capability, transfer)
}
