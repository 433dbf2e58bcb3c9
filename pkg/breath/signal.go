// Package breath converts raw frames from the breath peripheral into
// normalized breath values.
//
// The sensor reports pressure as a hex-text integer offset by Range, so the
// wire value sits in [0, 2*Range] with Range itself the resting midpoint.
package breath

import "math"

const (
	// Range is the half-scale of the sensor reading (the wire value of the
	// resting midpoint).
	Range = 2048

	// DefaultDeadZone is the fraction of Range around the neutral point
	// that is reported as exactly zero.
	DefaultDeadZone = 0.025
)

// GATT identifiers of the peripheral's UART-style service. A reading is
// requested by writing BreathRequest to the characteristic; the value
// arrives as a notification frame.
const (
	ServiceUUID        = 0xFFE0
	CharacteristicUUID = 0xFFE1
)

// BreathRequest asks the peripheral for a fresh reading.
var BreathRequest = []byte{'B', '\r'}

// Mean returns the arithmetic mean of samples, or 0 for an empty slice.
func Mean(samples []int) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0
	for _, s := range samples {
		sum += s
	}
	return float64(sum) / float64(len(samples))
}

// Normalize converts a wire-scale reading into [-1, 1]. rng is the device
// half-scale, deadZone the fraction of rng treated as neutral, and offset
// the calibrated neutral offset on the centered scale. Readings inside the
// dead zone map to exactly 0; outside it the dead-zone width is subtracted
// first, which keeps the output continuous at the boundary.
func Normalize(raw, rng int, deadZone float64, offset int) float64 {
	v := float64(raw - rng - offset)
	dz := deadZone * float64(rng)
	if -dz < v && v < dz {
		return 0
	}
	if v > 0 {
		v -= dz
	} else {
		v += dz
	}
	v /= float64(rng) - dz
	return math.Max(-1, math.Min(1, v))
}
