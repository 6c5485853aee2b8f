// Package mathx provides small numeric helpers shared by the instrument packages
package mathx

import "math"

// Round rounds a float to the nearest "unit" (0.1 for tenth, 16 for a
// multiple of sixteen, and so on).  Halves round away from zero.
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}

// Clamp limits x to the closed interval [low, high]
func Clamp(x, low, high float64) float64 {
	if x < low {
		return low
	}
	if x > high {
		return high
	}
	return x
}

// Wrap folds an angle in radians into (-pi, pi]
func Wrap(phase float64) float64 {
	w := math.Mod(phase+math.Pi, 2*math.Pi)
	if w <= 0 {
		w += 2 * math.Pi
	}
	return w - math.Pi
}
