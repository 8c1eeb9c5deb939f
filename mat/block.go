package mat

import (
	"math"
)

// BlockMin is the default smallest block of virtual orbitals.
const BlockMin = 4

// Prange splits [start, stop) into consecutive ranges of at most step.
func Prange(start, stop, step int) [][2]int {
	step = max(1, step)
	ranges := make([][2]int, 0, (stop-start+step-1)/step)
	for p0 := start; p0 < stop; p0 += step {
		ranges = append(ranges, [2]int{p0, min(stop, p0+step)})
	}
	return ranges
}

// BlockSize returns min(n, max(floor, available/unit)), where available is a
// number of float64 words and unit is the cost of one orbital in words.
func BlockSize(n, floor int, available, unit float64) int {
	b := floor
	if unit > 0 && available > 0 {
		b = max(floor, int(math.Min(available/unit, float64(n))))
	}
	return max(1, min(n, b))
}

// Words converts megabytes to a number of float64 words.
func Words(mb float64) float64 { return mb * 1e6 / 8 }
