package util

// Propagate spreads every tripped position to its neighbours within
// radius. Position i of the result is on iff some tripped position j
// has |i-j| <= radius. A negative radius counts as zero.
func Propagate(trips []bool, radius int) []bool {
	radius = max(radius, 0)
	out := make([]bool, len(trips))
	for j, tripped := range trips {
		if !tripped {
			continue
		}
		lo := max(j-radius, 0)
		hi := min(j+radius, len(trips)-1)
		for i := lo; i <= hi; i++ {
			out[i] = true
		}
	}
	return out
}

// Clamp limits v to [lo, hi].
func Clamp[T int | int64 | float64](v, lo, hi T) T {
	return min(max(v, lo), hi)
}
