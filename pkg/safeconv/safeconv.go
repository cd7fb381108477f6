// Package safeconv provides integer conversions that clamp instead of
// overflowing.
package safeconv

import "math"

// MaxInt is the maximum value for int type (platform-dependent).
const MaxInt = int(^uint(0) >> 1)

// ClampToInt64 converts uint64 to int64, clamping to math.MaxInt64.
func ClampToInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}

	return int64(v)
}

// ClampToInt converts uint64 to int, clamping to MaxInt.
func ClampToInt(v uint64) int {
	if v > uint64(MaxInt) {
		return MaxInt
	}

	return int(v)
}

// ToUint64 converts int64 to uint64, clamping negative values to zero.
func ToUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}

	return uint64(v)
}
