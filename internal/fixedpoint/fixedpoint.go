// Package fixedpoint implements parts-per-thousand integer arithmetic for
// the consensus core. Every ratio the engine computes (trust, agreement,
// variance thresholds) is an int64 scaled by 1000, so results are identical
// across platforms and the rounding of every division is part of the
// observable contract: integer division truncates toward zero.
package fixedpoint

import (
	"errors"
	"fmt"
)

// Scale is the fixed-point denominator: 1000 == 1.0.
const Scale int64 = 1000

// ErrOutOfRange reports a unit-interval input outside [0, Scale].
var ErrOutOfRange = errors.New("fixedpoint: value outside [0,1000]")

// CheckUnit validates that v lies in the unit interval [0, Scale].
// Callers fail fast on violations instead of clamping, so an overflow or a
// miscomputed rate surfaces as an error rather than a silently pinned value.
func CheckUnit(name string, v int64) error {
	if v < 0 || v > Scale {
		return fmt.Errorf("%s=%d: %w", name, v, ErrOutOfRange)
	}
	return nil
}

// Mul multiplies two scaled values, truncating toward zero.
// For unit-interval inputs the result stays in the unit interval.
func Mul(a, b int64) int64 {
	return a * b / Scale
}

// Frac computes num*Scale/den, truncating toward zero. den must be nonzero;
// callers are responsible for surfacing degenerate denominators as their own
// error condition before reaching this point.
func Frac(num, den int64) int64 {
	return num * Scale / den
}

// Convex computes alpha*x + (1-alpha)*y in scaled arithmetic with a single
// truncating division. For x, y, alpha all in [0, Scale] the numerator is at
// most Scale*Scale, so the result is algebraically bounded by Scale without
// any clamping.
func Convex(alpha, x, y int64) int64 {
	return (alpha*x + (Scale-alpha)*y) / Scale
}

// Complement returns Scale-v, the fixed-point (1 - v).
func Complement(v int64) int64 {
	return Scale - v
}
