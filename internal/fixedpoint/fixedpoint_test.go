package fixedpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckUnit(t *testing.T) {
	assert.NoError(t, CheckUnit("v", 0))
	assert.NoError(t, CheckUnit("v", 1000))
	assert.ErrorIs(t, CheckUnit("v", -1), ErrOutOfRange)
	assert.ErrorIs(t, CheckUnit("v", 1001), ErrOutOfRange)
}

func TestMulTruncates(t *testing.T) {
	// 0.8 * 0.9 = 0.72 exactly.
	assert.Equal(t, int64(720), Mul(800, 900))
	// 0.333 * 0.333 = 0.110889 -> truncated to 0.110.
	assert.Equal(t, int64(110), Mul(333, 333))
	// Unit closure at the extremes.
	assert.Equal(t, int64(1000), Mul(1000, 1000))
	assert.Equal(t, int64(0), Mul(0, 1000))
}

func TestFracTruncates(t *testing.T) {
	// 2/3 scaled: 2000/3 = 666, not 667.
	assert.Equal(t, int64(666), Frac(2, 3))
	assert.Equal(t, int64(500), Frac(1, 2))
	assert.Equal(t, int64(1000), Frac(7, 7))
}

func TestConvexBounds(t *testing.T) {
	for alpha := int64(0); alpha <= 1000; alpha += 50 {
		for x := int64(0); x <= 1000; x += 200 {
			for y := int64(0); y <= 1000; y += 200 {
				got := Convex(alpha, x, y)
				assert.GreaterOrEqual(t, got, int64(0))
				assert.LessOrEqual(t, got, int64(1000))
			}
		}
	}
}

func TestConvexKnownValues(t *testing.T) {
	// alpha=0.3, x=1.0, y=0.8 -> 0.3 + 0.56 = 0.86.
	assert.Equal(t, int64(860), Convex(300, 1000, 800))
	// alpha=0 keeps y, alpha=1 keeps x.
	assert.Equal(t, int64(800), Convex(0, 1000, 800))
	assert.Equal(t, int64(1000), Convex(1000, 1000, 800))
}
