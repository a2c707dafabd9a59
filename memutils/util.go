package memutils

import (
	"math"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uintptr
}

// CheckPow2 returns PowerOfTwoError if number is zero or is not a power of two
func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// AlignUpChecked behaves like AlignUp but reports false instead of wrapping when value is too close
// to math.MaxInt to be rounded up. Negative values are rejected as well.
func AlignUpChecked(value int, alignment uint) (int, bool) {
	if value < 0 || value > math.MaxInt-int(alignment)+1 {
		return 0, false
	}
	return AlignUp(value, alignment), true
}

// AddChecked sums its operands, reporting false if the result would exceed math.MaxInt
func AddChecked(values ...int) (int, bool) {
	sum := 0
	for _, value := range values {
		if value < 0 || sum > math.MaxInt-value {
			return 0, false
		}
		sum += value
	}
	return sum, true
}
