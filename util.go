package heaputils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

// CheckPow2 returns an error naming the offending value when number is not
// a power of two.
func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment. The alignment
// must be a power of two.
func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignDown rounds value down to the previous multiple of alignment. The
// alignment must be a power of two.
func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}
