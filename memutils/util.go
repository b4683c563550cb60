package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// Number is any integer type that sizes, offsets and alignments are expressed in
type Number interface {
	constraints.Integer
}

// CheckPow2 returns an error wrapping PowerOfTwoError if number is not zero and not a power of two.
// The name is used to identify the offending value in the error message.
func CheckPow2[T Number](number T, name string) error {
	if number < 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two. An alignment
// of 0 is treated as 1.
func AlignUp(value int, alignment uint) int {
	if alignment == 0 {
		return value
	}
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignDown rounds value down to the previous multiple of alignment, which must be a power of two
func AlignDown(value int, alignment uint) int {
	if alignment == 0 {
		return value
	}
	return value & int(^(alignment - 1))
}

// IsAligned reports whether value is a multiple of alignment
func IsAligned(value int, alignment uint) bool {
	return AlignDown(value, alignment) == value
}

// MaxAlignment returns the larger of two power-of-two alignments, treating 0 as 1
func MaxAlignment(left, right uint) uint {
	if left < 1 {
		left = 1
	}
	if right > left {
		return right
	}
	return left
}
