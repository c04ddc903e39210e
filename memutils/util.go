package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uintptr
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignAddressUp rounds an address up to the next multiple of alignment, which must be a power of two
func AlignAddressUp(address uintptr, alignment uint) uintptr {
	return (address + uintptr(alignment) - 1) &^ (uintptr(alignment) - 1)
}

// AlignAddressDown rounds an address down to a multiple of alignment, which must be a power of two
func AlignAddressDown(address uintptr, alignment uint) uintptr {
	return address &^ (uintptr(alignment) - 1)
}

// DivideRoundingUp returns the number of whole units of unitSize needed to hold value bytes
func DivideRoundingUp(value int, unitSize int) int {
	return (value + unitSize - 1) / unitSize
}
