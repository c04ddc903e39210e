package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

const (
	// FreedFillPattern is written across the payload of every free segment when a heap is created
	// with fuzz-on-free, so that reads of freed memory return obvious garbage and writes to freed
	// memory can be detected later
	FreedFillPattern byte = 0xBD
	// CreatedFillPattern is written across new allocations when built with the debug_init_allocs tag
	CreatedFillPattern byte = 0xDC
)

// FillPattern writes pattern into every byte of data
func FillPattern(data []byte, pattern byte) {
	for i := range data {
		data[i] = pattern
	}
}

// CheckPattern verifies that every byte of data still carries pattern. The returned error
// wraps PatternMismatchError and names the first offset that differs.
func CheckPattern(data []byte, pattern byte) error {
	for i, b := range data {
		if b != pattern {
			return cerrors.Wrapf(PatternMismatchError, "offset %d holds 0x%02X, expected 0x%02X", i, b, pattern)
		}
	}

	return nil
}
