package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// PatternMismatchError is the error returned from CheckPattern when a byte inside a poisoned range
// no longer carries the fill pattern
var PatternMismatchError error = errors.New("poisoned memory was modified")
