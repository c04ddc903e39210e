package heap

import "strings"

// CreateFlags indicate specific heap behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateFuzzOnFree fills the payload of every free segment with memutils.FreedFillPattern, so that
	// reads of freed memory produce obvious garbage and CheckCorruption can find writes to freed memory
	CreateFuzzOnFree CreateFlags = 1 << iota
	// CreateInstrumentation stores the caller address of the most recent allocation or free in every
	// segment header. Headers grow from 4 to 12 bytes. Dump requires this flag.
	CreateInstrumentation
	// CreateInternallySynchronized guards the heap with its own mutex when no Lock is provided in
	// CreateOptions. Without it, and without a Lock, the consumer must guarantee the heap is used from
	// only one goroutine at a time.
	CreateInternallySynchronized
)

var createFlagsMapping = map[CreateFlags]string{
	CreateFuzzOnFree:             "CreateFuzzOnFree",
	CreateInstrumentation:        "CreateInstrumentation",
	CreateInternallySynchronized: "CreateInternallySynchronized",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for bit := CreateFlags(1); bit != 0 && bit <= f; bit <<= 1 {
		if f&bit == 0 {
			continue
		}

		name, ok := createFlagsMapping[bit]
		if !ok {
			name = "Unknown"
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}
