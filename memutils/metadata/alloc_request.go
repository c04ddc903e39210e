package metadata

// AllocationRequestType is an enum that indicates which end of the arena an allocation was placed
// from. It is returned in AllocationRequest from CreateAllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestFromBegin indicates a small allocation. The free segment was found by walking
	// forward from the start of the arena, and any remainder is left after the allocation.
	AllocationRequestFromBegin AllocationRequestType = iota
	// AllocationRequestFromEnd indicates a large allocation. The free segment was found by walking
	// backward from the end of the arena, and any remainder is left before the allocation.
	AllocationRequestFromEnd
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestFromBegin: "FromBegin",
	AllocationRequestFromEnd:   "FromEnd",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// RequestTypeForUnits returns the placement used for a request of the provided size in units,
// header included
func RequestTypeForUnits(units int) AllocationRequestType {
	if units >= LargeAllocationUnits {
		return AllocationRequestFromEnd
	}
	return AllocationRequestFromBegin
}

// AllocationRequest is a type returned from Arena.CreateAllocationRequest which indicates where the arena
// intends to place new memory. It is committed with Arena.Alloc, which verifies that the free segment it
// names has not changed in the meantime.
type AllocationRequest struct {
	// Segment is the free segment that the allocation will be carved from
	Segment SegmentHandle
	// SegmentUnits is the size of Segment at the time the request was created
	SegmentUnits int
	// Units is the size of the allocation in units, including its header
	Units int
	// Type identifies the scan direction that found Segment, which also decides
	// which side of a split receives the allocation
	Type AllocationRequestType
}
