package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/wristos/segheap/memutils"
)

// BlockMetadata represents the bookkeeping for a single contiguous range of memory. It manages
// the segments within the range and can be enumerated and queried for diagnostics.
type BlockMetadata interface {
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks walk every segment
	// and may be expensive. When the implementation is functioning correctly, it should not be possible
	// for this method to return an error, but it is the primary tool for diagnosing a corrupted block.
	Validate() error
	// AllocationCount returns the number of segments that are currently allocated
	AllocationCount() int
	// FreeRegionsCount returns the number of free segments. Adjacent free segments are always merged,
	// so this is also the number of free runs.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes in the block, headers of free segments included
	SumFreeSize() int
	// IsEmpty will return true if this block has no live allocations
	IsEmpty() bool

	// VisitAllSegments will call the provided callback once for each allocated and free segment, in
	// address order. It stops at the first error returned by the callback or by the walk itself.
	VisitAllSegments(handleSegment func(segment Segment) error) error

	// AddDetailedStatistics sums this block's allocation statistics into the statistics currently present
	// in the provided memutils.DetailedStatistics object.
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into the statistics currently present in the
	// provided memutils.Statistics object.
	AddStatistics(stats *memutils.Statistics)

	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json jwriter.ObjectState)
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations in the memutils module.
type BlockMetadataBase struct {
	size int
}

// Init sizes the block in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// BlockJsonData populates a json object with information about this block
func (m *BlockMetadataBase) BlockJsonData(json jwriter.ObjectState, freeBytes, allocationCount, freeSegmentCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("FreeBytes").Int(freeBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("FreeSegments").Int(freeSegmentCount)
}
