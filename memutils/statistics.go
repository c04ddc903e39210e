package memutils

import "math"

// Statistics is a cheap summary of one or more arenas that can be read from running counters
// without walking any segments
type Statistics struct {
	ArenaCount      int
	ArenaBytes      int
	AllocationCount int
	// AllocationBytes includes the headers of allocated segments
	AllocationBytes int
}

func (s *Statistics) Clear() {
	*s = Statistics{}
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.ArenaCount += other.ArenaCount
	s.ArenaBytes += other.ArenaBytes
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
}

// DetailedStatistics extends Statistics with the free segments and the size range of both kinds of
// segment. It is filled by walking every segment, so every size includes the segment header.
type DetailedStatistics struct {
	Statistics
	FreeCount int
	FreeBytes int

	AllocationSizeMin int
	AllocationSizeMax int
	FreeSizeMin       int
	FreeSizeMax       int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeCount = 0
	s.FreeBytes = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.FreeSizeMin = math.MaxInt
	s.FreeSizeMax = 0
}

// AddSegment records one segment of size bytes
func (s *DetailedStatistics) AddSegment(size int, allocated bool) {
	if allocated {
		s.AddAllocation(size)
	} else {
		s.AddFreeSegment(size)
	}
}

func (s *DetailedStatistics) AddFreeSegment(size int) {
	s.FreeCount++
	s.FreeBytes += size

	if size < s.FreeSizeMin {
		s.FreeSizeMin = size
	}

	if size > s.FreeSizeMax {
		s.FreeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

// LargestFree is the size of the largest free segment recorded, or 0 when there were none
func (s *DetailedStatistics) LargestFree() int {
	if s.FreeCount == 0 {
		return 0
	}
	return s.FreeSizeMax
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeCount += other.FreeCount
	s.FreeBytes += other.FreeBytes

	if other.FreeSizeMin < s.FreeSizeMin {
		s.FreeSizeMin = other.FreeSizeMin
	}

	if other.FreeSizeMax > s.FreeSizeMax {
		s.FreeSizeMax = other.FreeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
