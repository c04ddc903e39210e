package heap

import (
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/wristos/segheap/memutils"
	"github.com/wristos/segheap/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Totals is the result of a single walk over every segment in the heap. All sizes include headers.
type Totals struct {
	Used        int
	Free        int
	LargestFree int
}

// CalcTotals walks the heap once, summing allocated and free bytes and finding the largest free segment
func (h *Heap) CalcTotals() Totals {
	var stats memutils.DetailedStatistics
	stats.Clear()

	h.lock.Lock()
	err := h.arena.VisitAllSegments(func(segment metadata.Segment) error {
		stats.AddSegment(segment.Size, segment.Allocated)
		return nil
	})
	h.lock.Unlock()

	if err != nil {
		h.dispatchFault(h.corruptionFault(h.begin, err))
	}

	return Totals{
		Used:        stats.AllocationBytes,
		Free:        stats.FreeBytes,
		LargestFree: stats.LargestFree(),
	}
}

// Validate performs a full consistency check of the heap: every header is walked in both directions,
// and the allocated bytes found are compared against the running usage counter
func (h *Heap) Validate() error {
	h.lock.Lock()
	defer h.lock.Unlock()

	err := h.arena.Validate()
	if err != nil {
		return err
	}

	var stats memutils.DetailedStatistics
	stats.Clear()
	err = h.arena.VisitAllSegments(func(segment metadata.Segment) error {
		stats.AddSegment(segment.Size, segment.Allocated)
		return nil
	})
	if err != nil {
		return err
	}

	if stats.AllocationBytes != h.currentSize {
		return errors.Newf("the heap records %d bytes in use, but the allocated segments add up to %d", h.currentSize, stats.AllocationBytes)
	}
	if h.currentSize > h.highWaterMark {
		return errors.Newf("the heap records %d bytes in use, above its high water mark of %d", h.currentSize, h.highWaterMark)
	}

	return nil
}

// CheckCorruption verifies that the payload of every free segment still carries the pattern written
// when it was freed. It only has work to do when the heap was created with CreateFuzzOnFree. A
// mismatch means something wrote through a pointer after freeing it.
func (h *Heap) CheckCorruption() error {
	if !h.fuzzOnFree() {
		return nil
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	return h.arena.VisitAllSegments(func(segment metadata.Segment) error {
		if segment.Allocated {
			return nil
		}

		err := memutils.CheckPattern(h.memory[segment.PayloadOffset:segment.Offset+segment.Size], memutils.FreedFillPattern)
		if err != nil {
			return errors.Wrapf(err, "free segment at %s", h.begin+Addr(segment.PayloadOffset))
		}
		return nil
	})
}

// AddStatistics sums this heap's allocation statistics into the provided memutils.Statistics object
func (h *Heap) AddStatistics(stats *memutils.Statistics) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.arena.AddStatistics(stats)
}

// AddDetailedStatistics sums this heap's allocation statistics into the provided
// memutils.DetailedStatistics object
func (h *Heap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.arena.AddDetailedStatistics(stats)
}

// Dump writes one line per segment followed by a summary of the heap. The format is read by offline
// analysis tools and must not change:
//
//	PC:0x08004A1C Addr:0x20000004 Bytes:20
//	PC:0x00000000 Addr:0x20000018 Bytes:4076     FREE
//	Heap start 0x20000000
//	...
//
// Dump requires CreateInstrumentation.
func (h *Heap) Dump(w io.Writer) error {
	if !h.arena.Instrumented() {
		return ErrInstrumentationDisabled
	}

	var segments []metadata.Segment
	var stats memutils.DetailedStatistics
	stats.Clear()

	h.lock.Lock()
	err := h.arena.VisitAllSegments(func(segment metadata.Segment) error {
		segments = append(segments, segment)
		stats.AddSegment(segment.Size, segment.Allocated)
		return nil
	})
	currentSize := h.currentSize
	highWaterMark := h.highWaterMark
	h.lock.Unlock()

	if err != nil {
		return errors.Wrap(err, "failed to walk heap")
	}

	for _, segment := range segments {
		state := "FREE"
		if segment.Allocated {
			state = ""
		}

		_, err = fmt.Fprintf(w, "PC:0x%08X Addr:0x%08X Bytes:%-8d %s\n",
			segment.PC, uintptr(h.begin)+uintptr(segment.PayloadOffset), segment.Size, state)
		if err != nil {
			return err
		}
	}

	_, err = fmt.Fprintf(w,
		"Heap start %s\n"+
			"Heap end %s\n"+
			"Heap total size %d\n"+
			"Heap allocated %d\n"+
			"Heap high water mark %d\n"+
			"Heap free %d bytes in %d blocks\n"+
			"Heap allocated %d bytes in %d blocks\n"+
			"Heap largest free block %d\n",
		h.begin, h.end, h.Size(), currentSize, highWaterMark,
		stats.FreeBytes, stats.FreeCount,
		stats.AllocationBytes, stats.AllocationCount,
		stats.LargestFree(),
	)
	return err
}

// BuildStatsString returns a json document describing the heap. When detailed is true, every
// segment is listed.
func (h *Heap) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()

	h.lock.Lock()
	defer h.lock.Unlock()

	obj := writer.Object()

	obj.Name("Begin").String(h.begin.String())
	obj.Name("End").String(h.end.String())
	obj.Name("Flags").String(h.flags.String())
	obj.Name("CurrentSize").Int(h.currentSize)
	obj.Name("HighWaterMark").Int(h.highWaterMark)
	obj.Name("MinimumHeadroom").Int(h.arena.Size() - h.highWaterMark)

	var stats memutils.DetailedStatistics
	stats.Clear()
	h.arena.AddDetailedStatistics(&stats)

	totalObj := obj.Name("Total").Object()
	printStatistics(&totalObj, &stats)
	totalObj.End()

	if detailed {
		arenaObj := obj.Name("Arena").Object()
		h.printDetailedMap(h.arena, arenaObj)
		arenaObj.End()
	}

	obj.End()

	return string(writer.Bytes())
}

func printStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("ArenaCount").Int(stats.ArenaCount)
	json.Name("ArenaBytes").Int(stats.ArenaBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("FreeCount").Int(stats.FreeCount)
	json.Name("FreeBytes").Int(stats.FreeBytes)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}

	if stats.FreeCount > 0 {
		json.Name("FreeSizeMin").Int(stats.FreeSizeMin)
		json.Name("FreeSizeMax").Int(stats.FreeSizeMax)
	}
}

func (h *Heap) printDetailedMap(md metadata.BlockMetadata, json jwriter.ObjectState) {
	md.BlockJsonData(json)

	arrayState := json.Name("Segments").Array()
	defer arrayState.End()

	_ = md.VisitAllSegments(func(segment metadata.Segment) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(segment.Offset)
		obj.Name("Addr").String((h.begin + Addr(segment.PayloadOffset)).String())
		obj.Name("Size").Int(segment.Size)
		if segment.Allocated {
			obj.Name("Type").String("ALLOCATED")
		} else {
			obj.Name("Type").String("FREE")
		}

		if segment.PC != 0 {
			obj.Name("PC").String(fmt.Sprintf("0x%08X", segment.PC))
		}

		return nil
	})
}

// DebugLogAllAllocations calls logFunc with the heap's logger once for every live allocation
func (h *Heap) DebugLogAllAllocations(logFunc func(log *slog.Logger, ptr Addr, size int, pc uintptr)) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.arena.DebugLogAllAllocations(h.logger, func(log *slog.Logger, segment metadata.Segment) {
		logFunc(log, h.begin+Addr(segment.PayloadOffset), segment.Size, segment.PC)
	})
}
