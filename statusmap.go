package blkcache

import "sort"

// transition is a single (offset, status-char) record. The StatusMap is the
// ordered, coalesced sequence of these covering [0, deviceSize): the first
// transition's offset is always 0, and no two adjacent transitions ever
// carry the same status char (otherwise they'd just be one longer run).
type transition struct {
	offset uint64
	status byte
}

// StatusMap is the run-length encoded map of per-block status. It is a flat
// sorted slice rather than a tree: point lookup is O(log n) via
// sort.Search, and every range update rebuilds the slice (copy-on-write),
// so an update costs O(n) in the number of transitions rather than
// amortised O(log n).
//
// StatusMap is not safe for concurrent use by itself; CacheEngine holds a
// single mutex around all StatusMap mutation.
type StatusMap struct {
	deviceSize  uint64
	blockSize   uint32
	transitions []transition

	currentPos uint64 // greatest offset ever attempted, for the mapfile header
}

// NewStatusMap returns a fresh StatusMap covering [0, deviceSize) with a
// single Unread transition, as spec'd for a cache with no prior mapfile.
func NewStatusMap(deviceSize uint64, blockSize uint32) *StatusMap {
	return &StatusMap{
		deviceSize:  deviceSize,
		blockSize:   blockSize,
		transitions: []transition{{offset: 0, status: charUnread}},
	}
}

// floorIndex returns the index of the transition with the greatest offset
// <= off. transitions[0].offset == 0 always holds, so the result is never
// negative.
func (sm *StatusMap) floorIndex(off uint64) int {
	i := sort.Search(len(sm.transitions), func(i int) bool {
		return sm.transitions[i].offset > off
	})
	return i - 1
}

// StatusAt returns the folded status of block. Behaviour is undefined for
// blocks outside [0, deviceSize/blockSize).
func (sm *StatusMap) StatusAt(block uint64) BlockStatus {
	idx := sm.floorIndex(block * uint64(sm.blockSize))
	st, err := classify(sm.transitions[idx].status)
	if err != nil {
		// classify only fails for bytes outside the known alphabet, which
		// Set and Load both guard against; reaching this would be a bug
		// in one of those, not a caller error.
		return Unread
	}
	return st
}

// CharAt returns the raw ddrescue character covering block, preserving
// whatever a foreign mapfile wrote there even if it folds to NonScraped.
func (sm *StatusMap) CharAt(block uint64) byte {
	idx := sm.floorIndex(block * uint64(sm.blockSize))
	return sm.transitions[idx].status
}

// Set overwrites the half-open block range [blockLo, blockHi) with status,
// then coalesces with neighbours so no two adjacent transitions ever end
// up sharing a status. The whole transitions slice is copied on every
// call, so the cost is O(n) in the number of transitions.
func (sm *StatusMap) Set(blockLo, blockHi uint64, status BlockStatus) {
	sm.setChar(blockLo, blockHi, canonicalChar(status))
}

// setChar is Set's implementation, parameterised on the raw character so
// mapfile loading can reuse it to install statuses it doesn't itself fold
// (e.g. '*' or '/').
func (sm *StatusMap) setChar(blockLo, blockHi uint64, ch byte) {
	lo := blockLo * uint64(sm.blockSize)
	hi := blockHi * uint64(sm.blockSize)
	if hi > sm.deviceSize {
		hi = sm.deviceSize
	}
	if hi <= lo {
		return
	}

	// cutStart/cutEnd bound the run of existing transitions fully inside
	// [lo, hi); they are spliced out and replaced below.
	cutStart := sort.Search(len(sm.transitions), func(i int) bool {
		return sm.transitions[i].offset >= lo
	})
	cutEnd := sort.Search(len(sm.transitions), func(i int) bool {
		return sm.transitions[i].offset >= hi
	})

	var predStatus byte
	havePred := cutStart > 0
	if havePred {
		predStatus = sm.transitions[cutStart-1].status
	}

	haveAfter := hi < sm.deviceSize
	var afterStatus byte
	if haveAfter {
		afterStatus = sm.transitions[sm.floorIndex(hi)].status
	}

	// An existing transition exactly at hi already marks where the run
	// after [lo, hi) begins; if it carries ch it is dropped so the new run
	// absorbs it.
	tailStart := cutEnd
	atHi := cutEnd < len(sm.transitions) && sm.transitions[cutEnd].offset == hi
	if atHi && sm.transitions[cutEnd].status == ch {
		tailStart++
	}

	newEntries := make([]transition, 0, 2)
	if !havePred || predStatus != ch {
		newEntries = append(newEntries, transition{offset: lo, status: ch})
	}
	if haveAfter && !atHi && afterStatus != ch {
		newEntries = append(newEntries, transition{offset: hi, status: afterStatus})
	}

	tail := make([]transition, len(sm.transitions)-tailStart)
	copy(tail, sm.transitions[tailStart:])

	merged := make([]transition, 0, cutStart+len(newEntries)+len(tail))
	merged = append(merged, sm.transitions[:cutStart]...)
	merged = append(merged, newEntries...)
	merged = append(merged, tail...)
	sm.transitions = merged
}

// RangeIter yields maximal (blockLo, blockHi, status) runs in ascending
// order over a half-open block range. It is lazy, finite and
// non-restartable.
type RangeIter struct {
	sm  *StatusMap
	idx int
	cur uint64
	end uint64
}

// Range returns an iterator over [blockLo, blockHi).
func (sm *StatusMap) Range(blockLo, blockHi uint64) *RangeIter {
	return &RangeIter{
		sm:  sm,
		idx: sm.floorIndex(blockLo * uint64(sm.blockSize)),
		cur: blockLo,
		end: blockHi,
	}
}

// Next returns the next run, or ok == false once the range is exhausted.
func (it *RangeIter) Next() (lo, hi uint64, status BlockStatus, ok bool) {
	if it.cur >= it.end {
		return 0, 0, 0, false
	}
	blockSize := uint64(it.sm.blockSize)
	st, err := classify(it.sm.transitions[it.idx].status)
	if err != nil {
		st = Unread
	}
	lo = it.cur

	runEnd := it.end
	for it.idx+1 < len(it.sm.transitions) {
		nextBlock := it.sm.transitions[it.idx+1].offset / blockSize
		if nextBlock <= it.cur {
			// A foreign, sub-block-aligned transition landed inside the
			// block we're currently on: fold it in and keep looking for
			// the true run boundary.
			it.idx++
			continue
		}
		if nextBlock < runEnd {
			runEnd = nextBlock
		}
		break
	}

	hi = runEnd
	it.cur = hi
	for it.idx+1 < len(it.sm.transitions) && it.sm.transitions[it.idx+1].offset/blockSize <= it.cur {
		it.idx++
	}
	return lo, hi, st, true
}

// SetCurrentPos records the greatest offset ever attempted, mirroring
// ddrescue's own current_pos semantics for the mapfile header.
func (sm *StatusMap) SetCurrentPos(offset uint64) {
	if offset > sm.currentPos {
		sm.currentPos = offset
	}
}

// CurrentPos returns the greatest offset ever attempted.
func (sm *StatusMap) CurrentPos() uint64 {
	return sm.currentPos
}

// DeviceSize returns the device size this StatusMap was built for.
func (sm *StatusMap) DeviceSize() uint64 {
	return sm.deviceSize
}

// BlockSize returns the block size this StatusMap quantises on.
func (sm *StatusMap) BlockSize() uint32 {
	return sm.blockSize
}
