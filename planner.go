package blkcache

import "context"

// opKind discriminates a ReadPlanner sub-operation.
type opKind int

const (
	opFromCache opKind = iota
	opFromDevice
)

// subOp is one step of a read plan: either a cached (or bad-sector
// placeholder) range to materialise, or a device range to physically read
// (after which StatusMap and CacheFile are updated and, on MediumError,
// the range is sub-split). status is only meaningful for opFromCache; it
// carries Cached, BadSector or NonScraped through to the materialise step
// so each gets the right treatment without a second StatusMap lookup.
type subOp struct {
	kind   opKind
	status BlockStatus
	blkLo  uint64
	blkHi  uint64 // half-open
}

// clippedBlockRange returns the byte offset and length covering
// [blockLo, blockHi) at blockSize granularity, shortened at deviceSize for
// a trailing block on a device whose size isn't a multiple of blockSize.
func clippedBlockRange(blockSize uint32, deviceSize uint64, blockLo, blockHi uint64) (off, length uint64) {
	off = blockLo * uint64(blockSize)
	length = (blockHi - blockLo) * uint64(blockSize)
	if off+length > deviceSize {
		length = deviceSize - off
	}
	return off, length
}

// planRange decomposes [blockLo, blockHi) into a sequence of subOps
// against the current StatusMap. StatusMap.Range already yields maximal
// runs per status, so the only merging left to do here is capping device
// runs to maxPhysBlocks per physical read.
func planRange(sm *StatusMap, blockLo, blockHi uint64, maxPhysBlocks uint32) []subOp {
	var ops []subOp
	it := sm.Range(blockLo, blockHi)
	for {
		lo, hi, status, ok := it.Next()
		if !ok {
			break
		}

		if status != Unread {
			ops = append(ops, subOp{kind: opFromCache, status: status, blkLo: lo, blkHi: hi})
			continue
		}

		// Split device runs so no single physical read exceeds
		// maxPhysBlocks.
		for lo < hi {
			chunkHi := hi
			if maxPhysBlocks > 0 && chunkHi-lo > uint64(maxPhysBlocks) {
				chunkHi = lo + uint64(maxPhysBlocks)
			}
			ops = append(ops, subOp{kind: opFromDevice, blkLo: lo, blkHi: chunkHi})
			lo = chunkHi
		}
	}
	return ops
}

// subSplitThreshold, scaled by the number of device blocks per block, is
// the block count at or below which the sub-split algorithm linearly
// probes each block instead of recursively halving. Below this
// size the two approaches cost about the same number of physical reads in
// the worst case, and probing is the simpler code path.
const subSplitThreshold = 4

// physReadFunc performs one physical read, already bound to whatever
// serialisation and accounting the caller needs.
type physReadFunc func(ctx context.Context, offset uint64, length uint32) ([]byte, error)

// readDeviceRange performs a physical read over [blkLo, blkHi),
// recovering from MediumError by halving the range and recursing into the
// failing halves until it probes single blocks. Bad ranges are isolated to
// whole blocks of blockSize: a block containing any failing device sector
// is reported bad as a whole. onGood and onBad are called with the
// resulting good/bad block sub-ranges as they are discovered; onGood
// additionally receives the bytes read. deviceSize clips the final read of
// the device's last block to however many bytes actually remain, so a
// trailing partial block is requested and written at its true length
// rather than overrunning the device.
func readDeviceRange(
	ctx context.Context,
	readAt physReadFunc,
	blockSize uint32,
	deviceBlockSize uint32,
	deviceSize uint64,
	blkLo, blkHi uint64,
	onGood func(lo, hi uint64, data []byte) error,
	onBad func(lo, hi uint64),
) error {
	devBlocksPerBlock := uint64(blockSize) / uint64(deviceBlockSize)
	if devBlocksPerBlock == 0 {
		devBlocksPerBlock = 1
	}

	offset, length := clippedBlockRange(blockSize, deviceSize, blkLo, blkHi)

	data, err := readAt(ctx, offset, uint32(length))
	if err == nil {
		return onGood(blkLo, blkHi, data)
	}

	if !IsMediumError(err) {
		return err
	}

	nBlocks := blkHi - blkLo
	if nBlocks <= subSplitThreshold*devBlocksPerBlock {
		return probeBlocks(ctx, readAt, blockSize, deviceSize, blkLo, blkHi, onGood, onBad)
	}

	mid := blkLo + (nBlocks/2/devBlocksPerBlock)*devBlocksPerBlock
	if mid == blkLo || mid == blkHi {
		return probeBlocks(ctx, readAt, blockSize, deviceSize, blkLo, blkHi, onGood, onBad)
	}
	if err := readDeviceRange(ctx, readAt, blockSize, deviceBlockSize, deviceSize, blkLo, mid, onGood, onBad); err != nil {
		return err
	}
	return readDeviceRange(ctx, readAt, blockSize, deviceBlockSize, deviceSize, mid, blkHi, onGood, onBad)
}

// probeBlocks reads each block in [blkLo, blkHi) individually, reporting
// each as good or bad. This is the base case of the sub-split recursion.
func probeBlocks(
	ctx context.Context,
	readAt physReadFunc,
	blockSize uint32,
	deviceSize uint64,
	blkLo, blkHi uint64,
	onGood func(lo, hi uint64, data []byte) error,
	onBad func(lo, hi uint64),
) error {
	for b := blkLo; b < blkHi; b++ {
		offset, length := clippedBlockRange(blockSize, deviceSize, b, b+1)
		data, err := readAt(ctx, offset, uint32(length))
		if err != nil {
			if IsMediumError(err) {
				onBad(b, b+1)
				continue
			}
			return err
		}
		if err := onGood(b, b+1, data); err != nil {
			return err
		}
	}
	return nil
}
