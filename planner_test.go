package blkcache

import (
	"bytes"
	"context"
	"testing"
)

func TestPlanRangeFreshMapIsOneDeviceOp(t *testing.T) {
	sm := NewStatusMap(16*4096, 4096)
	ops := planRange(sm, 0, 16, 256)
	if len(ops) != 1 || ops[0].kind != opFromDevice || ops[0].blkLo != 0 || ops[0].blkHi != 16 {
		t.Fatalf("got %+v, want single FromDevice [0,16)", ops)
	}
}

func TestPlanRangeSplitsByStatus(t *testing.T) {
	sm := NewStatusMap(16*4096, 4096)
	sm.Set(0, 4, Cached)
	sm.Set(4, 5, BadSector)

	ops := planRange(sm, 0, 16, 256)
	want := []subOp{
		{kind: opFromCache, status: Cached, blkLo: 0, blkHi: 4},
		{kind: opFromCache, status: BadSector, blkLo: 4, blkHi: 5},
		{kind: opFromDevice, blkLo: 5, blkHi: 16},
	}
	if len(ops) != len(want) {
		t.Fatalf("got %d ops, want %d: %+v", len(ops), len(want), ops)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("op %d: got %+v, want %+v", i, ops[i], want[i])
		}
	}
}

func TestPlanRangeChunksDeviceReadsByMaxPhysBlocks(t *testing.T) {
	sm := NewStatusMap(10*4096, 4096)
	ops := planRange(sm, 0, 10, 4)

	want := []subOp{
		{kind: opFromDevice, blkLo: 0, blkHi: 4},
		{kind: opFromDevice, blkLo: 4, blkHi: 8},
		{kind: opFromDevice, blkLo: 8, blkHi: 10},
	}
	if len(ops) != len(want) {
		t.Fatalf("got %d ops, want %d: %+v", len(ops), len(want), ops)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("op %d: got %+v, want %+v", i, ops[i], want[i])
		}
	}
}

// fakeReadAt reports a medium error for any read that overlaps one of the
// given bad byte offsets, otherwise returns fill repeated for length.
func fakeReadAt(fill byte, badOffsets map[uint64]bool, blockSize uint32) physReadFunc {
	return func(ctx context.Context, offset uint64, length uint32) ([]byte, error) {
		for b := offset; b < offset+uint64(length); b += uint64(blockSize) {
			if badOffsets[b] {
				return nil, &RawError{Kind: RawErrMedium, Offset: offset, Length: length}
			}
		}
		return bytes.Repeat([]byte{fill}, int(length)), nil
	}
}

func TestReadDeviceRangeSubSplitIsolatesBadBlock(t *testing.T) {
	const blockSize = 4096
	bad := map[uint64]bool{2 * blockSize: true} // block index 2 is bad

	var good [][2]uint64
	var badBlocks [][2]uint64
	readAt := fakeReadAt('X', bad, blockSize)

	err := readDeviceRange(context.Background(), readAt, blockSize, blockSize, 8*blockSize, 0, 8,
		func(lo, hi uint64, data []byte) error {
			good = append(good, [2]uint64{lo, hi})
			return nil
		},
		func(lo, hi uint64) {
			badBlocks = append(badBlocks, [2]uint64{lo, hi})
		},
	)
	if err != nil {
		t.Fatalf("readDeviceRange: %v", err)
	}

	if len(badBlocks) != 1 || badBlocks[0] != [2]uint64{2, 3} {
		t.Fatalf("got bad blocks %+v, want exactly [2,3)", badBlocks)
	}

	var goodBlocks uint64
	for _, g := range good {
		goodBlocks += g[1] - g[0]
	}
	if goodBlocks != 7 {
		t.Fatalf("got %d good blocks reported, want 7", goodBlocks)
	}
}

func TestReadDeviceRangeAllGoodSingleCall(t *testing.T) {
	const blockSize = 4096
	readAt := fakeReadAt('Y', nil, blockSize)

	calls := 0
	wrapped := func(ctx context.Context, offset uint64, length uint32) ([]byte, error) {
		calls++
		return readAt(ctx, offset, length)
	}

	err := readDeviceRange(context.Background(), wrapped, blockSize, blockSize, 4*blockSize, 0, 4,
		func(lo, hi uint64, data []byte) error { return nil },
		func(lo, hi uint64) {},
	)
	if err != nil {
		t.Fatalf("readDeviceRange: %v", err)
	}
	if calls != 1 {
		t.Fatalf("got %d physical reads for an all-good range, want 1", calls)
	}
}

func TestReadDeviceRangePropagatesNonMediumError(t *testing.T) {
	const blockSize = 4096
	readAt := func(ctx context.Context, offset uint64, length uint32) ([]byte, error) {
		return nil, &RawError{Kind: RawErrClosed}
	}

	err := readDeviceRange(context.Background(), readAt, blockSize, blockSize, 4*blockSize, 0, 4,
		func(lo, hi uint64, data []byte) error { return nil },
		func(lo, hi uint64) {},
	)
	if !IsDeviceClosed(err) {
		t.Fatalf("got %v, want a RawErrClosed error surfaced unchanged", err)
	}
}

func TestClippedBlockRangeShortensTrailingBlock(t *testing.T) {
	const blockSize = 4096
	const deviceSize = 10000 // last block only has 1808 bytes

	off, length := clippedBlockRange(blockSize, deviceSize, 2, 3)
	if off != 8192 || length != 1808 {
		t.Fatalf("got off=%d length=%d, want off=8192 length=1808", off, length)
	}

	off, length = clippedBlockRange(blockSize, deviceSize, 0, 2)
	if off != 0 || length != 8192 {
		t.Fatalf("a fully in-bounds range should not be clipped: got off=%d length=%d", off, length)
	}
}

func TestReadDeviceRangeRequestsExactTailLength(t *testing.T) {
	const blockSize = 4096
	const deviceSize = 10000

	var gotOffset uint64
	var gotLength uint32
	readAt := func(ctx context.Context, offset uint64, length uint32) ([]byte, error) {
		gotOffset, gotLength = offset, length
		return bytes.Repeat([]byte{'Z'}, int(length)), nil
	}

	err := readDeviceRange(context.Background(), readAt, blockSize, blockSize, deviceSize, 2, 3,
		func(lo, hi uint64, data []byte) error { return nil },
		func(lo, hi uint64) {},
	)
	if err != nil {
		t.Fatalf("readDeviceRange: %v", err)
	}
	if gotOffset != 8192 || gotLength != 1808 {
		t.Fatalf("got physical read offset=%d length=%d, want offset=8192 length=1808", gotOffset, gotLength)
	}
}
