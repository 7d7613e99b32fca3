package blkcache

import (
	"fmt"
	"os"

	"github.com/boljen/go-bitmap"
	"golang.org/x/sys/unix"
)

// CacheFile is the sparse, block-aligned backing store of cached sector
// bytes, mmap'd into memory for direct byte-range access. One CacheFile
// per cached device, sized to the device.
//
// All addresses passed to CacheFile are block-aligned; sub-block partials
// are the ReadPlanner's problem. The one exception is the device's final
// block when its size isn't a multiple of blockSize: that block is
// shorter than blockSize both in the underlying mapping and in every
// Read/Write call that touches it.
type CacheFile struct {
	file      *os.File
	mmap      []byte
	blockSize uint32
	size      uint64 // device size in bytes == len(mmap)
	numBlocks uint64

	// dirty tracks, one bit per block, which blocks have been written
	// since the last successful checkpoint. Persistence uses it to msync
	// only the ranges that actually changed rather than the whole
	// mapping, the same bitmap-driven dirty tracking
	// dargueta-disko/drivers/common/blockcache uses to decide which
	// blocks need flushing.
	dirty bitmap.Bitmap
}

// OpenCacheFile opens (creating if necessary) a sparse file of length
// deviceSize at path and mmaps it. If the file pre-exists and is shorter
// than deviceSize, it fails with *CacheSizeMismatchError.
func OpenCacheFile(path string, deviceSize uint64, blockSize uint32) (*CacheFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &IOError{Op: "open cache file", Err: err}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &IOError{Op: "stat cache file", Err: err}
	}
	if info.Size() == 0 {
		if err := f.Truncate(int64(deviceSize)); err != nil {
			f.Close()
			return nil, &IOError{Op: "truncate cache file", Err: err}
		}
	} else if uint64(info.Size()) < deviceSize {
		f.Close()
		return nil, &CacheSizeMismatchError{Path: path, Got: uint64(info.Size()), Expected: deviceSize}
	}

	var mm []byte
	if deviceSize > 0 {
		mm, err = unix.Mmap(int(f.Fd()), 0, int(deviceSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			return nil, &IOError{Op: "mmap cache file", Err: err}
		}
	}

	numBlocks := ceilDiv(deviceSize, uint64(blockSize))
	return &CacheFile{
		file:      f,
		mmap:      mm,
		blockSize: blockSize,
		size:      deviceSize,
		numBlocks: numBlocks,
		dirty:     bitmap.NewSlice(int(numBlocks)),
	}, nil
}

// Read returns nblocks*blockSize bytes starting at block, clipped to
// whatever actually remains if this range reaches the device's last
// block and the device size isn't block-aligned. The caller is
// responsible for having verified block status first; CacheFile does not
// interpret status, it only moves bytes.
func (cf *CacheFile) Read(block, nblocks uint64) []byte {
	off := block * uint64(cf.blockSize)
	length := nblocks * uint64(cf.blockSize)
	if off+length > cf.size {
		length = cf.size - off
	}
	out := make([]byte, length)
	copy(out, cf.mmap[off:off+length])
	return out
}

// Write copies data into the mapping starting at block, marks the
// affected blocks dirty, and issues an async msync over the written page
// range. data's length must be a positive multiple of blockSize, except
// for a write that reaches exactly cf.size: the device's last block is
// shorter than blockSize whenever the device size isn't block-aligned,
// and that one write is the only way its bytes ever reach the mapping.
func (cf *CacheFile) Write(block uint64, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("blkcache: cache file write length %d is not a positive multiple of block size %d", len(data), cf.blockSize)
	}
	off := block * uint64(cf.blockSize)
	if off >= cf.size {
		return fmt.Errorf("blkcache: cache file write at block %d starts at or beyond device size", block)
	}
	remaining := cf.size - off
	if uint64(len(data)) > remaining {
		return fmt.Errorf("blkcache: cache file write at block %d length %d exceeds device size", block, len(data))
	}
	if uint64(len(data)) != remaining && uint64(len(data))%uint64(cf.blockSize) != 0 {
		return fmt.Errorf("blkcache: cache file write length %d is not a positive multiple of block size %d", len(data), cf.blockSize)
	}

	copy(cf.mmap[off:off+uint64(len(data))], data)

	nblocks := ceilDiv(uint64(len(data)), uint64(cf.blockSize))
	for b := block; b < block+nblocks; b++ {
		cf.dirty.Set(int(b), true)
	}

	if err := cf.msyncRange(off, uint64(len(data)), unix.MS_ASYNC); err != nil {
		return &IOError{Op: "msync (async)", Err: err}
	}
	return nil
}

// msyncRange issues msync over the page-aligned span covering
// [offset, offset+length).
func (cf *CacheFile) msyncRange(offset, length uint64, flags int) error {
	if len(cf.mmap) == 0 {
		return nil
	}
	pageSize := uint64(os.Getpagesize())
	start := (offset / pageSize) * pageSize
	end := offset + length
	if end > uint64(len(cf.mmap)) {
		end = uint64(len(cf.mmap))
	}
	if start >= end {
		return nil
	}
	return unix.Msync(cf.mmap[start:end], flags)
}

// dirtyBlockRuns returns the coalesced [lo, hi) block ranges currently
// marked dirty, so Persistence can msync exactly what changed since the
// last checkpoint.
func (cf *CacheFile) dirtyBlockRuns() [][2]uint64 {
	var runs [][2]uint64
	numBlocks := int(cf.numBlocks)
	var runStart int = -1
	for b := 0; b < numBlocks; b++ {
		if cf.dirty.Get(b) {
			if runStart < 0 {
				runStart = b
			}
			continue
		}
		if runStart >= 0 {
			runs = append(runs, [2]uint64{uint64(runStart), uint64(b)})
			runStart = -1
		}
	}
	if runStart >= 0 {
		runs = append(runs, [2]uint64{uint64(runStart), uint64(numBlocks)})
	}
	return runs
}

// clearDirty clears the dirty bit for every block in [lo, hi).
func (cf *CacheFile) clearDirty(lo, hi uint64) {
	for b := lo; b < hi; b++ {
		cf.dirty.Set(int(b), false)
	}
}

// Sync forces a synchronous msync over every dirty range and clears the
// dirty bitmap on success.
func (cf *CacheFile) Sync() error {
	runs := cf.dirtyBlockRuns()
	for _, run := range runs {
		off := run[0] * uint64(cf.blockSize)
		length := (run[1] - run[0]) * uint64(cf.blockSize)
		if err := cf.msyncRange(off, length, unix.MS_SYNC); err != nil {
			return &IOError{Op: "msync (sync)", Err: err}
		}
	}
	for _, run := range runs {
		cf.clearDirty(run[0], run[1])
	}
	return nil
}

// Close unmaps and closes the underlying file.
func (cf *CacheFile) Close() error {
	var errs []error
	if cf.mmap != nil {
		if err := unix.Munmap(cf.mmap); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}
		cf.mmap = nil
	}
	if err := cf.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if len(errs) == 0 {
		return nil
	}
	return joinErrors(errs)
}
