package blkcache

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/oxtoacart/bpool"
)

// CacheEngine is the public façade binding StatusMap, CacheFile, RawDevice
// and ReadPlanner together. It serialises StatusMap mutation and exposes
// Read/Flush/Close as the only externally-facing data path.
type CacheEngine struct {
	raw      RawDevice
	mapPath  string
	opts     EngineOptions
	deviceSz uint64

	mu       sync.Mutex // guards sm, inflight, deviceGone, checkpoint bookkeeping
	sm       *StatusMap
	inflight inflightTable
	comments []string
	meta     map[string]string

	// devMu is deliberately a second mutex, not folded into mu: a physical
	// read can take a long time against a slow or failing device, and
	// holding mu for that long would stall every other goroutine's
	// StatusMap lookups and inflight-table bookkeeping. devMu only ever
	// guards the RawDevice.ReadAt call itself.
	devMu sync.Mutex

	cf   *CacheFile
	lock *sessionLock

	pool *bpool.BytePool
	zero []byte

	stats  engineStats
	logger *slog.Logger

	closed     bool
	deviceGone bool

	bytesSinceCheckpoint uint64
	lastCheckpoint       time.Time
}

// Open validates sizes, loads or creates the StatusMap/CacheFile pair, and
// acquires the exclusive session lock on mapPath. The pair is created
// atomically on first open: either both cachePath and mapPath exist
// consistently afterward, or Open returns an error and leaves neither
// behind half-written.
func Open(raw RawDevice, cachePath, mapPath string, opts EngineOptions) (*CacheEngine, error) {
	opts = opts.withDefaults()
	if opts.BlockSize%raw.BlockSize() != 0 {
		return nil, &CacheSizeMismatchError{Path: cachePath, Got: uint64(opts.BlockSize), Expected: uint64(raw.BlockSize())}
	}

	lock, err := acquireSessionLock(mapPath + ".lock")
	if err != nil {
		return nil, err
	}

	deviceSize := raw.Size()

	sm, comments, err := LoadStatusMap(mapPath, deviceSize, opts.BlockSize)
	if err != nil {
		lock.release()
		return nil, err
	}

	meta, passthrough := parseMapfileMeta(comments)
	if err := verifyOrRecordBlockSize(mapPath, meta, opts.BlockSize); err != nil {
		lock.release()
		return nil, err
	}

	_, statErr := os.Stat(cachePath)
	cacheCreated := os.IsNotExist(statErr)

	cf, err := OpenCacheFile(cachePath, deviceSize, opts.BlockSize)
	if err != nil {
		if cacheCreated {
			os.Remove(cachePath)
		}
		lock.release()
		return nil, err
	}

	pool := bpool.NewBytePool(32, int(opts.BlockSize))
	zero := pool.Get()
	for i := range zero {
		zero[i] = 0
	}

	e := &CacheEngine{
		raw:      raw,
		mapPath:  mapPath,
		opts:     opts,
		deviceSz: deviceSize,
		sm:       sm,
		comments: passthrough,
		meta:     meta,
		cf:       cf,
		lock:     lock,
		pool:     pool,
		zero:     zero,
		logger:   slog.Default(),
	}
	e.lastCheckpoint = time.Now()

	// Persist block_size metadata (and any passthrough comments) on every
	// open, including the first open of a fresh pair, so a future Open can
	// detect a mismatch.
	if err := e.checkpointLocked(); err != nil {
		cf.Close()
		if cacheCreated {
			os.Remove(cachePath)
		}
		lock.release()
		return nil, err
	}

	return e, nil
}

// Read is the only externally-facing data path. offset+length must not
// exceed the device size. No alignment is required of the caller.
func (e *CacheEngine) Read(ctx context.Context, offset uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	if offset+uint64(length) > e.deviceSz {
		return nil, ErrOutOfRange
	}

	blockSize := uint64(e.opts.BlockSize)
	blockLo := offset / blockSize
	blockHi := ceilDiv(offset+uint64(length), blockSize)

	retried := false
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return nil, ErrClosed
		}
		if e.deviceGone {
			e.mu.Unlock()
			return nil, &DeviceGoneError{Offset: offset, Length: length}
		}

		e.sm.SetCurrentPos(offset + uint64(length))

		if overlap := e.inflight.overlapping(blockLo, blockHi); overlap != nil {
			e.mu.Unlock()
			select {
			case <-overlap.done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		// Bad sectors are retried once per Read call; a block that fails
		// again keeps its BadSector status for the re-plan that follows.
		if e.opts.RetryBad && !retried {
			e.resetBadSectorsLocked(blockLo, blockHi)
			retried = true
		}

		ops := planRange(e.sm, blockLo, blockHi, e.opts.MaxPhysReadBlocks)

		var claims []*inflightRange
		var deviceOps []subOp
		for _, op := range ops {
			if op.kind == opFromDevice {
				claims = append(claims, e.inflight.claim(op.blkLo, op.blkHi))
				deviceOps = append(deviceOps, op)
			}
		}
		e.mu.Unlock()

		if len(deviceOps) == 0 {
			return e.materialize(offset, length, blockLo, blockHi, ops)
		}

		runErr := e.runDeviceOps(ctx, deviceOps)

		e.mu.Lock()
		for _, c := range claims {
			e.inflight.release(c)
		}
		checkpointDue := e.checkpointDueLocked()
		e.mu.Unlock()

		if runErr != nil {
			if IsDeviceClosed(runErr) {
				e.mu.Lock()
				e.deviceGone = true
				e.mu.Unlock()
				return nil, &DeviceGoneError{Offset: offset, Length: length}
			}
			return nil, runErr
		}

		if checkpointDue {
			if err := e.Flush(); err != nil {
				return nil, err
			}
		}
		// loop: re-plan now that the device ops committed Cached/BadSector.
	}
}

// resetBadSectorsLocked converts every BadSector/NonScraped run inside
// [blockLo, blockHi) back to Unread so the next planRange call issues a
// fresh physical read for it. Runs are collected before mutating, since
// StatusMap.Set replaces the transitions slice out from under a
// concurrently walked RangeIter.
func (e *CacheEngine) resetBadSectorsLocked(blockLo, blockHi uint64) {
	it := e.sm.Range(blockLo, blockHi)
	var toReset [][2]uint64
	for {
		lo, hi, status, ok := it.Next()
		if !ok {
			break
		}
		if status == BadSector || status == NonScraped {
			toReset = append(toReset, [2]uint64{lo, hi})
		}
	}
	for _, r := range toReset {
		e.sm.Set(r[0], r[1], Unread)
	}
}

// materialize assembles the final result buffer: a block-aligned scratch
// region covering [blockLo, blockHi) is filled from CacheFile or the
// bad-sector placeholder, then sliced to the caller's exact byte range.
// Scratch is always sized in whole blocks even when the device's last
// block is short; the unused tail past the device's true end is never
// touched by a real sub-op and never reachable through the final slice,
// since offset+length was already bounds-checked against deviceSz.
func (e *CacheEngine) materialize(offset uint64, length uint32, blockLo, blockHi uint64, ops []subOp) ([]byte, error) {
	blockSize := uint64(e.opts.BlockSize)
	scratch := make([]byte, (blockHi-blockLo)*blockSize)

	for _, op := range ops {
		relLo := (op.blkLo - blockLo) * blockSize
		relHi := (op.blkHi - blockLo) * blockSize

		switch op.status {
		case Cached:
			// data may be shorter than relHi-relLo for the device's last
			// block; copy only fills what's there, leaving the rest of
			// scratch (unreachable padding) zeroed.
			data := e.cf.Read(op.blkLo, op.blkHi-op.blkLo)
			copy(scratch[relLo:relHi], data)
			e.stats.recordHit()
		default: // BadSector, NonScraped
			if e.opts.BadSectorPolicy == PolicyError {
				_, errLen := clippedBlockRange(e.opts.BlockSize, e.deviceSz, op.blkLo, op.blkHi)
				return nil, &DataUnavailableError{Offset: op.blkLo * blockSize, Length: uint32(errLen)}
			}
			for b := op.blkLo; b < op.blkHi; b++ {
				rlo := (b - blockLo) * blockSize
				copy(scratch[rlo:rlo+blockSize], e.zero)
			}
		}
	}

	innerOff := offset - blockLo*blockSize
	result := make([]byte, length)
	copy(result, scratch[innerOff:innerOff+uint64(length)])
	return result, nil
}

// deviceReadAt serialises one physical read against devMu and records it
// in stats regardless of outcome.
func (e *CacheEngine) deviceReadAt(ctx context.Context, offset uint64, length uint32) ([]byte, error) {
	e.devMu.Lock()
	defer e.devMu.Unlock()
	e.stats.recordPhysicalRead()
	return e.raw.ReadAt(ctx, offset, length)
}

// runDeviceOps executes every FromDevice sub-op (each possibly sub-split
// on medium error) and commits the outcome to StatusMap/CacheFile as it
// goes.
func (e *CacheEngine) runDeviceOps(ctx context.Context, ops []subOp) error {
	blockSize := e.opts.BlockSize
	deviceBlockSize := e.raw.BlockSize()

	for _, op := range ops {
		err := readDeviceRange(ctx, e.deviceReadAt, blockSize, deviceBlockSize, e.deviceSz, op.blkLo, op.blkHi,
			func(lo, hi uint64, data []byte) error {
				if err := e.cf.Write(lo, data); err != nil {
					return err
				}
				e.mu.Lock()
				e.sm.Set(lo, hi, Cached)
				e.bytesSinceCheckpoint += (hi - lo) * uint64(blockSize)
				e.mu.Unlock()
				return nil
			},
			func(lo, hi uint64) {
				e.logger.Warn("medium error, marking bad sector", "block_lo", lo, "block_hi", hi)
				e.mu.Lock()
				e.sm.Set(lo, hi, BadSector)
				e.mu.Unlock()
				e.stats.recordBadSector()
			},
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// checkpointDueLocked reports whether enough new data has accumulated, or
// enough time has passed, to warrant a checkpoint. Caller must hold e.mu.
func (e *CacheEngine) checkpointDueLocked() bool {
	if e.bytesSinceCheckpoint >= e.opts.CheckpointBytes {
		return true
	}
	return time.Since(e.lastCheckpoint) >= e.opts.CheckpointInterval
}

// checkpointLocked writes the StatusMap checkpoint, the second half of a
// flush (after the CacheFile sync). Open calls it directly, since a fresh
// engine has written nothing to the CacheFile yet.
func (e *CacheEngine) checkpointLocked() error {
	e.mu.Lock()
	// A shallow copy, not e.sm itself: setChar always builds a new
	// transitions slice rather than mutating in place, so this copy's
	// backing array is stable even if e.sm moves on to a different one
	// concurrently. Sharing e.sm directly would race checkpointStatusMap's
	// unlocked read of .transitions against a concurrent Set.
	snapshot := &StatusMap{
		deviceSize:  e.sm.deviceSize,
		blockSize:   e.sm.blockSize,
		transitions: e.sm.transitions,
		currentPos:  e.sm.currentPos,
	}
	comments := renderMapfileMeta(e.comments, e.meta)
	e.mu.Unlock()

	if err := checkpointStatusMap(snapshot, e.mapPath, comments); err != nil {
		return err
	}

	e.mu.Lock()
	e.bytesSinceCheckpoint = 0
	e.lastCheckpoint = time.Now()
	e.mu.Unlock()
	return nil
}

// Flush forces a StatusMap checkpoint and a CacheFile fsync. Every block
// marked Cached in the checkpointed StatusMap is guaranteed durably
// written in the CacheFile, because CacheFile.Sync always runs before the
// StatusMap rename lands.
func (e *CacheEngine) Flush() error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return e.flush()
}

// flush is Flush without the closed check, so Close can still run it after
// marking the engine closed.
func (e *CacheEngine) flush() error {
	if err := e.cf.Sync(); err != nil {
		return err
	}
	return e.checkpointLocked()
}

// Close flushes and releases the session lock. Idempotent.
func (e *CacheEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var errs []error
	if err := e.flush(); err != nil {
		errs = append(errs, err)
	}
	if e.pool != nil && e.zero != nil {
		e.pool.Put(e.zero)
		e.zero = nil
	}
	if err := e.cf.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.lock.release(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return joinErrors(errs)
}

// Stats returns a snapshot of the engine's lifetime counters.
func (e *CacheEngine) Stats() Stats {
	return e.stats.snapshot()
}

// SetLogger overrides the engine's structured logger. Passing nil disables
// logging.
func (e *CacheEngine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	e.logger = logger
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
