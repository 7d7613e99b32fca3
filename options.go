package blkcache

import "time"

// BadSectorPolicy selects what Read returns for blocks currently marked
// BadSector. The choice is fixed at engine construction; it never silently
// changes mid-session.
type BadSectorPolicy int

const (
	// PolicyZeros returns blockSize zero bytes for BadSector blocks. This
	// is the default.
	PolicyZeros BadSectorPolicy = iota
	// PolicyError fails the whole Read call with *DataUnavailableError
	// when it overlaps a BadSector block.
	PolicyError
)

// EngineOptions configures a CacheEngine.
//
//   - BlockSize:          caching unit in bytes (power of two, >= device
//     sector size). Default 4096.
//   - MaxPhysReadBlocks:  upper bound on a single physical read. Default
//     256.
//   - BadSectorPolicy:    placeholder behavior for BadSector blocks.
//     Default PolicyZeros.
//   - RetryBad:           re-issue one physical read for BadSector blocks
//     on each Read that covers them; a block that fails again gets the
//     placeholder. Default false.
//   - CheckpointBytes:    checkpoint after this many newly cached bytes.
//     Default 1 MiB.
//   - CheckpointInterval: checkpoint after this much wall time since the
//     last one, whichever of the two fires first. Default 5s.
//
// All fields are optional: Open fills every zero-valued numeric field from
// DefaultOptions, so the zero value of EngineOptions yields the defaults.
type EngineOptions struct {
	BlockSize          uint32
	MaxPhysReadBlocks  uint32
	BadSectorPolicy    BadSectorPolicy
	RetryBad           bool
	CheckpointBytes    uint64
	CheckpointInterval time.Duration
}

// DefaultOptions returns the configuration Open uses when the caller
// passes the zero value.
func DefaultOptions() EngineOptions {
	return EngineOptions{
		BlockSize:          4096,
		MaxPhysReadBlocks:  256,
		BadSectorPolicy:    PolicyZeros,
		RetryBad:           false,
		CheckpointBytes:    1 << 20,
		CheckpointInterval: 5 * time.Second,
	}
}

// withDefaults fills any zero-valued field of opts from DefaultOptions,
// treating 0 as "use default" for every numeric option.
func (opts EngineOptions) withDefaults() EngineOptions {
	def := DefaultOptions()
	if opts.BlockSize == 0 {
		opts.BlockSize = def.BlockSize
	}
	if opts.MaxPhysReadBlocks == 0 {
		opts.MaxPhysReadBlocks = def.MaxPhysReadBlocks
	}
	if opts.CheckpointBytes == 0 {
		opts.CheckpointBytes = def.CheckpointBytes
	}
	if opts.CheckpointInterval == 0 {
		opts.CheckpointInterval = def.CheckpointInterval
	}
	return opts
}
