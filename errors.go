package blkcache

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// ErrOutOfRange is returned when a Read request exceeds the device size.
// No state is changed before this error is returned.
var ErrOutOfRange = fmt.Errorf("blkcache: request exceeds device size")

// ErrAlreadyInUse is returned by Open when the advisory lock on the map
// path is already held by another engine instance.
var ErrAlreadyInUse = fmt.Errorf("blkcache: cache already in use by another session")

// ErrClosed is returned by Read/Flush once the engine has been closed.
var ErrClosed = fmt.Errorf("blkcache: engine is closed")

// DataUnavailableError is surfaced from Read only when the engine was
// opened with BadSectorPolicy == Error and the request range overlaps a
// BadSector block.
type DataUnavailableError struct {
	Offset uint64
	Length uint32
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("blkcache: data unavailable at offset=%d length=%d", e.Offset, e.Length)
}

// MapFileCorruptError is raised only at Open, from StatusMap loading. It is
// fatal to the session.
type MapFileCorruptError struct {
	Path   string
	Reason string
}

func (e *MapFileCorruptError) Error() string {
	return fmt.Sprintf("blkcache: mapfile %s is corrupt: %s", e.Path, e.Reason)
}

// CacheSizeMismatchError is raised at Open when an existing CacheFile is
// shorter than the device size, when a persisted block size disagrees
// with the one requested for this session, or when the requested block
// size is not a multiple of the device's block size.
type CacheSizeMismatchError struct {
	Path     string
	Got      uint64
	Expected uint64
}

func (e *CacheSizeMismatchError) Error() string {
	return fmt.Sprintf("blkcache: %s has size %d, expected %d", e.Path, e.Got, e.Expected)
}

// DeviceGoneError is raised when the underlying RawDevice reports it has
// been closed mid-session (RawErrClosed). The engine refuses further reads
// after this until reopened.
type DeviceGoneError struct {
	Offset uint64
	Length uint32
}

func (e *DeviceGoneError) Error() string {
	return fmt.Sprintf("blkcache: device gone while reading offset=%d length=%d", e.Offset, e.Length)
}

// IOError wraps any other durability failure (fsync, msync, rename, ...).
// The engine's invariant is that it never reports success for a block
// whose bytes it could not durably record; a failure here always
// propagates rather than being swallowed.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("blkcache: io error during %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// joinErrors aggregates independent failures from a single Close/Flush
// call (e.g. an msync failure alongside a file-close failure) without
// dropping any of them, the way dargueta-disko's errors.go uses
// multierror.Append to build DriverError chains.
func joinErrors(errs []error) error {
	var result *multierror.Error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
