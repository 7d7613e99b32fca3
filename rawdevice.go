package blkcache

import (
	"context"
	"fmt"
)

// RawDevice is the capability the core consumes to reach the physical
// medium. Implementations need not be reentrant; CacheEngine serialises
// physical reads per device itself (see §5 of the design).
type RawDevice interface {
	// Size returns the device size in bytes. Constant over the session.
	Size() uint64
	// BlockSize returns the device's native sector size, a power of two
	// >= 512.
	BlockSize() uint32
	// ReadAt reads length bytes at offset, both aligned to BlockSize,
	// except that a read reaching the end of a device whose Size is not a
	// multiple of BlockSize asks only for the bytes that remain.
	// On failure it returns one of the RawError variants below.
	ReadAt(ctx context.Context, offset uint64, length uint32) ([]byte, error)
}

// RawErrorKind discriminates the RawError family.
type RawErrorKind int

const (
	// RawErrMedium means the device reported a medium error (bad sector,
	// bad optical block, ...) for the whole requested range.
	RawErrMedium RawErrorKind = iota
	// RawErrShort means fewer bytes came back than requested, with no
	// other error reported.
	RawErrShort
	// RawErrClosed means the device has gone away (unplugged, closed fd).
	RawErrClosed
	// RawErrOther is any other device-level failure.
	RawErrOther
)

// RawError is the typed error RawDevice.ReadAt returns on failure.
type RawError struct {
	Kind   RawErrorKind
	Offset uint64
	Length uint32
	Got    int // valid only for RawErrShort
	Err    error
}

func (e *RawError) Error() string {
	switch e.Kind {
	case RawErrMedium:
		return fmt.Sprintf("raw device: medium error at offset=%d length=%d", e.Offset, e.Length)
	case RawErrShort:
		return fmt.Sprintf("raw device: short read at offset=%d wanted=%d got=%d", e.Offset, e.Length, e.Got)
	case RawErrClosed:
		return "raw device: closed"
	default:
		if e.Err != nil {
			return fmt.Sprintf("raw device: %v", e.Err)
		}
		return "raw device: other error"
	}
}

func (e *RawError) Unwrap() error {
	return e.Err
}

// IsMediumError reports whether err is a RawError of kind RawErrMedium.
func IsMediumError(err error) bool {
	re, ok := err.(*RawError)
	return ok && re.Kind == RawErrMedium
}

// IsDeviceClosed reports whether err is a RawError of kind RawErrClosed.
func IsDeviceClosed(err error) bool {
	re, ok := err.(*RawError)
	return ok && re.Kind == RawErrClosed
}
