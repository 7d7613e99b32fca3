package blkcache

import "fmt"

// BlockStatus is the folded, four-valued view of a block's state. The
// StatusMap itself stores the raw ddrescue character so unmodified ranges
// round-trip byte for byte; BlockStatus is what the rest of the engine
// reasons about.
type BlockStatus int

const (
	// Unread means the block has never been attempted.
	Unread BlockStatus = iota
	// Cached means bytes are present in the CacheFile and trusted.
	Cached
	// BadSector means a physical read failed with a medium error; bytes
	// in the CacheFile for this block are undefined and must never be
	// returned as data.
	BadSector
	// NonScraped is the transient "known-bad-but-retry-pending" state
	// used during aggressive ddrescue-style re-reads. It folds ddrescue's
	// '-', '*' and '/' statuses.
	NonScraped
)

func (s BlockStatus) String() string {
	switch s {
	case Unread:
		return "Unread"
	case Cached:
		return "Cached"
	case BadSector:
		return "BadSector"
	case NonScraped:
		return "NonScraped"
	default:
		return fmt.Sprintf("BlockStatus(%d)", int(s))
	}
}

// Ddrescue status characters. The engine preserves every character in this
// alphabet on load/save even though internally it only ever writes
// charCached, charBadSector and charUnread itself; '-', '*' and '/' survive
// untouched from a foreign mapfile until the engine actually overwrites
// that range.
const (
	charUnread     = '?'
	charCached     = '+'
	charNonScraped = '-' // non-scraped
	charNonTrimmed = '*'
	charNonSplit   = '/'
	charBadSector  = 'B'
)

// classify folds a raw ddrescue character into its semantic BlockStatus.
// It returns an error for any byte outside the recognised alphabet.
func classify(ch byte) (BlockStatus, error) {
	switch ch {
	case charUnread:
		return Unread, nil
	case charCached:
		return Cached, nil
	case charBadSector:
		return BadSector, nil
	case charNonScraped, charNonTrimmed, charNonSplit:
		return NonScraped, nil
	default:
		return 0, fmt.Errorf("unknown mapfile status character %q", ch)
	}
}

// canonicalChar returns the representative ddrescue character the engine
// writes when it transitions a range to the given BlockStatus. NonScraped
// maps to '-'; the engine never transitions a range to NonScraped itself,
// it only preserves one loaded from a foreign mapfile.
func canonicalChar(s BlockStatus) byte {
	switch s {
	case Cached:
		return charCached
	case BadSector:
		return charBadSector
	case NonScraped:
		return charNonScraped
	default:
		return charUnread
	}
}

func isKnownStatusChar(ch byte) bool {
	switch ch {
	case charUnread, charCached, charNonScraped, charNonTrimmed, charNonSplit, charBadSector:
		return true
	default:
		return false
	}
}
