// Package blkcache is a userspace transparent caching layer that sits
// between consumers (filesystem tools, imaging tools, media players) and a
// slow, fragile, or failure-prone block source: optical disc, floppy,
// failing HDD. Every sector read through a CacheEngine is permanently
// recorded into a sparse on-disk image and a ddrescue-compatible status
// map; later reads are served from the cache and never re-touch the
// physical medium.
//
// The library is organised into several files for clarity:
//
//	status.go       – BlockStatus enum and the ddrescue status alphabet
//	statusmap.go    – run-length transition table, Set/StatusAt/Range
//	mapfile.go      – ddrescue mapfile codec (load/save)
//	cachefile.go    – sparse mmap-backed block store
//	rawdevice.go    – RawDevice capability interface + RawError family
//	planner.go      – ReadPlanner: byte range -> sub-operations, sub-split
//	inflight.go     – single-flight in-flight range tracking
//	lock.go         – advisory flock session lock
//	persistence.go  – atomic-rename StatusMap checkpoint writer
//	engine.go       – CacheEngine façade: Open/Read/Flush/Close
//	errors.go       – typed error taxonomy
//	stats.go        – hit/physical-read/bad-sector counters
//
// The network-block-device server, FUSE mount, CLI, and device-hotplug
// monitoring that would normally sit on top of this package are
// deliberately out of scope; this package only answers
// Read(offset, length) -> bytes.
package blkcache
