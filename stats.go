package blkcache

import "sync/atomic"

// Stats is a snapshot of a CacheEngine's lifetime counters.
// HitRatio is a percentage (0-100).
type Stats struct {
	Hits          uint64 // Cached runs copied from CacheFile into Read results
	PhysicalReads uint64 // RawDevice.ReadAt calls actually issued
	BadSectors    uint64 // blocks newly marked BadSector
	HitRatio      float64
}

// engineStats holds the atomic counters backing Stats: plain atomic
// uint64s rather than a mutex-guarded struct, since every counter update
// happens on the hot read path and never needs to change atomically
// together with another field.
type engineStats struct {
	hits          uint64
	physicalReads uint64
	badSectors    uint64
}

func (s *engineStats) recordHit() {
	atomic.AddUint64(&s.hits, 1)
}

func (s *engineStats) recordPhysicalRead() {
	atomic.AddUint64(&s.physicalReads, 1)
}

func (s *engineStats) recordBadSector() {
	atomic.AddUint64(&s.badSectors, 1)
}

// snapshot returns a point-in-time Stats without holding any heavy lock.
func (s *engineStats) snapshot() Stats {
	hits := atomic.LoadUint64(&s.hits)
	reads := atomic.LoadUint64(&s.physicalReads)
	bad := atomic.LoadUint64(&s.badSectors)
	total := hits + reads
	ratio := 0.0
	if total > 0 {
		ratio = float64(hits) / float64(total) * 100.0
	}
	return Stats{Hits: hits, PhysicalReads: reads, BadSectors: bad, HitRatio: ratio}
}
