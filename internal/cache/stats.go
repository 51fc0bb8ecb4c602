package cache

import "sync/atomic"

// Stats holds monotonically increasing counters for the life of the process.
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Writes        uint64 `json:"writes"`
	Invalidations uint64 `json:"invalidations"`
	Corrupt       uint64 `json:"corrupt"`
	DiskHits      uint64 `json:"disk_hits"`
	StaleServed   uint64 `json:"stale_served"`
}

type counters struct {
	hits          atomic.Uint64
	misses        atomic.Uint64
	writes        atomic.Uint64
	invalidations atomic.Uint64
	corrupt       atomic.Uint64
	diskHits      atomic.Uint64
	staleServed   atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Writes:        c.writes.Load(),
		Invalidations: c.invalidations.Load(),
		Corrupt:       c.corrupt.Load(),
		DiskHits:      c.diskHits.Load(),
		StaleServed:   c.staleServed.Load(),
	}
}
