package oort

import "sync/atomic"

// VersionClock hands out strictly increasing versions for the updates
// authored by the local node. It is safe for concurrent use.
//
// Versions are only compared between updates of the same owner. A restarted
// process that starts from a lower seed than its previous incarnation will
// have its updates ignored by peers that still remember the higher versions,
// so long-lived deployments should seed the clock from something that grows
// across restarts (see WithVersionSeed).
type VersionClock struct {
	last atomic.Uint64
}

// NewVersionClock returns a clock whose first version is seed+1.
func NewVersionClock(seed uint64) *VersionClock {
	c := &VersionClock{}
	c.last.Store(seed)
	return c
}

// Next returns a version greater than every version returned before.
func (c *VersionClock) Next() uint64 {
	return c.last.Add(1)
}

// Current returns the last version handed out.
func (c *VersionClock) Current() uint64 {
	return c.last.Load()
}
