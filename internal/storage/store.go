package storage

// Record pairs an owner with the snapshot currently stored for it.
type Record[S any] struct {
	Owner    string
	Snapshot *S
}

// Registry keeps at most one versioned snapshot per owner.
//
// Snapshots are treated as immutable values: they are replaced, never
// modified in place, so readers can hold on to a returned pointer without
// further synchronization.
type Registry[S any] interface {
	// Get returns the current snapshot for owner, or nil.
	// It never blocks on writers of other owners.
	Get(owner string) *S
	// CompareAndSet installs next for owner when no snapshot exists yet or
	// when next carries a strictly greater version than the current one.
	// apply runs at most once, under the owner's serialization and before next
	// becomes visible, receiving the snapshot being replaced (nil when none).
	// Returning false vetoes the swap. Concurrent calls for the same owner are
	// serialized; calls for different owners do not share a lock.
	CompareAndSet(owner string, next *S, apply func(current *S) bool) (prev *S, applied bool)
	// Remove evicts owner and returns its last snapshot, or nil.
	Remove(owner string) *S
	// Snapshot returns a point-in-time copy of all records ordered by owner.
	Snapshot() []Record[S]
	// Len returns the number of owners with a snapshot.
	Len() int
	Close() error
}
