package storage

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// slot serializes writers of a single owner. Readers load current without
// taking mu.
type slot[S any] struct {
	mu      sync.Mutex
	current atomic.Pointer[S]
	evicted bool
}

type memoryRegistry[S any] struct {
	slots   *xsync.MapOf[string, *slot[S]]
	version func(*S) uint64
}

// NewMemoryRegistry returns an in-memory Registry. version extracts the
// version used by CompareAndSet to order snapshots of the same owner.
func NewMemoryRegistry[S any](version func(*S) uint64) Registry[S] {
	return &memoryRegistry[S]{
		slots:   xsync.NewMapOf[string, *slot[S]](),
		version: version,
	}
}

func (r *memoryRegistry[S]) Get(owner string) *S {
	s, ok := r.slots.Load(owner)
	if !ok {
		return nil
	}
	return s.current.Load()
}

func (r *memoryRegistry[S]) CompareAndSet(owner string, next *S, apply func(*S) bool) (*S, bool) {
	for {
		s, _ := r.slots.LoadOrCompute(owner, func() *slot[S] {
			return &slot[S]{}
		})
		prev, applied, retry := r.swap(s, next, apply)
		if retry {
			// The slot was evicted between lookup and lock.
			continue
		}
		if !applied && prev == nil {
			r.dropEmpty(owner, s)
		}
		return prev, applied
	}
}

func (r *memoryRegistry[S]) swap(s *slot[S], next *S, apply func(*S) bool) (prev *S, applied, retry bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return nil, false, true
	}
	prev = s.current.Load()
	if prev != nil && r.version(next) <= r.version(prev) {
		return prev, false, false
	}
	if apply != nil && !apply(prev) {
		return prev, false, false
	}
	s.current.Store(next)
	return prev, true, false
}

// dropEmpty unlinks s when a vetoed write left it without a snapshot.
func (r *memoryRegistry[S]) dropEmpty(owner string, s *slot[S]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted || s.current.Load() != nil {
		return
	}
	r.slots.Compute(owner, func(existing *slot[S], loaded bool) (*slot[S], bool) {
		return existing, !loaded || existing == s
	})
	s.evicted = true
}

func (r *memoryRegistry[S]) Remove(owner string) *S {
	s, ok := r.slots.LoadAndDelete(owner)
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.evicted = true
	prev := s.current.Swap(nil)
	s.mu.Unlock()
	return prev
}

func (r *memoryRegistry[S]) Snapshot() []Record[S] {
	out := make([]Record[S], 0, r.slots.Size())
	r.slots.Range(func(owner string, s *slot[S]) bool {
		if current := s.current.Load(); current != nil {
			out = append(out, Record[S]{Owner: owner, Snapshot: current})
		}
		return true
	})
	slices.SortFunc(out, func(a, b Record[S]) int {
		return cmp.Compare(a.Owner, b.Owner)
	})
	return out
}

func (r *memoryRegistry[S]) Len() int {
	size := 0
	r.slots.Range(func(_ string, s *slot[S]) bool {
		if s.current.Load() != nil {
			size++
		}
		return true
	})
	return size
}

func (r *memoryRegistry[S]) Close() error {
	r.slots.Clear()
	return nil
}
