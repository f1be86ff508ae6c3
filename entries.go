package oort

import (
	"slices"

	"github.com/puzpuzpuz/xsync/v3"
)

// Entries is the entity of a Map: a concurrent string-keyed map.
//
// Entries are mutated only by the replication protocol, under the
// serialization of the owner they belong to; applications read them freely
// and change them through Map methods.
type Entries[V any] struct {
	m *xsync.MapOf[string, V]
}

// NewEntries returns entries holding a copy of values.
func NewEntries[V any](values map[string]V) *Entries[V] {
	e := &Entries[V]{m: xsync.NewMapOf[string, V](xsync.WithPresize(len(values)))}
	for key, value := range values {
		e.m.Store(key, value)
	}
	return e
}

// Load returns the value stored under key.
func (e *Entries[V]) Load(key string) (V, bool) {
	return e.m.Load(key)
}

func (e *Entries[V]) Len() int {
	return e.m.Size()
}

// Range calls fn for every entry until fn returns false.
// Iteration order is unspecified.
func (e *Entries[V]) Range(fn func(key string, value V) bool) {
	e.m.Range(fn)
}

// Keys returns the keys in ascending order.
func (e *Entries[V]) Keys() []string {
	keys := make([]string, 0, e.m.Size())
	e.m.Range(func(key string, _ V) bool {
		keys = append(keys, key)
		return true
	})
	slices.Sort(keys)
	return keys
}

// ToMap returns a copy of the entries.
func (e *Entries[V]) ToMap() map[string]V {
	out := make(map[string]V, e.m.Size())
	e.m.Range(func(key string, value V) bool {
		out[key] = value
		return true
	})
	return out
}

func (e *Entries[V]) store(key string, value V) {
	e.m.Store(key, value)
}

func (e *Entries[V]) swap(key string, value V) (V, bool) {
	return e.m.LoadAndStore(key, value)
}

func (e *Entries[V]) delete(key string) (V, bool) {
	return e.m.LoadAndDelete(key)
}
