package oort

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Entry describes the change of one key. OldValue is meaningful only when
// HadOld is set, NewValue only when HasNew is set.
type Entry[V any] struct {
	Key      string
	OldValue V
	NewValue V
	HadOld   bool
	HasNew   bool
}

func (e Entry[V]) String() string {
	old, next := "nil", "nil"
	if e.HadOld {
		old = fmt.Sprint(e.OldValue)
	}
	if e.HasNew {
		next = fmt.Sprint(e.NewValue)
	}
	return fmt.Sprintf("(%s=%s->%s)", e.Key, old, next)
}

// EntryListener is notified of entry changes of a Map, whether they were
// made locally or by a remote owner.
type EntryListener[V any] interface {
	OnPut(info *Info[*Entries[V]], entry Entry[V])
	OnRemoved(info *Info[*Entries[V]], entry Entry[V])
}

// EntryListenerFuncs adapts plain functions to EntryListener. Nil fields are
// skipped.
type EntryListenerFuncs[V any] struct {
	Put     func(info *Info[*Entries[V]], entry Entry[V])
	Removed func(info *Info[*Entries[V]], entry Entry[V])
}

func (f EntryListenerFuncs[V]) OnPut(info *Info[*Entries[V]], entry Entry[V]) {
	if f.Put != nil {
		f.Put(info, entry)
	}
}

func (f EntryListenerFuncs[V]) OnRemoved(info *Info[*Entries[V]], entry Entry[V]) {
	if f.Removed != nil {
		f.Removed(info, entry)
	}
}

// Map is an Object whose entity is a string-keyed map. Besides whole-map
// replacement it replicates single entry changes, so updates do not ship
// the whole map.
type Map[V any] struct {
	*Object[*Entries[V]]

	values         Codec[V]
	entryListeners listenerSet[EntryListener[V]]
}

// NewMap creates a map named name on node. codec encodes values and
// defaults to MsgpackCodec.
func NewMap[V any](node *Node, name string, codec Codec[V]) *Map[V] {
	if codec == nil {
		codec = MsgpackCodec[V]{}
	}
	m := &Map[V]{values: codec}
	m.Object = NewObject(node, name, func() *Entries[V] {
		return NewEntries[V](nil)
	}, Codec[*Entries[V]](entriesCodec[V]{values: codec}))
	m.Object.entryHandler = m.onEntry
	return m
}

// AddEntryListener registers listener and returns a function that removes
// it.
func (m *Map[V]) AddEntryListener(listener EntryListener[V]) func() {
	return m.entryListeners.add(listener)
}

// PutAndShare associates value with key in the local map and shares the
// change with the cluster. It returns the value previously associated with
// key, if any. When the transport fails the local change has still been
// applied and the error is returned alongside.
func (m *Map[V]) PutAndShare(ctx context.Context, key string, value V) (V, bool, error) {
	return m.shareEntry(ctx, ActionPut, key, value)
}

// RemoveAndShare removes key from the local map and shares the removal with
// the cluster. It returns the removed value, if any.
func (m *Map[V]) RemoveAndShare(ctx context.Context, key string) (V, bool, error) {
	var zero V
	return m.shareEntry(ctx, ActionRemove, key, zero)
}

// ReplaceAndShare replaces the whole local map with values and shares it.
// It returns the entries it replaced.
func (m *Map[V]) ReplaceAndShare(ctx context.Context, values map[string]V) (*Entries[V], error) {
	return m.SetAndShare(ctx, NewEntries(values))
}

// Get returns the value mapped to key in the local map only.
func (m *Map[V]) Get(key string) (V, bool) {
	var zero V
	local := m.LocalInfo()
	if local == nil {
		return zero, false
	}
	return local.Object.Load(key)
}

// Find returns the first value mapped to key across the maps of all owners,
// the local one first.
func (m *Map[V]) Find(key string) (V, bool) {
	for info := range m.All() {
		if value, ok := info.Object.Load(key); ok {
			return value, true
		}
	}
	var zero V
	return zero, false
}

// FindInfo returns the snapshot of the first owner whose map contains key,
// or nil.
func (m *Map[V]) FindInfo(key string) *Info[*Entries[V]] {
	for info := range m.All() {
		if _, ok := info.Object.Load(key); ok {
			return info
		}
	}
	return nil
}

func (m *Map[V]) shareEntry(ctx context.Context, action Action, key string, value V) (V, bool, error) {
	var zero V
	if !m.started.Load() {
		return zero, false, ErrNotStarted
	}
	var data []byte
	if action == ActionPut {
		encoded, err := m.values.Marshal(value)
		if err != nil {
			return zero, false, errors.Wrapf(err, "encode value of %q", key)
		}
		data = encoded
	}

	echo := &localEcho{value: value}
	m.shareMu.Lock()
	env := &Envelope{
		Version:  m.clock.Next(),
		OwnerURL: m.node.url,
		Name:     m.name,
		Type:     TypeEntry,
		Action:   action,
		Key:      key,
		Value:    data,
		echo:     echo,
	}
	m.logger.Debug("sharing map entry", "action", action, "key", key, "version", env.Version)
	err := m.node.publish(ctx, m.channel, env)
	m.shareMu.Unlock()
	echo.flush()

	if !echo.delivered {
		if err == nil {
			err = ErrNoLocalEcho
		}
		return zero, false, err
	}
	prev, _ := echo.previous.(V)
	return prev, echo.existed, err
}

func (m *Map[V]) onEntry(_ context.Context, env *Envelope) {
	remove := env.Action == ActionRemove
	if env.Action != ActionPut && !remove {
		updatesDropped.WithLabelValues(m.name, dropUnknownAction).Inc()
		m.logger.Warn("dropping update", "error", ErrUnknownAction, "action", env.Action, "owner", env.OwnerURL)
		return
	}

	if m.Info(env.OwnerURL) == nil {
		updatesDropped.WithLabelValues(m.name, dropNoInfo).Inc()
		m.logger.Info("dropping update", "error", ErrNoInfo, "owner", env.OwnerURL, "version", env.Version)
		return
	}

	var value V
	if !remove {
		if env.echo != nil {
			value, _ = env.echo.value.(V)
		} else {
			decoded, err := m.values.Unmarshal(env.Value)
			if err != nil {
				updatesDropped.WithLabelValues(m.name, dropUndecodable).Inc()
				m.logger.Warn("dropping undecodable entry", "owner", env.OwnerURL, "key", env.Key, "error", err)
				m.node.cfg.errorHandler(err)
				return
			}
			value = decoded
		}
	}

	local := env.OwnerURL == m.node.url
	next := &Info[*Entries[V]]{
		OwnerURL: env.OwnerURL,
		Name:     m.name,
		Version:  env.Version,
		Local:    local,
	}
	var (
		previous V
		existed  bool
		evicted  bool
	)
	// The new snapshot shares the map instance of the one it replaces; the
	// map is the storage, the Info only advances the version.
	_, applied := m.SetInfo(next, func(current *Info[*Entries[V]]) bool {
		if current == nil {
			evicted = true
			return false
		}
		next.Object = current.Object
		if remove {
			previous, existed = current.Object.delete(env.Key)
		} else {
			previous, existed = current.Object.swap(env.Key, value)
		}
		return true
	})

	if env.echo != nil {
		env.echo.delivered = true
		env.echo.previous = previous
		env.echo.existed = existed
	}
	if evicted {
		updatesDropped.WithLabelValues(m.name, dropNoInfo).Inc()
		m.logger.Info("dropping update", "error", ErrNoInfo, "owner", env.OwnerURL, "version", env.Version)
		return
	}

	entry := Entry[V]{
		Key:      env.Key,
		OldValue: previous,
		NewValue: value,
		HadOld:   existed,
		HasNew:   !remove,
	}
	if !applied {
		updatesStale.WithLabelValues(m.name, string(TypeEntry)).Inc()
		m.logger.Debug("skipped map entry", "origin", origin(local), "action", env.Action, "entry", entry, "version", env.Version)
		return
	}
	updatesApplied.WithLabelValues(m.name, string(TypeEntry), origin(local)).Inc()
	m.logger.Debug("performed map entry", "origin", origin(local), "action", env.Action, "entry", entry, "version", env.Version)

	notify := func() {
		if remove {
			m.notifyEntryRemoved(next, entry)
		} else {
			m.notifyEntryPut(next, entry)
		}
	}
	if env.echo != nil {
		env.echo.later(notify)
		return
	}
	notify()
}

func (m *Map[V]) notifyEntryPut(info *Info[*Entries[V]], entry Entry[V]) {
	m.entryListeners.each(m.logger, m.name, func(l EntryListener[V]) {
		l.OnPut(info, entry)
	})
}

func (m *Map[V]) notifyEntryRemoved(info *Info[*Entries[V]], entry Entry[V]) {
	m.entryListeners.each(m.logger, m.name, func(l EntryListener[V]) {
		l.OnRemoved(info, entry)
	})
}
