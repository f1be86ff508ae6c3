package oort

// DeltaListener converts whole-map replacements of a Map into entry events,
// so applications handle entry changes with EntryListener regardless of how
// the update arrived.
//
// Replacing
//
//	{key1: value1, key2: value2}
//
// with
//
//	{key1: valueA, key3: valueB}
//
// produces put (key1, value1, valueA), remove (key2, value2, nil) and
// put (key3, nil, valueB), in that order: keys of the old map first, then
// keys only present in the new map, each group in ascending key order.
// Keys present in both maps yield a put even when the value is unchanged.
type DeltaListener[V any] struct {
	m *Map[V]
}

// NewDeltaListener returns a listener that re-emits whole-map changes of m
// to m's entry listeners. Register it with m.AddListener.
func NewDeltaListener[V any](m *Map[V]) *DeltaListener[V] {
	return &DeltaListener[V]{m: m}
}

func (d *DeltaListener[V]) OnUpdated(oldInfo, newInfo *Info[*Entries[V]]) {
	for _, event := range diffEntries(oldInfo, newInfo) {
		if event.HasNew {
			d.m.notifyEntryPut(newInfo, event)
		} else {
			d.m.notifyEntryRemoved(newInfo, event)
		}
	}
}

func (d *DeltaListener[V]) OnRemoved(info *Info[*Entries[V]]) {
	for _, key := range info.Object.Keys() {
		value, ok := info.Object.Load(key)
		if !ok {
			continue
		}
		d.m.notifyEntryRemoved(info, Entry[V]{Key: key, OldValue: value, HadOld: true})
	}
}

func diffEntries[V any](oldInfo, newInfo *Info[*Entries[V]]) []Entry[V] {
	newValues := newInfo.Object.ToMap()
	var events []Entry[V]
	if oldInfo != nil {
		for _, key := range oldInfo.Object.Keys() {
			oldValue, ok := oldInfo.Object.Load(key)
			if !ok {
				continue
			}
			newValue, present := newValues[key]
			delete(newValues, key)
			events = append(events, Entry[V]{
				Key:      key,
				OldValue: oldValue,
				NewValue: newValue,
				HadOld:   true,
				HasNew:   present,
			})
		}
	}
	for _, key := range newInfo.Object.Keys() {
		newValue, ok := newValues[key]
		if !ok {
			continue
		}
		events = append(events, Entry[V]{Key: key, NewValue: newValue, HasNew: true})
	}
	return events
}
