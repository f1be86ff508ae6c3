package oort

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// UpdateType tells whole-entity updates apart from map entry updates.
type UpdateType string

const (
	// TypeObject carries a whole entity snapshot.
	TypeObject UpdateType = "oort.object"
	// TypeEntry carries a single map entry change.
	TypeEntry UpdateType = "oort.map.entry"
	// TypeSync asks Target, or every member when Target is empty, to
	// re-share its local snapshots. It travels on the node sync channel.
	TypeSync UpdateType = "oort.sync"
)

// Action is the change carried by an entry update.
type Action string

const (
	ActionPut    Action = "oort.map.put"
	ActionRemove Action = "oort.map.remove"
)

// Envelope is the versioned update exchanged over the cluster channel.
type Envelope struct {
	Version  uint64     `msgpack:"oort.version"`
	OwnerURL string     `msgpack:"oort.url"`
	Name     string     `msgpack:"oort.name"`
	Type     UpdateType `msgpack:"oort.type"`
	Action   Action     `msgpack:"oort.action,omitempty"`
	// Object is the encoded entity of a TypeObject update.
	Object []byte `msgpack:"oort.object,omitempty"`
	// Key and Value describe a TypeEntry update; Value is empty for removals.
	Key   string `msgpack:"oort.map.key,omitempty"`
	Value []byte `msgpack:"oort.map.value,omitempty"`
	// Target is the member a TypeSync request is addressed to.
	Target string `msgpack:"oort.target,omitempty"`

	echo *localEcho
}

// localEcho travels with an envelope while it is delivered to the
// publishing node itself. It never crosses the wire.
type localEcho struct {
	// object or value hold the in-memory payload so the local apply does not
	// decode what was just encoded.
	object any
	value  any

	delivered bool
	previous  any
	existed   bool

	// pending notifications run once the sharer leaves its critical section.
	pending []func()
}

func (e *localEcho) later(fn func()) {
	e.pending = append(e.pending, fn)
}

func (e *localEcho) flush() {
	pending := e.pending
	e.pending = nil
	for _, fn := range pending {
		fn()
	}
}

func encodeEnvelope(env *Envelope) ([]byte, error) {
	data, err := msgpack.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	return data, nil
}

func decodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	return &env, nil
}
