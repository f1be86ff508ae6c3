package oort

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/DobryySoul/oort/internal/storage"
)

// Listener is notified of whole-entity changes of an Object.
type Listener[T any] interface {
	// OnUpdated is invoked after newInfo replaced oldInfo, which is nil for
	// the first snapshot of an owner.
	OnUpdated(oldInfo, newInfo *Info[T])
	// OnRemoved is invoked after an owner left the cluster; info is its last
	// snapshot.
	OnRemoved(info *Info[T])
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs[T any] struct {
	Updated func(oldInfo, newInfo *Info[T])
	Removed func(info *Info[T])
}

func (f ListenerFuncs[T]) OnUpdated(oldInfo, newInfo *Info[T]) {
	if f.Updated != nil {
		f.Updated(oldInfo, newInfo)
	}
}

func (f ListenerFuncs[T]) OnRemoved(info *Info[T]) {
	if f.Removed != nil {
		f.Removed(info)
	}
}

// Object is an entity named name that every node owns a copy of. The local
// copy is authoritative for this node; copies of the other owners are kept
// in sync through the cluster channel.
type Object[T any] struct {
	node    *Node
	name    string
	channel string
	factory func() T
	codec   Codec[T]
	clock   *VersionClock
	logger  *slog.Logger

	infos     storage.Registry[Info[T]]
	listeners listenerSet[Listener[T]]

	// shareMu orders version assignment, local apply and transport send of
	// local shares, so peers observe them in version order.
	shareMu sync.Mutex

	// entryHandler handles TypeEntry envelopes for specializations.
	entryHandler envelopeHandler

	mu          sync.Mutex
	started     atomic.Bool
	unsubscribe func()
}

// NewObject creates an object named name on node. factory builds the
// initial local entity; codec defaults to MsgpackCodec.
func NewObject[T any](node *Node, name string, factory func() T, codec Codec[T]) *Object[T] {
	if codec == nil {
		codec = MsgpackCodec[T]{}
	}
	return &Object[T]{
		node:    node,
		name:    name,
		channel: objectChannelPrefix + name,
		factory: factory,
		codec:   codec,
		clock:   NewVersionClock(node.cfg.VersionSeed),
		logger:  node.logger.With("object", name),
		infos:   storage.NewMemoryRegistry(infoVersion[T]),
	}
}

func (o *Object[T]) Name() string {
	return o.name
}

// ChannelName returns the cluster channel carrying this object's updates.
func (o *Object[T]) ChannelName() string {
	return o.channel
}

func (o *Object[T]) Node() *Node {
	return o.node
}

// NextVersion returns the version for the next local update.
func (o *Object[T]) NextVersion() uint64 {
	return o.clock.Next()
}

// Start subscribes to the object channel, installs the local snapshot and
// shares it with the cluster.
func (o *Object[T]) Start(ctx context.Context) error {
	if err := o.node.check(ctx); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started.Load() {
		return nil
	}
	if err := o.node.register(o.name, o); err != nil {
		return err
	}
	unsubscribe, err := o.node.subscribe(o.channel, o.onEnvelope)
	if err != nil {
		o.node.unregister(o.name)
		return err
	}
	o.unsubscribe = unsubscribe

	local := o.LocalInfo()
	if local == nil {
		local = &Info[T]{
			OwnerURL: o.node.url,
			Name:     o.name,
			Version:  o.clock.Next(),
			Object:   o.factory(),
			Local:    true,
		}
		o.SetInfo(local, nil)
	}
	o.started.Store(true)
	o.logger.Debug("object started", "version", local.Version)

	if err := o.shareSnapshot(ctx, false); err != nil {
		o.logger.Warn("initial share failed", "error", err)
	}
	return nil
}

// Stop detaches the object from the cluster channel. Known snapshots are
// kept and remain readable.
func (o *Object[T]) Stop(ctx context.Context) error {
	if err := mapContextErr(ctx); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started.Load() {
		return nil
	}
	o.started.Store(false)
	o.unsubscribe()
	o.node.unregister(o.name)
	o.logger.Debug("object stopped")
	return nil
}

// Info returns the current snapshot of ownerURL, or nil.
func (o *Object[T]) Info(ownerURL string) *Info[T] {
	return o.infos.Get(ownerURL)
}

// LocalInfo returns the snapshot owned by this node, or nil before Start.
func (o *Object[T]) LocalInfo() *Info[T] {
	return o.infos.Get(o.node.url)
}

// All yields a point-in-time view of every known snapshot: the local one
// first, then remote ones ordered by owner URL. Updates arriving during
// iteration are not reflected.
func (o *Object[T]) All() iter.Seq[*Info[T]] {
	return func(yield func(*Info[T]) bool) {
		records := o.infos.Snapshot()
		for _, record := range records {
			if record.Owner == o.node.url {
				if !yield(record.Snapshot) {
					return
				}
				break
			}
		}
		for _, record := range records {
			if record.Owner == o.node.url {
				continue
			}
			if !yield(record.Snapshot) {
				return
			}
		}
	}
}

// Len returns the number of owners with a snapshot.
func (o *Object[T]) Len() int {
	return o.infos.Len()
}

// SetInfo installs next if no snapshot exists for its owner or if next has
// a strictly greater version. apply, when not nil, runs exactly once before
// next becomes visible and receives the snapshot being replaced; returning
// false vetoes the swap. The previous snapshot is returned either way.
func (o *Object[T]) SetInfo(next *Info[T], apply func(current *Info[T]) bool) (*Info[T], bool) {
	prev, applied := o.infos.CompareAndSet(next.OwnerURL, next, apply)
	if applied && prev == nil {
		knownOwners.WithLabelValues(o.name).Set(float64(o.infos.Len()))
	}
	return prev, applied
}

// SetAndShare replaces the local entity and shares it with the cluster.
// It returns the entity it replaced. When the transport fails the local
// replacement has still happened and the error is returned alongside.
func (o *Object[T]) SetAndShare(ctx context.Context, entity T) (T, error) {
	var zero T
	if !o.started.Load() {
		return zero, ErrNotStarted
	}
	data, err := o.codec.Marshal(entity)
	if err != nil {
		return zero, err
	}

	echo := &localEcho{object: entity}
	o.shareMu.Lock()
	env := &Envelope{
		Version:  o.clock.Next(),
		OwnerURL: o.node.url,
		Name:     o.name,
		Type:     TypeObject,
		Object:   data,
		echo:     echo,
	}
	o.logger.Debug("sharing object", "version", env.Version)
	err = o.node.publish(ctx, o.channel, env)
	o.shareMu.Unlock()
	echo.flush()

	if !echo.delivered {
		if err == nil {
			err = ErrNoLocalEcho
		}
		return zero, err
	}
	prev, _ := echo.previous.(T)
	return prev, err
}

// AddListener registers listener for whole-entity changes and returns a
// function that removes it.
func (o *Object[T]) AddListener(listener Listener[T]) func() {
	return o.listeners.add(listener)
}

func (o *Object[T]) onEnvelope(ctx context.Context, env *Envelope) {
	switch env.Type {
	case TypeObject:
		o.onObject(env)
	case TypeEntry:
		if o.entryHandler != nil {
			o.entryHandler(ctx, env)
			return
		}
		o.dropUnknownType(env)
	default:
		o.dropUnknownType(env)
	}
}

func (o *Object[T]) dropUnknownType(env *Envelope) {
	updatesDropped.WithLabelValues(o.name, dropUnknownType).Inc()
	o.logger.Warn("dropping update",
		"error", ErrUnknownType,
		"type", env.Type,
		"owner", env.OwnerURL,
		"version", env.Version,
	)
}

func (o *Object[T]) onObject(env *Envelope) {
	local := env.OwnerURL == o.node.url
	var entity T
	if env.echo != nil {
		entity, _ = env.echo.object.(T)
	} else {
		decoded, err := o.codec.Unmarshal(env.Object)
		if err != nil {
			updatesDropped.WithLabelValues(o.name, dropUndecodable).Inc()
			o.logger.Warn("dropping undecodable object", "owner", env.OwnerURL, "version", env.Version, "error", err)
			o.node.cfg.errorHandler(err)
			return
		}
		entity = decoded
	}

	next := &Info[T]{
		OwnerURL: env.OwnerURL,
		Name:     o.name,
		Version:  env.Version,
		Object:   entity,
		Local:    local,
	}
	prev, applied := o.SetInfo(next, nil)
	if env.echo != nil {
		env.echo.delivered = true
		if prev != nil {
			env.echo.previous = prev.Object
			env.echo.existed = true
		}
	}
	if !applied {
		updatesStale.WithLabelValues(o.name, string(TypeObject)).Inc()
		o.logger.Debug("skipped stale object", "owner", env.OwnerURL, "version", env.Version, "current", prev.Version)
		return
	}
	updatesApplied.WithLabelValues(o.name, string(TypeObject), origin(local)).Inc()
	o.logger.Debug("performed object update", "owner", env.OwnerURL, "version", env.Version, "origin", origin(local))

	notify := func() { o.notifyUpdated(prev, next) }
	if env.echo != nil {
		env.echo.later(notify)
		return
	}
	notify()
}

func (o *Object[T]) notifyUpdated(oldInfo, newInfo *Info[T]) {
	o.listeners.each(o.logger, o.name, func(l Listener[T]) {
		l.OnUpdated(oldInfo, newInfo)
	})
}

func (o *Object[T]) notifyRemoved(info *Info[T]) {
	o.listeners.each(o.logger, o.name, func(l Listener[T]) {
		l.OnRemoved(info)
	})
}

// shareSnapshot sends the current local snapshot to the remote members.
// With refresh the snapshot is first re-stamped with a new version, so
// mirrors that missed entry updates replace their copy instead of
// discarding it as stale.
func (o *Object[T]) shareSnapshot(ctx context.Context, refresh bool) error {
	o.shareMu.Lock()
	defer o.shareMu.Unlock()
	local := o.LocalInfo()
	if local == nil {
		return ErrNotStarted
	}
	if refresh {
		next := &Info[T]{
			OwnerURL: local.OwnerURL,
			Name:     o.name,
			Version:  o.clock.Next(),
			Object:   local.Object,
			Local:    true,
		}
		if _, applied := o.SetInfo(next, nil); applied {
			local = next
		}
	}
	data, err := o.codec.Marshal(local.Object)
	if err != nil {
		return err
	}
	return o.node.broadcast(ctx, o.channel, &Envelope{
		Version:  local.Version,
		OwnerURL: local.OwnerURL,
		Name:     o.name,
		Type:     TypeObject,
		Object:   data,
	})
}

func (o *Object[T]) reshare(ctx context.Context) error {
	return o.shareSnapshot(ctx, true)
}

func (o *Object[T]) peerLeft(url string) {
	if url == o.node.url {
		return
	}
	info := o.infos.Remove(url)
	if info == nil {
		return
	}
	knownOwners.WithLabelValues(o.name).Set(float64(o.infos.Len()))
	o.logger.Info("evicted owner", "owner", url, "version", info.Version)
	o.notifyRemoved(info)
}
