// Package oort replicates named entities across the nodes of a cluster.
//
// # Overview
//
// Every node owns an authoritative local copy of a shared entity and keeps
// mirrored copies of the entities owned by the other nodes. Changes travel
// as versioned envelopes over a cluster-wide publish/subscribe channel and
// every node, the publisher included, applies them through the same
// compare-and-set path.
//
// # Data model
//
// An Info is the last known snapshot of one owner's entity. Versions are
// assigned by the owner's VersionClock and compared only within that owner:
// an update is applied when its version is strictly greater than the stored
// one, so duplicated or reordered deliveries are discarded. Convergence is
// eventual and last-writer-wins per owner; there is no ordering between
// owners.
//
// # Maps
//
// Map specializes Object for string-keyed maps and replicates single entry
// changes with PutAndShare and RemoveAndShare. EntryListener observes entry
// changes; DeltaListener turns whole-map replacements into entry events.
//
// # Networking
//
// The built-in transport is UDP gossip with heartbeat membership, enabled by
// WithBindAddr. Other cluster channels plug in through WithTransport; see
// transport/zmq and transport/memory. Without either the node runs
// standalone.
//
// Example
//
//	node, err := oort.New(oort.WithBindAddr("127.0.0.1:9001"))
//	if err != nil {
//		// handle error
//	}
//	users := oort.NewMap[string](node, "users", oort.StringCodec{})
//	_ = users.Start(context.Background())
//	prev, existed, _ := users.PutAndShare(context.Background(), "alice", "online")
//	_, _ = prev, existed
package oort
