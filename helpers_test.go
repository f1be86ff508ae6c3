package oort

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DobryySoul/oort/transport/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStandaloneNode(t *testing.T, url string) *Node {
	t.Helper()
	node, err := New(WithNodeURL(url), WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Close(context.Background()) })
	return node
}

func joinHub(t *testing.T, hub *memory.Hub, url string, opts ...Option) *Node {
	t.Helper()
	node, _ := joinHubConn(t, hub, url, opts...)
	return node
}

// joinHubConn is joinHub that also hands out the hub connection, so tests
// can filter what the node sends.
func joinHubConn(t *testing.T, hub *memory.Hub, url string, opts ...Option) (*Node, *memory.Conn) {
	t.Helper()
	conn, err := hub.Connect(url)
	require.NoError(t, err)
	opts = append([]Option{WithNodeURL(url), WithTransport(conn), WithLogger(quietLogger())}, opts...)
	node, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Close(context.Background()) })
	return node, conn
}

// startMaps starts a map named name on every node and re-shares the
// snapshots so each node knows every owner, as a membership join would.
func startMaps[V any](t *testing.T, name string, codec Codec[V], nodes ...*Node) []*Map[V] {
	t.Helper()
	ctx := context.Background()
	maps := make([]*Map[V], len(nodes))
	for i, node := range nodes {
		maps[i] = NewMap(node, name, codec)
		require.NoError(t, maps[i].Start(ctx))
	}
	for _, node := range nodes {
		require.NoError(t, node.Resync(ctx))
	}
	return maps
}

func entryPayload(t *testing.T, owner, name string, version uint64, action Action, key string, value []byte) []byte {
	t.Helper()
	data, err := encodeEnvelope(&Envelope{
		Version:  version,
		OwnerURL: owner,
		Name:     name,
		Type:     TypeEntry,
		Action:   action,
		Key:      key,
		Value:    value,
	})
	require.NoError(t, err)
	return data
}

type recordedEntry struct {
	op    string
	owner string
	entry string
}

type entryRecorder struct {
	events []recordedEntry
}

func (r *entryRecorder) listener() EntryListenerFuncs[string] {
	return EntryListenerFuncs[string]{
		Put: func(info *Info[*Entries[string]], entry Entry[string]) {
			r.events = append(r.events, recordedEntry{op: "put", owner: info.OwnerURL, entry: entry.String()})
		},
		Removed: func(info *Info[*Entries[string]], entry Entry[string]) {
			r.events = append(r.events, recordedEntry{op: "remove", owner: info.OwnerURL, entry: entry.String()})
		},
	}
}

func (r *entryRecorder) reset() {
	r.events = nil
}
