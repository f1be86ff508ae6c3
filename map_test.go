package oort

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DobryySoul/oort/transport/memory"
)

func TestPutAndShareReturnsPrevious(t *testing.T) {
	node := newStandaloneNode(t, "oort://echo")
	m := NewMap[string](node, "echo", StringCodec{})
	require.NoError(t, m.Start(context.Background()))
	ctx := context.Background()

	prev, existed, err := m.PutAndShare(ctx, "k", "v")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, "", prev)

	prev, existed, err = m.PutAndShare(ctx, "k", "w")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, "v", prev)

	prev, existed, err = m.RemoveAndShare(ctx, "k")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, "w", prev)

	_, existed, err = m.RemoveAndShare(ctx, "k")
	require.NoError(t, err)
	assert.False(t, existed)

	_, ok := m.Get("k")
	assert.False(t, ok)
}

func TestPutAndShareBeforeStart(t *testing.T) {
	node := newStandaloneNode(t, "oort://early")
	m := NewMap[string](node, "early", StringCodec{})

	_, _, err := m.PutAndShare(context.Background(), "k", "v")
	assert.ErrorIs(t, err, ErrNotStarted)
	_, _, err = m.RemoveAndShare(context.Background(), "k")
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = m.ReplaceAndShare(context.Background(), map[string]string{"k": "v"})
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Nil(t, m.LocalInfo())
}

func TestLocalEntryListenerSeesOwnPut(t *testing.T) {
	node := newStandaloneNode(t, "oort://own")
	m := NewMap[string](node, "own", StringCodec{})
	require.NoError(t, m.Start(context.Background()))

	var infos []*Info[*Entries[string]]
	rec := &entryRecorder{}
	m.AddEntryListener(rec.listener())
	m.AddEntryListener(EntryListenerFuncs[string]{
		Put: func(info *Info[*Entries[string]], _ Entry[string]) { infos = append(infos, info) },
	})

	_, _, err := m.PutAndShare(context.Background(), "k", "v")
	require.NoError(t, err)

	assert.Equal(t, []recordedEntry{{op: "put", owner: "oort://own", entry: "(k=nil->v)"}}, rec.events)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Local)
	assert.Equal(t, m.LocalInfo().Version, infos[0].Version)
}

func TestGetFindFindInfo(t *testing.T) {
	hub := memory.NewHub()
	a := joinHub(t, hub, "oort://a")
	b := joinHub(t, hub, "oort://b")
	maps := startMaps(t, "lookup", Codec[string](StringCodec{}), a, b)
	ma, mb := maps[0], maps[1]
	ctx := context.Background()

	_, _, err := ma.PutAndShare(ctx, "k", "from-a")
	require.NoError(t, err)

	_, ok := mb.Get("k")
	assert.False(t, ok)
	value, ok := mb.Find("k")
	assert.True(t, ok)
	assert.Equal(t, "from-a", value)
	info := mb.FindInfo("k")
	require.NotNil(t, info)
	assert.Equal(t, "oort://a", info.OwnerURL)

	_, _, err = mb.PutAndShare(ctx, "k", "from-b")
	require.NoError(t, err)
	value, ok = mb.Find("k")
	assert.True(t, ok)
	assert.Equal(t, "from-b", value)
	assert.Equal(t, "oort://b", mb.FindInfo("k").OwnerURL)

	_, ok = mb.Find("missing")
	assert.False(t, ok)
	assert.Nil(t, mb.FindInfo("missing"))
}

func TestMapsConverge(t *testing.T) {
	hub := memory.NewHub()
	nodes := []*Node{
		joinHub(t, hub, "oort://a"),
		joinHub(t, hub, "oort://b"),
		joinHub(t, hub, "oort://c"),
	}
	maps := startMaps(t, "converge", Codec[string](StringCodec{}), nodes...)
	ctx := context.Background()

	for i, m := range maps {
		for j := range 3 {
			_, _, err := m.PutAndShare(ctx, fmt.Sprintf("key-%d", j), fmt.Sprintf("v%d-%d", i, j))
			require.NoError(t, err)
		}
		_, _, err := m.RemoveAndShare(ctx, "key-0")
		require.NoError(t, err)
	}

	for _, m := range maps {
		assert.Equal(t, 3, m.Len())
		for _, owner := range maps {
			local := owner.LocalInfo()
			mirror := m.Info(local.OwnerURL)
			require.NotNil(t, mirror)
			assert.Equal(t, local.Version, mirror.Version)
			assert.Equal(t, local.Object.ToMap(), mirror.Object.ToMap())
		}
	}
}

func TestStaleEntryIsIgnored(t *testing.T) {
	hub := memory.NewHub()
	a := joinHub(t, hub, "oort://a")
	b := joinHub(t, hub, "oort://b")
	maps := startMaps(t, "stale", Codec[string](StringCodec{}), a, b)
	mb := maps[1]

	rec := &entryRecorder{}
	mb.AddEntryListener(rec.listener())

	base := mb.Info("oort://a").Version
	newer := entryPayload(t, "oort://a", "stale", base+2, ActionPut, "k", []byte("new"))
	older := entryPayload(t, "oort://a", "stale", base+1, ActionPut, "k", []byte("old"))

	b.receive(mb.ChannelName(), newer)
	b.receive(mb.ChannelName(), newer)
	b.receive(mb.ChannelName(), older)

	value, ok := mb.Find("k")
	assert.True(t, ok)
	assert.Equal(t, "new", value)
	assert.Equal(t, base+2, mb.Info("oort://a").Version)
	assert.Len(t, rec.events, 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(updatesStale.WithLabelValues("stale", string(TypeEntry))))
}

func TestEntryWithoutInfoIsDropped(t *testing.T) {
	node := newStandaloneNode(t, "oort://lonely")
	m := NewMap[string](node, "lonely", StringCodec{})
	require.NoError(t, m.Start(context.Background()))
	rec := &entryRecorder{}
	m.AddEntryListener(rec.listener())

	node.receive(m.ChannelName(), entryPayload(t, "oort://ghost", "lonely", 7, ActionPut, "k", []byte("v")))

	assert.Nil(t, m.Info("oort://ghost"))
	assert.Equal(t, 1, m.Len())
	assert.Empty(t, rec.events)
	assert.Equal(t, 1.0, testutil.ToFloat64(updatesDropped.WithLabelValues("lonely", dropNoInfo)))
}

func TestUnknownActionIsDropped(t *testing.T) {
	hub := memory.NewHub()
	a := joinHub(t, hub, "oort://a")
	b := joinHub(t, hub, "oort://b")
	maps := startMaps(t, "action", Codec[string](StringCodec{}), a, b)
	mb := maps[1]
	base := mb.Info("oort://a").Version

	b.receive(mb.ChannelName(), entryPayload(t, "oort://a", "action", base+1, Action("oort.map.clear"), "k", nil))

	assert.Equal(t, base, mb.Info("oort://a").Version)
	assert.Equal(t, 1.0, testutil.ToFloat64(updatesDropped.WithLabelValues("action", dropUnknownAction)))
}

func TestUndecodableValueIsDropped(t *testing.T) {
	hub := memory.NewHub()
	a := joinHub(t, hub, "oort://a")
	var reported []error
	b := joinHub(t, hub, "oort://b", WithErrorHandler(func(err error) { reported = append(reported, err) }))
	maps := startMaps(t, "undecodable", Codec[int](MsgpackCodec[int]{}), a, b)
	mb := maps[1]
	base := mb.Info("oort://a").Version

	b.receive(mb.ChannelName(), entryPayload(t, "oort://a", "undecodable", base+1, ActionPut, "k", []byte{0xc1}))

	_, ok := mb.Find("k")
	assert.False(t, ok)
	assert.Len(t, reported, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(updatesDropped.WithLabelValues("undecodable", dropUndecodable)))
}

func TestConcurrentPutsOnDifferentKeys(t *testing.T) {
	hub := memory.NewHub()
	a := joinHub(t, hub, "oort://a")
	b := joinHub(t, hub, "oort://b")
	maps := startMaps(t, "concurrent", Codec[int](MsgpackCodec[int]{}), a, b)
	ma, mb := maps[0], maps[1]
	start := ma.LocalInfo().Version

	const writers = 50
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := ma.PutAndShare(context.Background(), fmt.Sprintf("key-%02d", i), i)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, writers, ma.LocalInfo().Object.Len())
	assert.Equal(t, start+writers, ma.LocalInfo().Version)
	mirror := mb.Info("oort://a")
	require.NotNil(t, mirror)
	assert.Equal(t, ma.LocalInfo().Version, mirror.Version)
	assert.Equal(t, ma.LocalInfo().Object.ToMap(), mirror.Object.ToMap())
}

func TestOwnersAreIndependent(t *testing.T) {
	hub := memory.NewHub()
	a := joinHub(t, hub, "oort://a")
	b := joinHub(t, hub, "oort://b")
	c := joinHub(t, hub, "oort://c")
	maps := startMaps(t, "independent", Codec[string](StringCodec{}), a, b, c)
	ma, mb, mc := maps[0], maps[1], maps[2]
	ctx := context.Background()

	for range 5 {
		_, _, err := ma.PutAndShare(ctx, "k", "a")
		require.NoError(t, err)
	}
	_, _, err := mb.PutAndShare(ctx, "k", "b")
	require.NoError(t, err)

	// b's single update is applied although its version is far below a's.
	assert.Less(t, mc.Info("oort://b").Version, mc.Info("oort://a").Version)
	value, _ := mc.Info("oort://b").Object.Load("k")
	assert.Equal(t, "b", value)
	value, _ = mc.Info("oort://a").Object.Load("k")
	assert.Equal(t, "a", value)
}

func TestEntryListenerMayShare(t *testing.T) {
	node := newStandaloneNode(t, "oort://reentrant")
	m := NewMap[string](node, "reentrant", StringCodec{})
	require.NoError(t, m.Start(context.Background()))

	m.AddEntryListener(EntryListenerFuncs[string]{
		Put: func(_ *Info[*Entries[string]], entry Entry[string]) {
			if entry.Key != "trigger" {
				return
			}
			_, _, err := m.PutAndShare(context.Background(), "derived", entry.NewValue+"!")
			assert.NoError(t, err)
		},
	})

	_, _, err := m.PutAndShare(context.Background(), "trigger", "go")
	require.NoError(t, err)
	value, ok := m.Get("derived")
	assert.True(t, ok)
	assert.Equal(t, "go!", value)
}

func TestReplaceAndShareWithDelta(t *testing.T) {
	hub := memory.NewHub()
	a := joinHub(t, hub, "oort://a")
	b := joinHub(t, hub, "oort://b")
	maps := startMaps(t, "delta", Codec[string](StringCodec{}), a, b)
	ma, mb := maps[0], maps[1]
	ctx := context.Background()

	mb.AddListener(NewDeltaListener(mb))
	rec := &entryRecorder{}
	mb.AddEntryListener(rec.listener())

	_, err := ma.ReplaceAndShare(ctx, map[string]string{"key1": "value1", "key2": "value2"})
	require.NoError(t, err)
	rec.reset()

	replaced, err := ma.ReplaceAndShare(ctx, map[string]string{"key1": "valueA", "key3": "valueB"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"key1": "value1", "key2": "value2"}, replaced.ToMap())

	assert.Equal(t, []recordedEntry{
		{op: "put", owner: "oort://a", entry: "(key1=value1->valueA)"},
		{op: "remove", owner: "oort://a", entry: "(key2=value2->nil)"},
		{op: "put", owner: "oort://a", entry: "(key3=nil->valueB)"},
	}, rec.events)

	// Entry updates on top of a replacement keep working.
	_, _, err = ma.PutAndShare(ctx, "key4", "valueC")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"key1": "valueA", "key3": "valueB", "key4": "valueC"}, mb.Info("oort://a").Object.ToMap())
}

func TestResyncRepairsLostEntry(t *testing.T) {
	hub := memory.NewHub()
	a, connA := joinHubConn(t, hub, "oort://a")
	b := joinHub(t, hub, "oort://b")
	maps := startMaps(t, "lossy", Codec[string](StringCodec{}), a, b)
	ma, mb := maps[0], maps[1]
	ctx := context.Background()

	rec := &entryRecorder{}
	mb.AddEntryListener(rec.listener())
	mb.AddListener(NewDeltaListener(mb))

	connA.SetFilter(func(string) bool { return false })
	_, _, err := ma.PutAndShare(ctx, "lost", "x")
	require.NoError(t, err)
	connA.SetFilter(nil)
	_, _, err = ma.PutAndShare(ctx, "kept", "y")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"kept": "y"}, mb.Info("oort://a").Object.ToMap())

	rec.reset()
	require.NoError(t, a.Resync(ctx))
	require.NoError(t, b.Resync(ctx))

	local := ma.LocalInfo()
	mirror := mb.Info("oort://a")
	require.NotNil(t, mirror)
	assert.Equal(t, local.Version, mirror.Version)
	assert.Equal(t, local.Object.ToMap(), mirror.Object.ToMap())
	assert.Equal(t, []recordedEntry{
		{op: "put", owner: "oort://a", entry: "(kept=y->y)"},
		{op: "put", owner: "oort://a", entry: "(lost=nil->x)"},
	}, rec.events)
}
