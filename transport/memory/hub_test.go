package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversToOthersOnly(t *testing.T) {
	hub := NewHub()
	a, err := hub.Connect("oort://a")
	require.NoError(t, err)
	b, err := hub.Connect("oort://b")
	require.NoError(t, err)

	var gotA, gotB []string
	_, err = a.Subscribe("ch", func(p []byte) { gotA = append(gotA, string(p)) })
	require.NoError(t, err)
	unsubscribe, err := b.Subscribe("ch", func(p []byte) { gotB = append(gotB, string(p)) })
	require.NoError(t, err)

	require.NoError(t, a.Publish(context.Background(), "ch", []byte("one")))
	require.NoError(t, a.Publish(context.Background(), "other", []byte("ignored")))
	unsubscribe()
	require.NoError(t, a.Publish(context.Background(), "ch", []byte("two")))

	assert.Empty(t, gotA)
	assert.Equal(t, []string{"one"}, gotB)
}

func TestHubFilterAndClose(t *testing.T) {
	hub := NewHub()
	a, _ := hub.Connect("oort://a")
	b, _ := hub.Connect("oort://b")
	c, _ := hub.Connect("oort://c")

	var gotB, gotC int
	_, _ = b.Subscribe("ch", func([]byte) { gotB++ })
	_, _ = c.Subscribe("ch", func([]byte) { gotC++ })

	a.SetFilter(func(to string) bool { return to != "oort://c" })
	require.NoError(t, a.Publish(context.Background(), "ch", nil))
	assert.Equal(t, 1, gotB)
	assert.Equal(t, 0, gotC)

	require.NoError(t, b.Close())
	assert.Equal(t, []string{"oort://a", "oort://c"}, hub.Members())
	assert.ErrorIs(t, b.Publish(context.Background(), "ch", nil), ErrClosed)

	_, err := hub.Connect("oort://a")
	assert.ErrorIs(t, err, ErrDuplicateConn)
}
