package zmq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchRoutesByChannel(t *testing.T) {
	tr := &Transport{subs: make(map[string][]*subscription)}

	var got []string
	unsubscribe, err := tr.Subscribe("/oort/objects/users", func(p []byte) { got = append(got, string(p)) })
	require.NoError(t, err)

	tr.dispatch("/oort/objects/users", []byte("one"))
	tr.dispatch("/oort/objects/other", []byte("ignored"))
	unsubscribe()
	tr.dispatch("/oort/objects/users", []byte("two"))

	assert.Equal(t, []string{"one"}, got)
	assert.Empty(t, tr.subs)
}

func TestPublishSubscribeOverTCP(t *testing.T) {
	if testing.Short() {
		t.Skip("opens sockets")
	}
	a, err := New("tcp://127.0.0.1:39811", nil, nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := New("tcp://127.0.0.1:39812", []string{"tcp://127.0.0.1:39811"}, nil)
	require.NoError(t, err)
	defer b.Close()

	received := make(chan string, 16)
	_, err = b.Subscribe("ch", func(p []byte) { received <- string(p) })
	require.NoError(t, err)

	// PUB/SUB drops messages until the subscription handshake completes.
	require.Eventually(t, func() bool {
		_ = a.Publish(context.Background(), "ch", []byte("hello"))
		select {
		case msg := <-received:
			return msg == "hello"
		default:
			return false
		}
	}, 5*time.Second, 100*time.Millisecond)

	assert.Equal(t, []string{"tcp://127.0.0.1:39811"}, b.Peers())
}

func TestPublishAfterClose(t *testing.T) {
	if testing.Short() {
		t.Skip("opens sockets")
	}
	tr, err := New("tcp://127.0.0.1:39813", nil, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Publish(context.Background(), "ch", nil), ErrClosed)
	assert.NoError(t, tr.Close())
}
