// Package zmq provides a cluster channel over ZeroMQ PUB/SUB sockets.
//
// Each member binds one PUB socket and connects one SUB socket to the PUB
// endpoints of its peers. Messages are two-frame multipart messages:
// the channel name followed by the payload.
package zmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	zmq4 "github.com/pebbe/zmq4"
)

var ErrClosed = errors.New("zmq: transport closed")

const pollInterval = 250 * time.Millisecond

type subscription struct {
	handler func([]byte)
}

// Transport is a ZeroMQ cluster channel.
type Transport struct {
	logger *slog.Logger

	zctx *zmq4.Context

	// ZeroMQ sockets are not thread safe: pub is guarded by pubMu and sub is
	// only touched by the receive loop.
	pubMu sync.Mutex
	pub   *zmq4.Socket
	sub   *zmq4.Socket

	connect chan string

	peersMu sync.Mutex
	peers   map[string]struct{}

	subsMu sync.RWMutex
	subs   map[string][]*subscription

	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New binds the PUB socket on bindAddr (a ZeroMQ endpoint such as
// tcp://*:7001) and connects to peers.
func New(bindAddr string, peers []string, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	zctx, err := zmq4.NewContext()
	if err != nil {
		return nil, fmt.Errorf("zmq: context: %w", err)
	}
	pub, err := zctx.NewSocket(zmq4.PUB)
	if err != nil {
		_ = zctx.Term()
		return nil, fmt.Errorf("zmq: pub socket: %w", err)
	}
	if err := pub.SetLinger(0); err != nil {
		_ = pub.Close()
		_ = zctx.Term()
		return nil, fmt.Errorf("zmq: linger: %w", err)
	}
	if err := pub.Bind(bindAddr); err != nil {
		_ = pub.Close()
		_ = zctx.Term()
		return nil, fmt.Errorf("zmq: bind %s: %w", bindAddr, err)
	}
	sub, err := zctx.NewSocket(zmq4.SUB)
	if err != nil {
		_ = pub.Close()
		_ = zctx.Term()
		return nil, fmt.Errorf("zmq: sub socket: %w", err)
	}
	if err := sub.SetSubscribe(""); err != nil {
		_ = sub.Close()
		_ = pub.Close()
		_ = zctx.Term()
		return nil, fmt.Errorf("zmq: subscribe: %w", err)
	}
	if err := sub.SetRcvtimeo(pollInterval); err != nil {
		_ = sub.Close()
		_ = pub.Close()
		_ = zctx.Term()
		return nil, fmt.Errorf("zmq: rcvtimeo: %w", err)
	}

	t := &Transport{
		logger:  logger.With("transport", "zmq", "bind", bindAddr),
		zctx:    zctx,
		pub:     pub,
		sub:     sub,
		connect: make(chan string, 64),
		peers:   make(map[string]struct{}),
		subs:    make(map[string][]*subscription),
		stop:    make(chan struct{}),
	}
	t.wg.Add(1)
	go t.recvLoop()

	t.AddPeers(peers)
	return t, nil
}

// AddPeers connects the SUB socket to the given PUB endpoints.
func (t *Transport) AddPeers(peers []string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	for _, peer := range peers {
		if peer == "" {
			continue
		}
		if _, ok := t.peers[peer]; ok {
			continue
		}
		t.peers[peer] = struct{}{}
		select {
		case t.connect <- peer:
		case <-t.stop:
			return
		}
	}
}

// Peers returns the endpoints the transport subscribes to.
func (t *Transport) Peers() []string {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	out := make([]string, 0, len(t.peers))
	for peer := range t.peers {
		out = append(out, peer)
	}
	slices.Sort(out)
	return out
}

func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	select {
	case <-t.stop:
		return ErrClosed
	default:
	}
	if _, err := t.pub.SendMessage(channel, payload); err != nil {
		return fmt.Errorf("zmq: send: %w", err)
	}
	return nil
}

func (t *Transport) Subscribe(channel string, handler func([]byte)) (func(), error) {
	sub := &subscription{handler: handler}
	t.subsMu.Lock()
	t.subs[channel] = append(slices.Clone(t.subs[channel]), sub)
	t.subsMu.Unlock()

	return func() {
		t.subsMu.Lock()
		defer t.subsMu.Unlock()
		t.subs[channel] = slices.DeleteFunc(slices.Clone(t.subs[channel]), func(s *subscription) bool {
			return s == sub
		})
		if len(t.subs[channel]) == 0 {
			delete(t.subs, channel)
		}
	}, nil
}

func (t *Transport) Close() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.stop)
		t.wg.Wait()
		t.pubMu.Lock()
		err = errors.Join(t.pub.Close(), t.sub.Close())
		t.pubMu.Unlock()
		err = errors.Join(err, t.zctx.Term())
	})
	return err
}

func (t *Transport) recvLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stop:
			return
		case peer := <-t.connect:
			if err := t.sub.Connect(peer); err != nil {
				t.logger.Warn("connect failed", "peer", peer, "error", err)
			} else {
				t.logger.Debug("connected", "peer", peer)
			}
			continue
		default:
		}

		parts, err := t.sub.RecvMessageBytes(0)
		if err != nil {
			// Receive timeouts are how the loop notices stop and new peers.
			continue
		}
		if len(parts) != 2 {
			t.logger.Warn("dropping malformed message", "frames", len(parts))
			continue
		}
		t.dispatch(string(parts[0]), parts[1])
	}
}

func (t *Transport) dispatch(channel string, payload []byte) {
	t.subsMu.RLock()
	subs := t.subs[channel]
	t.subsMu.RUnlock()
	for _, sub := range subs {
		sub.handler(payload)
	}
}
