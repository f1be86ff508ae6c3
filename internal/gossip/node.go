package gossip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

var (
	ErrNotStarted      = errors.New("gossip: transport not started")
	ErrMessageTooLarge = errors.New("gossip: message exceeds datagram size")
)

// Config configures a gossip Node.
type Config struct {
	// URL is the owner URL announced in heartbeats.
	URL      string
	BindAddr string
	Seeds    []string
	// Interval is the heartbeat period; members silent for PeerTimeout are
	// reported through OnLeave.
	Interval    time.Duration
	PeerTimeout time.Duration
	OnJoin      func(url string)
	OnLeave     func(url string)
	OnError     func(error)
}

type subscription struct {
	handler func([]byte)
}

// Node is a UDP cluster channel. Publishes are sent to every known peer;
// heartbeats keep the member table alive.
type Node struct {
	cfg Config

	conn *net.UDPConn
	stop chan struct{}
	wg   sync.WaitGroup

	peersMu  sync.RWMutex
	peers    []string
	peersSet map[string]struct{}

	subsMu sync.RWMutex
	subs   map[string][]*subscription

	members *ttlcache.Cache[string, string]

	stopOnce sync.Once
	started  bool
}

func NewNode(cfg Config) *Node {
	filtered := filterPeers(cfg.BindAddr, cfg.Seeds)
	peersSet := make(map[string]struct{}, len(filtered))
	for _, peer := range filtered {
		peersSet[peer] = struct{}{}
	}
	n := &Node{
		cfg:      cfg,
		stop:     make(chan struct{}),
		peers:    filtered,
		peersSet: peersSet,
		subs:     make(map[string][]*subscription),
		members: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](cfg.PeerTimeout),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
	n.members.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, string]) {
		if reason == ttlcache.EvictionReasonExpired || reason == ttlcache.EvictionReasonDeleted {
			if n.cfg.OnLeave != nil {
				n.cfg.OnLeave(item.Key())
			}
		}
	})
	return n
}

func (n *Node) Start() error {
	addr, err := net.ResolveUDPAddr("udp", n.cfg.BindAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	n.conn = conn
	n.started = true

	go n.members.Start()
	n.wg.Add(2)
	go n.readLoop()
	go n.heartbeatLoop()
	return nil
}

// Stop announces the departure to peers and releases the socket.
func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		if n.conn != nil {
			n.broadcast(Message{Kind: msgLeave, From: n.cfg.URL, Addr: n.cfg.BindAddr})
		}
		close(n.stop)
		if n.conn != nil {
			_ = n.conn.Close()
		}
		n.wg.Wait()
		if n.started {
			n.members.Stop()
		}
	})
	return nil
}

// Close implements the cluster channel contract.
func (n *Node) Close() error {
	return n.Stop()
}

// Publish sends payload on channel to every known peer. Per-peer send
// failures are reported through OnError; UDP gives no delivery guarantee.
func (n *Node) Publish(ctx context.Context, channel string, payload []byte) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if n.conn == nil {
		return ErrNotStarted
	}
	data, err := encodeMessage(Message{
		Kind:    msgPublish,
		From:    n.cfg.URL,
		Addr:    n.cfg.BindAddr,
		Channel: channel,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("gossip: encode message: %w", err)
	}
	if len(data) > maxDatagram {
		return ErrMessageTooLarge
	}
	for _, peer := range n.Peers() {
		n.send(peer, data)
	}
	return nil
}

// Subscribe registers handler for payloads published by peers on channel.
func (n *Node) Subscribe(channel string, handler func([]byte)) (func(), error) {
	sub := &subscription{handler: handler}
	n.subsMu.Lock()
	n.subs[channel] = append(slices.Clone(n.subs[channel]), sub)
	n.subsMu.Unlock()

	return func() {
		n.subsMu.Lock()
		defer n.subsMu.Unlock()
		n.subs[channel] = slices.DeleteFunc(slices.Clone(n.subs[channel]), func(s *subscription) bool {
			return s == sub
		})
		if len(n.subs[channel]) == 0 {
			delete(n.subs, channel)
		}
	}, nil
}

// Members returns the URLs of peers heard from within the peer timeout.
func (n *Node) Members() []string {
	members := n.members.Keys()
	slices.Sort(members)
	return members
}

func (n *Node) readLoop() {
	defer n.wg.Done()
	buf := make([]byte, maxDatagram)

	for {
		n.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		nbytes, _, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-n.stop:
				return
			default:
				continue
			}
		}

		msg, err := decodeMessage(buf[:nbytes])
		if err != nil {
			n.reportErr(fmt.Errorf("gossip: decode message: %w", err))
			continue
		}
		if msg.From == n.cfg.URL {
			continue
		}
		switch msg.Kind {
		case msgHeartbeat:
			n.handleHeartbeat(msg)
		case msgPublish:
			n.handleHeartbeat(msg)
			n.dispatch(msg.Channel, msg.Payload)
		case msgLeave:
			n.members.Delete(msg.From)
		}
	}
}

func (n *Node) heartbeatLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.Interval)
	defer ticker.Stop()

	n.broadcast(Message{Kind: msgHeartbeat, From: n.cfg.URL, Addr: n.cfg.BindAddr})
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			n.broadcast(Message{Kind: msgHeartbeat, From: n.cfg.URL, Addr: n.cfg.BindAddr})
		}
	}
}

func (n *Node) handleHeartbeat(msg Message) {
	if msg.From == "" {
		return
	}
	if msg.Addr != "" {
		n.AddPeers([]string{msg.Addr})
	}
	known := n.members.Has(msg.From)
	n.members.Set(msg.From, msg.Addr, ttlcache.DefaultTTL)
	if !known && n.cfg.OnJoin != nil {
		n.cfg.OnJoin(msg.From)
	}
}

func (n *Node) dispatch(channel string, payload []byte) {
	n.subsMu.RLock()
	subs := n.subs[channel]
	n.subsMu.RUnlock()
	for _, sub := range subs {
		sub.handler(payload)
	}
}

func (n *Node) broadcast(msg Message) {
	data, err := encodeMessage(msg)
	if err != nil {
		n.reportErr(fmt.Errorf("gossip: encode message: %w", err))
		return
	}
	for _, peer := range n.Peers() {
		n.send(peer, data)
	}
}

func (n *Node) send(addr string, data []byte) {
	peerAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		n.reportErr(fmt.Errorf("gossip: resolve addr: %w", err))
		return
	}
	if _, err := n.conn.WriteToUDP(data, peerAddr); err != nil {
		n.reportErr(fmt.Errorf("gossip: send: %w", err))
	}
}

func filterPeers(bindAddr string, peers []string) []string {
	seen := make(map[string]struct{}, len(peers))
	out := make([]string, 0, len(peers))
	for _, peer := range peers {
		if peer == "" || peer == bindAddr {
			continue
		}
		if _, ok := seen[peer]; ok {
			continue
		}
		seen[peer] = struct{}{}
		out = append(out, peer)
	}
	return out
}

func (n *Node) AddPeers(peers []string) {
	filtered := filterPeers(n.cfg.BindAddr, peers)
	if len(filtered) == 0 {
		return
	}
	n.peersMu.Lock()
	for _, peer := range filtered {
		if _, ok := n.peersSet[peer]; ok {
			continue
		}
		n.peersSet[peer] = struct{}{}
		n.peers = append(n.peers, peer)
	}
	n.peersMu.Unlock()
}

// Peers returns a copy of the known gossip addresses.
func (n *Node) Peers() []string {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	return slices.Clone(n.peers)
}

func (n *Node) reportErr(err error) {
	if n.cfg.OnError == nil || err == nil {
		return
	}
	n.cfg.OnError(err)
}
