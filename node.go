package oort

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/DobryySoul/oort/internal/discovery"
	"github.com/DobryySoul/oort/internal/gossip"
)

const tracerName = "github.com/DobryySoul/oort"

const (
	objectChannelPrefix = "/oort/objects/"
	syncChannel         = "/oort/sync"
)

type envelopeHandler func(ctx context.Context, env *Envelope)

// member is implemented by started objects so the node can forward
// membership changes to them.
type member interface {
	reshare(ctx context.Context) error
	peerLeft(url string)
}

type channel struct {
	handlers    []*envelopeHandler
	unsubscribe func()
}

// Node hosts shared objects for one cluster member.
// It is safe for concurrent use by multiple goroutines.
type Node struct {
	cfg       Config
	url       string
	logger    *slog.Logger
	transport Transport
	gossip    *gossip.Node
	discovery *discovery.MDNS

	channelsMu sync.RWMutex
	channels   map[string]*channel

	objects *xsync.MapOf[string, member]
	peers   *xsync.MapOf[string, struct{}]

	mu     sync.RWMutex
	closed bool
}

// New creates a node with the provided options.
//
// Without WithBindAddr or WithTransport the node is standalone: shares are
// applied locally and nothing leaves the process.
func New(opts ...Option) (*Node, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	n := &Node{
		cfg:       cfg,
		url:       cfg.NodeURL,
		logger:    cfg.logger.With("node", cfg.NodeURL),
		transport: cfg.transport,
		channels:  make(map[string]*channel),
		objects:   xsync.NewMapOf[string, member](),
		peers:     xsync.NewMapOf[string, struct{}](),
	}
	if cfg.BindAddr != "" {
		node := gossip.NewNode(gossip.Config{
			URL:         cfg.NodeURL,
			BindAddr:    cfg.BindAddr,
			Seeds:       cfg.Seeds,
			Interval:    cfg.HeartbeatInterval,
			PeerTimeout: cfg.PeerTimeout,
			OnJoin:      n.PeerJoined,
			OnLeave:     n.PeerLeft,
			OnError:     cfg.errorHandler,
		})
		if err := node.Start(); err != nil {
			return nil, err
		}
		n.gossip = node
		n.transport = node
		if cfg.Discovery {
			mdns, err := discovery.NewMDNS(instanceName(cfg.NodeURL), cfg.NodeURL, cfg.BindAddr, func(peer discovery.Peer) {
				node.AddPeers(peer.Addrs)
			})
			if err != nil {
				_ = node.Stop()
				return nil, err
			}
			n.discovery = mdns
		}
	}
	if n.transport != nil {
		if _, err := n.subscribe(syncChannel, n.onSync); err != nil {
			if n.discovery != nil {
				n.discovery.Stop()
			}
			_ = n.transport.Close()
			return nil, err
		}
	}
	n.logger.Info("node started", "bind", cfg.BindAddr, "standalone", n.transport == nil)
	return n, nil
}

// URL returns the owner URL of this node.
func (n *Node) URL() string {
	return n.url
}

// Peers returns the URLs of the remote nodes currently known to be alive.
func (n *Node) Peers() []string {
	var peers []string
	n.peers.Range(func(url string, _ struct{}) bool {
		peers = append(peers, url)
		return true
	})
	slices.Sort(peers)
	return peers
}

// PeerJoined is the node directory entry point for a member joining the
// cluster. Every started object re-shares its local snapshot so the
// newcomer has a base to apply entry updates against, and the newcomer is
// asked to do the same, since this node may have evicted it earlier.
func (n *Node) PeerJoined(url string) {
	if url == n.url {
		return
	}
	if _, loaded := n.peers.LoadOrStore(url, struct{}{}); loaded {
		return
	}
	n.logger.Info("peer joined", "peer", url)
	ctx := context.Background()
	if err := n.Resync(ctx); err != nil {
		n.logger.Warn("sharing snapshots with new peer failed", "peer", url, "error", err)
	}
	if err := n.requestSync(ctx, url); err != nil {
		n.logger.Warn("requesting snapshots from new peer failed", "peer", url, "error", err)
	}
}

// Resync re-shares the local snapshot of every started object with the
// remote members under a new version, so mirrors that lost updates catch
// up. Transports without membership events can call it periodically so
// late joiners learn the base snapshots.
func (n *Node) Resync(ctx context.Context) error {
	if err := n.check(ctx); err != nil {
		return err
	}
	var errs []error
	n.objects.Range(func(name string, m member) bool {
		if err := m.reshare(ctx); err != nil {
			errs = append(errs, pkgerrors.Wrapf(err, "reshare %s", name))
		}
		return true
	})
	return errors.Join(errs...)
}

// requestSync asks target to re-share its snapshots with the cluster.
func (n *Node) requestSync(ctx context.Context, target string) error {
	if n.transport == nil {
		return nil
	}
	err := n.broadcast(ctx, syncChannel, &Envelope{
		OwnerURL: n.url,
		Type:     TypeSync,
		Target:   target,
	})
	if err != nil {
		return err
	}
	syncRequests.WithLabelValues("sent").Inc()
	return nil
}

func (n *Node) onSync(ctx context.Context, env *Envelope) {
	if env.Type != TypeSync {
		n.logger.Warn("dropping sync message", "error", ErrUnknownType, "type", env.Type, "peer", env.OwnerURL)
		return
	}
	if env.Target != "" && env.Target != n.url {
		return
	}
	syncRequests.WithLabelValues("received").Inc()
	n.logger.Debug("peer requested snapshots", "peer", env.OwnerURL)
	if err := n.Resync(ctx); err != nil {
		n.logger.Warn("sharing snapshots on request failed", "peer", env.OwnerURL, "error", err)
	}
}

// PeerLeft is the node directory entry point for a member leaving the
// cluster. Its snapshots are evicted from every object and listeners are
// notified through OnRemoved.
func (n *Node) PeerLeft(url string) {
	if url == n.url {
		return
	}
	n.peers.Delete(url)
	n.logger.Info("peer left", "peer", url)
	n.objects.Range(func(_ string, m member) bool {
		m.peerLeft(url)
		return true
	})
}

// Close releases resources and marks the node as closed.
// Further operations will return ErrClosed.
// The provided context allows cancellation of the close operation.
func (n *Node) Close(ctx context.Context) error {
	if err := mapContextErr(ctx); err != nil {
		return err
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.closed = true
	n.mu.Unlock()

	n.objects.Clear()
	if n.discovery != nil {
		n.discovery.Stop()
	}
	if n.transport != nil {
		if err := n.transport.Close(); err != nil {
			return pkgerrors.Wrap(err, "close transport")
		}
	}
	n.logger.Info("node closed")
	return nil
}

func (n *Node) register(name string, m member) error {
	if _, loaded := n.objects.LoadOrStore(name, m); loaded {
		return fmt.Errorf("%w: %s", ErrObjectExists, name)
	}
	return nil
}

func (n *Node) unregister(name string) {
	n.objects.Delete(name)
}

// subscribe registers handler for envelopes on name. The first local
// subscription also subscribes the transport.
func (n *Node) subscribe(name string, handler envelopeHandler) (func(), error) {
	n.channelsMu.Lock()
	defer n.channelsMu.Unlock()

	ch, ok := n.channels[name]
	if !ok {
		ch = &channel{}
		if n.transport != nil {
			unsubscribe, err := n.transport.Subscribe(name, func(payload []byte) {
				n.receive(name, payload)
			})
			if err != nil {
				return nil, pkgerrors.Wrapf(err, "subscribe %s", name)
			}
			ch.unsubscribe = unsubscribe
		}
		n.channels[name] = ch
	}
	h := &handler
	ch.handlers = append(slices.Clone(ch.handlers), h)

	var once sync.Once
	return func() {
		once.Do(func() {
			n.channelsMu.Lock()
			defer n.channelsMu.Unlock()
			ch.handlers = slices.DeleteFunc(slices.Clone(ch.handlers), func(other *envelopeHandler) bool {
				return other == h
			})
			if len(ch.handlers) == 0 {
				if ch.unsubscribe != nil {
					ch.unsubscribe()
				}
				delete(n.channels, name)
			}
		})
	}, nil
}

// publish delivers env to the local subscribers of name synchronously and
// then hands it to the transport for the remote members.
func (n *Node) publish(ctx context.Context, name string, env *Envelope) error {
	if err := n.check(ctx); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := startShareSpan(ctx, name, env)
	defer span.End()

	n.deliver(ctx, name, env)
	if err := n.send(ctx, name, env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// broadcast sends env to the remote members only.
func (n *Node) broadcast(ctx context.Context, name string, env *Envelope) error {
	if err := n.check(ctx); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := startShareSpan(ctx, name, env)
	defer span.End()

	if err := n.send(ctx, name, env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (n *Node) send(ctx context.Context, name string, env *Envelope) error {
	if n.transport == nil {
		return nil
	}
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := n.transport.Publish(ctx, name, data); err != nil {
		return pkgerrors.Wrapf(err, "publish %s", name)
	}
	return nil
}

func (n *Node) receive(name string, payload []byte) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		updatesDropped.WithLabelValues(strings.TrimPrefix(name, objectChannelPrefix), dropUndecodable).Inc()
		n.logger.Warn("dropping undecodable message", "channel", name, "error", err)
		n.cfg.errorHandler(err)
		return
	}
	if env.OwnerURL == n.url {
		// Only this node authors updates under its URL; anything arriving
		// from the network with it is a reflection.
		return
	}
	n.deliver(context.Background(), name, env)
}

func (n *Node) deliver(ctx context.Context, name string, env *Envelope) {
	n.channelsMu.RLock()
	ch, ok := n.channels[name]
	var handlers []*envelopeHandler
	if ok {
		handlers = ch.handlers
	}
	n.channelsMu.RUnlock()
	for _, h := range handlers {
		(*h)(ctx, env)
	}
}

func (n *Node) check(ctx context.Context) error {
	if err := mapContextErr(ctx); err != nil {
		return err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrClosed
	}
	return nil
}

func startShareSpan(ctx context.Context, name string, env *Envelope) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("oort.channel", name),
		attribute.String("oort.owner", env.OwnerURL),
		attribute.Int64("oort.version", int64(env.Version)),
		attribute.String("oort.type", string(env.Type)),
	}
	if env.Action != "" {
		attrs = append(attrs, attribute.String("oort.action", string(env.Action)))
	}
	return otel.Tracer(tracerName).Start(ctx, "oort.share", trace.WithAttributes(attrs...))
}

// instanceName derives a DNS-safe mDNS instance label from a node URL.
func instanceName(url string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(url))
	return fmt.Sprintf("oort-%016x", h.Sum64())
}

func mapContextErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		if errors.Is(err, context.Canceled) {
			return ErrCanceled
		}
		return err
	}
	return nil
}
