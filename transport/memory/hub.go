// Package memory provides an in-process cluster channel. All connections of
// a Hub behave like members of one cluster; delivery is synchronous.
package memory

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
)

var (
	ErrClosed        = errors.New("memory: connection closed")
	ErrDuplicateConn = errors.New("memory: url already connected")
)

// Hub connects in-process members.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Conn)}
}

// Connect attaches a member identified by url.
func (h *Hub) Connect(url string) (*Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[url]; ok {
		return nil, ErrDuplicateConn
	}
	c := &Conn{hub: h, url: url, subs: make(map[string][]*subscription)}
	h.conns[url] = c
	return c, nil
}

// Members returns the urls of the connected members.
func (h *Hub) Members() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	urls := make([]string, 0, len(h.conns))
	for url := range h.conns {
		urls = append(urls, url)
	}
	slices.Sort(urls)
	return urls
}

func (h *Hub) others(url string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for other, c := range h.conns {
		if other != url {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b *Conn) int {
		return cmp.Compare(a.url, b.url)
	})
	return out
}

func (h *Hub) remove(url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, url)
}

type subscription struct {
	handler func([]byte)
}

// Conn is one member's view of the hub.
type Conn struct {
	hub *Hub
	url string

	mu     sync.RWMutex
	subs   map[string][]*subscription
	closed bool

	filter func(to string) bool
}

// Publish delivers payload to every other member subscribed on channel,
// on the caller's goroutine.
func (c *Conn) Publish(ctx context.Context, channel string, payload []byte) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	c.mu.RLock()
	closed := c.closed
	filter := c.filter
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	for _, other := range c.hub.others(c.url) {
		if filter != nil && !filter(other.url) {
			continue
		}
		other.deliver(channel, slices.Clone(payload))
	}
	return nil
}

func (c *Conn) Subscribe(channel string, handler func([]byte)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	sub := &subscription{handler: handler}
	c.subs[channel] = append(slices.Clone(c.subs[channel]), sub)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.subs[channel] = slices.DeleteFunc(slices.Clone(c.subs[channel]), func(s *subscription) bool {
			return s == sub
		})
	}, nil
}

// Close detaches the member from the hub.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subs = make(map[string][]*subscription)
	c.mu.Unlock()
	c.hub.remove(c.url)
	return nil
}

// SetFilter installs a predicate deciding whether a publish reaches the
// member named to. A nil filter delivers to everyone. It is meant for
// simulating partitions.
func (c *Conn) SetFilter(filter func(to string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter = filter
}

func (c *Conn) deliver(channel string, payload []byte) {
	c.mu.RLock()
	subs := c.subs[channel]
	c.mu.RUnlock()
	for _, sub := range subs {
		sub.handler(payload)
	}
}
