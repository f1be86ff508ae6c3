package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

const serviceName = "_oort._udp"

const urlPrefix = "url="

// Peer is a node found on the local network.
type Peer struct {
	URL   string
	Addrs []string
}

// MDNS provides service discovery via mDNS in the local network.
type MDNS struct {
	url    string
	server *zeroconf.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMDNS announces the local node and discovers peers on the LAN.
// instance must be a DNS-safe label unique to this node; url is published
// in the TXT record so peers can tell owners apart. onPeer is called for
// every discovered node other than this one.
func NewMDNS(instance, url, bindAddr string, onPeer func(Peer)) (*MDNS, error) {
	_, portStr, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid bind addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid port: %w", err)
	}

	server, err := zeroconf.Register(instance, serviceName, "local.", port, []string{
		urlPrefix + url,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register: %w", err)
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		server.Shutdown()
		return nil, fmt.Errorf("discovery: resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entries := make(chan *zeroconf.ServiceEntry)
	mdns := &MDNS{
		url:    url,
		server: server,
		cancel: cancel,
	}

	mdns.wg.Add(1)
	go mdns.browseLoop(entries, onPeer)

	if err := resolver.Browse(ctx, serviceName, "local.", entries); err != nil {
		cancel()
		server.Shutdown()
		mdns.wg.Wait()
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}

	return mdns, nil
}

func (m *MDNS) browseLoop(entries <-chan *zeroconf.ServiceEntry, onPeer func(Peer)) {
	defer m.wg.Done()
	for entry := range entries {
		peer, ok := peerFromEntry(entry)
		if !ok || peer.URL == m.url {
			continue
		}
		onPeer(peer)
	}
}

func peerFromEntry(entry *zeroconf.ServiceEntry) (Peer, bool) {
	var peer Peer
	for _, txt := range entry.Text {
		if url, ok := strings.CutPrefix(txt, urlPrefix); ok {
			peer.URL = url
		}
	}
	if peer.URL == "" {
		return Peer{}, false
	}
	port := strconv.Itoa(entry.Port)
	for _, ip := range entry.AddrIPv4 {
		peer.Addrs = append(peer.Addrs, net.JoinHostPort(ip.String(), port))
	}
	for _, ip := range entry.AddrIPv6 {
		peer.Addrs = append(peer.Addrs, net.JoinHostPort(ip.String(), port))
	}
	return peer, len(peer.Addrs) > 0
}

// Stop shuts down the discovery service.
func (m *MDNS) Stop() {
	if m == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.server.Shutdown()
}
