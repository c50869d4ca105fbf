// Package discovery announces and finds feedkv nodes on the local network.
// It is a bootstrap aid only: discovered peers are handed to the connection
// manager, which owns the actual dialing policy.
package discovery

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/feedkv/feedkv/network"
)

const serviceName = "_feedkv._tcp"

// MDNS announces the local node for one database and browses for other
// nodes of the same database on the LAN.
type MDNS struct {
	peerID   string
	database string
	server   *zeroconf.Server
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewMDNS registers the local node under the database's service records and
// starts browsing. onPeer is called once per discovered address with a
// provider record carrying the remote peer id and a host:port hint.
func NewMDNS(peerID, database string, port int, onPeer func(network.Provider)) (*MDNS, error) {
	if port <= 0 {
		return nil, fmt.Errorf("discovery: invalid port %d", port)
	}

	server, err := zeroconf.Register(peerID, serviceName, "local.", port, []string{
		"peer=" + peerID,
		"db=" + database,
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
	m := &MDNS{
		peerID:   peerID,
		database: database,
		server:   server,
		cancel:   cancel,
	}

	m.wg.Add(1)
	go m.browseLoop(entries, onPeer)

	if err := resolver.Browse(ctx, serviceName, "local.", entries); err != nil {
		cancel()
		server.Shutdown()
		m.wg.Wait()
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}
	return m, nil
}

func (m *MDNS) browseLoop(entries <-chan *zeroconf.ServiceEntry, onPeer func(network.Provider)) {
	defer m.wg.Done()
	for entry := range entries {
		if !m.sameDatabase(entry) || m.isSelf(entry) {
			continue
		}
		id := peerIDOf(entry)
		for _, ip := range entry.AddrIPv4 {
			onPeer(network.Provider{
				ID:    id,
				Addrs: []string{net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port))},
			})
		}
		for _, ip := range entry.AddrIPv6 {
			onPeer(network.Provider{
				ID:    id,
				Addrs: []string{net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port))},
			})
		}
	}
}

func (m *MDNS) sameDatabase(entry *zeroconf.ServiceEntry) bool {
	return slices.Contains(entry.Text, "db="+m.database)
}

// isSelf returns true if the discovered service entry belongs to this node.
func (m *MDNS) isSelf(entry *zeroconf.ServiceEntry) bool {
	return slices.Contains(entry.Text, "peer="+m.peerID)
}

func peerIDOf(entry *zeroconf.ServiceEntry) string {
	for _, txt := range entry.Text {
		if rest, ok := strings.CutPrefix(txt, "peer="); ok {
			return rest
		}
	}
	return ""
}

// Stop shuts down the announcement and the browse loop.
func (m *MDNS) Stop() {
	if m == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.server.Shutdown()
}
