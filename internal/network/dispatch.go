package network

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/p2panda/p2panda-sub000/log"
)

// LogSyncProtocolID is the application-layer protocol string the
// network manager negotiates for a log-sync session, the rough
// equivalent of a TLS ALPN identifier at the libp2p stream-multiplexer
// layer.
const LogSyncProtocolID protocol.ID = "/p2panda-sub000/logsync/1.0.0"

// StreamHandler processes one freshly accepted inbound stream for a
// protocol this manager dispatches.
type StreamHandler func(s network.Stream)

// Dispatcher registers per-protocol stream handlers on a host and
// tracks every peer that has ever connected, feeding an AddressBook.
type Dispatcher struct {
	mu       sync.Mutex
	host     host.Host
	log      log.Logger
	book     *AddressBook
	handlers map[protocol.ID]StreamHandler
}

// NewDispatcher wires handler registration and connection bookkeeping
// onto h.
func NewDispatcher(h host.Host, l log.Logger, book *AddressBook) *Dispatcher {
	d := &Dispatcher{host: h, log: l, book: book, handlers: make(map[protocol.ID]StreamHandler)}
	h.Network().Notify(&connNotifiee{book: book})
	return d
}

// Register installs handler for proto, replacing any handler for the
// same protocol already registered.
func (d *Dispatcher) Register(proto protocol.ID, handler StreamHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[proto] = handler
	d.host.SetStreamHandler(proto, func(s network.Stream) {
		d.log.Debugw("accepted stream", "protocol", proto, "peer", s.Conn().RemotePeer())
		handler(s)
	})
}

// Dial opens a fresh outbound stream to peerID negotiating proto,
// recording the peer in the address book on success.
func (d *Dispatcher) Dial(ctx context.Context, peerID peer.ID, proto protocol.ID) (network.Stream, error) {
	s, err := d.host.NewStream(ctx, peerID, proto)
	if err != nil {
		return nil, err
	}
	d.book.Add(peerID)
	return s, nil
}

// connNotifiee records every peer we connect to (inbound or outbound)
// into the address book, the source of truth the scheduler consults
// for who to sync with.
type connNotifiee struct {
	book *AddressBook
}

func (n *connNotifiee) Listen(network.Network, ma.Multiaddr)      {}
func (n *connNotifiee) ListenClose(network.Network, ma.Multiaddr) {}
func (n *connNotifiee) Connected(net network.Network, c network.Conn) {
	n.book.Add(c.RemotePeer())
}
func (n *connNotifiee) Disconnected(network.Network, network.Conn) {}
