// Package p2pnet is the libp2p transport a node uses to exchange signed
// entries with its peers: a stream handler for inbound entries and a
// broadcast that fans an entry out to every connected peer.
package p2pnet

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"github.com/banyannet/bamboo-node/pkg/entry"
	"github.com/banyannet/bamboo-node/pkg/logging"
)

// EntryProtocol is the libp2p stream protocol entries are exchanged over.
const EntryProtocol protocol.ID = "/bamboo/entry/1.0.0"

// OnEntry is called for every entry a peer sends us, before it has been
// verified. Implementations are expected to verify it and admit it into
// the local pipeline (typically by queuing a "verify" task).
type OnEntry func(from peer.ID, s entry.Signed)

// PeerInfo tracks the bookkeeping this node keeps about a connected peer,
// trimmed to what a log node's gossip layer needs (no bandwidth or
// reputation scoring, which belongs to a different domain).
type PeerInfo struct {
	ID          peer.ID
	ConnectedAt time.Time
}

// Host wraps a libp2p host.Host with the entry stream handler and a
// simple connected-peer registry.
type Host struct {
	host     host.Host
	maxPeers int
	onEntry  OnEntry

	mu    sync.RWMutex
	peers map[peer.ID]*PeerInfo
}

// Config configures a Host.
type Config struct {
	ListenAddrs []string
	MaxPeers    int

	// Identity, if set, is the host's persistent libp2p identity key
	// (see pkg/nodekey). A nil Identity falls back to libp2p's default of
	// generating a fresh key per process, which gives the host a new
	// peer.ID every restart.
	Identity crypto.PrivKey
}

// New creates a libp2p host listening on cfg.ListenAddrs and registers the
// entry stream handler, invoking onEntry for every entry received from a
// peer.
func New(cfg Config, onEntry OnEntry) (*Host, error) {
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.Ping(false),
	}
	if cfg.Identity != nil {
		opts = append(opts, libp2p.Identity(cfg.Identity))
	}

	lh, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("p2pnet: create libp2p host: %w", err)
	}

	h := &Host{
		host:     lh,
		maxPeers: cfg.MaxPeers,
		onEntry:  onEntry,
		peers:    make(map[peer.ID]*PeerInfo),
	}
	lh.SetStreamHandler(EntryProtocol, h.handleStream)

	logging.Info("p2p host initialized", map[string]interface{}{
		"peer_id":   lh.ID().String(),
		"addresses": lh.Addrs(),
	})

	return h, nil
}

// ID returns this host's peer id.
func (h *Host) ID() peer.ID { return h.host.ID() }

// Close shuts down the underlying libp2p host.
func (h *Host) Close() error { return h.host.Close() }

// Connect dials addr and registers the resulting peer, refusing the
// connection if the peer count would exceed MaxPeers.
func (h *Host) Connect(ctx context.Context, addr peer.AddrInfo) error {
	h.mu.Lock()
	if len(h.peers) >= h.maxPeers {
		h.mu.Unlock()
		return fmt.Errorf("p2pnet: at max peer count (%d)", h.maxPeers)
	}
	h.mu.Unlock()

	if err := h.host.Connect(ctx, addr); err != nil {
		return fmt.Errorf("p2pnet: connect to %s: %w", addr.ID, err)
	}

	h.mu.Lock()
	h.peers[addr.ID] = &PeerInfo{ID: addr.ID, ConnectedAt: time.Now()}
	h.mu.Unlock()
	return nil
}

// ParsePeerAddr parses a full peer multiaddr (a "/ip4/.../tcp/.../p2p/<id>"
// style address, as used for bootstrap peers in configuration) into the
// peer.AddrInfo Connect expects.
func ParsePeerAddr(s string) (peer.AddrInfo, error) {
	maddr, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("p2pnet: parse multiaddr %q: %w", s, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("p2pnet: resolve peer from multiaddr %q: %w", s, err)
	}
	return *info, nil
}

// Bootstrap dials every address in addrs (each a full peer multiaddr, see
// ParsePeerAddr). It logs and continues past individual dial failures
// rather than aborting the whole set, the same fan-out error policy as
// Broadcast.
func (h *Host) Bootstrap(ctx context.Context, addrs []string) {
	for _, raw := range addrs {
		info, err := ParsePeerAddr(raw)
		if err != nil {
			logging.Warn("p2pnet: skipping malformed bootstrap address", map[string]interface{}{
				"addr": raw, "error": err.Error(),
			})
			continue
		}
		if err := h.Connect(ctx, info); err != nil {
			logging.Warn("p2pnet: bootstrap dial failed", map[string]interface{}{
				"peer": info.ID.String(), "error": err.Error(),
			})
		}
	}
}

// Peers returns a snapshot of currently connected peers.
func (h *Host) Peers() []PeerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]PeerInfo, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, *p)
	}
	return out
}

// Broadcast opens a stream to every connected peer and writes the
// JSON-encoded entry. Failures for individual peers are logged and
// skipped rather than aborting the whole broadcast.
func (h *Host) Broadcast(ctx context.Context, s entry.Signed) {
	for _, p := range h.Peers() {
		if err := h.send(ctx, p.ID, s); err != nil {
			logging.Warn("p2pnet: broadcast to peer failed", map[string]interface{}{
				"peer":  p.ID.String(),
				"error": err.Error(),
			})
		}
	}
}

func (h *Host) send(ctx context.Context, to peer.ID, s entry.Signed) error {
	stream, err := h.host.NewStream(ctx, to, EntryProtocol)
	if err != nil {
		return fmt.Errorf("p2pnet: open stream to %s: %w", to, err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(s); err != nil {
		return fmt.Errorf("p2pnet: encode entry to %s: %w", to, err)
	}
	return nil
}

func (h *Host) handleStream(stream network.Stream) {
	defer stream.Close()

	remote := stream.Conn().RemotePeer()
	reader := bufio.NewReader(stream)

	var s entry.Signed
	if err := json.NewDecoder(reader).Decode(&s); err != nil {
		logging.Warn("p2pnet: malformed entry from peer", map[string]interface{}{
			"peer":  remote.String(),
			"error": err.Error(),
		})
		return
	}

	if h.onEntry != nil {
		h.onEntry(remote, s)
	}
}
