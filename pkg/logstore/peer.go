package logstore

import "github.com/libp2p/go-libp2p/core/peer"

// decodePeerID parses the textual peer id logstore persists author columns
// as, back into the libp2p type entry.Entry expects.
func decodePeerID(s string) (peer.ID, error) {
	return peer.Decode(s)
}
