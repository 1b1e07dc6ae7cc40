package p2pnet

import (
	"context"
	"testing"
	"time"
)

func TestParsePeerAddrRoundTrip(t *testing.T) {
	h, err := New(Config{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer h.Close()

	addrs := h.host.Addrs()
	if len(addrs) == 0 {
		t.Fatal("host has no listen addresses")
	}
	full := addrs[0].String() + "/p2p/" + h.ID().String()

	info, err := ParsePeerAddr(full)
	if err != nil {
		t.Fatalf("ParsePeerAddr: %v", err)
	}
	if info.ID != h.ID() {
		t.Fatalf("ID = %s, want %s", info.ID, h.ID())
	}
}

func TestParsePeerAddrRejectsMalformed(t *testing.T) {
	if _, err := ParsePeerAddr("not-a-multiaddr"); err == nil {
		t.Fatal("expected ParsePeerAddr to reject a malformed address")
	}
}

func TestBootstrapSkipsMalformedAddressesAndDialsTheRest(t *testing.T) {
	target, err := New(Config{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}, MaxPeers: 10}, nil)
	if err != nil {
		t.Fatalf("New(target): %v", err)
	}
	defer target.Close()

	h, err := New(Config{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}, MaxPeers: 10}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer h.Close()

	targetAddr := target.host.Addrs()[0].String() + "/p2p/" + target.ID().String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h.Bootstrap(ctx, []string{"garbage-address", targetAddr})

	found := false
	for _, p := range h.Peers() {
		if p.ID == target.ID() {
			found = true
		}
	}
	if !found {
		t.Fatal("Bootstrap did not connect to the valid address among a malformed one")
	}
}
