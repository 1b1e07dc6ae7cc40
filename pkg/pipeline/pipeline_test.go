package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/banyannet/bamboo-node/pkg/entry"
)

// fakeStore, fakeBloom and fakeSearch satisfy the pipeline's narrow
// Store/Bloom/Search interfaces without touching a real database or
// bleve index.
type fakeStore struct {
	mu      sync.Mutex
	stored  []entry.Signed
	failing bool
}

func (s *fakeStore) InsertEntry(ctx context.Context, e entry.Signed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errFakeStoreFailure
	}
	s.stored = append(s.stored, e)
	return nil
}

var errFakeStoreFailure = fakeErr("fake store failure")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

type fakeBloom struct {
	mu    sync.Mutex
	added []entry.Hash
}

func (b *fakeBloom) Add(h entry.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.added = append(b.added, h)
}

type fakeSearch struct {
	mu      sync.Mutex
	indexed []entry.Signed
}

func (s *fakeSearch) Index(e entry.Signed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexed = append(s.indexed, e)
	return nil
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func signedEntry(t *testing.T, seqNum uint64, payload string) entry.Signed {
	t.Helper()
	priv, pub, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		t.Fatalf("GenerateEd25519Key: %v", err)
	}
	author, err := peer.IDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("IDFromPublicKey: %v", err)
	}
	s, err := entry.Sign(priv, entry.Entry{Author: author, LogID: 1, SeqNum: seqNum, Payload: []byte(payload)})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return s
}

func TestPipelineStoresIndexesAndBroadcastsAValidEntry(t *testing.T) {
	store := &fakeStore{}
	bloom := &fakeBloom{}
	search := &fakeSearch{}
	f, deps := NewFactory(store, bloom, search, nil, 64)
	Build(f, PoolSizes{Verify: 1, Store: 1, Index: 1, Broadcast: 1})

	s := signedEntry(t, 1, "hello")
	Submit(f, s)

	waitUntil(t, time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		search.mu.Lock()
		defer search.mu.Unlock()
		return len(store.stored) == 1 && len(search.indexed) == 1
	})

	// The index and broadcast pools each hold one reference; once both
	// finish the pending cache must be empty again.
	waitUntil(t, time.Second, func() bool {
		deps.mu.Lock()
		defer deps.mu.Unlock()
		return len(deps.pending) == 0
	})
}

func TestPipelineRejectsInvalidEntry(t *testing.T) {
	store := &fakeStore{}
	bloom := &fakeBloom{}
	search := &fakeSearch{}
	f, deps := NewFactory(store, bloom, search, nil, 64)
	Build(f, PoolSizes{Verify: 1, Store: 1, Index: 1, Broadcast: 1})

	s := signedEntry(t, 1, "hello")
	s.Signature = []byte("not a valid signature")
	Submit(f, s)

	waitUntil(t, time.Second, func() bool {
		deps.mu.Lock()
		defer deps.mu.Unlock()
		_, stillPending := deps.pending[s.Hash]
		return !stillPending
	})

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.stored) != 0 {
		t.Fatalf("invalid entry was stored: %v", store.stored)
	}
}
