package logindex

import (
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/banyannet/bamboo-node/pkg/entry"
)

func testSigned(t *testing.T, logID, seqNum uint64, payload string) entry.Signed {
	t.Helper()
	priv, pub, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		t.Fatalf("GenerateEd25519Key: %v", err)
	}
	author, err := peer.IDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("IDFromPublicKey: %v", err)
	}

	s, err := entry.Sign(priv, entry.Entry{Author: author, LogID: logID, SeqNum: seqNum, Payload: []byte(payload)})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return s
}

func TestSearchIndexFreeText(t *testing.T) {
	idx, err := OpenSearchIndex(filepath.Join(t.TempDir(), "index.bleve"))
	if err != nil {
		t.Fatalf("OpenSearchIndex: %v", err)
	}
	defer idx.Close()

	a := testSigned(t, 1, 1, "the quick brown fox")
	b := testSigned(t, 1, 2, "completely unrelated text")

	if err := idx.Index(a); err != nil {
		t.Fatalf("Index a: %v", err)
	}
	if err := idx.Index(b); err != nil {
		t.Fatalf("Index b: %v", err)
	}

	hits, err := idx.Search("fox")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0] != a.Hash.String() {
		t.Fatalf("Search(%q) = %v, want [%s]", "fox", hits, a.Hash)
	}
}

func TestSearchIndexQueryByAuthorAndLog(t *testing.T) {
	idx, err := OpenSearchIndex(filepath.Join(t.TempDir(), "index.bleve"))
	if err != nil {
		t.Fatalf("OpenSearchIndex: %v", err)
	}
	defer idx.Close()

	a := testSigned(t, 5, 1, "entry one")
	if err := idx.Index(a); err != nil {
		t.Fatalf("Index: %v", err)
	}

	hits, err := idx.Query(a.Entry.Author.String(), 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 1 || hits[0] != a.Hash.String() {
		t.Fatalf("Query = %v, want [%s]", hits, a.Hash)
	}

	hits, err = idx.Query(a.Entry.Author.String(), 6)
	if err != nil {
		t.Fatalf("Query other log: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("Query(other logId) = %v, want empty", hits)
	}
}
