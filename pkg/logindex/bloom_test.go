package logindex

import (
	"testing"

	"github.com/banyannet/bamboo-node/pkg/entry"
)

func TestBloomIndexAddAndMaybeSeen(t *testing.T) {
	idx := NewBloomIndex(1000, 0.01)

	h := entry.HashOf([]byte("payload-a"))
	if idx.MaybeSeen(h) {
		t.Fatal("MaybeSeen: expected false before Add")
	}

	idx.Add(h)
	if !idx.MaybeSeen(h) {
		t.Fatal("MaybeSeen: expected true after Add")
	}
}

func TestBloomIndexDistinctHashes(t *testing.T) {
	idx := NewBloomIndex(1000, 0.01)
	idx.Add(entry.HashOf([]byte("one")))

	if idx.MaybeSeen(entry.HashOf([]byte("completely-different-payload"))) {
		t.Skip("false positive from the bloom filter; not a test failure")
	}
}
