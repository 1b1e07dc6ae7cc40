// Package logindex provides fast "have I seen this entry" membership
// checks and a searchable index over stored entry payloads.
//
// It is split into two complementary structures: BloomIndex, a
// probabilistic membership filter over entry hashes (the pipeline adds
// every stored entry to it but does not consult it before writing to the
// database), and SearchIndex, an exact bleve-backed full-text index used
// once an entry has actually been written to logstore.
package logindex

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/banyannet/bamboo-node/pkg/entry"
)

// BloomIndex is a probabilistic membership filter over entry hashes. A
// negative answer from Test is certain; a positive answer needs
// confirming against logstore, since bloom filters have false positives
// by design. The filter is sized up front from an expected entry count
// and a target false positive rate.
type BloomIndex struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
}

// NewBloomIndex returns a BloomIndex sized for expectedEntries items at
// the given false positive rate.
func NewBloomIndex(expectedEntries uint, falsePositiveRate float64) *BloomIndex {
	return &BloomIndex{filter: bloom.NewWithEstimates(expectedEntries, falsePositiveRate)}
}

// Add records hash as seen.
func (b *BloomIndex) Add(hash entry.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filter.Add(hash[:])
}

// MaybeSeen reports whether hash might already be known. false means
// certainly not seen; true means "check the database to be sure".
func (b *BloomIndex) MaybeSeen(hash entry.Hash) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filter.Test(hash[:])
}
