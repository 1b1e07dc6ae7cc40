package logindex

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/banyannet/bamboo-node/pkg/entry"
)

// SearchIndex is a bleve-backed full-text index over stored entry
// payloads, queryable by author and log id or by free text. Sequence
// numbers are stored with each document but Query does not filter on them.
//
// The index lives on disk and is opened or created on demand; documents
// are plain map[string]interface{} values keyed by the entry hash.
type SearchIndex struct {
	mu    sync.Mutex
	index bleve.Index
}

// OpenSearchIndex opens the bleve index at path, creating it (with
// NewIndexMapping) if it doesn't yet exist.
func OpenSearchIndex(path string) (*SearchIndex, error) {
	index, err := bleve.Open(path)
	if err == nil {
		return &SearchIndex{index: index}, nil
	}
	if err != bleve.ErrorIndexPathDoesNotExist {
		return nil, fmt.Errorf("logindex: open %s: %w", path, err)
	}

	index, err = bleve.New(path, buildMapping())
	if err != nil {
		return nil, fmt.Errorf("logindex: create %s: %w", path, err)
	}
	return &SearchIndex{index: index}, nil
}

func buildMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()

	doc := bleve.NewDocumentMapping()

	author := bleve.NewTextFieldMapping()
	author.Store = true
	author.Index = true
	author.Analyzer = "keyword"
	doc.AddFieldMappingsAt("author", author)

	payload := bleve.NewTextFieldMapping()
	payload.Store = false
	payload.Index = true
	doc.AddFieldMappingsAt("payload", payload)

	im.DefaultMapping = doc
	return im
}

// Close releases the underlying bleve index.
func (s *SearchIndex) Close() error {
	return s.index.Close()
}

// Index stores e's payload (and author/log id/seq num metadata) under the
// entry's hash.
func (s *SearchIndex) Index(e entry.Signed) error {
	doc := map[string]interface{}{
		"author":  e.Entry.Author.String(),
		"logId":   e.Entry.LogID,
		"seqNum":  e.Entry.SeqNum,
		"payload": string(e.Payload()),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.index.Index(e.Hash.String(), doc); err != nil {
		return fmt.Errorf("logindex: index entry %s: %w", e.Hash, err)
	}
	return nil
}

// Query constrains the index to entries from author in logID, returning
// matching entry hashes (as strings).
func (s *SearchIndex) Query(author string, logID uint64) ([]string, error) {
	authorQuery := bleve.NewTermQuery(author)
	authorQuery.SetField("author")

	// Inclusive on both ends: the range query stands in for equality on
	// logId, and the plain range constructor excludes its max.
	inclusive := true
	logQuery := bleve.NewNumericRangeInclusiveQuery(
		numPtr(float64(logID)), numPtr(float64(logID)), &inclusive, &inclusive)
	logQuery.SetField("logId")

	req := bleve.NewSearchRequest(bleve.NewConjunctionQuery(authorQuery, logQuery))
	req.Size = 1000

	s.mu.Lock()
	result, err := s.index.Search(req)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("logindex: query author=%s logId=%d: %w", author, logID, err)
	}

	hashes := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		hashes = append(hashes, hit.ID)
	}
	return hashes, nil
}

// Search runs a free-text query q over indexed payloads, returning
// matching entry hashes ordered by relevance.
func (s *SearchIndex) Search(q string) ([]string, error) {
	query := bleve.NewMatchQuery(q)
	query.SetField("payload")

	req := bleve.NewSearchRequest(query)
	req.Size = 100

	s.mu.Lock()
	result, err := s.index.Search(req)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("logindex: search %q: %w", q, err)
	}

	hashes := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		hashes = append(hashes, hit.ID)
	}
	return hashes, nil
}

func numPtr(f float64) *float64 { return &f }
