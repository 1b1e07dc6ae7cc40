// Package pipeline is the concrete answer to "what actually uses
// taskqueue.Factory in this repository": it registers the pools a
// running node needs and wires their fan-out to each other and to the
// rest of the node (storage, indexing, networking).
//
// taskqueue.Factory requires its input type to be comparable (it is the
// dedup fingerprint and a map key), which entry.Signed is not — it
// carries a []byte payload. Entries are already content-addressed, so
// this package dedupes and schedules by entry.Hash instead, and keeps
// the actual payload in a small refcounted side cache (Deps.pending, a
// mutex-guarded map keyed by hash) that each pool looks the payload up
// from and releases once it's done with it.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/banyannet/bamboo-node/pkg/entry"
	"github.com/banyannet/bamboo-node/pkg/logging"
	"github.com/banyannet/bamboo-node/pkg/p2pnet"
	"github.com/banyannet/bamboo-node/pkg/taskqueue"
)

const (
	// PoolVerify checks a freshly received entry's signature and linking
	// before anything else touches it.
	PoolVerify = "verify"
	// PoolStore persists an already-verified entry.
	PoolStore = "store"
	// PoolIndex updates the bloom/bleve index for an already-stored entry.
	PoolIndex = "index"
	// PoolBroadcast fans an already-stored entry out to connected peers.
	PoolBroadcast = "broadcast"
)

// Factory is the task-queue factory this package wires pools onto,
// scheduled by entry hash (see package doc for why).
//
// D is Deps, not *Deps: taskqueue.Context already gives every worker a
// shared pointer to the single D it was constructed with, so wrapping the
// type parameter itself in a pointer would only add a second, pointless
// layer of indirection.
type Factory = taskqueue.Factory[entry.Hash, Deps]

type pendingEntry struct {
	signed entry.Signed
	refs   int
}

// Store is the subset of logstore.Store's API the pipeline needs.
// Accepting an interface rather than *logstore.Store keeps this package
// testable without a real Postgres instance.
type Store interface {
	InsertEntry(ctx context.Context, e entry.Signed) error
}

// Bloom is the subset of logindex.BloomIndex's API the pipeline needs.
type Bloom interface {
	Add(h entry.Hash)
}

// Search is the subset of logindex.SearchIndex's API the pipeline needs.
type Search interface {
	Index(e entry.Signed) error
}

// Deps is the shared context every pool's work function receives a
// cheap-clone handle to.
type Deps struct {
	Store  Store
	Bloom  Bloom
	Search Search
	Host   *p2pnet.Host
	// Notify, if set, is called after an entry has been durably stored so
	// transport layers (e.g. rpcapi's websocket feed) can push it out to
	// subscribers. Optional.
	Notify func(entry.Signed)

	mu      sync.Mutex
	pending map[entry.Hash]*pendingEntry
}

// NewFactory builds the taskqueue.Factory this package's pools register
// against, returning it alongside a handle to its shared Deps. Fields
// Store/Bloom/Search/Host/Notify can be filled in (or changed) on that
// handle any time before Build, since every pool's work function reads
// the same underlying value.
func NewFactory(store Store, bloom Bloom, search Search, host *p2pnet.Host, capacity int) (*Factory, *Deps) {
	deps := &Deps{
		Store:   store,
		Bloom:   bloom,
		Search:  search,
		Host:    host,
		pending: make(map[entry.Hash]*pendingEntry),
	}
	f := taskqueue.NewFactory[entry.Hash, Deps](deps, capacity)
	return f, deps
}

func (d *Deps) hold(s entry.Signed, refs int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[s.Hash] = &pendingEntry{signed: s, refs: refs}
}

func (d *Deps) fetch(h entry.Hash) (entry.Signed, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[h]
	if !ok {
		return entry.Signed{}, false
	}
	return p.signed, true
}

// release drops one reference on h, removing it from the pending cache
// once every referencing pool has finished with it.
func (d *Deps) release(h entry.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[h]
	if !ok {
		return
	}
	p.refs--
	if p.refs <= 0 {
		delete(d.pending, h)
	}
}

// PoolSizes configures the concurrency of each registered pool.
type PoolSizes struct {
	Verify    int
	Store     int
	Index     int
	Broadcast int
}

// Build registers the verify/store/index/broadcast pools against f. This
// is the one place in the repository where the generic taskqueue core
// meets the append-only-log domain.
func Build(f *Factory, sizes PoolSizes) {
	f.Register(PoolVerify, sizes.Verify, verifyWork)
	f.Register(PoolStore, sizes.Store, storeWork)
	f.Register(PoolIndex, sizes.Index, indexWork)
	f.Register(PoolBroadcast, sizes.Broadcast, broadcastWork)
}

// Submit admits a freshly received entry into the pipeline, entering the
// fan-out chain at the verify pool.
func Submit(f *Factory, s entry.Signed) {
	f.Data().hold(s, 1)
	f.Queue(taskqueue.NewTask(PoolVerify, s.Hash))
}

// verifyWork checks a received entry's signature and Bamboo linking
// rules. A malformed entry from a peer is the peer's problem, not ours,
// so it fails silently; a successfully verified entry fans out to the
// store pool.
func verifyWork(ctx taskqueue.Context[Deps], h entry.Hash) taskqueue.TaskResult[entry.Hash] {
	deps := ctx.Value()
	s, ok := deps.fetch(h)
	if !ok {
		return taskqueue.Crit[entry.Hash](fmt.Errorf("pipeline: verify: entry %s missing from pending cache", h))
	}

	if err := entry.Verify(s); err != nil {
		logging.Warn("pipeline: rejected invalid entry", map[string]interface{}{
			"author": s.Entry.Author.String(),
			"logId":  s.Entry.LogID,
			"seqNum": s.Entry.SeqNum,
			"error":  err.Error(),
		})
		deps.release(h)
		return taskqueue.Fail[entry.Hash](fmt.Errorf("pipeline: verify: %w", err))
	}

	return taskqueue.OkWith(taskqueue.NewTask[entry.Hash](PoolStore, h))
}

// storeWork persists a verified entry and fans out to both the index and
// broadcast pools. A duplicate publish of the same entry is caught by
// the factory's own dedup index before this ever runs twice for the same
// input while the first call is in flight.
func storeWork(ctx taskqueue.Context[Deps], h entry.Hash) taskqueue.TaskResult[entry.Hash] {
	deps := ctx.Value()
	s, ok := deps.fetch(h)
	if !ok {
		return taskqueue.Crit[entry.Hash](fmt.Errorf("pipeline: store: entry %s missing from pending cache", h))
	}

	if err := deps.Store.InsertEntry(context.Background(), s); err != nil {
		deps.release(h)
		return taskqueue.Fail[entry.Hash](fmt.Errorf("pipeline: store: %w", err))
	}

	deps.Bloom.Add(s.Hash)
	if deps.Notify != nil {
		deps.Notify(s)
	}

	deps.hold(s, 2) // about to fan out to two consumers sharing this entry
	return taskqueue.OkWith(
		taskqueue.NewTask[entry.Hash](PoolIndex, h),
		taskqueue.NewTask[entry.Hash](PoolBroadcast, h),
	)
}

// indexWork adds a stored entry's payload to the searchable index.
func indexWork(ctx taskqueue.Context[Deps], h entry.Hash) taskqueue.TaskResult[entry.Hash] {
	deps := ctx.Value()
	s, ok := deps.fetch(h)
	if !ok {
		return taskqueue.Crit[entry.Hash](fmt.Errorf("pipeline: index: entry %s missing from pending cache", h))
	}
	defer deps.release(h)

	if err := deps.Search.Index(s); err != nil {
		return taskqueue.Fail[entry.Hash](fmt.Errorf("pipeline: index: %w", err))
	}
	return taskqueue.Ok[entry.Hash]()
}

// broadcastWork fans a stored entry out to every connected peer.
func broadcastWork(ctx taskqueue.Context[Deps], h entry.Hash) taskqueue.TaskResult[entry.Hash] {
	deps := ctx.Value()
	s, ok := deps.fetch(h)
	if !ok {
		return taskqueue.Crit[entry.Hash](fmt.Errorf("pipeline: broadcast: entry %s missing from pending cache", h))
	}
	defer deps.release(h)

	if deps.Host != nil {
		deps.Host.Broadcast(context.Background(), s)
	}
	return taskqueue.Ok[entry.Hash]()
}
