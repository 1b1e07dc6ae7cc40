package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/banyannet/bamboo-node/pkg/supervisor"
)

// workerManager holds everything a single registered pool needs: its input
// dedup index, its FIFO queue, and its own counter for assigning queue item
// ids.
type workerManager[IN comparable] struct {
	index   *dedupIndex[IN]
	queue   *fifo[IN]
	counter atomic.Uint64
}

// Factory is the main entry point of this package. It manages every
// registered worker pool, admits new tasks, and dispatches and processes
// them until Shutdown is called.
//
// A Factory must not be copied after first use.
type Factory[IN comparable, D any] struct {
	ctx Context[D]
	bus *broadcastBus[IN]
	sup *supervisor.TaskManager

	mu       sync.Mutex
	managers map[string]*workerManager[IN]
}

// NewFactory returns a new factory sharing data across every task it will
// eventually process. data is held as-is, not copied: the caller and
// every work function observe the same underlying value.
//
// capacity bounds how many tasks may be in flight between Queue and every
// pool's dispatcher picking them up. A factory panics (see Queue) if this
// capacity is exceeded, since at that point a dispatcher would otherwise
// silently miss a task.
func NewFactory[IN comparable, D any](data *D, capacity int) *Factory[IN, D] {
	return &Factory[IN, D]{
		ctx:      newContext(data),
		bus:      newBroadcastBus[IN](capacity),
		sup:      supervisor.New(),
		managers: make(map[string]*workerManager[IN]),
	}
}

// Register creates a new worker pool under name with poolSize concurrent
// workers, each running work to process tasks queued for this pool.
//
// Register panics if name is already registered or poolSize is less than
// one. Once registered, a pool accepts tasks for the life of the factory;
// there is no way to unregister one.
func (f *Factory[IN, D]) Register(name string, poolSize int, work WorkFunc[IN, D]) {
	if poolSize < 1 {
		panic(fmt.Sprintf("taskqueue: pool %q needs at least one worker", name))
	}

	f.mu.Lock()
	if _, exists := f.managers[name]; exists {
		f.mu.Unlock()
		panic(fmt.Sprintf("taskqueue: pool %q already registered", name))
	}
	manager := &workerManager[IN]{
		index: newDedupIndex[IN](),
		queue: newFifo[IN](),
	}
	f.managers[name] = manager
	f.mu.Unlock()

	f.spawnDispatcher(name, manager)
	for i := 0; i < poolSize; i++ {
		f.spawnWorker(name, manager, work)
	}
}

// Queue admits a new task into its pool's queue. Tasks whose input is
// already waiting in that pool's queue (or still being processed by a
// worker) are silently rejected.
func (f *Factory[IN, D]) Queue(task Task[IN]) {
	f.bus.publish(task)
}

// Data returns a handle to the shared context value every work function
// registered on this factory receives. Callers that need to read or mutate
// that value from outside a work function — wiring in a collaborator that
// only exists once the factory does, for instance — should do it through
// this handle rather than keeping their own copy of D, so that every
// worker observes the same writes.
func (f *Factory[IN, D]) Data() *D {
	return f.ctx.Value()
}

// IsEmpty reports whether the named pool currently has no queued tasks. It
// says nothing about tasks a worker is actively processing.
func (f *Factory[IN, D]) IsEmpty(name string) bool {
	f.mu.Lock()
	manager, ok := f.managers[name]
	f.mu.Unlock()
	if !ok {
		return false
	}
	return manager.queue.isEmpty()
}

// Shutdown stops every dispatcher and worker goroutine, waiting for them to
// exit or ctx to expire, whichever comes first.
func (f *Factory[IN, D]) Shutdown(ctx context.Context) error {
	return f.sup.Shutdown(ctx)
}

// spawnDispatcher runs the goroutine that subscribes to the factory's
// broadcast bus and admits tasks destined for this pool into its queue,
// rejecting duplicates.
func (f *Factory[IN, D]) spawnDispatcher(name string, manager *workerManager[IN]) {
	sub := f.bus.subscribe(name)

	f.sup.Spawn("dispatcher/"+name, func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case task, ok := <-sub:
				if !ok {
					return nil
				}
				if task.Pool != name {
					continue
				}
				if !manager.index.tryInsert(task.Input) {
					continue // duplicate already queued or in flight
				}
				id := manager.counter.Add(1)
				manager.queue.push(queueItem[IN]{id: id, input: task.Input})
			}
		}
	})
}

// spawnWorker runs a single worker goroutine that pulls tasks off manager's
// queue and processes them with work, one at a time, dispatching any
// follow-on tasks the work function returns.
func (f *Factory[IN, D]) spawnWorker(name string, manager *workerManager[IN], work WorkFunc[IN, D]) {
	f.sup.Spawn("worker/"+name, func(ctx context.Context) error {
		for {
			item, ok := manager.queue.pop()
			if !ok {
				select {
				case <-ctx.Done():
					return nil
				case <-manager.queue.notify:
				}
				continue
			}

			result := work(f.ctx, item.input)
			manager.index.remove(item.input)

			if IsCritical(result.Err) {
				panic(fmt.Sprintf("taskqueue: critical system error: task %d in pool %q failed: %v", item.id, name, result.Err))
			}

			for _, next := range result.Tasks {
				f.Queue(next)
			}
		}
	})
}
