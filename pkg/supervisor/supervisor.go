// Package supervisor owns long-running background goroutines and shuts
// them down together.
//
// Every spawned function receives a context derived from one shared
// cancellation; Shutdown fires it and waits on a sync.WaitGroup until
// every task has returned.
package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/banyannet/bamboo-node/pkg/logging"
)

// TaskManager runs named background functions concurrently and can signal
// all of them to exit and wait for them to actually stop.
type TaskManager struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	shutdown bool
}

// New returns a new TaskManager.
func New() *TaskManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskManager{ctx: ctx, cancel: cancel}
}

// Spawn runs fn concurrently under a context that is canceled by
// Shutdown. Any error fn returns is logged; fn is expected to return
// promptly once its context is canceled.
//
// Spawn is a no-op if Shutdown has already been called.
func (tm *TaskManager) Spawn(name string, fn func(ctx context.Context) error) {
	tm.mu.Lock()
	if tm.shutdown {
		tm.mu.Unlock()
		return
	}
	tm.wg.Add(1)
	tm.mu.Unlock()

	logging.GetGlobalLogger().Debug(fmt.Sprintf("[%s]: spawn", name), nil)

	go func() {
		defer tm.wg.Done()

		if err := fn(tm.ctx); err != nil {
			logging.GetGlobalLogger().Error(fmt.Sprintf("[%s]: error", name), map[string]interface{}{
				"error": err.Error(),
			})
		}

		logging.GetGlobalLogger().Debug(fmt.Sprintf("[%s]: completed", name), nil)
	}()
}

// Shutdown signals every spawned function to exit (by canceling their
// context) and waits for all of them to return, bounded by ctx.
func (tm *TaskManager) Shutdown(ctx context.Context) error {
	tm.mu.Lock()
	tm.shutdown = true
	tm.mu.Unlock()

	tm.cancel()

	done := make(chan struct{})
	go func() {
		tm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
