package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

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

// TestShutdownReleasesSpawnedTasks spawns two tasks each holding a counted
// reference, checks both are alive, then verifies Shutdown drops them all.
func TestShutdownReleasesSpawnedTasks(t *testing.T) {
	tm := New()

	var live atomic.Int64
	task := func(ctx context.Context) error {
		live.Add(1)
		defer live.Add(-1)
		<-ctx.Done()
		return nil
	}

	tm.Spawn("first", task)
	tm.Spawn("second", task)

	waitUntil(t, time.Second, func() bool { return live.Load() == 2 })

	if err := tm.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := live.Load(); n != 0 {
		t.Fatalf("%d tasks still hold their reference after Shutdown", n)
	}
}

func TestSpawnAfterShutdownIsANoop(t *testing.T) {
	tm := New()
	if err := tm.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	ran := make(chan struct{})
	tm.Spawn("late", func(ctx context.Context) error {
		close(ran)
		return nil
	})

	select {
	case <-ran:
		t.Fatal("task spawned after Shutdown still ran")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestShutdownGivesUpWhenATaskHangs bounds Shutdown by its context: a task
// that ignores cancellation must not block Shutdown forever.
func TestShutdownGivesUpWhenATaskHangs(t *testing.T) {
	tm := New()

	block := make(chan struct{})
	defer close(block)
	tm.Spawn("stubborn", func(ctx context.Context) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := tm.Shutdown(ctx); err == nil {
		t.Fatal("expected Shutdown to fail once its context expired")
	}
}
