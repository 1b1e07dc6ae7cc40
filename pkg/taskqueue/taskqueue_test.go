package taskqueue

import (
	"context"
	"sync"
	"testing"
	"time"
)

// waitUntil polls cond every few milliseconds until it returns true or
// timeout elapses, failing the test in the latter case.
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

func TestFactorySquarePool(t *testing.T) {
	type data struct {
		mu      sync.Mutex
		results []int
	}

	d := &data{}
	f := NewFactory[int, data](d, 1024)

	square := func(ctx Context[data], input int) TaskResult[int] {
		db := ctx.Value()
		db.mu.Lock()
		db.results = append(db.results, input*input)
		db.mu.Unlock()
		return Ok[int]()
	}

	f.Register("square", 2, square)

	for _, n := range []int{5, 8, 5, 3} {
		f.Queue(NewTask("square", n))
	}

	waitUntil(t, time.Second, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.results) == 3
	})

	// Task 3 (input 5) was a duplicate of task 1 and should have been
	// silently rejected, leaving us with exactly three results.
	d.mu.Lock()
	got := append([]int(nil), d.results...)
	d.mu.Unlock()
	want := map[int]bool{25: false, 64: false, 9: false}
	if len(got) != 3 {
		t.Fatalf("got %d results, want 3: %v", len(got), got)
	}
	for _, v := range got {
		if _, ok := want[v]; !ok {
			t.Fatalf("unexpected result %d", v)
		}
		want[v] = true
	}
	for v, seen := range want {
		if !seen {
			t.Fatalf("missing expected result %d", v)
		}
	}

	if !f.IsEmpty("square") {
		t.Fatal("expected square pool to be empty once work settles")
	}

	if err := f.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestFactoryFanOut(t *testing.T) {
	type data struct {
		mu  sync.Mutex
		log []string
	}

	d := &data{}
	f := NewFactory[int, data](d, 1024)

	first := func(ctx Context[data], input int) TaskResult[int] {
		db := ctx.Value()
		db.mu.Lock()
		db.log = append(db.log, "first")
		db.mu.Unlock()
		return Ok[int]()
	}

	// second dispatches a follow-on task for "first" once it completes.
	second := func(ctx Context[data], input int) TaskResult[int] {
		db := ctx.Value()
		db.mu.Lock()
		db.log = append(db.log, "second")
		db.mu.Unlock()
		return OkWith(NewTask("first", input))
	}

	f.Register("first", 2, first)
	f.Register("second", 2, second)

	for i := 0; i < 4; i++ {
		f.Queue(NewTask("second", i))
	}

	waitUntil(t, time.Second, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.log) == 8
	})

	waitUntil(t, time.Second, func() bool {
		return f.IsEmpty("first") && f.IsEmpty("second")
	})

	if err := f.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

// TestFactoryDedupWhileRunning checks that a task re-queued with the same
// input as one currently being processed is rejected, but admitted again
// once that earlier task has finished (the dedup index releases an input
// only after its task completes).
func TestFactoryDedupWhileRunning(t *testing.T) {
	type data struct {
		mu    sync.Mutex
		count int
	}

	d := &data{}
	f := NewFactory[int, data](d, 1024)

	release := make(chan struct{})
	entered := make(chan struct{}, 1)

	slow := func(ctx Context[data], input int) TaskResult[int] {
		entered <- struct{}{}
		<-release
		db := ctx.Value()
		db.mu.Lock()
		db.count++
		db.mu.Unlock()
		return Ok[int]()
	}

	f.Register("slow", 1, slow)

	f.Queue(NewTask("slow", 42))
	<-entered // task 1 is now in flight, holding input 42

	f.Queue(NewTask("slow", 42)) // rejected: 42 is still in flight
	// IsEmpty is also true before the dispatcher has seen the duplicate at
	// all, so give it time to reach the dispatcher before releasing task 1.
	time.Sleep(50 * time.Millisecond)
	waitUntil(t, 200*time.Millisecond, func() bool { return f.IsEmpty("slow") })

	close(release)
	waitUntil(t, time.Second, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.count == 1
	})

	// Now that the first task finished, 42 is admissible again.
	f.Queue(NewTask("slow", 42))
	<-entered
	waitUntil(t, time.Second, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.count == 2
	})

	if err := f.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

// TestFactoryFIFOWithinPool pins the intra-pool ordering contract: with a
// single worker, tasks run in the order they were queued.
func TestFactoryFIFOWithinPool(t *testing.T) {
	type data struct {
		mu    sync.Mutex
		order []int
	}

	d := &data{}
	f := NewFactory[int, data](d, 1024)

	record := func(ctx Context[data], input int) TaskResult[int] {
		db := ctx.Value()
		db.mu.Lock()
		db.order = append(db.order, input)
		db.mu.Unlock()
		return Ok[int]()
	}

	f.Register("ordered", 1, record)

	want := []int{9, 4, 7, 1, 8}
	for _, n := range want {
		f.Queue(NewTask("ordered", n))
	}

	waitUntil(t, time.Second, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.order) == len(want)
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, n := range want {
		if d.order[i] != n {
			t.Fatalf("order = %v, want %v", d.order, want)
		}
	}

	if err := f.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestFactoryRegisterPanicsOnDuplicateName(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected Register to panic on duplicate pool name")
		}
	}()

	f := NewFactory[int, struct{}](&struct{}{}, 16)
	noop := func(ctx Context[struct{}], input int) TaskResult[int] { return Ok[int]() }
	f.Register("dup", 1, noop)
	f.Register("dup", 1, noop)
}

func TestFactoryRegisterPanicsOnEmptyPool(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected Register to panic on a pool size below one")
		}
	}()

	f := NewFactory[int, struct{}](&struct{}{}, 16)
	noop := func(ctx Context[struct{}], input int) TaskResult[int] { return Ok[int]() }
	f.Register("empty", 0, noop)
}
