package taskqueue

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"
)

// TestFactoryCriticalTaskCrashesProcess verifies that a task result built
// with Crit brings down the whole process, rather than just failing the one
// task. A panic raised inside a worker's own goroutine cannot be recovered
// by the test goroutine that spawned the factory, so this re-execs the test
// binary, running only this test in a child process, and asserts that the
// child exits with a failure status.
func TestFactoryCriticalTaskCrashesProcess(t *testing.T) {
	if os.Getenv("TASKQUEUE_CRASH_CHILD") == "1" {
		runCriticalCrashChild()
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFactoryCriticalTaskCrashesProcess")
	cmd.Env = append(os.Environ(), "TASKQUEUE_CRASH_CHILD=1")
	out, err := cmd.CombinedOutput()

	if err == nil {
		t.Fatalf("expected child process to exit with a failure status, got success; output:\n%s", out)
	}
	if _, ok := err.(*exec.ExitError); !ok {
		t.Fatalf("expected *exec.ExitError, got %T: %v", err, err)
	}
}

// runCriticalCrashChild is the body run inside the re-exec'd child process.
// It registers a pool whose worker always returns Crit and queues one task,
// expecting the worker goroutine's panic to terminate the process.
func runCriticalCrashChild() {
	f := NewFactory[int, struct{}](&struct{}{}, 16)

	crash := func(ctx Context[struct{}], input int) TaskResult[int] {
		return Crit[int](errCriticalTest)
	}

	f.Register("crash", 1, crash)
	f.Queue(NewTask("crash", 1))

	// Give the worker goroutine time to pick up the task and panic. If it
	// hasn't crashed the process by the deadline, shut down cleanly so the
	// child exits 0 and the parent test fails loudly instead of hanging.
	time.Sleep(2 * time.Second)
	_ = f.Shutdown(context.Background())
}

var errCriticalTest = &critTestError{}

type critTestError struct{}

func (*critTestError) Error() string { return "simulated critical task failure" }
