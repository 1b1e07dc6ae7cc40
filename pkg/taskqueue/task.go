// Package taskqueue implements a generic task queue for executing work in
// the background. Tasks get queued up and eventually get processed in
// worker pools where one worker executes the task.
//
// A task queue allows control over a) order of operations and b) amount of
// work being done per time and c) avoiding duplicate work.
//
// This particular task queue rejects tasks with duplicate input values
// already waiting in the queue (which would result in doing the same work
// again), and suppresses them again while a matching task is still being
// processed.
//
// A worker can be defined by any function taking a shared context and a
// generic input value and returning a TaskResult. Tasks can also dispatch
// subsequent tasks as soon as they finished successfully.
//
// Factory is the main interface in this package, managing all worker pools
// and tasks. It registers pools with their worker functions, admits new
// tasks into pool queues, and schedules and processes them.
package taskqueue

// Task holds a generic input value and the name of the pool which will
// process it eventually.
type Task[IN any] struct {
	Pool  string
	Input IN
}

// NewTask returns a new task targeting the named pool.
func NewTask[IN any](pool string, input IN) Task[IN] {
	return Task[IN]{Pool: pool, Input: input}
}

// TaskResult is the return value of a processed task.
//
// A successful task may optionally dispatch follow-on tasks. A failed task
// either fails silently (Failure) or crashes the process (Critical); see
// Fail and Crit.
type TaskResult[IN any] struct {
	Tasks []Task[IN]
	Err   error
}

// Ok returns a successful result with nothing to dispatch.
func Ok[IN any]() TaskResult[IN] {
	return TaskResult[IN]{}
}

// OkWith returns a successful result that dispatches the given follow-on
// tasks once admitted back through the factory.
func OkWith[IN any](tasks ...Task[IN]) TaskResult[IN] {
	return TaskResult[IN]{Tasks: tasks}
}

// Fail returns a result for a task that failed silently. The task is
// considered complete; it will not be retried and the error is not
// otherwise surfaced by the factory. Callers should log inside the work
// function if a failure needs to be visible.
func Fail[IN any](err error) TaskResult[IN] {
	return TaskResult[IN]{Err: &taskError{kind: kindFailure, err: err}}
}

// Crit returns a result for a task that failed critically. The worker
// processing this task panics, which is expected to terminate the hosting
// process. Use this for unrecoverable invariant breaches only, such as
// shared-context corruption.
func Crit[IN any](err error) TaskResult[IN] {
	return TaskResult[IN]{Err: &taskError{kind: kindCritical, err: err}}
}

type errKind int

const (
	kindFailure errKind = iota
	kindCritical
)

type taskError struct {
	kind errKind
	err  error
}

func (e *taskError) Error() string { return e.err.Error() }
func (e *taskError) Unwrap() error { return e.err }

// IsCritical reports whether err was produced by Crit.
func IsCritical(err error) bool {
	te, ok := err.(*taskError)
	return ok && te.kind == kindCritical
}

// WorkFunc processes a single task input against the shared context,
// returning whatever follow-on tasks should be dispatched next.
//
// Work functions are required to be idempotent in their observable side
// effects on the shared context: the factory provides no at-most-once
// guarantee across a crash, and a self re-queued task (see OkWith) may run
// again after this one completes.
type WorkFunc[IN any, D any] func(ctx Context[D], input IN) TaskResult[IN]
