package taskqueue

import (
	"fmt"
	"sync"
)

// broadcastBus is a bounded, multi-producer/multi-consumer fan-out channel:
// every task sent in is delivered, in send order, to every subscriber.
//
// The standard library has no multi-consumer broadcast channel, so this
// synthesizes one from a single inbound channel drained by one fan-out
// goroutine that copies each task into every subscriber's own buffered
// channel.
//
// Each subscriber channel has the same fixed capacity. If a subscriber
// cannot keep up (its channel is full when a new task needs delivering),
// that is lag: the fan-out goroutine panics, which is expected to take
// down the process. Silent drops would break the promise that a queued
// task eventually runs.
type broadcastBus[IN any] struct {
	in       chan Task[IN]
	capacity int

	mu   sync.RWMutex
	subs map[string]chan Task[IN]
}

func newBroadcastBus[IN any](capacity int) *broadcastBus[IN] {
	b := &broadcastBus[IN]{
		in:       make(chan Task[IN], capacity),
		capacity: capacity,
		subs:     make(map[string]chan Task[IN]),
	}
	go b.fanOut()
	return b
}

// subscribe registers a new subscriber channel under name and returns it.
// name is the pool name; each pool's dispatcher subscribes exactly once.
func (b *broadcastBus[IN]) subscribe(name string) <-chan Task[IN] {
	ch := make(chan Task[IN], b.capacity)

	b.mu.Lock()
	b.subs[name] = ch
	b.mu.Unlock()

	return ch
}

// publish sends task to the bus. It never blocks: if the bus's inbound
// buffer is already full, that indicates the fan-out goroutine itself is
// stalled, and publish panics rather than silently dropping the task.
func (b *broadcastBus[IN]) publish(task Task[IN]) {
	select {
	case b.in <- task:
	default:
		panic(fmt.Sprintf("taskqueue: critical system error: cannot broadcast task for pool %q, bus capacity exceeded", task.Pool))
	}
}

func (b *broadcastBus[IN]) fanOut() {
	for task := range b.in {
		b.mu.RLock()
		if len(b.subs) == 0 {
			b.mu.RUnlock()
			panic(fmt.Sprintf("taskqueue: critical system error: task for pool %q broadcast with no pools registered", task.Pool))
		}
		for name, ch := range b.subs {
			select {
			case ch <- task:
			default:
				b.mu.RUnlock()
				panic(fmt.Sprintf("taskqueue: lagging! subscriber %q missed a broadcast message, bus capacity %d exceeded", name, b.capacity))
			}
		}
		b.mu.RUnlock()
	}
}
