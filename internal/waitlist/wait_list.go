// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package waitlist provides a bounded FIFO sequencing primitive. Callers
// obtain a strict first-in-first-out position (a Ticket) and cooperatively
// wait to become the head of the list, while the resource the list orders
// (for example a log file) is used outside the list's own lock: the list only
// orders when each goroutine may proceed, never the I/O itself.
//
// The list owns a fixed ring of capacity slots. Capacity exhaustion blocks
// Link rather than failing, which makes the ring an allocation-free
// backpressure mechanism; capacity must be at least the maximum number of
// concurrent callers or the system stalls under load instead of failing
// loudly.
package waitlist

import (
	"sync"
	"sync/atomic"

	"github.com/loamdb/loam/internal/base"
)

// DefaultCapacity bounds concurrent tickets when no capacity is configured.
const DefaultCapacity = 64

type waiter[T any] struct {
	// notify carries at most one pending wakeup. A buffered channel rather
	// than a condition variable, because NakedWait must atomically release a
	// caller-supplied lock that is not the list's own.
	notify   chan struct{}
	mu       sync.Mutex
	value    T
	storeSeq atomic.Uint64
	linked   atomic.Bool
}

func (w *waiter[T]) store(v T) {
	w.mu.Lock()
	w.value = v
	w.mu.Unlock()
	w.storeSeq.Add(1)
	w.wake()
}

func (w *waiter[T]) load() T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value
}

func (w *waiter[T]) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *waiter[T]) drain() {
	select {
	case <-w.notify:
	default:
	}
}

// WaitList hands out FIFO tickets over a fixed ring of slots. All methods are
// safe for concurrent use.
type WaitList[T any] struct {
	metrics base.MetricsSink

	mu                  sync.Mutex
	available           sync.Cond
	head                uint64
	tail                uint64
	waitingForAvailable int
	waiters             []waiter[T]
}

// New constructs a WaitList with the given slot capacity.
func New[T any](capacity int, metrics base.MetricsSink) *WaitList[T] {
	if capacity < 1 {
		panic(base.LogicErrorf("waitlist capacity %d < 1", capacity))
	}
	if metrics == nil {
		metrics = base.NoopMetrics
	}
	l := &WaitList[T]{
		metrics: metrics,
		waiters: make([]waiter[T], capacity),
	}
	l.available.L = &l.mu
	for i := range l.waiters {
		l.waiters[i].notify = make(chan struct{}, 1)
	}
	return l
}

// Link allocates the next ticket, storing v as its initial payload. Link
// blocks while the list is at capacity.
func (l *WaitList[T]) Link(v T) *Ticket[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.head+uint64(len(l.waiters)) <= l.tail {
		l.assertInvariants()
		l.waitingForAvailable++
		l.metrics.Count("waitlist.waiting_for_available", 1)
		l.available.Wait()
		l.waitingForAvailable--
		l.assertInvariants()
	}
	index := l.tail
	l.tail++
	w := l.waiter(index)
	w.drain()
	w.store(v)
	w.linked.Store(true)
	l.assertInvariants()
	l.metrics.Count("waitlist.link", 1)
	return &Ticket[T]{list: l, index: index, owned: true}
}

// Unlink retires a ticket. The head is advanced past any contiguous run of
// already-unlinked slots, so out-of-order completion of later tickets does
// not block advancement once the head itself retires. One capacity waiter is
// woken if any are blocked in Link.
func (l *WaitList[T]) Unlink(t *Ticket[T]) {
	if !t.owned {
		panic(base.LogicErrorf("unlink of ticket %d that is not owned", t.index))
	}
	l.mu.Lock()
	l.assertInvariants()
	w := l.waiter(t.index)
	if !w.linked.Load() {
		panic(base.LogicErrorf("unlink of ticket %d that is not linked", t.index))
	}
	w.linked.Store(false)
	for l.head < l.tail && !l.waiter(l.head).linked.Load() {
		var zero T
		l.waiter(l.head).store(zero)
		l.waiter(l.head).drain()
		l.head++
	}
	l.assertInvariants()
	if l.waitingForAvailable > 0 {
		l.available.Signal()
	}
	l.mu.Unlock()
	t.owned = false
	l.metrics.Count("waitlist.unlink", 1)
}

// NotifyHead wakes the goroutine holding the head ticket, if any. The
// notification is dropped (and counted separately) when the list is empty.
func (l *WaitList[T]) NotifyHead() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.assertInvariants()
	if l.head < l.tail {
		l.metrics.Count("waitlist.notify_head", 1)
		l.waiter(l.head).wake()
	} else {
		l.metrics.Count("waitlist.notify_head_dropped", 1)
	}
}

// Len reports the number of live tickets. For debugging, not for logic.
func (l *WaitList[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.tail - l.head)
}

func (l *WaitList[T]) waiter(index uint64) *waiter[T] {
	return &l.waiters[index%uint64(len(l.waiters))]
}

// Invariant: the list is empty or the head slot is linked. Checked on every
// state transition; violation is a bug in this package or its caller.
func (l *WaitList[T]) assertInvariants() {
	if l.head != l.tail && !l.waiter(l.head).linked.Load() {
		panic(base.LogicErrorf("head %d unlinked with non-empty list [%d, %d)",
			l.head, l.head, l.tail))
	}
}

// Ticket is a position in a WaitList, owned by exactly one caller between
// Link and Unlink. It carries a payload that later callers may overwrite via
// Store; the head gate of the store's write path uses the payload to pass
// sequence numbers forward.
type Ticket[T any] struct {
	list  *WaitList[T]
	index uint64
	owned bool
}

// Index returns the ticket's position in the list.
func (t *Ticket[T]) Index() uint64 { return t.index }

// IsHead reports whether the ticket is the oldest live ticket.
func (t *Ticket[T]) IsHead() bool {
	t.list.mu.Lock()
	defer t.list.mu.Unlock()
	return t.list.head == t.index
}

// Store sets the ticket's payload and wakes its waiter.
func (t *Ticket[T]) Store(v T) {
	t.list.waiter(t.index).store(v)
}

// Load returns the ticket's payload.
func (t *Ticket[T]) Load() T {
	return t.list.waiter(t.index).load()
}

// NakedWait releases mu, waits for the ticket to be woken, and reacquires mu
// before returning. Wakeups may be spurious; callers wait in a loop around
// their predicate, typically IsHead.
func (t *Ticket[T]) NakedWait(mu sync.Locker) {
	ch := t.list.waiter(t.index).notify
	mu.Unlock()
	<-ch
	mu.Lock()
}

// WaitForStore releases mu until some other caller stores a payload into this
// ticket, then reacquires mu and returns the payload. The caller must ensure
// a store is coming.
func (t *Ticket[T]) WaitForStore(mu sync.Locker) T {
	w := t.list.waiter(t.index)
	seq := w.storeSeq.Load()
	for w.storeSeq.Load() == seq {
		mu.Unlock()
		<-w.notify
		mu.Lock()
	}
	return w.load()
}

// Notify wakes the ticket's waiter.
func (t *Ticket[T]) Notify() {
	t.list.waiter(t.index).wake()
}
