// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package waitlist

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLinkOrderIsFIFO(t *testing.T) {
	l := New[int](8, nil)
	t1 := l.Link(1)
	t2 := l.Link(2)
	t3 := l.Link(3)
	require.True(t, t1.IsHead())
	require.False(t, t2.IsHead())
	require.False(t, t3.IsHead())
	require.Equal(t, 3, l.Len())

	l.Unlink(t1)
	require.True(t, t2.IsHead())
	l.Unlink(t2)
	require.True(t, t3.IsHead())
	l.Unlink(t3)
	require.Equal(t, 0, l.Len())
}

func TestOutOfOrderUnlink(t *testing.T) {
	l := New[int](8, nil)
	t1 := l.Link(1)
	t2 := l.Link(2)
	t3 := l.Link(3)

	// Retiring a non-head ticket does not advance the head.
	l.Unlink(t2)
	require.True(t, t1.IsHead())
	require.False(t, t3.IsHead())

	// Retiring the head skips the already-unlinked slot.
	l.Unlink(t1)
	require.True(t, t3.IsHead())
	l.Unlink(t3)
}

func TestCapacityBackpressure(t *testing.T) {
	l := New[int](2, nil)
	t1 := l.Link(1)
	t2 := l.Link(2)

	linked := make(chan *Ticket[int])
	go func() {
		linked <- l.Link(3)
	}()
	select {
	case <-linked:
		t.Fatal("link returned while the list was at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	l.Unlink(t1)
	var t3 *Ticket[int]
	select {
	case t3 = <-linked:
	case <-time.After(5 * time.Second):
		t.Fatal("link did not return after a slot was freed")
	}
	l.Unlink(t2)
	require.True(t, t3.IsHead())
	l.Unlink(t3)
}

func TestHeadGateOrdersConcurrentWaiters(t *testing.T) {
	const n = 32
	l := New[int](n, nil)
	var mu sync.Mutex

	mu.Lock()
	tickets := make([]*Ticket[int], n)
	for i := 0; i < n; i++ {
		tickets[i] = l.Link(i)
	}
	mu.Unlock()

	var order []int
	var orderMu sync.Mutex
	var wg sync.WaitGroup
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int, tk *Ticket[int]) {
			defer wg.Done()
			mu.Lock()
			for !tk.IsHead() {
				tk.NakedWait(&mu)
			}
			orderMu.Lock()
			order = append(order, i)
			orderMu.Unlock()
			l.Unlink(tk)
			mu.Unlock()
			l.NotifyHead()
		}(i, tickets[i])
	}
	l.NotifyHead()
	wg.Wait()

	require.Len(t, order, n)
	for i, got := range order {
		require.Equal(t, i, got, "ticket %d became head out of order", got)
	}
}

func TestStoreAndLoad(t *testing.T) {
	l := New[string](4, nil)
	tk := l.Link("initial")
	require.Equal(t, "initial", tk.Load())
	tk.Store("updated")
	require.Equal(t, "updated", tk.Load())
	l.Unlink(tk)
}

func TestWaitForStore(t *testing.T) {
	l := New[int](4, nil)
	tk := l.Link(0)
	var mu sync.Mutex

	go func() {
		time.Sleep(10 * time.Millisecond)
		tk.Store(42)
	}()
	mu.Lock()
	got := tk.WaitForStore(&mu)
	mu.Unlock()
	require.Equal(t, 42, got)
	l.Unlink(tk)
}

func TestUnlinkTwicePanics(t *testing.T) {
	l := New[int](4, nil)
	tk := l.Link(1)
	l.Unlink(tk)
	require.Panics(t, func() { l.Unlink(tk) })
}

func TestZeroCapacityPanics(t *testing.T) {
	require.Panics(t, func() { New[int](0, nil) })
}

func TestNotifyHeadOnEmptyListDrops(t *testing.T) {
	l := New[int](4, nil)
	// Must not panic or wake anything.
	l.NotifyHead()
	tk := l.Link(1)
	l.NotifyHead()
	l.Unlink(tk)
}
