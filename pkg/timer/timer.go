// Package timer implements a single process-wide timer wheel shared
// by every component that needs a deadline callback — DbCommon's
// lock-timeout and SmartcardMonitor's idle-kill timer
// (spec §5/§7's "Timers: ... a single dispatcher goroutine").
//
// No single teacher file models a scheduler; this generalizes the
// ticker-loop-with-stopCh idiom repeated across
// warren/pkg/reconciler/reconciler.go, pkg/worker/health_monitor.go,
// and pkg/worker's heartbeat loop into one reusable facility, since
// several independent components each need their own deadline rather
// than a single fixed-period tick.
package timer

import (
	"container/heap"
	"sync"
	"time"
)

// Action is invoked when a timer fires. It runs on the wheel's single
// dispatcher goroutine, so it must not block.
type Action func()

// Handle identifies a scheduled timer so it can be cancelled.
type Handle uint64

type entry struct {
	handle Handle
	at     time.Time
	action Action
	index  int // heap index, maintained by container/heap
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Wheel is a min-heap-ordered timer wheel driven by a single
// dispatcher goroutine.
type Wheel struct {
	mu      sync.Mutex
	heap    entryHeap
	byID    map[Handle]*entry
	next    Handle
	wake    chan struct{}
	stopCh  chan struct{}
	stopped bool
}

// New creates and starts a timer wheel. Callers must call Stop when
// done to release the dispatcher goroutine.
func New() *Wheel {
	w := &Wheel{
		byID:   make(map[Handle]*entry),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	heap.Init(&w.heap)
	go w.run()
	return w
}

// SetTimer schedules action to run at deadline and returns a handle
// that ClearTimer can cancel. Re-setting a timer for the same logical
// purpose is the caller's responsibility; each call to SetTimer
// creates a new, independent entry.
func (w *Wheel) SetTimer(deadline time.Time, action Action) Handle {
	w.mu.Lock()
	w.next++
	h := w.next
	e := &entry{handle: h, at: deadline, action: action}
	heap.Push(&w.heap, e)
	w.byID[h] = e
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return h
}

// After is a convenience wrapper scheduling action to run after d.
func (w *Wheel) After(d time.Duration, action Action) Handle {
	return w.SetTimer(time.Now().Add(d), action)
}

// ClearTimer cancels a previously scheduled timer. Idempotent: a
// handle that already fired or was already cleared is a silent no-op.
func (w *Wheel) ClearTimer(h Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.byID[h]
	if !ok {
		return
	}
	heap.Remove(&w.heap, e.index)
	delete(w.byID, h)
}

// Stop halts the dispatcher goroutine. No further timers fire after
// Stop returns.
func (w *Wheel) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()
	close(w.stopCh)
}

func (w *Wheel) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		w.mu.Lock()
		var wait time.Duration
		if w.heap.Len() == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(w.heap[0].at)
			if wait < 0 {
				wait = 0
			}
		}
		w.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-w.stopCh:
			return
		case <-w.wake:
			continue
		case <-timer.C:
			w.fireDue()
		}
	}
}

func (w *Wheel) fireDue() {
	now := time.Now()
	var due []Action
	w.mu.Lock()
	for w.heap.Len() > 0 && !w.heap[0].at.After(now) {
		e := heap.Pop(&w.heap).(*entry)
		delete(w.byID, e.handle)
		due = append(due, e.action)
	}
	w.mu.Unlock()

	for _, action := range due {
		if action != nil {
			action()
		}
	}
}
