// Package sched provides a min-heap timer scheduler used to expire
// breakpoints.
package sched

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"
)

// ID identifies a scheduled task for cancellation.
type ID uint64

type task struct {
	id       ID
	at       time.Time
	fn       func()
	canceled bool
	index    int
}

type taskHeap []*task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x any)         { t := x.(*task); t.index = len(*h); *h = append(*h, t) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Scheduler runs callbacks at deadlines from a single background
// goroutine. Callbacks must be short; long work belongs on the
// caller's own goroutine.
type Scheduler struct {
	mu     sync.Mutex
	timerQ taskHeap
	byID   map[ID]*task
	nextID ID
	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
	log    *slog.Logger
}

// New creates a running scheduler.
func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		byID:   make(map[ID]*task),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		log:    log,
	}
	go s.run()
	return s
}

// Schedule runs fn once after delay. The returned ID cancels it.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) ID {
	s.mu.Lock()
	s.nextID++
	t := &task{id: s.nextID, at: time.Now().Add(delay), fn: fn}
	heap.Push(&s.timerQ, t)
	s.byID[t.id] = t
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return t.id
}

// Cancel prevents a pending task from running. Canceling a task that
// already ran or was already canceled is a no-op.
func (s *Scheduler) Cancel(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.byID[id]; ok {
		t.canceled = true
		delete(s.byID, id)
	}
}

// Pending reports the number of tasks not yet run or canceled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Close stops the background goroutine. Pending tasks never run.
func (s *Scheduler) Close() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if s.timerQ.Len() == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.stop:
				return
			}
		}

		head := s.timerQ[0]
		wait := time.Until(head.at)
		if wait <= 0 {
			heap.Pop(&s.timerQ)
			run := !head.canceled
			delete(s.byID, head.id)
			s.mu.Unlock()
			if run {
				s.invoke(head)
			}
			continue
		}
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.notify:
			timer.Stop()
		case <-s.stop:
			timer.Stop()
			return
		}
	}
}

// invoke shields the scheduler goroutine from a panicking callback.
func (s *Scheduler) invoke(t *task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled task panicked", "task_id", uint64(t.id), "panic", r)
		}
	}()
	t.fn()
}
