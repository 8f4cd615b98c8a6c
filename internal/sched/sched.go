// Package sched implements the cooperative scheduler of spec §4.7/§5: a
// single runqueue of tasks ready to run "now", plus a timer structure
// holding tasks waiting on a deadline. The main loop drains the runqueue,
// then promotes any task whose deadline has passed, and repeats — the
// session FSM is invoked from here on every I/O or timer wake (spec §4.3).
package sched

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Task is one schedulable unit — in this engine, one session's FSM
// invocation. Process runs one pass and returns the next deadline at which
// it should be woken if no earlier event arrives, or ok=false if the task
// has nothing left to wait on and should be dropped (spec §4.3 Phase I:
// "compute t.expire = min(...) and return").
type Task interface {
	Process(now time.Time) (next time.Time, ok bool)
}

// Scheduler holds the runqueue and timer wheel. All task state is touched
// only from within Run's single goroutine; Wake is the one thread-safe
// entry point external I/O callbacks use to requeue a task (spec §5
// "Shared resources ... mutated only from the single owner task").
type Scheduler struct {
	mu      sync.Mutex
	ready   []Task
	waiting timerHeap

	// queued de-dupes a task already pending in ready so a double-wake
	// (e.g. both a read and a timer firing) doesn't run it twice in the same
	// pass; entries in waiting are not marked here (the heap de-dupes its
	// own entries when a task is rescheduled).
	queued map[Task]bool

	wake chan struct{}
}

func New() *Scheduler {
	return &Scheduler{
		queued: map[Task]bool{},
		wake:   make(chan struct{}, 1),
	}
}

// Schedule enqueues a task to run on the next pass, regardless of any
// deadline it may currently be waiting on.
func (s *Scheduler) Schedule(t Task) {
	s.mu.Lock()
	if !s.queued[t] {
		s.queued[t] = true
		s.ready = append(s.ready, t)
	}
	s.mu.Unlock()
	s.nudge()
}

// ScheduleAt arms (or re-arms) t's deadline. A zero time.Time means "no
// deadline" and the task is dropped from the timer wheel.
func (s *Scheduler) ScheduleAt(t Task, deadline time.Time) {
	s.mu.Lock()
	s.waiting.upsert(t, deadline)
	s.mu.Unlock()
	s.nudge()
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drains the runqueue and promotes expired timers until ctx is
// cancelled. It blocks; callers typically run it in its own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		s.promoteExpired(time.Now())
		task, more := s.pop()
		if more {
			next, ok := task.Process(time.Now())
			s.mu.Lock()
			delete(s.queued, task)
			s.mu.Unlock()
			if ok {
				s.ScheduleAt(task, next)
			}
			continue
		}

		wait := s.nextWaitDuration()
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-time.After(wait):
		}
	}
}

func (s *Scheduler) pop() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return nil, false
	}
	t := s.ready[0]
	s.ready = s.ready[1:]
	return t, true
}

func (s *Scheduler) promoteExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.waiting.Len() > 0 && !s.waiting[0].deadline.After(now) {
		item := heap.Pop(&s.waiting).(*timerItem)
		if !s.queued[item.task] {
			s.queued[item.task] = true
			s.ready = append(s.ready, item.task)
		}
	}
}

func (s *Scheduler) nextWaitDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.waiting) == 0 {
		return 100 * time.Millisecond
	}
	d := time.Until(s.waiting[0].deadline)
	if d < time.Millisecond {
		return time.Millisecond
	}
	if d > 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	return d
}

// Pending reports the number of tasks currently queued to run, for tests
// and introspection.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready)
}

type timerItem struct {
	task     Task
	deadline time.Time
	index    int
}

type timerHeap []*timerItem

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	item := x.(*timerItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// upsert arms deadline for task, replacing any existing entry for it. A
// zero deadline removes the task from the wheel entirely.
func (h *timerHeap) upsert(task Task, deadline time.Time) {
	for i, item := range *h {
		if item.task == task {
			if deadline.IsZero() {
				heap.Remove(h, i)
				return
			}
			item.deadline = deadline
			heap.Fix(h, i)
			return
		}
	}
	if deadline.IsZero() {
		return
	}
	heap.Push(h, &timerItem{task: task, deadline: deadline})
}
