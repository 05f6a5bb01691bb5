// Package schedule runs keyed, cancellable deferred tasks from a single
// ticker goroutine. Re-arming a key replaces its pending task, so per-entity
// timers cost one heap slot each instead of one runtime timer each.
package schedule

import (
	"container/heap"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/layer-3/authflow/internal/clock"
)

// DefaultResolution is the tick period used by Start when none is given.
const DefaultResolution = time.Second

// Task is a deferred callback.
type Task func()

type entry struct {
	key   string
	at    time.Time
	every time.Duration
	fn    Task
	index int
}

type taskQueue []*entry

func (q taskQueue) Len() int           { return len(q) }
func (q taskQueue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }
func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Scheduler holds deadlines in a min-heap keyed by name.
type Scheduler struct {
	clock clock.Clock
	log   *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	queue   taskQueue
	closed  bool
	started bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Scheduler. It does not tick until Start is called; tests
// drive it with RunDue instead.
func New(clk clock.Clock, log *zap.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		clock:   clk,
		log:     log.Named("scheduler"),
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// After arms key to run fn once, d from now. An existing task under the same
// key is replaced.
func (s *Scheduler) After(key string, d time.Duration, fn Task) {
	s.arm(key, s.clock.Now().Add(d), 0, fn)
}

// At arms key to run fn once at t.
func (s *Scheduler) At(key string, t time.Time, fn Task) {
	s.arm(key, t, 0, fn)
}

// Every arms key to run fn every interval, starting one interval from now.
func (s *Scheduler) Every(key string, interval time.Duration, fn Task) {
	if interval <= 0 {
		return
	}
	s.arm(key, s.clock.Now().Add(interval), interval, fn)
}

func (s *Scheduler) arm(key string, at time.Time, every time.Duration, fn Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if e, ok := s.entries[key]; ok {
		e.at = at
		e.every = every
		e.fn = fn
		heap.Fix(&s.queue, e.index)
		return
	}
	e := &entry{key: key, at: at, every: every, fn: fn}
	s.entries[key] = e
	heap.Push(&s.queue, e)
}

// Cancel removes the task under key. It reports whether one was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	heap.Remove(&s.queue, e.index)
	delete(s.entries, key)
	return true
}

// CancelPrefix removes every task whose key starts with prefix.
func (s *Scheduler) CancelPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, e := range s.entries {
		if strings.HasPrefix(key, prefix) {
			heap.Remove(&s.queue, e.index)
			delete(s.entries, key)
			n++
		}
	}
	return n
}

// Pending reports whether key has an armed task.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Len returns the number of armed tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RunDue fires every task whose deadline is at or before the clock's now and
// returns how many ran. Tasks run outside the scheduler lock.
func (s *Scheduler) RunDue() int {
	now := s.clock.Now()

	s.mu.Lock()
	var due []*entry
	for s.queue.Len() > 0 && !s.queue[0].at.After(now) {
		e := heap.Pop(&s.queue).(*entry)
		due = append(due, &entry{key: e.key, fn: e.fn})
		if e.every > 0 {
			e.at = e.at.Add(e.every)
			if !e.at.After(now) {
				e.at = now.Add(e.every)
			}
			heap.Push(&s.queue, e)
			continue
		}
		delete(s.entries, e.key)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.run(e)
	}
	return len(due)
}

func (s *Scheduler) run(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled task panicked", zap.String("key", e.key), zap.Any("panic", r))
		}
	}()
	e.fn()
}

// Start launches the ticker goroutine. It is a no-op when already started or
// closed.
func (s *Scheduler) Start(resolution time.Duration) {
	if resolution <= 0 {
		resolution = DefaultResolution
	}

	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.loop(resolution)
	s.log.Debug("scheduler started", zap.Duration("resolution", resolution))
}

func (s *Scheduler) loop(resolution time.Duration) {
	defer close(s.doneCh)

	ticker := time.NewTicker(resolution)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunDue()
		case <-s.stopCh:
			return
		}
	}
}

// Close stops the ticker and drops every pending task. Later arms are
// ignored.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started := s.started
	s.entries = make(map[string]*entry)
	s.queue = nil
	s.mu.Unlock()

	close(s.stopCh)
	if started {
		<-s.doneCh
	}
}
