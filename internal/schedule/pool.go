// Package schedule runs cooperative background tasks on a fixed number of
// workers. A task runs to completion and asks to be scheduled again; it is
// never executed concurrently with itself.
package schedule

import (
	"sync"
	"time"
)

// Observer receives the duration of every task invocation.
type Observer func(task string, took time.Duration)

type Pool struct {
	observe Observer

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Task
	closed bool

	wg sync.WaitGroup
}

func NewPool(workers int, observe Observer) *Pool {
	if workers < 1 {
		workers = 1
	}
	if observe == nil {
		observe = func(string, time.Duration) {}
	}
	p := &Pool{observe: observe}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// CreateTask returns an inactive task bound to this pool.
func (p *Pool) CreateTask(name string, fn func()) *Task {
	t := &Task{name: name, fn: fn, pool: p}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Close stops the workers once the queue is empty and waits for them.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

func (p *Pool) enqueue(t *Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.queue = append(p.queue, t)
	p.cond.Signal()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		t.execute()
	}
}

type Task struct {
	name string
	fn   func()
	pool *Pool

	mu        sync.Mutex
	cond      *sync.Cond
	active    bool
	scheduled bool // waiting in the queue or to be re-queued after the current run
	queued    bool
	executing bool
	timer     *time.Timer
}

func (t *Task) Name() string { return t.name }

func (t *Task) Activate() {
	t.mu.Lock()
	t.active = true
	t.mu.Unlock()
}

func (t *Task) ActivateAndSchedule() bool {
	t.Activate()
	return t.Schedule()
}

// Schedule queues the task for immediate execution. It returns false when the
// task is inactive or already scheduled.
func (t *Task) Schedule() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scheduleLocked()
}

// ScheduleAfter queues the task once d has elapsed, replacing an earlier
// delayed schedule.
func (t *Task) ScheduleAfter(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return false
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, func() { t.Schedule() })
	return true
}

// Deactivate prevents further invocations and waits for a running one to
// return. It does not interrupt it.
func (t *Task) Deactivate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
	t.scheduled = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	for t.executing {
		t.cond.Wait()
	}
}

func (t *Task) scheduleLocked() bool {
	if !t.active || t.scheduled {
		return false
	}
	t.scheduled = true
	if !t.executing && !t.queued {
		t.queued = true
		t.pool.enqueue(t)
	}
	return true
}

func (t *Task) execute() {
	t.mu.Lock()
	t.queued = false
	if !t.active || !t.scheduled {
		t.scheduled = false
		t.mu.Unlock()
		return
	}
	t.scheduled = false
	t.executing = true
	t.mu.Unlock()

	start := time.Now()
	defer func() {
		t.pool.observe(t.name, time.Since(start))

		t.mu.Lock()
		t.executing = false
		if t.active && t.scheduled && !t.queued {
			t.queued = true
			t.pool.enqueue(t)
		}
		t.cond.Broadcast()
		t.mu.Unlock()
	}()
	t.fn()
}
