package stream

import (
	"fmt"
	"runtime/debug"

	"streamtable/internal/pool"
	"streamtable/source/kafka"
)

// Dependencies answers which views consume a table and whether all of them,
// transitively, can accept writes.
type Dependencies interface {
	Dependents(id string) []string
	Ready(id string) bool
}

// streamToViews is one invocation of the table's background task.
func (t *Table) streamToViews() {
	if t.session.Cancelled() {
		return
	}
	defer func() {
		if !t.session.Cancelled() {
			t.task.ScheduleAfter(t.opts.RescheduleDelay)
		}
	}()

	if len(t.deps.Dependents(t.name)) == 0 {
		return
	}
	readers := t.borrow()
	if err := t.streamLoop(readers); err != nil {
		t.log.Error("streaming stopped early", "err", err)
	}
}

// streamLoop runs rounds until one stalls, the run budget is spent or the
// table is shut down. Panics are turned into errors.
func (t *Table) streamLoop(readers []*kafka.Reader) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in stream loop: %v\n%s", p, debug.Stack())
		}
	}()

	start := t.clock.Now()
	for !t.session.Cancelled() && len(readers) > 0 {
		if !t.deps.Ready(t.name) {
			t.log.Debug("dependencies not ready, skipping round")
			return nil
		}
		res, err := t.round.run(t.session.Context(), readers)
		if err != nil {
			return err
		}
		if res.Stalled {
			t.log.Debug("round stalled, rescheduling", "delivered", res.Delivered)
			return nil
		}
		if took := t.clock.Since(start); took > t.opts.MaxRunDuration {
			t.log.Debug("run budget spent, rescheduling", "took", took)
			return nil
		}
	}
	return nil
}

// borrow takes every reader currently in the pool without waiting. Borrowed
// readers stay with the task until shutdown.
func (t *Table) borrow() []*kafka.Reader {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		rd, ok := t.pool.Pop(pool.NoWait)
		if !ok {
			break
		}
		t.borrowed = append(t.borrowed, rd)
	}
	t.metrics.SetPoolAvailable(t.name, t.pool.Len())
	return append([]*kafka.Reader(nil), t.borrowed...)
}

// giveBack returns every borrowed reader to the pool.
func (t *Table) giveBack() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rd := range t.borrowed {
		t.pool.Push(rd)
	}
	t.borrowed = nil
	t.metrics.SetPoolAvailable(t.name, t.pool.Len())
}
