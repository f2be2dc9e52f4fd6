package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"streamtable/internal/logging"
	"streamtable/internal/record"
	"streamtable/internal/schedule"
	"streamtable/internal/telemetry"
	"streamtable/source/kafka"
	"streamtable/source/kafka/kafkatest"

	"k8s.io/utils/clock"
)

// events is an ordered log shared by the capturing sink and the sessions.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, fmt.Sprintf(format, args...))
}

func (e *events) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

func (e *events) index(entry string) int {
	for i, got := range e.snapshot() {
		if got == entry {
			return i
		}
	}
	return -1
}

// captureSink keeps every written row.
type captureSink struct {
	ev *events

	mu       sync.Mutex
	rows     [][]any
	writes   int
	flushes  int
	writeErr error
	onWrite  func()
}

func newCaptureSink(ev *events) *captureSink { return &captureSink{ev: ev} }

func (s *captureSink) Header() []string {
	return []string{record.ColTopic, record.ColPartition, record.ColOffset, "value"}
}

func (s *captureSink) Write(_ context.Context, _ []string, rows [][]any) error {
	if s.onWrite != nil {
		s.onWrite()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes++
	for _, row := range rows {
		s.rows = append(s.rows, row)
		if s.ev != nil {
			s.ev.add("write %d:%d", row[1], row[2])
		}
	}
	return nil
}

func (s *captureSink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	if s.ev != nil {
		s.ev.add("flush")
	}
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *captureSink) setWriteErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

type fakeDeps struct {
	mu         sync.Mutex
	dependents []string
	ready      bool
}

func (d *fakeDeps) Dependents(string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dependents...)
}

func (d *fakeDeps) Ready(string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

func readyDeps() *fakeDeps { return &fakeDeps{dependents: []string{"mv"}, ready: true} }

// newSessions returns n sessions; session i serves partition i of "events".
func newSessions(n, records int, ev *events) []*kafkatest.Session {
	out := make([]*kafkatest.Session, n)
	for i := range out {
		s := kafkatest.NewSession()
		s.Add("events", int32(i), records)
		if ev != nil {
			s.OnCommit = func(offsets []kafka.Offset) {
				for _, o := range offsets {
					ev.add("commit %d:%d", o.Partition, o.Offset)
				}
			}
		}
		out[i] = s
	}
	return out
}

func readersFor(sessions []*kafkatest.Session) []*kafka.Reader {
	out := make([]*kafka.Reader, len(sessions))
	for i, s := range sessions {
		out[i] = kafka.NewReader(kafka.SessionInfo{Table: "events_queue", Index: i}, s)
	}
	return out
}

func factoryFor(sessions []*kafkatest.Session) kafka.Factory {
	return func(_ context.Context, index int) (*kafka.Reader, error) {
		if index >= len(sessions) || sessions[index] == nil {
			return nil, errors.New("broker unreachable")
		}
		return kafka.NewReader(kafka.SessionInfo{Table: "events_queue", Index: index}, sessions[index]), nil
	}
}

func testLimits() Limits {
	return Limits{
		MaxBlockSize:  5,
		PollBatchSize: 5,
		PollTimeout:   50 * time.Millisecond,
		FlushInterval: time.Second,
	}
}

func newTestRound(t *testing.T, sink Sink, limits Limits, clk clock.PassiveClock) *round {
	t.Helper()
	dec, err := record.NewDecoder(record.FormatRaw, "")
	if err != nil {
		t.Fatal(err)
	}
	metrics := telemetry.NewMetrics(nil)
	log := logging.L().With("test", t.Name())
	return &round{
		table:   "events_queue",
		sink:    sink,
		decoder: dec,
		limits:  limits,
		clock:   clk,
		commits: &committer{table: "events_queue", attempts: 1, metrics: metrics, log: log},
		metrics: metrics,
		log:     log,
	}
}

func testConfig(consumers int) kafka.Config {
	return kafka.Config{
		Brokers:          []string{"localhost:9092"},
		Topics:           []string{"events"},
		GroupName:        "streamtable",
		NumConsumers:     consumers,
		MaxBlockSize:     5,
		PollMaxBatchSize: 5,
		PollTimeout:      50 * time.Millisecond,
		FlushInterval:    200 * time.Millisecond,
	}
}

func newTestTable(t *testing.T, cfg kafka.Config, factory kafka.Factory, sink Sink, deps Dependencies, opts Options) *Table {
	t.Helper()
	sched := schedule.NewPool(2, nil)
	t.Cleanup(sched.Close)
	if opts.RescheduleDelay == 0 {
		opts.RescheduleDelay = 20 * time.Millisecond
	}
	if opts.CleanupTimeout == 0 {
		opts.CleanupTimeout = 2 * time.Second
	}
	tbl, err := NewTable("events_queue", cfg, factory, sink, deps, sched, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tbl.Shutdown() })
	return tbl
}
