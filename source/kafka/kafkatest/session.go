// Package kafkatest provides an in-memory kafka.Session for tests.
package kafkatest

import (
	"context"
	"errors"
	"sync"
	"time"

	"streamtable/internal/record"
	"streamtable/source/kafka"
)

// Session serves records queued with Add and remembers every commit.
type Session struct {
	mu      sync.Mutex
	queue   []*record.Record
	notify  chan struct{}
	commits [][]kafka.Offset
	closed  bool

	// Endless makes Poll synthesise records forever on Topic/Partition.
	Endless   bool
	Topic     string
	Partition int32
	next      int64

	// CommitErr, when set, is returned by Commit.
	CommitErr error
	// PollErr, when set, is returned once by the next Poll.
	PollErr error
	// OnCommit runs before a commit is recorded.
	OnCommit func(offsets []kafka.Offset)
}

func NewSession() *Session {
	return &Session{notify: make(chan struct{}, 1), Topic: "events"}
}

// Add queues n records with consecutive offsets on topic/partition.
func (s *Session) Add(topic string, partition int32, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := int64(0)
	for i := len(s.queue) - 1; i >= 0; i-- {
		if r := s.queue[i]; r.Topic == topic && r.Partition == partition {
			start = r.Offset + 1
			break
		}
	}
	for i := 0; i < n; i++ {
		s.queue = append(s.queue, &record.Record{
			Topic:     topic,
			Partition: partition,
			Offset:    start + int64(i),
			Value:     []byte(`{"n":` + itoa(start+int64(i)) + `}`),
			Timestamp: time.Unix(1_700_000_000, 0),
		})
	}
	s.wake()
}

// AddRecords queues recs as they are.
func (s *Session) AddRecords(recs ...*record.Record) {
	s.mu.Lock()
	s.queue = append(s.queue, recs...)
	s.mu.Unlock()
	s.wake()
}

func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Session) Poll(ctx context.Context, max int, wait time.Duration) ([]*record.Record, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, errors.New("kafkatest: session closed")
		}
		if err := s.PollErr; err != nil {
			s.PollErr = nil
			s.mu.Unlock()
			return nil, err
		}
		if s.Endless {
			out := make([]*record.Record, max)
			for i := range out {
				out[i] = &record.Record{Topic: s.Topic, Partition: s.Partition, Offset: s.next, Value: []byte("x")}
				s.next++
			}
			s.mu.Unlock()
			return out, nil
		}
		if len(s.queue) > 0 {
			n := min(max, len(s.queue))
			out := append([]*record.Record(nil), s.queue[:n]...)
			s.queue = s.queue[n:]
			s.mu.Unlock()
			return out, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-s.notify:
		}
	}
}

func (s *Session) Commit(_ context.Context, offsets []kafka.Offset) error {
	if s.OnCommit != nil {
		s.OnCommit(offsets)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CommitErr != nil {
		return s.CommitErr
	}
	s.commits = append(s.commits, append([]kafka.Offset(nil), offsets...))
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Commits returns every successful commit in order.
func (s *Session) Commits() [][]kafka.Offset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]kafka.Offset(nil), s.commits...)
}

// Committed returns the latest committed offset for topic/partition, or -1.
func (s *Session) Committed(topic string, partition int32) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	off := int64(-1)
	for _, batch := range s.commits {
		for _, o := range batch {
			if o.Topic == topic && o.Partition == partition && o.Offset > off {
				off = o.Offset
			}
		}
	}
	return off
}

// Pending reports records not yet polled.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	return string(b[i:])
}
