// Package stream moves records from a table's broker readers into its
// attached views in bounded rounds, committing offsets only after the rows
// were handed to the sink.
package stream

import (
	"context"
	"sync/atomic"
)

// Session is the per-table streaming state shared with in-flight work. The
// cancelled flag is set once at shutdown and never cleared.
type Session struct {
	cancelled atomic.Bool
	created   atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSession() *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{ctx: ctx, cancel: cancel}
}

// Cancel marks the session cancelled and wakes every blocking fetch.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
	s.cancel()
}

func (s *Session) Cancelled() bool { return s.cancelled.Load() }

// Context is done once the session is cancelled. Readers poll with it.
func (s *Session) Context() context.Context { return s.ctx }

// CreatedConsumers is the number of readers provisioned at startup.
func (s *Session) CreatedConsumers() int { return int(s.created.Load()) }

func (s *Session) consumerCreated() { s.created.Add(1) }
