package kafka

import (
	"context"
	"errors"
	"time"

	"streamtable/internal/record"
)

// ErrNoSession is returned by Commit when the driver currently has no group
// membership to commit through (e.g. during a rebalance).
var ErrNoSession = errors.New("kafka: no active group session")

// Session is one broker consumer bound to the configured topics. It is used
// by a single Reader and never concurrently.
type Session interface {
	// Poll returns at most max records, waiting up to wait for the first
	// one. It returns early with what it has when ctx is done.
	Poll(ctx context.Context, max int, wait time.Duration) ([]*record.Record, error)
	// Commit durably stores the given offsets as consumed.
	Commit(ctx context.Context, offsets []Offset) error
	Close() error
}

// SessionInfo describes a session to observability hooks.
type SessionInfo struct {
	Table    string
	Driver   string
	Index    int
	ClientID string
	Topics   []string
}

// Hooks are optional callbacks fired once per created session.
type Hooks struct {
	OnSessionCreated func(SessionInfo)
	// OnBackgroundStart is called for each background goroutine a driver
	// starts on behalf of the session (kind is e.g. "consume", "errors").
	OnBackgroundStart func(info SessionInfo, kind string)
}

func (h Hooks) sessionCreated(info SessionInfo) {
	if h.OnSessionCreated != nil {
		h.OnSessionCreated(info)
	}
}

func (h Hooks) backgroundStart(info SessionInfo, kind string) {
	if h.OnBackgroundStart != nil {
		h.OnBackgroundStart(info, kind)
	}
}
