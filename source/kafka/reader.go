package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"streamtable/internal/logging"
	"streamtable/internal/record"
)

const appName = "streamtable"

// Reader owns one Session plus a receive buffer and per-partition cursors.
// Records handed out by Poll stay buffered until they are committed so that
// a failed round can replay them.
type Reader struct {
	info    SessionInfo
	session Session
	log     *slog.Logger

	mu       sync.Mutex
	pending  []*record.Record // fetched, not handed out yet
	inflight []*record.Record // handed out, not committed yet
	cursors  cursors
}

func NewReader(info SessionInfo, s Session) *Reader {
	return &Reader{
		info:    info,
		session: s,
		log:     logging.Table(info.Table).With("reader", info.Index, "client_id", info.ClientID),
		cursors: make(cursors),
	}
}

func (r *Reader) Info() SessionInfo { return r.info }

// Poll returns up to max records, serving the receive buffer first. It waits
// at most wait for the broker. Cancellation of ctx ends the wait early and is
// not reported as an error.
func (r *Reader) Poll(ctx context.Context, max int, wait time.Duration) ([]*record.Record, error) {
	if max <= 0 {
		return nil, nil
	}
	r.mu.Lock()
	if len(r.pending) > 0 {
		n := min(max, len(r.pending))
		out := r.pending[:n:n]
		r.pending = r.pending[n:]
		r.handOutLocked(out)
		r.mu.Unlock()
		return out, nil
	}
	r.mu.Unlock()

	if ctx.Err() != nil {
		return nil, nil
	}
	recs, err := r.session.Poll(ctx, max, wait)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("reader %d poll: %w", r.info.Index, err)
		}
	}
	if len(recs) > max {
		// keep the surplus for the next call
		r.mu.Lock()
		r.pending = append(r.pending, recs[max:]...)
		r.mu.Unlock()
		recs = recs[:max]
	}
	r.mu.Lock()
	r.handOutLocked(recs)
	r.mu.Unlock()
	return recs, nil
}

func (r *Reader) handOutLocked(recs []*record.Record) {
	for _, rec := range recs {
		r.cursors.fetched(TopicPartition{rec.Topic, rec.Partition}, rec.Offset)
	}
	r.inflight = append(r.inflight, recs...)
}

// MarkDelivered records that recs were handed to the sink.
func (r *Reader) MarkDelivered(recs []*record.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		r.cursors.delivered(TopicPartition{rec.Topic, rec.Partition}, rec.Offset)
	}
}

// Commit stores every delivered offset that moved since the last commit.
func (r *Reader) Commit(ctx context.Context) error {
	r.mu.Lock()
	offsets := r.cursors.uncommitted()
	r.mu.Unlock()
	if len(offsets) == 0 {
		return nil
	}

	if err := r.session.Commit(ctx, offsets); err != nil {
		return fmt.Errorf("reader %d commit: %w", r.info.Index, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursors.committed(offsets)
	r.dropCommittedLocked()
	r.log.Debug("committed offsets", "partitions", len(offsets))
	return nil
}

func (r *Reader) dropCommittedLocked() {
	kept := r.inflight[:0]
	for _, rec := range r.inflight {
		cur := r.cursors.get(TopicPartition{rec.Topic, rec.Partition})
		if rec.Offset > cur.Committed {
			kept = append(kept, rec)
		}
	}
	for i := len(kept); i < len(r.inflight); i++ {
		r.inflight[i] = nil
	}
	r.inflight = kept
}

// Rollback puts every uncommitted record back in front of the receive buffer.
func (r *Reader) Rollback() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.inflight)
	if n == 0 {
		return 0
	}
	r.pending = append(r.inflight, r.pending...)
	r.inflight = nil
	r.cursors.rewind()
	r.log.Info("rolled back uncommitted records", "count", n)
	return n
}

// Uncommitted reports how many partitions have delivered offsets waiting for
// a commit.
func (r *Reader) Uncommitted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cursors.uncommitted())
}

// Cursors returns a copy of the per-partition positions.
func (r *Reader) Cursors() map[TopicPartition]Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursors.snapshot()
}

// Buffered reports records waiting in the receive buffer.
func (r *Reader) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Reader) Close() error {
	return r.session.Close()
}

// Factory creates the Reader for one consumer slot.
type Factory func(ctx context.Context, index int) (*Reader, error)

// NewFactory returns a Factory opening sessions with the named driver.
func NewFactory(table, driver string, cfg Config, hooks Hooks) (Factory, error) {
	open, err := lookup(driver)
	if err != nil {
		return nil, err
	}
	base := cfg.ClientID
	if base == "" {
		base = DefaultClientID(table)
	}
	return func(ctx context.Context, index int) (*Reader, error) {
		info := SessionInfo{
			Table:    table,
			Driver:   driver,
			Index:    index,
			ClientID: base,
			Topics:   cfg.Topics,
		}
		if cfg.NumConsumers > 1 {
			info.ClientID = fmt.Sprintf("%s-%d", base, index)
		}
		s, err := open(ctx, cfg, info, hooks)
		if err != nil {
			return nil, fmt.Errorf("open %s session %d: %w", driver, index, err)
		}
		hooks.sessionCreated(info)
		return NewReader(info, s), nil
	}, nil
}

func DefaultClientID(table string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%s-%s", appName, host, table)
}
